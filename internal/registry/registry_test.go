package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testID = "aabb0c0102f3"

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "names.json")
	return New(path, 0, nil), path
}

func TestRecordHelloCreatesClient(t *testing.T) {
	r, _ := newTestRegistry(t)
	now := time.Now()
	r.RecordHello(testID, "10.0.0.5:9000", 800, "front-left", "1.2.0", 3, now)

	rec, ok := r.Get(testID)
	if !ok {
		t.Fatal("client not created")
	}
	if rec.Name != "front-left" || rec.SampleRateHz != 800 || rec.FirmwareVersion != "1.2.0" {
		t.Errorf("record = %+v", rec)
	}
	if rec.QueueOverflowDrops != 3 {
		t.Errorf("overflow = %d", rec.QueueOverflowDrops)
	}
}

func TestRecordDataSequenceGaps(t *testing.T) {
	r, _ := newTestRegistry(t)
	now := time.Now()
	r.RecordData(testID, "addr", 10, now)
	r.RecordData(testID, "addr", 11, now)
	r.RecordData(testID, "addr", 15, now) // gap of 3 dropped frames

	rec, _ := r.Get(testID)
	if rec.FramesTotal != 3 {
		t.Errorf("frames total = %d", rec.FramesTotal)
	}
	if rec.FramesDropped != 3 {
		t.Errorf("frames dropped = %d, want 3", rec.FramesDropped)
	}
}

func TestRecordDataSequenceWraparound(t *testing.T) {
	r, _ := newTestRegistry(t)
	now := time.Now()
	r.RecordData(testID, "addr", 0xFFFFFFFF, now)
	r.RecordData(testID, "addr", 0, now) // clean wrap, no drop
	rec, _ := r.Get(testID)
	if rec.FramesDropped != 0 {
		t.Errorf("clean wraparound counted as drop: %d", rec.FramesDropped)
	}

	// An out-of-order packet (huge backwards gap) is not a drop either.
	r.RecordData(testID, "addr", 5, now)
	r.RecordData(testID, "addr", 2, now)
	rec, _ = r.Get(testID)
	if rec.FramesDropped != 4 {
		// 0 -> 5 is a gap of 4; 5 -> 2 wraps backwards and is discarded.
		t.Errorf("frames dropped = %d, want 4", rec.FramesDropped)
	}
}

func TestSetNamePersistsAndSurvivesReload(t *testing.T) {
	r, path := newTestRegistry(t)
	now := time.Now()
	r.RecordHello(testID, "addr", 800, "adv", "1.0", 0, now)
	if _, err := r.SetName(testID, "rear right wheel"); err != nil {
		t.Fatalf("SetName: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("names file not written: %v", err)
	}

	fresh := New(path, 0, nil)
	fresh.RecordHello(testID, "addr", 800, "adv", "1.0", 0, now)
	rec, _ := fresh.Get(testID)
	if rec.Name != "rear right wheel" {
		t.Errorf("reloaded name = %q", rec.Name)
	}
}

func TestSetNameRejectsEmpty(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.SetName(testID, ""); err == nil {
		t.Error("empty name must be rejected")
	}
}

func TestAdvertisedNameDoesNotOverrideUserName(t *testing.T) {
	r, _ := newTestRegistry(t)
	now := time.Now()
	r.RecordHello(testID, "addr", 800, "factory-name", "1.0", 0, now)
	r.SetName(testID, "my sensor")
	r.RecordHello(testID, "addr", 800, "factory-name", "1.0", 0, now.Add(time.Second))
	rec, _ := r.Get(testID)
	if rec.Name != "my sensor" {
		t.Errorf("hello overrode user name: %q", rec.Name)
	}
}

func TestEvictStaleKeepsUserNames(t *testing.T) {
	r, _ := newTestRegistry(t)
	start := time.Now()
	r.RecordHello(testID, "addr", 800, "adv", "1.0", 0, start)
	r.SetName(testID, "front left wheel")

	evicted := r.EvictStale(start.Add(DefaultStaleTTL + time.Second))
	if len(evicted) != 1 || evicted[0] != testID {
		t.Fatalf("evicted = %v", evicted)
	}
	if _, ok := r.Get(testID); ok {
		t.Fatal("evicted client still live")
	}

	// Reconnection restores the user-assigned name.
	r.RecordHello(testID, "addr", 800, "adv", "1.0", 0, start.Add(DefaultStaleTTL+2*time.Second))
	rec, _ := r.Get(testID)
	if rec.Name != "front left wheel" {
		t.Errorf("name after reconnect = %q", rec.Name)
	}
}

func TestActiveClientIDs(t *testing.T) {
	r, _ := newTestRegistry(t)
	now := time.Now()
	r.RecordData(testID, "addr", 1, now.Add(-DefaultStaleTTL-time.Minute))
	r.RecordData("001122334455", "addr", 1, now)
	active := r.ActiveClientIDs(now)
	if len(active) != 1 || active[0] != "001122334455" {
		t.Errorf("active = %v", active)
	}
}

func TestRemoveClient(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RecordData(testID, "addr", 1, time.Now())
	r.SetName(testID, "x")
	if !r.RemoveClient(testID) {
		t.Fatal("remove returned false for known client")
	}
	if _, ok := r.Get(testID); ok {
		t.Error("client still present after removal")
	}
	if r.RemoveClient(testID) {
		t.Error("second removal should report not found")
	}
}

func TestParseErrorCounter(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.NoteParseError(testID)
	r.NoteParseError(testID)
	rec, _ := r.Get(testID)
	if rec.ParseErrors != 2 {
		t.Errorf("parse errors = %d", rec.ParseErrors)
	}
}
