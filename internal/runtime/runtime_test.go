package runtime

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/recorder"
	"github.com/banshee-data/vibesensor/internal/registry"
	"github.com/banshee-data/vibesensor/internal/ringbuffer"
	"github.com/banshee-data/vibesensor/internal/sqlitestore"
)

func newTestRuntime(t *testing.T) (*Runtime, *sqlitestore.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlitestore.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	rt := New(Config{
		Settings: config.EmptySettings(),
		DB:       db,
		Registry: registry.New("", 0, nil),
		Buffers:  ringbuffer.NewStore(64),
		Recorder: recorder.New(filepath.Join(dir, "runs")),
	})
	return rt, db
}

func sampleBody(t *testing.T, ts, speed float64, name string, peakHz, peakAmp float64) string {
	t.Helper()
	bucket := "l3"
	rec := recorder.SampleRecord{
		TS: ts, ClientID: "aaaaaaaaaaa1", ClientName: name,
		SpeedKmh: &speed, StrengthFloorAmpG: 0.001,
		VibrationStrengthDB: 30, StrengthBucket: &bucket,
		TopPeaks: []recorder.Peak{{Hz: peakHz, AmpG: peakAmp, StrengthDB: 30}},
	}
	body, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(body)
}

func TestAnalyzeRunCompletes(t *testing.T) {
	rt, db := newTestRuntime(t)
	now := time.Now()
	meta := recorder.RunMetadata{
		RunID: "run-1", TireWidthMM: 285, TireAspectPct: 30, RimIn: 21,
		FinalDriveRatio: 3.08, CurrentGearRatio: 0.64, Language: "en",
	}
	metaBody, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, db.CreateRun("run-1", string(metaBody), now))
	circ := config.DefaultAnalysisSettings().TireCircumferenceM()
	var bodies []string
	for i := 0; i < 40; i++ {
		speed := 80 + float64(i%21)
		bodies = append(bodies, sampleBody(t, float64(i)*0.25, speed, "front left wheel", (speed/3.6)/circ, 0.05))
	}
	require.NoError(t, db.AppendSamples("run-1", 0, bodies))
	require.NoError(t, db.EndRun("run-1", now.Add(10*time.Second)))

	rt.analyzeRun("run-1")

	run, err := db.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, sqlitestore.StatusComplete, run.Status)
	require.NotNil(t, run.AnalysisJSON)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(*run.AnalysisJSON), &doc))
	require.Equal(t, "run-1", doc["run_id"])
}

func TestAnalyzeRunZeroSamples(t *testing.T) {
	rt, db := newTestRuntime(t)
	now := time.Now()
	require.NoError(t, db.CreateRun("empty", `{}`, now))
	require.NoError(t, db.EndRun("empty", now))

	rt.analyzeRun("empty")

	run, err := db.GetRun("empty")
	require.NoError(t, err)
	require.Equal(t, sqlitestore.StatusError, run.Status)
	require.NotNil(t, run.ErrorMessage)
	require.Equal(t, "No samples collected during run", *run.ErrorMessage)
}

func TestAnalyzeRunCorruptMetadata(t *testing.T) {
	rt, db := newTestRuntime(t)
	require.NoError(t, db.CreateRun("bad", `{not json`, time.Now()))
	rt.analyzeRun("bad")
	run, err := db.GetRun("bad")
	require.NoError(t, err)
	require.Equal(t, sqlitestore.StatusError, run.Status)
}

func TestEnqueueAnalysisEvictsOldest(t *testing.T) {
	rt, _ := newTestRuntime(t)
	for i := 0; i < analysisQueueDepth+10; i++ {
		rt.EnqueueAnalysis("run")
	}
	if len(rt.analysisCh) != analysisQueueDepth {
		t.Errorf("queue depth = %d", len(rt.analysisCh))
	}
}

func TestStartStopRunRoundTrip(t *testing.T) {
	rt, db := newTestRuntime(t)
	runID, err := rt.StartRun(time.Now())
	require.NoError(t, err)
	require.Equal(t, runID, rt.ActiveRunID())

	run, err := db.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, sqlitestore.StatusRecording, run.Status)
	var meta recorder.RunMetadata
	require.NoError(t, json.Unmarshal([]byte(run.MetadataJSON), &meta))
	require.Equal(t, runID, meta.RunID)
	require.Equal(t, "hann", meta.FFTWindowType)

	stopped, err := rt.StopRun(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, runID, stopped)
	require.Empty(t, rt.ActiveRunID())

	run, err = db.GetRun(runID)
	require.NoError(t, err)
	require.Equal(t, sqlitestore.StatusAnalyzing, run.Status)

	_, err = rt.StopRun(time.Now())
	require.Error(t, err, "second stop must fail")
}
