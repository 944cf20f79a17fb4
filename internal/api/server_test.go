package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/recorder"
	"github.com/banshee-data/vibesensor/internal/registry"
	"github.com/banshee-data/vibesensor/internal/ringbuffer"
	"github.com/banshee-data/vibesensor/internal/runtime"
	"github.com/banshee-data/vibesensor/internal/sqlitestore"
	"github.com/banshee-data/vibesensor/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *sqlitestore.DB, *registry.Registry, *runtime.Runtime) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlitestore.Open(filepath.Join(dir, "history.db"))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New(filepath.Join(dir, "names.json"), 0, nil)
	rt := runtime.New(runtime.Config{
		Settings: config.EmptySettings(),
		DB:       db,
		Registry: reg,
		Buffers:  ringbuffer.NewStore(64),
		Recorder: recorder.New(filepath.Join(dir, "runs")),
	})
	srv := NewServer(rt, db, reg, nil, "kph", nil)
	return srv, db, reg, rt
}

func do(t *testing.T, srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := testutil.NewTestRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestLoggingStartStopCycle(t *testing.T) {
	srv, db, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/api/logging/status", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = do(t, srv, http.MethodPost, "/api/logging/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var status loggingStatus
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	if !status.Logging || status.RunID == "" {
		t.Fatalf("start response = %+v", status)
	}
	runID := status.RunID

	w = do(t, srv, http.MethodPost, "/api/logging/stop", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	run, err := db.GetRun(runID)
	testutil.AssertNoError(t, err)
	if run.Status != sqlitestore.StatusAnalyzing {
		t.Errorf("run status = %s, want analyzing after stop", run.Status)
	}

	// Stop with no active run is a client error.
	w = do(t, srv, http.MethodPost, "/api/logging/stop", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestThreeSequentialRuns(t *testing.T) {
	srv, db, _, _ := newTestServer(t)
	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		w := do(t, srv, http.MethodPost, "/api/logging/start", "")
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
		var status loggingStatus
		testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		ids[status.RunID] = true
		w = do(t, srv, http.MethodPost, "/api/logging/stop", "")
		testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	}
	if len(ids) != 3 {
		t.Fatalf("distinct run ids = %d, want 3", len(ids))
	}

	w := do(t, srv, http.MethodGet, "/api/history", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var runs []sqlitestore.RunRow
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	if len(runs) != 3 {
		t.Fatalf("history = %d runs", len(runs))
	}

	// Deleting one leaves the others intact.
	w = do(t, srv, http.MethodDelete, "/api/history/"+runs[0].RunID, "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	remaining, err := db.ListRuns()
	testutil.AssertNoError(t, err)
	if len(remaining) != 2 {
		t.Errorf("remaining = %d", len(remaining))
	}
}

func TestDeleteActiveRunConflicts(t *testing.T) {
	srv, _, _, rt := newTestServer(t)
	runID, err := rt.StartRun(time.Now())
	testutil.AssertNoError(t, err)
	w := do(t, srv, http.MethodDelete, "/api/history/"+runID, "")
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)
}

func TestInsightsLifecycle(t *testing.T) {
	srv, db, _, _ := newTestServer(t)
	now := time.Now()
	testutil.AssertNoError(t, db.CreateRun("run-x", `{}`, now))
	testutil.AssertNoError(t, db.EndRun("run-x", now))

	// Analysis pending: 409.
	w := do(t, srv, http.MethodGet, "/api/history/run-x/insights", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)

	testutil.AssertNoError(t, db.SaveAnalysis("run-x", `{"findings":[]}`))
	w = do(t, srv, http.MethodGet, "/api/history/run-x/insights", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	if got := w.Body.String(); got != `{"findings":[]}` {
		t.Errorf("insights body = %q", got)
	}

	w = do(t, srv, http.MethodGet, "/api/history/missing/insights", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
}

func TestExportNDJSON(t *testing.T) {
	srv, db, _, _ := newTestServer(t)
	now := time.Now()
	testutil.AssertNoError(t, db.CreateRun("run-x", `{"language":"en"}`, now))
	testutil.AssertNoError(t, db.AppendSamples("run-x", 0, []string{`{"t_s":0}`}))

	w := do(t, srv, http.MethodGet, "/api/history/run-x/export", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("export lines = %d, want metadata + 1 sample", len(lines))
	}
}

func TestClientRenameAndLocation(t *testing.T) {
	srv, _, reg, _ := newTestServer(t)
	reg.RecordHello("aabb0c0102f3", "10.0.0.9:9000", 800, "adv", "1.0", 0, time.Now())

	w := do(t, srv, http.MethodPost, "/api/clients/aabb0c0102f3/name", `{"name":"front left wheel"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var view clientView
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	if view.Name != "front left wheel" {
		t.Errorf("name = %q", view.Name)
	}

	w = do(t, srv, http.MethodPost, "/api/clients/aabb0c0102f3/location", `{"location":"FL"}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = do(t, srv, http.MethodGet, "/api/clients", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var views []clientView
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	if len(views) != 1 || views[0].Location != "FL" {
		t.Errorf("clients = %+v", views)
	}

	// Empty rename rejected.
	w = do(t, srv, http.MethodPost, "/api/clients/aabb0c0102f3/name", `{"name":""}`)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/api/health", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var health map[string]any
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	if health["processing_state"] != runtime.ProcessingOK {
		t.Errorf("processing_state = %v", health["processing_state"])
	}
}

func TestSpeedEndpointWithoutProvider(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/api/speed?units=mph", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	var resp map[string]any
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	if resp["units"] != "mph" || resp["speed"] != nil {
		t.Errorf("speed resp = %v", resp)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w := do(t, srv, http.MethodGet, "/api/logging/start", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
	w = do(t, srv, http.MethodPost, "/api/history", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}
