// Package api exposes the appliance's HTTP control surface: run recording
// start/stop, run history and insights, NDJSON export, and sensor roster
// management. The WebSocket/PDF presentation layers live outside this
// module and consume these endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/vibesensor/internal/httputil"
	"github.com/banshee-data/vibesensor/internal/registry"
	"github.com/banshee-data/vibesensor/internal/runtime"
	"github.com/banshee-data/vibesensor/internal/sqlitestore"
	"github.com/banshee-data/vibesensor/internal/units"
	"github.com/banshee-data/vibesensor/internal/version"
)

// Server wires the HTTP handlers to the runtime and history store.
type Server struct {
	rt    *runtime.Runtime
	db    *sqlitestore.DB
	reg   *registry.Registry
	speed runtime.SpeedProvider
	units string
	log   *log.Logger
	mux   *http.ServeMux
}

// NewServer builds the API server. displayUnits is the default speed unit
// for display endpoints ("kph" unless overridden per request).
func NewServer(rt *runtime.Runtime, db *sqlitestore.DB, reg *registry.Registry, speed runtime.SpeedProvider, displayUnits string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if !units.IsValid(displayUnits) {
		displayUnits = units.KPH
	}
	s := &Server{rt: rt, db: db, reg: reg, speed: speed, units: displayUnits, log: logger}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/api/logging/", s.handleLogging)
	s.mux.HandleFunc("/api/history", s.handleHistoryList)
	s.mux.HandleFunc("/api/history/", s.handleHistoryItem)
	s.mux.HandleFunc("/api/clients", s.handleClients)
	s.mux.HandleFunc("/api/clients/", s.handleClientItem)
	s.mux.HandleFunc("/api/speed", s.handleSpeed)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	return s
}

// ServeMux exposes the mux so callers can mount additional routes before
// starting the listener.
func (s *Server) ServeMux() *http.ServeMux { return s.mux }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type loggingStatus struct {
	Logging bool   `json:"logging"`
	RunID   string `json:"run_id,omitempty"`
}

func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/api/logging/")
	switch action {
	case "status":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, loggingStatus{Logging: s.rt.ActiveRunID() != "", RunID: s.rt.ActiveRunID()})
	case "start":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		runID, err := s.rt.StartRun(time.Now())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, loggingStatus{Logging: true, RunID: runID})
	case "stop":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		runID, err := s.rt.StopRun(time.Now())
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, loggingStatus{Logging: false, RunID: runID})
	default:
		httputil.NotFound(w, "unknown logging action")
	}
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	runs, err := s.db.ListRuns()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []sqlitestore.RunRow{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/history/")
	parts := strings.SplitN(rest, "/", 2)
	runID := parts[0]
	if runID == "" {
		httputil.NotFound(w, "missing run id")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodDelete:
		if s.rt.ActiveRunID() == runID {
			httputil.WriteJSONError(w, http.StatusConflict, "run is actively recording")
			return
		}
		err := s.db.DeleteRun(runID)
		if errors.Is(err, sqlitestore.ErrRunNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"deleted": runID})
	case sub == "" && r.Method == http.MethodGet:
		run, err := s.db.GetRun(runID)
		if errors.Is(err, sqlitestore.ErrRunNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, run)
	case sub == "insights":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		run, err := s.db.GetRun(runID)
		if errors.Is(err, sqlitestore.ErrRunNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if run.AnalysisJSON == nil {
			httputil.WriteJSONError(w, http.StatusConflict, "analysis not ready: "+run.Status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, *run.AnalysisJSON)
	case sub == "export":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.ndjson"`)
		if err := s.db.ExportNDJSON(w, runID); err != nil {
			if errors.Is(err, sqlitestore.ErrRunNotFound) {
				httputil.NotFound(w, "run not found")
				return
			}
			s.log.Printf("api: export %s: %v", runID, err)
		}
	default:
		httputil.NotFound(w, "unknown history resource")
	}
}

type clientView struct {
	ClientID           string `json:"client_id"`
	Name               string `json:"name"`
	Location           string `json:"location,omitempty"`
	FirmwareVersion    string `json:"firmware_version,omitempty"`
	SampleRateHz       int    `json:"sample_rate_hz,omitempty"`
	LastSeenUTC        string `json:"last_seen_utc,omitempty"`
	FramesTotal        int64  `json:"frames_total"`
	FramesDropped      int64  `json:"frames_dropped"`
	QueueOverflowDrops int64  `json:"queue_overflow_drops"`
	ParseErrors        int64  `json:"parse_errors"`
}

func toClientView(rec registry.Record) clientView {
	v := clientView{
		ClientID:           rec.ClientID,
		Name:               rec.Name,
		Location:           rec.Location,
		FirmwareVersion:    rec.FirmwareVersion,
		SampleRateHz:       rec.SampleRateHz,
		FramesTotal:        rec.FramesTotal,
		FramesDropped:      rec.FramesDropped,
		QueueOverflowDrops: rec.QueueOverflowDrops,
		ParseErrors:        rec.ParseErrors,
	}
	if !rec.LastSeen.IsZero() {
		v.LastSeenUTC = rec.LastSeen.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	records := s.reg.IterRecords()
	views := make([]clientView, 0, len(records))
	for _, rec := range records {
		views = append(views, toClientView(rec))
	}
	httputil.WriteJSONOK(w, views)
}

func (s *Server) handleClientItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/clients/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		httputil.NotFound(w, "unknown client resource")
		return
	}
	clientID, action := parts[0], parts[1]
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	switch action {
	case "name":
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		rec, err := s.reg.SetName(clientID, body.Name)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, toClientView(rec))
	case "location":
		var body struct {
			Location string `json:"location"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		rec, err := s.reg.SetLocation(clientID, body.Location)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, toClientView(rec))
	case "identify":
		rec, ok := s.reg.Get(clientID)
		if !ok || rec.ControlAddr == "" {
			httputil.NotFound(w, "client not connected")
			return
		}
		if err := s.rt.Listener().SendIdentify(rec.ClientID, rec.ControlAddr, uint32(time.Now().Unix()), 3000); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"identify": rec.ClientID})
	default:
		httputil.NotFound(w, "unknown client action")
	}
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	target := r.URL.Query().Get("units")
	if !units.IsValid(target) {
		target = s.units
	}
	resp := map[string]any{"units": target, "speed": nil}
	if s.speed != nil {
		if kmh := s.speed.SpeedKmh(); kmh != nil {
			resp["speed"] = units.ConvertFromKmh(*kmh, target)
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]any{
		"processing_state": s.rt.ProcessingState(),
		"version":          version.Version,
		"git_sha":          version.GitSHA,
		"logging":          s.rt.ActiveRunID() != "",
	})
}
