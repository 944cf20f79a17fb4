// Package registry tracks the lifecycle of known sensor IDs: hello/data/ack
// bookkeeping, TTL eviction, user-assigned names and locations, and the
// snapshot view the live UI and recorder read from.
//
// Ported from pi/vibesensor/registry.py.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/vibesensor/internal/sensorid"
	"github.com/banshee-data/vibesensor/internal/timeutil"
)

// DefaultStaleTTL is the time since last-seen after which a sensor is
// considered disconnected (spec §4.3, §3 lifecycle).
const DefaultStaleTTL = 120 * time.Second

const persistMinInterval = 60 * time.Second

// Record is the mutable state the registry keeps for one sensor.
type Record struct {
	ClientID          string
	Name              string
	Location          string
	FirmwareVersion   string
	SampleRateHz      int
	LastSeen          time.Time
	DataAddr          string
	ControlAddr       string
	FramesTotal       int64
	FramesDropped     int64
	QueueOverflowDrops int64
	ParseErrors       int64
	LastSeq           *uint32
	LastAckCmdSeq     *uint32
	LastAckStatus     *int
	LatestMetrics     map[string]any
}

func (r Record) clone() Record {
	cp := r
	if r.LastSeq != nil {
		v := *r.LastSeq
		cp.LastSeq = &v
	}
	if r.LastAckCmdSeq != nil {
		v := *r.LastAckCmdSeq
		cp.LastAckCmdSeq = &v
	}
	if r.LastAckStatus != nil {
		v := *r.LastAckStatus
		cp.LastAckStatus = &v
	}
	return cp
}

// Registry is the sensor registry (C3). Safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	log             *log.Logger
	clock           timeutil.Clock
	persistPath     string
	staleTTL        time.Duration
	clients         map[string]*Record
	userNames       map[string]string
	userLocations    map[string]string
	lastPersistTS   time.Time
	lastPersistBody string
	pendingPersist  bool
}

// New creates a registry that persists renamed/located sensors to
// persistPath (a small JSON file), loading any prior names on start.
func New(persistPath string, staleTTL time.Duration, logger *log.Logger) *Registry {
	if staleTTL <= 0 {
		staleTTL = DefaultStaleTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{
		log:           logger,
		clock:         timeutil.RealClock{},
		persistPath:   persistPath,
		staleTTL:      staleTTL,
		clients:       make(map[string]*Record),
		userNames:     make(map[string]string),
		userLocations: make(map[string]string),
	}
	r.loadPersistedNames()
	return r
}

type persistedClient struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

type persistedNames struct {
	Clients []persistedClient `json:"clients"`
}

func (r *Registry) loadPersistedNames() {
	if r.persistPath == "" {
		return
	}
	data, err := os.ReadFile(r.persistPath)
	if err != nil {
		return
	}
	var raw persistedNames
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	for _, entry := range raw.Clients {
		id, err := sensorid.Normalize(entry.ID)
		if err != nil {
			continue
		}
		if name := sanitizeName(entry.Name); name != "" {
			r.userNames[id] = name
		}
		if entry.Location != "" {
			r.userLocations[id] = entry.Location
		}
	}
}

func sanitizeName(name string) string {
	clean := name
	if len(clean) > 32 {
		clean = clean[:32]
	}
	return clean
}

func (r *Registry) buildNamesPayload() persistedNames {
	namesByID := make(map[string]string, len(r.userNames))
	locByID := make(map[string]string, len(r.userLocations))
	for id, n := range r.userNames {
		namesByID[id] = n
	}
	for id, l := range r.userLocations {
		locByID[id] = l
	}
	for id, rec := range r.clients {
		if rec.Name != "" {
			namesByID[id] = rec.Name
		}
		if rec.Location != "" {
			locByID[id] = rec.Location
		}
	}
	ids := make([]string, 0, len(namesByID)+len(locByID))
	seen := make(map[string]struct{})
	for id := range namesByID {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	for id := range locByID {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	sort.Strings(ids)
	out := persistedNames{Clients: make([]persistedClient, 0, len(ids))}
	for _, id := range ids {
		out.Clients = append(out.Clients, persistedClient{ID: id, Name: namesByID[id], Location: locByID[id]})
	}
	return out
}

// persistNames writes the current name/location map to disk, throttled to
// persistMinInterval unless force is set (explicit rename/location change).
// A write skipped due to throttling sets pendingPersist so the next natural
// tick past the window flushes it (SPEC_FULL.md supplemented feature #1).
func (r *Registry) persistNames(now time.Time, force bool) {
	if r.persistPath == "" {
		return
	}
	payload := r.buildNamesPayload()
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if string(body) == r.lastPersistBody {
		if _, statErr := os.Stat(r.persistPath); statErr == nil {
			r.pendingPersist = false
			return
		}
	}
	if !force && !r.lastPersistTS.IsZero() && now.Sub(r.lastPersistTS) < persistMinInterval {
		r.pendingPersist = true
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.persistPath), 0o755); err != nil {
		r.log.Printf("registry: create persist dir: %v", err)
		return
	}
	indented, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	tmp := r.persistPath + ".tmp"
	if err := os.WriteFile(tmp, indented, 0o644); err != nil {
		r.log.Printf("registry: write sensor names: %v", err)
		return
	}
	if err := os.Rename(tmp, r.persistPath); err != nil {
		r.log.Printf("registry: replace sensor names: %v", err)
		return
	}
	r.lastPersistBody = string(body)
	r.lastPersistTS = now
	r.pendingPersist = false
}

// FlushPendingPersist writes out a throttled rename/location change once the
// minimum interval has elapsed. Call this periodically (e.g. from the
// recorder tick) so a burst of renames is never silently dropped.
func (r *Registry) FlushPendingPersist(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pendingPersist {
		return
	}
	if now.Sub(r.lastPersistTS) < persistMinInterval {
		return
	}
	r.persistNames(now, true)
}

func (r *Registry) getOrCreate(clientID string) *Record {
	if rec, ok := r.clients[clientID]; ok {
		return rec
	}
	name := r.userNames[clientID]
	if name == "" {
		suffix := clientID
		if len(suffix) > 4 {
			suffix = suffix[len(suffix)-4:]
		}
		name = fmt.Sprintf("client-%s", suffix)
	}
	rec := &Record{ClientID: clientID, Name: name, Location: r.userLocations[clientID]}
	r.clients[clientID] = rec
	return rec
}

// RecordHello updates registry state from a parsed MSG_HELLO.
func (r *Registry) RecordHello(clientID string, addr string, sampleRateHz int, advertisedName, firmwareVersion string, queueOverflowDrops int64, now time.Time) {
	id, err := sensorid.Normalize(clientID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.getOrCreate(id)
	rec.LastSeen = now
	rec.ControlAddr = addr
	rec.SampleRateHz = sampleRateHz
	rec.FirmwareVersion = firmwareVersion
	rec.QueueOverflowDrops = queueOverflowDrops
	if _, named := r.userNames[id]; !named {
		if clean := sanitizeName(advertisedName); clean != "" {
			rec.Name = clean
		}
	}
}

// RecordData updates frame counters from a parsed MSG_DATA, computing
// dropped-frame deltas from the 32-bit wraparound sequence number. Gaps of
// 2^31 or more are treated as out-of-order rather than dropped, matching
// registry.py's wraparound-safe arithmetic (SPEC_FULL.md supplement #3).
func (r *Registry) RecordData(clientID string, addr string, seq uint32, now time.Time) {
	id, err := sensorid.Normalize(clientID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.getOrCreate(id)
	rec.LastSeen = now
	rec.DataAddr = addr
	rec.FramesTotal++
	if rec.LastSeq != nil {
		expected := *rec.LastSeq + 1
		if seq != expected {
			gap := seq - expected
			if gap < 0x80000000 {
				rec.FramesDropped += int64(gap)
			}
		}
	}
	rec.LastSeq = &seq
}

// RecordAck updates registry state from a parsed MSG_ACK.
func (r *Registry) RecordAck(clientID string, cmdSeq uint32, status int, now time.Time) {
	id, err := sensorid.Normalize(clientID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.getOrCreate(id)
	rec.LastSeen = now
	rec.LastAckCmdSeq = &cmdSeq
	rec.LastAckStatus = &status
}

// NoteParseError increments the parse-error counter for a (possibly
// unknown) client ID.
func (r *Registry) NoteParseError(clientID string) {
	if clientID == "" {
		return
	}
	id, err := sensorid.Normalize(clientID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(id).ParseErrors++
}

// SetName assigns a user-chosen display name and persists it immediately.
func (r *Registry) SetName(clientID, name string) (Record, error) {
	clean := sanitizeName(name)
	if clean == "" {
		return Record{}, fmt.Errorf("registry: name must be non-empty and <=32 bytes")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.getOrCreate(clientID)
	rec.Name = clean
	r.userNames[rec.ClientID] = clean
	r.persistNames(r.clock.Now(), true)
	return rec.clone(), nil
}

// SetLocation assigns a user-chosen location code and persists it
// immediately.
func (r *Registry) SetLocation(clientID, location string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.getOrCreate(clientID)
	rec.Location = location
	r.userLocations[rec.ClientID] = location
	r.persistNames(r.clock.Now(), true)
	return rec.clone(), nil
}

// RemoveClient forgets a sensor's live and persisted state.
func (r *Registry) RemoveClient(clientID string) bool {
	id, err := sensorid.Normalize(clientID)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, inLive := r.clients[id]
	_, inNames := r.userNames[id]
	existed := inLive || inNames
	delete(r.clients, id)
	delete(r.userNames, id)
	delete(r.userLocations, id)
	if existed {
		r.persistNames(r.clock.Now(), true)
	}
	return existed
}

// SetLatestMetrics stashes the processor's most recent output for a sensor
// for the recorder and live-diagnostics engine to read.
func (r *Registry) SetLatestMetrics(clientID string, metrics map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(clientID).LatestMetrics = metrics
}

// Get returns a copy of a sensor's record, if known.
func (r *Registry) Get(clientID string) (Record, bool) {
	id, err := sensorid.Normalize(clientID)
	if err != nil {
		return Record{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// ClientIDs returns every known sensor ID, in no particular order.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// ActiveClientIDs returns IDs last seen within the stale TTL.
func (r *Registry) ActiveClientIDs(now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id, rec := range r.clients {
		if !rec.LastSeen.IsZero() && now.Sub(rec.LastSeen) <= r.staleTTL {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// EvictStale drops sensors not seen within the stale TTL from the live
// roster, keeping their user-assigned name so a reconnect restores it
// (SPEC_FULL.md supplement #2).
func (r *Registry) EvictStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, rec := range r.clients {
		if rec.LastSeen.IsZero() || now.Sub(rec.LastSeen) <= r.staleTTL {
			continue
		}
		evicted = append(evicted, id)
		delete(r.clients, id)
	}
	return evicted
}

// IterRecords returns a copy of every live record.
func (r *Registry) IterRecords() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.clients))
	for _, rec := range r.clients {
		out = append(out, rec.clone())
	}
	return out
}
