// Package live implements the real-time severity-bucket state machine the
// UI broadcast tick feeds (spec §4.11): per-sensor and combined-sensor
// trackers with rise-fast/decay-slow hysteresis, heartbeat re-emission, a
// source-by-severity residency matrix, and multi-sensor event grouping.
package live

import (
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/strength"
)

// multiSensorBonusDB is the sensitivity bonus applied when two or more
// sensors report the same peak classification in the same window.
const multiSensorBonusDB = 2.0

// Classification is one sensor's current peak classification, as produced
// by the processing tick.
type Classification struct {
	SensorID   string
	Label      string // display label (location name)
	ClassKey   string // vibration class, e.g. "wheel_1x" or "peak_24hz"
	Hz         float64
	StrengthDB float64
	BandRMSG   float64
	At         time.Time
}

// Event is one emitted severity transition or heartbeat.
type Event struct {
	TrackerKey string    `json:"tracker_key"`
	SensorIDs  []string  `json:"sensor_ids"`
	Label      string    `json:"label"`
	ClassKey   string    `json:"class_key"`
	Hz         float64   `json:"hz"`
	BucketKey  string    `json:"bucket_key"`
	StrengthDB float64   `json:"strength_db"`
	Kind       string    `json:"kind"` // "rising" | "heartbeat" | "cleared"
	At         time.Time `json:"at"`
}

type tracker struct {
	sensorIDs    []string
	label        string
	classKey     string
	bucketKey    string
	decayedMaxDB float64
	belowTicks   int
	lastHz       float64
	lastEmit     time.Time
	active       bool
}

// Engine owns every tracker plus the source-by-severity residency matrix.
type Engine struct {
	tuning   *config.Tuning
	trackers map[string]*tracker
	// seconds spent per (classKey, bucketKey) cell
	matrix   map[string]map[string]float64
	lastTick time.Time
}

// New builds an engine with the given tuning.
func New(tuning *config.Tuning) *Engine {
	return &Engine{
		tuning:   tuning,
		trackers: make(map[string]*tracker),
		matrix:   make(map[string]map[string]float64),
	}
}

// Matrix returns a copy of the accumulated source-by-severity residency
// seconds.
func (e *Engine) Matrix() map[string]map[string]float64 {
	out := make(map[string]map[string]float64, len(e.matrix))
	for source, row := range e.matrix {
		cp := make(map[string]float64, len(row))
		for bucket, secs := range row {
			cp[bucket] = secs
		}
		out[source] = cp
	}
	return out
}

// Tick advances every tracker with this broadcast tick's classifications and
// returns the events to push to subscribers.
func (e *Engine) Tick(now time.Time, inputs []Classification) []Event {
	dt := 0.0
	if !e.lastTick.IsZero() {
		dt = now.Sub(e.lastTick).Seconds()
	}
	e.lastTick = now

	grouped := e.groupMultiSensor(inputs)

	var events []Event
	seen := map[string]struct{}{}
	for _, g := range grouped {
		key := strings.Join(g.sensorIDs, "+") + "|" + g.classKey
		seen[key] = struct{}{}
		tr, ok := e.trackers[key]
		if !ok {
			tr = &tracker{sensorIDs: g.sensorIDs, label: g.label, classKey: g.classKey}
			e.trackers[key] = tr
		}
		events = append(events, e.advance(key, tr, g, now, dt)...)
	}

	// Trackers with no input this tick decay toward cleared.
	for key, tr := range e.trackers {
		if _, ok := seen[key]; ok {
			continue
		}
		if !tr.active {
			continue
		}
		tr.decayedMaxDB -= e.tuning.GetHysteresisDB()
		tr.belowTicks++
		if tr.belowTicks >= e.tuning.GetDecayTicks() {
			tr.active = false
			tr.bucketKey = ""
			events = append(events, Event{
				TrackerKey: key, SensorIDs: tr.sensorIDs, Label: tr.label,
				ClassKey: tr.classKey, Hz: tr.lastHz, Kind: "cleared", At: now,
			})
		}
	}
	return events
}

type groupInput struct {
	sensorIDs  []string
	label      string
	classKey   string
	hz         float64
	strengthDB float64
	bandRMSG   float64
}

// groupMultiSensor merges classifications that coincide within the
// multi-sensor window and frequency bin into a combined virtual tracker
// (SPEC_FULL.md supplement #5): sort by Hz, then bucket by gap ≤ bin width.
func (e *Engine) groupMultiSensor(inputs []Classification) []groupInput {
	binHz := e.tuning.GetMultiFreqBinHz()
	window := time.Duration(e.tuning.GetMultiSensorWindowMs()) * time.Millisecond

	byClass := map[string][]Classification{}
	for _, in := range inputs {
		byClass[in.ClassKey] = append(byClass[in.ClassKey], in)
	}
	classKeys := make([]string, 0, len(byClass))
	for k := range byClass {
		classKeys = append(classKeys, k)
	}
	sort.Strings(classKeys)

	var out []groupInput
	for _, classKey := range classKeys {
		batch := byClass[classKey]
		sort.Slice(batch, func(i, j int) bool { return batch[i].Hz < batch[j].Hz })
		i := 0
		for i < len(batch) {
			j := i + 1
			for j < len(batch) &&
				batch[j].Hz-batch[j-1].Hz <= binHz &&
				absDuration(batch[j].At.Sub(batch[i].At)) <= window {
				j++
			}
			cluster := batch[i:j]
			g := groupInput{classKey: classKey}
			ids := make([]string, 0, len(cluster))
			labels := make([]string, 0, len(cluster))
			for _, c := range cluster {
				ids = append(ids, c.SensorID)
				labels = append(labels, c.Label)
				g.hz += c.Hz
				if c.StrengthDB > g.strengthDB {
					g.strengthDB = c.StrengthDB
				}
				if c.BandRMSG > g.bandRMSG {
					g.bandRMSG = c.BandRMSG
				}
			}
			sort.Strings(ids)
			g.sensorIDs = ids
			g.hz /= float64(len(cluster))
			if len(cluster) >= 2 {
				g.label = "combined(" + strings.Join(labels, ", ") + ")"
				g.strengthDB += multiSensorBonusDB
			} else {
				g.label = labels[0]
			}
			out = append(out, g)
			i = j
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (e *Engine) advance(key string, tr *tracker, g groupInput, now time.Time, dt float64) []Event {
	instBucket := strength.BucketFor(g.strengthDB, g.bandRMSG)
	if g.strengthDB > tr.decayedMaxDB {
		tr.decayedMaxDB = g.strengthDB
	} else {
		tr.decayedMaxDB -= e.tuning.GetHysteresisDB() / float64(e.tuning.GetDecayTicks())
	}
	tr.lastHz = g.hz

	var events []Event
	switch {
	case strength.Rank(instBucket) > strength.Rank(tr.bucketKey):
		// Rising edges follow the instantaneous band immediately.
		tr.bucketKey = instBucket
		tr.belowTicks = 0
		tr.active = instBucket != ""
		if tr.active {
			tr.lastEmit = now
			events = append(events, Event{
				TrackerKey: key, SensorIDs: tr.sensorIDs, Label: tr.label,
				ClassKey: tr.classKey, Hz: g.hz, BucketKey: tr.bucketKey,
				StrengthDB: g.strengthDB, Kind: "rising", At: now,
			})
		}
	case strength.Rank(instBucket) < strength.Rank(tr.bucketKey):
		// Falling edges require the decayed max to stay below the current
		// band for DecayTicks consecutive ticks.
		decayedBucket := strength.BucketFor(tr.decayedMaxDB, g.bandRMSG)
		if strength.Rank(decayedBucket) < strength.Rank(tr.bucketKey) {
			tr.belowTicks++
			if tr.belowTicks >= e.tuning.GetDecayTicks() {
				tr.bucketKey = instBucket
				tr.belowTicks = 0
				if instBucket == "" {
					tr.active = false
					events = append(events, Event{
						TrackerKey: key, SensorIDs: tr.sensorIDs, Label: tr.label,
						ClassKey: tr.classKey, Hz: g.hz, Kind: "cleared", At: now,
					})
				}
			}
		} else {
			tr.belowTicks = 0
		}
	default:
		tr.belowTicks = 0
	}

	if tr.active && tr.bucketKey != "" {
		heartbeat := time.Duration(e.tuning.GetHeartbeatEmitMs()) * time.Millisecond
		if !tr.lastEmit.IsZero() && now.Sub(tr.lastEmit) >= heartbeat {
			tr.lastEmit = now
			events = append(events, Event{
				TrackerKey: key, SensorIDs: tr.sensorIDs, Label: tr.label,
				ClassKey: tr.classKey, Hz: g.hz, BucketKey: tr.bucketKey,
				StrengthDB: g.strengthDB, Kind: "heartbeat", At: now,
			})
		}
		if dt > 0 {
			row, ok := e.matrix[tr.classKey]
			if !ok {
				row = make(map[string]float64)
				e.matrix[tr.classKey] = row
			}
			row[tr.bucketKey] += dt
		}
	}
	return events
}
