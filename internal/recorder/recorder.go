// Package recorder implements the run recorder (spec §4.4): it assembles
// per-sensor sample records at metrics_log_hz, keeps a bounded in-memory
// live ring regardless of whether a run is being logged to disk, and when
// a run is active writes JSONL chunk files plus a run_end trailer record.
//
// The chunk-rotation idiom is carried over from the LiDAR recorder
// (internal/lidar/recorder); the record shape and dual-mode live/disk
// behavior are ported from pi/vibesensor/metrics_log.py.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileExtension names JSONL chunk files on disk.
const FileExtension = ".jsonl"

// ChunkRows is the number of sample records per chunk file, mirroring the
// LiDAR recorder's ChunkSize.
const ChunkRows = 1000

// LiveRingCapacity is the size of the in-memory ring kept even when no run
// is being logged to disk, so a short "what just happened" view of recent
// samples is always available to the UI.
const LiveRingCapacity = 20000

// Status values for a run's lifecycle (spec §3).
const (
	StatusRecording = "recording"
	StatusAnalyzing = "analyzing"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Peak mirrors one entry of a sample's top_peaks list.
type Peak struct {
	Hz           float64 `json:"hz"`
	AmpG         float64 `json:"amp_g"`
	StrengthDB   float64 `json:"strength_db"`
}

// SampleRecord is one processed-sample row.
type SampleRecord struct {
	RecordType          string  `json:"record_type"`
	RunID               string  `json:"run_id,omitempty"`
	TS                  float64 `json:"t_s"`
	TimestampUTC        string  `json:"timestamp_utc,omitempty"`
	SampleRateHz        int     `json:"sample_rate_hz,omitempty"`
	ClientID            string  `json:"client_id"`
	ClientName          string  `json:"client_name"`
	Location            string  `json:"location,omitempty"`
	SpeedKmh            *float64 `json:"speed_kmh"`
	GPSSpeedKmh         *float64 `json:"gps_speed_kmh,omitempty"`
	SpeedSource         string  `json:"speed_source,omitempty"`
	EngineRPM           *float64 `json:"engine_rpm,omitempty"`
	EngineRPMEstimated  *float64 `json:"engine_rpm_estimated,omitempty"`
	FinalDriveRatio     *float64 `json:"final_drive_ratio,omitempty"`
	CurrentGearRatio    *float64 `json:"current_gear_ratio,omitempty"`
	AccelXG             float64 `json:"accel_x_g"`
	AccelYG             float64 `json:"accel_y_g"`
	AccelZG             float64 `json:"accel_z_g"`
	VibMagRMS           float64 `json:"vib_mag_rms"`
	VibMagP2P           float64 `json:"vib_mag_p2p"`
	DominantHz          float64 `json:"dominant_hz"`
	DominantAmpG        float64 `json:"dominant_amp_g"`
	NoiseFloorAmpG      float64 `json:"noise_floor_amp_g"`
	StrengthFloorAmpG   float64 `json:"strength_floor_amp_g"`
	VibrationStrengthDB float64 `json:"vibration_strength_db"`
	StrengthBucket      *string `json:"strength_bucket"`
	TopPeaks            []Peak  `json:"top_peaks"`
	FramesDroppedTotal  int64   `json:"frames_dropped_total"`
	QueueOverflowDrops  int64   `json:"queue_overflow_drops"`
}

// RunMetadata is the settings snapshot written once at the top of a run
// (tire/drivetrain ratios in effect, so later analysis can reproduce the
// order hypotheses without re-reading live config).
type RunMetadata struct {
	RunID            string  `json:"run_id"`
	StartedAtUnixS   float64 `json:"started_at_unix_s"`
	SensorModel      string  `json:"sensor_model,omitempty"`
	RawSampleRateHz  int     `json:"raw_sample_rate_hz,omitempty"`
	FFTWindowSize    int     `json:"fft_window_size,omitempty"`
	FFTWindowType    string  `json:"fft_window_type,omitempty"`
	PeakPickerMethod string  `json:"peak_picker_method,omitempty"`
	AccelScaleGPerLSB float64 `json:"accel_scale_g_per_lsb,omitempty"`
	TireWidthMM      float64 `json:"tire_width_mm"`
	TireAspectPct    float64 `json:"tire_aspect_pct"`
	RimIn            float64 `json:"rim_in"`
	FinalDriveRatio  float64 `json:"final_drive_ratio"`
	CurrentGearRatio float64 `json:"current_gear_ratio"`
	FFTUpdateHz      float64 `json:"fft_update_hz"`
	MetricsLogHz     float64 `json:"metrics_log_hz"`
	Language         string  `json:"language"`
}

type runEndRecord struct {
	Type        string  `json:"type"`
	EndedAtUnixS float64 `json:"ended_at_unix_s"`
	RowCount    int     `json:"row_count"`
	Status      string  `json:"status"`
	ErrorReason string  `json:"error_reason,omitempty"`
}

// Recorder owns the active run's disk writer and the always-on live ring.
type Recorder struct {
	basePath string

	mu           sync.Mutex
	runID        string
	status       string
	startTime    time.Time
	endTime      time.Time
	metadata     RunMetadata
	rowCount     int
	chunkIndex   int
	chunkRows    int
	chunkFile    *os.File
	chunkWriter  *bufio.Writer
	logging      bool

	liveMu   sync.Mutex
	live     []SampleRecord
	liveHead int
	liveLen  int
}

// New creates a recorder that writes run directories under basePath.
func New(basePath string) *Recorder {
	return &Recorder{
		basePath: basePath,
		live:     make([]SampleRecord, LiveRingCapacity),
	}
}

// IsLogging reports whether a run is currently being written to disk.
func (r *Recorder) IsLogging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logging
}

// RunID returns the current (or most recent) run's identifier.
func (r *Recorder) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// StartLogging begins a new run, creating its directory and writing the
// run-metadata header. Starting a new run while one is active first closes
// the prior run as complete, matching metrics_log.py's
// _start_new_session_locked.
func (r *Recorder) StartLogging(meta RunMetadata, now time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logging {
		if err := r.finalizeLocked(StatusComplete, "", now); err != nil {
			return "", err
		}
	}
	runID := meta.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	runDir := filepath.Join(r.basePath, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("recorder: create run dir: %w", err)
	}
	meta.RunID = runID
	meta.StartedAtUnixS = float64(now.UnixNano()) / 1e9
	headerPath := filepath.Join(runDir, "run.json")
	headerData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("recorder: marshal run metadata: %w", err)
	}
	if err := os.WriteFile(headerPath, headerData, 0o644); err != nil {
		return "", fmt.Errorf("recorder: write run metadata: %w", err)
	}
	r.runID = runID
	r.metadata = meta
	r.status = StatusRecording
	r.startTime = now
	r.endTime = time.Time{}
	r.rowCount = 0
	r.chunkIndex = -1
	r.chunkRows = 0
	r.logging = true
	if err := r.rotateChunkLocked(); err != nil {
		return "", err
	}
	// The JSONL stream leads with the settings snapshot so a chunk file is
	// self-describing even without run.json.
	header := struct {
		RecordType string `json:"record_type"`
		RunMetadata
	}{RecordType: "run_metadata", RunMetadata: meta}
	if err := writeJSONLine(r.chunkWriter, header); err != nil {
		return "", err
	}
	if err := r.chunkWriter.Flush(); err != nil {
		return "", err
	}
	return runID, nil
}

// StopLogging finalizes the active run as complete. It is a no-op if no
// run is active.
func (r *Recorder) StopLogging(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.logging {
		return nil
	}
	return r.finalizeLocked(StatusComplete, "", now)
}

// Fail finalizes the active run as errored (spec §7 WorkerFailure handling).
func (r *Recorder) Fail(reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.logging {
		return nil
	}
	return r.finalizeLocked(StatusError, reason, now)
}

func (r *Recorder) finalizeLocked(status, reason string, now time.Time) error {
	r.endTime = now
	r.status = status
	trailer := runEndRecord{
		Type:         "run_end",
		EndedAtUnixS: float64(now.UnixNano()) / 1e9,
		RowCount:     r.rowCount,
		Status:       status,
		ErrorReason:  reason,
	}
	if r.chunkWriter != nil {
		if err := writeJSONLine(r.chunkWriter, trailer); err != nil {
			return err
		}
		if err := r.chunkWriter.Flush(); err != nil {
			return err
		}
	}
	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return err
		}
		r.chunkFile = nil
		r.chunkWriter = nil
	}
	r.logging = false
	return nil
}

func (r *Recorder) rotateChunkLocked() error {
	if r.chunkWriter != nil {
		if err := r.chunkWriter.Flush(); err != nil {
			return err
		}
	}
	if r.chunkFile != nil {
		if err := r.chunkFile.Close(); err != nil {
			return err
		}
	}
	r.chunkIndex++
	r.chunkRows = 0
	chunkPath := filepath.Join(r.basePath, r.runID, fmt.Sprintf("chunk_%04d%s", r.chunkIndex, FileExtension))
	f, err := os.Create(chunkPath)
	if err != nil {
		return fmt.Errorf("recorder: create chunk file: %w", err)
	}
	r.chunkFile = f
	r.chunkWriter = bufio.NewWriter(f)
	return nil
}

func writeJSONLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// Append writes a batch of sample records to the always-on live ring and,
// if a run is active, to the current chunk file, rotating chunks every
// ChunkRows. IO errors are returned so the caller can drive spec §7's
// IOError retry policy; the live ring write always succeeds.
func (r *Recorder) Append(records []SampleRecord) error {
	for i := range records {
		if records[i].RecordType == "" {
			records[i].RecordType = "sample"
		}
	}
	r.appendLive(records)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.logging {
		return nil
	}
	for i := range records {
		records[i].RunID = r.runID
	}
	for _, rec := range records {
		if r.chunkRows >= ChunkRows {
			if err := r.rotateChunkLocked(); err != nil {
				return err
			}
		}
		if err := writeJSONLine(r.chunkWriter, rec); err != nil {
			return fmt.Errorf("recorder: write sample: %w", err)
		}
		r.chunkRows++
		r.rowCount++
	}
	return r.chunkWriter.Flush()
}

func (r *Recorder) appendLive(records []SampleRecord) {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	for _, rec := range records {
		r.live[r.liveHead] = rec
		r.liveHead = (r.liveHead + 1) % LiveRingCapacity
		if r.liveLen < LiveRingCapacity {
			r.liveLen++
		}
	}
}

// LiveSamples returns up to n of the most recent sample records across any
// run, in chronological order, independent of disk-logging state.
func (r *Recorder) LiveSamples(n int) []SampleRecord {
	r.liveMu.Lock()
	defer r.liveMu.Unlock()
	if n > r.liveLen {
		n = r.liveLen
	}
	if n <= 0 {
		return nil
	}
	out := make([]SampleRecord, n)
	start := (r.liveHead - n + LiveRingCapacity) % LiveRingCapacity
	for i := 0; i < n; i++ {
		out[i] = r.live[(start+i)%LiveRingCapacity]
	}
	return out
}

// RowCount reports how many sample rows the active (or just-finalized) run
// has written.
func (r *Recorder) RowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rowCount
}

// RunSpan reports the active/most recent run's start and end time. End is
// zero while the run is still recording.
func (r *Recorder) RunSpan() (start, end time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startTime, r.endTime
}

// Status reports the active/most recent run's lifecycle status.
func (r *Recorder) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
