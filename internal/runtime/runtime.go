// Package runtime wires the ingest, processing, recording, live-diagnostics,
// and post-analysis components together and owns their goroutines (spec §5).
// Components never reach for globals; everything they need is threaded
// through the Runtime explicitly.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/ingest"
	"github.com/banshee-data/vibesensor/internal/live"
	"github.com/banshee-data/vibesensor/internal/recorder"
	"github.com/banshee-data/vibesensor/internal/registry"
	"github.com/banshee-data/vibesensor/internal/ringbuffer"
	"github.com/banshee-data/vibesensor/internal/signal"
	"github.com/banshee-data/vibesensor/internal/sqlitestore"
	"github.com/banshee-data/vibesensor/internal/strength"
	"github.com/banshee-data/vibesensor/internal/summary"
)

// Processing-state values surfaced by the health endpoint (spec §7).
const (
	ProcessingOK       = "ok"
	ProcessingDegraded = "degraded"
	ProcessingFatal    = "fatal"
)

const (
	fatalFailureThreshold = 25
	fatalBackoff          = 30 * time.Second
	analysisQueueDepth    = 100
	fftWorkers            = 4
	staleDataAge          = 2 * time.Second
)

// SpeedProvider supplies the vehicle's current road speed. The GPS reader
// lives outside this module; a nil reading means speed is unavailable.
type SpeedProvider interface {
	SpeedKmh() *float64
}

// Config bundles the runtime's construction inputs.
type Config struct {
	Settings    *config.Settings
	DB          *sqlitestore.DB
	Registry    *registry.Registry
	Buffers     *ringbuffer.Store
	Recorder    *recorder.Recorder
	Speed       SpeedProvider
	UDPAddress  string
	SampleRate  int
	Logger      *log.Logger
}

// sensorMetrics is the latest processing output for one sensor.
type sensorMetrics struct {
	metrics *signal.Metrics
	at      time.Time
}

// Runtime owns the component graph and its background tasks.
type Runtime struct {
	cfg       Config
	log       *log.Logger
	processor *signal.Processor
	listener  *ingest.UDPListener
	liveEng   *live.Engine

	metricsMu sync.RWMutex
	latest    map[string]sensorMetrics

	runMu     sync.Mutex
	runID     string
	sampleSeq int

	procMu       sync.Mutex
	procFailures int
	procBackoff  time.Time
	procState    string

	analysisCh chan string
	analysisWG sync.WaitGroup
}

// New builds a runtime from its components.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = ringbuffer.DefaultSampleRateHz
	}
	rt := &Runtime{
		cfg:        cfg,
		log:        cfg.Logger,
		processor:  signal.New(signal.Config{}),
		liveEng:    live.New(cfg.Settings.Tuning),
		latest:     make(map[string]sensorMetrics),
		procState:  ProcessingOK,
		analysisCh: make(chan string, analysisQueueDepth),
	}
	rt.listener = ingest.NewUDPListener(ingest.UDPListenerConfig{
		Address: cfg.UDPAddress,
		Handler: rt,
		Logger:  cfg.Logger,
	})
	return rt
}

// Listener exposes the UDP listener (for identify commands).
func (rt *Runtime) Listener() *ingest.UDPListener { return rt.listener }

// LiveEngine exposes the live-diagnostics engine for the broadcast layer.
func (rt *Runtime) LiveEngine() *live.Engine { return rt.liveEng }

// HandleHello implements ingest.Handler.
func (rt *Runtime) HandleHello(h ingest.Hello, addr *net.UDPAddr, now time.Time) {
	rt.cfg.Registry.RecordHello(h.SensorID, addr.String(), h.SampleRateHz, h.Name, h.FirmwareVersion, int64(h.QueueOverflowDrops), now)
}

// HandleData implements ingest.Handler.
func (rt *Runtime) HandleData(f ingest.DataFrame, addr *net.UDPAddr, now time.Time) {
	rt.cfg.Registry.RecordData(f.SensorID, addr.String(), f.Seq, now)
	if !rt.cfg.Buffers.Ingest(f.SensorID, f.X, f.Y, f.Z) {
		rt.cfg.Registry.NoteParseError(f.SensorID)
	}
}

// HandleAck implements ingest.Handler.
func (rt *Runtime) HandleAck(a ingest.Ack, now time.Time) {
	rt.cfg.Registry.RecordAck(a.SensorID, a.CmdSeq, a.Status, now)
}

// ProcessingState reports ok/degraded/fatal for the health endpoint.
func (rt *Runtime) ProcessingState() string {
	rt.procMu.Lock()
	defer rt.procMu.Unlock()
	return rt.procState
}

// LatestMetrics returns the most recent processing output for a sensor.
func (rt *Runtime) LatestMetrics(sensorID string) (*signal.Metrics, time.Time, bool) {
	rt.metricsMu.RLock()
	defer rt.metricsMu.RUnlock()
	m, ok := rt.latest[sensorID]
	return m.metrics, m.at, ok
}

// Run starts every background task and blocks until ctx is cancelled and
// shutdown has completed.
func (rt *Runtime) Run(ctx context.Context) error {
	// Startup recovery: close runs interrupted by a crash, re-queue
	// half-analyzed ones (bounded by the per-run retry counter).
	recovered, err := rt.cfg.DB.RecoverInterrupted(rt.cfg.Settings.Tuning.GetMaxAnalysisAttempts(), time.Now())
	if err != nil {
		return fmt.Errorf("runtime: startup recovery: %w", err)
	}
	for _, r := range recovered {
		if r.Requeued {
			rt.EnqueueAnalysis(r.RunID)
		} else {
			rt.log.Printf("runtime: closed interrupted run %s", r.RunID)
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.listener.Listen(ctx); err != nil && ctx.Err() == nil {
			rt.log.Printf("runtime: udp listener: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.processingLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.recorderLoop(ctx)
	}()

	rt.analysisWG.Add(1)
	go rt.analysisWorker()

	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.evictionLoop(ctx)
	}()

	<-ctx.Done()

	// Graceful shutdown: close any active recording, then give the
	// analysis queue a bounded window to drain.
	if rt.cfg.Recorder.IsLogging() {
		if _, err := rt.StopRun(time.Now()); err != nil {
			rt.log.Printf("runtime: shutdown stop run: %v", err)
		}
	}
	close(rt.analysisCh)
	done := make(chan struct{})
	go func() {
		rt.analysisWG.Wait()
		close(done)
	}()
	timeout := time.Duration(rt.cfg.Settings.Tuning.GetShutdownAnalysisTimeoutS() * float64(time.Second))
	select {
	case <-done:
	case <-time.After(timeout):
		rt.log.Printf("runtime: analysis queue did not drain within %s", timeout)
	}
	wg.Wait()
	return nil
}

func (rt *Runtime) evictionLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := rt.cfg.Registry.EvictStale(now)
			if len(evicted) > 0 {
				rt.log.Printf("runtime: evicted stale sensors %v", evicted)
			}
			keep := map[string]struct{}{}
			for _, id := range rt.cfg.Registry.ClientIDs() {
				keep[id] = struct{}{}
			}
			rt.cfg.Buffers.Evict(keep)
			rt.metricsMu.Lock()
			for id := range rt.latest {
				if _, ok := keep[id]; !ok {
					delete(rt.latest, id)
				}
			}
			rt.metricsMu.Unlock()
			rt.cfg.Registry.FlushPendingPersist(now)
		}
	}
}

// processingLoop runs the spectral processor at fft_update_hz across the
// currently-fresh sensors, fanning FFTs out over a small worker pool.
func (rt *Runtime) processingLoop(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / rt.cfg.Settings.Tuning.GetFFTUpdateHz())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rt.procMu.Lock()
			inBackoff := now.Before(rt.procBackoff)
			rt.procMu.Unlock()
			if inBackoff {
				continue
			}
			rt.processTick(now)
		}
	}
}

func (rt *Runtime) processTick(now time.Time) {
	ids := rt.cfg.Registry.ActiveClientIDs(now)
	fresh := rt.cfg.Buffers.FreshIDs(ids, staleDataAge, now)
	if len(fresh) == 0 {
		return
	}

	sem := make(chan struct{}, fftWorkers)
	var wg sync.WaitGroup
	var failMu sync.Mutex
	failures := 0
	for _, id := range fresh {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			rate := rt.cfg.SampleRate
			if rec, ok := rt.cfg.Registry.Get(id); ok && rec.SampleRateHz > 0 {
				rate = rec.SampleRateHz
			}
			xs, ys, zs, ok := rt.cfg.Buffers.Latest(id, signal.DefaultFFTSize)
			if !ok || len(xs) < signal.DefaultFFTSize {
				return
			}
			m, err := rt.processor.ProcessSamples(xs, ys, zs, rate)
			if err != nil {
				if _, skip := err.(*signal.ErrInsufficientSamples); !skip {
					failMu.Lock()
					failures++
					failMu.Unlock()
				}
				return
			}
			rt.metricsMu.Lock()
			rt.latest[id] = sensorMetrics{metrics: m, at: now}
			rt.metricsMu.Unlock()
		}(id)
	}
	wg.Wait()

	rt.procMu.Lock()
	if failures > 0 {
		rt.procFailures++
		if rt.procFailures >= fatalFailureThreshold {
			rt.procState = ProcessingFatal
			rt.procBackoff = now.Add(fatalBackoff)
			rt.procFailures = 0
			rt.log.Printf("runtime: %d consecutive processing failures, backing off %s", fatalFailureThreshold, fatalBackoff)
		} else if rt.procFailures > 1 {
			rt.procState = ProcessingDegraded
		}
	} else {
		rt.procFailures = 0
		rt.procState = ProcessingOK
	}
	rt.procMu.Unlock()
}

// recorderLoop materializes one sample record per fresh sensor at
// metrics_log_hz and hands the batch to the JSONL recorder and SQLite.
func (rt *Runtime) recorderLoop(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / rt.cfg.Settings.Tuning.GetMetricsLogHz())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var runStart time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !rt.cfg.Recorder.IsLogging() {
				runStart = time.Time{}
				continue
			}
			if runStart.IsZero() {
				runStart, _ = rt.cfg.Recorder.RunSpan()
			}
			records := rt.snapshotRecords(now, runStart)
			if len(records) == 0 {
				continue
			}
			if err := rt.cfg.Recorder.Append(records); err != nil {
				// IOError policy: note it and keep trying (spec §7).
				rt.log.Printf("runtime: write_error appending samples: %v", err)
			}
			bodies := make([]string, 0, len(records))
			for _, rec := range records {
				body, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				bodies = append(bodies, string(body))
			}
			rt.runMu.Lock()
			runID := rt.runID
			startSeq := rt.sampleSeq
			rt.sampleSeq += len(bodies)
			rt.runMu.Unlock()
			if runID != "" {
				if err := rt.cfg.DB.AppendSamples(runID, startSeq, bodies); err != nil {
					rt.log.Printf("runtime: write_error persisting samples: %v", err)
				}
			}
		}
	}
}

func (rt *Runtime) snapshotRecords(now, runStart time.Time) []recorder.SampleRecord {
	ids := rt.cfg.Registry.ActiveClientIDs(now)
	var speed *float64
	if rt.cfg.Speed != nil {
		speed = rt.cfg.Speed.SpeedKmh()
	}
	settings := rt.cfg.Settings.Analysis
	records := make([]recorder.SampleRecord, 0, len(ids))
	for _, id := range ids {
		m, at, ok := rt.LatestMetrics(id)
		if !ok || now.Sub(at) > staleDataAge {
			continue
		}
		rec, known := rt.cfg.Registry.Get(id)
		if !known {
			continue
		}
		x, y, z, _ := rt.cfg.Buffers.LatestSample(id)
		// Bucket is null exactly when the peak-band RMS is zero; a nonzero
		// signal below l1 carries the implicit l0 bucket.
		var bucket *string
		if m.Combined.StrengthPeakBandRMSAmpG > 0 {
			b := m.Combined.StrengthBucket
			if b == "" {
				b = "l0"
			}
			bucket = &b
		}
		sample := recorder.SampleRecord{
			RecordType:          "sample",
			TS:                  now.Sub(runStart).Seconds(),
			TimestampUTC:        now.UTC().Format(time.RFC3339Nano),
			SampleRateHz:        m.SampleRateHz,
			ClientID:            id,
			ClientName:          rec.Name,
			Location:            rec.Location,
			SpeedKmh:            speed,
			AccelXG:             float64(x),
			AccelYG:             float64(y),
			AccelZG:             float64(z),
			VibMagRMS:           m.VibMagRMS,
			VibMagP2P:           m.VibMagP2P,
			DominantHz:          m.DominantFreqHz,
			DominantAmpG:        m.DominantAmpG,
			NoiseFloorAmpG:      m.Combined.NoiseFloorAmpP20G,
			StrengthFloorAmpG:   m.Combined.StrengthFloorAmpG,
			VibrationStrengthDB: m.Combined.StrengthDB,
			StrengthBucket:      bucket,
			FramesDroppedTotal:  rec.FramesDropped,
			QueueOverflowDrops:  rec.QueueOverflowDrops,
		}
		if speed != nil && settings.GetFinalDriveRatio() > 0 && settings.GetCurrentGearRatio() > 0 {
			circ := settings.TireCircumferenceM()
			if circ > 0 {
				wheelHz := (*speed / 3.6) / circ
				rpm := wheelHz * settings.GetFinalDriveRatio() * settings.GetCurrentGearRatio() * 60.0
				sample.EngineRPMEstimated = &rpm
			}
		}
		for _, pk := range m.Combined.TopStrengthPeaks {
			sample.TopPeaks = append(sample.TopPeaks, recorder.Peak{
				Hz:         pk.Hz,
				AmpG:       pk.StrengthPeakBandRMSAmpG,
				StrengthDB: pk.StrengthDB,
			})
		}
		records = append(records, sample)
	}
	return records
}

// LiveTick feeds the live-diagnostics engine from the latest processing
// outputs; the broadcast layer calls this at ui_push_hz.
func (rt *Runtime) LiveTick(now time.Time) []live.Event {
	ids := rt.cfg.Registry.ActiveClientIDs(now)
	var inputs []live.Classification
	for _, id := range ids {
		m, at, ok := rt.LatestMetrics(id)
		if !ok || now.Sub(at) > staleDataAge {
			continue
		}
		rec, known := rt.cfg.Registry.Get(id)
		if !known {
			continue
		}
		label := rec.Location
		if label == "" {
			label = rec.Name
		}
		for _, pk := range m.Combined.TopStrengthPeaks {
			if strength.BucketFor(pk.StrengthDB, pk.StrengthPeakBandRMSAmpG) == "" {
				continue
			}
			inputs = append(inputs, live.Classification{
				SensorID:   id,
				Label:      label,
				ClassKey:   "peak",
				Hz:         pk.Hz,
				StrengthDB: pk.StrengthDB,
				BandRMSG:   pk.StrengthPeakBandRMSAmpG,
				At:         at,
			})
		}
	}
	return rt.liveEng.Tick(now, inputs)
}

// StartRun opens a new recording session in both the JSONL recorder and the
// history database.
func (rt *Runtime) StartRun(now time.Time) (string, error) {
	settings := rt.cfg.Settings.Analysis
	meta := recorder.RunMetadata{
		RunID:            uuid.NewString(),
		SensorModel:      "vibesensor-mems-v2",
		RawSampleRateHz:  rt.cfg.SampleRate,
		FFTWindowSize:    signal.DefaultFFTSize,
		FFTWindowType:    "hann",
		PeakPickerMethod: "local_maxima_p20",
		AccelScaleGPerLSB: ingest.DefaultAccelScaleGPerLSB,
		TireWidthMM:      settings.GetTireWidthMM(),
		TireAspectPct:    settings.GetTireAspectPct(),
		RimIn:            settings.GetRimIn(),
		FinalDriveRatio:  settings.GetFinalDriveRatio(),
		CurrentGearRatio: settings.GetCurrentGearRatio(),
		FFTUpdateHz:      rt.cfg.Settings.Tuning.GetFFTUpdateHz(),
		MetricsLogHz:     rt.cfg.Settings.Tuning.GetMetricsLogHz(),
		Language:         settings.GetLanguage(),
	}
	runID, err := rt.cfg.Recorder.StartLogging(meta, now)
	if err != nil {
		return "", err
	}
	metaBody, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := rt.cfg.DB.CreateRun(runID, string(metaBody), now); err != nil {
		return "", err
	}
	rt.runMu.Lock()
	rt.runID = runID
	rt.sampleSeq = 0
	rt.runMu.Unlock()
	return runID, nil
}

// StopRun closes the active recording session, transitions the run to
// analyzing, and enqueues it for the post-analysis worker.
func (rt *Runtime) StopRun(now time.Time) (string, error) {
	rt.runMu.Lock()
	runID := rt.runID
	rt.runID = ""
	rt.runMu.Unlock()
	if runID == "" {
		return "", fmt.Errorf("runtime: no active run")
	}
	if err := rt.cfg.Recorder.StopLogging(now); err != nil {
		rt.log.Printf("runtime: stop logging: %v", err)
	}
	if err := rt.cfg.DB.EndRun(runID, now); err != nil {
		return runID, err
	}
	rt.EnqueueAnalysis(runID)
	return runID, nil
}

// ActiveRunID returns the run currently being recorded, if any.
func (rt *Runtime) ActiveRunID() string {
	rt.runMu.Lock()
	defer rt.runMu.Unlock()
	return rt.runID
}

// EnqueueAnalysis queues a run for the post-analysis worker, evicting the
// oldest pending entry when the bounded queue is full (spec §5).
func (rt *Runtime) EnqueueAnalysis(runID string) {
	for {
		select {
		case rt.analysisCh <- runID:
			return
		default:
			select {
			case evicted := <-rt.analysisCh:
				rt.log.Printf("runtime: analysis queue full, evicting run %s", evicted)
			default:
			}
		}
	}
}

// analysisWorker drains the run queue serially; expected failures become
// run.status=error, never a panic out of the worker (spec §7).
func (rt *Runtime) analysisWorker() {
	defer rt.analysisWG.Done()
	for runID := range rt.analysisCh {
		rt.analyzeRun(runID)
	}
}

func (rt *Runtime) analyzeRun(runID string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("analysis panic: %v", r)
			rt.log.Printf("runtime: run %s: %s", runID, msg)
			if err := rt.cfg.DB.FailRun(runID, msg); err != nil {
				rt.log.Printf("runtime: run %s: record failure: %v", runID, err)
			}
		}
	}()

	run, err := rt.cfg.DB.GetRun(runID)
	if err != nil {
		rt.log.Printf("runtime: run %s: load: %v", runID, err)
		return
	}
	var meta recorder.RunMetadata
	if err := json.Unmarshal([]byte(run.MetadataJSON), &meta); err != nil {
		rt.failRun(runID, fmt.Sprintf("corrupt run metadata: %v", err))
		return
	}
	raw, corrupt, err := rt.cfg.DB.SamplesForRun(runID)
	if err != nil {
		rt.failRun(runID, fmt.Sprintf("load samples: %v", err))
		return
	}
	samples := make([]recorder.SampleRecord, 0, len(raw))
	for _, body := range raw {
		var s recorder.SampleRecord
		if err := json.Unmarshal(body, &s); err != nil {
			corrupt++
			continue
		}
		samples = append(samples, s)
	}

	endUTC := ""
	if run.EndTimeUTC != nil {
		endUTC = *run.EndTimeUTC
	}
	doc, err := summary.Assemble(summary.Input{
		RunID:        runID,
		Meta:         meta,
		StartTimeUTC: run.StartTimeUTC,
		EndTimeUTC:   endUTC,
		Samples:      samples,
		Corrupt:      corrupt,
		Settings:     rt.cfg.Settings.Analysis,
		Tuning:       rt.cfg.Settings.Tuning,
		Language:     meta.Language,
	})
	if err != nil {
		rt.failRun(runID, err.Error())
		return
	}
	body, err := json.Marshal(doc)
	if err != nil {
		rt.failRun(runID, fmt.Sprintf("marshal summary: %v", err))
		return
	}
	if err := rt.cfg.DB.SaveAnalysis(runID, string(body)); err != nil {
		rt.log.Printf("runtime: run %s: save analysis: %v", runID, err)
	}
}

func (rt *Runtime) failRun(runID, msg string) {
	rt.log.Printf("runtime: run %s: %s", runID, msg)
	if err := rt.cfg.DB.FailRun(runID, msg); err != nil {
		rt.log.Printf("runtime: run %s: record failure: %v", runID, err)
	}
}
