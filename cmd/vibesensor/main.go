// Command vibesensor runs the NVH diagnostic appliance host: UDP sensor
// ingest, spectral processing, run recording, post-run analysis, and the
// HTTP control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/vibesensor/internal/api"
	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/recorder"
	"github.com/banshee-data/vibesensor/internal/registry"
	"github.com/banshee-data/vibesensor/internal/ringbuffer"
	"github.com/banshee-data/vibesensor/internal/runtime"
	"github.com/banshee-data/vibesensor/internal/sqlitestore"
	"github.com/banshee-data/vibesensor/internal/units"
	"github.com/banshee-data/vibesensor/internal/version"
)

var (
	listenAddr = flag.String("listen", ":8080", "HTTP listen address")
	udpAddr    = flag.String("udp", ":18125", "UDP sensor listen address")
	dataDir    = flag.String("data-dir", "data", "directory for run recordings and the history database")
	configPath = flag.String("config", "", "optional settings JSON file")
	speedUnits = flag.String("units", units.KPH, "display speed units (mps, mph, kmph, kph)")
	sampleRate = flag.Int("sample-rate", ringbuffer.DefaultSampleRateHz, "default sensor sample rate (Hz)")
)

func main() {
	flag.Parse()
	log.Printf("vibesensor %s (%s)", version.Version, version.GitSHA)

	settings := config.EmptySettings()
	if *configPath != "" {
		loaded, err := config.LoadSettings(*configPath)
		if err != nil {
			log.Fatalf("load settings: %v", err)
		}
		settings = loaded
	}

	db, err := sqlitestore.Open(filepath.Join(*dataDir, "history.db"))
	if err != nil {
		log.Fatalf("open history db: %v", err)
	}
	defer db.Close()

	reg := registry.New(filepath.Join(*dataDir, "sensor_names.json"), registry.DefaultStaleTTL, log.Default())
	windowSamples := *sampleRate * ringbuffer.DefaultWaveformSeconds
	buffers := ringbuffer.NewStore(windowSamples)
	rec := recorder.New(filepath.Join(*dataDir, "runs"))

	rt := runtime.New(runtime.Config{
		Settings:   settings,
		DB:         db,
		Registry:   reg,
		Buffers:    buffers,
		Recorder:   rec,
		UDPAddress: *udpAddr,
		SampleRate: *sampleRate,
		Logger:     log.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rt.Run(ctx); err != nil {
			log.Printf("runtime: %v", err)
		}
	}()

	// Drive the live-diagnostics engine at ui_push_hz; the WebSocket
	// broadcast layer subscribes to these events out-of-process.
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(float64(time.Second) / settings.Tuning.GetUIPushHz())
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, ev := range rt.LiveTick(now) {
					if ev.Kind == "rising" {
						log.Printf("live: %s %s %s at %.1f Hz (%.1f dB)", ev.Label, ev.ClassKey, ev.BucketKey, ev.Hz, ev.StrengthDB)
					}
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    *listenAddr,
		Handler: api.NewServer(rt, db, reg, nil, *speedUnits, log.Default()),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("http listening on %s", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	wg.Wait()
}
