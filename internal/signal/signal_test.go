package signal

import (
	"math"
	"testing"

	"github.com/banshee-data/vibesensor/internal/ringbuffer"
)

const testRate = 800

// fillTone writes n samples of a sinusoid at freqHz with amplitude amp (g)
// plus a small deterministic pseudo-noise floor onto all three axes.
func fillTone(buf *ringbuffer.Buffer, n int, freqHz, amp float64) {
	xs := make([]float32, n)
	ys := make([]float32, n)
	zs := make([]float32, n)
	noise := 0.0003
	for i := 0; i < n; i++ {
		tSec := float64(i) / testRate
		v := amp * math.Sin(2*math.Pi*freqHz*tSec)
		// Deterministic wideband jitter so the floor isn't exactly zero.
		j := noise * math.Sin(2*math.Pi*173.3*tSec+float64(i%7))
		xs[i] = float32(v + j)
		ys[i] = float32(v*0.8 + j)
		zs[i] = float32(v*0.6 - j)
	}
	buf.Ingest(xs, ys, zs)
}

func TestProcessInsufficientSamples(t *testing.T) {
	p := New(Config{})
	buf := ringbuffer.New(4096)
	fillTone(buf, 100, 12, 0.05)
	_, err := p.Process(buf, testRate)
	if _, ok := err.(*ErrInsufficientSamples); !ok {
		t.Fatalf("err = %v, want ErrInsufficientSamples", err)
	}
}

func TestProcessDetectsTone(t *testing.T) {
	p := New(Config{})
	buf := ringbuffer.New(4096)
	fillTone(buf, 2048, 12, 0.05)

	m, err := p.Process(buf, testRate)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(m.Combined.TopStrengthPeaks) == 0 {
		t.Fatal("no peaks detected for a strong 12 Hz tone")
	}
	top := m.Combined.TopStrengthPeaks[0]
	if math.Abs(top.Hz-12.0) > 1.0 {
		t.Errorf("top peak at %.2f Hz, want ~12", top.Hz)
	}
	if top.StrengthDB < 10 {
		t.Errorf("strength = %.1f dB, want well above floor", top.StrengthDB)
	}
	if m.DominantFreqHz != top.Hz {
		t.Errorf("dominant freq %.2f != top peak %.2f", m.DominantFreqHz, top.Hz)
	}
	if m.Combined.StrengthBucket == "" {
		t.Error("a 0.05 g tone must clear a strength band")
	}
}

func TestSpectrumClippedToConfiguredRange(t *testing.T) {
	p := New(Config{SpectrumMaxHz: 50})
	buf := ringbuffer.New(4096)
	fillTone(buf, 2048, 12, 0.05)
	m, err := p.Process(buf, testRate)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, hz := range m.FreqHz {
		if hz > 50.0 {
			t.Fatalf("bin at %.1f Hz above configured max", hz)
		}
	}
}

func TestPeakSeparation(t *testing.T) {
	p := New(Config{})
	buf := ringbuffer.New(4096)
	n := 2048
	xs := make([]float32, n)
	ys := make([]float32, n)
	zs := make([]float32, n)
	for i := 0; i < n; i++ {
		tSec := float64(i) / testRate
		v := 0.05*math.Sin(2*math.Pi*12*tSec) + 0.04*math.Sin(2*math.Pi*37*tSec)
		xs[i], ys[i], zs[i] = float32(v), float32(v), float32(v)
	}
	buf.Ingest(xs, ys, zs)
	m, err := p.Process(buf, testRate)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	peaks := m.Combined.TopStrengthPeaks
	if len(peaks) < 2 {
		t.Fatalf("want two tones detected, got %d peaks", len(peaks))
	}
	for i := range peaks {
		for j := i + 1; j < len(peaks); j++ {
			if math.Abs(peaks[i].Hz-peaks[j].Hz) < DefaultPeakSeparationHz {
				t.Errorf("peaks %.2f and %.2f closer than separation", peaks[i].Hz, peaks[j].Hz)
			}
		}
	}
}

func TestQuietSignalHasNoBucket(t *testing.T) {
	p := New(Config{})
	buf := ringbuffer.New(4096)
	fillTone(buf, 2048, 12, 0.00005)
	m, err := p.Process(buf, testRate)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// Invariant: bucket is empty exactly when the band RMS amplitude is
	// effectively zero.
	if m.Combined.StrengthPeakBandRMSAmpG == 0 && m.Combined.StrengthBucket != "" {
		t.Error("bucket set with zero band RMS")
	}
	if m.Combined.StrengthBucket != "" && m.Combined.StrengthPeakBandRMSAmpG < 0.003 {
		t.Errorf("bucket %q below l1 amplitude", m.Combined.StrengthBucket)
	}
}

func TestAxisMetricsAndVibMagnitude(t *testing.T) {
	p := New(Config{})
	buf := ringbuffer.New(4096)
	fillTone(buf, 2048, 12, 0.05)
	m, err := p.Process(buf, testRate)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	x := m.AxisSummary["x"]
	// RMS of a 0.05 g sinusoid is ~0.0354 g.
	if math.Abs(x.RMS-0.05/math.Sqrt2) > 0.005 {
		t.Errorf("x RMS = %.4f, want ~%.4f", x.RMS, 0.05/math.Sqrt2)
	}
	if x.P2P < 0.09 || x.P2P > 0.11 {
		t.Errorf("x P2P = %.4f, want ~0.1", x.P2P)
	}
	if m.VibMagRMS <= 0 || m.VibMagP2P <= 0 {
		t.Error("combined vibration magnitude missing")
	}
}

func TestProcessSamplesUsesNewestWindow(t *testing.T) {
	p := New(Config{})
	n := 3000
	xs := make([]float32, n)
	ys := make([]float32, n)
	zs := make([]float32, n)
	for i := n - 2048; i < n; i++ {
		tSec := float64(i) / testRate
		v := float32(0.05 * math.Sin(2*math.Pi*25*tSec))
		xs[i], ys[i], zs[i] = v, v, v
	}
	m, err := p.ProcessSamples(xs, ys, zs, testRate)
	if err != nil {
		t.Fatalf("ProcessSamples: %v", err)
	}
	if len(m.Combined.TopStrengthPeaks) == 0 {
		t.Fatal("tone in the newest window not detected")
	}
	if hz := m.Combined.TopStrengthPeaks[0].Hz; math.Abs(hz-25) > 1.0 {
		t.Errorf("top peak %.2f Hz, want ~25", hz)
	}
}
