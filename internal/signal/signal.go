// Package signal implements the per-sensor windowed-FFT spectral processor
// (component C2): Hann-windowed real FFT per axis, a combined-axis
// spectrum, noise-floor and strength-metric extraction, and top-peak
// selection.
//
// Formulas are ported from the reference implementation's
// pi/vibesensor/processing.py and analysis/strength_metrics.py.
package signal

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/banshee-data/vibesensor/internal/ringbuffer"
	"github.com/banshee-data/vibesensor/internal/strength"
)

// Tunables with their reference defaults (spec §4.2, §6).
const (
	DefaultFFTSize          = 2048
	DefaultSpectrumMinHz    = 0.0
	DefaultSpectrumMaxHz    = 200.0
	DefaultPeakBandwidthHz  = 1.2
	DefaultPeakSeparationHz = 1.2
	DefaultTopN             = 5

	strengthEpsilonMinG      = 1e-9
	strengthEpsilonFloorPct  = 0.05
	peakThresholdFloorRatio  = 2.6
	silenceDB                = -120.0
)

// Config bundles the tunables a Processor needs. All fields have the
// defaults above when zero.
type Config struct {
	FFTSize          int
	SpectrumMinHz    float64
	SpectrumMaxHz    float64
	PeakBandwidthHz  float64
	PeakSeparationHz float64
	TopN             int
}

func (c Config) withDefaults() Config {
	if c.FFTSize <= 0 {
		c.FFTSize = DefaultFFTSize
	}
	if c.SpectrumMaxHz <= 0 {
		c.SpectrumMaxHz = DefaultSpectrumMaxHz
	}
	if c.PeakBandwidthHz <= 0 {
		c.PeakBandwidthHz = DefaultPeakBandwidthHz
	}
	if c.PeakSeparationHz <= 0 {
		c.PeakSeparationHz = DefaultPeakSeparationHz
	}
	if c.TopN <= 0 {
		c.TopN = DefaultTopN
	}
	return c
}

// planCache owns one real-FFT plan per distinct transform length, replacing
// the source's module-level `_fft_cache` keyed by sample rate with an
// instance member whose lifetime is tied to the owning Processor.
type planCache struct {
	mu    sync.Mutex
	plans map[int]*fourier.FFT
}

func newPlanCache() *planCache {
	return &planCache{plans: make(map[int]*fourier.FFT)}
}

func (c *planCache) get(n int) *fourier.FFT {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.plans[n]; ok {
		return p
	}
	p := fourier.NewFFT(n)
	c.plans[n] = p
	return p
}

// Processor computes spectral metrics for one sensor's ring buffer at a
// time. It is safe for concurrent use across distinct sensors, but a given
// Processor instance serializes calls that share an FFT length (the spec's
// "a per-run SignalProcessor invocation for one sensor must be serialized").
type Processor struct {
	cfg   Config
	plans *planCache
}

// New builds a Processor with the given configuration.
func New(cfg Config) *Processor {
	return &Processor{cfg: cfg.withDefaults(), plans: newPlanCache()}
}

// AxisSpectrum holds the single-sided magnitude spectrum for one axis.
type AxisSpectrum struct {
	FreqHz []float64
	AmpG   []float64
}

// Peak is one detected spectral peak.
type Peak struct {
	Hz                      float64
	StrengthPeakBandRMSAmpG float64
	StrengthDB              float64
	StrengthBucket          string
}

// StrengthMetrics is the combined-spectrum strength computation (the
// counterpart of strength_metrics.py's compute_strength_metrics).
type StrengthMetrics struct {
	CombinedSpectrumAmpG     []float64
	NoiseFloorAmpP20G        float64
	StrengthFloorAmpG        float64
	StrengthPeakBandRMSAmpG  float64
	StrengthDB               float64
	StrengthBucket           string
	TopStrengthPeaks         []Peak
}

// AxisMetrics carries the per-axis RMS / peak-to-peak summary the recorder
// folds into a sample record.
type AxisMetrics struct {
	RMS float64
	P2P float64
}

// Metrics is everything a Processor tick produces for one sensor.
type Metrics struct {
	SampleRateHz   int
	FreqHz         []float64
	Axes           map[string]AxisSpectrum // "x","y","z"
	AxisSummary    map[string]AxisMetrics
	Combined       StrengthMetrics
	VibMagRMS      float64
	VibMagP2P      float64
	DominantFreqHz float64
	DominantAmpG   float64
}

// ErrInsufficientSamples is returned when the ring buffer doesn't yet hold
// a full FFT window.
type ErrInsufficientSamples struct {
	Have, Need int
}

func (e *ErrInsufficientSamples) Error() string {
	return "signal: insufficient samples for FFT window"
}

// Process pulls the newest FFT-window's worth of samples from buf and
// computes the full metrics bundle.
func (p *Processor) Process(buf *ringbuffer.Buffer, sampleRateHz int) (*Metrics, error) {
	n := p.cfg.FFTSize
	xs, ys, zs, ok := buf.Latest(n)
	if !ok || len(xs) < n {
		return nil, &ErrInsufficientSamples{Have: len(xs), Need: n}
	}
	return p.ProcessSamples(xs, ys, zs, sampleRateHz)
}

// ProcessSamples computes the metrics bundle for an already-copied window
// of tri-axial samples. The window must be at least one FFT length long.
func (p *Processor) ProcessSamples(xs, ys, zs []float32, sampleRateHz int) (*Metrics, error) {
	n := p.cfg.FFTSize
	if len(xs) < n || len(ys) < n || len(zs) < n {
		return nil, &ErrInsufficientSamples{Have: len(xs), Need: n}
	}
	xs, ys, zs = xs[len(xs)-n:], ys[len(ys)-n:], zs[len(zs)-n:]

	axisSpectra := make(map[string]AxisSpectrum, 3)
	axisSummary := make(map[string]AxisMetrics, 3)
	amps := make(map[string][]float64, 3)

	for _, axis := range []struct {
		name string
		vals []float32
	}{{"x", xs}, {"y", ys}, {"z", zs}} {
		freqHz, amp := p.spectrum(axis.vals, sampleRateHz)
		axisSpectra[axis.name] = AxisSpectrum{FreqHz: freqHz, AmpG: amp}
		amps[axis.name] = amp
		axisSummary[axis.name] = axisMetrics(axis.vals)
	}

	freqHz := axisSpectra["x"].FreqHz
	combinedAmp := combinedSpectrum([][]float64{amps["x"], amps["y"], amps["z"]})
	strength := p.strengthMetrics(freqHz, combinedAmp)

	vibMagRMS, vibMagP2P := combinedVibMagnitude(xs, ys, zs)

	var dominantHz, dominantAmp float64
	if len(strength.TopStrengthPeaks) > 0 {
		top := strength.TopStrengthPeaks[0]
		dominantHz, dominantAmp = top.Hz, top.StrengthPeakBandRMSAmpG
	}

	return &Metrics{
		SampleRateHz:   sampleRateHz,
		FreqHz:         freqHz,
		Axes:           axisSpectra,
		AxisSummary:    axisSummary,
		Combined:       strength,
		VibMagRMS:      vibMagRMS,
		VibMagP2P:      vibMagP2P,
		DominantFreqHz: dominantHz,
		DominantAmpG:   dominantAmp,
	}, nil
}

// spectrum applies a Hann window and computes the single-sided, clipped,
// magnitude-normalized FFT for one axis.
func (p *Processor) spectrum(vals []float32, sampleRateHz int) (freqHz, amp []float64) {
	n := len(vals)
	seq := make([]float64, n)
	for i, v := range vals {
		seq[i] = float64(v)
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 1
	}
	win = window.Hann(win)
	windowSum := 0.0
	for i := range seq {
		windowSum += win[i]
		seq[i] *= win[i]
	}
	if windowSum <= 0 {
		windowSum = float64(n)
	}

	plan := p.plans.get(n)
	p.plans.mu.Lock()
	coeffs := plan.Coefficients(nil, seq)
	p.plans.mu.Unlock()

	scale := 2.0 / windowSum
	nyquist := n / 2

	freqs := make([]float64, 0, len(coeffs))
	mags := make([]float64, 0, len(coeffs))
	for i, c := range coeffs {
		hz := plan.Freq(i) * float64(sampleRateHz)
		if hz < p.cfg.SpectrumMinHz || hz > p.cfg.SpectrumMaxHz {
			continue
		}
		mag := math.Hypot(real(c), imag(c)) * scale
		if i == 0 || i == nyquist {
			mag /= 2
		}
		freqs = append(freqs, hz)
		mags = append(mags, mag)
	}
	return freqs, mags
}

// combinedSpectrum computes sqrt(mean(axis_amp^2)) per bin across the given
// axis amplitude slices (spec §4.2 step 4).
func combinedSpectrum(axes [][]float64) []float64 {
	targetLen := -1
	for _, a := range axes {
		if targetLen == -1 || len(a) < targetLen {
			targetLen = len(a)
		}
	}
	if targetLen <= 0 {
		return nil
	}
	divisor := float64(len(axes))
	out := make([]float64, targetLen)
	for i := 0; i < targetLen; i++ {
		sq := 0.0
		for _, a := range axes {
			v := a[i]
			sq += v * v
		}
		out[i] = math.Sqrt(sq / divisor)
	}
	return out
}

// percentile linearly interpolates between the two samples straddling the
// fractional rank, the interpolation the ported strength formulas assume.
func percentile(sortedVals []float64, q float64) float64 {
	if len(sortedVals) == 0 {
		return 0
	}
	if len(sortedVals) == 1 {
		return sortedVals[0]
	}
	rank := q * float64(len(sortedVals)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sortedVals[lo]
	}
	frac := rank - float64(lo)
	return sortedVals[lo]*(1-frac) + sortedVals[hi]*frac
}

func noiseFloorP20(combined []float64) float64 {
	if len(combined) == 0 {
		return 0
	}
	band := combined
	if len(combined) > 1 {
		band = combined[1:]
	}
	finite := make([]float64, 0, len(band))
	for _, v := range band {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 {
			finite = append(finite, v)
		}
	}
	sort.Float64s(finite)
	return percentile(finite, 0.20)
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func strengthFloorAmp(freqHz, combined []float64, peakIdx []int, exclusionHz, minHz, maxHz float64) float64 {
	n := len(freqHz)
	if len(combined) < n {
		n = len(combined)
	}
	if n == 0 {
		return 0
	}
	peakHz := make([]float64, 0, len(peakIdx))
	for _, idx := range peakIdx {
		if idx >= 0 && idx < n {
			peakHz = append(peakHz, freqHz[idx])
		}
	}
	selected := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		hz := freqHz[i]
		if hz < minHz || hz > maxHz {
			continue
		}
		near := false
		for _, center := range peakHz {
			if math.Abs(hz-center) <= exclusionHz {
				near = true
				break
			}
		}
		if near {
			continue
		}
		amp := combined[i]
		if amp >= 0 && !math.IsNaN(amp) && !math.IsInf(amp, 0) {
			selected = append(selected, amp)
		}
	}
	return median(selected)
}

func peakBandRMS(freqHz, combined []float64, centerIdx int, bandwidthHz float64) float64 {
	n := len(freqHz)
	if len(combined) < n {
		n = len(combined)
	}
	if centerIdx < 0 || centerIdx >= n {
		return 0
	}
	centerHz := freqHz[centerIdx]
	sq, count := 0.0, 0
	for i := 0; i < n; i++ {
		if math.Abs(freqHz[i]-centerHz) <= bandwidthHz {
			sq += combined[i] * combined[i]
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sq / float64(count))
}

func strengthDB(bandRMS, floor float64) float64 {
	floor = math.Max(0, floor)
	band := math.Max(0, bandRMS)
	eps := math.Max(strengthEpsilonMinG, floor*strengthEpsilonFloorPct)
	return 20.0 * math.Log10((band+eps)/(floor+eps))
}

// strengthMetrics mirrors strength_metrics.py:compute_strength_metrics.
func (p *Processor) strengthMetrics(freqHz, combined []float64) StrengthMetrics {
	n := len(freqHz)
	if len(combined) < n {
		n = len(combined)
	}
	if n == 0 {
		return StrengthMetrics{}
	}
	freq := freqHz[:n]
	vals := make([]float64, n)
	for i, v := range combined[:n] {
		vals[i] = math.Max(0, v)
	}

	floorP20 := noiseFloorP20(vals)
	threshold := math.Max(floorP20*peakThresholdFloorRatio, floorP20+strengthEpsilonMinG)

	var localMaxima []int
	for i := 1; i < n-1; i++ {
		v := vals[i]
		if v < threshold {
			continue
		}
		if v > vals[i-1] && v >= vals[i+1] {
			localMaxima = append(localMaxima, i)
		}
	}
	sort.Slice(localMaxima, func(i, j int) bool { return vals[localMaxima[i]] > vals[localMaxima[j]] })

	topN := p.cfg.TopN
	peakIdx := localMaxima
	if len(peakIdx) > topN {
		peakIdx = peakIdx[:topN]
	}
	if len(peakIdx) == 0 && topN > 0 {
		peakIdx = nil
	}

	minHz, maxHz := 0.0, 0.0
	if len(freq) > 0 {
		minHz, maxHz = freq[0], freq[len(freq)-1]
	}
	floorStrength := strengthFloorAmp(freq, vals, peakIdx, p.cfg.PeakSeparationHz, minHz, maxHz)

	type candidate struct {
		hz, bandRMS, db float64
	}
	candidates := make([]candidate, 0, len(localMaxima))
	for _, idx := range localMaxima {
		bandRMS := peakBandRMS(freq, vals, idx, p.cfg.PeakBandwidthHz)
		db := strengthDB(bandRMS, floorStrength)
		if math.IsNaN(db) || math.IsInf(db, 0) {
			continue
		}
		candidates = append(candidates, candidate{hz: freq[idx], bandRMS: bandRMS, db: db})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].db > candidates[j].db })

	chosen := make([]Peak, 0, topN)
	for _, c := range candidates {
		if len(chosen) >= topN {
			break
		}
		tooClose := false
		for _, existing := range chosen {
			if math.Abs(existing.Hz-c.hz) < p.cfg.PeakSeparationHz {
				tooClose = true
				break
			}
		}
		if tooClose {
			continue
		}
		chosen = append(chosen, Peak{
			Hz:                      c.hz,
			StrengthPeakBandRMSAmpG: c.bandRMS,
			StrengthDB:              c.db,
			StrengthBucket:          strength.BucketFor(c.db, c.bandRMS),
		})
	}

	var topBandRMS, topDB float64
	var topBucket string
	if len(chosen) > 0 {
		topBandRMS = chosen[0].StrengthPeakBandRMSAmpG
		topDB = chosen[0].StrengthDB
		topBucket = chosen[0].StrengthBucket
	}

	return StrengthMetrics{
		CombinedSpectrumAmpG:    vals,
		NoiseFloorAmpP20G:       floorP20,
		StrengthFloorAmpG:       floorStrength,
		StrengthPeakBandRMSAmpG: topBandRMS,
		StrengthDB:              topDB,
		StrengthBucket:          topBucket,
		TopStrengthPeaks:        chosen,
	}
}

func axisMetrics(vals []float32) AxisMetrics {
	if len(vals) == 0 {
		return AxisMetrics{}
	}
	var sumSq float64
	minV, maxV := float64(vals[0]), float64(vals[0])
	for _, v := range vals {
		f := float64(v)
		sumSq += f * f
		if f < minV {
			minV = f
		}
		if f > maxV {
			maxV = f
		}
	}
	return AxisMetrics{
		RMS: math.Sqrt(sumSq / float64(len(vals))),
		P2P: maxV - minV,
	}
}

func combinedVibMagnitude(xs, ys, zs []float32) (rms, p2p float64) {
	n := len(xs)
	if n == 0 {
		return 0, 0
	}
	mags := make([]float64, n)
	var sumSq float64
	maxMag := 0.0
	for i := 0; i < n; i++ {
		m := math.Sqrt(float64(xs[i])*float64(xs[i]) + float64(ys[i])*float64(ys[i]) + float64(zs[i])*float64(zs[i]))
		mags[i] = m
		sumSq += m * m
		if m > maxMag {
			maxMag = m
		}
	}
	return math.Sqrt(sumSq / float64(n)), maxMag
}
