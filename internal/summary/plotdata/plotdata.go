// Package plotdata builds the chart-ready payload bundled into a RunSummary.
// Series are emitted as go-echarts option data so the presentation layer can
// drop them straight into its charts without reshaping.
package plotdata

import (
	"math"
	"sort"

	"github.com/go-echarts/go-echarts/v2/opts"
)

// Peak is one observed (hz, amplitude) spectral peak for a sample.
type Peak struct {
	Hz   float64
	AmpG float64
}

// Sample is the slice of a processed sample record the plot builder needs.
type Sample struct {
	TS         float64
	SpeedKmh   *float64
	Phase      string
	StrengthDB float64
	DominantHz float64
	Peaks      []Peak
}

// FindingOverlay carries one finding's matched-point series.
type FindingOverlay struct {
	FindingID     string             `json:"finding_id"`
	MatchedByTime []opts.LineData    `json:"matched_by_time"`
	PredictedHz   []opts.LineData    `json:"predicted_hz"`
	MatchedHz     []opts.LineData    `json:"matched_hz"`
	AmpVsSpeed    []opts.ScatterData `json:"amp_vs_speed"`
}

// MatchedPoint is one matched sample for a finding overlay.
type MatchedPoint struct {
	TS          float64
	SpeedKmh    *float64
	PredictedHz float64
	MatchedHz   float64
	AmpG        float64
}

// PeakRow is one row of the ranked peak table.
type PeakRow struct {
	FreqHz      float64 `json:"freq_hz"`
	Persistence float64 `json:"persistence"`
	MeanAmpG    float64 `json:"mean_amp_g"`
	MaxAmpG     float64 `json:"max_amp_g"`
	Score       float64 `json:"score"`
}

// PhaseSegment is one phase-timeline band for the plot overlays.
type PhaseSegment struct {
	Phase   string  `json:"phase"`
	StartTS float64 `json:"start_t_s"`
	EndTS   float64 `json:"end_t_s"`
}

// Bundle is the full plot payload (spec §4.10 plot data).
type Bundle struct {
	SpectrumFreqsHz    []float64          `json:"spectrum_freqs_hz"`
	Spectrum           []opts.LineData    `json:"spectrum"`
	RawSpectrum        []opts.LineData    `json:"raw_spectrum"`
	SpectrogramTimes   []float64          `json:"spectrogram_times_s"`
	SpectrogramFreqsHz []float64          `json:"spectrogram_freqs_hz"`
	Spectrogram        []opts.HeatMapData `json:"spectrogram"`
	PeakTable          []PeakRow          `json:"peak_table"`
	VibrationTimes     []float64          `json:"vibration_times_s"`
	VibrationSeries    []opts.LineData    `json:"vibration_series"`
	DominantFreqSeries []opts.ScatterData `json:"dominant_freq_series"`
	SpeedBins          []string           `json:"speed_bins"`
	AmpVsSpeed         []opts.BarData     `json:"amp_vs_speed"`
	PhaseNames         []string           `json:"phase_names"`
	AmpVsPhase         []opts.BarData     `json:"amp_vs_phase"`
	Findings           []FindingOverlay   `json:"findings"`
	PhaseSegments      []PhaseSegment     `json:"phase_segments"`
	PhaseBoundaries    []float64          `json:"phase_boundaries_s"`
}

const (
	freqBinHz     = 1.0
	maxPeakRows   = 12
	spectrogramTB = 2.0 // seconds per time bucket
)

func speedBinLabel(speedKmh float64) string {
	if speedKmh <= 0 {
		return ""
	}
	lo := int(speedKmh/20) * 20
	return itoa(lo) + "-" + itoa(lo+20) + " km/h"
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Build assembles the plot bundle from the run's samples, phase segments,
// and finding overlays.
func Build(samples []Sample, segments []PhaseSegment, findings map[string][]MatchedPoint) *Bundle {
	b := &Bundle{PhaseSegments: segments}
	if len(samples) == 0 {
		return b
	}

	// Persistence-weighted spectrum: for each 1 Hz bin, hit count and
	// amplitude stats over the run's top peaks.
	type binAgg struct {
		hits   int
		sumAmp float64
		maxAmp float64
	}
	binsAgg := map[int]*binAgg{}
	for _, s := range samples {
		for _, pk := range s.Peaks {
			if pk.Hz <= 0 || pk.AmpG <= 0 {
				continue
			}
			bin := int(math.Floor(pk.Hz / freqBinHz))
			agg, ok := binsAgg[bin]
			if !ok {
				agg = &binAgg{}
				binsAgg[bin] = agg
			}
			agg.hits++
			agg.sumAmp += pk.AmpG
			if pk.AmpG > agg.maxAmp {
				agg.maxAmp = pk.AmpG
			}
		}
	}
	binKeys := make([]int, 0, len(binsAgg))
	for k := range binsAgg {
		binKeys = append(binKeys, k)
	}
	sort.Ints(binKeys)
	n := float64(len(samples))
	for _, k := range binKeys {
		agg := binsAgg[k]
		center := (float64(k) + 0.5) * freqBinHz
		persistence := float64(agg.hits) / n
		meanAmp := agg.sumAmp / float64(agg.hits)
		b.SpectrumFreqsHz = append(b.SpectrumFreqsHz, center)
		b.Spectrum = append(b.Spectrum, opts.LineData{Value: persistence * meanAmp})
		b.RawSpectrum = append(b.RawSpectrum, opts.LineData{Value: meanAmp})
		b.PeakTable = append(b.PeakTable, PeakRow{
			FreqHz:      center,
			Persistence: persistence,
			MeanAmpG:    meanAmp,
			MaxAmpG:     agg.maxAmp,
			Score:       persistence * meanAmp,
		})
	}
	sort.Slice(b.PeakTable, func(i, j int) bool { return b.PeakTable[i].Score > b.PeakTable[j].Score })
	if len(b.PeakTable) > maxPeakRows {
		b.PeakTable = b.PeakTable[:maxPeakRows]
	}

	// 2-D spectrogram: time buckets x the same frequency bins, weighted by
	// bucket presence so a tone that holds through a bucket outranks a blip.
	t0 := samples[0].TS
	timeBucketOf := func(ts float64) int { return int(math.Floor((ts - t0) / spectrogramTB)) }
	lastBucket := timeBucketOf(samples[len(samples)-1].TS)
	for tb := 0; tb <= lastBucket; tb++ {
		b.SpectrogramTimes = append(b.SpectrogramTimes, t0+(float64(tb)+0.5)*spectrogramTB)
	}
	b.SpectrogramFreqsHz = b.SpectrumFreqsHz
	freqIdxOf := map[int]int{}
	for i, k := range binKeys {
		freqIdxOf[k] = i
	}
	type cellKey struct{ t, f int }
	cellAgg := map[cellKey]*binAgg{}
	cellSamples := map[int]int{}
	for _, s := range samples {
		tb := timeBucketOf(s.TS)
		cellSamples[tb]++
		for _, pk := range s.Peaks {
			if pk.Hz <= 0 || pk.AmpG <= 0 {
				continue
			}
			fi, ok := freqIdxOf[int(math.Floor(pk.Hz/freqBinHz))]
			if !ok {
				continue
			}
			key := cellKey{tb, fi}
			agg, ok := cellAgg[key]
			if !ok {
				agg = &binAgg{}
				cellAgg[key] = agg
			}
			agg.hits++
			agg.sumAmp += pk.AmpG
		}
	}
	cells := make([]cellKey, 0, len(cellAgg))
	for key := range cellAgg {
		cells = append(cells, key)
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].t != cells[j].t {
			return cells[i].t < cells[j].t
		}
		return cells[i].f < cells[j].f
	})
	for _, key := range cells {
		agg := cellAgg[key]
		inBucket := cellSamples[key.t]
		if inBucket == 0 {
			continue
		}
		weight := float64(agg.hits) / float64(inBucket)
		b.Spectrogram = append(b.Spectrogram, opts.HeatMapData{
			Value: [3]interface{}{key.t, key.f, weight * agg.sumAmp / float64(agg.hits)},
		})
	}

	// Time series.
	phaseAmp := map[string][]float64{}
	speedAmp := map[string][]float64{}
	for _, s := range samples {
		b.VibrationTimes = append(b.VibrationTimes, s.TS)
		b.VibrationSeries = append(b.VibrationSeries, opts.LineData{Value: s.StrengthDB})
		if s.DominantHz > 0 {
			b.DominantFreqSeries = append(b.DominantFreqSeries, opts.ScatterData{Value: []interface{}{s.TS, s.DominantHz}})
		}
		if s.Phase != "" {
			phaseAmp[s.Phase] = append(phaseAmp[s.Phase], s.StrengthDB)
		}
		if s.SpeedKmh != nil {
			if label := speedBinLabel(*s.SpeedKmh); label != "" {
				speedAmp[label] = append(speedAmp[label], s.StrengthDB)
			}
		}
	}

	speedBins := make([]string, 0, len(speedAmp))
	for label := range speedAmp {
		speedBins = append(speedBins, label)
	}
	sort.Strings(speedBins)
	for _, label := range speedBins {
		b.SpeedBins = append(b.SpeedBins, label)
		b.AmpVsSpeed = append(b.AmpVsSpeed, opts.BarData{Value: meanOf(speedAmp[label])})
	}
	phaseNames := make([]string, 0, len(phaseAmp))
	for name := range phaseAmp {
		phaseNames = append(phaseNames, name)
	}
	sort.Strings(phaseNames)
	for _, name := range phaseNames {
		b.PhaseNames = append(b.PhaseNames, name)
		b.AmpVsPhase = append(b.AmpVsPhase, opts.BarData{Value: meanOf(phaseAmp[name])})
	}

	// Finding overlays.
	findingIDs := make([]string, 0, len(findings))
	for id := range findings {
		findingIDs = append(findingIDs, id)
	}
	sort.Strings(findingIDs)
	for _, id := range findingIDs {
		points := findings[id]
		overlay := FindingOverlay{FindingID: id}
		sorted := append([]MatchedPoint(nil), points...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].TS < sorted[j].TS })
		for _, mp := range sorted {
			overlay.MatchedByTime = append(overlay.MatchedByTime, opts.LineData{Value: mp.AmpG})
			overlay.PredictedHz = append(overlay.PredictedHz, opts.LineData{Value: mp.PredictedHz})
			overlay.MatchedHz = append(overlay.MatchedHz, opts.LineData{Value: mp.MatchedHz})
			if mp.SpeedKmh != nil {
				overlay.AmpVsSpeed = append(overlay.AmpVsSpeed, opts.ScatterData{Value: []interface{}{*mp.SpeedKmh, mp.AmpG}})
			}
		}
		b.Findings = append(b.Findings, overlay)
	}

	for _, seg := range segments {
		b.PhaseBoundaries = append(b.PhaseBoundaries, seg.StartTS)
	}
	return b
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}
