package summary

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/recorder"
)

var corners = []struct {
	id   string
	name string
}{
	{"aaaaaaaaaaa1", "front left wheel"},
	{"aaaaaaaaaaa2", "front right wheel"},
	{"aaaaaaaaaaa3", "rear left wheel"},
	{"aaaaaaaaaaa4", "rear right wheel"},
}

func ptr(v float64) *float64 { return &v }

func fullMeta() recorder.RunMetadata {
	return recorder.RunMetadata{
		RunID:           "run-1",
		RawSampleRateHz: 800,
		FFTWindowSize:   2048,
		FFTWindowType:   "hann",
		TireWidthMM:     285, TireAspectPct: 30, RimIn: 21,
		FinalDriveRatio: 3.08, CurrentGearRatio: 0.64,
		Language: "en",
	}
}

func wheelHzAt(speed float64) float64 {
	circ := config.DefaultAnalysisSettings().TireCircumferenceM()
	return (speed / 3.6) / circ
}

// cornerRun synthesizes ticks at 4 Hz for 20 s. tonesByName maps a location
// name to a function producing that sensor's peak for a given speed.
func cornerRun(nTicks int, speedAt func(i int) float64, tonesByName map[string]func(speed float64) recorder.Peak) []recorder.SampleRecord {
	var out []recorder.SampleRecord
	for i := 0; i < nTicks; i++ {
		speed := speedAt(i)
		ts := float64(i) * 0.25
		for _, c := range corners {
			bucket := "l1"
			rec := recorder.SampleRecord{
				TS: ts, ClientID: c.id, ClientName: c.name,
				SpeedKmh:            ptr(speed),
				StrengthFloorAmpG:   0.001,
				NoiseFloorAmpG:      0.001,
				VibrationStrengthDB: 9.0,
			}
			if tone, ok := tonesByName[c.name]; ok {
				pk := tone(speed)
				rec.TopPeaks = []recorder.Peak{pk}
				rec.VibrationStrengthDB = 20 * math.Log10(pk.AmpG/0.001)
				bucket = "l3"
				rec.StrengthBucket = &bucket
			} else {
				rec.TopPeaks = []recorder.Peak{{Hz: 42.0, AmpG: 0.003, StrengthDB: 9.0}}
				rec.StrengthBucket = nil
			}
			out = append(out, rec)
		}
	}
	return out
}

// varySpeed sweeps 80..100 km/h so neither the constant-speed nor the
// steady-speed confidence penalty applies.
func varySpeed(i int) float64 { return 80 + float64(i%21) }

func assemble(t *testing.T, samples []recorder.SampleRecord, meta recorder.RunMetadata) *RunSummary {
	t.Helper()
	doc, err := Assemble(Input{
		RunID:        "run-1",
		Meta:         meta,
		StartTimeUTC: "2026-07-01T10:00:00Z",
		EndTimeUTC:   "2026-07-01T10:00:20Z",
		Samples:      samples,
		Settings:     config.DefaultAnalysisSettings(),
		Tuning:       config.EmptyTuning(),
		Language:     "en",
	})
	require.NoError(t, err)
	return doc
}

func TestFrontLeftWheelImbalance(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{
		"front left wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: wheelHzAt(speed), AmpG: 0.05, StrengthDB: 34.0}
		},
	}
	doc := assemble(t, cornerRun(80, varySpeed, tones), fullMeta())

	require.NotEmpty(t, doc.TopCauses, "wheel imbalance must surface a top cause")
	require.Equal(t, "wheel/tire", doc.TopCauses[0].SuspectedSource)

	var top *Finding
	for i := range doc.Findings {
		if doc.Findings[i].FindingID == doc.TopCauses[0].FindingID {
			top = &doc.Findings[i]
		}
	}
	require.NotNil(t, top)
	require.Equal(t, "front left wheel", top.StrongestLocation)
	require.GreaterOrEqual(t, top.Confidence, 0.55)
	require.False(t, top.DiffuseExcitation)

	// The claimed wheel-order bin must not re-emerge as a persistent peak.
	for _, f := range doc.Findings {
		if f.SuspectedSource == "unknown_resonance" {
			diff := wheelHzAt(100) - f.meanHz
			require.False(t, diff >= -2.5 && diff <= 2.5,
				"order-claimed frequency leaked into the residual peaks")
		}
	}

	require.NotNil(t, doc.MostLikelyOrigin)
	require.Equal(t, "front left wheel", doc.MostLikelyOrigin.Location)
	require.NotEmpty(t, doc.TestPlan)
}

func TestRoughRoadDiffuseExcitation(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{}
	for _, c := range corners {
		tones[c.name] = func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: wheelHzAt(speed), AmpG: 0.02, StrengthDB: 26.0}
		}
	}
	doc := assemble(t, cornerRun(80, func(i int) float64 { return 75 + float64(i%11) }, tones), fullMeta())

	for _, f := range doc.Findings {
		if f.IsReference() || f.FindingKey != "wheel_1x" {
			continue
		}
		require.True(t, f.DiffuseExcitation, "uniform excitation must be flagged diffuse")
		require.True(t, f.WeakSpatialSeparation)
	}
}

func TestDualFaultDistinctFindings(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{
		"front left wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: wheelHzAt(speed), AmpG: 0.05, StrengthDB: 34.0}
		},
		"rear right wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: 2 * wheelHzAt(speed), AmpG: 0.04, StrengthDB: 32.0}
		},
	}
	doc := assemble(t, cornerRun(80, varySpeed, tones), fullMeta())

	var diag []Finding
	for _, f := range doc.Findings {
		if !f.IsReference() && f.Severity == "diagnostic" && f.StrongestLocation != "" {
			diag = append(diag, f)
		}
	}
	require.GreaterOrEqual(t, len(diag), 2)
	locations := map[string]bool{}
	for _, f := range diag {
		locations[f.StrongestLocation] = true
	}
	require.True(t, locations["front left wheel"] && locations["rear right wheel"],
		"both faulted corners must be named: %v", locations)
}

func TestMissingTireSpec(t *testing.T) {
	meta := fullMeta()
	meta.TireWidthMM, meta.TireAspectPct, meta.RimIn = 0, 0, 0
	meta.FinalDriveRatio, meta.CurrentGearRatio = 0, 0

	rpm := 3000.0 // 50 Hz engine 1x
	var samples []recorder.SampleRecord
	for i := 0; i < 80; i++ {
		speed := varySpeed(i)
		bucket := "l3"
		samples = append(samples, recorder.SampleRecord{
			TS: float64(i) * 0.25, ClientID: "aaaaaaaaaaa5", ClientName: "engine bay",
			SpeedKmh: ptr(speed), EngineRPM: &rpm,
			StrengthFloorAmpG: 0.001, VibrationStrengthDB: 32.0, StrengthBucket: &bucket,
			TopPeaks: []recorder.Peak{{Hz: 50.0, AmpG: 0.04, StrengthDB: 32.0}},
		})
	}
	doc, err := Assemble(Input{
		RunID: "run-1", Meta: meta, Samples: samples,
		Settings: nil, Tuning: config.EmptyTuning(), Language: "en",
	})
	require.NoError(t, err)

	hasRefWheel := false
	for _, f := range doc.Findings {
		if f.FindingID == "REF_WHEEL" {
			hasRefWheel = true
		}
		require.NotEqual(t, "wheel/tire", f.SuspectedSource, "no wheel finding without a tire spec")
	}
	require.True(t, hasRefWheel, "missing tire spec must emit REF_WHEEL")

	hasEngine := false
	for _, f := range doc.Findings {
		if f.SuspectedSource == "engine" {
			hasEngine = true
		}
	}
	require.True(t, hasEngine, "measured RPM keeps engine findings available")
}

func TestFindingIDInvariants(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{
		"front left wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: wheelHzAt(speed), AmpG: 0.05, StrengthDB: 34.0}
		},
	}
	meta := fullMeta()
	meta.RawSampleRateHz = 0 // force one REF finding
	doc := assemble(t, cornerRun(80, varySpeed, tones), meta)

	seenDiagnostic := false
	lastConf := math.Inf(1)
	seq := 0
	for _, f := range doc.Findings {
		if f.IsReference() {
			require.False(t, seenDiagnostic, "references must precede diagnostics")
			continue
		}
		seenDiagnostic = true
		seq++
		require.Equal(t, "F"+pad3(seq), f.FindingID)
		require.LessOrEqual(t, f.Confidence, lastConf, "diagnostics must be confidence-descending")
		lastConf = f.Confidence
		require.GreaterOrEqual(t, f.Confidence, 0.08)
		require.LessOrEqual(t, f.Confidence, 0.97)
	}
	require.True(t, seenDiagnostic)
}

func pad3(v int) string {
	s := ""
	switch {
	case v < 10:
		s = "00"
	case v < 100:
		s = "0"
	}
	return s + itoa(v)
}

func TestSummaryDeterministic(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{
		"front left wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: wheelHzAt(speed), AmpG: 0.05, StrengthDB: 34.0}
		},
	}
	samples := cornerRun(80, varySpeed, tones)
	a := assemble(t, samples, fullMeta())
	b := assemble(t, samples, fullMeta())
	require.Equal(t, a.Findings, b.Findings)
	require.Equal(t, a.TopCauses, b.TopCauses)
	require.Equal(t, a.SensorIntensity, b.SensorIntensity)
}

func TestSummaryMarshalsCleanly(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{
		"front left wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: wheelHzAt(speed), AmpG: 0.05, StrengthDB: 34.0}
		},
	}
	samples := cornerRun(80, varySpeed, tones)
	// Poison one sample with non-finite values; they must be sanitized, not
	// leak NaN into the JSON encoder.
	samples[3].VibrationStrengthDB = math.NaN()
	samples[5].SpeedKmh = ptr(math.Inf(1))
	doc := assemble(t, samples, fullMeta())
	require.Greater(t, doc.DataQuality.NonFiniteSanitized, 0)

	body, err := json.Marshal(doc)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(body), "NaN"))

	var round RunSummary
	require.NoError(t, json.Unmarshal(body, &round))
	require.Equal(t, doc.RunID, round.RunID)
}

func TestZeroSampleRun(t *testing.T) {
	_, err := Assemble(Input{RunID: "run-1", Tuning: config.EmptyTuning()})
	require.ErrorIs(t, err, ErrNoSamples)
	require.Equal(t, "No samples collected during run", err.Error())
}

func TestSensorIntensityOrdering(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{
		"rear right wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: 33.0, AmpG: 0.06, StrengthDB: 35.0}
		},
	}
	doc := assemble(t, cornerRun(80, varySpeed, tones), fullMeta())
	require.NotEmpty(t, doc.SensorIntensity)
	require.Equal(t, "rear right wheel", doc.SensorIntensity[0].Location,
		"loudest fully-covered location must lead")
	require.Len(t, doc.SensorIntensity, 4)
	for _, row := range doc.SensorIntensity {
		require.False(t, row.PartialCoverage)
		require.InDelta(t, 100.0, sumDist(row.BucketDistribution), 0.01)
	}
}

func sumDist(d BucketDistribution) float64 {
	s := 0.0
	for _, v := range d {
		s += v
	}
	return s
}

func TestSuitabilityChecklist(t *testing.T) {
	// A quiet run: sensors connected but no spectral peaks anywhere.
	var samples []recorder.SampleRecord
	for i := 0; i < 80; i++ {
		for _, c := range corners {
			samples = append(samples, recorder.SampleRecord{
				TS: float64(i) * 0.25, ClientID: c.id, ClientName: c.name,
				SpeedKmh: ptr(varySpeed(i)), StrengthFloorAmpG: 0.001,
			})
		}
	}
	doc := assemble(t, samples, fullMeta())
	require.Len(t, doc.RunSuitability, 5)
	byID := map[string]SuitabilityCheck{}
	for _, c := range doc.RunSuitability {
		byID[c.CheckID] = c
	}
	require.Equal(t, CheckOK, byID["duration"].Status)
	require.Equal(t, CheckOK, byID["speed_coverage"].Status)
	require.Equal(t, CheckOK, byID["speed_variation"].Status)
	require.Equal(t, CheckOK, byID["frame_integrity"].Status)
	// No tones: no diagnostic findings, so sensor coverage warns.
	require.Equal(t, CheckWarn, byID["sensor_coverage"].Status)
}

func TestPlotDataBundle(t *testing.T) {
	tones := map[string]func(speed float64) recorder.Peak{
		"front left wheel": func(speed float64) recorder.Peak {
			return recorder.Peak{Hz: wheelHzAt(speed), AmpG: 0.05, StrengthDB: 34.0}
		},
	}
	doc := assemble(t, cornerRun(80, varySpeed, tones), fullMeta())
	pd := doc.PlotData
	require.NotNil(t, pd)
	require.NotEmpty(t, pd.Spectrum)
	require.NotEmpty(t, pd.Spectrogram)
	require.NotEmpty(t, pd.VibrationSeries)
	require.NotEmpty(t, pd.PeakTable)
	require.LessOrEqual(t, len(pd.PeakTable), 12)
	require.NotEmpty(t, pd.Findings, "order finding overlays must be present")
	require.NotEmpty(t, pd.PhaseSegments)
}

func TestConfidenceLabelThresholds(t *testing.T) {
	findings := []Finding{
		{FindingID: "F001", Confidence: 0.70},
		{FindingID: "F002", Confidence: 0.69},
		{FindingID: "F003", Confidence: 0.40},
		{FindingID: "F004", Confidence: 0.39},
		{FindingID: "REF_SPEED", Confidence: 1.0},
	}
	applyConfidenceLabels(findings, "l2")
	require.Equal(t, ConfidenceHigh, findings[0].ConfidenceLabel)
	require.Equal(t, ConfidenceMedium, findings[1].ConfidenceLabel)
	require.Equal(t, ConfidenceMedium, findings[2].ConfidenceLabel)
	require.Equal(t, ConfidenceLow, findings[3].ConfidenceLabel)
	require.Empty(t, findings[4].ConfidenceLabel, "reference findings carry no label")

	// A negligible overall strength band caps high to medium.
	capped := []Finding{{FindingID: "F001", Confidence: 0.90}}
	applyConfidenceLabels(capped, "")
	require.Equal(t, ConfidenceMedium, capped[0].ConfidenceLabel)
}

func TestSampleCoverageWarningSmallRunGuard(t *testing.T) {
	// Four samples at the best-covered location: below the >=5 guard, so
	// even a one-sample location must not raise the coverage warning.
	var samples []recorder.SampleRecord
	for i := 0; i < 4; i++ {
		samples = append(samples, recorder.SampleRecord{
			TS: float64(i) * 0.25, ClientID: "aaaaaaaaaaa1", ClientName: "front left wheel",
			SpeedKmh: ptr(80.0), StrengthFloorAmpG: 0.001,
		})
	}
	samples = append(samples, recorder.SampleRecord{
		TS: 0.5, ClientID: "aaaaaaaaaaa2", ClientName: "rear right wheel",
		SpeedKmh: ptr(80.0), StrengthFloorAmpG: 0.001,
	})
	doc := assemble(t, samples, fullMeta())
	for _, row := range doc.SensorIntensity {
		require.False(t, row.SampleCoverageWarning,
			"location %s warned below the 5-sample guard", row.Location)
	}
}
