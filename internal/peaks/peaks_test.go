package peaks

import (
	"testing"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/phase"
)

func ptr(v float64) *float64 { return &v }

func TestClassifyPeakType(t *testing.T) {
	tuning := config.EmptyTuning()
	lowSNR := 1.0
	highSNR := 8.0
	uniform := 0.95
	patchy := 0.3
	tight := 0.05

	cases := []struct {
		name                string
		presence, burst     float64
		snr                 *float64
		spatial, speed      *float64
		want                Classification
	}{
		{"low snr is noise", 0.5, 1.0, &lowSNR, nil, nil, BaselineNoise},
		{"uniform everywhere is noise", 0.7, 1.5, &highSNR, &uniform, &tight, BaselineNoise},
		{"rare peak is transient", 0.05, 1.0, &highSNR, &patchy, nil, Transient},
		{"bursty peak is transient", 0.5, 8.0, &highSNR, &patchy, nil, Transient},
		{"steady frequent peak is patterned", 0.6, 1.5, &highSNR, &patchy, nil, Patterned},
		{"middling peak is persistent", 0.25, 3.5, &highSNR, &patchy, nil, Persistent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyPeakType(tc.presence, tc.burst, tc.snr, tc.spatial, tc.speed, tuning)
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

// toneObservations emits nSamples observations at one location; hitEvery
// controls presence (a peak appears every hitEvery-th sample).
func toneObservations(n int, hz, amp float64, loc string, hitEvery int) []Observation {
	var out []Observation
	for i := 0; i < n; i++ {
		obs := Observation{
			SpeedKmh:  ptr(80.0 + float64(i%5)*10),
			FloorAmpG: 0.001,
			Location:  loc,
			Phase:     phase.Cruise,
		}
		if i%hitEvery == 0 {
			obs.Peaks = []PeakHz{{Hz: hz, AmpG: amp}}
		}
		out = append(out, obs)
	}
	return out
}

func TestPersistentPeakDetected(t *testing.T) {
	tuning := config.EmptyTuning()
	obs := toneObservations(40, 33.0, 0.03, "dashboard", 1)
	findings := BuildFindings(obs, nil, DefaultFreqBinHz, 0.001, tuning)
	if len(findings) == 0 {
		t.Fatal("fully-present tone produced no findings")
	}
	top := findings[0]
	if top.Classification != Patterned && top.Classification != Persistent {
		t.Errorf("classification = %s", top.Classification)
	}
	if top.FrequencyHz < 32 || top.FrequencyHz > 35 {
		t.Errorf("bin center = %g, want near 33", top.FrequencyHz)
	}
	if top.PresenceRatio < 0.9 {
		t.Errorf("presence = %g", top.PresenceRatio)
	}
	if top.Confidence <= 0.1 {
		t.Errorf("confidence = %g, want meaningful", top.Confidence)
	}
}

func TestOrderFindingShadowsBin(t *testing.T) {
	tuning := config.EmptyTuning()
	obs := toneObservations(40, 33.0, 0.03, "dashboard", 1)
	// An order finding claimed ~33 Hz: the bin must not re-emerge as a
	// residual peak (spec invariant 5).
	findings := BuildFindings(obs, []float64{33.2}, DefaultFreqBinHz, 0.001, tuning)
	for _, f := range findings {
		if f.FrequencyHz > 31 && f.FrequencyHz < 35.5 {
			t.Errorf("shadowed bin re-emerged at %g Hz", f.FrequencyHz)
		}
	}
}

func TestTransientSeverityInfo(t *testing.T) {
	tuning := config.EmptyTuning()
	obs := toneObservations(40, 21.0, 0.05, "trunk floor", 20) // 2 hits in 40
	findings := BuildFindings(obs, nil, DefaultFreqBinHz, 0.001, tuning)
	var transient *Finding
	for i := range findings {
		if findings[i].Classification == Transient {
			transient = &findings[i]
		}
	}
	if transient == nil {
		t.Fatal("rare peak not classified transient")
	}
	if transient.Severity != "info" {
		t.Errorf("transient severity = %q, want info", transient.Severity)
	}
	if transient.SuspectedSource != "transient_impact" {
		t.Errorf("suspected source = %q", transient.SuspectedSource)
	}
}

func TestFindingCap(t *testing.T) {
	tuning := config.EmptyTuning()
	var obs []Observation
	// Six distinct persistent tones; only three may be emitted.
	for i := 0; i < 40; i++ {
		o := Observation{SpeedKmh: ptr(80.0), FloorAmpG: 0.001, Location: "dashboard", Phase: phase.Cruise}
		for tone := 0; tone < 6; tone++ {
			o.Peaks = append(o.Peaks, PeakHz{Hz: 11.0 + float64(tone)*10, AmpG: 0.02})
		}
		obs = append(obs, o)
	}
	findings := BuildFindings(obs, nil, DefaultFreqBinHz, 0.001, tuning)
	persistent := 0
	for _, f := range findings {
		if f.Classification != Transient {
			persistent++
		}
	}
	if persistent > tuning.GetPersistentPeakMaxFindings() {
		t.Errorf("persistent findings = %d, cap is %d", persistent, tuning.GetPersistentPeakMaxFindings())
	}
}

func TestNoObservations(t *testing.T) {
	if got := BuildFindings(nil, nil, DefaultFreqBinHz, 0, config.EmptyTuning()); got != nil {
		t.Errorf("empty input produced %v", got)
	}
}
