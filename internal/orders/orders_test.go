package orders

import (
	"math"
	"testing"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/phase"
)

var testLocations = []string{"front left wheel", "front right wheel", "rear left wheel", "rear right wheel"}

func ptr(v float64) *float64 { return &v }

func defaultInput(samples []Sample) BuildInput {
	connected := map[string]struct{}{}
	for _, loc := range testLocations {
		connected[loc] = struct{}{}
	}
	stddev := 12.0
	return BuildInput{
		Settings:            config.DefaultAnalysisSettings(),
		Tuning:              config.EmptyTuning(),
		Samples:             samples,
		SpeedSufficient:     true,
		SteadySpeed:         false,
		SpeedStddevKmh:      &stddev,
		EngineRefSufficient: false,
		ConnectedLocations:  connected,
	}
}

// wheelToneSamples builds nSamples per location; faultLoc carries a peak at
// the wheel-1x prediction, every other location only a distant noise peak.
func wheelToneSamples(speeds []float64, faultLoc string, faultAmp, otherAmp float64) []Sample {
	circ := config.DefaultAnalysisSettings().TireCircumferenceM()
	var out []Sample
	for i, speed := range speeds {
		hz := (speed / 3.6) / circ
		for _, loc := range testLocations {
			s := Sample{
				TSS:      float64(i),
				SpeedKmh: ptr(speed),
				Location: loc,
				Phase:    phase.Cruise,
			}
			if loc == faultLoc {
				s.Peaks = []Peak{{Hz: hz, AmpG: faultAmp, FloorAmpG: 0.001}}
			} else {
				s.Peaks = []Peak{{Hz: 77.0, AmpG: otherAmp, FloorAmpG: 0.001}}
			}
			out = append(out, s)
		}
	}
	return out
}

func varyingSpeeds(n int) []float64 {
	speeds := make([]float64, n)
	for i := range speeds {
		speeds[i] = 60 + float64(i)*40/float64(n-1)
	}
	return speeds
}

func TestWheelImbalanceLocalizedToCorner(t *testing.T) {
	samples := wheelToneSamples(varyingSpeeds(20), "front left wheel", 0.05, 0.003)
	findings := BuildFindings(defaultInput(samples))
	if len(findings) == 0 {
		t.Fatal("no findings for a strong wheel-1x tone")
	}
	top := findings[0]
	if top.SuspectedSource != "wheel/tire" {
		t.Errorf("top source = %q, want wheel/tire", top.SuspectedSource)
	}
	if top.FindingKey != "wheel_1x" {
		t.Errorf("top key = %q", top.FindingKey)
	}
	if top.StrongestLocation != "front left wheel" {
		t.Errorf("hotspot = %q", top.StrongestLocation)
	}
	if top.Confidence < 0.55 {
		t.Errorf("confidence = %.3f, want >= 0.55", top.Confidence)
	}
	if top.DiffuseExcitation {
		t.Error("single-corner fault flagged diffuse")
	}
	if top.WeakSpatialSeparation {
		t.Error("strongly localized fault flagged weak separation")
	}
	if len(top.Actions) == 0 || top.Actions[0].ActionID != "wheel_balance_and_runout" {
		t.Errorf("actions = %+v", top.Actions)
	}
}

func TestConfidenceClampInvariant(t *testing.T) {
	samples := wheelToneSamples(varyingSpeeds(40), "front left wheel", 5.0, 0.0001)
	findings := BuildFindings(defaultInput(samples))
	for _, f := range findings {
		if f.Confidence < 0.08 || f.Confidence > 0.97 {
			t.Errorf("finding %s confidence %.3f outside [0.08, 0.97]", f.FindingKey, f.Confidence)
		}
	}
}

func TestDiffuseExcitationPenalized(t *testing.T) {
	// The same tone at the same amplitude on every corner: road input.
	circ := config.DefaultAnalysisSettings().TireCircumferenceM()
	var samples []Sample
	speeds := varyingSpeeds(20)
	for i, speed := range speeds {
		hz := (speed / 3.6) / circ
		for _, loc := range testLocations {
			samples = append(samples, Sample{
				TSS: float64(i), SpeedKmh: ptr(speed), Location: loc, Phase: phase.Cruise,
				Peaks: []Peak{{Hz: hz, AmpG: 0.02, FloorAmpG: 0.001}},
			})
		}
	}
	findings := BuildFindings(defaultInput(samples))
	foundDiffuse := false
	for _, f := range findings {
		if f.FindingKey == "wheel_1x" {
			if !f.DiffuseExcitation {
				t.Error("uniform excitation not flagged diffuse")
			}
			foundDiffuse = true
		}
	}
	if !foundDiffuse && len(findings) > 0 {
		t.Errorf("wheel_1x missing from findings: %v", findings[0].FindingKey)
	}

	// The same tone concentrated on one corner scores higher.
	focused := BuildFindings(defaultInput(wheelToneSamples(speeds, "front left wheel", 0.02, 0.0005)))
	if len(findings) > 0 && len(focused) > 0 {
		if focused[0].Confidence <= findings[0].Confidence {
			t.Errorf("focused %.3f should beat diffuse %.3f", focused[0].Confidence, findings[0].Confidence)
		}
	}
}

func TestConstantSpeedSingleSensor(t *testing.T) {
	circ := config.DefaultAnalysisSettings().TireCircumferenceM()
	hz := (100.0 / 3.6) / circ
	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, Sample{
			TSS: float64(i), SpeedKmh: ptr(100.0), Location: "front left wheel", Phase: phase.Cruise,
			Peaks: []Peak{{Hz: hz, AmpG: 0.05, FloorAmpG: 0.001}},
		})
	}
	in := defaultInput(samples)
	in.ConnectedLocations = map[string]struct{}{"front left wheel": {}}
	stddev := 0.0
	in.SpeedStddevKmh = &stddev
	findings := BuildFindings(in)
	if len(findings) == 0 {
		t.Fatal("perfect match rate must clear the constant-speed threshold")
	}
	top := findings[0]
	if !top.WeakSpatialSeparation {
		t.Error("a single sensor can never establish spatial separation")
	}

	// The same evidence at varied speed scores higher: the constant-speed
	// penalty and the missing frequency correlation both bite.
	varied := BuildFindings(defaultInput(wheelToneSamples(varyingSpeeds(20), "front left wheel", 0.05, 0.003)))
	if len(varied) > 0 && top.Confidence >= varied[0].Confidence {
		t.Errorf("constant-speed %.3f should score below varied-speed %.3f", top.Confidence, varied[0].Confidence)
	}
}

func TestMinMatchPointsBoundary(t *testing.T) {
	tuning := config.EmptyTuning()
	circ := config.DefaultAnalysisSettings().TireCircumferenceM()
	build := func(matched int) []Finding {
		var samples []Sample
		speeds := varyingSpeeds(20)
		for i, speed := range speeds {
			s := Sample{
				TSS: float64(i), SpeedKmh: ptr(speed), Location: "front left wheel", Phase: phase.Cruise,
			}
			if i < matched {
				hz := (speed / 3.6) / circ
				s.Peaks = []Peak{{Hz: hz, AmpG: 0.05, FloorAmpG: 0.001}}
			} else {
				s.Peaks = []Peak{{Hz: 77.0, AmpG: 0.05, FloorAmpG: 0.001}}
			}
			samples = append(samples, s)
		}
		in := defaultInput(samples)
		in.ConnectedLocations = map[string]struct{}{"front left wheel": {}}
		return BuildFindings(in)
	}

	atMin := build(tuning.GetOrderMinMatchPoints())
	hasWheel := false
	for _, f := range atMin {
		if f.FindingKey == "wheel_1x" {
			hasWheel = true
		}
	}
	if !hasWheel {
		t.Errorf("exactly %d matches must produce a finding", tuning.GetOrderMinMatchPoints())
	}

	belowMin := build(tuning.GetOrderMinMatchPoints() - 1)
	for _, f := range belowMin {
		if f.FindingKey == "wheel_1x" {
			t.Error("one below the match minimum must not produce a finding")
		}
	}
}

func TestEngineAliasDemotion(t *testing.T) {
	settings := config.DefaultAnalysisSettings()
	gear := 1.3 // keep the engine order clear of the wheel harmonics
	settings.CurrentGearRatio = &gear
	circ := settings.TireCircumferenceM()
	var samples []Sample
	speeds := varyingSpeeds(20)
	for i, speed := range speeds {
		wheelHz := (speed / 3.6) / circ
		engineHz := wheelHz * settings.GetFinalDriveRatio() * settings.GetCurrentGearRatio()
		for _, loc := range []string{"front left wheel", "engine bay"} {
			s := Sample{TSS: float64(i), SpeedKmh: ptr(speed), Location: loc, Phase: phase.Cruise}
			if loc == "front left wheel" {
				s.Peaks = []Peak{{Hz: wheelHz, AmpG: 0.05, FloorAmpG: 0.001}}
			} else {
				s.Peaks = []Peak{{Hz: engineHz, AmpG: 0.04, FloorAmpG: 0.001}}
			}
			samples = append(samples, s)
		}
	}
	in := defaultInput(samples)
	in.Settings = settings
	in.ConnectedLocations = map[string]struct{}{"front left wheel": {}, "engine bay": {}}
	in.EngineRefSufficient = true
	findings := BuildFindings(in)

	var wheelConf, engineConf float64
	for _, f := range findings {
		if f.SuspectedSource == "wheel/tire" && f.Confidence > wheelConf {
			wheelConf = f.Confidence
		}
		if f.SuspectedSource == "engine" && f.Confidence > engineConf {
			engineConf = f.Confidence
		}
	}
	if wheelConf == 0 {
		t.Fatal("wheel finding missing")
	}
	if engineConf > 0 && engineConf >= wheelConf {
		t.Errorf("engine %.3f not demoted below wheel %.3f", engineConf, wheelConf)
	}
}

func TestMissingSpeedSkipsWheelHypotheses(t *testing.T) {
	var samples []Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, Sample{
			TSS: float64(i), Location: "front left wheel", Phase: phase.Cruise,
			Peaks: []Peak{{Hz: 12.5, AmpG: 0.05, FloorAmpG: 0.001}},
		})
	}
	in := defaultInput(samples)
	in.SpeedSufficient = false
	findings := BuildFindings(in)
	if len(findings) != 0 {
		t.Errorf("no reference frequencies available, got %d findings", len(findings))
	}
}

func TestTireCircumferenceFeedsPrediction(t *testing.T) {
	circ := config.DefaultAnalysisSettings().TireCircumferenceM()
	s := Sample{SpeedKmh: ptr(100.0)}
	hz, ok := s.wheelHz(circ)
	if !ok {
		t.Fatal("wheelHz unavailable")
	}
	want := (100.0 / 3.6) / circ
	if math.Abs(hz-want) > 1e-9 {
		t.Errorf("wheelHz = %v, want %v", hz, want)
	}
}

func TestDriveshaftEngineFusionNearUnityGear(t *testing.T) {
	settings := config.DefaultAnalysisSettings()
	gear := 1.0 // direct drive: driveshaft and engine orders coincide
	settings.CurrentGearRatio = &gear
	circ := settings.TireCircumferenceM()

	var samples []Sample
	speeds := varyingSpeeds(20)
	for i, speed := range speeds {
		driveHz := (speed / 3.6) / circ * settings.GetFinalDriveRatio()
		samples = append(samples, Sample{
			TSS: float64(i), SpeedKmh: ptr(speed), Location: "transmission tunnel", Phase: phase.Cruise,
			Peaks: []Peak{{Hz: driveHz, AmpG: 0.04, FloorAmpG: 0.001}},
		})
	}
	in := defaultInput(samples)
	in.Settings = settings
	in.ConnectedLocations = map[string]struct{}{"transmission tunnel": {}}
	in.EngineRefSufficient = true
	findings := BuildFindings(in)

	var fused bool
	for _, f := range findings {
		switch f.FindingKey {
		case "driveshaft_engine_1x":
			fused = true
			if f.SuspectedSource != "driveline" {
				t.Errorf("fused source = %q", f.SuspectedSource)
			}
		case "driveshaft_1x", "engine_1x":
			t.Errorf("unfused hypothesis %s emitted at unity gear", f.FindingKey)
		}
	}
	if !fused {
		t.Error("driveshaft_engine_1x missing for a direct-drive tone")
	}
}
