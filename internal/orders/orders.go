// Package orders implements rotational-frequency hypothesis matching: for
// each candidate order (wheel 1x/2x, driveshaft 1x/2x, engine 1x/2x) it
// predicts a frequency from road speed and drivetrain ratios, matches it
// against observed spectral peaks, and scores the match into a confidence
// value (spec §4.5 + §4.7).
//
// Ported from order_analysis.py and findings/order_findings.py.
package orders

import (
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/i18n"
	"github.com/banshee-data/vibesensor/internal/localization"
	"github.com/banshee-data/vibesensor/internal/phase"
	"github.com/banshee-data/vibesensor/internal/strength"
)

// Peak is one observed spectral peak available for matching.
type Peak struct {
	Hz          float64
	AmpG        float64
	FloorAmpG   float64
}

// Sample is the subset of a processed sample the order matcher needs.
type Sample struct {
	TSS             float64
	SpeedKmh        *float64
	Location        string
	Phase           phase.Phase
	FinalDriveRatio *float64 // per-sample override of settings.FinalDriveRatio
	EngineRPM       *float64 // measured RPM, if the vehicle reports one
	Peaks           []Peak
}

func wheelHz(speedKmh, tireCircumferenceM float64) float64 {
	return (speedKmh / 3.6) / tireCircumferenceM
}

func (s Sample) wheelHz(tireCircumferenceM float64) (float64, bool) {
	if s.SpeedKmh == nil || *s.SpeedKmh <= 0 || tireCircumferenceM <= 0 {
		return 0, false
	}
	return wheelHz(*s.SpeedKmh, tireCircumferenceM), true
}

func (s Sample) driveshaftHz(settings *config.AnalysisSettings, tireCircumferenceM float64) (float64, bool) {
	whz, ok := s.wheelHz(tireCircumferenceM)
	if !ok {
		return 0, false
	}
	fd := settings.GetFinalDriveRatio()
	if s.FinalDriveRatio != nil && *s.FinalDriveRatio > 0 {
		fd = *s.FinalDriveRatio
	}
	if fd <= 0 {
		return 0, false
	}
	return whz * fd, true
}

// engineHz returns the predicted engine rotational frequency and the
// evidence-source label: "measured" when a reported RPM is available,
// "speed+tire+final_drive+gear" when derived from the driveshaft prediction.
func (s Sample) engineHz(settings *config.AnalysisSettings, tireCircumferenceM float64) (float64, string, bool) {
	if s.EngineRPM != nil && *s.EngineRPM > 0 {
		return *s.EngineRPM / 60.0, "measured", true
	}
	dhz, ok := s.driveshaftHz(settings, tireCircumferenceM)
	if !ok {
		return 0, "missing", false
	}
	gear := settings.GetCurrentGearRatio()
	if gear <= 0 {
		return 0, "missing", false
	}
	return dhz * gear, "speed+tire+final_drive+gear", true
}

// Fractional reference uncertainties, combined in quadrature per predicted
// component.
const (
	speedFracUncertainty      = 0.02
	tireFracUncertainty       = 0.015
	finalDriveFracUncertainty = 0.005
	gearFracUncertainty       = 0.01
)

func quadrature(parts ...float64) float64 {
	sq := 0.0
	for _, p := range parts {
		sq += p * p
	}
	return math.Sqrt(sq)
}

func driveFracUncertainty() float64 {
	return quadrature(speedFracUncertainty, tireFracUncertainty, finalDriveFracUncertainty)
}

func engineFracUncertainty() float64 {
	return quadrature(speedFracUncertainty, tireFracUncertainty, finalDriveFracUncertainty, gearFracUncertainty)
}

// hypothesis is one candidate rotational-order source.
type hypothesis struct {
	key             string
	suspectedSource string
	orderLabelBase  string
	order           int
	pathCompliance  float64
}

// hypotheses builds the candidate list for a run. When the predicted
// driveshaft and engine frequencies overlap within their combined
// propagated uncertainty (a gear ratio near 1), the two 1x hypotheses are
// indistinguishable and fuse into driveshaft_engine_1x.
func hypotheses(settings *config.AnalysisSettings) []hypothesis {
	out := []hypothesis{
		{"wheel_1x", "wheel/tire", "wheel", 1, 1.5},
		{"wheel_2x", "wheel/tire", "wheel", 2, 1.5},
	}
	gear := settings.GetCurrentGearRatio()
	if gear > 0 && math.Abs(gear-1.0) <= driveFracUncertainty()+engineFracUncertainty() {
		out = append(out,
			hypothesis{"driveshaft_engine_1x", "driveline", "driveshaft/engine", 1, 1.0},
			hypothesis{"driveshaft_2x", "driveline", "driveshaft", 2, 1.0},
			hypothesis{"engine_2x", "engine", "engine", 2, 1.0},
		)
		return out
	}
	out = append(out,
		hypothesis{"driveshaft_1x", "driveline", "driveshaft", 1, 1.0},
		hypothesis{"driveshaft_2x", "driveline", "driveshaft", 2, 1.0},
		hypothesis{"engine_1x", "engine", "engine", 1, 1.0},
		hypothesis{"engine_2x", "engine", "engine", 2, 1.0},
	)
	return out
}

func (h hypothesis) predictedHz(s Sample, settings *config.AnalysisSettings, tireCircumferenceM float64) (float64, string, bool) {
	switch {
	case strings.HasPrefix(h.key, "wheel_"):
		base, ok := s.wheelHz(tireCircumferenceM)
		if !ok {
			return 0, "missing", false
		}
		return base * float64(h.order), "speed+tire", true
	case strings.HasPrefix(h.key, "driveshaft_"):
		base, ok := s.driveshaftHz(settings, tireCircumferenceM)
		if !ok {
			return 0, "missing", false
		}
		return base * float64(h.order), "speed+tire+final_drive", true
	case strings.HasPrefix(h.key, "engine_"):
		base, src, ok := s.engineHz(settings, tireCircumferenceM)
		if !ok {
			return 0, src, false
		}
		return base * float64(h.order), src, true
	default:
		return 0, "missing", false
	}
}

func orderLabel(order int, base string) string {
	return intStr(order) + "x " + base
}

func intStr(v int) string {
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

// MatchedPoint is one sample whose observed peak matched a hypothesis.
type MatchedPoint struct {
	TSS        float64
	SpeedKmh   *float64
	PredictedHz float64
	MatchedHz   float64
	RelError    float64
	AmpG        float64
	Location    string
	Phase       phase.Phase
}

// EvidenceMetrics mirrors the evidence_metrics block of an order finding.
type EvidenceMetrics struct {
	MatchRate              float64
	GlobalMatchRate        float64
	FocusedSpeedBand       string
	MeanRelativeError      float64
	MeanMatchedIntensityDB float64
	MeanNoiseFloorDB       float64
	VibrationStrengthDB    float64
	PossibleSamples        int
	MatchedSamples         int
	FrequencyCorrelation   *float64
	PhasesWithEvidence     int
	DiffuseExcitation      bool
}

// Finding is one order-hypothesis match that cleared the confidence and
// coverage thresholds.
type Finding struct {
	FindingID             string
	FindingKey            string
	SuspectedSource       string
	EvidenceSummary       i18n.Ref
	FrequencyHzOrOrder    string
	VibrationStrengthDB   float64
	Confidence            float64
	QuickChecks           []string
	MatchedPoints         []MatchedPoint
	Hotspot               localization.Hotspot
	StrongestLocation     string
	StrongestSpeedBand    string
	DominantPhase         string
	PeakSpeedKmh          float64
	SpeedWindowKmh        [2]float64
	DominanceRatio        *float64
	LocalizationConfidence float64
	WeakSpatialSeparation bool
	CorroboratingLocations int
	DiffuseExcitation     bool
	CruiseFraction        float64
	PhasesDetected        []string
	Metrics               EvidenceMetrics
	NextSensorMove        i18n.Ref
	Actions               []localization.Action
	rankingScore          float64
}

const memsNoiseFloorG = 0.002

func corrAbsClamped(xs, ys []float64) (float64, bool) {
	n := len(xs)
	if n < 3 || n != len(ys) {
		return 0, false
	}
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)
	var num, denomX, denomY float64
	for i := range xs {
		dx := xs[i] - meanX
		dy := ys[i] - meanY
		num += dx * dy
		denomX += dx * dx
		denomY += dy * dy
	}
	if denomX <= 0 || denomY <= 0 {
		return 0, false
	}
	corr := num / math.Sqrt(denomX*denomY)
	return math.Min(1.0, math.Abs(corr)), true
}

// BuildInput bundles the run-wide context BuildFindings needs alongside
// the per-sample data.
type BuildInput struct {
	Settings            *config.AnalysisSettings
	Tuning              *config.Tuning
	Samples             []Sample
	SpeedSufficient     bool
	SteadySpeed         bool
	SpeedStddevKmh      *float64
	EngineRefSufficient bool
	ConnectedLocations  map[string]struct{}
}

// BuildFindings runs every order hypothesis against the run's samples and
// returns the surviving findings, engine-alias-suppressed and sorted by
// ranking score descending (spec §4.5/§4.7).
func BuildFindings(in BuildInput) []Finding {
	settings := in.Settings
	tuning := in.Tuning
	tireCircM := settings.TireCircumferenceM()

	constantSpeed := in.SpeedStddevKmh != nil && *in.SpeedStddevKmh < tuning.GetConstantSpeedStddevKmh()
	minMatchRate := 0.25
	if constantSpeed {
		minMatchRate = tuning.GetOrderConstantSpeedMinMatchRate()
	}

	var scoredFindings []scoredFinding

	for _, h := range hypotheses(settings) {
		if strings.HasPrefix(h.key, "wheel_") || strings.HasPrefix(h.key, "driveshaft_") {
			if !in.SpeedSufficient || tireCircM <= 0 {
				continue
			}
		}
		if strings.HasPrefix(h.key, "engine_") && !in.EngineRefSufficient {
			continue
		}

		possible, matched := 0, 0
		var matchedAmp, matchedFloor, relErrors, predictedVals, measuredVals []float64
		var matchedPoints []MatchedPoint
		possibleByLocation := map[string]int{}
		matchedByLocation := map[string]int{}
		possibleBySpeedBin := map[string]int{}
		matchedBySpeedBin := map[string]int{}
		possibleByPhase := map[phase.Phase]int{}
		matchedByPhase := map[phase.Phase]int{}

		for _, s := range in.Samples {
			if len(s.Peaks) == 0 {
				continue
			}
			predictedHz, _, ok := h.predictedHz(s, settings, tireCircM)
			if !ok || predictedHz <= 0 {
				continue
			}
			possible++
			loc := strings.TrimSpace(s.Location)
			if loc != "" {
				possibleByLocation[loc]++
			}
			var speedBin string
			if s.SpeedKmh != nil && *s.SpeedKmh > 0 {
				speedBin = speedBinLabel(*s.SpeedKmh)
				possibleBySpeedBin[speedBin]++
			}
			possibleByPhase[s.Phase]++

			complianceScale := math.Sqrt(h.pathCompliance)
			tolerance := math.Max(tuning.GetOrderToleranceMinHz(), predictedHz*tuning.GetOrderToleranceRel()*complianceScale)
			bestHz, bestAmp, bestFloor := 0.0, 0.0, 0.0
			bestDelta := math.Inf(1)
			for _, pk := range s.Peaks {
				d := math.Abs(pk.Hz - predictedHz)
				if d < bestDelta {
					bestDelta = d
					bestHz, bestAmp, bestFloor = pk.Hz, pk.AmpG, pk.FloorAmpG
				}
			}
			if bestDelta > tolerance {
				continue
			}
			matched++
			if loc != "" {
				matchedByLocation[loc]++
			}
			if speedBin != "" {
				matchedBySpeedBin[speedBin]++
			}
			matchedByPhase[s.Phase]++
			relErr := bestDelta / math.Max(1e-9, predictedHz)
			relErrors = append(relErrors, relErr)
			matchedAmp = append(matchedAmp, bestAmp)
			matchedFloor = append(matchedFloor, math.Max(0, bestFloor))
			predictedVals = append(predictedVals, predictedHz)
			measuredVals = append(measuredVals, bestHz)
			var speedKmh *float64
			if s.SpeedKmh != nil {
				v := *s.SpeedKmh
				speedKmh = &v
			}
			matchedPoints = append(matchedPoints, MatchedPoint{
				TSS: s.TSS, SpeedKmh: speedKmh, PredictedHz: predictedHz, MatchedHz: bestHz,
				RelError: relErr, AmpG: bestAmp, Location: loc, Phase: s.Phase,
			})
		}

		if possible < tuning.GetOrderMinCoveragePoints() || matched < tuning.GetOrderMinMatchPoints() {
			continue
		}
		matchRate := float64(matched) / math.Max(1, float64(possible))
		effectiveMatchRate, focusedSpeedBand := computeEffectiveMatchRate(
			matchRate, minMatchRate, possibleBySpeedBin, matchedBySpeedBin,
			possibleByLocation, matchedByLocation, tuning,
		)
		if effectiveMatchRate < minMatchRate {
			continue
		}

		phasesWithEvidence := 0
		for ph, poss := range possibleByPhase {
			m := matchedByPhase[ph]
			if m >= tuning.GetOrderMinMatchPoints() && float64(m)/math.Max(1, float64(poss)) >= minMatchRate {
				phasesWithEvidence++
			}
		}

		meanAmp := mean(matchedAmp)
		meanFloor := mean(matchedFloor)
		meanRelErr := 1.0
		if len(relErrors) > 0 {
			meanRelErr = mean(relErrors)
		}
		var corrVal float64
		var corrPtr *float64
		if !constantSpeed {
			if c, ok := corrAbsClamped(predictedVals, measuredVals); ok {
				corrVal = c
				corrPtr = &c
			}
		}

		points := make([]localization.PointObservation, 0, len(matchedPoints))
		for _, mp := range matchedPoints {
			sp := 0.0
			if mp.SpeedKmh != nil {
				sp = *mp.SpeedKmh
			}
			points = append(points, localization.PointObservation{Location: mp.Location, SpeedKmh: sp, AmpG: mp.AmpG})
		}
		_, hotspot := localization.LocationHotspotSummary(points, in.ConnectedLocations, focusedSpeedBand)

		complianceErrDenom := 0.25 * h.pathCompliance
		errorScore := math.Max(0, 1.0-math.Min(1.0, meanRelErr/complianceErrDenom))
		snrScore := math.Min(1.0, math.Log1p(meanAmp/math.Max(memsNoiseFloorG, meanFloor))/tuning.GetSNRLogDivisor())
		if meanAmp <= 2*memsNoiseFloorG {
			snrScore = math.Min(snrScore, 0.40)
		}
		absoluteStrengthDB := vibrationStrengthDB(meanAmp, math.Max(memsNoiseFloorG, meanFloor))

		isDiffuse, diffusePenalty := detectDiffuseExcitation(in.ConnectedLocations, possibleByLocation, matchedByLocation, matchedPoints, tuning)

		corroboratingLocations := distinctLocationCount(matchedPoints)

		confidence := computeOrderConfidence(confidenceInput{
			effectiveMatchRate:    effectiveMatchRate,
			errorScore:            errorScore,
			corrVal:               corrVal,
			snrScore:              snrScore,
			absoluteStrengthDB:    absoluteStrengthDB,
			localizationConfidence: hotspot.LocalizationConfidence,
			weakSpatialSeparation: hotspot.WeakSpatialSeparation,
			dominanceRatio:        hotspot.DominanceRatio,
			constantSpeed:         constantSpeed,
			steadySpeed:           in.SteadySpeed,
			matched:               matched,
			corroboratingLocations: corroboratingLocations,
			phasesWithEvidence:    phasesWithEvidence,
			isDiffuseExcitation:   isDiffuse,
			diffusePenalty:        diffusePenalty,
			nConnectedLocations:   len(in.ConnectedLocations),
			noWheelSensors:        hotspot.NoWheelSensors,
			pathCompliance:        h.pathCompliance,
		}, tuning)

		rankingScore := effectiveMatchRate * math.Log1p(meanAmp/math.Max(memsNoiseFloorG, meanFloor)) *
			math.Max(0, 1.0-math.Min(1.0, meanRelErr/complianceErrDenom))

		speedPoints := make([]localization.PointObservation, 0, len(matchedPoints))
		phaseWeights := make([]float64, 0, len(matchedPoints))
		cruiseMatched := 0
		phasesSeen := map[string]struct{}{}
		for _, mp := range matchedPoints {
			if mp.SpeedKmh == nil {
				continue
			}
			speedPoints = append(speedPoints, localization.PointObservation{Location: mp.Location, SpeedKmh: *mp.SpeedKmh, AmpG: mp.AmpG})
			phaseWeights = append(phaseWeights, mp.Phase.Weight())
			if mp.Phase == phase.Cruise {
				cruiseMatched++
			}
			phasesSeen[string(mp.Phase)] = struct{}{}
		}
		peakSpeed, speedWindow, strongestSpeedBand := localization.SpeedProfileFromPoints(speedPoints, focusedSpeedBand, phaseWeights)
		if strongestSpeedBand == "" {
			strongestSpeedBand = hotspot.SpeedRange
		}
		if focusedSpeedBand != "" && strongestSpeedBand == "" {
			strongestSpeedBand = focusedSpeedBand
		}

		cruiseFraction := 0.0
		if len(matchedPoints) > 0 {
			cruiseFraction = float64(cruiseMatched) / float64(len(matchedPoints))
		}
		phasesDetected := make([]string, 0, len(phasesSeen))
		for p := range phasesSeen {
			phasesDetected = append(phasesDetected, p)
		}
		sort.Strings(phasesDetected)

		dominantPhase := dominantOnsetPhase(matchedPoints)

		actions := localization.ActionsForSource(h.suspectedSource, hotspot.Location, strongestSpeedBand, hotspot.WeakSpatialSeparation)
		quickChecks := make([]string, 0, 3)
		for _, a := range actions {
			if len(quickChecks) >= 3 {
				break
			}
			quickChecks = append(quickChecks, a.What.Key)
		}
		nextMove := i18n.New("NEXT_SENSOR_MOVE_DEFAULT")
		if len(actions) > 0 {
			nextMove = actions[0].What
		}

		finding := Finding{
			FindingID:           "F_ORDER",
			FindingKey:          h.key,
			SuspectedSource:     h.suspectedSource,
			EvidenceSummary:     i18n.New("EVIDENCE_ORDER_TRACKED", "order_label", orderLabel(h.order, h.orderLabelBase), "matched", matched, "possible", possible, "match_rate", effectiveMatchRate, "mean_rel_err", meanRelErr),
			FrequencyHzOrOrder:  orderLabel(h.order, h.orderLabelBase),
			VibrationStrengthDB: absoluteStrengthDB,
			Confidence:          confidence,
			QuickChecks:         quickChecks,
			MatchedPoints:       matchedPoints,
			Hotspot:             hotspot,
			StrongestLocation:   hotspot.Location,
			StrongestSpeedBand:  strongestSpeedBand,
			DominantPhase:       dominantPhase,
			PeakSpeedKmh:        peakSpeed,
			SpeedWindowKmh:      speedWindow,
			DominanceRatio:      hotspot.DominanceRatio,
			LocalizationConfidence: hotspot.LocalizationConfidence,
			WeakSpatialSeparation: hotspot.WeakSpatialSeparation,
			CorroboratingLocations: corroboratingLocations,
			DiffuseExcitation:   isDiffuse,
			CruiseFraction:      cruiseFraction,
			PhasesDetected:      phasesDetected,
			Metrics: EvidenceMetrics{
				MatchRate: effectiveMatchRate, GlobalMatchRate: matchRate, FocusedSpeedBand: focusedSpeedBand,
				MeanRelativeError: meanRelErr, MeanMatchedIntensityDB: absoluteStrengthDB,
				MeanNoiseFloorDB: vibrationStrengthDB(math.Max(memsNoiseFloorG, meanFloor), memsNoiseFloorG),
				VibrationStrengthDB: absoluteStrengthDB, PossibleSamples: possible, MatchedSamples: matched,
				FrequencyCorrelation: corrPtr, PhasesWithEvidence: phasesWithEvidence, DiffuseExcitation: isDiffuse,
			},
			NextSensorMove: nextMove,
			Actions:        actions,
			rankingScore:   rankingScore,
		}
		scoredFindings = append(scoredFindings, scoredFinding{rankingScore, finding})
	}

	return suppressEngineAliases(scoredFindings, tuning)
}

// RankingScore exposes the raw (pre-phase-adjustment) ranking score the
// summary assembler orders findings and top causes by.
func (f Finding) RankingScore() float64 { return f.rankingScore }

// MeanMatchedHz is the mean observed frequency across the finding's matched
// points, used to shadow nearby residual-peak bins.
func (f Finding) MeanMatchedHz() float64 {
	if len(f.MatchedPoints) == 0 {
		return 0
	}
	s := 0.0
	for _, mp := range f.MatchedPoints {
		s += mp.MatchedHz
	}
	return s / float64(len(f.MatchedPoints))
}

// scoredFinding pairs a finding with its ranking score while engine-alias
// suppression and the top-N cutoff are applied.
type scoredFinding struct {
	score   float64
	finding Finding
}

func distinctLocationCount(points []MatchedPoint) int {
	seen := map[string]struct{}{}
	for _, p := range points {
		if p.Location != "" {
			seen[p.Location] = struct{}{}
		}
	}
	return len(seen)
}

func dominantOnsetPhase(points []MatchedPoint) string {
	onsetRelevant := map[phase.Phase]struct{}{phase.Acceleration: {}, phase.Deceleration: {}, phase.CoastDown: {}}
	var onset []phase.Phase
	for _, p := range points {
		if _, ok := onsetRelevant[p.Phase]; ok {
			onset = append(onset, p.Phase)
		}
	}
	if len(onset) == 0 || len(onset) < max(2, len(points)/2) {
		return ""
	}
	counts := map[phase.Phase]int{}
	for _, p := range onset {
		counts[p]++
	}
	var topPhase phase.Phase
	topCount := 0
	for p, c := range counts {
		if c > topCount {
			topPhase, topCount = p, c
		}
	}
	if float64(topCount)/float64(len(points)) >= 0.50 {
		return string(topPhase)
	}
	return ""
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := 0.0
	for _, v := range vals {
		s += v
	}
	return s / float64(len(vals))
}

func speedBinLabel(speedKmh float64) string {
	if speedKmh <= 0 {
		return ""
	}
	lo := int(speedKmh/20) * 20
	return intStr(lo) + "-" + intStr(lo+20) + " km/h"
}

func speedBinSortKey(label string) float64 {
	parts := strings.SplitN(label, "-", 2)
	if len(parts) == 0 {
		return 0
	}
	v := 0.0
	for _, r := range parts[0] {
		if r < '0' || r > '9' {
			break
		}
		v = v*10 + float64(r-'0')
	}
	return v
}

func computeEffectiveMatchRate(
	matchRate, minMatchRate float64,
	possibleBySpeedBin, matchedBySpeedBin, possibleByLocation, matchedByLocation map[string]int,
	tuning *config.Tuning,
) (float64, string) {
	effective := matchRate
	focusedBand := ""
	if matchRate < minMatchRate && len(possibleBySpeedBin) > 0 {
		highest := ""
		highestKey := -1.0
		for band := range possibleBySpeedBin {
			k := speedBinSortKey(band)
			if k > highestKey {
				highestKey = k
				highest = band
			}
		}
		focusedPossible := possibleBySpeedBin[highest]
		focusedMatched := matchedBySpeedBin[highest]
		focusedRate := float64(focusedMatched) / math.Max(1, float64(focusedPossible))
		minFocusedPossible := tuning.GetOrderMinMatchPoints()
		if tuning.GetOrderMinCoveragePoints()/2 > minFocusedPossible {
			minFocusedPossible = tuning.GetOrderMinCoveragePoints() / 2
		}
		if focusedPossible >= minFocusedPossible && focusedMatched >= tuning.GetOrderMinMatchPoints() && focusedRate >= minMatchRate {
			focusedBand = highest
			effective = focusedRate
		}
	}
	if effective < minMatchRate && len(possibleByLocation) > 0 {
		best := 0.0
		for loc, poss := range possibleByLocation {
			m := matchedByLocation[loc]
			if poss >= tuning.GetOrderMinCoveragePoints() && m >= tuning.GetOrderMinMatchPoints() {
				rate := float64(m) / math.Max(1, float64(poss))
				if rate > best {
					best = rate
				}
			}
		}
		if best >= minMatchRate {
			effective = best
		}
	}
	return effective, focusedBand
}

const (
	diffuseAmplitudeDominanceRatio = 2.0
	diffuseMinMeanRate             = 0.15
	diffusePenaltyBase             = 0.85
	diffusePenaltyPerSensor        = 0.04
	diffusePenaltyFloor            = 0.65
)

// TODO: the 0.15 match-rate-range threshold was tuned on simulated fleets;
// revisit with a per-sensor-count schedule once real road captures exist.
func detectDiffuseExcitation(
	connectedLocations map[string]struct{},
	possibleByLocation, matchedByLocation map[string]int,
	matchedPoints []MatchedPoint,
	tuning *config.Tuning,
) (bool, float64) {
	if len(connectedLocations) < 2 || len(possibleByLocation) == 0 {
		return false, 1.0
	}
	var rates []float64
	meanAmpByLoc := map[string]float64{}
	for loc := range connectedLocations {
		poss := possibleByLocation[loc]
		m := matchedByLocation[loc]
		if poss >= max(3, 1) {
			rates = append(rates, float64(m)/math.Max(1, float64(poss)))
			var amps []float64
			for _, pt := range matchedPoints {
				if pt.Location == loc && pt.AmpG > 0 {
					amps = append(amps, pt.AmpG)
				}
			}
			if len(amps) > 0 {
				meanAmpByLoc[loc] = mean(amps)
			}
		}
	}
	if len(rates) < 2 {
		return false, 1.0
	}
	rateRange := maxFloat(rates) - minFloat(rates)
	meanRate := mean(rates)
	ampUniform := true
	if len(meanAmpByLoc) >= 2 {
		maxAmp, minAmp := 0.0, math.Inf(1)
		for _, a := range meanAmpByLoc {
			if a > maxAmp {
				maxAmp = a
			}
			if a < minAmp {
				minAmp = a
			}
		}
		if minAmp > 0 && maxAmp/minAmp > diffuseAmplitudeDominanceRatio {
			ampUniform = false
		}
	}
	if rateRange < tuning.GetDiffuseMatchRateRangeThreshold() && meanRate > diffuseMinMeanRate && ampUniform {
		penalty := math.Max(diffusePenaltyFloor, diffusePenaltyBase-diffusePenaltyPerSensor*float64(len(rates)))
		return true, penalty
	}
	return false, 1.0
}

func maxFloat(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minFloat(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

type confidenceInput struct {
	effectiveMatchRate    float64
	errorScore            float64
	corrVal               float64
	snrScore              float64
	absoluteStrengthDB    float64
	localizationConfidence float64
	weakSpatialSeparation bool
	dominanceRatio        *float64
	constantSpeed         bool
	steadySpeed           bool
	matched               int
	corroboratingLocations int
	phasesWithEvidence    int
	isDiffuseExcitation   bool
	diffusePenalty        float64
	nConnectedLocations   int
	noWheelSensors        bool
	pathCompliance        float64
}

// computeOrderConfidence ports findings/order_findings.py's
// _compute_order_confidence, weighting match rate, frequency-tracking
// error, correlation, and SNR, then applying a cascade of evidence-quality
// multipliers before clamping to [floor, ceiling].
func computeOrderConfidence(in confidenceInput, tuning *config.Tuning) float64 {
	corrShift := math.Min(0.05, 0.10*(in.pathCompliance-1.0))
	matchWeight := 0.35 + corrShift
	corrWeight := 0.10 - corrShift
	confidence := 0.10 + matchWeight*in.effectiveMatchRate + 0.20*in.errorScore + corrWeight*in.corrVal + 0.20*in.snrScore

	switch {
	case in.absoluteStrengthDB < strength.NegligibleMaxDB:
		confidence = math.Min(confidence, 0.40)
	case in.absoluteStrengthDB < strength.LightMaxDB:
		confidence *= 0.80
	}
	confidence *= 0.70 + 0.30*math.Max(0, math.Min(1.0, in.localizationConfidence))

	if in.weakSpatialSeparation {
		if in.noWheelSensors && in.dominanceRatio != nil && *in.dominanceRatio >= 1.5 {
			confidence *= 0.90
		} else if in.dominanceRatio != nil && *in.dominanceRatio < 1.05 {
			confidence *= 0.70
		} else {
			confidence *= 0.80
		}
	}
	if in.noWheelSensors && !in.weakSpatialSeparation {
		confidence *= 0.75
	}
	if in.constantSpeed {
		confidence *= 0.75
	} else if in.steadySpeed {
		confidence *= 0.82
	}
	sampleFactor := math.Min(1.0, float64(in.matched)/20.0)
	confidence *= 0.70 + 0.30*sampleFactor
	if in.corroboratingLocations >= 3 {
		confidence *= 1.08
	} else if in.corroboratingLocations >= 2 {
		confidence *= 1.04
	}
	if in.phasesWithEvidence >= 3 {
		confidence *= 1.06
	} else if in.phasesWithEvidence >= 2 {
		confidence *= 1.03
	}
	if in.isDiffuseExcitation {
		confidence *= in.diffusePenalty
	}
	if in.nConnectedLocations <= 1 && in.localizationConfidence >= 0.30 {
		confidence *= 0.85
	} else if in.nConnectedLocations == 2 && in.localizationConfidence >= 0.30 {
		confidence *= 0.92
	}
	return math.Max(tuning.GetConfidenceFloor(), math.Min(tuning.GetConfidenceCeiling(), confidence))
}

func suppressEngineAliases(findings []scoredFinding, tuning *config.Tuning) []Finding {
	bestWheelConf := 0.0
	for _, sf := range findings {
		if sf.finding.SuspectedSource == "wheel/tire" && sf.finding.Confidence > bestWheelConf {
			bestWheelConf = sf.finding.Confidence
		}
	}
	if bestWheelConf > 0 {
		ratio := tuning.GetHarmonicAliasRatio()
		suppression := tuning.GetEngineAliasSuppression()
		for i, sf := range findings {
			if sf.finding.SuspectedSource != "engine" {
				continue
			}
			if sf.finding.Confidence <= bestWheelConf*ratio {
				findings[i].finding.Confidence *= suppression
				findings[i].score *= suppression
			}
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].score > findings[j].score })
	minConf := tuning.GetOrderMinConfidence()
	out := make([]Finding, 0, 5)
	for _, sf := range findings {
		if sf.finding.Confidence >= minConf {
			out = append(out, sf.finding)
		}
		if len(out) == 5 {
			break
		}
	}
	return out
}

// vibrationStrengthDB is the canonical dB scoring used throughout the
// analysis pipeline (spec glossary "Strength (dB)"):
// 20*log10(peakBandRMSAmpG / floorAmpG), floored at SilenceDB.
func vibrationStrengthDB(peakBandRMSAmpG, floorAmpG float64) float64 {
	if floorAmpG <= 0 || peakBandRMSAmpG <= 0 {
		return -120.0
	}
	db := 20.0 * math.Log10(peakBandRMSAmpG/floorAmpG)
	if db < -120.0 {
		return -120.0
	}
	return db
}
