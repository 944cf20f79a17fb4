// Package summary assembles the canonical post-run analysis document
// (spec §4.10): reference completeness checks, order and residual-peak
// findings, top causes, the most-likely-origin block, per-location
// intensity, the run-suitability checklist, and the plot payload.
package summary

import (
	"errors"
	"math"
	"sort"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/i18n"
	"github.com/banshee-data/vibesensor/internal/localization"
	"github.com/banshee-data/vibesensor/internal/orders"
	"github.com/banshee-data/vibesensor/internal/peaks"
	"github.com/banshee-data/vibesensor/internal/phase"
	"github.com/banshee-data/vibesensor/internal/recorder"
	"github.com/banshee-data/vibesensor/internal/strength"
	"github.com/banshee-data/vibesensor/internal/summary/plotdata"
)

// ErrNoSamples is returned for a zero-sample run; the worker stores its
// message as the run's error.
var ErrNoSamples = errors.New("No samples collected during run")

// Thresholds the assembler applies while judging run suitability and
// reference completeness.
const (
	minSpeedCoverage   = 0.5
	steadySpeedStddev  = 5.0
	minRunDurationS    = 10.0
	topCauseDropOffPts = 0.15
	maxTopCauses       = 3
	spatialDisagreeMin = 0.70
)

// Input bundles everything the assembler needs for one run.
type Input struct {
	RunID        string
	Meta         recorder.RunMetadata
	StartTimeUTC string
	EndTimeUTC   string
	Samples      []recorder.SampleRecord
	Corrupt      int
	Settings     *config.AnalysisSettings
	Tuning       *config.Tuning
	Language     string
}

// Assemble builds the RunSummary for a completed run. It never panics on
// malformed sample data; the only error it returns is ErrNoSamples.
func Assemble(in Input) (*RunSummary, error) {
	if len(in.Samples) == 0 {
		return nil, ErrNoSamples
	}
	tuning := in.Tuning
	settings := effectiveSettings(in)

	samples := append([]recorder.SampleRecord(nil), in.Samples...)
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].TS < samples[j].TS })

	sanitized := 0
	finite := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			sanitized++
			return 0
		}
		return v
	}
	for i := range samples {
		samples[i].TS = finite(samples[i].TS)
		samples[i].VibrationStrengthDB = finite(samples[i].VibrationStrengthDB)
		samples[i].StrengthFloorAmpG = finite(samples[i].StrengthFloorAmpG)
		samples[i].DominantHz = finite(samples[i].DominantHz)
		if samples[i].SpeedKmh != nil && (math.IsNaN(*samples[i].SpeedKmh) || math.IsInf(*samples[i].SpeedKmh, 0)) {
			samples[i].SpeedKmh = nil
			sanitized++
		}
	}

	tsS := make([]float64, len(samples))
	speeds := make([]*float64, len(samples))
	for i, s := range samples {
		tsS[i] = s.TS
		speeds[i] = s.SpeedKmh
	}
	perPhase, segments := phase.Classify(phase.Config{}, tsS, speeds)

	speedOverall, speedByPhase := speedStats(samples, perPhase, segments)

	lang := in.Language
	if lang == "" {
		lang = settings.GetLanguage()
	}

	doc := &RunSummary{
		RunID:        in.RunID,
		Language:     lang,
		StartTimeUTC: in.StartTimeUTC,
		EndTimeUTC:   in.EndTimeUTC,
		DurationS:    tsS[len(tsS)-1] - tsS[0],
		SampleCount:  len(samples),
		SpeedOverall: speedOverall,
		SpeedByPhase: speedByPhase,
	}

	// Reference completeness.
	tireKnown := settings.TireCircumferenceM() > 0 && in.Meta.TireWidthMM > 0
	speedSufficient := speedOverall.Coverage >= minSpeedCoverage
	engineMeasured := false
	for _, s := range samples {
		if s.EngineRPM != nil && *s.EngineRPM > 0 {
			engineMeasured = true
			break
		}
	}
	engineRefSufficient := engineMeasured ||
		(speedSufficient && tireKnown && settings.GetFinalDriveRatio() > 0 && settings.GetCurrentGearRatio() > 0)
	sampleRateKnown := in.Meta.RawSampleRateHz > 0
	if !sampleRateKnown {
		for _, s := range samples {
			if s.SampleRateHz > 0 {
				sampleRateKnown = true
				break
			}
		}
	}

	var findings []Finding
	findings = append(findings, referenceFindings(speedSufficient, tireKnown, engineRefSufficient, sampleRateKnown, speedOverall)...)

	// Order findings: non-idle samples only, falling back to all when the
	// diagnostic mask leaves too few (spec §4.6).
	connected := map[string]struct{}{}
	for _, s := range samples {
		if loc := sampleLocation(s); loc != "" {
			connected[loc] = struct{}{}
		}
	}
	orderSamples := buildOrderSamples(samples, perPhase, false)
	if len(orderSamples) < 5 {
		orderSamples = buildOrderSamples(samples, perPhase, true)
	}
	var speedStddevPtr *float64
	if speedOverall.SampleCount >= 2 {
		v := speedOverall.StddevKmh
		speedStddevPtr = &v
	}
	orderFindings := orders.BuildFindings(orders.BuildInput{
		Settings:            settings,
		Tuning:              tuning,
		Samples:             orderSamples,
		SpeedSufficient:     speedSufficient && tireKnown,
		SteadySpeed:         speedStddevPtr != nil && *speedStddevPtr < steadySpeedStddev,
		SpeedStddevKmh:      speedStddevPtr,
		EngineRefSufficient: engineRefSufficient,
		ConnectedLocations:  connected,
	})

	// Residual peaks: null-speed samples still contribute (spec §3).
	var shadowHz []float64
	for _, of := range orderFindings {
		if of.Confidence >= tuning.GetOrderSuppressPersistentMinConf() {
			if hz := of.MeanMatchedHz(); hz > 0 {
				shadowHz = append(shadowHz, hz)
			}
		}
	}
	peakObs := make([]peaks.Observation, 0, len(samples))
	var floorVals []float64
	for i, s := range samples {
		obs := peaks.Observation{
			SpeedKmh:  s.SpeedKmh,
			FloorAmpG: s.StrengthFloorAmpG,
			Location:  sampleLocation(s),
			Phase:     perPhase[i],
		}
		for _, pk := range s.TopPeaks {
			obs.Peaks = append(obs.Peaks, peaks.PeakHz{Hz: pk.Hz, AmpG: pk.AmpG})
		}
		peakObs = append(peakObs, obs)
		if s.StrengthFloorAmpG > 0 {
			floorVals = append(floorVals, s.StrengthFloorAmpG)
		}
	}
	runNoiseBaseline := medianOf(floorVals)
	peakFindings := peaks.BuildFindings(peakObs, shadowHz, peaks.DefaultFreqBinHz, runNoiseBaseline, tuning)

	for _, of := range orderFindings {
		findings = append(findings, fromOrderFinding(of))
	}
	for _, pf := range peakFindings {
		findings = append(findings, fromPeakFinding(pf))
	}

	// Per-location intensity and data quality.
	doc.SensorIntensity, doc.DataQuality = intensityRows(samples, perPhase, segments)
	doc.DataQuality.CorruptRecords = in.Corrupt

	doc.OverallStrengthKey = overallStrengthKey(samples)

	assignFindingIDs(findings, tuning)
	applyConfidenceLabels(findings, doc.OverallStrengthKey)
	doc.Findings = findings

	doc.TopCauses = topCauses(findings)
	doc.MostLikelyOrigin = mostLikelyOrigin(findings)
	doc.TestPlan = mergeTestPlan(findings)
	doc.PhaseTimeline = phaseTimeline(segments, speeds)
	doc.RunSuitability = suitabilityChecks(doc, speedSufficient, findings)
	doc.DataQuality.NonFiniteSanitized = sanitized

	doc.PlotData = buildPlotBundle(samples, perPhase, segments, findings)
	return doc, nil
}

func effectiveSettings(in Input) *config.AnalysisSettings {
	// The run metadata snapshot wins over live settings so a re-analysis
	// reproduces the original hypotheses.
	s := &config.AnalysisSettings{}
	if in.Meta.TireWidthMM > 0 {
		v := in.Meta.TireWidthMM
		s.TireWidthMM = &v
	}
	if in.Meta.TireAspectPct > 0 {
		v := in.Meta.TireAspectPct
		s.TireAspectPct = &v
	}
	if in.Meta.RimIn > 0 {
		v := in.Meta.RimIn
		s.RimIn = &v
	}
	if in.Meta.FinalDriveRatio > 0 {
		v := in.Meta.FinalDriveRatio
		s.FinalDriveRatio = &v
	}
	if in.Meta.CurrentGearRatio > 0 {
		v := in.Meta.CurrentGearRatio
		s.CurrentGearRatio = &v
	}
	if in.Meta.Language != "" {
		v := in.Meta.Language
		s.Language = &v
	}
	if s.TireWidthMM == nil && in.Settings != nil {
		return in.Settings
	}
	return s
}

func sampleLocation(s recorder.SampleRecord) string {
	if s.ClientName != "" {
		return s.ClientName
	}
	return s.Location
}

func buildOrderSamples(samples []recorder.SampleRecord, perPhase []phase.Phase, includeIdle bool) []orders.Sample {
	out := make([]orders.Sample, 0, len(samples))
	for i, s := range samples {
		if !includeIdle && perPhase[i] == phase.Idle {
			continue
		}
		os := orders.Sample{
			TSS:             s.TS,
			SpeedKmh:        s.SpeedKmh,
			Location:        sampleLocation(s),
			Phase:           perPhase[i],
			FinalDriveRatio: s.FinalDriveRatio,
			EngineRPM:       s.EngineRPM,
		}
		for _, pk := range s.TopPeaks {
			os.Peaks = append(os.Peaks, orders.Peak{Hz: pk.Hz, AmpG: pk.AmpG, FloorAmpG: s.StrengthFloorAmpG})
		}
		out = append(out, os)
	}
	return out
}

func speedStats(samples []recorder.SampleRecord, perPhase []phase.Phase, segments []phase.Segment) (SpeedStats, []PhaseSpeedStats) {
	overall := statsFor(samples, nil, perPhase, "")
	byPhaseSeen := map[string]bool{}
	var byPhase []PhaseSpeedStats
	for _, ph := range []phase.Phase{phase.Idle, phase.Acceleration, phase.Cruise, phase.Deceleration, phase.CoastDown} {
		name := string(ph)
		if byPhaseSeen[name] {
			continue
		}
		byPhaseSeen[name] = true
		st := statsFor(samples, &ph, perPhase, name)
		if st.SampleCount == 0 {
			continue
		}
		dur := 0.0
		for _, seg := range segments {
			if seg.Phase == ph {
				dur += seg.EndTS - seg.StartTS
			}
		}
		byPhase = append(byPhase, PhaseSpeedStats{Phase: name, SpeedStats: st, DurationS: dur})
	}
	return overall, byPhase
}

func statsFor(samples []recorder.SampleRecord, only *phase.Phase, perPhase []phase.Phase, _ string) SpeedStats {
	var vals []float64
	total := 0
	for i, s := range samples {
		if only != nil && perPhase[i] != *only {
			continue
		}
		total++
		if s.SpeedKmh != nil {
			vals = append(vals, *s.SpeedKmh)
		}
	}
	st := SpeedStats{SampleCount: total}
	if total > 0 {
		st.Coverage = float64(len(vals)) / float64(total)
	}
	if len(vals) == 0 {
		return st
	}
	minV, maxV, sum := vals[0], vals[0], 0.0
	for _, v := range vals {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	st.MinKmh, st.MaxKmh, st.MeanKmh = minV, maxV, mean
	if len(vals) > 1 {
		st.StddevKmh = math.Sqrt(sq / float64(len(vals)))
	}
	return st
}

func medianOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func referenceFindings(speedSufficient, tireKnown, engineRefSufficient, sampleRateKnown bool, speed SpeedStats) []Finding {
	var out []Finding
	if !speedSufficient {
		out = append(out, Finding{
			FindingID:       "REF_SPEED",
			FindingKey:      "ref_speed_coverage",
			Severity:        "reference",
			SuspectedSource: "reference",
			EvidenceSummary: i18n.New("REF_SPEED_COVERAGE_LOW", "coverage", speed.Coverage),
			Confidence:      1.0,
		})
	}
	if !tireKnown {
		out = append(out, Finding{
			FindingID:       "REF_WHEEL",
			FindingKey:      "ref_tire_spec_missing",
			Severity:        "reference",
			SuspectedSource: "reference",
			EvidenceSummary: i18n.New("REF_TIRE_SPEC_MISSING"),
			Confidence:      1.0,
		})
	}
	if !engineRefSufficient {
		out = append(out, Finding{
			FindingID:       "REF_ENGINE",
			FindingKey:      "ref_engine_reference_missing",
			Severity:        "reference",
			SuspectedSource: "reference",
			EvidenceSummary: i18n.New("REF_ENGINE_REFERENCE_MISSING"),
			Confidence:      1.0,
		})
	}
	if !sampleRateKnown {
		out = append(out, Finding{
			FindingID:       "REF_SAMPLE_RATE",
			FindingKey:      "ref_sample_rate_missing",
			Severity:        "reference",
			SuspectedSource: "reference",
			EvidenceSummary: i18n.New("REF_SAMPLE_RATE_MISSING"),
			Confidence:      1.0,
		})
	}
	return out
}

func fromOrderFinding(of orders.Finding) Finding {
	conf := of.Confidence
	vib := of.VibrationStrengthDB
	peakSpeed := of.PeakSpeedKmh
	window := of.SpeedWindowKmh
	locConf := of.LocalizationConfidence
	metrics := map[string]any{
		"match_rate":                of.Metrics.MatchRate,
		"global_match_rate":         of.Metrics.GlobalMatchRate,
		"mean_relative_error":       of.Metrics.MeanRelativeError,
		"mean_matched_intensity_db": of.Metrics.MeanMatchedIntensityDB,
		"possible_samples":          of.Metrics.PossibleSamples,
		"matched_samples":           of.Metrics.MatchedSamples,
		"phases_with_evidence":      of.Metrics.PhasesWithEvidence,
		"diffuse_excitation":        of.Metrics.DiffuseExcitation,
	}
	if of.Metrics.FocusedSpeedBand != "" {
		metrics["focused_speed_band"] = of.Metrics.FocusedSpeedBand
	}
	if of.Metrics.FrequencyCorrelation != nil {
		metrics["frequency_correlation"] = *of.Metrics.FrequencyCorrelation
	}
	return Finding{
		FindingKey:             of.FindingKey,
		Severity:               "diagnostic",
		SuspectedSource:        of.SuspectedSource,
		EvidenceSummary:        of.EvidenceSummary,
		FrequencyHzOrOrder:     of.FrequencyHzOrOrder,
		VibrationStrengthDB:    &vib,
		Confidence:             conf,
		QuickChecks:            of.QuickChecks,
		StrongestLocation:      of.StrongestLocation,
		StrongestSpeedBand:     of.StrongestSpeedBand,
		DominantPhase:          of.DominantPhase,
		PeakSpeedKmh:           &peakSpeed,
		SpeedWindowKmh:         &window,
		DominanceRatio:         of.DominanceRatio,
		LocalizationConfidence: &locConf,
		WeakSpatialSeparation:  of.WeakSpatialSeparation,
		CorroboratingLocations: of.CorroboratingLocations,
		DiffuseExcitation:      of.DiffuseExcitation,
		CruiseFraction:         of.CruiseFraction,
		PhasesDetected:         of.PhasesDetected,
		EvidenceMetrics:        metrics,
		Actions:                of.Actions,
		MatchedPoints:          of.MatchedPoints,
		rankingScore:           of.RankingScore(),
		meanHz:                 of.MeanMatchedHz(),
	}
}

func fromPeakFinding(pf peaks.Finding) Finding {
	vib := pf.VibrationStrengthDB
	peakSpeed := pf.PeakSpeedKmh
	window := pf.SpeedWindowKmh
	metrics := map[string]any{
		"presence_ratio":        pf.PresenceRatio,
		"burstiness":            pf.Burstiness,
		"spatial_concentration": pf.SpatialConcentration,
		"sample_count":          pf.SampleCount,
		"total_samples":         pf.TotalSamples,
		"classification":        string(pf.Classification),
	}
	if pf.SpatialUniformity != nil {
		metrics["spatial_uniformity"] = *pf.SpatialUniformity
	}
	if pf.SpeedUniformity != nil {
		metrics["speed_uniformity"] = *pf.SpeedUniformity
	}
	return Finding{
		FindingKey:          pf.FindingKey,
		Severity:            pf.Severity,
		SuspectedSource:     pf.SuspectedSource,
		EvidenceSummary:     pf.EvidenceSummary,
		FrequencyHzOrOrder:  formatHz(pf.FrequencyHz),
		VibrationStrengthDB: &vib,
		Confidence:          pf.Confidence,
		StrongestSpeedBand:  pf.StrongestSpeedBand,
		PeakSpeedKmh:        &peakSpeed,
		SpeedWindowKmh:      &window,
		CruiseFraction:      pf.CruiseFraction,
		PhasesDetected:      pf.PhasesDetected,
		EvidenceMetrics:     metrics,
		rankingScore:        pf.RankingScore(),
		meanHz:              pf.FrequencyHz,
	}
}

func formatHz(hz float64) string {
	whole := int(math.Round(hz))
	return itoa(whole) + " Hz"
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// assignFindingIDs orders findings (references first, then diagnostics by
// confidence descending) and assigns F001.. IDs last (spec §3 invariant).
// Diagnostic confidences are clamped to the tuning floor/ceiling here so no
// conversion path can leak an out-of-range value.
func assignFindingIDs(findings []Finding, tuning *config.Tuning) {
	floor, ceiling := tuning.GetConfidenceFloor(), tuning.GetConfidenceCeiling()
	for i := range findings {
		if findings[i].IsReference() {
			continue
		}
		if findings[i].Confidence < floor {
			findings[i].Confidence = floor
		}
		if findings[i].Confidence > ceiling {
			findings[i].Confidence = ceiling
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		ri, rj := findings[i].IsReference(), findings[j].IsReference()
		if ri != rj {
			return ri
		}
		if ri {
			return false
		}
		return findings[i].Confidence > findings[j].Confidence
	})
	seq := 0
	for i := range findings {
		if findings[i].IsReference() {
			continue
		}
		seq++
		findings[i].FindingID = "F" + zeroPad(seq, 3)
	}
}

func zeroPad(v, width int) string {
	s := itoa(v)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// applyConfidenceLabels maps confidence to high/medium/low, capping high to
// medium when the run's overall strength band is negligible.
func applyConfidenceLabels(findings []Finding, overallKey string) {
	negligible := overallKey == ""
	for i := range findings {
		if findings[i].IsReference() {
			continue
		}
		label := ConfidenceLow
		switch {
		case findings[i].Confidence >= 0.70:
			label = ConfidenceHigh
		case findings[i].Confidence >= 0.40:
			label = ConfidenceMedium
		}
		if negligible && label == ConfidenceHigh {
			label = ConfidenceMedium
		}
		findings[i].ConfidenceLabel = label
	}
}

// overallStrengthKey is the run's modal non-empty strength bucket, "" when
// the run never cleared l1.
func overallStrengthKey(samples []recorder.SampleRecord) string {
	counts := map[string]int{}
	for _, s := range samples {
		if s.StrengthBucket != nil && *s.StrengthBucket != "" {
			counts[*s.StrengthBucket]++
		}
	}
	best, bestCount := "", 0
	for key, c := range counts {
		if c > bestCount || (c == bestCount && strength.Rank(key) > strength.Rank(best)) {
			best, bestCount = key, c
		}
	}
	return best
}

// topCauses groups diagnostic findings by suspected source, takes the best
// phase-adjusted score per group, and keeps groups within 15 percentage
// points of the leader, max 3 (spec §4.10).
func topCauses(findings []Finding) []TopCause {
	bestByGroup := map[string]Finding{}
	for _, f := range findings {
		if f.IsReference() || f.Severity == "info" || f.SuspectedSource == "baseline_noise" {
			continue
		}
		cur, ok := bestByGroup[f.SuspectedSource]
		if !ok || f.phaseAdjustedScore() > cur.phaseAdjustedScore() {
			bestByGroup[f.SuspectedSource] = f
		}
	}
	groups := make([]Finding, 0, len(bestByGroup))
	for _, f := range bestByGroup {
		groups = append(groups, f)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].phaseAdjustedScore() > groups[j].phaseAdjustedScore() })
	var out []TopCause
	for _, f := range groups {
		if len(out) >= maxTopCauses {
			break
		}
		if len(out) > 0 && out[0].PhaseAdjustedScore-f.phaseAdjustedScore() > topCauseDropOffPts {
			break
		}
		out = append(out, TopCause{
			SuspectedSource:    f.SuspectedSource,
			FindingID:          f.FindingID,
			Confidence:         f.Confidence,
			ConfidenceLabel:    f.ConfidenceLabel,
			PhaseAdjustedScore: f.phaseAdjustedScore(),
			Summary:            f.EvidenceSummary,
		})
	}
	return out
}

// mostLikelyOrigin derives the origin block from the top diagnostic
// finding, flagging spatial disagreement when the runner-up points at a
// different location with at least 70% of the top's confidence.
func mostLikelyOrigin(findings []Finding) *MostLikelyOrigin {
	var diag []Finding
	for _, f := range findings {
		if !f.IsReference() && f.Severity == "diagnostic" {
			diag = append(diag, f)
		}
	}
	if len(diag) == 0 {
		return nil
	}
	top := diag[0]
	origin := &MostLikelyOrigin{
		Location:              top.StrongestLocation,
		Source:                top.SuspectedSource,
		DominanceRatio:        top.DominanceRatio,
		WeakSpatialSeparation: top.WeakSpatialSeparation,
		Explanation:           i18n.New("ORIGIN_FROM_TOP_FINDING", "finding_id", top.FindingID, "source", top.SuspectedSource),
	}
	if len(diag) > 1 {
		f := diag[1]
		if f.StrongestLocation != "" && f.StrongestLocation != top.StrongestLocation &&
			f.Confidence >= top.Confidence*spatialDisagreeMin {
			origin.SpatialDisagreement = true
			origin.AlternativeLocations = append(origin.AlternativeLocations, f.StrongestLocation)
		}
	}
	if origin.SpatialDisagreement {
		origin.Explanation = i18n.New("ORIGIN_SPATIAL_DISAGREEMENT",
			"primary", origin.Location, "alternatives", origin.AlternativeLocations)
	}
	return origin
}

// mergeTestPlan deduplicates per-finding actions by action ID, ordered by
// the owning finding's confidence.
func mergeTestPlan(findings []Finding) []localization.Action {
	seen := map[string]struct{}{}
	var plan []localization.Action
	for _, f := range findings {
		for _, a := range f.Actions {
			if _, ok := seen[a.ActionID]; ok {
				continue
			}
			seen[a.ActionID] = struct{}{}
			plan = append(plan, a)
		}
	}
	return plan
}

func phaseTimeline(segments []phase.Segment, speeds []*float64) []PhaseTimelineEntry {
	out := make([]PhaseTimelineEntry, 0, len(segments))
	for _, seg := range segments {
		minKmh, maxKmh := segmentSpeedEnvelope(seg, speeds)
		out = append(out, PhaseTimelineEntry{
			Phase:       string(seg.Phase),
			StartTS:     seg.StartTS,
			EndTS:       seg.EndTS,
			SpeedMinKmh: minKmh,
			SpeedMaxKmh: maxKmh,
		})
	}
	return out
}

func buildPlotBundle(samples []recorder.SampleRecord, perPhase []phase.Phase, segments []phase.Segment, findings []Finding) *plotdata.Bundle {
	plotSamples := make([]plotdata.Sample, 0, len(samples))
	for i, s := range samples {
		ps := plotdata.Sample{
			TS:         s.TS,
			SpeedKmh:   s.SpeedKmh,
			Phase:      string(perPhase[i]),
			StrengthDB: s.VibrationStrengthDB,
			DominantHz: s.DominantHz,
		}
		for _, pk := range s.TopPeaks {
			ps.Peaks = append(ps.Peaks, plotdata.Peak{Hz: pk.Hz, AmpG: pk.AmpG})
		}
		plotSamples = append(plotSamples, ps)
	}
	plotSegments := make([]plotdata.PhaseSegment, 0, len(segments))
	for _, seg := range segments {
		plotSegments = append(plotSegments, plotdata.PhaseSegment{
			Phase:   string(seg.Phase),
			StartTS: seg.StartTS,
			EndTS:   seg.EndTS,
		})
	}
	overlays := map[string][]plotdata.MatchedPoint{}
	for _, f := range findings {
		if len(f.MatchedPoints) == 0 {
			continue
		}
		var points []plotdata.MatchedPoint
		for _, mp := range f.MatchedPoints {
			points = append(points, plotdata.MatchedPoint{
				TS:          mp.TSS,
				SpeedKmh:    mp.SpeedKmh,
				PredictedHz: mp.PredictedHz,
				MatchedHz:   mp.MatchedHz,
				AmpG:        mp.AmpG,
			})
		}
		overlays[f.FindingID] = points
	}
	return plotdata.Build(plotSamples, plotSegments, overlays)
}
