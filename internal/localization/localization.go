// Package localization turns a set of matched evidence points (one per
// sample, each carrying a sensor location and amplitude) into a spatial
// hotspot summary, a diagnostic speed profile, and the test-plan action
// catalog a finding points the operator at (spec §4.9).
//
// test_plan.py (location/speed-bin summarization) was not present in the
// retrieval pack — only its call sites in order_findings.py/summary.py are
// visible. The Hotspot computation below is reconstructed from those call
// sites (the field names they read: location, speed_range, dominance_ratio,
// weak_spatial_separation, localization_confidence, no_wheel_sensors) and
// documented as an inferred reconstruction in DESIGN.md. speed_profile.py
// was read in full and ported faithfully in SpeedProfileFromPoints;
// findings/intensity.py grounds the per-location intensity rows, which
// live in the summary package.
package localization

import (
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/vibesensor/internal/i18n"
)

// PointObservation is one matched sample's spatial/amplitude evidence.
type PointObservation struct {
	Location string
	SpeedKmh float64
	AmpG     float64
}

// Hotspot summarizes where an order/peak finding's evidence is
// concentrated.
type Hotspot struct {
	Location               string
	SpeedRange             string
	DominanceRatio         *float64
	WeakSpatialSeparation  bool
	LocalizationConfidence float64
	NoWheelSensors         bool
	LocationCount          int
}

var wheelLocationTokens = []string{"wheel", "tire", "corner", "hub", "knuckle"}

func isWheelLocation(loc string) bool {
	token := strings.ToLower(loc)
	for _, t := range wheelLocationTokens {
		if strings.Contains(token, t) {
			return true
		}
	}
	return false
}

// speedBinLabel buckets a speed into a coarse 20 km/h band label, the same
// granularity order_findings.py groups possible/matched points by.
func speedBinLabel(speedKmh float64) string {
	if speedKmh <= 0 {
		return ""
	}
	lo := int(speedKmh/20) * 20
	return formatRange(lo, lo+20)
}

func formatRange(lo, hi int) string {
	return intToStr(lo) + "-" + intToStr(hi) + " km/h"
}

func intToStr(v int) string {
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

// LocationHotspotSummary computes the spatial hotspot for a set of matched
// points, optionally restricted to a focused speed-band subset, matching
// order_findings.py's call to _location_speedbin_summary.
func LocationHotspotSummary(points []PointObservation, connectedLocations map[string]struct{}, relevantSpeedBin string) (summaryLine string, hotspot Hotspot) {
	filtered := points
	if relevantSpeedBin != "" {
		filtered = filtered[:0:0]
		for _, p := range points {
			if speedBinLabel(p.SpeedKmh) == relevantSpeedBin {
				filtered = append(filtered, p)
			}
		}
		if len(filtered) == 0 {
			filtered = points
		}
	}

	meanAmpByLoc := map[string]float64{}
	countByLoc := map[string]int{}
	sumByLoc := map[string]float64{}
	speedsByLoc := map[string][]float64{}
	for _, p := range filtered {
		loc := strings.TrimSpace(p.Location)
		if loc == "" || p.AmpG <= 0 {
			continue
		}
		sumByLoc[loc] += p.AmpG
		countByLoc[loc]++
		speedsByLoc[loc] = append(speedsByLoc[loc], p.SpeedKmh)
	}
	for loc, sum := range sumByLoc {
		meanAmpByLoc[loc] = sum / float64(countByLoc[loc])
	}

	locs := make([]string, 0, len(meanAmpByLoc))
	for loc := range meanAmpByLoc {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return meanAmpByLoc[locs[i]] > meanAmpByLoc[locs[j]] })

	noWheelSensors := len(connectedLocations) > 0
	for loc := range connectedLocations {
		if isWheelLocation(loc) {
			noWheelSensors = false
			break
		}
	}

	hotspot.LocationCount = len(locs)
	hotspot.NoWheelSensors = noWheelSensors
	if len(locs) == 0 {
		hotspot.WeakSpatialSeparation = true
		hotspot.LocalizationConfidence = 0.05
		return "", hotspot
	}

	top := locs[0]
	hotspot.Location = top
	speeds := speedsByLoc[top]
	sort.Float64s(speeds)
	if len(speeds) > 0 {
		hotspot.SpeedRange = formatRange(int(speeds[0]), int(speeds[len(speeds)-1])+1)
	}

	if len(locs) == 1 {
		hotspot.DominanceRatio = nil
		if len(connectedLocations) >= 2 {
			// Only one of several connected sensors matched at all: that is
			// itself strong localization.
			hotspot.WeakSpatialSeparation = noWheelSensors
			hotspot.LocalizationConfidence = 0.85
		} else {
			// A lone sensor can never disambiguate location.
			hotspot.WeakSpatialSeparation = true
			hotspot.LocalizationConfidence = 0.05
		}
		line := ""
		if top != "" {
			line = "strongest at " + top
		}
		return line, hotspot
	}

	second := locs[1]
	topAmp := meanAmpByLoc[top]
	secondAmp := meanAmpByLoc[second]
	ratio := 1.0
	if secondAmp > 0 {
		ratio = topAmp / secondAmp
	}
	hotspot.DominanceRatio = &ratio
	// Weak spatial separation when the top location isn't meaningfully
	// louder than the runner-up, or no wheel sensor is present to anchor a
	// wheel/tire diagnosis to a specific corner.
	hotspot.WeakSpatialSeparation = ratio < 1.3 || noWheelSensors
	hotspot.LocalizationConfidence = math.Max(0.05, math.Min(1.0, (ratio-1.0)/2.0))

	return "strongest at " + top, hotspot
}

// SpeedProfileFromPoints computes the peak speed, speed window (10th-90th
// percentile of the in-band speeds, unweighted), and strongest speed band for a finding, ported
// from speed_profile.py's _speed_profile_from_points.
func SpeedProfileFromPoints(points []PointObservation, allowedSpeedBin string, phaseWeights []float64) (peakSpeedKmh float64, speedWindowKmh [2]float64, strongestSpeedBand string) {
	type weighted struct {
		speed, amp, weight float64
	}
	var ws []weighted
	for i, p := range points {
		if allowedSpeedBin != "" && speedBinLabel(p.SpeedKmh) != allowedSpeedBin {
			continue
		}
		w := 1.0
		if phaseWeights != nil && i < len(phaseWeights) {
			w = phaseWeights[i]
		}
		ws = append(ws, weighted{p.SpeedKmh, p.AmpG, w})
	}
	if len(ws) == 0 {
		return 0, [2]float64{0, 0}, ""
	}

	totalWeight := 0.0
	weightedSum := 0.0
	for _, w := range ws {
		effAmp := w.amp * w.weight
		weightedSum += w.speed * effAmp
		totalWeight += effAmp
	}
	if totalWeight > 0 {
		peakSpeedKmh = weightedSum / totalWeight
	} else {
		sort.Slice(ws, func(i, j int) bool { return ws[i].amp > ws[j].amp })
		peakSpeedKmh = ws[0].speed
	}

	speeds := make([]float64, len(ws))
	for i, w := range ws {
		speeds[i] = w.speed
	}
	sort.Float64s(speeds)
	lo := weightedPercentile(speeds, 10)
	hi := weightedPercentile(speeds, 90)
	speedWindowKmh = [2]float64{lo, hi}
	strongestSpeedBand = speedBinLabel(peakSpeedKmh)
	return peakSpeedKmh, speedWindowKmh, strongestSpeedBand
}

func weightedPercentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := (pct / 100.0) * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Action is one test-plan step: what to do, why, how to confirm/falsify.
type Action struct {
	ActionID string
	What     i18n.Ref
	Why      i18n.Ref
	Confirm  i18n.Ref
	Falsify  i18n.Ref
	ETA      string
}

func wheelFocusFromLocation(location string) i18n.Ref {
	token := strings.ToLower(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(location), "-", " "), "_", " "))
	switch {
	case strings.Contains(token, "front left wheel"):
		return i18n.New("WHEEL_FOCUS_FRONT_LEFT")
	case strings.Contains(token, "front right wheel"):
		return i18n.New("WHEEL_FOCUS_FRONT_RIGHT")
	case strings.Contains(token, "rear left wheel"):
		return i18n.New("WHEEL_FOCUS_REAR_LEFT")
	case strings.Contains(token, "rear right wheel"):
		return i18n.New("WHEEL_FOCUS_REAR_RIGHT")
	case strings.Contains(token, "rear") || strings.Contains(token, "trunk"):
		return i18n.New("WHEEL_FOCUS_REAR")
	case strings.Contains(token, "front") || strings.Contains(token, "engine"):
		return i18n.New("WHEEL_FOCUS_FRONT")
	default:
		return i18n.New("WHEEL_FOCUS_ALL")
	}
}

// ActionsForSource returns the test-plan action catalog for a suspected
// source (spec §4.9), ported from order_analysis.py's
// _finding_actions_for_source.
func ActionsForSource(source, strongestLocation, strongestSpeedBand string, weakSpatialSeparation bool) []Action {
	location := strings.TrimSpace(strongestLocation)
	speedBand := strings.TrimSpace(strongestSpeedBand)
	var speedHint i18n.Ref
	hasSpeedHint := speedBand != ""
	if hasSpeedHint {
		speedHint = i18n.New("SPEED_HINT_FOCUS", "speed_band", speedBand)
	}

	switch source {
	case "wheel/tire":
		wheelFocus := wheelFocusFromLocation(location)
		var locationHint i18n.Ref
		if location != "" {
			locationHint = i18n.New("LOCATION_HINT_NEAR", "location", location)
		} else {
			locationHint = i18n.New("LOCATION_HINT_AT_WHEEL_CORNERS")
		}
		whatParams := []any{"wheel_focus", wheelFocus}
		if hasSpeedHint {
			whatParams = append(whatParams, "speed_hint", speedHint)
		}
		return []Action{
			{
				ActionID: "wheel_balance_and_runout",
				What:     i18n.New("ACTION_WHEEL_BALANCE_WHAT", whatParams...),
				Why:      i18n.New("ACTION_WHEEL_BALANCE_WHY", "location_hint", locationHint),
				Confirm:  i18n.New("ACTION_WHEEL_BALANCE_CONFIRM"),
				Falsify:  i18n.New("ACTION_WHEEL_BALANCE_FALSIFY"),
				ETA:      "20-45 min",
			},
			{
				ActionID: "wheel_tire_condition",
				What:     i18n.New("ACTION_TIRE_CONDITION_WHAT", "wheel_focus", wheelFocus),
				Why:      i18n.New("ACTION_TIRE_CONDITION_WHY"),
				Confirm:  i18n.New("ACTION_TIRE_CONDITION_CONFIRM"),
				Falsify:  i18n.New("ACTION_TIRE_CONDITION_FALSIFY"),
				ETA:      "10-20 min",
			},
		}
	case "driveline":
		var drivelineFocus i18n.Ref
		if location != "" {
			drivelineFocus = i18n.New("LOCATION_HINT_NEAR_SHORT", "location", location)
		} else {
			drivelineFocus = i18n.New("LOCATION_HINT_ALONG_DRIVELINE")
		}
		return []Action{
			{
				ActionID: "driveline_inspection",
				What:     i18n.New("ACTION_DRIVELINE_INSPECTION_WHAT", "driveline_focus", drivelineFocus),
				Why:      i18n.New("ACTION_DRIVELINE_INSPECTION_WHY"),
				Confirm:  i18n.New("ACTION_DRIVELINE_INSPECTION_CONFIRM"),
				Falsify:  i18n.New("ACTION_DRIVELINE_INSPECTION_FALSIFY"),
				ETA:      "20-35 min",
			},
			{
				ActionID: "driveline_mounts_and_fasteners",
				What:     i18n.New("ACTION_DRIVELINE_MOUNTS_WHAT"),
				Why:      i18n.New("ACTION_DRIVELINE_MOUNTS_WHY"),
				Confirm:  i18n.New("ACTION_DRIVELINE_MOUNTS_CONFIRM"),
				Falsify:  i18n.New("ACTION_DRIVELINE_MOUNTS_FALSIFY"),
				ETA:      "10-20 min",
			},
		}
	case "engine":
		return []Action{
			{
				ActionID: "engine_mounts_and_accessories",
				What:     i18n.New("ACTION_ENGINE_MOUNTS_WHAT"),
				Why:      i18n.New("ACTION_ENGINE_MOUNTS_WHY"),
				Confirm:  i18n.New("ACTION_ENGINE_MOUNTS_CONFIRM"),
				Falsify:  i18n.New("ACTION_ENGINE_MOUNTS_FALSIFY"),
				ETA:      "15-30 min",
			},
			{
				ActionID: "engine_combustion_quality",
				What:     i18n.New("ACTION_ENGINE_COMBUSTION_WHAT"),
				Why:      i18n.New("ACTION_ENGINE_COMBUSTION_WHY"),
				Confirm:  i18n.New("ACTION_ENGINE_COMBUSTION_CONFIRM"),
				Falsify:  i18n.New("ACTION_ENGINE_COMBUSTION_FALSIFY"),
				ETA:      "10-20 min",
			},
		}
	default:
		fallbackWhy := i18n.New("ACTION_GENERAL_FALLBACK_WHY")
		if weakSpatialSeparation {
			fallbackWhy = i18n.New("ACTION_GENERAL_WEAK_SPATIAL_WHY")
		}
		return []Action{
			{
				ActionID: "general_mechanical_inspection",
				What:     i18n.New("ACTION_GENERAL_INSPECTION_WHAT"),
				Why:      fallbackWhy,
				Confirm:  i18n.New("ACTION_GENERAL_INSPECTION_CONFIRM"),
				Falsify:  i18n.New("ACTION_GENERAL_INSPECTION_FALSIFY"),
				ETA:      "20-35 min",
			},
		}
	}
}
