package summary

import (
	"math"
	"sort"

	"github.com/banshee-data/vibesensor/internal/i18n"
	"github.com/banshee-data/vibesensor/internal/phase"
	"github.com/banshee-data/vibesensor/internal/recorder"
)

const (
	partialCoverageSpan   = 0.80
	coverageWarningFrac   = 0.20
	constantSpeedStddev   = 2.0
)

type locationAgg struct {
	clientID     string
	strengths    []float64
	bucketCounts map[string]int
	phaseSum     map[string]float64
	phaseCount   map[string]int
	dropMin      int64
	dropMax      int64
	overflowMin  int64
	overflowMax  int64
	firstTS      float64
	lastTS       float64
	counterSeen  bool
}

// intensityRows computes the per-location intensity table (spec §4.9) and
// the run's aggregate data-quality counters.
func intensityRows(samples []recorder.SampleRecord, perPhase []phase.Phase, _ []phase.Segment) ([]SensorIntensityRow, DataQuality) {
	var quality DataQuality
	if len(samples) == 0 {
		return nil, quality
	}
	runStart := samples[0].TS
	runEnd := samples[len(samples)-1].TS
	runSpan := runEnd - runStart

	aggs := map[string]*locationAgg{}
	for i, s := range samples {
		loc := sampleLocation(s)
		if loc == "" {
			continue
		}
		agg, ok := aggs[loc]
		if !ok {
			agg = &locationAgg{
				clientID:     s.ClientID,
				bucketCounts: map[string]int{},
				phaseSum:     map[string]float64{},
				phaseCount:   map[string]int{},
				firstTS:      s.TS,
			}
			aggs[loc] = agg
		}
		agg.lastTS = s.TS
		agg.strengths = append(agg.strengths, s.VibrationStrengthDB)
		bucket := "l0"
		if s.StrengthBucket != nil && *s.StrengthBucket != "" {
			bucket = *s.StrengthBucket
		}
		agg.bucketCounts[bucket]++
		ph := string(perPhase[i])
		agg.phaseSum[ph] += s.VibrationStrengthDB
		agg.phaseCount[ph]++
		if !agg.counterSeen {
			agg.dropMin, agg.dropMax = s.FramesDroppedTotal, s.FramesDroppedTotal
			agg.overflowMin, agg.overflowMax = s.QueueOverflowDrops, s.QueueOverflowDrops
			agg.counterSeen = true
		} else {
			if s.FramesDroppedTotal < agg.dropMin {
				agg.dropMin = s.FramesDroppedTotal
			}
			if s.FramesDroppedTotal > agg.dropMax {
				agg.dropMax = s.FramesDroppedTotal
			}
			if s.QueueOverflowDrops < agg.overflowMin {
				agg.overflowMin = s.QueueOverflowDrops
			}
			if s.QueueOverflowDrops > agg.overflowMax {
				agg.overflowMax = s.QueueOverflowDrops
			}
		}
	}

	maxCount := 0
	for _, agg := range aggs {
		if len(agg.strengths) > maxCount {
			maxCount = len(agg.strengths)
		}
	}

	rows := make([]SensorIntensityRow, 0, len(aggs))
	for loc, agg := range aggs {
		sorted := append([]float64(nil), agg.strengths...)
		sort.Float64s(sorted)
		count := len(sorted)
		sum := 0.0
		for _, v := range sorted {
			sum += v
		}
		dist := BucketDistribution{}
		for key, c := range agg.bucketCounts {
			dist[key] = 100.0 * float64(c) / float64(count)
		}
		phaseIntensity := map[string]float64{}
		for ph, s := range agg.phaseSum {
			phaseIntensity[ph] = s / float64(agg.phaseCount[ph])
		}
		// Per-sensor counters are cumulative across the sensor's lifetime;
		// the run delta is max-min, not the raw sum (SPEC_FULL.md #9).
		dropDelta := agg.dropMax - agg.dropMin
		overflowDelta := agg.overflowMax - agg.overflowMin
		quality.FramesDroppedDelta += dropDelta
		quality.QueueOverflowDelta += overflowDelta

		partial := runSpan > 0 && (agg.lastTS-agg.firstTS) < partialCoverageSpan*runSpan
		rows = append(rows, SensorIntensityRow{
			Location:              loc,
			ClientID:              agg.clientID,
			SampleCount:           count,
			MeanStrengthDB:        sum / float64(count),
			P50StrengthDB:         percentileOf(sorted, 0.50),
			P95StrengthDB:         percentileOf(sorted, 0.95),
			MaxStrengthDB:         sorted[count-1],
			FramesDroppedDelta:    dropDelta,
			QueueOverflowDelta:    overflowDelta,
			BucketDistribution:    dist,
			PhaseIntensity:        phaseIntensity,
			PartialCoverage:       partial,
			SampleCoverageWarning: maxCount >= 5 && float64(count) <= coverageWarningFrac*float64(maxCount),
		})
	}

	// Fully-covered, well-sampled locations with the highest P95 lead
	// (spec §4.9).
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PartialCoverage != rows[j].PartialCoverage {
			return !rows[i].PartialCoverage
		}
		if rows[i].SampleCoverageWarning != rows[j].SampleCoverageWarning {
			return !rows[i].SampleCoverageWarning
		}
		if rows[i].P95StrengthDB != rows[j].P95StrengthDB {
			return rows[i].P95StrengthDB > rows[j].P95StrengthDB
		}
		if rows[i].MaxStrengthDB != rows[j].MaxStrengthDB {
			return rows[i].MaxStrengthDB > rows[j].MaxStrengthDB
		}
		return rows[i].Location < rows[j].Location
	})
	return rows, quality
}

func percentileOf(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// suitabilityChecks builds the five-row run-suitability checklist.
func suitabilityChecks(doc *RunSummary, speedSufficient bool, findings []Finding) []SuitabilityCheck {
	checks := make([]SuitabilityCheck, 0, 5)

	status := CheckOK
	if doc.DurationS < minRunDurationS {
		status = CheckWarn
	}
	checks = append(checks, SuitabilityCheck{
		CheckID: "duration",
		Status:  status,
		Detail:  i18n.New("SUITABILITY_DURATION", "duration_s", doc.DurationS),
	})

	status = CheckOK
	if !speedSufficient {
		status = CheckWarn
	}
	checks = append(checks, SuitabilityCheck{
		CheckID: "speed_coverage",
		Status:  status,
		Detail:  i18n.New("SUITABILITY_SPEED_COVERAGE", "coverage", doc.SpeedOverall.Coverage),
	})

	// A near-constant speed trace inflates chance matches; varied speed is
	// the more diagnostic drive.
	status = CheckOK
	if doc.SpeedOverall.SampleCount >= 2 && doc.SpeedOverall.StddevKmh < constantSpeedStddev && doc.SpeedOverall.MeanKmh > 0 {
		status = CheckWarn
	}
	checks = append(checks, SuitabilityCheck{
		CheckID: "speed_variation",
		Status:  status,
		Detail:  i18n.New("SUITABILITY_SPEED_VARIATION", "stddev_kmh", doc.SpeedOverall.StddevKmh),
	})

	diagCount := 0
	for _, f := range findings {
		if !f.IsReference() && f.Severity == "diagnostic" {
			diagCount++
		}
	}
	status = CheckOK
	if len(doc.SensorIntensity) < 2 || diagCount == 0 {
		status = CheckWarn
	}
	checks = append(checks, SuitabilityCheck{
		CheckID: "sensor_coverage",
		Status:  status,
		Detail: i18n.New("SUITABILITY_SENSOR_COVERAGE",
			"locations", len(doc.SensorIntensity), "diagnostic_findings", diagCount),
	})

	status = CheckOK
	if doc.DataQuality.FramesDroppedDelta > 0 || doc.DataQuality.QueueOverflowDelta > 0 || doc.DataQuality.CorruptRecords > 0 {
		status = CheckWarn
	}
	checks = append(checks, SuitabilityCheck{
		CheckID: "frame_integrity",
		Status:  status,
		Detail: i18n.New("SUITABILITY_FRAME_INTEGRITY",
			"frames_dropped", doc.DataQuality.FramesDroppedDelta,
			"queue_overflow", doc.DataQuality.QueueOverflowDelta,
			"corrupt_records", doc.DataQuality.CorruptRecords),
	})

	return checks
}
