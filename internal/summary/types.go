package summary

import (
	"github.com/banshee-data/vibesensor/internal/i18n"
	"github.com/banshee-data/vibesensor/internal/localization"
	"github.com/banshee-data/vibesensor/internal/orders"
	"github.com/banshee-data/vibesensor/internal/phase"
	"github.com/banshee-data/vibesensor/internal/summary/plotdata"
)

// Confidence labels shown next to each finding.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Finding is the unified finding row the summary emits: reference findings
// (REF_*), order findings, and residual-peak findings all normalize into
// this shape.
type Finding struct {
	FindingID              string                `json:"finding_id"`
	FindingKey             string                `json:"finding_key"`
	Severity               string                `json:"severity"`
	SuspectedSource        string                `json:"suspected_source"`
	EvidenceSummary        i18n.Ref              `json:"evidence_summary"`
	FrequencyHzOrOrder     string                `json:"frequency_hz_or_order,omitempty"`
	VibrationStrengthDB    *float64              `json:"vibration_strength_db,omitempty"`
	Confidence             float64               `json:"confidence_0_to_1"`
	ConfidenceLabel        string                `json:"confidence_label,omitempty"`
	QuickChecks            []string              `json:"quick_checks,omitempty"`
	StrongestLocation      string                `json:"strongest_location,omitempty"`
	StrongestSpeedBand     string                `json:"strongest_speed_band,omitempty"`
	DominantPhase          string                `json:"dominant_phase,omitempty"`
	PeakSpeedKmh           *float64              `json:"peak_speed_kmh,omitempty"`
	SpeedWindowKmh         *[2]float64           `json:"speed_window_kmh,omitempty"`
	DominanceRatio         *float64              `json:"dominance_ratio,omitempty"`
	LocalizationConfidence *float64              `json:"localization_confidence,omitempty"`
	WeakSpatialSeparation  bool                  `json:"weak_spatial_separation"`
	CorroboratingLocations int                   `json:"corroborating_locations,omitempty"`
	DiffuseExcitation      bool                  `json:"diffuse_excitation"`
	CruiseFraction         float64               `json:"cruise_fraction"`
	PhasesDetected         []string              `json:"phases_detected,omitempty"`
	EvidenceMetrics        map[string]any        `json:"evidence_metrics,omitempty"`
	Actions                []localization.Action `json:"actions,omitempty"`
	MatchedPoints          []orders.MatchedPoint `json:"-"`

	rankingScore float64
	meanHz       float64
}

// IsReference reports whether this is a REF_* missing-reference finding
// rather than a diagnostic one.
func (f Finding) IsReference() bool {
	return len(f.FindingID) >= 4 && f.FindingID[:4] == "REF_"
}

// phaseAdjustedScore is the ranking used for top-cause selection:
// confidence boosted by up to 15% by the finding's cruise-phase evidence.
func (f Finding) phaseAdjustedScore() float64 {
	return f.Confidence * (0.85 + 0.15*f.CruiseFraction)
}

// SpeedStats summarizes the run's speed trace.
type SpeedStats struct {
	MinKmh      float64 `json:"min_kmh"`
	MaxKmh      float64 `json:"max_kmh"`
	MeanKmh     float64 `json:"mean_kmh"`
	StddevKmh   float64 `json:"stddev_kmh"`
	Coverage    float64 `json:"coverage"`
	SampleCount int     `json:"sample_count"`
}

// PhaseSpeedStats is SpeedStats for one driving phase.
type PhaseSpeedStats struct {
	Phase string `json:"phase"`
	SpeedStats
	DurationS float64 `json:"duration_s"`
}

// BucketDistribution is the percentage of a location's samples falling in
// each strength band (l0 is the implicit below-l1 bucket).
type BucketDistribution map[string]float64

// SensorIntensityRow is one location's intensity summary (spec §4.9).
type SensorIntensityRow struct {
	Location              string             `json:"location"`
	ClientID              string             `json:"client_id"`
	SampleCount           int                `json:"sample_count"`
	MeanStrengthDB        float64            `json:"mean_strength_db"`
	P50StrengthDB         float64            `json:"p50_strength_db"`
	P95StrengthDB         float64            `json:"p95_strength_db"`
	MaxStrengthDB         float64            `json:"max_strength_db"`
	FramesDroppedDelta    int64              `json:"frames_dropped_delta"`
	QueueOverflowDelta    int64              `json:"queue_overflow_delta"`
	BucketDistribution    BucketDistribution `json:"bucket_distribution"`
	PhaseIntensity        map[string]float64 `json:"phase_intensity"`
	PartialCoverage       bool               `json:"partial_coverage"`
	SampleCoverageWarning bool               `json:"sample_coverage_warning"`
}

// TopCause is one entry of the grouped, drop-off-filtered cause list.
type TopCause struct {
	SuspectedSource    string   `json:"suspected_source"`
	FindingID          string   `json:"finding_id"`
	Confidence         float64  `json:"confidence_0_to_1"`
	ConfidenceLabel    string   `json:"confidence_label"`
	PhaseAdjustedScore float64  `json:"phase_adjusted_score"`
	Summary            i18n.Ref `json:"summary"`
}

// MostLikelyOrigin points the operator at the physical location the top
// finding implicates.
type MostLikelyOrigin struct {
	Location              string   `json:"location"`
	AlternativeLocations  []string `json:"alternative_locations,omitempty"`
	Source                string   `json:"source"`
	DominanceRatio        *float64 `json:"dominance_ratio,omitempty"`
	WeakSpatialSeparation bool     `json:"weak_spatial_separation"`
	SpatialDisagreement   bool     `json:"spatial_disagreement"`
	Explanation           i18n.Ref `json:"explanation"`
}

// SuitabilityCheck statuses.
const (
	CheckOK   = "ok"
	CheckWarn = "warn"
)

// SuitabilityCheck is one row of the run-suitability checklist.
type SuitabilityCheck struct {
	CheckID string   `json:"check_id"`
	Status  string   `json:"status"`
	Detail  i18n.Ref `json:"detail"`
}

// DataQuality aggregates the run's integrity counters.
type DataQuality struct {
	CorruptRecords     int   `json:"corrupt_records"`
	FramesDroppedDelta int64 `json:"frames_dropped_delta"`
	QueueOverflowDelta int64 `json:"queue_overflow_delta"`
	NonFiniteSanitized int   `json:"non_finite_sanitized"`
}

// PhaseTimelineEntry is one contiguous driving-phase segment with its speed
// envelope.
type PhaseTimelineEntry struct {
	Phase       string  `json:"phase"`
	StartTS     float64 `json:"start_t_s"`
	EndTS       float64 `json:"end_t_s"`
	SpeedMinKmh float64 `json:"speed_min_kmh"`
	SpeedMaxKmh float64 `json:"speed_max_kmh"`
}

// RunSummary is the canonical post-run analysis document (spec §4.10).
type RunSummary struct {
	RunID              string                `json:"run_id"`
	Language           string                `json:"language"`
	StartTimeUTC       string                `json:"start_time_utc,omitempty"`
	EndTimeUTC         string                `json:"end_time_utc,omitempty"`
	DurationS          float64               `json:"duration_s"`
	SampleCount        int                   `json:"sample_count"`
	SpeedOverall       SpeedStats            `json:"speed_overall"`
	SpeedByPhase       []PhaseSpeedStats     `json:"speed_by_phase"`
	OverallStrengthKey string                `json:"overall_strength_key"`
	Findings           []Finding             `json:"findings"`
	TopCauses          []TopCause            `json:"top_causes"`
	MostLikelyOrigin   *MostLikelyOrigin     `json:"most_likely_origin,omitempty"`
	TestPlan           []localization.Action `json:"test_plan"`
	SensorIntensity    []SensorIntensityRow  `json:"sensor_intensity_by_location"`
	PhaseTimeline      []PhaseTimelineEntry  `json:"phase_timeline"`
	RunSuitability     []SuitabilityCheck    `json:"run_suitability"`
	DataQuality        DataQuality           `json:"data_quality"`
	PlotData           *plotdata.Bundle      `json:"plot_data,omitempty"`
}

// segmentSpeedEnvelope computes the min/max speed inside one phase segment.
func segmentSpeedEnvelope(seg phase.Segment, speeds []*float64) (minKmh, maxKmh float64) {
	first := true
	for i := seg.StartIndex; i <= seg.EndIndex && i < len(speeds); i++ {
		if speeds[i] == nil {
			continue
		}
		v := *speeds[i]
		if first {
			minKmh, maxKmh = v, v
			first = false
			continue
		}
		if v < minKmh {
			minKmh = v
		}
		if v > maxKmh {
			maxKmh = v
		}
	}
	return minKmh, maxKmh
}
