package config

// AnalysisSettings carries the vehicle/drivetrain geometry snapshot used to
// turn road speed into predicted wheel/driveshaft/engine frequencies
// (spec §4.5). Pointer-optional like TuningConfig so a partial JSON payload
// from the UI only overrides the fields it sets.
//
// Ported from pi/vibesensor/analysis_settings.py.
type AnalysisSettings struct {
	TireWidthMM      *float64 `json:"tire_width_mm,omitempty"`
	TireAspectPct    *float64 `json:"tire_aspect_pct,omitempty"`
	RimIn            *float64 `json:"rim_in,omitempty"`
	FinalDriveRatio  *float64 `json:"final_drive_ratio,omitempty"`
	CurrentGearRatio *float64 `json:"current_gear_ratio,omitempty"`
	Language         *string  `json:"language,omitempty"`
}

// EmptyAnalysisSettings returns a settings value with every field nil.
func EmptyAnalysisSettings() *AnalysisSettings { return &AnalysisSettings{} }

// DefaultAnalysisSettings mirrors the factory defaults baked into the
// original implementation (a mid-size sedan on 285/30R21 tires).
func DefaultAnalysisSettings() *AnalysisSettings {
	return &AnalysisSettings{
		TireWidthMM:      ptrFloat64(285.0),
		TireAspectPct:    ptrFloat64(30.0),
		RimIn:            ptrFloat64(21.0),
		FinalDriveRatio:  ptrFloat64(3.08),
		CurrentGearRatio: ptrFloat64(0.64),
		Language:         ptrString("en"),
	}
}

func (c *AnalysisSettings) GetTireWidthMM() float64 {
	if c != nil && c.TireWidthMM != nil {
		return *c.TireWidthMM
	}
	return 285.0
}

func (c *AnalysisSettings) GetTireAspectPct() float64 {
	if c != nil && c.TireAspectPct != nil {
		return *c.TireAspectPct
	}
	return 30.0
}

func (c *AnalysisSettings) GetRimIn() float64 {
	if c != nil && c.RimIn != nil {
		return *c.RimIn
	}
	return 21.0
}

func (c *AnalysisSettings) GetFinalDriveRatio() float64 {
	if c != nil && c.FinalDriveRatio != nil {
		return *c.FinalDriveRatio
	}
	return 3.08
}

func (c *AnalysisSettings) GetCurrentGearRatio() float64 {
	if c != nil && c.CurrentGearRatio != nil {
		return *c.CurrentGearRatio
	}
	return 0.64
}

func (c *AnalysisSettings) GetLanguage() string {
	if c != nil && c.Language != nil {
		return *c.Language
	}
	return "en"
}

// TireCircumferenceM converts the tire geometry fields into rolling
// circumference in meters: section height (mm) is the aspect ratio applied
// twice (top and bottom of the wheel) plus the rim diameter in mm, times pi.
func (c *AnalysisSettings) TireCircumferenceM() float64 {
	sectionHeightMM := c.GetTireWidthMM() * (c.GetTireAspectPct() / 100.0)
	diameterMM := sectionHeightMM*2.0 + c.GetRimIn()*25.4
	const mmPerM = 1000.0
	const pi = 3.14159265358979323846
	return diameterMM * pi / mmPerM
}

// Tuning holds the heuristic thresholds that drive order-hypothesis
// matching, confidence scoring, persistent-peak classification, and the
// live-diagnostics hysteresis state machine. These constants were not
// present in the filtered analysis/helpers.py source; values below are
// reconstructed from their call-site usage in order_findings.py and
// persistent_findings.py.
type Tuning struct {
	// Order-hypothesis matching (spec §4.5, §4.7).
	OrderMinCoveragePoints          *int     `json:"order_min_coverage_points,omitempty"`
	OrderMinMatchPoints             *int     `json:"order_min_match_points,omitempty"`
	OrderMinConfidence              *float64 `json:"order_min_confidence,omitempty"`
	OrderToleranceMinHz             *float64 `json:"order_tolerance_min_hz,omitempty"`
	OrderToleranceRel               *float64 `json:"order_tolerance_rel,omitempty"`
	ConstantSpeedStddevKmh          *float64 `json:"constant_speed_stddev_kmh,omitempty"`
	OrderConstantSpeedMinMatchRate  *float64 `json:"order_constant_speed_min_match_rate,omitempty"`
	SNRLogDivisor                   *float64 `json:"snr_log_divisor,omitempty"`
	ConfidenceFloor                 *float64 `json:"confidence_floor,omitempty"`
	ConfidenceCeiling               *float64 `json:"confidence_ceiling,omitempty"`
	HarmonicAliasRatio              *float64 `json:"harmonic_alias_ratio,omitempty"`
	EngineAliasSuppression          *float64 `json:"engine_alias_suppression,omitempty"`
	DiffuseMatchRateRangeThreshold  *float64 `json:"diffuse_match_rate_range_threshold,omitempty"`

	// Persistent/residual peak classification (spec §4.8).
	PersistentPeakMinPresence    *float64 `json:"persistent_peak_min_presence,omitempty"`
	TransientBurstinessThreshold *float64 `json:"transient_burstiness_threshold,omitempty"`
	PersistentPeakMaxFindings    *int     `json:"persistent_peak_max_findings,omitempty"`
	BaselineNoiseSNRThreshold    *float64 `json:"baseline_noise_snr_threshold,omitempty"`
	OrderSuppressPersistentMinConf *float64 `json:"order_suppress_persistent_min_conf,omitempty"`

	// Live-diagnostics hysteresis (spec §4.11).
	HysteresisDB         *float64 `json:"hysteresis_db,omitempty"`
	PersistenceTicks     *int     `json:"persistence_ticks,omitempty"`
	DecayTicks           *int     `json:"decay_ticks,omitempty"`
	HeartbeatEmitMs      *int     `json:"heartbeat_emit_ms,omitempty"`
	MultiFreqBinHz       *float64 `json:"multi_freq_bin_hz,omitempty"`
	MultiSensorWindowMs  *int     `json:"multi_sensor_window_ms,omitempty"`

	// Mechanical/sample-rate defaults (spec §4.2, §4.5).
	MEMSNoiseFloorG *float64 `json:"mems_noise_floor_g,omitempty"`

	// Run-loop cadence (spec §5).
	FFTUpdateHz            *float64 `json:"fft_update_hz,omitempty"`
	MetricsLogHz           *float64 `json:"metrics_log_hz,omitempty"`
	UIPushHz               *float64 `json:"ui_push_hz,omitempty"`
	ShutdownAnalysisTimeoutS *float64 `json:"shutdown_analysis_timeout_s,omitempty"`
	MaxAnalysisAttempts    *int     `json:"max_analysis_attempts,omitempty"`
}

// EmptyTuning returns a Tuning with every field nil.
func EmptyTuning() *Tuning { return &Tuning{} }

func (c *Tuning) GetOrderMinCoveragePoints() int {
	if c != nil && c.OrderMinCoveragePoints != nil {
		return *c.OrderMinCoveragePoints
	}
	return 8
}

func (c *Tuning) GetOrderMinMatchPoints() int {
	if c != nil && c.OrderMinMatchPoints != nil {
		return *c.OrderMinMatchPoints
	}
	return 5
}

func (c *Tuning) GetOrderMinConfidence() float64 {
	if c != nil && c.OrderMinConfidence != nil {
		return *c.OrderMinConfidence
	}
	return 0.15
}

func (c *Tuning) GetOrderToleranceMinHz() float64 {
	if c != nil && c.OrderToleranceMinHz != nil {
		return *c.OrderToleranceMinHz
	}
	return 0.5
}

func (c *Tuning) GetOrderToleranceRel() float64 {
	if c != nil && c.OrderToleranceRel != nil {
		return *c.OrderToleranceRel
	}
	return 0.05
}

func (c *Tuning) GetConstantSpeedStddevKmh() float64 {
	if c != nil && c.ConstantSpeedStddevKmh != nil {
		return *c.ConstantSpeedStddevKmh
	}
	return 2.0
}

func (c *Tuning) GetOrderConstantSpeedMinMatchRate() float64 {
	if c != nil && c.OrderConstantSpeedMinMatchRate != nil {
		return *c.OrderConstantSpeedMinMatchRate
	}
	return 0.55
}

func (c *Tuning) GetSNRLogDivisor() float64 {
	if c != nil && c.SNRLogDivisor != nil {
		return *c.SNRLogDivisor
	}
	return 2.5
}

func (c *Tuning) GetConfidenceFloor() float64 {
	if c != nil && c.ConfidenceFloor != nil {
		return *c.ConfidenceFloor
	}
	return 0.08
}

func (c *Tuning) GetConfidenceCeiling() float64 {
	if c != nil && c.ConfidenceCeiling != nil {
		return *c.ConfidenceCeiling
	}
	return 0.97
}

func (c *Tuning) GetHarmonicAliasRatio() float64 {
	if c != nil && c.HarmonicAliasRatio != nil {
		return *c.HarmonicAliasRatio
	}
	return 1.15
}

func (c *Tuning) GetEngineAliasSuppression() float64 {
	if c != nil && c.EngineAliasSuppression != nil {
		return *c.EngineAliasSuppression
	}
	return 0.60
}

func (c *Tuning) GetDiffuseMatchRateRangeThreshold() float64 {
	if c != nil && c.DiffuseMatchRateRangeThreshold != nil {
		return *c.DiffuseMatchRateRangeThreshold
	}
	return 0.15
}

func (c *Tuning) GetPersistentPeakMinPresence() float64 {
	if c != nil && c.PersistentPeakMinPresence != nil {
		return *c.PersistentPeakMinPresence
	}
	return 0.15
}

func (c *Tuning) GetTransientBurstinessThreshold() float64 {
	if c != nil && c.TransientBurstinessThreshold != nil {
		return *c.TransientBurstinessThreshold
	}
	return 5.0
}

func (c *Tuning) GetPersistentPeakMaxFindings() int {
	if c != nil && c.PersistentPeakMaxFindings != nil {
		return *c.PersistentPeakMaxFindings
	}
	return 3
}

func (c *Tuning) GetBaselineNoiseSNRThreshold() float64 {
	if c != nil && c.BaselineNoiseSNRThreshold != nil {
		return *c.BaselineNoiseSNRThreshold
	}
	return 1.5
}

func (c *Tuning) GetOrderSuppressPersistentMinConf() float64 {
	if c != nil && c.OrderSuppressPersistentMinConf != nil {
		return *c.OrderSuppressPersistentMinConf
	}
	return 0.40
}

func (c *Tuning) GetHysteresisDB() float64 {
	if c != nil && c.HysteresisDB != nil {
		return *c.HysteresisDB
	}
	return 2.0
}

func (c *Tuning) GetPersistenceTicks() int {
	if c != nil && c.PersistenceTicks != nil {
		return *c.PersistenceTicks
	}
	return 3
}

func (c *Tuning) GetDecayTicks() int {
	if c != nil && c.DecayTicks != nil {
		return *c.DecayTicks
	}
	return 5
}

func (c *Tuning) GetHeartbeatEmitMs() int {
	if c != nil && c.HeartbeatEmitMs != nil {
		return *c.HeartbeatEmitMs
	}
	return 3000
}

func (c *Tuning) GetMultiFreqBinHz() float64 {
	if c != nil && c.MultiFreqBinHz != nil {
		return *c.MultiFreqBinHz
	}
	return 1.5
}

func (c *Tuning) GetMultiSensorWindowMs() int {
	if c != nil && c.MultiSensorWindowMs != nil {
		return *c.MultiSensorWindowMs
	}
	return 800
}

func (c *Tuning) GetMEMSNoiseFloorG() float64 {
	if c != nil && c.MEMSNoiseFloorG != nil {
		return *c.MEMSNoiseFloorG
	}
	return 0.002
}

func (c *Tuning) GetFFTUpdateHz() float64 {
	if c != nil && c.FFTUpdateHz != nil {
		return *c.FFTUpdateHz
	}
	return 4.0
}

func (c *Tuning) GetMetricsLogHz() float64 {
	if c != nil && c.MetricsLogHz != nil {
		return *c.MetricsLogHz
	}
	return 4.0
}

func (c *Tuning) GetUIPushHz() float64 {
	if c != nil && c.UIPushHz != nil {
		return *c.UIPushHz
	}
	return 10.0
}

func (c *Tuning) GetShutdownAnalysisTimeoutS() float64 {
	if c != nil && c.ShutdownAnalysisTimeoutS != nil {
		return *c.ShutdownAnalysisTimeoutS
	}
	return 10.0
}

// GetMaxAnalysisAttempts bounds how many times a run may retry failed
// post-analysis before being marked status=error permanently (DESIGN.md
// Open Question decision #3 — the source would retry forever).
func (c *Tuning) GetMaxAnalysisAttempts() int {
	if c != nil && c.MaxAnalysisAttempts != nil {
		return *c.MaxAnalysisAttempts
	}
	return 3
}
