package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings is the root configuration document: vehicle geometry plus the
// analysis tuning knobs, loadable from one JSON file. Fields omitted from
// the JSON keep their defaults, so partial configs are safe.
type Settings struct {
	Analysis *AnalysisSettings `json:"analysis,omitempty"`
	Tuning   *Tuning           `json:"tuning,omitempty"`
}

// EmptySettings returns a Settings with all fields nil; every Get* accessor
// then falls back to its default.
func EmptySettings() *Settings {
	return &Settings{Analysis: EmptyAnalysisSettings(), Tuning: EmptyTuning()}
}

// LoadSettings loads a Settings document from a JSON file. The file must
// have a .json extension and be under 1MB; both checks guard against
// accidentally pointing the flag at a sample log or a chunk file.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySettings()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if cfg.Analysis == nil {
		cfg.Analysis = EmptyAnalysisSettings()
	}
	if cfg.Tuning == nil {
		cfg.Tuning = EmptyTuning()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configured values are physically plausible.
func (c *Settings) Validate() error {
	a := c.Analysis
	if a != nil {
		if a.TireWidthMM != nil && (*a.TireWidthMM < 100 || *a.TireWidthMM > 500) {
			return fmt.Errorf("tire_width_mm must be between 100 and 500, got %g", *a.TireWidthMM)
		}
		if a.TireAspectPct != nil && (*a.TireAspectPct < 10 || *a.TireAspectPct > 100) {
			return fmt.Errorf("tire_aspect_pct must be between 10 and 100, got %g", *a.TireAspectPct)
		}
		if a.RimIn != nil && (*a.RimIn < 10 || *a.RimIn > 30) {
			return fmt.Errorf("rim_in must be between 10 and 30, got %g", *a.RimIn)
		}
		if a.FinalDriveRatio != nil && *a.FinalDriveRatio <= 0 {
			return fmt.Errorf("final_drive_ratio must be positive, got %g", *a.FinalDriveRatio)
		}
		if a.CurrentGearRatio != nil && *a.CurrentGearRatio <= 0 {
			return fmt.Errorf("current_gear_ratio must be positive, got %g", *a.CurrentGearRatio)
		}
		if a.Language != nil && *a.Language != "en" && *a.Language != "nl" {
			return fmt.Errorf("language must be en or nl, got %q", *a.Language)
		}
	}
	t := c.Tuning
	if t != nil {
		if t.ConfidenceFloor != nil && (*t.ConfidenceFloor < 0 || *t.ConfidenceFloor > 1) {
			return fmt.Errorf("confidence_floor must be between 0 and 1, got %g", *t.ConfidenceFloor)
		}
		if t.ConfidenceCeiling != nil && (*t.ConfidenceCeiling < 0 || *t.ConfidenceCeiling > 1) {
			return fmt.Errorf("confidence_ceiling must be between 0 and 1, got %g", *t.ConfidenceCeiling)
		}
		if t.ConfidenceFloor != nil && t.ConfidenceCeiling != nil && *t.ConfidenceFloor > *t.ConfidenceCeiling {
			return fmt.Errorf("confidence_floor %g exceeds confidence_ceiling %g", *t.ConfidenceFloor, *t.ConfidenceCeiling)
		}
		if t.OrderToleranceRel != nil && (*t.OrderToleranceRel <= 0 || *t.OrderToleranceRel > 0.5) {
			return fmt.Errorf("order_tolerance_rel must be in (0, 0.5], got %g", *t.OrderToleranceRel)
		}
		if t.OrderMinMatchPoints != nil && *t.OrderMinMatchPoints < 1 {
			return fmt.Errorf("order_min_match_points must be at least 1, got %d", *t.OrderMinMatchPoints)
		}
		if t.FFTUpdateHz != nil && *t.FFTUpdateHz <= 0 {
			return fmt.Errorf("fft_update_hz must be positive, got %g", *t.FFTUpdateHz)
		}
		if t.MetricsLogHz != nil && *t.MetricsLogHz <= 0 {
			return fmt.Errorf("metrics_log_hz must be positive, got %g", *t.MetricsLogHz)
		}
	}
	return nil
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
