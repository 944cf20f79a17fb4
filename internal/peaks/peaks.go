// Package peaks classifies spectral peaks that no order hypothesis claimed
// into patterned/persistent/transient/baseline-noise findings (spec §4.8).
//
// Ported from findings/persistent_findings.py.
package peaks

import (
	"math"
	"sort"

	"github.com/banshee-data/vibesensor/internal/config"
	"github.com/banshee-data/vibesensor/internal/i18n"
	"github.com/banshee-data/vibesensor/internal/localization"
	"github.com/banshee-data/vibesensor/internal/phase"
	"github.com/banshee-data/vibesensor/internal/strength"
)

const memsNoiseFloorG = 0.002

// DefaultFreqBinHz is the bin width peaks are grouped into before
// presence/burstiness statistics are computed.
const DefaultFreqBinHz = 2.0

// Classification is the peak-type label (spec §4.8).
type Classification string

const (
	Patterned     Classification = "patterned"
	Persistent    Classification = "persistent"
	Transient     Classification = "transient"
	BaselineNoise Classification = "baseline_noise"
)

// ClassifyPeakType implements the decision tree from persistent_findings.py:
// baseline-noise short-circuits on low SNR or high spatial/speed
// uniformity; otherwise presence ratio and burstiness decide
// patterned/persistent/transient.
func ClassifyPeakType(presenceRatio, burstiness float64, snr *float64, spatialUniformity, speedUniformity *float64, tuning *config.Tuning) Classification {
	if snr != nil && *snr < tuning.GetBaselineNoiseSNRThreshold() {
		return BaselineNoise
	}
	if spatialUniformity != nil && *spatialUniformity > 0.85 && presenceRatio >= 0.60 && burstiness < 2.0 {
		return BaselineNoise
	}
	if spatialUniformity != nil && speedUniformity != nil &&
		*spatialUniformity >= 0.80 && *speedUniformity <= 0.10 &&
		presenceRatio >= 0.20 && presenceRatio <= 0.40 &&
		burstiness >= 3.0 && burstiness <= 5.0 {
		return BaselineNoise
	}
	if presenceRatio < tuning.GetPersistentPeakMinPresence() {
		return Transient
	}
	if burstiness > tuning.GetTransientBurstinessThreshold() {
		return Transient
	}
	if presenceRatio >= 0.40 && burstiness < 3.0 {
		return Patterned
	}
	return Persistent
}

// Observation is one sample's contribution to the peak-bin statistics.
type Observation struct {
	SpeedKmh *float64
	FloorAmpG float64
	Location  string
	Phase     phase.Phase
	Peaks     []PeakHz
}

// PeakHz is one observed spectral peak (hz, amplitude).
type PeakHz struct {
	Hz   float64
	AmpG float64
}

// Finding is one non-order frequency-bin finding.
type Finding struct {
	FindingID           string
	FindingKey          string
	Severity            string
	SuspectedSource      string
	EvidenceSummary      i18n.Ref
	FrequencyHz          float64
	VibrationStrengthDB  float64
	Confidence           float64
	Classification       Classification
	CruiseFraction       float64
	PhasesDetected       []string
	PhasePresence        map[string]float64
	PresenceRatio        float64
	Burstiness           float64
	SpatialConcentration float64
	SpatialUniformity    *float64
	SpeedUniformity      *float64
	SampleCount          int
	TotalSamples         int
	PeakSpeedKmh         float64
	SpeedWindowKmh       [2]float64
	StrongestSpeedBand   string
	rankingScore         float64
}

// RankingScore exposes the presence-and-amplitude score the summary
// assembler orders residual-peak findings by.
func (f Finding) RankingScore() float64 { return f.rankingScore }

func vibrationStrengthDB(peakBandRMSAmpG, floorAmpG float64) float64 {
	if floorAmpG <= 0 || peakBandRMSAmpG <= 0 {
		return strength.SilenceDB
	}
	db := 20.0 * math.Log10(peakBandRMSAmpG/floorAmpG)
	if db < strength.SilenceDB {
		return strength.SilenceDB
	}
	return db
}

func percentile(sorted []float64, q float64) float64 {
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
	return itoa(lo) + "-" + itoa(lo+20) + " km/h"
}

func itoa(v int) string {
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

type binStats struct {
	amps            []float64
	floors          []float64
	speedAmpPairs   []localization.PointObservation
	locationCounts  map[string]int
	speedBinCounts  map[string]int
	phaseCounts     map[string]int
}

// BuildFindings groups the run's un-claimed spectral peaks into frequency
// bins and scores each bin's patterned/persistent/transient/baseline-noise
// finding, returning up to PersistentPeakMaxFindings of each non-transient
// and transient class (spec §4.8).
func BuildFindings(observations []Observation, orderFindingFreqsHz []float64, freqBinHz float64, runNoiseBaselineG float64, tuning *config.Tuning) []Finding {
	if freqBinHz <= 0 {
		freqBinHz = DefaultFreqBinHz
	}

	bins := map[float64]*binStats{}
	totalLocations := map[string]struct{}{}
	totalLocationSampleCounts := map[string]int{}
	totalSpeedBinCounts := map[string]int{}
	nSamples := 0

	for _, obs := range observations {
		nSamples++
		var speedBin string
		if obs.SpeedKmh != nil && *obs.SpeedKmh > 0 {
			speedBin = speedBinLabel(*obs.SpeedKmh)
			totalSpeedBinCounts[speedBin]++
		}
		if obs.Location != "" {
			totalLocations[obs.Location] = struct{}{}
			totalLocationSampleCounts[obs.Location]++
		}
		for _, pk := range obs.Peaks {
			if pk.Hz <= 0 || pk.AmpG <= 0 {
				continue
			}
			binLow := math.Floor(pk.Hz/freqBinHz) * freqBinHz
			center := binLow + freqBinHz/2.0
			bs, ok := bins[center]
			if !ok {
				bs = &binStats{locationCounts: map[string]int{}, speedBinCounts: map[string]int{}, phaseCounts: map[string]int{}}
				bins[center] = bs
			}
			bs.amps = append(bs.amps, pk.AmpG)
			bs.floors = append(bs.floors, math.Max(0, obs.FloorAmpG))
			if obs.SpeedKmh != nil && *obs.SpeedKmh > 0 {
				bs.speedAmpPairs = append(bs.speedAmpPairs, localization.PointObservation{SpeedKmh: *obs.SpeedKmh, AmpG: pk.AmpG})
			}
			if obs.Location != "" {
				bs.locationCounts[obs.Location]++
			}
			if speedBin != "" {
				bs.speedBinCounts[speedBin]++
			}
			if obs.Phase != "" {
				bs.phaseCounts[string(obs.Phase)]++
			}
		}
	}
	if nSamples == 0 {
		return nil
	}

	var persistentFindings, transientFindings []Finding
	for center, bs := range bins {
		claimed := false
		for _, of := range orderFindingFreqsHz {
			if math.Abs(center-of) < freqBinHz {
				claimed = true
				break
			}
		}
		if claimed {
			continue
		}

		sortedAmps := append([]float64(nil), bs.amps...)
		sort.Float64s(sortedAmps)
		count := len(sortedAmps)
		presenceRatio := float64(count) / math.Max(1, float64(nSamples))

		if len(totalLocationSampleCounts) > 0 {
			for loc := range totalLocations {
				locTotal := totalLocationSampleCounts[loc]
				if locTotal >= 3 {
					locPresence := float64(bs.locationCounts[loc]) / float64(locTotal)
					if locPresence > presenceRatio {
						presenceRatio = locPresence
					}
				}
			}
		}

		var medianAmp, p95Amp float64
		if count >= 2 {
			medianAmp = percentile(sortedAmps, 0.50)
			p95Amp = percentile(sortedAmps, 0.95)
		} else {
			medianAmp = sortedAmps[0]
			p95Amp = sortedAmps[0]
		}
		maxAmp := sortedAmps[count-1]
		burstiness := 0.0
		if medianAmp > 1e-9 {
			burstiness = maxAmp / medianAmp
		}

		meanFloor := 0.0
		if len(bs.floors) > 0 {
			meanFloor = mean(bs.floors)
		}
		effectiveFloor := math.Max(memsNoiseFloorG, math.Max(runNoiseBaselineG, meanFloor))
		rawSNR := p95Amp / effectiveFloor

		var spatialUniformity, speedUniformity *float64
		if len(totalLocations) >= 2 {
			v := float64(len(bs.locationCounts)) / float64(len(totalLocations))
			spatialUniformity = &v
		}
		if len(totalSpeedBinCounts) >= 2 {
			var hitRates []float64
			for speedBin, totalCount := range totalSpeedBinCounts {
				if totalCount <= 0 {
					continue
				}
				hitRates = append(hitRates, float64(bs.speedBinCounts[speedBin])/float64(totalCount))
			}
			if len(hitRates) > 0 {
				hrMean := mean(hitRates)
				if len(hitRates) > 1 {
					var sq float64
					for _, r := range hitRates {
						sq += (r - hrMean) * (r - hrMean)
					}
					v := math.Sqrt(sq / float64(len(hitRates)))
					speedUniformity = &v
				} else {
					v := 0.0
					speedUniformity = &v
				}
			}
		}

		peakType := ClassifyPeakType(presenceRatio, burstiness, &rawSNR, spatialUniformity, speedUniformity, tuning)

		snrScore := math.Min(1.0, math.Log1p(rawSNR)/tuning.GetSNRLogDivisor())
		spatialConcentration := 1.0
		if len(bs.locationCounts) > 0 && count > 0 {
			maxLocCount := 0
			for _, c := range bs.locationCounts {
				if c > maxLocCount {
					maxLocCount = c
				}
			}
			spatialConcentration = float64(maxLocCount) / float64(count)
		}
		spatialPenalty := 1.0
		if len(bs.locationCounts) > 0 {
			spatialPenalty = 0.35 + 0.65*spatialConcentration
		}

		peakStrengthDB := vibrationStrengthDB(p95Amp, effectiveFloor)

		var confidence float64
		switch peakType {
		case BaselineNoise:
			confidence = math.Max(0.02, math.Min(0.12, 0.02+0.05*presenceRatio))
		case Transient:
			confidence = math.Max(0.05, math.Min(0.22, 0.05+0.10*presenceRatio+0.07*snrScore))
		default:
			base := math.Max(0.10, math.Min(0.75, 0.10+0.35*presenceRatio+0.15*snrScore+0.15*math.Min(1.0, 1.0-burstiness/10.0)))
			confidence = base * spatialPenalty
			if len(bs.locationCounts) > 0 && spatialConcentration <= 0.35 {
				confidence = math.Min(confidence, 0.35)
			}
			if peakStrengthDB < strength.NegligibleMaxDB {
				confidence = math.Min(confidence, 0.40)
			}
		}

		peakSpeed, speedWindow, speedBand := localization.SpeedProfileFromPoints(bs.speedAmpPairs, "", nil)

		phasesDetected := make([]string, 0, len(bs.phaseCounts))
		totalPhaseHits := 0
		for p, c := range bs.phaseCounts {
			if c > 0 {
				phasesDetected = append(phasesDetected, p)
			}
			totalPhaseHits += c
		}
		sort.Strings(phasesDetected)
		cruiseFraction := 0.0
		if totalPhaseHits > 0 {
			cruiseFraction = float64(bs.phaseCounts[string(phase.Cruise)]) / float64(totalPhaseHits)
		}
		var phasePresence map[string]float64
		if totalPhaseHits > 0 {
			phasePresence = make(map[string]float64, len(bs.phaseCounts))
			for p, c := range bs.phaseCounts {
				if c > 0 {
					phasePresence[p] = float64(c) / float64(totalPhaseHits)
				}
			}
		}

		suspectedSource := "unknown_resonance"
		severity := "diagnostic"
		if peakType == BaselineNoise {
			suspectedSource = "baseline_noise"
		} else if peakType == Transient {
			suspectedSource = "transient_impact"
			severity = "info"
		}

		finding := Finding{
			FindingID:            "F_PEAK",
			FindingKey:           "peak_" + itoa(int(math.Round(center))) + "hz",
			Severity:             severity,
			SuspectedSource:      suspectedSource,
			EvidenceSummary:      i18n.New("EVIDENCE_PEAK_PRESENT", "freq", center, "pct", presenceRatio, "p95", peakStrengthDB, "units", "dB", "burst", burstiness, "cls", string(peakType)),
			FrequencyHz:          center,
			VibrationStrengthDB:  peakStrengthDB,
			Confidence:           confidence,
			Classification:       peakType,
			CruiseFraction:       cruiseFraction,
			PhasesDetected:       phasesDetected,
			PhasePresence:        phasePresence,
			PresenceRatio:        presenceRatio,
			Burstiness:           burstiness,
			SpatialConcentration: spatialConcentration,
			SpatialUniformity:    spatialUniformity,
			SpeedUniformity:      speedUniformity,
			SampleCount:          count,
			TotalSamples:         nSamples,
			PeakSpeedKmh:         peakSpeed,
			SpeedWindowKmh:       speedWindow,
			StrongestSpeedBand:   speedBand,
			rankingScore:         presenceRatio * presenceRatio * p95Amp,
		}

		if peakType == Transient {
			transientFindings = append(transientFindings, finding)
		} else {
			persistentFindings = append(persistentFindings, finding)
		}
	}

	byScoreThenFreq := func(fs []Finding) func(i, j int) bool {
		return func(i, j int) bool {
			if fs[i].rankingScore != fs[j].rankingScore {
				return fs[i].rankingScore > fs[j].rankingScore
			}
			return fs[i].FrequencyHz < fs[j].FrequencyHz
		}
	}
	sort.Slice(persistentFindings, byScoreThenFreq(persistentFindings))
	sort.Slice(transientFindings, byScoreThenFreq(transientFindings))

	maxN := tuning.GetPersistentPeakMaxFindings()
	var results []Finding
	if len(persistentFindings) > maxN {
		persistentFindings = persistentFindings[:maxN]
	}
	if len(transientFindings) > maxN {
		transientFindings = transientFindings[:maxN]
	}
	results = append(results, persistentFindings...)
	results = append(results, transientFindings...)
	return results
}
