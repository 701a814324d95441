// Package analysis computes on-demand health assessments from stored
// readings. Results are built per request and never persisted.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"diagnet/internal/config"
	"diagnet/internal/model"
	"diagnet/internal/storage"
)

const (
	anomalyTemperature = "TEMPERATURE"
	anomalyVibration   = "VIBRATION"

	// readings fetched per analysis window, newest first
	sliceCap = 10000
)

// Analyzer runs the two-pass anomaly detection over a machine's recent
// readings: fixed thresholds first, then standardized scores against the
// window's own distribution.
type Analyzer struct {
	store  storage.Store
	cfg    config.AnalysisConfig
	logger *slog.Logger
	now    func() time.Time
}

func New(store storage.Store, cfg config.AnalysisConfig, logger *slog.Logger) *Analyzer {
	return &Analyzer{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Analyze assesses one machine over the trailing window of the given
// number of hours. A window holding fewer than the configured minimum of
// points yields INSUFFICIENT_DATA with a null score. Store failures fail
// the whole analysis; there is no partial result.
func (a *Analyzer) Analyze(ctx context.Context, machineID string, hours int) (*model.AnalysisResult, error) {
	since := a.now().UTC().Add(-time.Duration(hours) * time.Hour)
	slice, err := a.store.ScanMachine(ctx, machineID, since, sliceCap)
	if err != nil {
		return nil, fmt.Errorf("fetching window for %s: %w", machineID, err)
	}
	// the store returns newest first; the passes walk oldest first
	sort.Slice(slice, func(i, j int) bool {
		return slice[i].Timestamp.Before(slice[j].Timestamp.Time)
	})

	if len(slice) < a.cfg.MinPoints {
		if a.logger != nil {
			a.logger.Warn("not enough readings for analysis",
				"machine_id", machineID, "need", a.cfg.MinPoints, "got", len(slice))
		}
		return &model.AnalysisResult{
			MachineID:  machineID,
			AnalyzedAt: a.now().UTC(),
			Status:     model.HealthInsufficientData,
			Anomalies:  []model.Anomaly{},
			Statistics: model.Statistics{DataPointsAnalyzed: len(slice)},
		}, nil
	}

	temp := newSeries()
	vib := newSeries()
	for _, r := range slice {
		temp.add(r.Temperature)
		vib.add(r.Vibration)
	}

	anomalies := a.thresholdPass(slice)
	anomalies = append(anomalies, a.zScorePass(slice, temp, vib)...)
	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].DetectedAt.Before(anomalies[j].DetectedAt.Time)
	})

	score := healthScore(anomalies)
	if a.logger != nil {
		a.logger.Info("analysis complete",
			"machine_id", machineID, "health_score", score, "anomalies", len(anomalies))
	}
	return &model.AnalysisResult{
		MachineID:   machineID,
		AnalyzedAt:  a.now().UTC(),
		HealthScore: &score,
		Status:      healthBucket(score),
		Anomalies:   anomalies,
		Statistics: model.Statistics{
			AvgTemperature:     temp.mean(),
			MaxTemperature:     temp.max,
			AvgVibration:       vib.mean(),
			MaxVibration:       vib.max,
			DataPointsAnalyzed: len(slice),
		},
	}, nil
}

// thresholdPass emits one anomaly per metric per reading at or above the
// absolute limits. Boundary values count.
func (a *Analyzer) thresholdPass(slice []model.Reading) []model.Anomaly {
	var out []model.Anomaly
	for _, r := range slice {
		switch {
		case r.Temperature >= a.cfg.TempCrit:
			out = append(out, model.Anomaly{
				Type:       anomalyTemperature,
				Severity:   model.SeverityCritical,
				Value:      r.Temperature,
				Threshold:  a.cfg.TempCrit,
				Message:    fmt.Sprintf("Temperature critically high: %v°C", r.Temperature),
				DetectedAt: r.Timestamp,
			})
		case r.Temperature >= a.cfg.TempWarn:
			out = append(out, model.Anomaly{
				Type:       anomalyTemperature,
				Severity:   model.SeverityWarning,
				Value:      r.Temperature,
				Threshold:  a.cfg.TempWarn,
				Message:    fmt.Sprintf("Temperature warning: %v°C", r.Temperature),
				DetectedAt: r.Timestamp,
			})
		}
		switch {
		case r.Vibration >= a.cfg.VibCrit:
			out = append(out, model.Anomaly{
				Type:       anomalyVibration,
				Severity:   model.SeverityCritical,
				Value:      r.Vibration,
				Threshold:  a.cfg.VibCrit,
				Message:    fmt.Sprintf("Vibration critically high: %v", r.Vibration),
				DetectedAt: r.Timestamp,
			})
		case r.Vibration >= a.cfg.VibWarn:
			out = append(out, model.Anomaly{
				Type:       anomalyVibration,
				Severity:   model.SeverityWarning,
				Value:      r.Vibration,
				Threshold:  a.cfg.VibWarn,
				Message:    fmt.Sprintf("Vibration warning: %v", r.Vibration),
				DetectedAt: r.Timestamp,
			})
		}
	}
	return out
}

// zScorePass flags readings far from the window's own mean. A constant
// series has no spread and is skipped. Findings from this pass are never
// deduplicated against the threshold pass.
func (a *Analyzer) zScorePass(slice []model.Reading, temp, vib *series) []model.Anomaly {
	var out []model.Anomaly
	tMean, tStd := temp.mean(), temp.stddev()
	vMean, vStd := vib.mean(), vib.stddev()
	for _, r := range slice {
		if tStd > 0 {
			if z := math.Abs((r.Temperature - tMean) / tStd); z > a.cfg.ZThreshold {
				out = append(out, model.Anomaly{
					Type:       anomalyTemperature,
					Severity:   model.SeverityWarning,
					Value:      r.Temperature,
					Threshold:  tMean + a.cfg.ZThreshold*tStd,
					Message:    fmt.Sprintf("Unusual temperature pattern detected (Z-score: %.2f)", z),
					DetectedAt: r.Timestamp,
				})
			}
		}
		if vStd > 0 {
			if z := math.Abs((r.Vibration - vMean) / vStd); z > a.cfg.ZThreshold {
				out = append(out, model.Anomaly{
					Type:       anomalyVibration,
					Severity:   model.SeverityWarning,
					Value:      r.Vibration,
					Threshold:  vMean + a.cfg.ZThreshold*vStd,
					Message:    fmt.Sprintf("Unusual vibration pattern detected (Z-score: %.2f)", z),
					DetectedAt: r.Timestamp,
				})
			}
		}
	}
	return out
}

func healthScore(anomalies []model.Anomaly) float64 {
	score := 100.0
	for _, a := range anomalies {
		switch a.Severity {
		case model.SeverityCritical:
			score -= 20
		case model.SeverityWarning:
			score -= 5
		}
	}
	return math.Max(0, score)
}

func healthBucket(score float64) model.HealthStatus {
	switch {
	case score >= 80:
		return model.HealthHealthy
	case score >= 50:
		return model.HealthWarning
	default:
		return model.HealthCritical
	}
}

// series accumulates one metric's values for mean, max and the sample
// standard deviation.
type series struct {
	values []float64
	max    float64
}

func newSeries() *series {
	return &series{max: math.Inf(-1)}
}

func (s *series) add(v float64) {
	s.values = append(s.values, v)
	if v > s.max {
		s.max = v
	}
}

func (s *series) mean() float64 {
	if len(s.values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.values {
		sum += v
	}
	return sum / float64(len(s.values))
}

// stddev is the sample (n-1) form.
func (s *series) stddev() float64 {
	n := len(s.values)
	if n < 2 {
		return 0
	}
	m := s.mean()
	var ss float64
	for _, v := range s.values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}
