package metrics

import (
	"context"
	"time"

	"tokenfeed/logger"
)

// BufferStats is a point-in-time view of the merge buffer.
type BufferStats struct {
	Entities int
	Series   int
	Points   int
}

// StartSeriesMetrics emits merge buffer occupancy every `interval` until the
// context is cancelled. When interval <= 0, a thirty second cadence is used.
func StartSeriesMetrics(ctx context.Context, stats func() BufferStats, interval time.Duration) {
	if !IsFeatureEnabled(FeatureSeries) {
		return
	}
	if stats == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "series"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				emitSeriesStats(log, component, stats())
			}
		}
	}()
}

func emitSeriesStats(log *logger.Log, component string, s BufferStats) {
	EmitMetric(log, component, "series_entities", s.Entities, "gauge", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "series_count", s.Series, "gauge", logger.Fields{"unit": "count"})
	EmitMetric(log, component, "series_points", s.Points, "gauge", logger.Fields{"unit": "count"})
}
