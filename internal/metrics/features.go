package metrics

import (
	"strings"
	"sync/atomic"

	"tokenfeed/config"
)

// Feature groups metrics that can be switched off from configuration.
type Feature string

const (
	// FeatureFrames covers per-frame counters emitted by socket clients.
	FeatureFrames Feature = "frames"
	// FeatureSeries covers periodic merge buffer occupancy gauges.
	FeatureSeries Feature = "series"
)

var (
	framesEnabled atomic.Bool
	seriesEnabled atomic.Bool
)

func init() {
	framesEnabled.Store(true)
	seriesEnabled.Store(true)
}

// Configure applies the feature switches from configuration.
func Configure(cfg config.MetricsConfig) {
	framesEnabled.Store(cfg.Frames)
	seriesEnabled.Store(cfg.Series)
}

// IsFeatureEnabled reports whether metrics of the given feature are emitted.
func IsFeatureEnabled(f Feature) bool {
	switch f {
	case FeatureFrames:
		return framesEnabled.Load()
	case FeatureSeries:
		return seriesEnabled.Load()
	default:
		return true
	}
}

func featureForMetric(name string) (Feature, bool) {
	switch {
	case strings.HasPrefix(name, "frames_"):
		return FeatureFrames, true
	case strings.HasPrefix(name, "series_"):
		return FeatureSeries, true
	default:
		return "", false
	}
}

func metricEnabled(name string) bool {
	f, ok := featureForMetric(name)
	if !ok {
		return true
	}
	return IsFeatureEnabled(f)
}
