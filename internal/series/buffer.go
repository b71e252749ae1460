// Package series keeps bounded, timestamp-deduplicated time series per entity
// and range. It is where live socket points and fetched history meet.
package series

import (
	"fmt"
	"sort"
	"sync"

	"tokenfeed/internal/metrics"
	"tokenfeed/models"
)

// DefaultMaxPoints caps every series.
const DefaultMaxPoints = 200

// Range names a historical window tracked independently per entity.
type Range string

const (
	Range1H   Range = "1h"
	Range1D   Range = "1d"
	Range7D   Range = "7d"
	Range30D  Range = "30d"
	RangeAll  Range = "all"
	RangeLive Range = "live"
)

// Ranges lists every known range in display order.
var Ranges = []Range{Range1H, Range1D, Range7D, Range30D, RangeAll, RangeLive}

// ParseRange validates a range name.
func ParseRange(s string) (Range, error) {
	for _, r := range Ranges {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown range %q", s)
}

// Buffer is safe for concurrent use. Every mutation is idempotent per
// timestamp: merging the same point twice leaves one point.
type Buffer struct {
	mu        sync.RWMutex
	maxPoints int
	series    map[string]map[Range][]models.Point
}

// New returns an empty buffer. maxPoints <= 0 selects DefaultMaxPoints.
func New(maxPoints int) *Buffer {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	return &Buffer{
		maxPoints: maxPoints,
		series:    make(map[string]map[Range][]models.Point),
	}
}

// MaxPoints returns the per-series cap.
func (b *Buffer) MaxPoints() int { return b.maxPoints }

func (b *Buffer) bucketLocked(entity string) map[Range][]models.Point {
	ranges, ok := b.series[entity]
	if !ok {
		ranges = make(map[Range][]models.Point)
		b.series[entity] = ranges
	}
	return ranges
}

// Merge inserts p into the series of (entity, r), replacing any point with the
// same timestamp, and downsamples when the cap is exceeded.
func (b *Buffer) Merge(entity string, r Range, p models.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ranges := b.bucketLocked(entity)
	ranges[r] = downsample(insert(ranges[r], p), b.maxPoints)
}

// MergeSnapshot merges a batch of historical points into (entity, r).
func (b *Buffer) MergeSnapshot(entity string, r Range, points []models.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ranges := b.bucketLocked(entity)
	s := ranges[r]
	for _, p := range points {
		s = insert(s, p)
	}
	ranges[r] = downsample(s, b.maxPoints)
}

// MergeLive merges a live point into the live range and every other range
// already tracked for entity.
func (b *Buffer) MergeLive(entity string, p models.Point) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ranges := b.bucketLocked(entity)
	if _, ok := ranges[RangeLive]; !ok {
		ranges[RangeLive] = nil
	}
	for r, s := range ranges {
		ranges[r] = downsample(insert(s, p), b.maxPoints)
	}
}

// Series returns a copy of the series for (entity, r), oldest first.
func (b *Buffer) Series(entity string, r Range) []models.Point {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.series[entity][r]
	out := make([]models.Point, len(s))
	copy(out, s)
	return out
}

// Latest returns the most recent point of entity across all ranges.
func (b *Buffer) Latest(entity string) (models.Point, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var latest models.Point
	found := false
	for _, s := range b.series[entity] {
		if len(s) == 0 {
			continue
		}
		if last := s[len(s)-1]; !found || last.Timestamp > latest.Timestamp {
			latest, found = last, true
		}
	}
	return latest, found
}

// RangesOf returns the ranges tracked for entity in display order.
func (b *Buffer) RangesOf(entity string) []Range {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Range
	for _, r := range Ranges {
		if _, ok := b.series[entity][r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Entities returns every tracked entity, sorted.
func (b *Buffer) Entities() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.series))
	for entity := range b.series {
		out = append(out, entity)
	}
	b.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Drop forgets every series of entity.
func (b *Buffer) Drop(entity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.series, entity)
}

// Stats reports occupancy for metrics.
func (b *Buffer) Stats() metrics.BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := metrics.BufferStats{Entities: len(b.series)}
	for _, ranges := range b.series {
		stats.Series += len(ranges)
		for _, s := range ranges {
			stats.Points += len(s)
		}
	}
	return stats
}

// insert places p at its sorted position or replaces the point with the same
// timestamp.
func insert(s []models.Point, p models.Point) []models.Point {
	i := sort.Search(len(s), func(i int) bool { return s[i].Timestamp >= p.Timestamp })
	if i < len(s) && s[i].Timestamp == p.Timestamp {
		s[i] = p
		return s
	}
	s = append(s, models.Point{})
	copy(s[i+1:], s[i:])
	s[i] = p
	return s
}

// downsample keeps every interval-th point with interval = len/max, raising the
// interval until the result fits. The most recent point is always kept.
func downsample(s []models.Point, max int) []models.Point {
	if max <= 0 || len(s) <= max {
		return s
	}
	last := s[len(s)-1]
	if max == 1 {
		return []models.Point{last}
	}
	for interval := len(s) / max; ; interval++ {
		out := make([]models.Point, 0, len(s)/interval+1)
		for i := 0; i < len(s); i += interval {
			out = append(out, s[i])
		}
		if out[len(out)-1].Timestamp != last.Timestamp {
			out = append(out, last)
		}
		if len(out) <= max {
			return out
		}
	}
}
