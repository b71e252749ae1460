package series

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"tokenfeed/models"
)

func point(ts int64, v int64) models.Point {
	return models.Point{Timestamp: ts, Value: decimal.NewFromInt(v), Source: models.SourceLive}
}

func assertSorted(t *testing.T, s []models.Point) {
	t.Helper()
	if !sort.SliceIsSorted(s, func(i, j int) bool { return s[i].Timestamp < s[j].Timestamp }) {
		t.Fatalf("series not sorted: %v", s)
	}
	for i := 1; i < len(s); i++ {
		if s[i].Timestamp == s[i-1].Timestamp {
			t.Fatalf("duplicate timestamp %d", s[i].Timestamp)
		}
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	b := New(0)
	b.Merge("TOKENX", Range1H, point(100, 5))
	b.Merge("TOKENX", Range1H, point(100, 5))

	s := b.Series("TOKENX", Range1H)
	if len(s) != 1 || !s[0].Value.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected single point with value 5, got %v", s)
	}
}

func TestMergeReplacesSameTimestamp(t *testing.T) {
	b := New(0)
	b.Merge("TOKENX", Range1H, point(100, 5))
	b.Merge("TOKENX", Range1H, point(100, 7))

	s := b.Series("TOKENX", Range1H)
	if len(s) != 1 || !s[0].Value.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected replaced value 7, got %v", s)
	}
}

func TestMergeOutOfOrderStaysSorted(t *testing.T) {
	b := New(0)
	for _, ts := range []int64{50, 10, 40, 20, 30, 10} {
		b.Merge("TOKENX", Range1D, point(ts, ts))
	}
	s := b.Series("TOKENX", Range1D)
	if len(s) != 5 {
		t.Fatalf("expected 5 points, got %d", len(s))
	}
	assertSorted(t, s)
}

func TestMergeDownsamplesAndKeepsLatest(t *testing.T) {
	b := New(DefaultMaxPoints)
	for ts := int64(1); ts <= 250; ts++ {
		b.Merge("TOKENX", RangeAll, point(ts*1000, ts))
	}

	s := b.Series("TOKENX", RangeAll)
	if len(s) > DefaultMaxPoints {
		t.Fatalf("expected at most %d points, got %d", DefaultMaxPoints, len(s))
	}
	assertSorted(t, s)
	if last := s[len(s)-1]; last.Timestamp != 250000 {
		t.Fatalf("expected most recent point kept, got %d", last.Timestamp)
	}
}

func TestDownsampleRaisesIntervalUntilFits(t *testing.T) {
	s := make([]models.Point, 0, 399)
	for ts := int64(0); ts < 399; ts++ {
		s = append(s, point(ts, ts))
	}
	out := downsample(s, 200)
	if len(out) > 200 {
		t.Fatalf("expected at most 200 points, got %d", len(out))
	}
	if out[len(out)-1].Timestamp != 398 {
		t.Fatalf("expected last point kept, got %d", out[len(out)-1].Timestamp)
	}
	assertSorted(t, out)

	if single := downsample(s, 1); len(single) != 1 || single[0].Timestamp != 398 {
		t.Fatalf("expected only the latest point, got %v", single)
	}
}

func TestMergeSnapshotThenLive(t *testing.T) {
	b := New(0)
	b.MergeSnapshot("TOKENX", Range1D, []models.Point{point(300, 3), point(100, 1), point(200, 2)})
	b.MergeLive("TOKENX", point(200, 20))
	b.MergeLive("TOKENX", point(400, 4))

	day := b.Series("TOKENX", Range1D)
	if len(day) != 4 {
		t.Fatalf("expected 4 points, got %v", day)
	}
	assertSorted(t, day)
	if !day[1].Value.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected live point to replace history at 200, got %s", day[1].Value)
	}

	live := b.Series("TOKENX", RangeLive)
	if len(live) != 2 {
		t.Fatalf("expected live range to hold 2 points, got %v", live)
	}

	got := b.RangesOf("TOKENX")
	if len(got) != 2 || got[0] != Range1D || got[1] != RangeLive {
		t.Fatalf("unexpected ranges: %v", got)
	}

	latest, ok := b.Latest("TOKENX")
	if !ok || latest.Timestamp != 400 {
		t.Fatalf("expected latest at 400, got %+v", latest)
	}
}

func TestSeriesReturnsCopy(t *testing.T) {
	b := New(0)
	b.Merge("TOKENX", Range1H, point(100, 1))
	s := b.Series("TOKENX", Range1H)
	s[0].Timestamp = 999

	if got := b.Series("TOKENX", Range1H)[0].Timestamp; got != 100 {
		t.Fatalf("buffer mutated through returned slice: %d", got)
	}
}

func TestDropAndStats(t *testing.T) {
	b := New(0)
	b.Merge("A", Range1H, point(1, 1))
	b.Merge("A", Range1D, point(1, 1))
	b.Merge("B", Range1H, point(1, 1))
	b.Merge("B", Range1H, point(2, 1))

	stats := b.Stats()
	if stats.Entities != 2 || stats.Series != 3 || stats.Points != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	b.Drop("A")
	if got := b.Entities(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("unexpected entities after drop: %v", got)
	}
	if _, ok := b.Latest("A"); ok {
		t.Fatal("expected no latest point for dropped entity")
	}
}

func TestConcurrentMerge(t *testing.T) {
	b := New(50)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for ts := int64(0); ts < 100; ts++ {
				b.MergeLive("TOKENX", point(ts*4+int64(w), ts))
			}
		}(w)
	}
	wg.Wait()

	s := b.Series("TOKENX", RangeLive)
	if len(s) > 50 {
		t.Fatalf("expected at most 50 points, got %d", len(s))
	}
	assertSorted(t, s)
}

func TestParseRange(t *testing.T) {
	if r, err := ParseRange("7d"); err != nil || r != Range7D {
		t.Fatalf("expected 7d, got %v %v", r, err)
	}
	if _, err := ParseRange("2w"); err == nil {
		t.Fatal("expected error for unknown range")
	}
}

func TestLoaderSeedsBuffer(t *testing.T) {
	b := New(0)
	var calls int
	source := HistoryFunc(func(ctx context.Context, entity string, r Range) ([]models.Point, error) {
		calls++
		if r == Range30D {
			return nil, errors.New("upstream unavailable")
		}
		return []models.Point{point(10, 1), point(20, 2)}, nil
	})
	l := NewLoader(source, b, 1000, 10)

	n, err := l.Load(context.Background(), "TOKENX", Range1H)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 points, got %d (%v)", n, err)
	}
	for _, p := range b.Series("TOKENX", Range1H) {
		if p.Source != models.SourceHistory {
			t.Fatalf("expected history source, got %s", p.Source)
		}
	}

	err = l.LoadAll(context.Background(), "TOKENX", Range1D, Range30D)
	if err == nil {
		t.Fatal("expected joined error for failing range")
	}
	if len(b.Series("TOKENX", Range1D)) != 2 || calls != 3 {
		t.Fatalf("expected 1d loaded despite 30d failure, calls=%d", calls)
	}
}

func TestLoaderHonoursContext(t *testing.T) {
	l := NewLoader(HistoryFunc(func(context.Context, string, Range) ([]models.Point, error) {
		t.Fatal("source must not be called")
		return nil, nil
	}), New(0), 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Load(ctx, "TOKENX", Range1H); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLoaderLeavesSourcePointsUntouched(t *testing.T) {
	cached := []models.Point{point(10, 1), point(20, 2)}
	l := NewLoader(HistoryFunc(func(context.Context, string, Range) ([]models.Point, error) {
		return cached, nil
	}), New(0), 1000, 10)

	if _, err := l.Load(context.Background(), "TOKENX", Range1H); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, p := range cached {
		if p.Source != models.SourceLive {
			t.Fatalf("source slice was modified: %+v", cached)
		}
	}
}
