package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shopspring/decimal"

	"tokenfeed/config"
	"tokenfeed/logger"
)

// fakeCloudWatch installs a client and captures published data. The returned
// setter moves the clock.
func fakeCloudWatch(t *testing.T, interval time.Duration) (*[]cwtypes.MetricDatum, func(time.Duration)) {
	t.Helper()

	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "TokenFeed"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = interval
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	base := time.Unix(1700000000, 0)
	timeNow = func() time.Time { return base }
	t.Cleanup(func() { timeNow = time.Now })

	var captured []cwtypes.MetricDatum
	publishMetricsFunc = func(_ context.Context, _ *cloudWatchState, data []cwtypes.MetricDatum) {
		captured = append(captured, data...)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	return &captured, func(d time.Duration) {
		timeNow = func() time.Time { return base.Add(d) }
	}
}

func frameMetric(client string) Metric {
	return Metric{Component: "socket", Name: "frames_received", Fields: logger.Fields{"client": client, "unit": "count"}}
}

func TestPublishThrottlesEachSeries(t *testing.T) {
	captured, advance := fakeCloudWatch(t, time.Minute)

	publishMetricDatum(frameMetric("price"), 1)
	publishMetricDatum(frameMetric("live"), 1)

	advance(30 * time.Second)
	publishMetricDatum(frameMetric("price"), 2)

	if len(*captured) != 2 {
		t.Fatalf("expected one datum per client within the interval, got %d", len(*captured))
	}

	advance(61 * time.Second)
	publishMetricDatum(frameMetric("price"), 3)

	if len(*captured) != 3 {
		t.Fatalf("expected publish after the interval, got %d", len(*captured))
	}
	last := (*captured)[2]
	if aws.ToString(last.MetricName) != "frames_received" || aws.ToFloat64(last.Value) != 3 {
		t.Fatalf("unexpected datum %+v", last)
	}
	if !aws.ToTime(last.Timestamp).Equal(time.Unix(1700000000, 0).Add(61 * time.Second)) {
		t.Fatalf("zero metric timestamp must fall back to the clock, got %v", aws.ToTime(last.Timestamp))
	}
}

func TestPublishNeverThrottlesExhaustion(t *testing.T) {
	captured, _ := fakeCloudWatch(t, time.Hour)

	m := Metric{Component: "socket", Name: "reconnect_exhausted", Fields: logger.Fields{"client": "price"}}
	publishMetricDatum(m, 1)
	publishMetricDatum(m, 1)

	if len(*captured) != 2 {
		t.Fatalf("expected every exhaustion to publish, got %d", len(*captured))
	}
}

func TestPublishUnits(t *testing.T) {
	cases := map[string]cwtypes.StandardUnit{
		"count":        cwtypes.StandardUnitCount,
		"ms":           cwtypes.StandardUnitMilliseconds,
		"milliseconds": cwtypes.StandardUnitMilliseconds,
		"percent":      cwtypes.StandardUnitPercent,
		"bytes":        cwtypes.StandardUnitBytes,
		"megabytes":    cwtypes.StandardUnitMegabytes,
		"furlongs":     cwtypes.StandardUnitCount,
	}

	for unit, want := range cases {
		captured, _ := fakeCloudWatch(t, time.Minute)
		publishMetricDatum(Metric{Component: "report", Name: "sample_" + unit, Fields: logger.Fields{"unit": unit}}, 1)
		if len(*captured) != 1 {
			t.Fatalf("%s: expected one datum, got %d", unit, len(*captured))
		}
		if got := (*captured)[0].Unit; got != want {
			t.Fatalf("%s: unit = %s, want %s", unit, got, want)
		}
	}
}

func TestPublishWithoutClientIsNoop(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{namespace: "TokenFeed"})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(frameMetric("price"), 1)
	if called {
		t.Fatal("published without a CloudWatch client")
	}
}

func TestDimensionsSkipVolatileFields(t *testing.T) {
	m := Metric{Component: "socket", Name: "reconnects", Fields: logger.Fields{
		"protocol": "multiplexed",
		"client":   "price",
		"session":  "abc",
		"reason":   "read error",
		"attempt":  3,
		"empty":    "",
	}}

	dims := dimensionsFor(m)
	var names []string
	for _, d := range dims {
		names = append(names, aws.ToString(d.Name))
	}
	if got := strings.Join(names, ","); got != "component,client,protocol" {
		t.Fatalf("unexpected dimensions %s", got)
	}
	if key := seriesKey(m.Name, dims); key != "reconnects|component=socket|client=price|protocol=multiplexed" {
		t.Fatalf("unexpected series key %s", key)
	}
}

func TestRenderDashboardSubstitutes(t *testing.T) {
	body, err := renderDashboard(&cloudWatchState{namespace: "Feeds/Prod", region: "eu-west-1"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if strings.Contains(body, `"TokenFeed"`) || strings.Contains(body, `"us-east-1"`) {
		t.Fatal("template placeholders left in rendered dashboard")
	}
	if !strings.Contains(body, `"Feeds/Prod"`) || !strings.Contains(body, `"eu-west-1"`) {
		t.Fatal("configured namespace or region missing")
	}
}

func TestNewCloudWatchStateOverlaysConfig(t *testing.T) {
	current := &cloudWatchState{namespace: "TokenFeed", dashboardName: "TokenFeed"}

	state := newCloudWatchState(current, config.CloudWatchConfig{Region: "eu-west-1", Dashboard: "feeds"}, "")
	if state.namespace != "TokenFeed" || state.dashboardName != "feeds" || state.region != "eu-west-1" {
		t.Fatalf("unexpected state %+v", state)
	}
	if state == current {
		t.Fatal("state must be a copy")
	}

	state = newCloudWatchState(nil, config.CloudWatchConfig{Region: "eu-west-1", Namespace: "Feeds"}, "ap-south-1")
	if state.namespace != "Feeds" || state.region != "ap-south-1" {
		t.Fatalf("resolved region should win: %+v", state)
	}
}

func TestToFloat64(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{3, 3, true},
		{int64(7), 7, true},
		{float32(1.5), 1.5, true},
		{1500 * time.Millisecond, 1500, true},
		{decimal.RequireFromString("0.25"), 0.25, true},
		{"12", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := toFloat64(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("toFloat64(%v) = %v %v, want %v %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
