package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shopspring/decimal"

	"tokenfeed/config"
	"tokenfeed/logger"
)

// The template is written against this namespace and region; both are
// substituted before upload.
const (
	templateNamespace = "TokenFeed"
	templateRegion    = "us-east-1"
)

//go:embed CWdash.json
var dashboardTemplate string

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

// cwState is nil-client until InitCloudWatch succeeds; publishing is a noop
// before then.
var cwState atomic.Pointer[cloudWatchState]

var (
	// cloudWatchPublishInterval bounds how often a single series is sent.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	publishTimesMu sync.Mutex
	publishTimes   = make(map[string]time.Time)
)

// Fields that vary per event and would explode the dimension space.
var nonDimensionFields = map[string]struct{}{
	"metric":      {},
	"metric_type": {},
	"value":       {},
	"unit":        {},
	"url":         {},
	"reason":      {},
	"session":     {},
	"error":       {},
}

// Alert metrics are published on every occurrence.
var unthrottledMetrics = map[string]struct{}{
	"reconnect_exhausted": {},
}

var standardUnits = map[string]cwtypes.StandardUnit{
	"count":        cwtypes.StandardUnitCount,
	"percent":      cwtypes.StandardUnitPercent,
	"ms":           cwtypes.StandardUnitMilliseconds,
	"milliseconds": cwtypes.StandardUnitMilliseconds,
	"seconds":      cwtypes.StandardUnitSeconds,
	"bytes":        cwtypes.StandardUnitBytes,
	"megabytes":    cwtypes.StandardUnitMegabytes,
	"count/second": cwtypes.StandardUnitCountSecond,
}

func init() {
	cwState.Store(&cloudWatchState{namespace: templateNamespace, dashboardName: templateNamespace})
}

func cwLog() *logger.Entry {
	return logger.GetLogger().WithComponent("cloudwatch")
}

// InitCloudWatch builds the CloudWatch client and uploads the embedded
// dashboard. Static keys win over the default AWS credential chain. A failed
// dashboard upload is logged, not returned.
func InitCloudWatch(ctx context.Context, cfg config.CloudWatchConfig) error {
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS configuration: %w", err)
	}

	state := newCloudWatchState(cwState.Load(), cfg, awsCfg.Region)
	state.client = cloudwatch.NewFromConfig(awsCfg)
	cwState.Store(state)

	cwLog().WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
		"dashboard": state.dashboardName,
	}).Info("initialized CloudWatch client")

	if err := CreateDashboardFromTemplate(ctx); err != nil {
		cwLog().WithError(err).Warn("failed to create CloudWatch dashboard")
	}
	return nil
}

// newCloudWatchState overlays configured names on the current state. The
// region resolved by the SDK wins over the configured one.
func newCloudWatchState(current *cloudWatchState, cfg config.CloudWatchConfig, resolvedRegion string) *cloudWatchState {
	state := &cloudWatchState{namespace: templateNamespace, dashboardName: templateNamespace}
	if current != nil {
		*state = *current
	}
	if cfg.Namespace != "" {
		state.namespace = cfg.Namespace
	}
	if cfg.Dashboard != "" {
		state.dashboardName = cfg.Dashboard
	}
	state.region = cfg.Region
	if resolvedRegion != "" {
		state.region = resolvedRegion
	}
	return state
}

// EmitMetric records the metric for local handlers and, when CloudWatch is
// configured and the value is numeric, publishes it.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	m, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	v, ok := m.Float()
	if !ok {
		cwLog().WithField("metric", m.Name).Debug("non-numeric metric value; skipping publish")
		return
	}
	publishMetricDatum(m, v)
}

// renderDashboard rewrites the template for the state's namespace and region.
func renderDashboard(state *cloudWatchState) (string, error) {
	body := dashboardTemplate
	if state.namespace != "" && state.namespace != templateNamespace {
		body = strings.ReplaceAll(body, fmt.Sprintf("%q", templateNamespace), fmt.Sprintf("%q", state.namespace))
	}
	if state.region != "" && state.region != templateRegion {
		body = strings.ReplaceAll(body, fmt.Sprintf("%q", templateRegion), fmt.Sprintf("%q", state.region))
	}
	if !json.Valid([]byte(body)) {
		return "", errors.New("dashboard template is not valid JSON after substitution")
	}
	return body, nil
}

// CreateDashboardFromTemplate uploads the rendered dashboard. It is a noop
// until InitCloudWatch has created a client.
func CreateDashboardFromTemplate(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := renderDashboard(state)
	if err != nil {
		return err
	}
	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	}); err != nil {
		return fmt.Errorf("put dashboard %s: %w", state.dashboardName, err)
	}

	cwLog().WithField("dashboard", state.dashboardName).Debug("updated CloudWatch dashboard from template")
	return nil
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	dims := dimensionsFor(metric)
	if _, alert := unthrottledMetrics[metric.Name]; !alert && !allowPublish(seriesKey(metric.Name, dims)) {
		return
	}

	ts := metric.Timestamp
	if ts.IsZero() {
		ts = timeNow()
	}

	publishMetricsFunc(context.Background(), state, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Timestamp:  aws.Time(ts),
		Unit:       unitFor(metric),
		Value:      aws.Float64(value),
	}})
}

// dimensionsFor starts with the component and adds every non-empty string
// field that identifies a series, sorted by key.
func dimensionsFor(metric Metric) []cwtypes.Dimension {
	keys := make([]string, 0, len(metric.Fields))
	for k, v := range metric.Fields {
		if _, skip := nonDimensionFields[k]; skip {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	dims := make([]cwtypes.Dimension, 0, len(keys)+1)
	dims = append(dims, cwtypes.Dimension{Name: aws.String("component"), Value: aws.String(metric.Component)})
	for _, k := range keys {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(metric.Fields[k].(string))})
	}
	return dims
}

// unitFor maps the "unit" field to a CloudWatch unit, Count when absent or
// unknown.
func unitFor(metric Metric) cwtypes.StandardUnit {
	raw, _ := metric.Fields["unit"].(string)
	if raw == "" {
		return cwtypes.StandardUnitCount
	}
	if unit, ok := standardUnits[strings.ToLower(raw)]; ok {
		return unit
	}
	cwLog().WithFields(logger.Fields{"metric": metric.Name, "unit": raw}).Debug("unsupported metric unit; defaulting to Count")
	return cwtypes.StandardUnitCount
}

func seriesKey(name string, dims []cwtypes.Dimension) string {
	parts := make([]string, 0, len(dims)+1)
	parts = append(parts, name)
	for _, d := range dims {
		parts = append(parts, aws.ToString(d.Name)+"="+aws.ToString(d.Value))
	}
	return strings.Join(parts, "|")
}

// allowPublish throttles each series to one datum per interval.
func allowPublish(key string) bool {
	now := timeNow()

	publishTimesMu.Lock()
	defer publishTimesMu.Unlock()

	if last, ok := publishTimes[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		return false
	}
	publishTimes[key] = now
	return true
}

func resetMetricPublishTimes() {
	publishTimesMu.Lock()
	publishTimes = make(map[string]time.Time)
	publishTimesMu.Unlock()
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		cwLog().WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, len(data))
	for i, datum := range data {
		names[i] = aws.ToString(datum.MetricName)
	}
	cwLog().WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// toFloat64 converts the numeric kinds metrics are emitted with. Durations
// are reported in milliseconds.
func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case time.Duration:
		return float64(v.Milliseconds()), true
	case decimal.Decimal:
		return v.InexactFloat64(), true
	default:
		return 0, false
	}
}
