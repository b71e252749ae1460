package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tokenfeed/internal/backoff"
	"tokenfeed/internal/protocol"
	"tokenfeed/internal/registry"
	"tokenfeed/models"
)

const (
	DefaultPath           = "config/config.yml"
	defaultProductionPath = "config/config.production.yml"
	defaultStagingPath    = "config/config.staging.yml"
)

type Config struct {
	App         AppConfig               `yaml:"app"`
	Logging     LoggingConfig           `yaml:"logging"`
	Metrics     MetricsConfig           `yaml:"metrics"`
	Dashboard   DashboardConfig         `yaml:"dashboard"`
	Credentials models.Credentials      `yaml:"credentials"`
	Clients     map[string]ClientConfig `yaml:"clients"`
	Watch       []WatchConfig           `yaml:"watch"`
	Series      SeriesConfig            `yaml:"series"`
}

type AppConfig struct {
	Name            string        `yaml:"name"`
	Version         string        `yaml:"version"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	Frames     bool             `yaml:"frames"`
	Series     bool             `yaml:"series"`
	Interval   time.Duration    `yaml:"interval"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

// ClientConfig describes one reconnecting socket client.
type ClientConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Protocol             string        `yaml:"protocol"`
	URL                  string        `yaml:"url"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ReadLimit            int64         `yaml:"read_limit"`
}

// Policy returns the reconnect parameters of the client.
func (c ClientConfig) Policy() backoff.Policy {
	return backoff.Policy{
		BaseDelay:   c.ReconnectDelay,
		MaxDelay:    c.MaxReconnectDelay,
		Multiplier:  c.BackoffMultiplier,
		MaxAttempts: c.MaxReconnectAttempts,
	}
}

// WatchConfig lists subscriptions the daemon holds on a client from startup.
type WatchConfig struct {
	Client string   `yaml:"client"`
	Kind   string   `yaml:"kind"`
	Keys   []string `yaml:"keys"`
}

// SeriesConfig sizes the merge buffer.
type SeriesConfig struct {
	MaxPoints int `yaml:"max_points"`
}

// ResolvePath picks the environment specific configuration when APP_ENV names
// one and the caller asked for the default file.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, DefaultPath)
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			Frames: true,
			Series: true,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("TOKENFEED_WALLET"); v != "" {
		config.Credentials.Wallet = strings.TrimSpace(v)
	}
	if v := os.Getenv("TOKENFEED_SIGNATURE"); v != "" {
		config.Credentials.Signature = strings.TrimSpace(v)
	}
	if v := os.Getenv("TOKENFEED_NONCE"); v != "" {
		config.Credentials.Nonce = strings.TrimSpace(v)
	}

	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.CloudWatch.Region == "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Metrics.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Metrics.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
	}
}

// ClientDefaults returns the reconnect and heartbeat defaults of a protocol.
func ClientDefaults(name string) ClientConfig {
	var policy backoff.Policy
	heartbeat := 30 * time.Second
	switch name {
	case protocol.NamePriceOnly:
		policy = backoff.Gentle()
		heartbeat = 60 * time.Second
	case protocol.NameLive:
		policy = backoff.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, MaxAttempts: 20}
	default:
		policy = backoff.Aggressive()
	}
	return ClientConfig{
		Protocol:             name,
		MaxReconnectAttempts: policy.MaxAttempts,
		ReconnectDelay:       policy.BaseDelay,
		MaxReconnectDelay:    policy.MaxDelay,
		BackoffMultiplier:    policy.Multiplier,
		HeartbeatInterval:    heartbeat,
		ConnectionTimeout:    10 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadLimit:            1 << 20,
	}
}

func applyDefaults(config *Config) {
	if config.App.ShutdownTimeout <= 0 {
		config.App.ShutdownTimeout = 10 * time.Second
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Metrics.Interval <= 0 {
		config.Metrics.Interval = 30 * time.Second
	}
	if config.Metrics.CloudWatch.Namespace == "" {
		config.Metrics.CloudWatch.Namespace = "TokenFeed"
	}
	if config.Metrics.CloudWatch.Dashboard == "" {
		config.Metrics.CloudWatch.Dashboard = "TokenFeed"
	}
	if config.Dashboard.Address == "" {
		config.Dashboard.Address = ":8080"
	}
	if config.Dashboard.LogHistory <= 0 {
		config.Dashboard.LogHistory = 200
	}
	if config.Dashboard.MetricsHistory <= 0 {
		config.Dashboard.MetricsHistory = 200
	}
	if config.Series.MaxPoints <= 0 {
		config.Series.MaxPoints = 200
	}

	for name, client := range config.Clients {
		if client.Protocol == "" {
			client.Protocol = protocol.NameMultiplexed
		}
		d := ClientDefaults(client.Protocol)
		if client.MaxReconnectAttempts <= 0 {
			client.MaxReconnectAttempts = d.MaxReconnectAttempts
		}
		if client.ReconnectDelay <= 0 {
			client.ReconnectDelay = d.ReconnectDelay
		}
		if client.MaxReconnectDelay <= 0 {
			client.MaxReconnectDelay = d.MaxReconnectDelay
		}
		if client.BackoffMultiplier <= 0 {
			client.BackoffMultiplier = d.BackoffMultiplier
		}
		if client.HeartbeatInterval <= 0 {
			client.HeartbeatInterval = d.HeartbeatInterval
		}
		if client.ConnectionTimeout <= 0 {
			client.ConnectionTimeout = d.ConnectionTimeout
		}
		if client.WriteTimeout <= 0 {
			client.WriteTimeout = d.WriteTimeout
		}
		if client.ReadLimit <= 0 {
			client.ReadLimit = d.ReadLimit
		}
		config.Clients[name] = client
	}
}

// EnabledClients returns the names of enabled clients in sorted order.
func (c *Config) EnabledClients() []string {
	names := make([]string, 0, len(c.Clients))
	for name, client := range c.Clients {
		if client.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}

	if len(cfg.EnabledClients()) == 0 {
		return fmt.Errorf("at least one client must be enabled")
	}

	env := getAppEnvironment()
	for name, client := range cfg.Clients {
		if !client.Enabled {
			continue
		}
		if err := validateClient(name, client); err != nil {
			return err
		}
		if client.Protocol == protocol.NameMultiplexed && env.ProductionLike() && !cfg.Credentials.Complete() {
			return fmt.Errorf("clients.%s uses the multiplexed protocol and requires credentials in %s", name, env)
		}
	}

	for i, w := range cfg.Watch {
		client, ok := cfg.Clients[w.Client]
		if !ok || !client.Enabled {
			return fmt.Errorf("watch[%d].client '%s' is not an enabled client", i, w.Client)
		}
		kind, err := registry.ParseKind(w.Kind)
		if err != nil {
			return fmt.Errorf("watch[%d].kind: %w", i, err)
		}
		proto, err := protocol.New(client.Protocol)
		if err != nil {
			return fmt.Errorf("watch[%d]: %w", i, err)
		}
		if !proto.Supports(kind) {
			return fmt.Errorf("watch[%d].kind '%s' is not supported by the %s protocol", i, w.Kind, client.Protocol)
		}
		if kind != registry.KindTokenFeed && len(w.Keys) == 0 {
			return fmt.Errorf("watch[%d].keys must not be empty for kind '%s'", i, w.Kind)
		}
	}

	if cfg.Series.MaxPoints < 2 {
		return fmt.Errorf("series.max_points must be at least 2")
	}

	if cfg.Metrics.CloudWatch.Enabled {
		if (cfg.Metrics.CloudWatch.AccessKeyID == "") != (cfg.Metrics.CloudWatch.SecretAccessKey == "") {
			return fmt.Errorf("metrics.cloudwatch.access_key_id and metrics.cloudwatch.secret_access_key must be set together")
		}
	}

	return nil
}

func validateClient(name string, client ClientConfig) error {
	if _, err := protocol.New(client.Protocol); err != nil {
		return fmt.Errorf("clients.%s.protocol: %w", name, err)
	}
	if client.URL == "" {
		return fmt.Errorf("clients.%s.url is required", name)
	}
	u, err := url.Parse(client.URL)
	if err != nil {
		return fmt.Errorf("clients.%s.url is invalid: %w", name, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("clients.%s.url must start with ws:// or wss://", name)
	}
	if client.BackoffMultiplier < 1 {
		return fmt.Errorf("clients.%s.backoff_multiplier must be at least 1", name)
	}
	if client.MaxReconnectDelay < client.ReconnectDelay {
		return fmt.Errorf("clients.%s.max_reconnect_delay must not be lower than reconnect_delay", name)
	}
	return nil
}
