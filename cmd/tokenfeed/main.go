package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"tokenfeed/config"
	"tokenfeed/internal/dashboard"
	"tokenfeed/internal/eventbus"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/protocol"
	"tokenfeed/internal/registry"
	"tokenfeed/internal/series"
	"tokenfeed/internal/socket"
	"tokenfeed/internal/watch"
	"tokenfeed/logger"
	"tokenfeed/models"
)

var errMissingCredentials = errors.New("wallet credentials are not configured")

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.App.Name,
		"version": cfg.App.Version,
		"config":  path,
		"env":     config.AppEnvironment(),
	}).Info("starting tokenfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch); err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
		}
	}

	startReport(ctx, cfg, log)

	buffer := series.New(cfg.Series.MaxPoints)
	metrics.StartSeriesMetrics(ctx, buffer.Stats, cfg.Metrics.Interval)

	creds := cfg.Credentials
	credentials := func() (*models.Credentials, error) {
		if !creds.Complete() {
			return nil, errMissingCredentials
		}
		c := creds
		return &c, nil
	}

	clients := make(map[string]*socket.Client)
	sources := make([]dashboard.ClientSource, 0, len(cfg.Clients))
	for _, name := range cfg.EnabledClients() {
		client, err := newClient(name, cfg.Clients[name], log)
		if err != nil {
			log.WithComponent("main").WithClient(name).WithError(err).Error("failed to create client")
			os.Exit(1)
		}
		clients[name] = client
		sources = append(sources, client)
	}

	adapters := make([]*watch.Adapter, 0, len(cfg.Watch))
	for _, w := range cfg.Watch {
		client := clients[w.Client]
		kind, err := registry.ParseKind(w.Kind)
		if err != nil {
			log.WithError(err).Error("invalid watch kind")
			os.Exit(1)
		}
		adapter := watch.New(client, kind,
			watch.WithBuffer(buffer),
			watch.WithCredentials(credentials),
			watch.WithLogger(log),
		)
		adapters = append(adapters, adapter)

		keys := w.Keys
		if kind == registry.KindTokenFeed && len(keys) == 0 {
			keys = []string{watch.Wildcard}
		}
		for _, key := range keys {
			entry := log.WithComponent("watch").WithFields(logger.Fields{
				"client": w.Client,
				"kind":   w.Kind,
				"key":    key,
			})
			if err := adapter.Watch(key, func(v decimal.Decimal, ts time.Time) {
				entry.WithFields(logger.Fields{"value": v.String(), "timestamp": ts.UnixMilli()}).Debug("update received")
			}); err != nil {
				entry.WithError(err).Error("failed to watch")
				os.Exit(1)
			}
		}
	}

	for name, client := range clients {
		if client.Registry().Len() == 0 {
			log.WithComponent("main").WithClient(name).Info("client has no watches; staying idle until one is added")
		}
	}

	var wg sync.WaitGroup

	srv, err := dashboard.NewServer(cfg.Dashboard, log, sources, buffer)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard server")
		os.Exit(1)
	}
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.WithComponent("dashboard").WithFields(logger.Fields{"address": srv.Address()}).Info("dashboard listening")
			if err := srv.Run(ctx, cfg.App.Name); err != nil {
				log.WithComponent("dashboard").WithError(err).Warn("dashboard server stopped")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	for _, adapter := range adapters {
		if err := adapter.Close(); err != nil {
			log.WithError(err).Warn("failed to release watches")
		}
	}
	for name, client := range clients {
		log.WithComponent("main").WithClient(name).Info("disconnecting client")
		client.Disconnect()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tokenfeed stopped")
}

func newClient(name string, cc config.ClientConfig, log *logger.Log) (*socket.Client, error) {
	proto, err := protocol.New(cc.Protocol)
	if err != nil {
		return nil, err
	}
	sc := socket.Config{
		Name:                 name,
		URL:                  cc.URL,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		ReconnectDelay:       cc.ReconnectDelay,
		MaxReconnectDelay:    cc.MaxReconnectDelay,
		BackoffMultiplier:    cc.BackoffMultiplier,
		HeartbeatInterval:    cc.HeartbeatInterval,
		ConnectionTimeout:    cc.ConnectionTimeout,
		WriteTimeout:         cc.WriteTimeout,
		ReadLimit:            cc.ReadLimit,
	}
	client, err := socket.New(sc, proto, registry.New(), eventbus.New(log), socket.WithLogger(log))
	if err != nil {
		return nil, err
	}

	entry := log.WithComponent("main").WithClient(name)
	eventbus.Subscribe(client.Bus(), socket.TopicConnected, func(c socket.Connected) {
		entry.WithFields(logger.Fields{"session": c.Session}).Info("real-time updates available")
	})
	eventbus.Subscribe(client.Bus(), eventbus.Errors, func(err error) {
		if errors.Is(err, socket.ErrReconnectExhausted) {
			entry.WithError(err).Error("real-time updates unavailable")
		}
	})
	return client, nil
}

func startReport(ctx context.Context, cfg *config.Config, log *logger.Log) {
	interval := cfg.Logging.ReportInterval
	if interval <= 0 {
		if strings.ToLower(cfg.Logging.Level) != "report" {
			return
		}
		interval = 30 * time.Second
	}

	logger.OnReport(func(r logger.Report) {
		metrics.EmitMetric(log, "report", "cpu_percent", r.CPUPercent, "gauge", logger.Fields{"unit": "percent"})
		metrics.EmitMetric(log, "report", "memory_mb", r.MemoryMB, "gauge", logger.Fields{"unit": "megabytes"})
		metrics.EmitMetric(log, "report", "goroutines", r.Goroutines, "gauge", logger.Fields{"unit": "count"})
	})
	logger.StartReport(ctx, log, interval)
}
