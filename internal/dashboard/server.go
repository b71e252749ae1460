package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tokenfeed/config"
	"tokenfeed/internal/eventbus"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/series"
	"tokenfeed/internal/socket"
	"tokenfeed/logger"
	"tokenfeed/models"
)

// ClientSource is the read side of one socket client: its status and the bus
// its lifecycle events are published on.
type ClientSource interface {
	Status() socket.Status
	Bus() *eventbus.Bus
}

// SeriesSource exposes the merge buffer read side.
type SeriesSource interface {
	Entities() []string
	RangesOf(entity string) []series.Range
	Series(entity string, r series.Range) []models.Point
}

// Server hosts the Gin-powered status API for tokenfeed operators.
type Server struct {
	cfg               config.DashboardConfig
	log               *logger.Log
	clients           []ClientSource
	buffer            SeriesSource
	metricStore       *metricStore
	logStore          *logStore
	eventStore        *eventStore
	metricHandler     metrics.MetricHandlerID
	httpServer        *http.Server
	refreshIntervalMs int
	resourceSampler   *resourceSampler
}

const (
	defaultHistory  = 200
	defaultRefresh  = 5 * time.Second
	defaultHost     = "0.0.0.0"
	defaultPort     = "8080"
	shutdownTimeout = 5 * time.Second
)

// NewServer returns nil when the dashboard is disabled. The stores start
// recording immediately so history accumulates before Run is called.
func NewServer(cfg config.DashboardConfig, log *logger.Log, clients []ClientSource, buffer SeriesSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg = withDashboardDefaults(cfg)

	s := &Server{
		cfg:               cfg,
		log:               log,
		clients:           clients,
		buffer:            buffer,
		metricStore:       newMetricStore(cfg.MetricsHistory),
		logStore:          newLogStore(cfg.LogHistory),
		eventStore:        newEventStore(cfg.LogHistory),
		refreshIntervalMs: int(cfg.RefreshInterval / time.Millisecond),
	}
	s.metricHandler = metrics.RegisterMetricHandler(s.metricStore.handle)
	log.AddHook(s.logStore)
	for _, client := range clients {
		s.eventStore.follow(client.Bus())
	}
	s.resourceSampler = newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", clients, log)
	return s, nil
}

func withDashboardDefaults(cfg config.DashboardConfig) config.DashboardConfig {
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval < time.Millisecond {
		cfg.RefreshInterval = defaultRefresh
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = defaultHistory
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = defaultHistory
	}
	return cfg
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{Addr: s.cfg.Address, Handler: router}
	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	served := make(chan error, 1)
	go func() {
		served <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-served
	return nil
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.eventStore.close()
	s.resourceSampler.stop()
}

// Address reports the normalised listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type route struct {
	path    string
	handler gin.HandlerFunc
}

func (s *Server) routes() []route {
	return []route{
		{"/healthz", s.handleHealth},
		{"/api/status", s.handleStatus},
		{"/api/events", s.handleEvents},
		{"/api/series", s.handleEntities},
		{"/api/series/:entity/:range", s.handleSeries},
		{"/api/metrics", s.handleMetrics},
		{"/api/logs", s.handleLogs},
		{"/api/resources", s.handleResources},
		{"/metrics", gin.WrapH(metrics.Handler())},
	}
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	metrics.Init()

	routes := s.routes()
	paths := make([]string, 0, len(routes))
	for _, r := range routes {
		router.GET(r.path, r.handler)
		paths = append(paths, r.path)
	}
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"refresh_interval_ms": s.refreshIntervalMs,
			"endpoints":           paths,
		})
	})
	return router, nil
}

// handleHealth degrades when any client has exhausted its reconnect budget.
func (s *Server) handleHealth(c *gin.Context) {
	var unavailable []string
	for _, client := range s.clients {
		if st := client.Status(); st.Unavailable {
			unavailable = append(unavailable, st.Name)
		}
	}
	if len(unavailable) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "unavailable": unavailable})
}

func (s *Server) handleStatus(c *gin.Context) {
	statuses := make([]socket.Status, len(s.clients))
	for i, client := range s.clients {
		statuses[i] = client.Status()
	}
	c.JSON(http.StatusOK, gin.H{"clients": statuses})
}

func (s *Server) handleEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.eventStore.query(c.Query("client"))})
}

func (s *Server) handleEntities(c *gin.Context) {
	entities := []gin.H{}
	if s.buffer != nil {
		for _, entity := range s.buffer.Entities() {
			entities = append(entities, gin.H{"entity": entity, "ranges": s.buffer.RangesOf(entity)})
		}
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

func (s *Server) handleSeries(c *gin.Context) {
	r, err := series.ParseRange(c.Param("range"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.buffer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "series buffer disabled"})
		return
	}
	entity := c.Param("entity")
	points := s.buffer.Series(entity, r)
	if len(points) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no points for " + entity + "/" + string(r)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity": entity, "range": r, "points": points})
}

func (s *Server) handleMetrics(c *gin.Context) {
	stored := s.metricStore.query(c.Query("name"), c.Query("client"))
	payload := make([]gin.H, len(stored))
	for i, m := range stored {
		payload[i] = gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		}
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

// handleLogs accepts ?level= as the least severe level to include.
func (s *Server) handleLogs(c *gin.Context) {
	minLevel := logrus.TraceLevel
	if raw := c.Query("level"); raw != "" {
		lvl, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		minLevel = lvl
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(minLevel, c.Query("component"), c.Query("client"))})
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
}

// normalizeAddress turns the configured address into host:port. URLs lose
// their scheme and path; a missing host binds all interfaces and a missing
// port falls back to 8080.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.Index(addr, "://"); i >= 0 {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		} else {
			addr = strings.TrimSuffix(addr[i+3:], "/")
		}
	}
	if addr == "" {
		return net.JoinHostPort(defaultHost, defaultPort)
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = defaultHost
		}
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	// A bare IPv6 literal has colons but no port.
	if ip := net.ParseIP(strings.Trim(addr, "[]")); ip != nil {
		return net.JoinHostPort(ip.String(), defaultPort)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}
