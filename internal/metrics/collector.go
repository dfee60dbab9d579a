package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objectfs/filetable/pkg/errors"
	"github.com/objectfs/filetable/pkg/health"
)

// TableSource exposes the live counters of a file table.
type TableSource interface {
	NrFiles() int64
	NrFilesExact() int64
	MaxFiles() int64
}

// HealthSource reports the overall state served on /health.
type HealthSource interface {
	GetOverallHealth() health.HealthState
}

// Collector exports file table metrics to Prometheus. It implements the
// file table's Observer.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	log      *zap.Logger

	// Prometheus metrics
	acquireCounter   *prometheus.CounterVec
	teardownCounter  prometheus.Counter
	teardownFailures prometheus.Counter
	teardownDuration prometheus.Histogram
	reclaimCounter   prometheus.Counter

	// Internal tracking
	acquires  map[string]int64
	teardowns int64
	failures  int64
	reclaims  int64
	lastReset time.Time
	table     TableSource
	health    HealthSource

	// HTTP server for metrics endpoint
	server   *http.Server
	listener net.Listener
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Address        string            `yaml:"address"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, log *zap.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:        true,
			Address:        ":9090",
			Path:           "/metrics",
			Namespace:      "filetable",
			UpdateInterval: 30 * time.Second,
			Labels:         make(map[string]string),
		}
	}
	if log == nil {
		log = zap.NewNop()
	}

	if !config.Enabled {
		return &Collector{config: config, log: log}, nil
	}

	collector := &Collector{
		config:    config,
		registry:  prometheus.NewRegistry(),
		log:       log.Named("metrics"),
		acquires:  make(map[string]int64),
		lastReset: time.Now(),
	}
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to register metrics").
			WithComponent("metrics").
			WithCause(err)
	}

	return collector, nil
}

// RegisterTable exports the table's live, exact and maximum file counts as gauges.
func (c *Collector) RegisterTable(src TableSource) error {
	if !c.config.Enabled {
		return nil
	}

	gauges := []prometheus.Collector{
		c.gaugeFunc("nr_files", "Approximate number of counted open files", func() float64 {
			return float64(src.NrFiles())
		}),
		c.gaugeFunc("nr_files_exact", "Exact number of counted open files", func() float64 {
			return float64(src.NrFilesExact())
		}),
		c.gaugeFunc("max_files", "Open file ceiling", func() float64 {
			return float64(src.MaxFiles())
		}),
	}
	for _, g := range gauges {
		if err := c.registry.Register(g); err != nil {
			return errors.NewError(errors.ErrCodeInternalError, "failed to register table gauges").
				WithComponent("metrics").
				WithCause(err)
		}
	}

	c.mu.Lock()
	c.table = src
	c.mu.Unlock()
	return nil
}

func (c *Collector) gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: c.config.Labels,
	}, fn)
}

// SetHealthSource makes /health report src's overall state. Without one
// the endpoint always reports healthy.
func (c *Collector) SetHealthSource(src HealthSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = src
}

// Registry returns the registry backing the collector, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start starts the metrics collection server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)

	ln, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to listen for metrics").
			WithComponent("metrics").
			WithDetail("address", c.config.Address).
			WithCause(err)
	}

	c.mu.Lock()
	c.listener = ln
	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	server := c.server
	c.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.log.Error("metrics server error", zap.Error(err))
		}
	}()
	c.log.Info("metrics server listening", zap.Stringer("address", ln.Addr()), zap.String("path", c.config.Path))

	if c.config.UpdateInterval > 0 {
		go c.updateLoop(ctx)
	}
	return nil
}

// Addr returns the address the server listens on, or nil before Start.
func (c *Collector) Addr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// RecordAcquire counts an acquire attempt by result.
func (c *Collector) RecordAcquire(result string) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	c.acquires[result]++
	c.mu.Unlock()

	c.acquireCounter.With(prometheus.Labels{"result": result}).Inc()
}

// RecordTeardown records a completed teardown and whether its release
// callback failed.
func (c *Collector) RecordTeardown(latency time.Duration, err error) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	c.teardowns++
	if err != nil {
		c.failures++
	}
	c.mu.Unlock()

	c.teardownCounter.Inc()
	c.teardownDuration.Observe(latency.Seconds())
	if err != nil {
		c.teardownFailures.Inc()
	}
}

// RecordReclaim counts a record returned to the pool.
func (c *Collector) RecordReclaim() {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	c.reclaims++
	c.mu.Unlock()

	c.reclaimCounter.Inc()
}

// GetMetrics returns current metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	acquires := make(map[string]int64, len(c.acquires))
	for k, v := range c.acquires {
		acquires[k] = v
	}

	metrics := map[string]interface{}{
		"acquires":          acquires,
		"teardowns":         c.teardowns,
		"teardown_failures": c.failures,
		"reclaims":          c.reclaims,
		"last_reset":        c.lastReset,
		"uptime":            time.Since(c.lastReset),
	}
	if c.table != nil {
		metrics["nr_files"] = c.table.NrFiles()
		metrics["max_files"] = c.table.MaxFiles()
	}
	return metrics
}

// ResetMetrics resets the internal tracking. Prometheus counters are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acquires = make(map[string]int64)
	c.teardowns, c.failures, c.reclaims = 0, 0, 0
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	c.acquireCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "acquires_total",
			Help:        "Total number of acquire attempts by result",
			ConstLabels: c.config.Labels,
		},
		[]string{"result"},
	)

	c.teardownCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "teardowns_total",
		Help:        "Total number of files torn down",
		ConstLabels: c.config.Labels,
	})

	c.teardownFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "teardown_failures_total",
		Help:        "Total number of failed release callbacks",
		ConstLabels: c.config.Labels,
	})

	c.teardownDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "teardown_duration_seconds",
		Help:        "Duration of file teardown in seconds",
		Buckets:     prometheus.ExponentialBuckets(0.000001, 4, 12), // 1µs to ~4s
		ConstLabels: c.config.Labels,
	})

	c.reclaimCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   c.config.Namespace,
		Subsystem:   c.config.Subsystem,
		Name:        "reclaims_total",
		Help:        "Total number of records reclaimed after the grace period",
		ConstLabels: c.config.Labels,
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.acquireCounter,
		c.teardownCounter,
		c.teardownFailures,
		c.teardownDuration,
		c.reclaimCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logSummary()
		}
	}
}

func (c *Collector) logSummary() {
	m := c.GetMetrics()
	fields := []zap.Field{
		zap.Any("acquires", m["acquires"]),
		zap.Any("teardowns", m["teardowns"]),
		zap.Any("reclaims", m["reclaims"]),
	}
	if nr, ok := m["nr_files"]; ok {
		fields = append(fields, zap.Any("nr_files", nr), zap.Any("max_files", m["max_files"]))
	}
	c.log.Debug("file table summary", fields...)
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	src := c.health
	c.mu.RUnlock()

	state := health.StateHealthy
	if src != nil {
		state = src.GetOverallHealth()
	}

	w.Header().Set("Content-Type", "application/json")
	if state == health.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{ // Ignore write error for health check
		"status":  state.String(),
		"service": "filetable-metrics",
	})
}
