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

	"candleflow/config"
	"candleflow/internal/metrics"
	"candleflow/logger"
)

// Server exposes health, component stats, Prometheus metrics and the
// recent metric, log and resource history over HTTP.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	sources         metrics.Sources
	prometheus      http.Handler
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	started         time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sources metrics.Sources, prometheus http.Handler) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Addr = normalizeAddress(cfg.Addr)
	if cfg.History <= 0 {
		cfg.History = 200
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}

	metricStore := newMetricStore(cfg.History)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.History)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		sources:         sources,
		prometheus:      prometheus,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.History, cfg.SampleInterval, "/", log),
		started:         time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})

	router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.stats())
	})

	if s.prometheus != nil {
		router.GET("/metrics", gin.WrapH(s.prometheus))
	}

	router.GET("/api/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.byComponent(c.Query("component"))
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		level := logrus.TraceLevel
		if q := c.Query("level"); q != "" {
			parsed, err := logrus.ParseLevel(q)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			level = parsed
		}
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.atLeast(level)})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

// stats gathers the current counters of every configured component.
func (s *Server) stats() gin.H {
	out := gin.H{}
	if s.sources.Pipeline != nil {
		out["pipeline"] = s.sources.Pipeline()
	}
	if s.sources.Sink != nil {
		tables := gin.H{}
		for name, st := range s.sources.Sink() {
			tables[name] = gin.H{
				"queued_rows":        st.QueuedRows,
				"queued_batches":     st.QueuedBatches,
				"cumulative_rows":    st.CumulativeRows,
				"cumulative_batches": st.CumulativeBatches,
				"failed_batches":     st.FailedBatches,
				"dropped_rows":       st.DroppedRows,
				"last_flush":         st.LastFlush,
			}
		}
		out["sink"] = tables
	}
	if s.sources.Publisher != nil {
		st := s.sources.Publisher()
		out["publisher"] = gin.H{
			"queued":    st.Queued,
			"published": st.Published,
			"dropped":   st.Dropped,
			"failed":    st.Failed,
		}
	}
	if s.sources.Channels != nil {
		st := s.sources.Channels.GetStats()
		out["channels"] = gin.H{
			"ticks_sent":    st.TicksSent,
			"ticks_dropped": st.TicksDropped,
			"tick_buffer":   len(s.sources.Channels.Ticks),
		}
	}
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
