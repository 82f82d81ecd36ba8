package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"depthwatch/config"
	"depthwatch/internal/metrics"
	"depthwatch/logger"
	"depthwatch/models"
)

// PairSource exposes the pipelines owned by this process.
type PairSource interface {
	Pairs() []models.PairStatus
	Book(symbol string) (*models.OrderBook, bool)
}

// Pinger checks a backing dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server hosts the operational HTTP API of depthwatch.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	pairs         PairSource
	db            Pinger
	maestroID     string
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
	host          *hostSampler
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, pairs PairSource, db Pinger, maestroID string) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Addr = normalizeAddress(cfg.Addr)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		pairs:         pairs,
		db:            db,
		maestroID:     maestroID,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
		host:          newHostSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
	}, nil
}

// Run starts the HTTP server and blocks until the provided context is
// cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.host.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithField("addr", s.cfg.Addr).Info("dashboard listening")

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
	s.host.stop()
}

// Address reports the network address the dashboard server listens on.
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

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/pairs", s.listPairs)
	api.GET("/pairs/:symbol/top", s.topOfBook)

	api.GET("/metrics", s.listMetrics)
	api.GET("/logs", s.listLogs)
	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.host.snapshot()})
	})

	return router, nil
}

// listMetrics serves the retained metric events, optionally narrowed with
// ?component= and ?pair=, next to the latest value of every series.
func (s *Server) listMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metrics": s.metricStore.query(c.Query("component"), c.Query("pair")),
		"latest":  metrics.Latest(),
	})
}

func (s *Server) listLogs(c *gin.Context) {
	level := logrus.TraceLevel
	if raw := c.Query("level"); raw != "" {
		parsed, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		level = parsed
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.query(level, c.Query("pair"))})
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "maestro_id": s.maestroID}
	if s.db != nil {
		if err := s.db.Ping(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		}
	}
	if s.pairs != nil {
		body["pairs"] = len(s.pairs.Pairs())
	}
	c.JSON(status, body)
}

func (s *Server) listPairs(c *gin.Context) {
	var pairs []models.PairStatus
	if s.pairs != nil {
		pairs = s.pairs.Pairs()
	}
	if pairs == nil {
		pairs = []models.PairStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs})
}

type levelView struct {
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	Liquidity string `json:"liquidity"`
}

func levelViews(levels []models.Level, depth int) []levelView {
	if len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]levelView, 0, len(levels))
	for _, l := range levels {
		out = append(out, levelView{
			Price:     l.Price.String(),
			Quantity:  l.Quantity.String(),
			Liquidity: l.Liquidity().String(),
		})
	}
	return out
}

// topOfBook serves the best levels of one pair. Symbols use "-" in place of
// "/", e.g. /api/pairs/BTC-USDT/top?depth=5.
func (s *Server) topOfBook(c *gin.Context) {
	depth := 10
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a positive integer"})
			return
		}
		depth = n
	}

	symbol := c.Param("symbol")
	if s.pairs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "pair not owned by this instance"})
		return
	}
	book, ok := s.pairs.Book(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pair not owned by this instance or not initialized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"asks":   levelViews(book.Asks.Ascending(), depth),
		"bids":   levelViews(book.Bids.Descending(), depth),
	})
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
