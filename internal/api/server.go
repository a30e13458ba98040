// Package api serves a read-only JSON status API for the trading bot.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"quantis-trader/internal/backtest"
	"quantis-trader/internal/binance"
	"quantis-trader/internal/bot"
	"quantis-trader/internal/database"
	"quantis-trader/internal/events"
	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
	"quantis-trader/internal/metrics"
	"quantis-trader/internal/state"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// CandleReader is the read side of the time-series store.
type CandleReader interface {
	LastN(ctx context.Context, symbol string, g market.Granularity, n int) ([]market.Candle, error)
	Range(ctx context.Context, symbol string, g market.Granularity, from, to time.Time) ([]market.Candle, error)
	Count(ctx context.Context, symbol string, g market.Granularity) (int64, error)
}

// PositionReader reads the held side of a pair.
type PositionReader interface {
	HeldAsset(ctx context.Context, pair state.Pair) (state.HeldAsset, error)
}

// Journal reads recorded trade actions.
type Journal interface {
	RecentTradeActions(ctx context.Context, symbol string, limit int) ([]*database.TradeAction, error)
	HealthCheck(ctx context.Context) error
}

// BotAPI is what the server reads from the running bot.
type BotAPI interface {
	Config() bot.Config
	LastCycle() (bot.CycleReport, bool)
	CycleCount() int64
	StreamStats() (binance.StreamStats, bool)
}

// Backtester runs a crossover grid over stored candles.
type Backtester interface {
	Run(ctx context.Context, cfg backtest.Config) (backtest.Report, error)
}

// HealthCheck is a named dependency check for /health.
type HealthCheck func(ctx context.Context) error

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int      `json:"port" yaml:"port" default:"8090" validate:"gte=0,lte=65535"`
	Host           string   `json:"host" yaml:"host" default:"0.0.0.0"`
	Enabled        bool     `json:"enabled" yaml:"enabled" default:"true"`
	ProductionMode bool     `json:"production_mode" yaml:"production_mode"`
	AllowOrigins   []string `json:"allow_origins" yaml:"allow_origins"`
	// RequestsPerMinute caps each data endpoint.
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" default:"120" validate:"gte=0"`
}

// Deps carries the server collaborators. Journal, Backtester, Metrics and
// Events are optional.
type Deps struct {
	Bot        BotAPI
	Candles    CandleReader
	Positions  PositionReader
	Journal    Journal
	Backtester Backtester
	Metrics    *metrics.Recorder
	Events     *events.EventBus
	Checks     map[string]HealthCheck
	Logger     *logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	deps        Deps
	rateLimiter *RateLimiter
	hub         *WSHub
	logger      *logging.Logger
	startedAt   time.Time
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if deps.Logger == nil {
		deps.Logger = logging.WithComponent("api")
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 120
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:      router,
		config:      config,
		deps:        deps,
		rateLimiter: NewRateLimiter(config.RequestsPerMinute, time.Minute),
		logger:      deps.Logger,
		startedAt:   time.Now(),
	}
	router.Use(s.requestMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088", "http://localhost:8090"}
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	if deps.Events != nil {
		s.hub = InitWebSocket(deps.Events, s.logger)
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestMiddleware logs requests and records them as metrics.
func (s *Server) requestMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordHTTP(route, c.Request.Method, fmt.Sprintf("%d", status), elapsed)
		}
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds())
	}
}

// rateLimitMiddleware limits requests per route
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	if s.hub != nil {
		s.router.GET("/ws", s.handleWebSocket)
	}

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/cycles/last", s.handleLastCycle)
		api.GET("/position", s.handlePosition)
		api.GET("/candles/:granularity", s.handleCandles)
		api.GET("/trade-actions", s.handleTradeActions)
		api.POST("/backtest", s.handleRunBacktest)
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
