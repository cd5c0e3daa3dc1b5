package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"spot-execution-bot/internal/auth"
	"spot-execution-bot/internal/events"
	"spot-execution-bot/internal/execution"
	"spot-execution-bot/internal/journal"
	"spot-execution-bot/internal/position"
	"spot-execution-bot/internal/runner"
	"spot-execution-bot/internal/safestart"
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

// Bot is what the control loop exposes to operators
type Bot interface {
	Status() runner.Status
	SubmitSignal(sig execution.Signal) error
	SubmitBar(bar runner.BarUpdate) error
	SafeStartRequest() safestart.Request
}

// History serves the recent journal rows
type History interface {
	RecentExecutions(ctx context.Context, limit int) ([]journal.ExecutionEvent, error)
	RecentShadow(ctx context.Context, limit int) ([]journal.ShadowEntry, error)
	RecentTransitions(ctx context.Context, limit int) ([]position.Transition, error)
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowOrigins   []string
	RateLimit      int // mutating requests per window per route
	RateWindow     time.Duration
	MetricsEnabled bool
}

// Deps are the collaborators behind the routes. Bot is required; a nil
// Gate, Bus, JWT or History disables the matching feature.
type Deps struct {
	Bot     Bot
	Gate    *safestart.Gate
	Bus     *events.EventBus
	JWT     *auth.JWTManager
	History History
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	deps        Deps
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startedAt   time.Time
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 120
	}
	if config.RateWindow <= 0 {
		config.RateWindow = time.Minute
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		config:      config,
		deps:        deps,
		rateLimiter: NewRateLimiter(config.RateLimit, config.RateWindow),
		logger:      logger.With().Str("component", "API").Logger(),
		startedAt:   time.Now(),
	}

	s.hub = NewWSHub(s.logger)
	go s.hub.Run()
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

// Router exposes the gin engine for tests and embedding
func (s *Server) Router() *gin.Engine { return s.router }

// Hub returns the websocket hub
func (s *Server) Hub() *WSHub { return s.hub }

// rateLimitMiddleware rejects bursts on a route with 429
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Too many requests to this endpoint",
				"path":    path,
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
	if s.config.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	s.router.GET("/ws", s.handleWebSocket)

	read := s.router.Group("/api")
	read.Use(auth.Middleware(s.deps.JWT))
	{
		read.GET("/status", s.handleStatus)
		read.GET("/safe-start", s.handleSafeStartState)
		read.GET("/executions", s.handleExecutions)
		read.GET("/shadow", s.handleShadow)
		read.GET("/transitions", s.handleTransitions)
	}

	write := s.router.Group("/api")
	write.Use(auth.Middleware(s.deps.JWT), auth.RequireOperator(), s.rateLimitMiddleware())
	{
		write.POST("/safe-start/begin", s.handleSafeStartBegin)
		write.POST("/safe-start/confirm", s.handleSafeStartConfirm)
		write.POST("/safe-start/stop", s.handleSafeStartStop)
		write.POST("/signals", s.handleSignal)
		write.POST("/bars", s.handleBar)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.Close()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth reports liveness plus the adapter breaker state
func (s *Server) handleHealth(c *gin.Context) {
	st := s.deps.Bot.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"loop":           st.Status,
		"adapter_status": st.AdapterStatus,
		"uptime":         time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
