// Package server exposes the ops HTTP API: health and status probes,
// read-only portfolio views, recorded advice, on-demand backtests, and
// Prometheus metrics. When auth is enabled the operator token is
// exchanged at login for a short-lived JWT guarding the /api/v1 group.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"trading-assistant/config"
	"trading-assistant/internal/backtest"
	"trading-assistant/internal/market"
	"trading-assistant/internal/pipeline"
	"trading-assistant/internal/position"
)

const (
	defaultTokenTTL = 15 * time.Minute
	adviceDepth     = 10
)

// AdviceHistory reads recorded advice. Satisfied by pipeline.History.
type AdviceHistory interface {
	Recent(assetID string, n int) []pipeline.Advice
}

// BacktestRunner executes on-demand runs. Satisfied by backtest.Runner.
type BacktestRunner interface {
	Run(ctx context.Context, req backtest.Request) (*backtest.Result, error)
}

// Server is the ops API over the assistant's read paths.
type Server struct {
	cfg          config.ServerConfig
	mode         string
	router       *gin.Engine
	httpServer   *http.Server
	tokens       *TokenManager
	operatorHash []byte
	loginLimiter *rate.Limiter
	catalog      *market.Catalog
	tracker      *position.Tracker
	history      AdviceHistory
	runner       BacktestRunner
	startedAt    time.Time
	log          zerolog.Logger
}

func NewServer(
	cfg config.ServerConfig,
	mode string,
	catalog *market.Catalog,
	tracker *position.Tracker,
	history AdviceHistory,
	runner BacktestRunner,
	log zerolog.Logger,
) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:          cfg,
		mode:         mode,
		router:       router,
		loginLimiter: rate.NewLimiter(rate.Every(6*time.Second), 5),
		catalog:      catalog,
		tracker:      tracker,
		history:      history,
		runner:       runner,
		startedAt:    time.Now(),
		log:          log.With().Str("component", "server").Logger(),
	}
	router.Use(s.requestLogger())
	router.Use(cors.New(s.corsConfig()))

	if cfg.AuthEnabled {
		if cfg.OperatorToken == "" || cfg.JWTSecret == "" {
			return nil, errors.New("auth enabled but operator token or jwt secret is empty")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.OperatorToken), 12)
		if err != nil {
			return nil, fmt.Errorf("hashing operator token: %w", err)
		}
		s.operatorHash = hash
		ttl := cfg.TokenTTL
		if ttl <= 0 {
			ttl = defaultTokenTTL
		}
		s.tokens = NewTokenManager(cfg.JWTSecret, ttl)
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) corsConfig() cors.Config {
	cc := cors.DefaultConfig()
	cc.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	cc.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if s.cfg.AllowedOrigins == "" || s.cfg.AllowedOrigins == "*" {
		cc.AllowAllOrigins = true
		return cc
	}
	cc.AllowOrigins = strings.Split(s.cfg.AllowedOrigins, ",")
	cc.AllowCredentials = true
	return cc
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request served")
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.cfg.AuthEnabled {
		s.router.POST("/api/v1/login", s.handleLogin)
	}

	api := s.router.Group("/api/v1")
	if s.cfg.AuthEnabled {
		api.Use(s.authMiddleware())
	}
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/portfolio", s.handlePortfolio)
	api.GET("/advice/:asset", s.handleAdvice)
	api.POST("/backtest", s.handleBacktest)
}

// Handler exposes the routing tree. Used in tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown or a listen error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.log.Info().Str("addr", addr).Bool("auth", s.cfg.AuthEnabled).Msg("ops API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving ops API: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// handleHealthz reports process vitals. It answers 200 whenever the
// process can serve at all; probes watch the payload for drift.
func (s *Server) handleHealthz(c *gin.Context) {
	cpuAvg := 0.0
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuAvg = percents[0]
	}
	memUsed := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		memUsed = stat.UsedPercent
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuAvg,
		"mem_used_percent": memUsed,
	})
}

type loginRequest struct {
	Token string `json:"token" binding:"required"`
}

// handleLogin exchanges the operator token for a JWT. Attempts are
// rate limited so the token cannot be brute forced through this
// endpoint.
func (s *Server) handleLogin(c *gin.Context) {
	if !s.loginLimiter.Allow() {
		errorResponse(c, http.StatusTooManyRequests, "too many login attempts")
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "token is required")
		return
	}
	if err := bcrypt.CompareHashAndPassword(s.operatorHash, []byte(req.Token)); err != nil {
		s.log.Warn().Str("remote", c.ClientIP()).Msg("login rejected")
		errorResponse(c, http.StatusUnauthorized, "invalid operator token")
		return
	}
	token, expiresIn, err := s.tokens.Issue("operator")
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to issue token")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.tracker.Portfolio()
	successResponse(c, gin.H{
		"status":           "running",
		"mode":             s.mode,
		"started_at":       s.startedAt.Format(time.RFC3339),
		"uptime_seconds":   int64(time.Since(s.startedAt).Seconds()),
		"tracked_assets":   len(s.catalog.All()),
		"open_positions":   snap.OpenCount,
		"closed_positions": snap.ClosedPositions,
		"unrealized_pnl":   snap.TotalUnrealized,
		"realized_pnl":     snap.TotalRealized,
	})
}

// handlePositions lists open positions, optionally filtered by the
// asset query parameter.
func (s *Server) handlePositions(c *gin.Context) {
	filter := ""
	if token := c.Query("asset"); token != "" {
		asset, ok := s.catalog.Lookup(token)
		if !ok {
			errorResponse(c, http.StatusNotFound, fmt.Sprintf("unknown asset %q", token))
			return
		}
		filter = asset.ID
	}
	open := s.tracker.Query(filter)
	successResponse(c, gin.H{
		"count":     len(open),
		"positions": open,
	})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	successResponse(c, s.tracker.Portfolio())
}

// handleAdvice returns recent recorded advice for one asset. It never
// triggers a fresh LLM call; the pipeline loops own generation.
func (s *Server) handleAdvice(c *gin.Context) {
	token := c.Param("asset")
	asset, ok := s.catalog.Lookup(token)
	if !ok {
		errorResponse(c, http.StatusNotFound, fmt.Sprintf("unknown asset %q", token))
		return
	}
	recent := s.history.Recent(asset.ID, adviceDepth)
	if len(recent) == 0 {
		errorResponse(c, http.StatusNotFound, fmt.Sprintf("no advice recorded for %s", asset.ID))
		return
	}
	successResponse(c, gin.H{
		"asset":  asset.ID,
		"advice": recent,
	})
}

type backtestRequest struct {
	Asset    string  `json:"asset" binding:"required"`
	Strategy string  `json:"strategy" binding:"required"`
	Start    string  `json:"start"`
	End      string  `json:"end"`
	Capital  float64 `json:"capital"`
}

// handleBacktest runs a strategy replay synchronously and returns the
// full result. Runs are bounded by the runner's history window so a
// request cannot hold a worker for long.
func (s *Server) handleBacktest(c *gin.Context) {
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	asset, ok := s.catalog.Lookup(req.Asset)
	if !ok {
		errorResponse(c, http.StatusNotFound, fmt.Sprintf("unknown asset %q", req.Asset))
		return
	}

	var start, end time.Time
	var err error
	if req.Start != "" {
		if start, err = time.Parse("2006-01-02", req.Start); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid start date, use YYYY-MM-DD")
			return
		}
	}
	if req.End != "" {
		if end, err = time.Parse("2006-01-02", req.End); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid end date, use YYYY-MM-DD")
			return
		}
	}

	res, err := s.runner.Run(c.Request.Context(), backtest.Request{
		Asset:    asset,
		Strategy: req.Strategy,
		Start:    start,
		End:      end,
		Capital:  req.Capital,
	})
	if err != nil {
		switch {
		case errors.Is(err, backtest.ErrUnknownStrategy):
			errorResponse(c, http.StatusBadRequest,
				fmt.Sprintf("unknown strategy %q, available: %s", req.Strategy, strings.Join(backtest.StrategyNames(), ", ")))
		case errors.Is(err, backtest.ErrInsufficientHistory):
			errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		default:
			s.log.Error().Err(err).Str("asset", asset.ID).Msg("backtest run failed")
			errorResponse(c, http.StatusInternalServerError, "backtest failed")
		}
		return
	}
	successResponse(c, res)
}
