// Package server exposes the gateway over HTTP: the OpenAI-compatible /v1
// surface, health probes, the admin endpoints, and prometheus metrics.
package server

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routebrain/internal/audit"
	"routebrain/internal/budget"
	"routebrain/internal/config"
	"routebrain/internal/observability"
	"routebrain/internal/policy"
	"routebrain/internal/providers"
	"routebrain/internal/routing"
)

// Server wires the routing engine and its collaborators into a gin router.
type Server struct {
	settings *config.Settings
	routing  *routing.Engine
	policies *policy.Engine
	virtual  *policy.VirtualModelRegistry
	registry *providers.Registry
	tracker  *budget.Tracker
	audit    *audit.Logger
	logger   *observability.Logger
	router   *gin.Engine
}

// NewServer builds the router. tracker may be nil when redis is unavailable.
func NewServer(
	settings *config.Settings,
	engine *routing.Engine,
	policies *policy.Engine,
	virtual *policy.VirtualModelRegistry,
	registry *providers.Registry,
	tracker *budget.Tracker,
	auditLog *audit.Logger,
	logger *observability.Logger,
) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	s := &Server{
		settings: settings,
		routing:  engine,
		policies: policies,
		virtual:  virtual,
		registry: registry,
		tracker:  tracker,
		audit:    auditLog,
		logger:   logger,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	if !s.settings.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{
		"Origin", "Content-Type", "Authorization", "api-key",
		"X-Request-Id", "X-Tenant-Id", "X-User-Id", "X-Department",
	}
	r.Use(cors.New(corsConfig))
	r.Use(RequestIDMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	if s.settings.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	auth := AuthMiddleware(s.settings.APIKeys(), s.settings.IsDevelopment(), s.logger)

	v1 := r.Group("/v1", auth)
	{
		v1.POST("/chat/completions", s.handleChatCompletions)
		v1.GET("/models", s.handleModels)
	}

	admin := r.Group("/internal", auth)
	{
		admin.GET("/policies", s.handleListPolicies)
		admin.POST("/policies/reload", s.handleReloadPolicies)
		admin.POST("/routing/simulate", s.handleSimulate)
		admin.GET("/budget/:tenant/:user", s.handleBudget)
	}

	return r
}

// Handler exposes the router for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails.
func (s *Server) Run() error {
	s.logger.Info("gateway listening",
		"addr", s.settings.ListenAddr,
		"providers", s.registry.Available(),
		"dev_mode", s.settings.IsDevelopment())
	return s.router.Run(s.settings.ListenAddr)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	provHealth := s.registry.HealthCheckAll(ctx)
	redisOK := s.tracker != nil && s.tracker.HealthCheck(ctx)

	healthy := redisOK
	for _, ok := range provHealth {
		if ok {
			healthy = true
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    statusWord(healthy),
		"providers": provHealth,
		"redis":     redisOK,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func statusWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "degraded"
}
