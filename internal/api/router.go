package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/pkg/config"
	"github.com/steemit/hivefeed/pkg/logging"
)

const healthTimeout = 2 * time.Second

// HealthCheck is a named dependency check reported by the health endpoints
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Router sets up API routes
type Router struct {
	handler     *JSONRPCHandler
	feed        FeedReader
	maint       Maintainer
	deadLetters DeadLetterSource
	auth        *config.AuthConfig
	checks      []HealthCheck
	logger      *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(feeds FeedReader, maint Maintainer, deadLetters DeadLetterSource, auth *config.AuthConfig, checks ...HealthCheck) *Router {
	router := &Router{
		handler:     NewJSONRPCHandler(),
		feed:        feeds,
		maint:       maint,
		deadLetters: deadLetters,
		auth:        auth,
		checks:      checks,
		logger:      logging.WithComponent("api-router"),
	}

	router.registerMethods()

	return router
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("/", Authenticate(r.auth.JWTSecret))

	// JSON-RPC endpoint; maintenance methods check the role themselves
	authed.POST("/rpc", r.handler.Handle)

	v1 := authed.Group("/api/v1")
	v1.GET("/feed", r.getFeed)

	maint := v1.Group("/maintenance", RequireRole(RoleAdmin))
	maint.POST("/refan-out", r.refanOut)
	maint.GET("/feed-stats", r.feedStats)
	maint.POST("/prune-inactive", r.pruneInactive)
	maint.GET("/dead-letters", r.deadLetterList)
}

// registerMethods registers all API methods
func (r *Router) registerMethods() {
	r.handler.RegisterMethod("feed_api.get_feed", r.rpcGetFeed)

	r.handler.RegisterMethod("maintenance_api.refan_out", r.rpcRefanOut)
	r.handler.RegisterMethod("maintenance_api.feed_stats", r.rpcFeedStats)
	r.handler.RegisterMethod("maintenance_api.prune_inactive", r.rpcPruneInactive)
}

// healthHandler handles health check requests
func (r *Router) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	results := make(gin.H, len(r.checks))
	for _, hc := range r.checks {
		if err := hc.Check(ctx); err != nil {
			r.logger.Warn("Health check failed", zap.String("check", hc.Name), zap.Error(err))
			results[hc.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[hc.Name] = "OK"
	}

	body := gin.H{
		"status":  "OK",
		"service": "hivefeed",
		"checks":  results,
	}
	if status != http.StatusOK {
		body["status"] = "DEGRADED"
	}
	c.JSON(status, body)
}
