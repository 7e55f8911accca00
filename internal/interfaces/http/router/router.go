package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/interfaces/http/handlers"
	"github.com/turtacn/paygate/internal/interfaces/http/middleware"
	"github.com/turtacn/paygate/pkg/constants"
	"github.com/turtacn/paygate/pkg/errors"
	"github.com/turtacn/paygate/pkg/logger"
)

// Handlers groups the HTTP handlers. Admin is nil when the admin API is disabled; Proxy is nil when no
// upstream is configured, in which case gated requests are answered with 204.
type Handlers struct {
	Health    *handlers.HealthHandler
	CSPReport *handlers.CSPReportHandler
	Admin     *handlers.AdminHandler
	Proxy     *handlers.ProxyHandler
}

// Middleware groups the route middleware. Observability and CSP are optional.
type Middleware struct {
	Gate          gin.HandlerFunc
	AdminAuth     gin.HandlerFunc
	CSP           gin.HandlerFunc
	Observability gin.HandlerFunc
}

// Router HTTP 路由器
type Router struct {
	engine     *gin.Engine
	config     *config.Config
	logger     logger.Logger
	handlers   Handlers
	middleware Middleware
	server     *http.Server
}

// NewRouter 创建路由器
func NewRouter(cfg *config.Config, log logger.Logger, h Handlers, m Middleware) *Router {
	// 设置 Gin 模式
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return &Router{
		engine:     engine,
		config:     cfg,
		logger:     log.WithComponent("Router"),
		handlers:   h,
		middleware: m,
		server: &http.Server{
			Addr:           addr,
			Handler:        engine,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			IdleTimeout:    2 * cfg.Server.ReadTimeout,
			MaxHeaderBytes: 1 << 20, // 1MB
		},
	}
}

// SetupRoutes 设置路由
func (r *Router) SetupRoutes() {
	// 全局中间件
	r.engine.Use(middleware.RecoveryMiddleware(r.logger))
	if r.middleware.Observability != nil {
		r.engine.Use(r.middleware.Observability)
	}
	r.engine.Use(middleware.LoggingMiddleware(r.logger))

	// CORS 配置
	if len(r.config.Server.CORSOrigins) > 0 {
		r.engine.Use(cors.New(cors.Config{
			AllowOrigins: r.config.Server.CORSOrigins,
			AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders: []string{
				"Origin", "Content-Type", constants.HeaderAuthorization, constants.HeaderAPIKey,
				constants.HeaderSignature, constants.HeaderTimestamp, constants.HeaderIdempotencyKey,
				constants.HeaderRequestID,
			},
			ExposeHeaders: []string{
				constants.HeaderRequestID, constants.HeaderRateLimitLimit, constants.HeaderRateLimitRemaining,
				constants.HeaderRetryAfter,
			},
			MaxAge: 12 * time.Hour,
		}))
	}

	// 健康检查路由（不需要认证）
	r.engine.GET(constants.PathHealth, r.handlers.Health.HealthCheck)
	r.engine.GET(constants.PathReady, r.handlers.Health.ReadinessCheck)
	r.engine.GET(constants.PathLive, r.handlers.Health.LivenessCheck)

	// Prometheus metrics
	r.engine.GET(constants.PathMetrics, gin.WrapH(promhttp.Handler()))

	// Pprof 性能分析（仅在非生产环境）
	if !r.config.Server.IsProduction() {
		pprof.Register(r.engine)
	}

	withCSP := func(chain ...gin.HandlerFunc) []gin.HandlerFunc {
		if r.middleware.CSP == nil {
			return chain
		}
		return append([]gin.HandlerFunc{r.middleware.CSP}, chain...)
	}

	r.engine.POST(constants.PathCSPReport, r.handlers.CSPReport.Report)

	if admin := r.handlers.Admin; admin != nil {
		group := r.engine.Group(constants.AdminPathPrefix, withCSP(r.middleware.AdminAuth)...)
		{
			group.GET("/policies", admin.ListPolicies)
			group.POST("/policies", admin.UpsertPolicy)
			group.GET("/policies/:id", admin.GetPolicy)
			group.DELETE("/policies/:id", admin.DeletePolicy)
			group.POST("/policies/:id/enable", admin.EnablePolicy)
			group.POST("/policies/:id/disable", admin.DisablePolicy)
			group.GET("/reports", admin.Report)
			group.GET("/compliance/:framework", admin.Compliance)
			group.GET("/threat-level", admin.ThreatLevel)
			group.GET("/blocks", admin.ListBlocks)
			group.DELETE("/blocks/:subject", admin.Unblock)
			group.POST("/keys/:key/revoke", admin.RevokeKey)
		}
	}

	// 支付 API 路由（经过安全网关）
	forward := handlers.Authorize
	if r.handlers.Proxy != nil {
		forward = r.handlers.Proxy.Forward
	}
	r.engine.Any("/api/*path", withCSP(r.middleware.Gate, forward)...)

	// 404 处理
	r.engine.NoRoute(func(c *gin.Context) {
		middleware.AbortWithProblem(c, errors.ErrNotFound("route"))
	})
}

// Start 启动 HTTP 服务器. It blocks until the server stops; Stop ends it gracefully.
func (r *Router) Start() error {
	r.SetupRoutes()

	r.logger.Info(context.Background(), "Starting HTTP server", logger.String("address", r.server.Addr))
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务器
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info(ctx, "Stopping HTTP server...")
	return r.server.Shutdown(ctx)
}

// Engine returns the gin engine, mainly for tests.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
