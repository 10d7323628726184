package main

import (
	"relay-gateway/config"
	"relay-gateway/core"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// gateway 进程内的组件集合，由 cmd 组装后注入各个 handler
type gateway struct {
	store        *config.Store
	pool         *core.Pool
	metrics      *core.Metrics
	orchestrator *core.Orchestrator
	checker      *core.HealthChecker
	audit        *core.AsyncRequestLogger // 未启用数据库时为 nil
	limiter      *IPRateLimiter
	log          *logrus.Logger
}

// newGateway 组装网关；db 为 nil 时不记录审计日志
func newGateway(store *config.Store, db *gorm.DB, log *logrus.Logger) *gateway {
	cfg := store.Get()
	pool := core.NewPool(cfg.Tokens, cfg.Cooldown, log)
	metrics := core.NewMetrics(pool)
	dispatcher := core.NewHTTPDispatcher(core.NewHTTPClient(), store, log, metrics)

	gw := &gateway{
		store:   store,
		pool:    pool,
		metrics: metrics,
		log:     log,
	}

	// 避免把 nil 指针装进接口
	var recorder core.RequestRecorder
	if db != nil {
		gw.audit = core.NewAsyncRequestLogger(db, cfg.Storage.MaxRows, log)
		recorder = gw.audit
	}

	gw.orchestrator = core.NewOrchestrator(pool, dispatcher, store, log, metrics, recorder)
	gw.checker = core.NewHealthChecker(pool, dispatcher, store, log)
	if cfg.RateLimit.RPS > 0 {
		gw.limiter = NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return gw
}

// Close 停止后台任务并刷新审计日志
func (gw *gateway) Close() {
	gw.checker.Stop()
	if gw.limiter != nil {
		gw.limiter.Stop()
	}
	if gw.audit != nil {
		gw.audit.Close()
	}
}

// setupRoutes 设置路由
func setupRoutes(engine *gin.Engine, gw *gateway) {
	engine.GET("/", handleRoot(gw))
	engine.GET("/health", handleHealth(gw))
	engine.GET("/metrics", gin.WrapH(gw.metrics.Handler()))

	// 业务接口：鉴权 + 限流 + 错误日志
	v1 := engine.Group("/v1")
	v1.Use(verifyAccessKey(gw.store), rateLimitMiddleware(gw.limiter, gw.log), requestLoggerMiddleware(gw.log))
	{
		v1.POST("/chat/completions", handleChatCompletions(gw))
		v1.POST("/embeddings", handleEmbeddings(gw))
		v1.GET("/models", handleListModels(gw))
	}

	admin := engine.Group("/admin")
	admin.Use(verifyAccessKey(gw.store))
	{
		admin.GET("/tokens", handleListTokens(gw))
		admin.GET("/requests", handleRecentRequests(gw))
		admin.POST("/health-check", handleRunHealthCheck(gw))
	}
}
