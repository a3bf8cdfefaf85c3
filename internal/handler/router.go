package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/SergeiKhy/campaign-redirect/internal/middleware"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ChannelStatsProvider источник статистики очереди счётчиков для health
type ChannelStatsProvider interface {
	ChannelStats() service.ChannelStats
}

// Pinger зависимость, проверяемая в health
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterDeps struct {
	Redirect    service.RedirectService
	Admin       service.AdminService
	Counters    ChannelStatsProvider
	RateLimiter *middleware.RateLimiter
	// APIKey nil отключает аутентификацию /api/v1
	APIKey gin.HandlerFunc
	// Metrics nil отключает /metrics
	Metrics http.Handler
	// Probes имя -> зависимость для health
	Probes map[string]Pinger
}

func NewRouter(deps RouterDeps, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Middleware для логгирования
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	})

	redirectHandler := NewRedirectHandler(deps.Redirect, logger)
	adminHandler := NewAdminHandler(deps.Admin, logger)

	// Редирект без API key; лимит считается на пару (IP, кампания)
	redirect := []gin.HandlerFunc{}
	if deps.RateLimiter != nil {
		redirect = append(redirect, deps.RateLimiter.MiddlewareWithKey(middleware.ByClientIPAndParam("campaignID")))
	}
	router.GET("/r/:campaignID", append(redirect, redirectHandler.Redirect)...)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// API v.1
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthCheck(deps.Counters, deps.Probes))

		if deps.RateLimiter != nil {
			v1.Use(deps.RateLimiter.Middleware())
		}
		// Применяем API Key middleware только к защищенным эндпоинтам
		if deps.APIKey != nil {
			v1.Use(deps.APIKey)
		}

		v1.PUT("/urls/:id", adminHandler.SaveURL)
		v1.PUT("/urls/:id/original-click-limit", adminHandler.SetOriginalClickLimit)
		v1.GET("/urls/:id/methods", adminHandler.MethodStats)
		v1.PUT("/campaigns/:id/multiplier", adminHandler.SetMultiplier)
		v1.GET("/campaigns/:id/spend", adminHandler.SpendStatus)
		v1.POST("/campaigns/:id/reconcile", adminHandler.ReconcileNow)
	}

	return router
}

// MetricsHandler обработчик /metrics поверх prometheus.DefaultGatherer
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func healthCheck(counters ChannelStatsProvider, probes map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{"status": "ok"}

		if len(probes) > 0 {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()

			checks := make(map[string]string, len(probes))
			for name, p := range probes {
				if err := p.Ping(ctx); err != nil {
					checks[name] = err.Error()
					status = http.StatusServiceUnavailable
					body["status"] = "degraded"
					continue
				}
				checks[name] = "ok"
			}
			body["checks"] = checks
		}
		if counters != nil {
			body["method_counters"] = counters.ChannelStats()
		}
		c.JSON(status, body)
	}
}
