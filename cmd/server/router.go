package main

import (
	"net/http"
	"time"

	"narrative-server/internal/config"
	delivery "narrative-server/internal/delivery/http"
	"narrative-server/internal/delivery/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
)

func newRouter(cfg *config.Config, log *zap.Logger, svc delivery.GenerationService, ws *websocket.Manager, rdb redis.UniversalClient) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "development" {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(delivery.GinZapLogger(log.Named("HTTP")))
	router.Use(gin.Recovery())

	// Регистрирует /metrics и middleware до маршрутов, иначе они не попадут в метрики.
	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSAllowedOrigins) == 0 || (len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	healthHandler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthHandler)
	router.HEAD("/health", healthHandler)

	router.Static("/media", cfg.MediaSavePath)
	router.GET("/ws", gin.WrapH(ws.Handler()))

	var generateMiddleware []gin.HandlerFunc
	if cfg.GenerateRateLimit > 0 {
		generateMiddleware = append(generateMiddleware, delivery.GenerationRateLimiter(rdb, cfg.GenerateRateLimit, log))
	}
	delivery.NewHandler(svc, log).RegisterRoutes(router, generateMiddleware...)

	return router
}
