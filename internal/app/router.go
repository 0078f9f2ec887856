package app

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipegate.io/pipegate/internal/api/handlers"
	"pipegate.io/pipegate/internal/api/middleware"
	"pipegate.io/pipegate/internal/config"
	"pipegate.io/pipegate/internal/pkg/logger"
)

// Public routes that do NOT require JWT authentication.
var publicPrefixes = []string{
	"/api/v1/health/",
	"/metrics",
}

func newRouter(cfg config.ServerConfig, server *handlers.Server, signingKey []byte) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	if corsCfg := buildCORSConfig(cfg); corsCfg.AllowAllOrigins || len(corsCfg.AllowOrigins) > 0 {
		router.Use(cors.New(corsCfg))
	}
	router.Use(jwtSkipPublic(signingKey))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/runs", server.RequestRun)
		v1.GET("/runs", server.ListRuns)
		v1.GET("/runs/:id", server.GetRun)
		v1.DELETE("/runs/:id", server.CancelRun)
		v1.POST("/runs/:id/start", server.StartRun)
		v1.POST("/runs/:id/outcome", server.ReportOutcome)
		v1.GET("/quota", server.GetQuota)
		v1.POST("/sweep", server.TriggerSweep)

		v1.GET("/health/live", server.GetLiveness)
		v1.GET("/health/ready", server.GetReadiness)
	}
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Log level hot-reload: GET returns the level, PUT {"level":"debug"}
	// changes it. JWT-protected like the rest of the API.
	logLevel := gin.WrapH(logger.HTTPHandler())
	router.GET("/log/level", logLevel)
	router.PUT("/log/level", logLevel)
	return router
}

// buildCORSConfig turns the server config into a gin-contrib/cors config.
// Wildcard origins are stripped from the allowlist unless the unsafe flag is
// set, and allow-all never ships with credentials.
func buildCORSConfig(cfg config.ServerConfig) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}
	if cfg.UnsafeAllowAllOrigins {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
		return c
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			continue
		}
		c.AllowOrigins = append(c.AllowOrigins, origin)
	}
	return c
}

// jwtSkipPublic returns middleware that applies JWT auth only on non-public routes.
func jwtSkipPublic(signingKey []byte) gin.HandlerFunc {
	jwtMw := middleware.JWTAuth(signingKey)
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		jwtMw(c)
	}
}
