// Package api wires the proxy's HTTP surface: the browser-facing REST
// endpoints, the device websocket endpoint, and the health probes.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/camlink/camlink/api/handler"
	"github.com/camlink/camlink/api/middleware"
	"github.com/camlink/camlink/config"
	"github.com/camlink/camlink/registry"
)

// corsMiddleware returns a gin-contrib/cors middleware configured with the
// proxy's allowed origins. Configured origins are accepted with credentials;
// unknown origins receive a wildcard Allow-Origin without credentials so
// public video players still work.
func corsMiddleware(cfg config.Proxy) gin.HandlerFunc {
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[strings.ToLower(o)] = true
	}

	return cors.New(cors.Config{
		AllowOriginWithContextFunc: func(c *gin.Context, origin string) bool {
			if !allowed[strings.ToLower(origin)] {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Writer.Header().Del("Access-Control-Allow-Credentials")
			}
			return true
		},
		AllowMethods:     []string{"GET", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Range", "Cache-Control"},
		ExposeHeaders:    []string{"Content-Length", "Content-Type", "Content-Range", "Accept-Ranges"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	})
}

// NewRouter builds and returns the proxy's http.Handler.
func NewRouter(cfg config.Proxy, reg *registry.Registry) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), corsMiddleware(cfg))

	deviceH := handler.NewDeviceHandler(cfg, reg)
	cameraH := handler.NewCameraHandler(reg)
	videoH := handler.NewVideoHandler(cfg, reg)
	systemH := handler.NewSystemHandler(reg)

	api := r.Group("/api")
	{
		api.GET("/ws/device", deviceH.Connect)

		api.GET("/cameras", cameraH.List)
		api.GET("/devices/:id/videos", videoH.List)
		api.GET("/devices/:id/videos/:filename", videoH.Stream)
		api.HEAD("/devices/:id/videos/:filename", videoH.Stream)
	}

	// Health probes — unauthenticated, for container orchestrators.
	r.GET("/health", systemH.HealthLive)
	r.GET("/ready", systemH.HealthReady)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return r
}
