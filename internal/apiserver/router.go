package apiserver

import (
	"github.com/gin-gonic/gin"

	"github.com/notifyhub/notifyhub/internal/common/config"
	"github.com/notifyhub/notifyhub/pkg/metrics"
)

// NewRouter builds the gin engine with the notification routes mounted.
// The metrics handle may be nil; the /metrics endpoint is then omitted.
func NewRouter(cfg *config.Config, h *Handler, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if m != nil {
		router.Use(m.GinMiddleware())
	}
	router.Use(Identity(cfg.Auth.JWTSecret))

	router.GET("/healthz", h.Healthz)
	if m != nil {
		router.GET("/metrics", m.Handler())
	}

	api := router.Group("/api/notifications")
	{
		api.POST("/register", h.Register)
		api.POST("/unregister", h.Unregister)
		api.POST("/publish", h.Publish)
		api.POST("/read", h.MarkRead)
		api.POST("/logout", h.Logout)
		api.GET("/history", h.History)
	}

	return router
}
