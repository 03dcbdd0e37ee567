package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ops-notification-service/internal/config"
	"ops-notification-service/internal/logging"
)

func NewRouter(logger *logging.Logger, cfg config.Config, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLoggingMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.svc.SessionCount()})
	})

	api := r.Group(cfg.API.BasePath)
	operator := api.Group("", APIKeyMiddleware(cfg.API.Key))
	{
		operator.POST("/sessions", h.CreateSession)
		operator.PUT("/sessions/:sid/identity", h.SwitchIdentity)
		operator.DELETE("/sessions/:sid", h.CloseSession)
		operator.POST("/notifications", h.IngestNotification)
	}

	session := api.Group("/sessions/:sid", h.SessionMiddleware())
	{
		session.DELETE("/identity", h.SignOut)
		session.GET("/notifications", h.GetNotifications)
		session.POST("/notifications/read-all", h.MarkAllRead)
		session.POST("/notifications/:id/read", h.MarkRead)
		session.POST("/alerts/permission", h.RequestPermission)
		session.GET("/state", h.GetState)
		session.GET("/ws", h.ServeWS)
	}
	return r
}
