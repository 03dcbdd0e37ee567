package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ops-notification-service/internal/auth"
	"ops-notification-service/internal/logging"
	"ops-notification-service/internal/models"
	"ops-notification-service/internal/notification"
	"ops-notification-service/internal/services"
	"ops-notification-service/internal/subscription"
)

const sessionKey = "session"

// Ingester stores a notification and pushes it to live subscribers.
type Ingester interface {
	Ingest(ctx context.Context, n models.Notification) error
}

// Verifier resolves a bearer access token to its identity.
type Verifier interface {
	Confirm(ctx context.Context, accessToken string) (models.Identity, error)
}

type Handler struct {
	svc      *services.Service
	ingester Ingester
	verifier Verifier
	logger   *logging.Logger
}

// NewHandler wires the handlers. A nil verifier leaves session routes
// protected by the session id alone.
func NewHandler(svc *services.Service, ingester Ingester, verifier Verifier, logger *logging.Logger) *Handler {
	return &Handler{svc: svc, ingester: ingester, verifier: verifier, logger: logger}
}

type identityRequest struct {
	TenantID    string `json:"tenant_id" binding:"required"`
	RecipientID string `json:"recipient_id" binding:"required"`
}

func (r identityRequest) identity() models.Identity {
	return models.Identity{TenantID: r.TenantID, RecipientID: r.RecipientID}
}

// writeError maps service errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var authErr *auth.Error
	switch {
	case errors.As(err, &authErr):
		c.JSON(authErr.Status, gin.H{"error": authErr.Message, "code": authErr.Code})
	case errors.Is(err, services.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case errors.Is(err, notification.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
	case errors.Is(err, subscription.ErrNoSubscription):
		c.JSON(http.StatusConflict, gin.H{"error": "No active subscription"})
	default:
		h.logger.Errorf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req identityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid request body for session: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	sess, cred, err := h.svc.CreateSession(c.Request.Context(), req.identity())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID, "credential": cred})
}

func (h *Handler) SwitchIdentity(c *gin.Context) {
	var req identityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid request body for identity: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	cred, err := h.svc.SwitchIdentity(c.Request.Context(), c.Param("sid"), req.identity())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credential": cred})
}

func (h *Handler) CloseSession(c *gin.Context) {
	if err := h.svc.CloseSession(c.Param("sid")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) IngestNotification(c *gin.Context) {
	var ev models.FeedEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	n, err := ev.Notification()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.ingester.Ingest(c.Request.Context(), n); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, n)
}

// SessionMiddleware loads the session and, when a verifier is configured,
// requires a bearer token for the session's current identity.
func (h *Handler) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := h.svc.Get(c.Param("sid"))
		if err != nil {
			h.writeError(c, err)
			c.Abort()
			return
		}
		if h.verifier != nil {
			current := sess.Identity.CurrentIdentity()
			id, err := h.verifier.Confirm(c.Request.Context(), bearerToken(c))
			if err != nil || current == nil || id != *current {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or stale access token"})
				return
			}
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func currentSession(c *gin.Context) *services.Session {
	return c.MustGet(sessionKey).(*services.Session)
}

func (h *Handler) SignOut(c *gin.Context) {
	currentSession(c).Identity.SignOut()
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, currentSession(c).Controller.Snapshot())
}

func (h *Handler) MarkRead(c *gin.Context) {
	sess := currentSession(c)
	if err := sess.Controller.MarkRead(c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.Controller.Snapshot())
}

func (h *Handler) MarkAllRead(c *gin.Context) {
	sess := currentSession(c)
	ids, err := sess.Controller.MarkAllRead()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"marked": ids, "unread_count": sess.Controller.Snapshot().UnreadCount})
}

func (h *Handler) RequestPermission(c *gin.Context) {
	var req struct {
		Granted *bool `json:"granted" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	result, err := h.svc.RequestPermission(c.Param("sid"), *req.Granted)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, currentSession(c).Controller.Current())
}
