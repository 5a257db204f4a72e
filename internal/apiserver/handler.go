package apiserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/fanout"
	"github.com/notifyhub/notifyhub/internal/fanout/dispatch"
	"github.com/notifyhub/notifyhub/internal/fanout/registry"
	"github.com/notifyhub/notifyhub/internal/fanout/store"
)

// Handler serves the notification endpoints.
type Handler struct {
	logger          *zap.Logger
	registry        *registry.Service
	dispatcher      *dispatch.Dispatcher
	store           store.Store
	historyPageSize int
}

// NewHandler creates the API handler.
func NewHandler(logger *zap.Logger, reg *registry.Service, disp *dispatch.Dispatcher, st store.Store, historyPageSize int) *Handler {
	return &Handler{
		logger:          logger.Named("apiserver"),
		registry:        reg,
		dispatcher:      disp,
		store:           st,
		historyPageSize: historyPageSize,
	}
}

type subscriptionRequest struct {
	Topic  string         `json:"topic"`
	Filter map[string]any `json:"filter,omitempty"`
}

type registerRequest struct {
	Token         string                `json:"token"`
	SessionID     string                `json:"sessionId"`
	Subscriptions []subscriptionRequest `json:"subscriptions"`
}

// Register handles subscription registration for a session.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = CurrentSessionID(c)
	}

	desired := make([]fanout.TopicFilter, 0, len(req.Subscriptions))
	for _, sub := range req.Subscriptions {
		filter, err := fanout.ParseFilter(sub.Filter)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		desired = append(desired, fanout.TopicFilter{Topic: sub.Topic, Filter: filter})
	}

	err := h.registry.Register(c.Request.Context(), req.SessionID, req.Token, CurrentAccountID(c), desired)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type unregisterRequest struct {
	SessionID string         `json:"sessionId"`
	Topic     string         `json:"topic"`
	Filter    map[string]any `json:"filter,omitempty"`
}

// Unregister removes a single subscription tuple.
func (h *Handler) Unregister(c *gin.Context) {
	var req unregisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = CurrentSessionID(c)
	}

	filter, err := fanout.ParseFilter(req.Filter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.Unregister(c.Request.Context(), req.SessionID, req.Topic, filter); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type publishRequest struct {
	Message fanout.Message `json:"message"`
}

// Publish dispatches a message to every matching subscriber session. A
// publish with no matching subscribers succeeds with zero counts.
func (h *Handler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), req.Message, CurrentAccountID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// History lists delivery history for the calling session, newest first.
func (h *Handler) History(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = CurrentSessionID(c)
	}
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session id is required"})
		return
	}

	records, err := h.store.History().ListBySession(c.Request.Context(), sessionID, h.historyPageSize)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

type markReadRequest struct {
	ID string `json:"id"`
}

// MarkRead flips the read flag on one history record owned by the caller's
// account.
func (h *Handler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "record id is required"})
		return
	}

	if err := h.store.History().MarkRead(c.Request.Context(), req.ID, CurrentAccountID(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Logout removes every session of the calling account together with its
// subscriptions.
func (h *Handler) Logout(c *gin.Context) {
	accountID := CurrentAccountID(c)
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}
	if err := h.registry.Logout(c.Request.Context(), accountID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Healthz reports store reachability.
func (h *Handler) Healthz(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps engine errors onto HTTP statuses: validation errors are
// client errors, everything else is a server error.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, fanout.ErrMessageTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, fanout.ErrInvalidFilterValue),
		errors.Is(err, fanout.ErrTopicTooLong),
		errors.Is(err, fanout.ErrTopicEmpty),
		errors.Is(err, registry.ErrSessionIDRequired),
		errors.Is(err, registry.ErrTokenRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, fanout.ErrHistoryNotFound), errors.Is(err, fanout.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrReadForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
