// Package server exposes the engine to the UI shell over a loopback HTTP API.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tatamilabs/dojosync/internal/comments"
	"github.com/tatamilabs/dojosync/internal/interactions"
	"github.com/tatamilabs/dojosync/internal/media"
	"github.com/tatamilabs/dojosync/internal/queue"
	"github.com/tatamilabs/dojosync/internal/remote"
	"github.com/tatamilabs/dojosync/internal/store"
	"github.com/tatamilabs/dojosync/internal/syncer"
)

var (
	errMissingInteractions = errors.New("interaction service dependency required")
	errMissingOrchestrator = errors.New("sync orchestrator dependency required")
	errMissingQueue        = errors.New("operation queue dependency required")
	errMissingRemote       = errors.New("remote client dependency required")
)

// Dependencies carries the engine services the HTTP layer fronts.
type Dependencies struct {
	Interactions *interactions.Service
	Orchestrator *syncer.Orchestrator
	Queue        *queue.Queue
	Media        *media.Cache
	Remote       remote.Client
	Logger       *zap.Logger
}

// NewHTTPHandler builds the loopback API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Interactions == nil {
		return nil, errMissingInteractions
	}
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Remote == nil {
		return nil, errMissingRemote
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		interactions: deps.Interactions,
		orchestrator: deps.Orchestrator,
		queue:        deps.Queue,
		media:        deps.Media,
		remote:       deps.Remote,
		logger:       logger,
	}

	router.GET("/interactions/:kind/:id", handler.handleLoadInteractions)
	router.POST("/interactions/:kind/:id/like", handler.handleToggleLike)
	router.POST("/interactions/:kind/:id/favorite", handler.handleToggleFavorite)
	router.POST("/interactions/:kind/:id/comments", handler.handleAddComment)

	router.POST("/comments/:kind/:id/like", handler.handleToggleCommentLike)
	router.POST("/comments/:kind/:id/dislike", handler.handleToggleCommentDislike)
	router.PUT("/comments/:kind/:id", handler.handleEditComment)
	router.DELETE("/comments/:kind/:id", handler.handleDeleteComment)

	router.GET("/conflicts/:kind/:id", handler.handleListConflicts)
	router.POST("/conflicts/:id/resolve", handler.handleResolveConflict)

	router.GET("/sync/status", handler.handleSyncStatus)
	router.POST("/sync/drain", handler.handleDrain)
	router.POST("/sync/populate", handler.handlePopulate)

	router.GET("/queue/attention", handler.handleQueueAttention)
	router.DELETE("/queue/:id", handler.handleDiscardOperation)

	if deps.Media != nil {
		router.GET("/media/resolve", handler.handleResolveMedia)
	}

	return router, nil
}

type httpHandler struct {
	interactions *interactions.Service
	orchestrator *syncer.Orchestrator
	queue        *queue.Queue
	media        *media.Cache
	remote       remote.Client
	logger       *zap.Logger
}

func (h *httpHandler) handleLoadInteractions(c *gin.Context) {
	kind, ok := h.entityKind(c)
	if !ok {
		return
	}
	state, err := h.interactions.LoadInteractions(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		h.respondError(c, "interaction load failed", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	kind, ok := h.entityKind(c)
	if !ok {
		return
	}
	state, err := h.interactions.ToggleLike(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		h.respondError(c, "like toggle failed", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleToggleFavorite(c *gin.Context) {
	kind, ok := h.entityKind(c)
	if !ok {
		return
	}
	state, err := h.interactions.ToggleFavorite(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		h.respondError(c, "favorite toggle failed", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type commentBodyPayload struct {
	Body string `json:"body"`
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	kind, ok := h.entityKind(c)
	if !ok {
		return
	}
	var request commentBodyPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, err := h.interactions.AddComment(c.Request.Context(), kind, c.Param("id"), request.Body)
	if err != nil {
		h.respondError(c, "comment add failed", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleToggleCommentLike(c *gin.Context) {
	kind, ok := h.commentKind(c)
	if !ok {
		return
	}
	comment, err := h.interactions.ToggleCommentLike(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		h.respondError(c, "comment like toggle failed", err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *httpHandler) handleToggleCommentDislike(c *gin.Context) {
	kind, ok := h.commentKind(c)
	if !ok {
		return
	}
	comment, err := h.interactions.ToggleCommentDislike(c.Request.Context(), kind, c.Param("id"))
	if err != nil {
		h.respondError(c, "comment dislike toggle failed", err)
		return
	}
	c.JSON(http.StatusOK, comment)
}

func (h *httpHandler) handleEditComment(c *gin.Context) {
	kind, ok := h.commentKind(c)
	if !ok {
		return
	}
	var request commentBodyPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.interactions.EditComment(c.Request.Context(), kind, c.Param("id"), request.Body); err != nil {
		h.respondError(c, "comment edit failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) {
	kind, ok := h.commentKind(c)
	if !ok {
		return
	}
	if err := h.interactions.DeleteComment(c.Request.Context(), kind, c.Param("id")); err != nil {
		h.respondError(c, "comment delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	kind, ok := h.commentKind(c)
	if !ok {
		return
	}
	conflicts, err := h.interactions.UnresolvedConflicts(kind, c.Param("id"))
	if err != nil {
		h.respondError(c, "conflict lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

type resolvePayload struct {
	Resolution string `json:"resolution"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolvePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolution, err := comments.ParseResolution(request.Resolution)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
		return
	}
	if err := h.interactions.ResolveConflict(c.Param("id"), resolution); err != nil {
		h.respondError(c, "conflict resolve failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Status(c.Request.Context()))
}

func (h *httpHandler) handleDrain(c *gin.Context) {
	if err := h.orchestrator.Drain(c.Request.Context()); err != nil {
		h.respondError(c, "drain failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type populatePayload struct {
	Kind string `json:"kind"`
}

func (h *httpHandler) handlePopulate(c *gin.Context) {
	var request populatePayload
	// An empty body means populate everything.
	_ = c.ShouldBindJSON(&request)
	if strings.TrimSpace(request.Kind) == "" {
		if err := h.orchestrator.PopulateAll(c.Request.Context()); err != nil {
			h.respondError(c, "populate failed", err)
			return
		}
		c.Status(http.StatusNoContent)
		return
	}
	kind, err := store.ParseKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	if err := h.orchestrator.Populate(c.Request.Context(), kind); err != nil {
		h.respondError(c, "populate failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleQueueAttention(c *gin.Context) {
	session, ok := h.remote.CurrentSession()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_signed_in"})
		return
	}
	ops, err := h.queue.NeedsAttention(session.UserID)
	if err != nil {
		h.respondError(c, "attention list failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (h *httpHandler) handleDiscardOperation(c *gin.Context) {
	if _, ok := h.remote.CurrentSession(); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_signed_in"})
		return
	}
	if err := h.queue.Discard(c.Param("id")); err != nil {
		h.respondError(c, "operation discard failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResolveMedia(c *gin.Context) {
	url := strings.TrimSpace(c.Query("url"))
	if url == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	isVideo := c.Query("video") == "true"
	resolved, err := h.media.ResolveURL(c.Request.Context(), url, isVideo)
	if err != nil {
		h.respondError(c, "media resolve failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": resolved})
}

func (h *httpHandler) entityKind(c *gin.Context) (store.EntityKind, bool) {
	kind, err := store.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return "", false
	}
	return kind, true
}

func (h *httpHandler) commentKind(c *gin.Context) (comments.CommentKind, bool) {
	kind, err := comments.ParseCommentKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return "", false
	}
	return kind, true
}

// respondError maps engine errors onto HTTP statuses. Offline is a service
// degradation, not a client fault.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, remote.ErrNotSignedIn):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not_signed_in"})
	case errors.Is(err, remote.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
	case errors.Is(err, media.ErrUnavailableOffline):
		c.JSON(http.StatusNotFound, gin.H{"error": "unavailable_offline"})
	case errors.Is(err, remote.ErrRejected), errors.Is(err, queue.ErrInvalidOperation):
		h.logger.Warn(message, zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rejected"})
	case errors.Is(err, queue.ErrQueueFull):
		c.JSON(http.StatusConflict, gin.H{"error": "queue_full"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
