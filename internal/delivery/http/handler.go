package http

import (
	"context"
	"net/http"

	"narrative-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GenerationService - операции пайплайна, доступные через REST API.
type GenerationService interface {
	GenerateSegment(ctx context.Context, req models.GenerateRequest) (*models.Segment, error)
	GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error)
	GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	ListSegments(ctx context.Context, storyID uuid.UUID) ([]*models.Segment, error)
	RetryImage(ctx context.Context, segmentID uuid.UUID) (*models.Segment, error)
	RetryAudio(ctx context.Context, segmentID uuid.UUID) (*models.Segment, error)
	GenerateStoryAudio(ctx context.Context, storyID uuid.UUID) (*models.Story, error)
	CompleteStory(ctx context.Context, storyID uuid.UUID) (*models.Story, error)
	RewindTo(ctx context.Context, segmentID uuid.UUID) (int, error)
}

type Handler struct {
	service GenerationService
	logger  *zap.Logger
}

func NewHandler(service GenerationService, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.Named("HTTPHandler"),
	}
}

// RegisterRoutes регистрирует маршруты /api/v1. generateMiddleware применяется только к генерации.
func (h *Handler) RegisterRoutes(router gin.IRouter, generateMiddleware ...gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.POST("/segments", append(generateMiddleware, h.generateSegment)...)
		api.GET("/segments/:id", h.getSegment)
		api.DELETE("/segments/:id", h.rewindSegment)
		api.POST("/segments/:id/image/retry", h.retryImage)
		api.POST("/segments/:id/audio/retry", h.retryAudio)

		api.GET("/stories/:id", h.getStory)
		api.GET("/stories/:id/segments", h.listSegments)
		api.POST("/stories/:id/audio", h.generateStoryAudio)
		api.POST("/stories/:id/complete", h.completeStory)
	}
}

func (h *Handler) generateSegment(c *gin.Context) {
	var req models.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid generate request body", zap.Error(err))
		handleServiceError(c, h.logger, wrapInvalid("invalid request body", err))
		return
	}

	seg, err := h.service.GenerateSegment(c.Request.Context(), req)
	if err != nil {
		generationRequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		handleServiceError(c, h.logger, err)
		return
	}
	generationRequestsTotal.WithLabelValues("success").Inc()
	c.JSON(http.StatusCreated, seg)
}

func (h *Handler) getSegment(c *gin.Context) {
	id, ok := parseID(c, h.logger)
	if !ok {
		return
	}
	seg, err := h.service.GetSegment(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, seg)
}

func (h *Handler) rewindSegment(c *gin.Context) {
	id, ok := parseID(c, h.logger)
	if !ok {
		return
	}
	removed, err := h.service.RewindTo(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	h.logger.Info("Segment subtree removed", zap.String("segmentID", id.String()), zap.Int("removed", removed))
	c.Status(http.StatusNoContent)
}

func (h *Handler) retryImage(c *gin.Context) {
	h.retry(c, h.service.RetryImage)
}

func (h *Handler) retryAudio(c *gin.Context) {
	h.retry(c, h.service.RetryAudio)
}

func (h *Handler) retry(c *gin.Context, fn func(context.Context, uuid.UUID) (*models.Segment, error)) {
	id, ok := parseID(c, h.logger)
	if !ok {
		return
	}
	seg, err := fn(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, seg)
}

func (h *Handler) getStory(c *gin.Context) {
	id, ok := parseID(c, h.logger)
	if !ok {
		return
	}
	story, err := h.service.GetStory(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

func (h *Handler) listSegments(c *gin.Context) {
	id, ok := parseID(c, h.logger)
	if !ok {
		return
	}
	segments, err := h.service.ListSegments(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	if segments == nil {
		segments = []*models.Segment{}
	}
	c.JSON(http.StatusOK, segmentListResponse{Data: segments})
}

func (h *Handler) generateStoryAudio(c *gin.Context) {
	id, ok := parseID(c, h.logger)
	if !ok {
		return
	}
	story, err := h.service.GenerateStoryAudio(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, story)
}

func (h *Handler) completeStory(c *gin.Context) {
	id, ok := parseID(c, h.logger)
	if !ok {
		return
	}
	story, err := h.service.CompleteStory(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, story)
}

func parseID(c *gin.Context, logger *zap.Logger) (uuid.UUID, bool) {
	raw := c.Param("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		logger.Warn("Invalid id in path", zap.String("id", raw), zap.Error(err))
		handleServiceError(c, logger, wrapInvalid("invalid id", err))
		return uuid.Nil, false
	}
	return id, true
}
