package http

import (
	"errors"
	"net/http"

	"narrative-server/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleServiceError - единственное место, где ошибки сервиса превращаются в HTTP-ответы.
func handleServiceError(c *gin.Context, logger *zap.Logger, err error) {
	statusCode, code := classify(err)
	message := err.Error()
	if statusCode == http.StatusInternalServerError {
		logger.Error("Unhandled internal error", zap.String("path", c.FullPath()), zap.Error(err))
		message = "An unexpected internal error occurred"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusCode, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidRequest):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, models.ErrDuplicateRequest):
		return http.StatusConflict, ErrCodeDuplicateRequest
	case errors.Is(err, models.ErrStoryCompleted):
		return http.StatusConflict, ErrCodeStoryCompleted
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, ErrCodeInvalidTransition
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, models.ErrGenerationFailed), errors.Is(err, models.ErrChainExhausted):
		return http.StatusBadGateway, ErrCodeGenerationFailed
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

func outcomeLabel(err error) string {
	_, code := classify(err)
	return code
}
