package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "ladderlegends/internal/errors"
	"ladderlegends/internal/replaystore"
)

// writeError maps a service error to a status and a user-facing message.
// Step detail of dependency failures is logged, never returned.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validation apperrors.ValidationError
		denied     apperrors.AccessDeniedError
		dup        apperrors.DuplicateReplayError
		notFound   apperrors.NotFoundError
		dep        apperrors.DependencyError
		storeErr   *replaystore.StoreError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.As(err, &denied):
		c.JSON(http.StatusForbidden, gin.H{"error": "an active subscription is required"})
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{"error": "replay already uploaded", "replay_id": dup.ReplayID})
	case errors.As(err, &notFound), errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &storeErr):
		s.logger.Error("replay_store_failed", "step", storeErr.Step, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to save replay, please try again"})
	case errors.As(err, &dep):
		s.logger.Error("dependency_failed", "dependency", dep.Dependency, "op", dep.Op, "error", err)
		msg := "a backing service is unavailable, please try again"
		if dep.Dependency == "extraction" {
			msg = "failed to analyze replay, please try again"
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	case errors.Is(err, context.Canceled):
		// client went away
		c.Status(499)
	default:
		s.logger.Error("request_failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
