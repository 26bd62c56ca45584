package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
)

// writeError maps err onto a status code and the {"error", "details"} body.
func (h *Handler) writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var (
		validation *apperr.ValidationError
		capacity   *apperr.CapacityExceededError
		transition *apperr.StageTransitionError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation failed",
			"details": gin.H{"field": validation.Field, "reason": validation.Reason},
		})
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, jobmanager.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found", "details": err.Error()})
	case errors.As(err, &capacity):
		c.JSON(http.StatusConflict, gin.H{
			"error": "rack capacity exceeded",
			"details": gin.H{
				"rack_id":             capacity.RackID,
				"window_start":        capacity.WindowStart.Format(time.RFC3339),
				"window_end":          capacity.WindowEnd.Format(time.RFC3339),
				"committed":           capacity.Committed,
				"requested":           capacity.Requested,
				"total":               capacity.Total,
				"utilization_percent": capacity.UtilizationPercent(),
			},
		})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{
			"error": "stage transition rejected",
			"details": gin.H{
				"batch_id": transition.BatchID,
				"task_id":  transition.TaskID,
				"from":     transition.From,
				"to":       transition.To,
				"reason":   transition.Reason,
			},
		})
	case errors.Is(err, jobmanager.ErrJobRunning),
		errors.Is(err, jobmanager.ErrNotDeadLettered),
		errors.Is(err, jobmanager.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": "job state conflict", "details": err.Error()})
	default:
		h.log.Error("Request failed", logger.String("path", c.FullPath()), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// badRequest reports a malformed body or query parameter.
func (h *Handler) badRequest(c *gin.Context, field string, err error) {
	h.writeError(c, apperr.Invalid(field, "%v", err))
}
