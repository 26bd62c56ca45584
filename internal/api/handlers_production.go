package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/production"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

type createBatchRequest struct {
	CropType string `json:"crop_type"`
	Quantity int    `json:"quantity"`
	RackID   string `json:"rack_id"`
	OrderID  string `json:"order_id"`
}

type completeTaskRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) listTasks(c *gin.Context) {
	f := store.TaskFilter{
		Status:  types.TaskStatus(c.Query("status")),
		BatchID: c.Query("batchId"),
	}
	tasks, err := h.deps.Production.ListTasks(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []types.ProductionTask{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// createBatch reserves rack space for the whole grow cycle and then starts the
// batch. A linked order must exist before anything is reserved. A failed
// start releases the reservation.
func (h *Handler) createBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "body", err)
		return
	}
	if req.Quantity <= 0 {
		h.writeError(c, apperr.Invalid("quantity", "must be positive"))
		return
	}
	if req.CropType == "" {
		h.writeError(c, apperr.Invalid("crop_type", "is required"))
		return
	}
	if req.RackID == "" {
		h.writeError(c, apperr.Invalid("rack_id", "is required"))
		return
	}

	ctx := c.Request.Context()
	if req.OrderID != "" {
		if _, err := h.deps.Orders.GetOrder(ctx, req.OrderID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				err = apperr.Invalid("order_id", "order %s does not exist", req.OrderID)
			}
			h.writeError(c, err)
			return
		}
	}

	batchID := types.NewID("batch")
	now := h.deps.Now()
	window := types.Window{Start: now, End: now.Add(h.deps.Durations.Total(req.CropType))}

	res, err := h.deps.Capacity.Reserve(ctx, req.RackID, window, req.Quantity, batchID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	batch, task, err := h.deps.Production.Start(ctx, production.StartRequest{
		BatchID:       batchID,
		CropType:      req.CropType,
		Quantity:      req.Quantity,
		RackID:        req.RackID,
		ReservationID: res.ID,
		OrderID:       req.OrderID,
	})
	if err != nil {
		if relErr := h.deps.Capacity.Release(ctx, res.ID); relErr != nil {
			h.log.Warn("Failed to release reservation of unstarted batch",
				logger.String("reservation_id", res.ID), logger.Error(relErr))
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"batch": batch, "task": task, "reservation": res})
}

func (h *Handler) completeTask(c *gin.Context) {
	var req completeTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, "body", err)
			return
		}
	}
	tr, err := h.deps.Production.CompleteStage(c.Request.Context(), c.Param("id"), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

func (h *Handler) getBatch(c *gin.Context) {
	ctx := c.Request.Context()
	batch, err := h.deps.Production.GetBatch(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	tasks, err := h.deps.Production.ListTasks(ctx, store.TaskFilter{BatchID: batch.ID})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch": batch, "tasks": tasks})
}

func (h *Handler) cancelBatch(c *gin.Context) {
	batch, err := h.deps.Production.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if batch.CancelledAt == nil {
		// The open stage is running; it stops when that stage completes.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"batch": batch})
}
