package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/automation"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

type webhookRequest struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// automationWebhook fires an external trigger. Duplicates and unknown types
// are acknowledged with 200 so senders do not retry them.
func (h *Handler) automationWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "body", err)
		return
	}
	res, err := h.deps.Automation.Fire(c.Request.Context(), automation.Trigger{Type: req.Type, Payload: req.Payload})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate || res.Ignored {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h *Handler) listJobs(c *gin.Context) {
	f := jobmanager.Filter{
		Domain: types.Domain(c.Query("domain")),
		Status: types.JobStatus(c.Query("status")),
	}
	if f.Domain != "" && !f.Domain.Valid() {
		h.writeError(c, apperr.Invalid("domain", "unknown domain %q", f.Domain))
		return
	}
	jobs := h.deps.Jobs.List(f)
	if jobs == nil {
		jobs = []types.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.deps.Jobs.Get(types.JobID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) redriveJob(c *gin.Context) {
	job, err := h.deps.Jobs.Redrive(types.JobID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) cancelJob(c *gin.Context) {
	job, err := h.deps.Jobs.Cancel(types.JobID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}
