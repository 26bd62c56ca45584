package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/capacity"
	"github.com/ChuLiYu/greenrack/internal/delivery"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

const dateLayout = "2006-01-02"

type createOrderRequest struct {
	Customer     string `json:"customer"`
	Product      string `json:"product"`
	Quantity     int    `json:"quantity"`
	DeliveryDate string `json:"delivery_date"`
}

type deliveryOption struct {
	DeliveryDate time.Time `json:"delivery_date"`
	Cutoff       time.Time `json:"cutoff"`
}

// parseDate accepts a calendar date in the delivery time zone or an RFC 3339 instant.
func (h *Handler) parseDate(field, v string) (time.Time, error) {
	loc := h.deps.Window.Location
	if loc == nil {
		loc = time.Local
	}
	if t, err := time.ParseInLocation(dateLayout, v, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, apperr.Invalid(field, "expected YYYY-MM-DD or RFC 3339, got %q", v)
}

// deliveryOptions lists the next offerable dates. With ?deliveryDate it checks
// that one date and returns its inventory forecast.
func (h *Handler) deliveryOptions(c *gin.Context) {
	now := h.deps.Now()
	raw := c.Query("deliveryDate")
	if raw == "" {
		dates := delivery.OfferableDates(now, h.deps.Window, h.deps.OfferCount)
		opts := make([]deliveryOption, len(dates))
		for i, d := range dates {
			opts[i] = deliveryOption{DeliveryDate: d, Cutoff: h.deps.Window.CutoffFor(d)}
		}
		c.JSON(http.StatusOK, gin.H{"options": opts})
		return
	}

	date, err := h.parseDate("deliveryDate", raw)
	if err != nil {
		h.writeError(c, err)
		return
	}
	date = delivery.Normalize(date, h.deps.Window)
	if !delivery.IsOfferable(now, h.deps.Window, date) {
		h.writeError(c, h.notOfferable("deliveryDate", date, now))
		return
	}
	rows, err := h.deps.Forecast.Forecast(c.Request.Context(), date)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"delivery_date": date,
		"cutoff":        h.deps.Window.CutoffFor(date),
		"forecast":      rows,
	})
}

func (h *Handler) notOfferable(field string, date, now time.Time) error {
	next := delivery.NextDeliveryDate(now, h.deps.Window)
	return apperr.Invalid(field, "%s is not an offerable delivery date, next is %s",
		date.Format(dateLayout), next.Format(dateLayout))
}

// createOrder validates the delivery date, gates the quantity on the forecast
// and saves the order as confirmed.
func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "body", err)
		return
	}
	switch {
	case req.Customer == "":
		h.writeError(c, apperr.Invalid("customer", "is required"))
		return
	case req.Product == "":
		h.writeError(c, apperr.Invalid("product", "is required"))
		return
	case req.Quantity <= 0:
		h.writeError(c, apperr.Invalid("quantity", "must be positive"))
		return
	case req.DeliveryDate == "":
		h.writeError(c, apperr.Invalid("delivery_date", "is required"))
		return
	}
	date, err := h.parseDate("delivery_date", req.DeliveryDate)
	if err != nil {
		h.writeError(c, err)
		return
	}
	now := h.deps.Now()
	date = delivery.Normalize(date, h.deps.Window)
	if !delivery.IsOfferable(now, h.deps.Window, date) {
		h.writeError(c, h.notOfferable("delivery_date", date, now))
		return
	}

	ctx := c.Request.Context()
	h.orderMu.Lock()
	defer h.orderMu.Unlock()

	fc, err := h.deps.Forecast.CanFulfil(ctx, req.Product, req.Quantity, date)
	if err != nil {
		h.writeError(c, err)
		return
	}
	order := types.Order{
		ID:           types.NewID("order"),
		Customer:     req.Customer,
		Product:      req.Product,
		Quantity:     req.Quantity,
		DeliveryDate: date,
		Status:       types.OrderConfirmed,
		CreatedAt:    now,
	}
	if err := h.deps.Orders.SaveOrder(ctx, order); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.Info("Order confirmed",
		logger.String("order_id", order.ID),
		logger.String("product", order.Product),
		logger.Int("quantity", order.Quantity),
		logger.Int("available_before", fc.Available))
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

func (h *Handler) listDeliveryJobs(c *gin.Context) {
	jobs, err := h.deps.Orders.ListDeliveryJobs(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []types.DeliveryJobView{}
	}
	c.JSON(http.StatusOK, gin.H{"delivery_jobs": jobs, "count": len(jobs)})
}

// completeDelivery marks the delivery done, archives its batch and fulfils
// its order. Completing a delivered job again returns it unchanged.
func (h *Handler) completeDelivery(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.deps.Orders.GetDeliveryJob(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if job.Status == types.DeliveryDelivered {
		c.JSON(http.StatusOK, gin.H{"delivery_job": job})
		return
	}

	if job.BatchID != "" {
		if _, err := h.deps.Production.Archive(ctx, job.BatchID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			h.writeError(c, err)
			return
		}
	}

	job.Status = types.DeliveryDelivered
	job.UpdatedAt = h.deps.Now()
	if err := h.deps.Orders.SaveDeliveryJob(ctx, job); err != nil {
		h.writeError(c, err)
		return
	}

	if job.OrderID != "" {
		order, err := h.deps.Orders.GetOrder(ctx, job.OrderID)
		switch {
		case err == nil:
			order.Status = types.OrderFulfilled
			if err := h.deps.Orders.SaveOrder(ctx, order); err != nil {
				h.writeError(c, err)
				return
			}
		case !errors.Is(err, apperr.ErrNotFound):
			h.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"delivery_job": job})
}

// utilization reports rack load between startDate and endDate, defaulting to
// the next seven days.
func (h *Handler) utilization(c *gin.Context) {
	now := h.deps.Now()
	from, to := now, now.AddDate(0, 0, 7)
	if v := c.Query("startDate"); v != "" {
		t, err := h.parseDate("startDate", v)
		if err != nil {
			h.writeError(c, err)
			return
		}
		from = t
	}
	if v := c.Query("endDate"); v != "" {
		t, err := h.parseDate("endDate", v)
		if err != nil {
			h.writeError(c, err)
			return
		}
		to = t
		if len(v) == len(dateLayout) {
			// a calendar end date includes that whole day
			to = to.AddDate(0, 0, 1)
		}
	}

	rows, err := h.deps.Capacity.Utilization(c.Query("rackId"), from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if rows == nil {
		rows = []capacity.Utilization{}
	}
	c.JSON(http.StatusOK, gin.H{"start": from, "end": to, "utilization": rows})
}
