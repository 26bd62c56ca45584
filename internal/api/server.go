// Package api is the HTTP surface of greenrack.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ChuLiYu/greenrack/internal/automation"
	"github.com/ChuLiYu/greenrack/internal/capacity"
	"github.com/ChuLiYu/greenrack/internal/delivery"
	"github.com/ChuLiYu/greenrack/internal/forecast"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/metrics"
	"github.com/ChuLiYu/greenrack/internal/production"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// Production is the stage machine as the API uses it.
type Production interface {
	Start(ctx context.Context, req production.StartRequest) (types.Batch, types.ProductionTask, error)
	CompleteStage(ctx context.Context, taskID, notes string) (production.Transition, error)
	Cancel(ctx context.Context, batchID string) (types.Batch, error)
	Archive(ctx context.Context, batchID string) (types.Batch, error)
	GetBatch(ctx context.Context, id string) (types.Batch, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]types.ProductionTask, error)
}

// Capacity admits rack reservations.
type Capacity interface {
	Reserve(ctx context.Context, rackID string, window types.Window, amount int, batchID string) (types.RackReservation, error)
	Release(ctx context.Context, reservationID string) error
	Utilization(rackID string, from, to time.Time) ([]capacity.Utilization, error)
}

// Forecaster projects inventory.
type Forecaster interface {
	Forecast(ctx context.Context, date time.Time) ([]forecast.ProductForecast, error)
	CanFulfil(ctx context.Context, product string, qty int, date time.Time) (forecast.ProductForecast, error)
}

// Firer routes automation triggers.
type Firer interface {
	Fire(ctx context.Context, t automation.Trigger) (automation.Result, error)
}

// Jobs is the queue inspection and remediation surface.
type Jobs interface {
	List(f jobmanager.Filter) []types.Job
	Get(id types.JobID) (types.Job, error)
	Redrive(id types.JobID) (types.Job, error)
	Cancel(id types.JobID) (types.Job, error)
}

// Deps are the components behind the routes.
type Deps struct {
	Production Production
	Capacity   Capacity
	Forecast   Forecaster
	Orders     store.OrderBook
	Automation Firer
	Jobs       Jobs

	Window     delivery.Window
	OfferCount int
	Durations  types.StageDurations

	Metrics *metrics.Collector
	Log     logger.Logger
	Now     func() time.Time
}

// Handler serves the routes.
type Handler struct {
	deps Deps
	log  logger.Logger

	// orderMu serializes the forecast check and save of new orders.
	orderMu sync.Mutex
}

// NewRouter builds the gin engine with every route.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Durations == nil {
		deps.Durations = types.DefaultStageDurations()
	}
	if deps.OfferCount <= 0 {
		deps.OfferCount = 4
	}
	h := &Handler{deps: deps, log: deps.Log.With(logger.String("component", "http"))}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.log, deps.Metrics))

	r.GET("/health", h.health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	r.GET("/production-tasks", h.listTasks)
	r.POST("/production-tasks", h.createBatch)
	r.POST("/production-tasks/:id/complete", h.completeTask)
	r.GET("/batches/:id", h.getBatch)
	r.POST("/batches/:id/cancel", h.cancelBatch)

	r.GET("/delivery-jobs", h.listDeliveryJobs)
	r.POST("/delivery-jobs/:id/complete", h.completeDelivery)
	r.GET("/delivery-options", h.deliveryOptions)
	r.POST("/orders", h.createOrder)
	r.GET("/inventory/utilization", h.utilization)

	r.POST("/webhooks/automation", h.automationWebhook)

	r.GET("/jobs", h.listJobs)
	r.GET("/jobs/:id", h.getJob)
	r.POST("/jobs/:id/redrive", h.redriveJob)
	r.POST("/jobs/:id/cancel", h.cancelJob)
	return r
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": h.deps.Now().UTC()})
}

// Server runs the router on an http.Server.
type Server struct {
	srv *http.Server
	log logger.Logger
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, log logger.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Start listens in the background. Errors other than a clean shutdown are logged.
func (s *Server) Start() {
	go func() {
		s.log.Info("HTTP server listening", logger.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", logger.Error(err))
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
