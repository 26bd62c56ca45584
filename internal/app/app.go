// ============================================================================
// greenrack App - process wiring
// ============================================================================
//
// Package: internal/app
// File: app.go
// Purpose: Builds every component from a config.Config and runs them as one
//          process: queue controller, stage machine, capacity, forecast,
//          automation, timers, the HTTP API and the gRPC pull endpoint.
//
// Construction order (New):
//   registry -> controller(registry) -> orchestrator(controller)
//   -> machine(controller, completion listener -> orchestrator)
//   -> job handlers registered on the registry -> timers -> router
//
//   The controller is the Queue of every producer. Handlers are registered
//   after the controller exists and before it starts.
//
// Start:
//   controller.Start (recovery restores jobs, collections, reservations)
//   -> rack totals from config -> timers -> HTTP -> gRPC
//
// Stop (reverse):
//   HTTP shutdown -> gRPC graceful stop -> timers -> controller (final
//   checkpoint) -> external clients
//
// ============================================================================

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/greenrack/internal/api"
	"github.com/ChuLiYu/greenrack/internal/automation"
	"github.com/ChuLiYu/greenrack/internal/capacity"
	"github.com/ChuLiYu/greenrack/internal/config"
	"github.com/ChuLiYu/greenrack/internal/controller"
	"github.com/ChuLiYu/greenrack/internal/delivery"
	"github.com/ChuLiYu/greenrack/internal/forecast"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/metrics"
	"github.com/ChuLiYu/greenrack/internal/notify"
	"github.com/ChuLiYu/greenrack/internal/production"
	"github.com/ChuLiYu/greenrack/internal/server"
	"github.com/ChuLiYu/greenrack/internal/store"
	"github.com/ChuLiYu/greenrack/internal/store/postgres"
	"github.com/ChuLiYu/greenrack/internal/worker"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// App is one running greenrack process.
type App struct {
	cfg    config.Config
	log    logger.Logger
	window delivery.Window

	Metrics    *metrics.Collector
	Store      *store.Memory
	Orders     store.OrderBook
	Capacity   *capacity.Service
	Forecast   *forecast.Engine
	Controller *controller.Controller
	Production *production.Machine
	Automation *automation.Orchestrator
	Timers     *automation.Timers
	Registry   *worker.Registry
	Notifier   notify.Notifier
	Router     http.Handler

	httpServer *api.Server
	grpcServer *grpc.Server
	queueSrv   *server.Server
	grpcAddr   net.Addr

	closers []func() error
	started bool
}

// New builds the process from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, log logger.Logger) (*App, error) {
	window, err := cfg.Window()
	if err != nil {
		return nil, fmt.Errorf("delivery window: %w", err)
	}
	durations, err := cfg.StageDurations()
	if err != nil {
		return nil, fmt.Errorf("stage durations: %w", err)
	}

	a := &App{cfg: cfg, log: log, window: window, Store: store.NewMemory()}
	if cfg.Metrics.Enabled {
		a.Metrics = metrics.NewCollector()
	}

	// failed construction releases what was already opened
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.Orders = a.Store
	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		book := postgres.NewOrderBook(db)
		if err := book.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.Orders = book
		log.Info("Order book on PostgreSQL")
	}

	dedupe, err := a.dedupeStore(ctx)
	if err != nil {
		return nil, err
	}

	a.Capacity = capacity.NewService(log, capacity.WithMetrics(a.Metrics))
	for _, r := range cfg.Racks {
		if err := a.Capacity.SetCapacity(r.ID, r.Capacity); err != nil {
			return nil, fmt.Errorf("rack %s: %w", r.ID, err)
		}
	}
	a.Forecast = forecast.NewEngine(a.Store, a.Orders, durations)

	a.Registry = worker.NewRegistry()
	a.Controller, err = controller.NewController(a.controllerConfig(), a.Registry, log,
		controller.WithMetrics(a.Metrics),
		controller.WithCheckpointers(a.Store, a.Capacity))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.Controller.Stop(); return nil })

	a.Automation = automation.NewOrchestrator(a.Controller, dedupe, cfg.Automation.DedupeTTL, log,
		automation.WithMetrics(a.Metrics))

	a.Production = production.NewMachine(a.Store, a.Controller, a.Capacity, a.Orders, production.Config{
		AutoDelivery: cfg.Production.AutoDelivery,
		StaleSlack:   cfg.Production.StaleSlack,
		Durations:    durations,
	}, log,
		production.WithMetrics(a.Metrics),
		production.WithCompletionListener(a.batchCompleted))

	a.Notifier = NewNotifier(cfg, log)
	a.registerHandlers()

	a.Timers = automation.NewTimers(window.Location, log)
	for _, t := range cfg.Automation.Timers {
		if _, err := a.Timers.AddTrigger(automation.TimerSpec{Spec: t.Spec, Type: t.Type, Payload: t.Payload}, a.Automation); err != nil {
			return nil, err
		}
	}
	if cfg.Production.SweepSchedule != "" {
		if _, err := a.Timers.AddTask(cfg.Production.SweepSchedule, "stale_sweep", a.sweep); err != nil {
			return nil, err
		}
	}

	a.Router = api.NewRouter(api.Deps{
		Production: a.Production,
		Capacity:   a.Capacity,
		Forecast:   a.Forecast,
		Orders:     a.Orders,
		Automation: a.Automation,
		Jobs:       a.Controller,
		Window:     window,
		OfferCount: cfg.Delivery.OfferCount,
		Durations:  durations,
		Metrics:    a.Metrics,
		Log:        log,
	})
	ok = true
	return a, nil
}

func (a *App) controllerConfig() controller.Config {
	workers := make(map[types.Domain]int, len(a.cfg.Queue.Workers))
	for name, n := range a.cfg.Queue.Workers {
		workers[types.Domain(name)] = n
	}
	return controller.Config{
		NodeID:  "master",
		Workers: workers,
		Queue: jobmanager.Config{
			MaxAttempts:       a.cfg.Queue.MaxAttempts,
			BaseBackoff:       a.cfg.Queue.BaseBackoff,
			MaxBackoff:        a.cfg.Queue.MaxBackoff,
			VisibilityTimeout: a.cfg.Queue.VisibilityTimeout,
		},
		PollInterval:     a.cfg.Queue.PollInterval,
		ReclaimInterval:  a.cfg.Queue.ReclaimInterval,
		SnapshotInterval: a.cfg.Snapshot.Interval,
		WALPath:          filepath.Join(a.cfg.WAL.Dir, "queue.wal"),
		WALBufferSize:    a.cfg.WAL.BufferSize,
		WALFlushInterval: a.cfg.WAL.FlushInterval,
		SnapshotPath:     filepath.Join(a.cfg.Snapshot.Dir, "snapshot.json"),
		SnapshotBackups:  3,
	}
}

// dedupeStore uses Redis when an address is configured so that several
// processes share one dedupe window.
func (a *App) dedupeStore(ctx context.Context) (automation.DedupeStore, error) {
	if a.cfg.Redis.Address == "" {
		return automation.NewMemoryDedupe(time.Now), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Address,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Address, err)
	}
	a.log.Info("Trigger dedupe on Redis", logger.String("address", a.cfg.Redis.Address))
	return automation.NewRedisDedupe(client, ""), nil
}

// NewNotifier returns the webhook notifier when a URL is configured,
// otherwise the log notifier.
func NewNotifier(cfg config.Config, log logger.Logger) notify.Notifier {
	if cfg.Notify.WebhookURL != "" {
		return notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
	}
	return notify.NewLog(log)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start recovers the queue and starts serving.
func (a *App) Start() error {
	if err := a.Controller.Start(); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	a.started = true

	// configured totals win over checkpointed ones
	for _, r := range a.cfg.Racks {
		if err := a.Capacity.SetCapacity(r.ID, r.Capacity); err != nil {
			return fmt.Errorf("rack %s: %w", r.ID, err)
		}
	}

	a.Timers.Start()

	if a.cfg.HTTP.Addr != "" {
		a.httpServer = api.NewServer(a.cfg.HTTP.Addr, a.Router, a.log)
		a.httpServer.Start()
	}

	if a.cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", a.cfg.GRPC.Addr, err)
		}
		a.grpcAddr = lis.Addr()
		a.queueSrv = server.NewServer(a.Controller, a.log, 2*a.cfg.Queue.VisibilityTimeout)
		a.grpcServer = server.NewGRPCServer(a.queueSrv)
		go func() {
			a.log.Info("gRPC server listening", logger.String("addr", lis.Addr().String()))
			if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				a.log.Error("gRPC server failed", logger.Error(err))
			}
		}()
	}

	a.log.Info("greenrack started",
		logger.String("http_addr", a.cfg.HTTP.Addr),
		logger.Bool("grpc", a.cfg.GRPC.Enabled),
		logger.Strings("job_types", a.Registry.Types()))
	return nil
}

// GRPCAddr is the bound gRPC address, nil when gRPC is disabled.
func (a *App) GRPCAddr() net.Addr { return a.grpcAddr }

// Stop shuts everything down. It is safe to call after a failed Start.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Warn("HTTP shutdown", logger.Error(err))
		}
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.started {
		a.Timers.Stop()
	}
	a.close()
	a.log.Info("greenrack stopped")
}

// close runs the closers in reverse order.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("Close failed", logger.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) sweep(ctx context.Context) error {
	report, err := a.Production.SweepStale(ctx)
	if err != nil {
		return err
	}
	if len(report.Requeued) > 0 || len(report.Flagged) > 0 {
		a.log.Info("Stale tasks swept",
			logger.Strings("requeued", report.Requeued),
			logger.Strings("flagged", report.Flagged))
	}
	return nil
}
