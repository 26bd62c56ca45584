package worker

// ============================================================================
// Puller drives local pools from a JobSource (remote worker processes).
//
//   pollLoop(domain)  --Poll(avail)-->  Pool.Submit
//   resultLoop(pool)  <--Results()---   Pool          --Acknowledge-->
//   heartbeatLoop     --Heartbeat every interval (lease renewal)-->
//
// Shutdown on ctx cancel: stop polling, drain pools, acknowledge every result
// that was still running, return.
// ============================================================================

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// PullerConfig sizes the local pools and the poll cadence.
type PullerConfig struct {
	NodeID            string
	Workers           map[types.Domain]int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// AckTimeout bounds each Acknowledge call, including those made while
	// draining after ctx is cancelled.
	AckTimeout time.Duration
}

// Puller runs remote jobs on local pools.
type Puller struct {
	source  JobSource
	handler Handler
	cfg     PullerConfig
	log     logger.Logger
	pools   map[types.Domain]*Pool
}

// NewPuller creates a puller. Domains with zero workers are not polled.
func NewPuller(source JobSource, handler Handler, cfg PullerConfig, log logger.Logger) *Puller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	p := &Puller{
		source:  source,
		handler: handler,
		cfg:     cfg,
		log:     log.With(logger.String("node_id", cfg.NodeID)),
		pools:   make(map[types.Domain]*Pool),
	}
	for domain, n := range cfg.Workers {
		if n > 0 {
			p.pools[domain] = NewPool(domain, handler, n)
		}
	}
	return p
}

// Run blocks until ctx is cancelled and every in-flight job is acknowledged.
func (p *Puller) Run(ctx context.Context) error {
	for domain, pool := range p.pools {
		if err := pool.Start(p.cfg.Workers[domain]); err != nil {
			p.stopPools()
			return err
		}
	}
	p.log.Info("Puller started", logger.Int("domains", len(p.pools)))

	var pollWg, resultWg sync.WaitGroup
	for _, pool := range p.pools {
		pollWg.Add(1)
		go func(pool *Pool) {
			defer pollWg.Done()
			p.pollLoop(ctx, pool)
		}(pool)

		resultWg.Add(1)
		go func(pool *Pool) {
			defer resultWg.Done()
			p.resultLoop(pool)
		}(pool)
	}
	pollWg.Add(1)
	go func() {
		defer pollWg.Done()
		p.heartbeatLoop(ctx)
	}()

	<-ctx.Done()
	pollWg.Wait()
	p.stopPools()
	resultWg.Wait()

	p.log.Info("Puller stopped")
	return nil
}

// Load returns the number of tasks running across every pool.
func (p *Puller) Load() int {
	n := 0
	for _, pool := range p.pools {
		n += pool.InFlight()
	}
	return n
}

func (p *Puller) stopPools() {
	for _, pool := range p.pools {
		pool.Stop()
	}
}

func (p *Puller) pollLoop(ctx context.Context, pool *Pool) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if n := pool.Available(); n > 0 {
			p.pollOnce(ctx, pool, n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Puller) pollOnce(ctx context.Context, pool *Pool, n int) {
	jobs, err := p.source.Poll(ctx, pool.Domain(), n)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("Poll failed", logger.String("domain", string(pool.Domain())), logger.Error(err))
		}
		return
	}
	for _, job := range jobs {
		if err := pool.Submit(Task{Job: job, Timeout: job.Timeout}); err != nil {
			// The job is leased to us; report it failed so the master can retry it.
			p.log.Warn("Claimed job could not be run locally",
				logger.String("job_id", string(job.ID)), logger.Error(err))
			p.ack(Result{JobID: job.ID, Domain: job.Domain, Lease: job.Lease, Error: err})
		}
	}
}

func (p *Puller) resultLoop(pool *Pool) {
	for result := range pool.Results() {
		p.ack(result)
	}
}

func (p *Puller) ack(result Result) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	defer cancel()
	if err := p.source.Acknowledge(ctx, result); err != nil {
		// The lease expires on the master and the job is reclaimed there.
		p.log.Error("Acknowledge failed",
			logger.String("job_id", string(result.JobID)),
			logger.Bool("success", result.Success),
			logger.Error(err))
		return
	}
	p.log.Debug("Job acknowledged",
		logger.String("job_id", string(result.JobID)),
		logger.Bool("success", result.Success),
		logger.Duration("duration", result.Duration))
}

func (p *Puller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.source.Heartbeat(ctx, p.cfg.NodeID, p.Load()); err != nil && ctx.Err() == nil {
				p.log.Warn("Heartbeat failed", logger.Error(err))
			}
		}
	}
}
