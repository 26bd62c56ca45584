// ============================================================================
// greenrack CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that run the scheduler, run remote workers and talk
//          to a running master.
//
// Command Structure:
//   greenrack                      # Root command
//   ├── run                        # HTTP API + queue + local workers + timers
//   ├── worker                     # remote worker pulling jobs over gRPC
//   │   ├── --master               # master gRPC address
//   │   └── --workers              # notification workers
//   ├── enqueue                    # submit jobs from a JSON file
//   │   ├── --file, -f
//   │   └── --master
//   ├── status                     # job counts of a running master
//   ├── next-delivery              # offerable delivery dates and cutoffs
//   └── --config, -c               # YAML config; defaults when omitted
//
// Signal Handling:
//   run and worker stop on SIGINT / SIGTERM:
//   run    -> stop HTTP and gRPC, drain local pools, final checkpoint
//   worker -> stop polling, finish and acknowledge running jobs
//
// enqueue file format:
//   [
//     {"domain": "automation", "type": "inventory_check",
//      "payload": {"date": "2026-10-16"}, "dedupe_key": "..."}
//   ]
//   Missing ids are generated.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	queuev1 "github.com/ChuLiYu/greenrack/api/queue/v1"
	"github.com/ChuLiYu/greenrack/internal/app"
	"github.com/ChuLiYu/greenrack/internal/config"
	"github.com/ChuLiYu/greenrack/internal/delivery"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/worker"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

const rpcTimeout = 10 * time.Second

var configFile string

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "greenrack",
		Short: "greenrack: microgreens production scheduling",
		Long: `greenrack schedules a microgreens production pipeline:
- delivery dates from order cutoff rules
- rack capacity reservations
- inventory forecasts
- a production stage machine
- a crash-recoverable job queue with retries and dead letters`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (defaults are used when empty)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildNextDeliveryCommand())

	return rootCmd
}

func loadConfig() (config.Config, logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func dial(addr string) (*grpc.ClientConn, error) {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master %s: %w", addr, err)
	}
	return conn, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		Long:  "Start the HTTP API, the job queue with its local workers, the timers and, when enabled, the gRPC endpoint for remote workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}
}

func runServer(ctx context.Context, cfg config.Config, log logger.Logger) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build system: %w", err)
	}
	if err := a.Start(); err != nil {
		a.Stop()
		return fmt.Errorf("failed to start system: %w", err)
	}
	rec := a.Controller.Recovery()
	log.Info("System started",
		logger.Duration("recovery", rec.Duration),
		logger.Int("replayed_events", rec.Replayed),
		logger.Int("requeued_jobs", rec.Requeued))

	<-ctx.Done()
	log.Info("Received shutdown signal, stopping gracefully")
	a.Stop()
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand() *cobra.Command {
	var (
		masterAddr string
		workerID   string
		workers    int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a remote worker",
		Long:  "Pull notification jobs from a master over gRPC and send them with the configured notifier.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if masterAddr == "" {
				masterAddr = cfg.GRPC.Addr
			}
			if workerID == "" {
				host, _ := os.Hostname()
				workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorker(ctx, cfg, log, masterAddr, workerID, workers)
		},
	}
	cmd.Flags().StringVar(&masterAddr, "master", "", "master gRPC address (defaults to grpc.addr)")
	cmd.Flags().StringVar(&workerID, "id", "", "worker id (defaults to host-pid)")
	cmd.Flags().IntVar(&workers, "workers", 2, "concurrent notification jobs")
	return cmd
}

func runWorker(ctx context.Context, cfg config.Config, log logger.Logger, masterAddr, workerID string, workers int) error {
	if workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	conn, err := dial(masterAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	p := worker.NewPuller(worker.NewGrpcJobSource(conn, workerID), app.WorkerRegistry(app.NewNotifier(cfg, log)), worker.PullerConfig{
		NodeID:       workerID,
		Workers:      map[types.Domain]int{types.DomainNotification: workers},
		PollInterval: cfg.Queue.PollInterval,
		// renew leases well inside the visibility timeout
		HeartbeatInterval: cfg.Queue.VisibilityTimeout / 3,
	}, log)

	log.Info("Worker started", logger.String("master", masterAddr), logger.String("worker_id", workerID))
	return p.Run(ctx)
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var (
		jobFile    string
		masterAddr string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		Long:  "Read job definitions from a JSON file and submit them to a running master.",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := readJobs(jobFile)
			if err != nil {
				return err
			}
			if masterAddr == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				masterAddr = cfg.GRPC.Addr
			}
			conn, err := dial(masterAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			return submitJobs(ctx, queuev1.NewClient(conn), jobs, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.Flags().StringVar(&masterAddr, "master", "", "master gRPC address (defaults to grpc.addr)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readJobs parses a JSON array of jobs. Jobs without an id get one.
func readJobs(path string) ([]types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job file %s contains no jobs", path)
	}
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = types.JobID(types.NewID("job"))
		}
	}
	return jobs, nil
}

func submitJobs(ctx context.Context, client *queuev1.Client, jobs []types.Job, w io.Writer) error {
	resp, err := client.Submit(ctx, &queuev1.SubmitRequest{Jobs: jobs})
	if err != nil {
		return fmt.Errorf("failed to submit jobs: %w", err)
	}
	fmt.Fprintf(w, "Accepted %d/%d jobs\n", len(resp.Accepted), len(jobs))
	ids := make([]string, 0, len(resp.Rejected))
	for id := range resp.Rejected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  rejected %s: %s\n", id, resp.Rejected[id])
	}
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var masterAddr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status of a running master",
		Long:  "Display job counts per domain and status, uptime and live remote workers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if masterAddr == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				masterAddr = cfg.GRPC.Addr
			}
			conn, err := dial(masterAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
			defer cancel()
			resp, err := queuev1.NewClient(conn).Status(ctx, &queuev1.StatusRequest{})
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&masterAddr, "master", "", "master gRPC address (defaults to grpc.addr)")
	return cmd
}

var statusColumns = []types.JobStatus{
	types.StatusQueued, types.StatusRunning, types.StatusRetrying,
	types.StatusSucceeded, types.StatusDeadLettered, types.StatusCancelled,
}

func printStatus(w io.Writer, resp *queuev1.StatusResponse) {
	uptime := time.Duration(resp.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Fprintf(w, "Uptime: %s\n\n", uptime)

	fmt.Fprintf(w, "%-14s", "DOMAIN")
	for _, s := range statusColumns {
		fmt.Fprintf(w, " %14s", strings.ToUpper(string(s)))
	}
	fmt.Fprintln(w)
	for _, d := range types.AllDomains() {
		fmt.Fprintf(w, "%-14s", d)
		for _, s := range statusColumns {
			fmt.Fprintf(w, " %14d", resp.Counts[string(d)][string(s)])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	if len(resp.Workers) == 0 {
		fmt.Fprintln(w, "Remote workers: none")
		return
	}
	fmt.Fprintf(w, "Remote workers: %s\n", strings.Join(resp.Workers, ", "))
}

// ============================================================================
// next-delivery
// ============================================================================

func buildNextDeliveryCommand() *cobra.Command {
	var (
		from  string
		count int
	)
	cmd := &cobra.Command{
		Use:   "next-delivery",
		Short: "Show the next offerable delivery dates",
		Long:  "Apply the configured cutoff rule to an order time (now by default) and list the delivery dates it may still choose.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			w, err := cfg.Window()
			if err != nil {
				return err
			}
			now := time.Now()
			if from != "" {
				if now, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			printDeliveries(cmd.OutOrStdout(), now, w, count)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "order time, RFC 3339 (defaults to now)")
	cmd.Flags().IntVar(&count, "count", 1, "number of dates to list")
	return cmd
}

func printDeliveries(out io.Writer, now time.Time, w delivery.Window, n int) {
	for _, d := range delivery.OfferableDates(now, w, n) {
		fmt.Fprintf(out, "%s  (order by %s)\n",
			d.Format("Mon 2006-01-02 15:04 MST"),
			w.CutoffFor(d).Format("Mon 2006-01-02 15:04 MST"))
	}
}
