// Command demo walks one order through greenrack in-process: a rack
// reservation, every production stage, the delivery hand-off and a restart
// from the checkpoint. State lives in a temporary directory.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChuLiYu/greenrack/internal/app"
	"github.com/ChuLiYu/greenrack/internal/config"
	"github.com/ChuLiYu/greenrack/internal/delivery"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/production"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

const (
	crop     = "radish"
	trays    = 6
	rackID   = "rack-a"
	customer = "Green Cafe"
)

func main() {
	dir, err := os.MkdirTemp("", "greenrack-demo-")
	if err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.WAL.Dir = dir + "/wal"
	cfg.Snapshot.Dir = dir + "/snapshots"
	cfg.HTTP.Addr = ""
	cfg.GRPC.Enabled = false
	cfg.Production.SweepSchedule = ""
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Logging.Level = "warn"

	ctx := context.Background()
	a := start(ctx, cfg)

	window, _ := cfg.Window()
	now := time.Now()
	durations, _ := cfg.StageDurations()
	ready := now.Add(durations.Total(crop))

	// first delivery date the batch can make
	var date time.Time
	for _, d := range delivery.OfferableDates(now, window, 4) {
		if !d.Before(ready) {
			date = d
			break
		}
	}
	fmt.Printf("✓ %s ready around %s, delivering %s (order by %s)\n",
		crop, ready.Format(time.RFC1123), date.Format("Mon 2006-01-02"), window.CutoffFor(date).Format(time.RFC1123))

	order := types.Order{
		ID: types.NewID("order"), Customer: customer, Product: crop, Quantity: trays,
		DeliveryDate: date, Status: types.OrderConfirmed, CreatedAt: now,
	}
	must(a.Orders.SaveOrder(ctx, order))

	batchID := types.NewID("batch")
	res, err := a.Capacity.Reserve(ctx, rackID, types.Window{Start: now, End: ready}, trays, batchID)
	must(err)
	batch, task, err := a.Production.Start(ctx, production.StartRequest{
		BatchID: batchID, CropType: crop, Quantity: trays, RackID: rackID,
		ReservationID: res.ID, OrderID: order.ID,
	})
	must(err)
	fmt.Printf("✓ Batch %s started on %s (%d trays reserved)\n", batch.ID, rackID, trays)

	if fc, err := a.Forecast.ForProduct(ctx, crop, date); err == nil {
		fmt.Printf("📊 Forecast %s: projected=%d committed=%d available=%d\n",
			date.Format("2006-01-02"), fc.Projected, fc.Committed, fc.Available)
	}

	// the crew completes each stage in turn
	for task.ID != "" {
		tr, err := a.Production.CompleteStage(ctx, task.ID, "")
		must(err)
		fmt.Printf("  %-8s done\n", tr.Completed.Stage)
		if tr.Next == nil {
			break
		}
		task = *tr.Next
	}

	waitFor(func() bool {
		views, err := a.Orders.ListDeliveryJobs(ctx)
		return err == nil && len(views) == 1 && views[0].Status == types.DeliveryDispatched
	})
	fmt.Println("✓ Delivery job dispatched")

	a.Stop()
	fmt.Println("\n⚡ Restarting from checkpoint...")
	b := start(ctx, cfg)
	defer b.Stop()

	rec := b.Controller.Recovery()
	restored, err := b.Production.GetBatch(ctx, batch.ID)
	must(err)
	fmt.Printf("✓ Recovered in %s: batch stage=%s, %d jobs\n", rec.Duration, restored.Stage, len(b.Controller.List(jobmanager.Filter{})))
	for d, byStatus := range b.Controller.Stats() {
		fmt.Printf("  %-13s %v\n", d, byStatus)
	}
}

func start(ctx context.Context, cfg config.Config) *app.App {
	a, err := app.New(ctx, cfg, logger.Must(cfg.Logging))
	must(err)
	must(a.Start())
	return a
}

func waitFor(cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			log.Fatal("Timed out waiting for the delivery job")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
