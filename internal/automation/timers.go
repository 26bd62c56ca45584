package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/greenrack/internal/logger"
)

// DatePlaceholder in a timer payload value expands to the firing date.
const DatePlaceholder = "{{date}}"

// TimerSpec fires a trigger of Type with Payload on the cron Spec.
type TimerSpec struct {
	Spec    string
	Type    string
	Payload map[string]string
}

// Firer fires triggers. *Orchestrator implements it.
type Firer interface {
	Fire(ctx context.Context, t Trigger) (Result, error)
}

// Timers runs cron schedules: configured triggers and internal tasks such
// as the stale-task sweep.
type Timers struct {
	cron *cron.Cron
	loc  *time.Location
	log  logger.Logger
}

// NewTimers creates a stopped scheduler evaluating specs in loc.
func NewTimers(loc *time.Location, log logger.Logger) *Timers {
	if loc == nil {
		loc = time.Local
	}
	log = log.With(logger.String("component", "timers"))
	cl := cronLogger{log: log}
	return &Timers{
		cron: cron.New(cron.WithLocation(loc), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		loc:  loc,
		log:  log,
	}
}

// AddTrigger schedules spec.Type to be fired through f.
func (t *Timers) AddTrigger(spec TimerSpec, f Firer) (cron.EntryID, error) {
	id, err := t.cron.AddFunc(spec.Spec, func() {
		t.fireAt(context.Background(), f, spec, time.Now().In(t.loc))
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s %q: %w", spec.Type, spec.Spec, err)
	}
	t.log.Info("Timer scheduled", logger.String("type", spec.Type), logger.String("spec", spec.Spec))
	return id, nil
}

// AddTask schedules fn under name.
func (t *Timers) AddTask(spec, name string, fn func(ctx context.Context) error) (cron.EntryID, error) {
	id, err := t.cron.AddFunc(spec, func() {
		if err := fn(context.Background()); err != nil {
			t.log.Warn("Scheduled task failed", logger.String("task", name), logger.Error(err))
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return id, nil
}

// Next returns the next firing time of entry id, or zero before Start.
func (t *Timers) Next(id cron.EntryID) time.Time {
	return t.cron.Entry(id).Next
}

// Len returns the number of scheduled entries.
func (t *Timers) Len() int { return len(t.cron.Entries()) }

// Start begins firing in the background.
func (t *Timers) Start() { t.cron.Start() }

// Stop stops scheduling and waits for running entries to return.
func (t *Timers) Stop() { <-t.cron.Stop().Done() }

func (t *Timers) fireAt(ctx context.Context, f Firer, spec TimerSpec, at time.Time) {
	trigger := Trigger{Type: spec.Type, Payload: ExpandPayload(spec.Payload, at)}
	res, err := f.Fire(ctx, trigger)
	if err != nil {
		t.log.Warn("Timer trigger failed", logger.String("type", spec.Type), logger.Error(err))
		return
	}
	t.log.Debug("Timer fired",
		logger.String("type", spec.Type),
		logger.Bool("duplicate", res.Duplicate),
		logger.String("job_id", string(res.JobID)))
}

// ExpandPayload copies payload replacing DatePlaceholder with at's date.
func ExpandPayload(payload map[string]string, at time.Time) map[string]interface{} {
	date := at.Format("2006-01-02")
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		out[k] = strings.ReplaceAll(v, DatePlaceholder, date)
	}
	return out
}

// cronLogger routes cron's logging into the structured logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
