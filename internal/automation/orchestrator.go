// ============================================================================
// greenrack Automation Orchestrator
// ============================================================================
//
// Package: internal/automation
// File: orchestrator.go
// Purpose: Turns typed triggers (webhooks, timers, internal events) into
// automation-domain jobs, at most one per trigger identity.
//
// Flow:
//
//	Fire(trigger)
//	   │ unknown type ──────────────> logged, Result.Ignored
//	   │
//	   ├─ key = type + payload identity (sha256 of the payload as fallback)
//	   ├─ DedupeStore.Claim(key, ttl) ── already held ──> Result.Duplicate
//	   └─ queue.Enqueue(job{DedupeKey: key})
//	          └─ failure ──> DedupeStore.Forget(key), error returned
//
// ============================================================================

package automation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/jobmanager"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/internal/metrics"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

// Trigger types.
const (
	TriggerSubscriptionCycle = "subscription_cycle"
	TriggerInventoryCheck    = "inventory_check"
	TriggerDeliveryReminder  = "delivery_reminder"
	TriggerBatchCompleted    = "batch_completed"
)

// identityFields names the payload fields that identify one occurrence of
// each known trigger type.
var identityFields = map[string][]string{
	TriggerSubscriptionCycle: {"subscription_id", "cycle_date"},
	TriggerInventoryCheck:    {"date"},
	TriggerDeliveryReminder:  {"delivery_job_id"},
	TriggerBatchCompleted:    {"batch_id"},
}

// KnownTypes lists the trigger types the orchestrator maps to jobs.
func KnownTypes() []string {
	out := make([]string, 0, len(identityFields))
	for t := range identityFields {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Trigger is one automation event.
type Trigger struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

// Result reports what Fire did with a trigger.
type Result struct {
	JobID     types.JobID `json:"job_id,omitempty"`
	DedupeKey string      `json:"dedupe_key,omitempty"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Ignored   bool        `json:"ignored,omitempty"`
}

// Queue enqueues automation jobs.
type Queue interface {
	Enqueue(job types.Job) (types.Job, error)
}

// Orchestrator maps triggers to jobs.
type Orchestrator struct {
	queue   Queue
	dedupe  DedupeStore
	ttl     time.Duration
	log     logger.Logger
	metrics *metrics.Collector
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics counts triggers on m.
func WithMetrics(m *metrics.Collector) Option { return func(o *Orchestrator) { o.metrics = m } }

// NewOrchestrator creates an Orchestrator. Claimed keys are held for ttl.
func NewOrchestrator(queue Queue, dedupe DedupeStore, ttl time.Duration, log logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		queue:  queue,
		dedupe: dedupe,
		ttl:    ttl,
		log:    log.With(logger.String("component", "automation")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DedupeKey derives the dedupe key of t from its type and payload identity.
// When an identity field is missing the whole payload is hashed instead.
func DedupeKey(t Trigger) (string, error) {
	if fields, ok := identityFields[t.Type]; ok {
		parts := make([]string, 0, len(fields)+1)
		parts = append(parts, t.Type)
		for _, f := range fields {
			v, ok := t.Payload[f]
			if !ok || v == nil || fmt.Sprint(v) == "" {
				parts = nil
				break
			}
			parts = append(parts, fmt.Sprint(v))
		}
		if parts != nil {
			return strings.Join(parts, ":"), nil
		}
	}

	// encoding/json sorts map keys, so equal payloads hash equally.
	raw, err := json.Marshal(t.Payload)
	if err != nil {
		return "", apperr.Invalid("payload", "not serializable: %v", err)
	}
	sum := sha256.Sum256(raw)
	return t.Type + ":sha256:" + hex.EncodeToString(sum[:]), nil
}

// Fire enqueues the job for t unless an equal trigger was already fired.
// Unknown types are logged and ignored.
func (o *Orchestrator) Fire(ctx context.Context, t Trigger) (Result, error) {
	if t.Type == "" {
		return Result{}, apperr.Invalid("type", "is required")
	}
	if _, known := identityFields[t.Type]; !known {
		o.log.Warn("Ignoring unknown trigger type", logger.String("type", t.Type))
		o.metrics.RecordTrigger(t.Type, "ignored")
		return Result{Ignored: true}, nil
	}

	key, err := DedupeKey(t)
	if err != nil {
		return Result{}, err
	}
	claimed, err := o.dedupe.Claim(ctx, key, o.ttl)
	if err != nil {
		return Result{}, fmt.Errorf("claim dedupe key: %w", err)
	}
	if !claimed {
		o.duplicate(t, key)
		return Result{DedupeKey: key, Duplicate: true}, nil
	}

	job, err := o.queue.Enqueue(types.Job{
		ID:        types.JobID(types.NewID("job")),
		Domain:    types.DomainAutomation,
		Type:      t.Type,
		Payload:   t.Payload,
		DedupeKey: key,
	})
	if err != nil {
		if errors.Is(err, jobmanager.ErrDuplicateJob) {
			o.duplicate(t, key)
			return Result{DedupeKey: key, Duplicate: true}, nil
		}
		if ferr := o.dedupe.Forget(ctx, key); ferr != nil {
			o.log.Warn("Failed to forget dedupe key", logger.String("key", key), logger.Error(ferr))
		}
		return Result{}, fmt.Errorf("enqueue %s: %w", t.Type, err)
	}

	o.metrics.RecordTrigger(t.Type, "enqueued")
	o.log.Info("Trigger enqueued",
		logger.String("type", t.Type),
		logger.String("job_id", string(job.ID)),
		logger.String("dedupe_key", key))
	return Result{JobID: job.ID, DedupeKey: key}, nil
}

func (o *Orchestrator) duplicate(t Trigger, key string) {
	o.metrics.RecordTrigger(t.Type, "duplicate")
	o.log.Debug("Duplicate trigger dropped", logger.String("type", t.Type), logger.String("dedupe_key", key))
}
