// Package notify delivers messages to the grow crew and to customers.
//
// Notification failures are reported as *apperr.ExternalServiceError. They
// never roll back the scheduling state that caused the message; the job
// layer retries the notification job instead.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ChuLiYu/greenrack/internal/apperr"
	"github.com/ChuLiYu/greenrack/internal/logger"
	"github.com/ChuLiYu/greenrack/pkg/types"
)

const defaultTimeout = 5 * time.Second

// JobType is the notification-domain job that carries one Message.
const JobType = "notify"

// Message is one notification. Content formatting is left to the receiver.
type Message struct {
	Topic          string            `json:"topic"`
	Recipient      string            `json:"recipient,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Notifier sends messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ============================================================================
// Log notifier
// ============================================================================

// Log writes messages to the logger. Used when no webhook is configured.
type Log struct {
	log logger.Logger
}

// NewLog creates a Log notifier.
func NewLog(log logger.Logger) *Log {
	return &Log{log: log.With(logger.String("component", "notify"))}
}

func (l *Log) Notify(_ context.Context, msg Message) error {
	l.log.Info("Notification",
		logger.String("topic", msg.Topic),
		logger.String("recipient", msg.Recipient),
		logger.Any("data", msg.Data))
	return nil
}

// ============================================================================
// Webhook notifier
// ============================================================================

// Webhook posts each message as JSON to a URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a Webhook notifier. timeout <= 0 uses 5s.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &apperr.ExternalServiceError{Service: "webhook", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &apperr.ExternalServiceError{Service: "webhook", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apperr.ExternalServiceError{Service: "webhook", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return nil
}

// ============================================================================
// Notification jobs
// ============================================================================

// NewJob wraps msg in a notification job. A non-empty dedupeKey keeps a
// retried producer from sending the message twice.
func NewJob(msg Message, dedupeKey string) (types.Job, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return types.Job{}, fmt.Errorf("marshal message: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return types.Job{}, fmt.Errorf("marshal message: %w", err)
	}
	return types.Job{
		ID:        types.JobID(types.NewID("job")),
		Domain:    types.DomainNotification,
		Type:      JobType,
		Payload:   payload,
		DedupeKey: dedupeKey,
	}, nil
}

// MessageFromJob decodes the Message carried by a notification job.
func MessageFromJob(job types.Job) (Message, error) {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("job %s payload: %w", job.ID, err)
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("job %s payload: %w", job.ID, err)
	}
	if msg.Topic == "" {
		return Message{}, apperr.Invalid("topic", "is required")
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = string(job.ID)
	}
	return msg, nil
}

// JobHandler sends the message of each notification job through n.
func JobHandler(n Notifier) func(ctx context.Context, job types.Job) error {
	return func(ctx context.Context, job types.Job) error {
		msg, err := MessageFromJob(job)
		if err != nil {
			return err
		}
		return n.Notify(ctx, msg)
	}
}
