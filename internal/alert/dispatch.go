package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

const (
	defaultDispatchQueue   = 128
	defaultDispatchTimeout = 10 * time.Second
)

// webhookPayload is the JSON body POSTed to a rule's webhook.
type webhookPayload struct {
	RuleID    string         `json:"rule_id"`
	RuleName  string         `json:"rule_name"`
	Condition string         `json:"condition"`
	Subject   string         `json:"subject"`
	FiredAt   time.Time      `json:"fired_at"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

type dispatchJob struct {
	rule   model.AlertRule
	firing model.AlertFiring
}

// Dispatcher delivers firings to webhooks on a background worker. The queue
// is bounded; when it is full new jobs are recorded as failed instead of
// blocking the alert engine.
type Dispatcher struct {
	store  storage.Store
	client *http.Client
	logger *slog.Logger
	jobs   chan dispatchJob
}

// NewDispatcher creates a Dispatcher. queueSize <= 0 selects the default.
func NewDispatcher(store storage.Store, logger *slog.Logger, queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultDispatchQueue
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: defaultDispatchTimeout},
		logger: logger,
		jobs:   make(chan dispatchJob, queueSize),
	}
}

// Enqueue hands a firing to the worker. Never blocks.
func (d *Dispatcher) Enqueue(rule model.AlertRule, f model.AlertFiring) {
	select {
	case d.jobs <- dispatchJob{rule: rule, firing: f}:
	default:
		d.recordOutcome(context.Background(), f.ID, model.DispatchFailed, "dispatch queue full")
	}
}

// Run processes the queue until ctx is cancelled. Intended for an errgroup.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-d.jobs:
			d.deliver(ctx, job)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job dispatchJob) {
	body, err := json.Marshal(webhookPayload{
		RuleID:    job.rule.ID.String(),
		RuleName:  job.rule.Name,
		Condition: string(job.rule.Condition),
		Subject:   job.firing.Subject,
		FiredAt:   job.firing.FiredAt,
		Evidence:  job.firing.Evidence,
	})
	if err != nil {
		d.recordOutcome(ctx, job.firing.ID, model.DispatchFailed, fmt.Sprintf("encode payload: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.rule.WebhookURL, bytes.NewReader(body))
	if err != nil {
		d.recordOutcome(ctx, job.firing.ID, model.DispatchFailed, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordOutcome(ctx, job.firing.ID, model.DispatchFailed, err.Error())
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.recordOutcome(ctx, job.firing.ID, model.DispatchFailed, fmt.Sprintf("webhook returned %d", resp.StatusCode))
		return
	}
	d.recordOutcome(ctx, job.firing.ID, model.DispatchDelivered, "")
}

func (d *Dispatcher) recordOutcome(ctx context.Context, firingID uuid.UUID, status, dispatchErr string) {
	if err := d.store.UpdateFiringDispatch(ctx, firingID, status, dispatchErr); err != nil {
		d.logger.ErrorContext(ctx, "alert: record dispatch outcome",
			slog.String("firing_id", firingID.String()),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
}
