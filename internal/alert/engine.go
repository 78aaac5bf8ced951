// Package alert evaluates alert rules against freshly ingested batches.
// Evaluation runs on the ingestion path but webhook dispatch is handed to a
// background worker; a failing webhook never slows a client down.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// DefaultCooldown applies to rules that do not configure their own.
const DefaultCooldown = 15 * time.Minute

// Engine evaluates enabled rules whose scope intersects a batch. Dedup state
// is shared across evaluations; the mutex serializes the check-and-fire
// window so overlapping batches cannot double-fire a (rule, subject) pair.
type Engine struct {
	store      storage.Store
	dispatcher *Dispatcher
	derive     derive.Config
	cooldown   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time

	hooks []FiringHookFunc
}

// FiringHookFunc receives each recorded firing. Hooks run in their own
// goroutine with a bounded timeout; a hook failure is logged, never
// propagated.
type FiringHookFunc func(ctx context.Context, rule model.AlertRule, f model.AlertFiring) error

// NewEngine creates an Engine. dispatcher may be nil; firings are then
// recorded but never delivered.
func NewEngine(store storage.Store, dispatcher *Dispatcher, cfg derive.Config, cooldown time.Duration, logger *slog.Logger) *Engine {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		derive:     cfg,
		cooldown:   cooldown,
		logger:     logger,
		now:        time.Now,
		lastFired:  map[string]time.Time{},
	}
}

// AddHook registers fn to run after each recorded firing. Register hooks
// before serving traffic; AddHook is not safe to call concurrently with
// Evaluate.
func (e *Engine) AddHook(fn FiringHookFunc) {
	e.hooks = append(e.hooks, fn)
}

// Evaluate runs every enabled rule whose scope intersects the batch's agents
// and projects. Errors are logged, never returned: alerting is best-effort
// relative to the ingestion critical path.
func (e *Engine) Evaluate(ctx context.Context, tenantID uuid.UUID, events []model.Event) {
	if len(events) == 0 {
		return
	}
	rules, err := e.store.ListAlertRules(ctx, tenantID, true)
	if err != nil {
		e.logger.ErrorContext(ctx, "alert: list rules", slog.String("error", err.Error()))
		return
	}
	if len(rules) == 0 {
		return
	}

	agents := map[string]bool{}
	projects := map[uuid.UUID]bool{}
	for _, ev := range events {
		agents[ev.AgentID] = true
		if ev.ProjectID != nil {
			projects[*ev.ProjectID] = true
		}
	}

	for _, rule := range rules {
		if !ruleInScope(rule, agents, projects) {
			continue
		}
		firings, err := e.evaluateRule(ctx, tenantID, rule, events, agents)
		if err != nil {
			e.logger.WarnContext(ctx, "alert: evaluate rule",
				slog.String("rule_id", rule.ID.String()),
				slog.String("condition", string(rule.Condition)),
				slog.String("error", err.Error()))
			continue
		}
		for _, f := range firings {
			e.fire(ctx, rule, f.subject, f.evidence)
		}
	}
}

// ruleInScope reports whether a rule's target scope intersects the batch.
func ruleInScope(rule model.AlertRule, agents map[string]bool, projects map[uuid.UUID]bool) bool {
	if rule.AgentID != "" && !agents[rule.AgentID] {
		return false
	}
	if rule.ProjectID != nil && !projects[*rule.ProjectID] {
		return false
	}
	return true
}

// scopedAgents returns the batch agents a rule applies to.
func scopedAgents(rule model.AlertRule, agents map[string]bool) []string {
	if rule.AgentID != "" {
		return []string{rule.AgentID}
	}
	out := make([]string, 0, len(agents))
	for a := range agents {
		out = append(out, a)
	}
	return out
}

// firing is a satisfied condition awaiting cooldown and persistence.
type firing struct {
	subject  string
	evidence map[string]any
}

// fire records one AlertHistory row for (rule, subject) unless the cooldown
// has not elapsed, then hands the webhook to the dispatcher.
func (e *Engine) fire(ctx context.Context, rule model.AlertRule, subject string, evidence map[string]any) {
	now := e.now().UTC()
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = e.cooldown
	}

	e.mu.Lock()
	key := rule.ID.String() + "|" + subject
	last, seen := e.lastFired[key]
	if !seen {
		// Cold cache (engine restart): the history table is the durable
		// cooldown clock.
		if stored, err := e.store.LatestFiring(ctx, rule.ID, subject); err == nil {
			last, seen = stored, true
		} else if !errors.Is(err, storage.ErrNotFound) {
			e.mu.Unlock()
			e.logger.WarnContext(ctx, "alert: cooldown lookup", slog.String("error", err.Error()))
			return
		}
	}
	if seen && now.Sub(last) < cooldown {
		e.mu.Unlock()
		return
	}
	e.lastFired[key] = now
	e.mu.Unlock()

	record := model.AlertFiring{
		ID:             uuid.New(),
		RuleID:         rule.ID,
		TenantID:       rule.TenantID,
		Subject:        subject,
		FiredAt:        now,
		Evidence:       evidence,
		DispatchStatus: model.DispatchSkipped,
	}
	if rule.WebhookURL != "" {
		record.DispatchStatus = model.DispatchPending
	}
	if err := e.store.InsertAlertFiring(ctx, record); err != nil {
		e.logger.ErrorContext(ctx, "alert: record firing",
			slog.String("rule_id", rule.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	e.logger.InfoContext(ctx, "alert fired",
		slog.String("rule_id", rule.ID.String()),
		slog.String("rule", rule.Name),
		slog.String("condition", string(rule.Condition)),
		slog.String("subject", subject))

	if rule.WebhookURL != "" && e.dispatcher != nil {
		e.dispatcher.Enqueue(rule, record)
	}

	if len(e.hooks) > 0 {
		hooks := e.hooks
		logger := e.logger
		go func() {
			hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, h := range hooks {
				if err := h(hookCtx, rule, record); err != nil {
					logger.Warn("alert firing hook failed", "error", err)
				}
			}
		}()
	}
}

// recentAgentEvents fetches the derive read path for one agent.
func (e *Engine) recentAgentEvents(ctx context.Context, tenantID uuid.UUID, agentID string, limit int) ([]model.Event, time.Time, error) {
	agent, err := e.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	recent, err := e.store.RecentAgentEvents(ctx, tenantID, agentID, limit)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("recent events for %s: %w", agentID, err)
	}
	return recent, agent.LastSeen, nil
}
