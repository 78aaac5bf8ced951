package alert

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/jcolano/hiveboard/internal/derive"
	"github.com/jcolano/hiveboard/internal/model"
	"github.com/jcolano/hiveboard/internal/storage"
)

// defaultErrorRateWindow is the trailing window size for error_rate rules
// that do not configure one.
const defaultErrorRateWindow = 5

// evaluateRule dispatches to the rule's condition predicate and returns the
// satisfied (subject, evidence) pairs.
func (e *Engine) evaluateRule(ctx context.Context, tenantID uuid.UUID, rule model.AlertRule, events []model.Event, batchAgents map[string]bool) ([]firing, error) {
	switch rule.Condition {
	case model.CondAgentStuck:
		return e.condAgentStuck(ctx, tenantID, rule, batchAgents)
	case model.CondTaskDuration:
		return e.condTaskDuration(ctx, tenantID, rule, events)
	case model.CondErrorRate:
		return e.condErrorRate(ctx, tenantID, rule, batchAgents)
	case model.CondCustomEvent:
		return condCustomEvent(rule, events), nil
	case model.CondHeartbeatMissing:
		return e.condHeartbeatMissing(ctx, tenantID, rule, batchAgents)
	case model.CondCostThreshold:
		return e.condCostThreshold(ctx, tenantID, rule)
	}
	return nil, fmt.Errorf("unknown condition %q", rule.Condition)
}

// condAgentStuck fires for agents whose derived status is stuck, with the
// oldest open work item at least params.Duration old.
func (e *Engine) condAgentStuck(ctx context.Context, tenantID uuid.UUID, rule model.AlertRule, batchAgents map[string]bool) ([]firing, error) {
	now := e.now().UTC()
	var out []firing
	for _, agentID := range scopedAgents(rule, batchAgents) {
		recent, lastSeen, err := e.recentAgentEvents(ctx, tenantID, agentID, 500)
		if err != nil {
			return nil, err
		}
		cfg := e.derive
		if rule.Params.Duration > 0 {
			cfg.StuckThreshold = rule.Params.Duration
		}
		if derive.Status(recent, lastSeen, now, cfg) != model.StatusStuck {
			continue
		}
		out = append(out, firing{
			subject: agentID,
			evidence: map[string]any{
				"status":          string(model.StatusStuck),
				"stuck_threshold": cfg.StuckThreshold.String(),
			},
		})
	}
	return out, nil
}

// condTaskDuration fires for tasks touched by the batch whose elapsed time
// exceeds params.Duration.
func (e *Engine) condTaskDuration(ctx context.Context, tenantID uuid.UUID, rule model.AlertRule, events []model.Event) ([]firing, error) {
	threshold := rule.Params.Duration
	if threshold <= 0 {
		return nil, fmt.Errorf("task_duration rule has no duration")
	}

	touched := map[string]bool{}
	for _, ev := range events {
		if taskID := ev.TaskID(); taskID != "" {
			touched[taskID] = true
		}
	}
	if len(touched) == 0 {
		return nil, nil
	}

	filter := storage.EventFilter{AgentID: rule.AgentID, ProjectID: rule.ProjectID}
	taskEvents, err := e.store.TaskEvents(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("task events: %w", err)
	}

	now := e.now().UTC()
	var out []firing
	for _, task := range derive.Tasks(taskEvents, nil, now, e.derive) {
		if !touched[task.TaskID] {
			continue
		}
		elapsed := task.Duration
		if task.CompletedAt == nil {
			elapsed = now.Sub(task.StartedAt)
		}
		if elapsed <= threshold {
			continue
		}
		out = append(out, firing{
			subject: task.TaskID,
			evidence: map[string]any{
				"agent_id":        task.AgentID,
				"elapsed_seconds": int64(elapsed / time.Second),
				"threshold":       threshold.String(),
			},
		})
	}
	return out, nil
}

// condErrorRate fires when error-type events exceed params.Ratio of the
// agent's trailing window (params.WindowEvents, default 5).
func (e *Engine) condErrorRate(ctx context.Context, tenantID uuid.UUID, rule model.AlertRule, batchAgents map[string]bool) ([]firing, error) {
	window := rule.Params.WindowEvents
	if window <= 0 {
		window = defaultErrorRateWindow
	}
	var out []firing
	for _, agentID := range scopedAgents(rule, batchAgents) {
		recent, err := e.store.RecentAgentEvents(ctx, tenantID, agentID, window)
		if err != nil {
			return nil, fmt.Errorf("recent events for %s: %w", agentID, err)
		}
		if len(recent) == 0 {
			continue
		}
		errors := 0
		for _, ev := range recent {
			if ev.EventType == model.EventError {
				errors++
			}
		}
		ratio := float64(errors) / float64(len(recent))
		if ratio <= rule.Params.Ratio {
			continue
		}
		out = append(out, firing{
			subject: agentID,
			evidence: map[string]any{
				"errors": errors,
				"window": len(recent),
				"ratio":  ratio,
			},
		})
	}
	return out, nil
}

// condCustomEvent fires on batch events of the custom type whose payload name
// (or kind, for unnamed events) matches the rule's pattern. Patterns use
// path.Match syntax, so "deploy-*" works.
func condCustomEvent(rule model.AlertRule, events []model.Event) []firing {
	pattern := rule.Params.Pattern
	if pattern == "" {
		return nil
	}
	var out []firing
	for _, ev := range events {
		if ev.EventType != model.EventCustom {
			continue
		}
		if rule.AgentID != "" && ev.AgentID != rule.AgentID {
			continue
		}
		name := ev.PayloadString("name")
		if name == "" {
			name = string(ev.Kind())
		}
		if ok, _ := path.Match(pattern, name); !ok {
			continue
		}
		out = append(out, firing{
			subject: ev.AgentID,
			evidence: map[string]any{
				"event_id": ev.ID,
				"name":     name,
			},
		})
	}
	return out
}

// condHeartbeatMissing fires for agents with no heartbeat inside
// params.Duration.
func (e *Engine) condHeartbeatMissing(ctx context.Context, tenantID uuid.UUID, rule model.AlertRule, batchAgents map[string]bool) ([]firing, error) {
	interval := rule.Params.Duration
	if interval <= 0 {
		return nil, fmt.Errorf("heartbeat_missing rule has no interval")
	}
	now := e.now().UTC()
	var out []firing
	for _, agentID := range scopedAgents(rule, batchAgents) {
		recent, _, err := e.recentAgentEvents(ctx, tenantID, agentID, 500)
		if err != nil {
			return nil, err
		}
		hb, found := derive.LatestHeartbeat(recent)
		if found && now.Sub(hb.Timestamp) <= interval {
			continue
		}
		evidence := map[string]any{"interval": interval.String()}
		if found {
			evidence["last_heartbeat"] = hb.Timestamp.Format(time.RFC3339)
		}
		out = append(out, firing{subject: agentID, evidence: evidence})
	}
	return out, nil
}

// condCostThreshold fires when cumulative llm_call cost inside the rule's
// scope exceeds params.CostUSD over the trailing params.CostWindow
// (default 1h).
func (e *Engine) condCostThreshold(ctx context.Context, tenantID uuid.UUID, rule model.AlertRule) ([]firing, error) {
	if rule.Params.CostUSD <= 0 {
		return nil, fmt.Errorf("cost_threshold rule has no cost limit")
	}
	window := rule.Params.CostWindow
	if window <= 0 {
		window = time.Hour
	}
	since := e.now().UTC().Add(-window)
	sum, err := e.store.CostSummary(ctx, tenantID, storage.MetricFilter{
		ProjectID: rule.ProjectID,
		AgentID:   rule.AgentID,
		Since:     &since,
	})
	if err != nil {
		return nil, fmt.Errorf("cost summary: %w", err)
	}
	if sum.TotalUSD <= rule.Params.CostUSD {
		return nil, nil
	}

	subject := rule.AgentID
	if subject == "" && rule.ProjectID != nil {
		subject = rule.ProjectID.String()
	}
	if subject == "" {
		subject = tenantID.String()
	}
	return []firing{{
		subject: subject,
		evidence: map[string]any{
			"total_usd": sum.TotalUSD,
			"limit_usd": rule.Params.CostUSD,
			"calls":     sum.Calls,
			"window":    window.String(),
		},
	}}, nil
}
