package derive

import (
	"github.com/jcolano/hiveboard/internal/model"
)

// closedStates are the payload status values that remove an item from a
// pipeline section.
var closedStates = map[string]bool{
	"done":      true,
	"closed":    true,
	"resolved":  true,
	"cancelled": true,
}

// Pipeline builds the queue/todo/scheduled/issue snapshot for one agent from
// its pipeline events (ascending id order, the PipelineEvents read path).
// Every section is latest-wins per logical key; an item whose latest event
// carries a closed status drops out entirely.
func Pipeline(agentID string, events []model.Event) model.Pipeline {
	p := model.Pipeline{AgentID: agentID}

	todos := map[string]model.PipelineItem{}
	scheduled := map[string]model.PipelineItem{}
	issues := map[string]model.PipelineItem{}
	var todoOrder, scheduledOrder, issueOrder []string

	for _, e := range events {
		switch e.Kind() {
		case model.KindQueueSnapshot:
			// Whole-queue replacement; the latest snapshot wins.
			if items, ok := e.Payload["items"].([]any); ok {
				p.Queue = items
			}
		case model.KindTodo:
			todoOrder = upsertItem(todos, todoOrder, e)
		case model.KindScheduled:
			scheduledOrder = upsertItem(scheduled, scheduledOrder, e)
		case model.KindReportIssue:
			issueOrder = upsertItem(issues, issueOrder, e)
		}
	}

	p.Todos = collectOpen(todos, todoOrder)
	p.Scheduled = collectOpen(scheduled, scheduledOrder)
	p.Issues = collectOpen(issues, issueOrder)
	p.Plan = PlanProgress(events)
	return p
}

// upsertItem records the latest event per key and remembers first-seen order.
func upsertItem(items map[string]model.PipelineItem, order []string, e model.Event) []string {
	key := e.PayloadString("key")
	if key == "" {
		return order
	}
	if _, ok := items[key]; !ok {
		order = append(order, key)
	}
	items[key] = model.PipelineItem{
		Key:       key,
		EventID:   e.ID,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
	return order
}

func collectOpen(items map[string]model.PipelineItem, order []string) []model.PipelineItem {
	var out []model.PipelineItem
	for _, key := range order {
		item := items[key]
		if status, ok := item.Payload["status"].(string); ok && closedStates[status] {
			continue
		}
		out = append(out, item)
	}
	return out
}

// PlanProgress computes done/total step counts under the agent's most recent
// plan event. Steps belong to a plan by plan_id; the latest status per step
// wins. Returns nil when the agent has no plan event.
func PlanProgress(events []model.Event) *model.PlanProgress {
	var plan *model.Event
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind() == model.KindPlan {
			plan = &events[i]
			break
		}
	}
	if plan == nil {
		return nil
	}

	planID := plan.PayloadString("plan_id")
	total := 0
	if n, ok := plan.PayloadNumber("total_steps"); ok {
		total = int(n)
	}

	stepStatus := map[string]string{}
	for _, e := range events {
		if e.Kind() != model.KindPlanStep || e.PayloadString("plan_id") != planID {
			continue
		}
		step := e.PayloadString("step")
		if step == "" {
			continue
		}
		stepStatus[step] = e.PayloadString("status")
	}

	done := 0
	for _, status := range stepStatus {
		if status == "done" {
			done++
		}
	}

	progress := &model.PlanProgress{PlanID: planID, TotalSteps: total, DoneSteps: done}
	if total > 0 {
		progress.Ratio = float64(done) / float64(total)
	}
	return progress
}
