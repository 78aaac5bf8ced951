package derive

import (
	"sort"
	"time"

	"github.com/jcolano/hiveboard/internal/model"
)

// Tasks pairs task lifecycle events by task_id. events must be in ascending
// id order and contain only task_started/task_completed/task_failed (the
// TaskEvents read path); stray task ids with a terminal but no start are
// skipped.
//
// lastSeen maps agent id to the agent's stored liveness timestamp. A task
// without a terminal event is running, unless its agent has been silent for
// the offline window, in which case it is abandoned. Agents absent from
// lastSeen fall back to their latest lifecycle event.
func Tasks(events []model.Event, lastSeen map[string]time.Time, now time.Time, cfg Config) []model.Task {
	cfg = cfg.withDefaults()

	liveness := map[string]time.Time{}
	for _, e := range events {
		if e.Timestamp.After(liveness[e.AgentID]) {
			liveness[e.AgentID] = e.Timestamp
		}
	}
	for agentID, seen := range lastSeen {
		if seen.After(liveness[agentID]) {
			liveness[agentID] = seen
		}
	}

	tasks := map[string]*model.Task{}
	var order []string
	for _, e := range events {
		taskID := e.TaskID()
		if taskID == "" {
			continue
		}
		switch e.EventType {
		case model.EventTaskStarted:
			if _, ok := tasks[taskID]; ok {
				continue // Duplicate start; first one wins.
			}
			tasks[taskID] = &model.Task{
				TaskID:    taskID,
				TenantID:  e.TenantID,
				AgentID:   e.AgentID,
				ProjectID: e.ProjectID,
				Status:    model.TaskRunning,
				StartedAt: e.Timestamp,
				Name:      e.PayloadString("name"),
			}
			order = append(order, taskID)
		case model.EventTaskCompleted, model.EventTaskFailed:
			task, ok := tasks[taskID]
			if !ok {
				continue
			}
			// Latest terminal wins when a task terminates more than once.
			completedAt := e.Timestamp
			task.CompletedAt = &completedAt
			task.Duration = completedAt.Sub(task.StartedAt)
			if e.EventType == model.EventTaskFailed {
				task.Status = model.TaskFailed
			} else {
				task.Status = model.TaskCompleted
			}
		}
	}

	out := make([]model.Task, 0, len(order))
	for _, taskID := range order {
		task := tasks[taskID]
		if task.Status == model.TaskRunning {
			if seen, ok := liveness[task.AgentID]; ok && now.Sub(seen) > cfg.OfflineWindow {
				task.Status = model.TaskAbandoned
			}
		}
		out = append(out, *task)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
