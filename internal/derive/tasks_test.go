package derive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/model"
)

func taskEvt(agentID string, et model.EventType, taskID string, at time.Time) model.Event {
	return model.Event{
		AgentID:   agentID,
		EventType: et,
		Timestamp: at,
		Payload:   map[string]any{"task_id": taskID},
	}
}

func TestTasksPairing(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	start := now.Add(-5 * time.Minute)
	alive := map[string]time.Time{"agent-1": now}

	tasks := Tasks([]model.Event{
		taskEvt("agent-1", model.EventTaskStarted, "t1", start),
		taskEvt("agent-1", model.EventTaskCompleted, "t1", start.Add(42*time.Second)),
		taskEvt("agent-1", model.EventTaskStarted, "t2", start.Add(time.Minute)),
		taskEvt("agent-1", model.EventTaskFailed, "t2", start.Add(2*time.Minute)),
		taskEvt("agent-1", model.EventTaskStarted, "t3", now.Add(-time.Minute)),
	}, alive, now, Config{})

	require.Len(t, tasks, 3)

	assert.Equal(t, "t1", tasks[0].TaskID)
	assert.Equal(t, model.TaskCompleted, tasks[0].Status)
	assert.Equal(t, 42*time.Second, tasks[0].Duration)
	require.NotNil(t, tasks[0].CompletedAt)

	assert.Equal(t, "t2", tasks[1].TaskID)
	assert.Equal(t, model.TaskFailed, tasks[1].Status)
	assert.Equal(t, time.Minute, tasks[1].Duration)

	assert.Equal(t, "t3", tasks[2].TaskID)
	assert.Equal(t, model.TaskRunning, tasks[2].Status)
	assert.Nil(t, tasks[2].CompletedAt)
}

func TestTasksAbandoned(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := []model.Event{
		taskEvt("agent-1", model.EventTaskStarted, "t1", now.Add(-20*time.Minute)),
	}

	// The agent started a task and then went silent past the offline window.
	tasks := Tasks(started, nil, now, Config{})
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskAbandoned, tasks[0].Status)

	// Recent liveness keeps the task running even if it is old.
	tasks = Tasks(started, map[string]time.Time{"agent-1": now.Add(-time.Minute)}, now, Config{})
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskRunning, tasks[0].Status)
}

func TestTasksEdgeCases(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	start := now.Add(-10 * time.Minute)
	alive := map[string]time.Time{"agent-1": now}

	t.Run("terminal without start is skipped", func(t *testing.T) {
		tasks := Tasks([]model.Event{
			taskEvt("agent-1", model.EventTaskCompleted, "orphan", now),
		}, alive, now, Config{})
		assert.Empty(t, tasks)
	})

	t.Run("duplicate start keeps the first", func(t *testing.T) {
		tasks := Tasks([]model.Event{
			taskEvt("agent-1", model.EventTaskStarted, "t1", start),
			taskEvt("agent-1", model.EventTaskStarted, "t1", start.Add(time.Minute)),
			taskEvt("agent-1", model.EventTaskCompleted, "t1", start.Add(2*time.Minute)),
		}, alive, now, Config{})
		require.Len(t, tasks, 1)
		assert.Equal(t, start, tasks[0].StartedAt)
		assert.Equal(t, 2*time.Minute, tasks[0].Duration)
	})

	t.Run("latest terminal wins", func(t *testing.T) {
		tasks := Tasks([]model.Event{
			taskEvt("agent-1", model.EventTaskStarted, "t1", start),
			taskEvt("agent-1", model.EventTaskCompleted, "t1", start.Add(time.Minute)),
			taskEvt("agent-1", model.EventTaskFailed, "t1", start.Add(2*time.Minute)),
		}, alive, now, Config{})
		require.Len(t, tasks, 1)
		assert.Equal(t, model.TaskFailed, tasks[0].Status)
		assert.Equal(t, 2*time.Minute, tasks[0].Duration)
	})

	t.Run("task name from payload", func(t *testing.T) {
		e := taskEvt("agent-1", model.EventTaskStarted, "t1", start)
		e.Payload["name"] = "nightly sync"
		tasks := Tasks([]model.Event{e}, alive, now, Config{})
		require.Len(t, tasks, 1)
		assert.Equal(t, "nightly sync", tasks[0].Name)
	})
}
