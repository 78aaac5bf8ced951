package derive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/model"
)

var statusNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func evt(et model.EventType, age time.Duration, payload map[string]any) model.Event {
	return model.Event{
		AgentID:   "agent-1",
		EventType: et,
		Timestamp: statusNow.Add(-age),
		Payload:   payload,
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name     string
		events   []model.Event
		lastSeen time.Time
		want     model.AgentStatus
	}{
		{
			name:     "no events is idle",
			lastSeen: statusNow,
			want:     model.StatusIdle,
		},
		{
			name: "offline overrides everything",
			events: []model.Event{
				evt(model.EventError, 2*time.Minute, nil),
				evt(model.EventTaskStarted, time.Minute, map[string]any{"task_id": "t1"}),
			},
			lastSeen: statusNow.Add(-6 * time.Minute),
			want:     model.StatusOffline,
		},
		{
			name: "unresolved error",
			events: []model.Event{
				evt(model.EventTaskStarted, 3*time.Minute, map[string]any{"task_id": "t1"}),
				evt(model.EventError, 2*time.Minute, map[string]any{"message": "boom"}),
			},
			lastSeen: statusNow,
			want:     model.StatusError,
		},
		{
			name: "resolved error falls through to processing",
			events: []model.Event{
				evt(model.EventTaskStarted, 3*time.Minute, map[string]any{"task_id": "t1"}),
				evt(model.EventError, 2*time.Minute, nil),
				evt(model.EventErrorResolved, time.Minute, nil),
			},
			lastSeen: statusNow,
			want:     model.StatusProcessing,
		},
		{
			name: "waiting approval",
			events: []model.Event{
				evt(model.EventTaskStarted, 5*time.Minute, map[string]any{"task_id": "t1"}),
				evt(model.EventWaitingApproval, time.Minute, nil),
			},
			lastSeen: statusNow,
			want:     model.StatusWaitingApproval,
		},
		{
			name: "approval received clears the wait",
			events: []model.Event{
				evt(model.EventWaitingApproval, 2*time.Minute, nil),
				evt(model.EventApprovalReceived, time.Minute, nil),
			},
			lastSeen: statusNow,
			want:     model.StatusIdle,
		},
		{
			name: "open task beyond threshold is stuck",
			events: []model.Event{
				evt(model.EventTaskStarted, 11*time.Minute, map[string]any{"task_id": "t1"}),
				evt(model.EventHeartbeat, time.Minute, nil),
			},
			lastSeen: statusNow,
			want:     model.StatusStuck,
		},
		{
			name: "open action within threshold is processing",
			events: []model.Event{
				evt(model.EventActionStarted, 2*time.Minute, map[string]any{"action": "fetch"}),
			},
			lastSeen: statusNow,
			want:     model.StatusProcessing,
		},
		{
			name: "completed work is idle",
			events: []model.Event{
				evt(model.EventTaskStarted, 4*time.Minute, map[string]any{"task_id": "t1"}),
				evt(model.EventActionStarted, 3*time.Minute, map[string]any{"action": "fetch"}),
				evt(model.EventActionCompleted, 2*time.Minute, map[string]any{"action": "fetch"}),
				evt(model.EventTaskCompleted, time.Minute, map[string]any{"task_id": "t1"}),
			},
			lastSeen: statusNow,
			want:     model.StatusIdle,
		},
		{
			name: "error outranks stuck",
			events: []model.Event{
				evt(model.EventTaskStarted, 20*time.Minute, map[string]any{"task_id": "t1"}),
				evt(model.EventError, time.Minute, nil),
			},
			lastSeen: statusNow,
			want:     model.StatusError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Status(tt.events, tt.lastSeen, statusNow, Config{})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusIsPure(t *testing.T) {
	events := []model.Event{
		evt(model.EventTaskStarted, 3*time.Minute, map[string]any{"task_id": "t1"}),
		evt(model.EventError, time.Minute, nil),
	}
	first := Status(events, statusNow, statusNow, Config{})
	second := Status(events, statusNow, statusNow, Config{})
	assert.Equal(t, first, second)
	assert.Equal(t, model.StatusError, first)
}

func TestStatusCustomThresholds(t *testing.T) {
	events := []model.Event{
		evt(model.EventTaskStarted, 90*time.Second, map[string]any{"task_id": "t1"}),
	}
	cfg := Config{StuckThreshold: time.Minute}
	assert.Equal(t, model.StatusStuck, Status(events, statusNow, statusNow, cfg))

	cfg = Config{OfflineWindow: time.Minute}
	assert.Equal(t, model.StatusOffline, Status(events, statusNow.Add(-2*time.Minute), statusNow, cfg))
}

func TestLatestHeartbeat(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		_, ok := LatestHeartbeat([]model.Event{evt(model.EventError, time.Minute, nil)})
		assert.False(t, ok)
	})

	t.Run("latest wins", func(t *testing.T) {
		hb, ok := LatestHeartbeat([]model.Event{
			evt(model.EventHeartbeat, 3*time.Minute, nil),
			evt(model.EventHeartbeat, time.Minute, map[string]any{"cpu": 0.5}),
			evt(model.EventHeartbeat, 2*time.Minute, nil),
		})
		require.True(t, ok)
		assert.Equal(t, 0.5, hb.Payload["cpu"])
	})

	t.Run("payloaded wins the tie", func(t *testing.T) {
		bare := evt(model.EventHeartbeat, time.Minute, nil)
		full := evt(model.EventHeartbeat, time.Minute, map[string]any{"cpu": 0.9})
		hb, ok := LatestHeartbeat([]model.Event{bare, full})
		require.True(t, ok)
		assert.Equal(t, 0.9, hb.Payload["cpu"])

		hb, ok = LatestHeartbeat([]model.Event{full, bare})
		require.True(t, ok)
		assert.Equal(t, 0.9, hb.Payload["cpu"])
	})
}
