package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcolano/hiveboard/internal/model"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		input     model.EventInput
		wantField string
	}{
		{
			name:  "bare heartbeat",
			input: model.EventInput{EventType: model.EventHeartbeat},
		},
		{
			name: "task event with task_id",
			input: model.EventInput{
				EventType: model.EventTaskStarted,
				Payload:   map[string]any{"task_id": "t1"},
			},
		},
		{
			name:      "missing event type",
			input:     model.EventInput{},
			wantField: "event_type",
		},
		{
			name:      "unrecognized event type",
			input:     model.EventInput{EventType: "task_paused"},
			wantField: "event_type",
		},
		{
			name:      "task event without task_id",
			input:     model.EventInput{EventType: model.EventTaskCompleted},
			wantField: "task_id",
		},
		{
			name: "task_id wrong type",
			input: model.EventInput{
				EventType: model.EventTaskStarted,
				Payload:   map[string]any{"task_id": float64(7)},
			},
			wantField: "task_id",
		},
		{
			name:      "action event without action",
			input:     model.EventInput{EventType: model.EventActionStarted},
			wantField: "action",
		},
		{
			name: "generic event without kind",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"msg": "hello"},
			},
			wantField: "kind",
		},
		{
			name: "unrecognized kind",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"kind": "telemetry_dump"},
			},
			wantField: "kind",
		},
		{
			name: "custom kind always allowed",
			input: model.EventInput{
				EventType: model.EventCustom,
				Payload:   map[string]any{"kind": "custom", "anything": "goes"},
			},
		},
		{
			name: "llm_call requires model",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"kind": "llm_call", "cost_usd": 0.1},
			},
			wantField: "model",
		},
		{
			name: "llm_call cost must be numeric",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"kind": "llm_call", "model": "gpt-x", "cost_usd": "0.1"},
			},
			wantField: "cost_usd",
		},
		{
			name: "valid llm_call",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload: map[string]any{
					"kind": "llm_call", "model": "gpt-x",
					"cost_usd": 0.1, "input_tokens": float64(100), "output_tokens": float64(20),
				},
			},
		},
		{
			name: "plan requires total_steps",
			input: model.EventInput{
				EventType: model.EventMilestone,
				Payload:   map[string]any{"kind": "plan", "plan_id": "p1"},
			},
			wantField: "total_steps",
		},
		{
			name: "plan_step status constrained",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"kind": "plan_step", "plan_id": "p1", "step": "s1", "status": "skipped"},
			},
			wantField: "status",
		},
		{
			name: "valid plan_step",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"kind": "plan_step", "plan_id": "p1", "step": "s1", "status": "done"},
			},
		},
		{
			name: "todo requires key",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"kind": "todo", "title": "x"},
			},
			wantField: "key",
		},
		{
			name: "queue_snapshot requires items array",
			input: model.EventInput{
				EventType: model.EventLog,
				Payload:   map[string]any{"kind": "queue_snapshot", "items": "a,b"},
			},
			wantField: "items",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.input)
			if tt.wantField == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantField, err.Field)
			assert.NotEmpty(t, err.Msg)
		})
	}
}

func TestValidateOversizedPayload(t *testing.T) {
	err := Validate(model.EventInput{
		EventType: model.EventLog,
		Payload: map[string]any{
			"kind": "custom",
			"blob": strings.Repeat("x", model.MaxEventPayloadBytes),
		},
	})
	require.NotNil(t, err)
	assert.Equal(t, "payload", err.Field)
	assert.Contains(t, err.Msg, "exceeds")
}

func TestValidationErrorString(t *testing.T) {
	assert.Equal(t, "task_id: missing", (&ValidationError{Field: "task_id", Msg: "missing"}).Error())
	assert.Equal(t, "bad envelope", (&ValidationError{Msg: "bad envelope"}).Error())
}
