// Package ingest validates batch envelopes and runs them through the
// ingestion pipeline: permission check, metadata expansion, per-event
// validation with partial-success accounting, atomic persistence, agent
// upsert, then the asynchronous alert and broadcast triggers.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/jcolano/hiveboard/internal/model"
)

// ValidationError reports why one event failed validation. Field is the
// payload field path of the violated constraint, empty for event-level
// violations.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Validate checks one event against its type's schema. Pure: no I/O, no
// shared state. A nil return means the event is acceptable.
func Validate(in model.EventInput) *ValidationError {
	if in.EventType == "" {
		return invalid("event_type", "missing")
	}
	if !in.EventType.Valid() {
		return invalid("event_type", "unrecognized event type %q", in.EventType)
	}

	if in.Payload != nil {
		raw, err := json.Marshal(in.Payload)
		if err != nil {
			return invalid("payload", "not serializable: %v", err)
		}
		if len(raw) > model.MaxEventPayloadBytes {
			return invalid("payload", "encoded size %d exceeds %d bytes", len(raw), model.MaxEventPayloadBytes)
		}
	}

	switch in.EventType {
	case model.EventTaskStarted, model.EventTaskCompleted, model.EventTaskFailed:
		if err := requireString(in.Payload, "task_id"); err != nil {
			return err
		}
	case model.EventActionStarted, model.EventActionCompleted:
		if err := requireString(in.Payload, "action"); err != nil {
			return err
		}
	}

	if in.EventType.Generic() {
		return validateKind(in.Payload)
	}
	return nil
}

// validateKind checks the payload kind discriminator of a generic event and
// the fields its well-known shape requires.
func validateKind(payload map[string]any) *ValidationError {
	kindStr, ok := payload["kind"].(string)
	if !ok || kindStr == "" {
		return invalid("kind", "missing payload kind")
	}
	kind := model.PayloadKind(kindStr)
	if !model.WellKnownKinds[kind] {
		return invalid("kind", "unrecognized payload kind %q", kindStr)
	}

	switch kind {
	case model.KindLLMCall:
		if err := requireString(payload, "model"); err != nil {
			return err
		}
		for _, field := range []string{"cost_usd", "input_tokens", "output_tokens"} {
			if v, present := payload[field]; present {
				if _, isNum := v.(float64); !isNum {
					return invalid(field, "must be a number")
				}
			}
		}
	case model.KindPlan:
		if err := requireString(payload, "plan_id"); err != nil {
			return err
		}
		if err := requireNumber(payload, "total_steps"); err != nil {
			return err
		}
	case model.KindPlanStep:
		if err := requireString(payload, "plan_id"); err != nil {
			return err
		}
		if err := requireString(payload, "step"); err != nil {
			return err
		}
		status, _ := payload["status"].(string)
		if status != "pending" && status != "done" {
			return invalid("status", "must be pending or done")
		}
	case model.KindTodo, model.KindScheduled, model.KindReportIssue:
		if err := requireString(payload, "key"); err != nil {
			return err
		}
	case model.KindQueueSnapshot:
		if _, ok := payload["items"].([]any); !ok {
			return invalid("items", "must be an array")
		}
	}
	return nil
}

func requireString(payload map[string]any, field string) *ValidationError {
	v, present := payload[field]
	if !present {
		return invalid(field, "missing")
	}
	s, ok := v.(string)
	if !ok {
		return invalid(field, "must be a string")
	}
	if s == "" {
		return invalid(field, "must not be empty")
	}
	return nil
}

func requireNumber(payload map[string]any, field string) *ValidationError {
	v, present := payload[field]
	if !present {
		return invalid(field, "missing")
	}
	if _, ok := v.(float64); !ok {
		return invalid(field, "must be a number")
	}
	return nil
}
