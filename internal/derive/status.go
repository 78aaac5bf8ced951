package derive

import (
	"time"

	"github.com/jcolano/hiveboard/internal/model"
)

// Status derives an agent's operational status from its recent events.
// events must be in ascending id order (the RecentAgentEvents read path).
// lastSeen is the agent's stored liveness timestamp; offline supersedes
// everything derived from the log.
//
// Priority below offline: unresolved error, then an open approval wait, then
// stuck (open task/action older than the threshold), then processing, then
// idle.
func Status(events []model.Event, lastSeen, now time.Time, cfg Config) model.AgentStatus {
	cfg = cfg.withDefaults()

	if now.Sub(lastSeen) > cfg.OfflineWindow {
		return model.StatusOffline
	}

	var (
		errorOpen    bool
		approvalOpen bool
		openTasks    = map[string]time.Time{}
		openActions  = map[string]time.Time{}
	)
	for _, e := range events {
		switch e.EventType {
		case model.EventError:
			errorOpen = true
		case model.EventErrorResolved:
			errorOpen = false
		case model.EventWaitingApproval:
			approvalOpen = true
		case model.EventApprovalReceived:
			approvalOpen = false
		case model.EventTaskStarted:
			openTasks[e.TaskID()] = e.Timestamp
		case model.EventTaskCompleted, model.EventTaskFailed:
			delete(openTasks, e.TaskID())
		case model.EventActionStarted:
			openActions[e.PayloadString("action")] = e.Timestamp
		case model.EventActionCompleted:
			delete(openActions, e.PayloadString("action"))
		}
	}

	if errorOpen {
		return model.StatusError
	}
	if approvalOpen {
		return model.StatusWaitingApproval
	}
	if len(openTasks) == 0 && len(openActions) == 0 {
		return model.StatusIdle
	}
	for _, started := range openTasks {
		if now.Sub(started) > cfg.StuckThreshold {
			return model.StatusStuck
		}
	}
	for _, started := range openActions {
		if now.Sub(started) > cfg.StuckThreshold {
			return model.StatusStuck
		}
	}
	return model.StatusProcessing
}

// LatestHeartbeat returns the agent's most recent heartbeat event. When two
// heartbeats carry the same client timestamp, the one with a payload wins
// (bare keepalives carry less information than payloaded ones).
func LatestHeartbeat(events []model.Event) (model.Event, bool) {
	var best model.Event
	var found bool
	for _, e := range events {
		if e.EventType != model.EventHeartbeat {
			continue
		}
		switch {
		case !found:
			best, found = e, true
		case e.Timestamp.After(best.Timestamp):
			best = e
		case e.Timestamp.Equal(best.Timestamp) && len(e.Payload) > 0 && len(best.Payload) == 0:
			best = e
		}
	}
	return best, found
}
