// Package derive computes live operational state from the append-only event
// log. Every function here is pure: the inputs are an event slice (ascending
// id order) plus the wall clock, so a recompute after a cache miss or a
// restart always yields the same answer. Nothing in this package touches
// storage or holds state.
package derive

import "time"

// Config carries the staleness thresholds for status derivation.
type Config struct {
	// OfflineWindow is how long after the last sign of life an agent is
	// considered offline. Offline overrides every other status.
	OfflineWindow time.Duration

	// StuckThreshold is how long a task or action may run without a terminal
	// event before the agent is considered stuck.
	StuckThreshold time.Duration
}

// Default thresholds, applied when a Config field is zero.
const (
	DefaultOfflineWindow  = 5 * time.Minute
	DefaultStuckThreshold = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.OfflineWindow <= 0 {
		c.OfflineWindow = DefaultOfflineWindow
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = DefaultStuckThreshold
	}
	return c
}
