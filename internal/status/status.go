// Package status derives the liveness of a pin from how recently its subject reported.
package status

import (
	"time"

	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/types"
)

// Classifier maps last-seen recency to an online state
type Classifier struct {
	Threshold       time.Duration
	StaleMultiplier float64
}

// NewClassifier creates a classifier from the tracking configuration
func NewClassifier(cfg config.Tracking) Classifier {
	return Classifier{Threshold: cfg.OnlineThreshold, StaleMultiplier: cfg.StaleMultiplier}
}

// Classify returns ONLINE while age <= threshold, STALE up to StaleMultiplier*threshold and OFFLINE beyond it.
// A zero lastSeen means no sample was ever received.
func (c Classifier) Classify(lastSeen, now time.Time) types.OnlineState {
	if lastSeen.IsZero() {
		return types.StateOffline
	}

	multiplier := c.StaleMultiplier
	if multiplier < 1 {
		multiplier = config.DefaultStaleMultiplier
	}

	// clock skew can put a sample slightly in the future
	age := now.Sub(lastSeen)
	if age < 0 {
		age = 0
	}

	switch {
	case age <= c.Threshold:
		return types.StateOnline
	case float64(age) <= multiplier*float64(c.Threshold):
		return types.StateStale
	default:
		return types.StateOffline
	}
}

// Classify uses the default stale multiplier
func Classify(lastSeen, now time.Time, threshold time.Duration) types.OnlineState {
	return Classifier{Threshold: threshold, StaleMultiplier: config.DefaultStaleMultiplier}.Classify(lastSeen, now)
}

// Rank orders states from most to least alive
func Rank(s types.OnlineState) int {
	switch s {
	case types.StateOnline:
		return 0
	case types.StateStale:
		return 1
	default:
		return 2
	}
}
