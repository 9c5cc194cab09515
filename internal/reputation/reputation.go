// Package reputation derives score adjustments from terminal order
// transitions. Rows flow through the batch writer; uniqueness per
// (entity, order, event) is enforced at insert time, so replays of the
// same transition never double-count.
package reputation

import (
	"github.com/peermint/settlement/internal/batch"
)

// Score deltas per terminal status.
const (
	ScoreCompleted = 5
	ScoreCancelled = -2
	ScoreDisputed  = -5
	ScoreExpired   = -5
)

// Party identifies one side of an order for scoring purposes.
type Party struct {
	EntityID   string
	EntityType string // "user" | "merchant"
}

// scoreFor returns the delta and event type for a terminal status, or
// ok=false when the status carries no reputation effect.
func scoreFor(status string) (delta int, eventType string, ok bool) {
	switch status {
	case "completed":
		return ScoreCompleted, "order_completed", true
	case "cancelled":
		return ScoreCancelled, "order_cancelled", true
	case "disputed":
		return ScoreDisputed, "order_disputed", true
	case "expired":
		return ScoreExpired, "order_expired", true
	default:
		return 0, "", false
	}
}

// EventsForTransition builds one reputation row per party for a terminal
// transition. Non-terminal statuses and empty parties yield nothing.
func EventsForTransition(orderID, toStatus, reason string, parties ...Party) []batch.ReputationEvent {
	delta, eventType, ok := scoreFor(toStatus)
	if !ok {
		return nil
	}

	var events []batch.ReputationEvent
	for _, p := range parties {
		if p.EntityID == "" {
			continue
		}
		events = append(events, batch.ReputationEvent{
			EntityID:    p.EntityID,
			EntityType:  p.EntityType,
			OrderID:     orderID,
			EventType:   eventType,
			ScoreChange: delta,
			Reason:      reason,
		})
	}
	return events
}
