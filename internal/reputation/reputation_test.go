package reputation

import (
	"testing"
)

func TestEventsForTransition_Completed(t *testing.T) {
	events := EventsForTransition("ord_1", "completed", "released",
		Party{EntityID: "usr_1", EntityType: "user"},
		Party{EntityID: "mch_1", EntityType: "merchant"},
	)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.ScoreChange != ScoreCompleted {
			t.Errorf("expected +%d, got %d", ScoreCompleted, e.ScoreChange)
		}
		if e.EventType != "order_completed" {
			t.Errorf("unexpected event type %s", e.EventType)
		}
		if e.OrderID != "ord_1" {
			t.Errorf("unexpected order id %s", e.OrderID)
		}
	}
}

func TestEventsForTransition_NegativeDeltas(t *testing.T) {
	cases := []struct {
		status string
		want   int
	}{
		{"cancelled", ScoreCancelled},
		{"disputed", ScoreDisputed},
		{"expired", ScoreExpired},
	}
	for _, tc := range cases {
		events := EventsForTransition("ord_1", tc.status, "", Party{EntityID: "mch_1", EntityType: "merchant"})
		if len(events) != 1 {
			t.Fatalf("%s: expected 1 event, got %d", tc.status, len(events))
		}
		if events[0].ScoreChange != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.status, tc.want, events[0].ScoreChange)
		}
	}
}

func TestEventsForTransition_NonTerminal(t *testing.T) {
	if events := EventsForTransition("ord_1", "accepted", "", Party{EntityID: "usr_1", EntityType: "user"}); events != nil {
		t.Errorf("expected no events for non-terminal status, got %d", len(events))
	}
}

func TestEventsForTransition_SkipsEmptyParties(t *testing.T) {
	events := EventsForTransition("ord_1", "completed", "",
		Party{EntityID: "usr_1", EntityType: "user"},
		Party{}, // no buyer merchant on this order
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}
