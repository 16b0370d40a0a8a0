package tracker

import (
	"testing"
	"time"
)

// TestSlidingWindow_Drift encodes spec scenario 6: limit=10, windowSize=1000ms.
// Ten events at t=0 are all immediate; the eleventh (still t=0) defers.
// At t=1001 the estimated rate from the decaying previous window is just
// under the limit, so one more event is immediate before the next defers.
func TestSlidingWindow_Drift(t *testing.T) {
	strat := NewSlidingWindowStrategy()
	cfg := Config{Limit: 10, WindowSize: 1000 * time.Millisecond, DeferInterval: 500 * time.Millisecond}
	event := Event{Category: "api", ID: "burst"}
	key := GenerateCompositeKey(event.Category, event.ID)

	var rec *Record
	var outcome Outcome

	outcome, rec, _ = strat.Decide(nil, event, key, "", 0, cfg)
	assertOutcome(t, "event 1", outcome, OutcomeImmediate)

	for i := 2; i <= 10; i++ {
		outcome, rec, _ = strat.Decide(rec, event, key, "", 0, cfg)
		if outcome != OutcomeImmediate {
			t.Fatalf("event %d at t=0: expected immediate, got %s", i, outcome)
		}
	}

	outcome, rec, _ = strat.Decide(rec, event, key, "", 0, cfg)
	assertOutcome(t, "event 11 at t=0", outcome, OutcomeDeferred)

	outcome, rec, _ = strat.Decide(rec, event, key, "", 1001, cfg)
	assertOutcome(t, "event at t=1001", outcome, OutcomeImmediate)
	assertCount(t, "event at t=1001", rec, 10)

	outcome, _, _ = strat.Decide(rec, event, key, "", 1001, cfg)
	assertOutcome(t, "next event at t=1001", outcome, OutcomeDeferred)
}

func TestSlidingWindow_StaleWindowDropsPreviousCount(t *testing.T) {
	strat := NewSlidingWindowStrategy()
	cfg := Config{Limit: 5, WindowSize: 1000 * time.Millisecond, DeferInterval: 500 * time.Millisecond}
	event := Event{Category: "api", ID: "gap"}
	key := GenerateCompositeKey(event.Category, event.ID)

	_, rec, _ := strat.Decide(nil, event, key, "", 0, cfg)

	// More than two full windows have elapsed: the old window is stale and
	// PreviousCount must be dropped to zero rather than carried forward.
	outcome, rec, _ := strat.Decide(rec, event, key, "", 2500, cfg)
	if outcome != OutcomeImmediate {
		t.Fatalf("expected immediate after a stale gap, got %s", outcome)
	}
	if rec.StrategyData.PreviousCount != 0 {
		t.Errorf("expected PreviousCount to be dropped after a >=2*windowSize gap, got %d", rec.StrategyData.PreviousCount)
	}
}
