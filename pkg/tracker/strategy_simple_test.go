package tracker

import (
	"testing"
	"time"
)

func simpleTestConfig(limit int64, deferInterval, expireTime time.Duration) Config {
	return Config{Limit: limit, DeferInterval: deferInterval, ExpireTime: expireTime}
}

// TestSimpleCounter_DefersAfterLimit encodes spec scenario 1: limit=2,
// four events on one identity land immediate, immediate, deferred,
// ignored(already_deferred), with counts 1, 2, 3, 3.
func TestSimpleCounter_DefersAfterLimit(t *testing.T) {
	strat := NewSimpleCounterStrategy()
	cfg := simpleTestConfig(2, 100*time.Millisecond, 200*time.Millisecond)
	event := Event{Category: "auth", ID: "login_fail"}
	key := GenerateCompositeKey(event.Category, event.ID)
	hash := GenerateDetailsHash(event.Details)

	now := int64(1_000_000)

	outcome, rec, _ := strat.Decide(nil, event, key, hash, now, cfg)
	assertOutcome(t, "event 1", outcome, OutcomeImmediate)
	assertCount(t, "event 1", rec, 1)

	outcome, rec, _ = strat.Decide(rec, event, key, hash, now+1, cfg)
	assertOutcome(t, "event 2", outcome, OutcomeImmediate)
	assertCount(t, "event 2", rec, 2)

	outcome, rec, _ = strat.Decide(rec, event, key, hash, now+2, cfg)
	assertOutcome(t, "event 3", outcome, OutcomeDeferred)
	assertCount(t, "event 3", rec, 3)
	if !rec.Deferred {
		t.Fatalf("expected record to be deferred after exceeding limit")
	}

	outcome, rec, reason := strat.Decide(rec, event, key, hash, now+3, cfg)
	assertOutcome(t, "event 4", outcome, OutcomeIgnored)
	if reason != ReasonAlreadyDeferred {
		t.Errorf("expected reason %q, got %q", ReasonAlreadyDeferred, reason)
	}
	assertCount(t, "event 4", rec, 3)
}

// TestSimpleCounter_DetailsChangeResets encodes spec scenario 2.
func TestSimpleCounter_DetailsChangeResets(t *testing.T) {
	strat := NewSimpleCounterStrategy()
	cfg := simpleTestConfig(2, 100*time.Millisecond, 200*time.Millisecond)
	key := GenerateCompositeKey("auth", "login_fail")
	now := int64(1_000_000)

	ev1 := Event{Category: "auth", ID: "login_fail", Details: map[string]any{"ip": "1.1.1.1"}}
	hash1 := GenerateDetailsHash(ev1.Details)

	_, rec, _ := strat.Decide(nil, ev1, key, hash1, now, cfg)
	assertCount(t, "event 1", rec, 1)

	_, rec, _ = strat.Decide(rec, ev1, key, hash1, now+1, cfg)
	assertCount(t, "event 2", rec, 2)

	ev2 := Event{Category: "auth", ID: "login_fail", Details: map[string]any{"ip": "2.2.2.2"}}
	hash2 := GenerateDetailsHash(ev2.Details)

	// A changed details fingerprint means the caller passes prior=nil (the
	// freshness rule lives in the storage adapter's Track).
	outcome, rec, _ := strat.Decide(nil, ev2, key, hash2, now+2, cfg)
	assertOutcome(t, "event 3", outcome, OutcomeImmediate)
	assertCount(t, "event 3", rec, 1)
}

// TestSimpleCounter_LimitZeroDefersFirstEvent encodes the limit=0 boundary
// case: the very first event is deferred with count=1.
func TestSimpleCounter_LimitZeroDefersFirstEvent(t *testing.T) {
	strat := NewSimpleCounterStrategy()
	cfg := simpleTestConfig(0, time.Second, time.Minute)
	event := Event{Category: "c", ID: "1"}
	key := GenerateCompositeKey(event.Category, event.ID)

	outcome, rec, _ := strat.Decide(nil, event, key, "", 1000, cfg)
	if outcome != OutcomeDeferred {
		t.Fatalf("expected first event to defer at limit=0, got %s", outcome)
	}
	if rec.Count != 1 || !rec.Deferred {
		t.Errorf("expected count=1 deferred=true, got count=%d deferred=%v", rec.Count, rec.Deferred)
	}
}

func TestSimpleCounter_ExpiresAtAlwaysAfterLastEventTime(t *testing.T) {
	strat := NewSimpleCounterStrategy()
	cfg := simpleTestConfig(5, time.Second, time.Minute)
	event := Event{Category: "c", ID: "1"}
	key := GenerateCompositeKey(event.Category, event.ID)

	_, rec, _ := strat.Decide(nil, event, key, "", 1000, cfg)
	if rec.ExpiresAt <= rec.LastEventTime {
		t.Errorf("expected ExpiresAt > LastEventTime, got %d <= %d", rec.ExpiresAt, rec.LastEventTime)
	}
}

func assertOutcome(t *testing.T, label string, got, want Outcome) {
	t.Helper()
	if got != want {
		t.Errorf("%s: expected outcome %s, got %s", label, want, got)
	}
}

func assertCount(t *testing.T, label string, rec *Record, want int64) {
	t.Helper()
	if rec.Count != want {
		t.Errorf("%s: expected count %d, got %d", label, want, rec.Count)
	}
}
