package clone

import (
	"testing"
	"time"
)

func TestValue_DeepCopiesMap(t *testing.T) {
	src := map[string]any{
		"ip":   "1.1.1.1",
		"tags": []any{"a", "b"},
	}

	out, ok := Value(src)
	if !ok {
		t.Fatalf("expected clone to succeed")
	}

	dst := out.(map[string]any)
	dst["ip"] = "mutated"
	dst["tags"].([]any)[0] = "mutated"

	if src["ip"] != "1.1.1.1" {
		t.Errorf("mutating clone leaked into source: %v", src["ip"])
	}
	if src["tags"].([]any)[0] != "a" {
		t.Errorf("mutating cloned slice leaked into source: %v", src["tags"])
	}
}

func TestValue_TimePassesThrough(t *testing.T) {
	now := time.Now()
	out, ok := Value(now)
	if !ok {
		t.Fatalf("expected clone to succeed")
	}
	if !out.(time.Time).Equal(now) {
		t.Errorf("time.Time value changed across clone")
	}
}

func TestValue_FuncFallsBack(t *testing.T) {
	src := map[string]any{"cb": func() {}}
	out, ok := Value(src)
	if ok {
		t.Errorf("expected ok=false for a non-cloneable func leaf")
	}
	if _, present := out.(map[string]any)["cb"]; !present {
		t.Errorf("expected fallback to retain the original leaf")
	}
}

func TestValue_Nil(t *testing.T) {
	out, ok := Value(nil)
	if !ok || out != nil {
		t.Errorf("expected Value(nil) to return (nil, true), got (%v, %v)", out, ok)
	}
}
