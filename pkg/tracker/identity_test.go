package tracker

import "testing"

func TestGenerateCompositeKey_Stable(t *testing.T) {
	a := GenerateCompositeKey("auth", "login_fail")
	b := GenerateCompositeKey("auth", "login_fail")
	if a != b {
		t.Errorf("expected composite key to be stable, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected a 64-character hex SHA-256 digest, got %d chars", len(a))
	}
}

func TestGenerateCompositeKey_DistinctInputs(t *testing.T) {
	a := GenerateCompositeKey("auth", "login_fail")
	b := GenerateCompositeKey("auth", "login_success")
	if a == b {
		t.Errorf("expected distinct ids to produce distinct keys")
	}
}

func TestGenerateDetailsHash_EmptyAndNil(t *testing.T) {
	if h := GenerateDetailsHash(nil); h != "" {
		t.Errorf("expected empty hash for nil details, got %q", h)
	}
	if h := GenerateDetailsHash(map[string]any{}); h != "" {
		t.Errorf("expected empty hash for empty details, got %q", h)
	}
}

func TestGenerateDetailsHash_KeyOrderIndependent(t *testing.T) {
	a := GenerateDetailsHash(map[string]any{"ip": "1.1.1.1", "ua": "curl"})
	b := GenerateDetailsHash(map[string]any{"ua": "curl", "ip": "1.1.1.1"})
	if a != b {
		t.Errorf("expected hash to be independent of map insertion order, got %q vs %q", a, b)
	}
}

func TestGenerateDetailsHash_ChangedPayloadChangesHash(t *testing.T) {
	a := GenerateDetailsHash(map[string]any{"ip": "1.1.1.1"})
	b := GenerateDetailsHash(map[string]any{"ip": "2.2.2.2"})
	if a == b {
		t.Errorf("expected different payloads to hash differently")
	}
}

func TestGenerateDetailsHash_CyclicMapYieldsEmptyStringNoPanic(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("cyclic details must not panic, got: %v", r)
		}
	}()

	if h := GenerateDetailsHash(m); h != "" {
		t.Errorf("expected empty hash for a cyclic payload, got %q", h)
	}
}
