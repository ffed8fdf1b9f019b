package durability

import (
	"testing"
	"time"

	"github.com/sharedcode/dtx"
)

func TestRules_FirstMatchWins(t *testing.T) {
	rs, err := NewRules([]dtx.DurabilityRule{
		{Expression: `key.startsWith("acct:")`, Level: dtx.DurabilityPersistToMajority},
		{Expression: `key.contains(":")`, Level: dtx.DurabilityMajority},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rs.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", rs.Len())
	}
	tests := []struct {
		key   string
		level dtx.DurabilityLevel
		ok    bool
	}{
		{"acct:1", dtx.DurabilityPersistToMajority, true},
		{"user:1", dtx.DurabilityMajority, true},
		{"plain", dtx.DurabilityNone, false},
	}
	for _, tt := range tests {
		lvl, ok, err := rs.Match(tt.key)
		if err != nil {
			t.Fatalf("Match(%q): %v", tt.key, err)
		}
		if ok != tt.ok || lvl != tt.level {
			t.Errorf("Match(%q) = %v,%v want %v,%v", tt.key, lvl, ok, tt.level, tt.ok)
		}
	}
}

func TestRules_RejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{"", "key +", `key + "x"`} {
		if _, err := NewRules([]dtx.DurabilityRule{{Expression: expr, Level: dtx.DurabilityMajority}}); err == nil {
			t.Errorf("expected error for %q", expr)
		}
	}
}

func TestResolver_Precedence(t *testing.T) {
	r, err := NewResolver(dtx.Configuration{
		KeyValueTimeout: 3 * time.Second,
		DurabilityRules: []dtx.DurabilityRule{{Expression: `key == "hot"`, Level: dtx.DurabilityMajority}},
	})
	if err != nil {
		t.Fatal(err)
	}

	req, _ := r.Resolve("cold", nil, dtx.DurabilityNone, 0)
	if req.Level != dtx.DurabilityNone || req.Timeout != 3*time.Second {
		t.Errorf("default: got %+v", req)
	}
	req, _ = r.Resolve("hot", nil, dtx.DurabilityNone, 0)
	if req.Level != dtx.DurabilityMajority {
		t.Errorf("rule: got %+v", req)
	}
	override := dtx.DurabilityPersistToMajority
	req, _ = r.Resolve("hot", &override, dtx.DurabilityNone, time.Second)
	if req.Level != dtx.DurabilityPersistToMajority || req.Timeout != time.Second {
		t.Errorf("override: got %+v", req)
	}
}
