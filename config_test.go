package dtx

import (
	"testing"
	"time"
)

func TestConfiguration_WithDefaults(t *testing.T) {
	c := Configuration{}.WithDefaults()
	if c.KeyValueTimeout != DefaultKeyValueTimeout {
		t.Errorf("kv timeout: got %v", c.KeyValueTimeout)
	}
	if c.TransactionTimeout != DefaultTransactionTimeout {
		t.Errorf("txn timeout: got %v", c.TransactionTimeout)
	}
	if c.DurabilityLevel != DurabilityNone {
		t.Errorf("durability: got %v", c.DurabilityLevel)
	}
	if c.Cleanup == nil || c.Cleanup.Window != DefaultCleanupWindow {
		t.Fatalf("cleanup window not defaulted: %+v", c.Cleanup)
	}
	if !c.Cleanup.LostAttemptsEnabled() || !c.Cleanup.ClientAttemptsEnabled() {
		t.Errorf("cleanup switches should default to enabled")
	}
	if c.Cleanup.BatchSize != DefaultCleanupBatchSize || c.Cleanup.Concurrency != DefaultCleanupConcurrency {
		t.Errorf("cleanup sizing not defaulted: %+v", c.Cleanup)
	}
}

func TestConfiguration_WithDefaultsIsACopy(t *testing.T) {
	orig := Configuration{
		Cleanup:         &CleanupConfig{Window: time.Second, LostAttempts: Bool(false)},
		Query:           &QueryConfig{ScanConsistency: RequestPlus},
		DurabilityRules: []DurabilityRule{{Expression: "true", Level: DurabilityMajority}},
	}
	c := orig.WithDefaults()

	orig.Cleanup.Window = time.Hour
	*orig.Cleanup.LostAttempts = true
	orig.Query.ScanConsistency = NotBounded
	orig.DurabilityRules[0].Level = DurabilityNone

	if c.Cleanup.Window != time.Second {
		t.Errorf("cleanup window leaked: %v", c.Cleanup.Window)
	}
	if c.Cleanup.LostAttemptsEnabled() {
		t.Errorf("lost attempts switch leaked")
	}
	if c.Query.ScanConsistency != RequestPlus {
		t.Errorf("scan consistency leaked: %v", c.Query.ScanConsistency)
	}
	if c.DurabilityRules[0].Level != DurabilityMajority {
		t.Errorf("rules leaked")
	}
}

func TestConfiguration_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       Configuration
		wantErr bool
	}{
		{"zero", Configuration{}, false},
		{"negative kv", Configuration{KeyValueTimeout: -1}, true},
		{"negative txn", Configuration{TransactionTimeout: -time.Second}, true},
		{"bad level", Configuration{DurabilityLevel: 9}, true},
		{"bad scan", Configuration{Query: &QueryConfig{ScanConsistency: "eventually"}}, true},
		{"negative window", Configuration{Cleanup: &CleanupConfig{Window: -time.Second}}, true},
		{"empty rule", Configuration{DurabilityRules: []DurabilityRule{{}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfiguration_Export(t *testing.T) {
	m := Configuration{}.Export()
	for _, k := range []string{"keyValueTimeoutMilliseconds", "timeoutMilliseconds", "queryOptions", "cleanupOptions"} {
		v, ok := m[k]
		if !ok {
			t.Fatalf("missing key %q", k)
		}
		if v != nil {
			t.Errorf("unset %q should export nil, got %v", k, v)
		}
	}
	if m["durabilityLevel"] != "none" {
		t.Errorf("durabilityLevel: got %v", m["durabilityLevel"])
	}

	m = Configuration{
		DurabilityLevel:    DurabilityPersistToMajority,
		KeyValueTimeout:    2500 * time.Millisecond,
		TransactionTimeout: 15 * time.Second,
		Query:              &QueryConfig{ScanConsistency: RequestPlus},
		Cleanup:            &CleanupConfig{Window: time.Minute, ClientAttempts: Bool(false)},
	}.Export()
	if m["durabilityLevel"] != "persistToMajority" {
		t.Errorf("durabilityLevel: got %v", m["durabilityLevel"])
	}
	if m["keyValueTimeoutMilliseconds"] != int64(2500) {
		t.Errorf("kv: got %v", m["keyValueTimeoutMilliseconds"])
	}
	if m["timeoutMilliseconds"] != int64(15000) {
		t.Errorf("txn: got %v", m["timeoutMilliseconds"])
	}
	q := m["queryOptions"].(map[string]any)
	if q["scanConsistency"] != "requestPlus" {
		t.Errorf("scan consistency: got %v", q["scanConsistency"])
	}
	cl := m["cleanupOptions"].(map[string]any)
	if cl["cleanupWindowMilliseconds"] != int64(60000) {
		t.Errorf("window: got %v", cl["cleanupWindowMilliseconds"])
	}
	if cl["cleanupLostAttempts"] != nil {
		t.Errorf("unset lost attempts should be nil, got %v", cl["cleanupLostAttempts"])
	}
	if cl["cleanupClientAttempts"] != false {
		t.Errorf("client attempts: got %v", cl["cleanupClientAttempts"])
	}
}

func TestParseDurabilityLevel(t *testing.T) {
	tests := map[string]DurabilityLevel{
		"":                              DurabilityNone,
		"none":                          DurabilityNone,
		"MAJORITY":                      DurabilityMajority,
		"majority_and_persist_to_active": DurabilityMajorityAndPersistToActive,
		"majorityAndPersistToActive":    DurabilityMajorityAndPersistToActive,
		"persist-to-majority":           DurabilityPersistToMajority,
		"0":                             DurabilityNone,
		"1":                             DurabilityMajority,
		"2":                             DurabilityMajorityAndPersistToActive,
		"3":                             DurabilityPersistToMajority,
	}
	for in, want := range tests {
		got, err := ParseDurabilityLevel(in)
		if err != nil {
			t.Errorf("ParseDurabilityLevel(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDurabilityLevel(%q) = %v, want %v", in, got, want)
		}
	}
	for _, bad := range []string{"4", "-1", "quorum"} {
		if _, err := ParseDurabilityLevel(bad); err == nil {
			t.Errorf("ParseDurabilityLevel(%q) expected error", bad)
		}
	}
}
