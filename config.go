package dtx

import (
	"errors"
	"fmt"
	"time"
)

const (
	DefaultKeyValueTimeout    = 2500 * time.Millisecond
	DefaultTransactionTimeout = 15 * time.Second
	DefaultCleanupWindow      = 60 * time.Second
	DefaultCleanupBatchSize   = 100
	DefaultCleanupConcurrency = 4
)

// ScanConsistency of queries issued inside a transaction.
type ScanConsistency string

const (
	NotBounded  ScanConsistency = "notBounded"
	RequestPlus ScanConsistency = "requestPlus"
)

// QueryConfig holds the query options of transactions.
type QueryConfig struct {
	// ScanConsistency defaults to the server's behavior when empty.
	ScanConsistency ScanConsistency `json:"scan_consistency,omitempty"`
}

// CleanupConfig holds the options of the cleanup sweeper.
type CleanupConfig struct {
	// Window is how old a cleanup record must be before the sweeper looks at it.
	// The sweeper also runs every Window/2.
	Window time.Duration `json:"window"`
	// LostAttempts enables scanning for transactions abandoned by any client. Nil means true.
	LostAttempts *bool `json:"lost_attempts,omitempty"`
	// ClientAttempts enables cleanup of this client's own expired transactions. Nil means true.
	ClientAttempts *bool `json:"client_attempts,omitempty"`
	// Max scanned records resolved per sweep.
	BatchSize int `json:"batch_size,omitempty"`
	// Max records resolved in parallel.
	Concurrency int `json:"concurrency,omitempty"`
}

// LostAttemptsEnabled reports the effective LostAttempts setting.
func (cc CleanupConfig) LostAttemptsEnabled() bool {
	return cc.LostAttempts == nil || *cc.LostAttempts
}

// ClientAttemptsEnabled reports the effective ClientAttempts setting.
func (cc CleanupConfig) ClientAttemptsEnabled() bool {
	return cc.ClientAttempts == nil || *cc.ClientAttempts
}

// DurabilityRule maps documents whose key satisfies the CEL Expression to Level.
// The expression sees one variable, "key" (string).
type DurabilityRule struct {
	Expression string          `json:"expression"`
	Level      DurabilityLevel `json:"level"`
}

// Configuration is the transactions configuration. It is a value type; the
// Coordinator keeps its own copy so later changes by the caller have no effect.
type Configuration struct {
	// Default durability of transactional writes.
	DurabilityLevel DurabilityLevel `json:"durability_level"`
	// KeyValueTimeout bounds each key-value operation, including durability waits.
	KeyValueTimeout time.Duration `json:"key_value_timeout,omitempty"`
	// TransactionTimeout bounds the whole transaction, begin to commit.
	TransactionTimeout time.Duration  `json:"transaction_timeout,omitempty"`
	Query              *QueryConfig   `json:"query,omitempty"`
	Cleanup            *CleanupConfig `json:"cleanup,omitempty"`
	// Optional per key durability, first match wins.
	DurabilityRules []DurabilityRule `json:"durability_rules,omitempty"`
}

// Bool returns a pointer to v, for the optional CleanupConfig switches.
func Bool(v bool) *bool {
	return &v
}

// WithDefaults returns a deep copy of c with zero values replaced by defaults.
func (c Configuration) WithDefaults() Configuration {
	r := c
	if r.KeyValueTimeout == 0 {
		r.KeyValueTimeout = DefaultKeyValueTimeout
	}
	if r.TransactionTimeout == 0 {
		r.TransactionTimeout = DefaultTransactionTimeout
	}
	if c.Query != nil {
		q := *c.Query
		r.Query = &q
	}
	cc := CleanupConfig{}
	if c.Cleanup != nil {
		cc = *c.Cleanup
	}
	if cc.Window == 0 {
		cc.Window = DefaultCleanupWindow
	}
	if cc.LostAttempts != nil {
		cc.LostAttempts = Bool(*cc.LostAttempts)
	}
	if cc.ClientAttempts != nil {
		cc.ClientAttempts = Bool(*cc.ClientAttempts)
	}
	if cc.BatchSize == 0 {
		cc.BatchSize = DefaultCleanupBatchSize
	}
	if cc.Concurrency == 0 {
		cc.Concurrency = DefaultCleanupConcurrency
	}
	r.Cleanup = &cc
	if c.DurabilityRules != nil {
		r.DurabilityRules = append([]DurabilityRule(nil), c.DurabilityRules...)
	}
	return r
}

// Validate returns an error describing every invalid field of c.
func (c Configuration) Validate() error {
	var errs []error
	if !c.DurabilityLevel.IsValid() {
		errs = append(errs, fmt.Errorf("durability level %d is not valid", int(c.DurabilityLevel)))
	}
	if c.KeyValueTimeout < 0 {
		errs = append(errs, fmt.Errorf("key value timeout %v can't be negative", c.KeyValueTimeout))
	}
	if c.TransactionTimeout < 0 {
		errs = append(errs, fmt.Errorf("transaction timeout %v can't be negative", c.TransactionTimeout))
	}
	if c.Query != nil {
		switch c.Query.ScanConsistency {
		case "", NotBounded, RequestPlus:
		default:
			errs = append(errs, fmt.Errorf("scan consistency %q is not valid", c.Query.ScanConsistency))
		}
	}
	if c.Cleanup != nil {
		if c.Cleanup.Window < 0 {
			errs = append(errs, fmt.Errorf("cleanup window %v can't be negative", c.Cleanup.Window))
		}
		if c.Cleanup.BatchSize < 0 || c.Cleanup.Concurrency < 0 {
			errs = append(errs, errors.New("cleanup batch size and concurrency can't be negative"))
		}
	}
	for i, r := range c.DurabilityRules {
		if r.Expression == "" {
			errs = append(errs, fmt.Errorf("durability rule %d has no expression", i))
		}
		if !r.Level.IsValid() {
			errs = append(errs, fmt.Errorf("durability rule %d level %d is not valid", i, int(r.Level)))
		}
	}
	return errors.Join(errs...)
}

// Export flattens the configuration into the map handed across the client
// boundary. Unset values export as nil.
func (c Configuration) Export() map[string]any {
	m := map[string]any{
		"durabilityLevel":             c.DurabilityLevel.String(),
		"keyValueTimeoutMilliseconds": nil,
		"timeoutMilliseconds":         nil,
		"queryOptions":                nil,
		"cleanupOptions":              nil,
	}
	if c.KeyValueTimeout > 0 {
		m["keyValueTimeoutMilliseconds"] = c.KeyValueTimeout.Milliseconds()
	}
	if c.TransactionTimeout > 0 {
		m["timeoutMilliseconds"] = c.TransactionTimeout.Milliseconds()
	}
	if c.Query != nil {
		m["queryOptions"] = c.Query.Export()
	}
	if c.Cleanup != nil {
		m["cleanupOptions"] = c.Cleanup.Export()
	}
	return m
}

func (q QueryConfig) Export() map[string]any {
	m := map[string]any{"scanConsistency": nil}
	if q.ScanConsistency != "" {
		m["scanConsistency"] = string(q.ScanConsistency)
	}
	return m
}

func (cc CleanupConfig) Export() map[string]any {
	m := map[string]any{
		"cleanupWindowMilliseconds": nil,
		"cleanupLostAttempts":       nil,
		"cleanupClientAttempts":     nil,
	}
	if cc.Window > 0 {
		m["cleanupWindowMilliseconds"] = cc.Window.Milliseconds()
	}
	if cc.LostAttempts != nil {
		m["cleanupLostAttempts"] = *cc.LostAttempts
	}
	if cc.ClientAttempts != nil {
		m["cleanupClientAttempts"] = *cc.ClientAttempts
	}
	return m
}
