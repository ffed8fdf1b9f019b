package durability

import (
	"fmt"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/sharedcode/dtx"
)

type rule struct {
	expression string
	level      dtx.DurabilityLevel
	program    cel.Program
}

// Rules maps document keys to durability levels with CEL expressions. Each
// expression sees the variable "key" (string) and must evaluate to a bool,
// e.g. key.startsWith("acct:").
type Rules struct {
	rules []rule
}

// NewRules compiles the rules in order. The first matching rule wins.
func NewRules(defs []dtx.DurabilityRule) (*Rules, error) {
	if len(defs) == 0 {
		return &Rules{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %v", err)
	}
	rs := &Rules{rules: make([]rule, 0, len(defs))}
	for i, d := range defs {
		if d.Expression == "" {
			return nil, fmt.Errorf("durability rule %d: expression can't be empty string", i)
		}
		if !d.Level.IsValid() {
			return nil, fmt.Errorf("durability rule %d: level %d is not valid", i, int(d.Level))
		}
		ast, issues := env.Compile(d.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("durability rule %d: error compiling CEL expression: %v", i, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("durability rule %d: expression %q must return bool, got %v", i, d.Expression, ast.OutputType())
		}
		p, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("durability rule %d: error creating Program: %v", i, err)
		}
		rs.rules = append(rs.rules, rule{expression: d.Expression, level: d.Level, program: p})
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *Rules) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Match returns the level of the first rule matching key.
func (rs *Rules) Match(key string) (dtx.DurabilityLevel, bool, error) {
	if rs == nil {
		return dtx.DurabilityNone, false, nil
	}
	for _, r := range rs.rules {
		out, _, err := r.program.Eval(map[string]any{"key": key})
		if err != nil {
			return dtx.DurabilityNone, false, fmt.Errorf("error evaluating CEL expression %q: %v", r.expression, err)
		}
		nv, err := out.ConvertToNative(reflect.TypeOf(true))
		if err != nil {
			return dtx.DurabilityNone, false, fmt.Errorf("error ConvertToNative, got err: %v", err)
		}
		if matched, _ := nv.(bool); matched {
			return r.level, true, nil
		}
	}
	return dtx.DurabilityNone, false, nil
}

// Resolver computes the Requirement of a write: per-call override first,
// then the first matching rule, then the fallback level.
type Resolver struct {
	rules          *Rules
	defaultTimeout time.Duration
}

// NewResolver compiles the rules of cfg. Timeouts default to cfg.KeyValueTimeout.
func NewResolver(cfg dtx.Configuration) (*Resolver, error) {
	rs, err := NewRules(cfg.DurabilityRules)
	if err != nil {
		return nil, err
	}
	d := cfg.KeyValueTimeout
	if d <= 0 {
		d = dtx.DefaultKeyValueTimeout
	}
	return &Resolver{rules: rs, defaultTimeout: d}, nil
}

// Resolve returns the requirement for a write to key.
func (r *Resolver) Resolve(key string, override *dtx.DurabilityLevel, fallback dtx.DurabilityLevel, timeout time.Duration) (Requirement, error) {
	req := Requirement{Level: fallback, Timeout: r.defaultTimeout}
	if timeout > 0 {
		req.Timeout = timeout
	}
	if override != nil {
		if !override.IsValid() {
			return req, fmt.Errorf("durability level %d is not valid", int(*override))
		}
		req.Level = *override
		return req, nil
	}
	lvl, ok, err := r.rules.Match(key)
	if err != nil {
		return req, err
	}
	if ok {
		req.Level = lvl
	}
	return req, nil
}
