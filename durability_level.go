package dtx

import (
	"fmt"
	"strconv"
	"strings"
)

// DurabilityLevel is the guarantee a write must meet before it is considered durable.
type DurabilityLevel int

const (
	// DurabilityNone: acknowledged by the active node only.
	DurabilityNone DurabilityLevel = iota
	// DurabilityMajority: replicated in memory to a majority of nodes.
	DurabilityMajority
	// DurabilityMajorityAndPersistToActive: majority plus persisted on the active node.
	DurabilityMajorityAndPersistToActive
	// DurabilityPersistToMajority: persisted on a majority of nodes.
	DurabilityPersistToMajority
)

var durabilityNames = [...]string{
	"none",
	"majority",
	"majorityAndPersistToActive",
	"persistToMajority",
}

func (l DurabilityLevel) String() string {
	if l.IsValid() {
		return durabilityNames[l]
	}
	return fmt.Sprintf("DurabilityLevel(%d)", int(l))
}

// IsValid reports whether l is one of the four known levels.
func (l DurabilityLevel) IsValid() bool {
	return l >= DurabilityNone && l <= DurabilityPersistToMajority
}

// RequiresPersistence reports whether the level needs on-disk persistence somewhere.
func (l DurabilityLevel) RequiresPersistence() bool {
	return l == DurabilityMajorityAndPersistToActive || l == DurabilityPersistToMajority
}

// ParseDurabilityLevel accepts the level names (case-insensitive, '_', '-' and
// spaces ignored) and the deprecated integer codes 0..3.
func ParseDurabilityLevel(s string) (DurabilityLevel, error) {
	t := strings.TrimSpace(s)
	if n, err := strconv.Atoi(t); err == nil {
		l := DurabilityLevel(n)
		if !l.IsValid() {
			return DurabilityNone, fmt.Errorf("unknown durability level code %d", n)
		}
		return l, nil
	}
	norm := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(t))
	switch norm {
	case "", "none":
		return DurabilityNone, nil
	case "majority":
		return DurabilityMajority, nil
	case "majorityandpersisttoactive", "majorityandpersistactive":
		return DurabilityMajorityAndPersistToActive, nil
	case "persisttomajority":
		return DurabilityPersistToMajority, nil
	}
	return DurabilityNone, fmt.Errorf("unknown durability level %q", s)
}

func (l DurabilityLevel) MarshalText() ([]byte, error) {
	if !l.IsValid() {
		return nil, fmt.Errorf("invalid durability level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *DurabilityLevel) UnmarshalText(b []byte) error {
	v, err := ParseDurabilityLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
