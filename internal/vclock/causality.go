package vclock

import "fmt"

// Causality is the relationship between two clocks under the pointwise
// partial order.
type Causality int

const (
	// Before means the receiver causally precedes the other clock.
	Before Causality = iota + 1
	// Equal means both clocks hold identical causal knowledge.
	Equal
	// After means the receiver causally follows the other clock.
	After
	// Concurrent means neither clock dominates; there is no causal order.
	Concurrent
)

var causalityNames = map[Causality]string{
	Before:     "BEFORE",
	Equal:      "EQUAL",
	After:      "AFTER",
	Concurrent: "CONCURRENT",
}

// String returns the upper-case name, e.g. "CONCURRENT".
func (c Causality) String() string {
	if name, ok := causalityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Causality(%d)", int(c))
}

// Valid reports whether c is one of the four defined relationships.
func (c Causality) Valid() bool {
	_, ok := causalityNames[c]
	return ok
}

// Inverse returns the relationship seen from the other side:
// Before and After swap, Equal and Concurrent are their own inverse.
func (c Causality) Inverse() Causality {
	switch c {
	case Before:
		return After
	case After:
		return Before
	default:
		return c
	}
}

// ParseCausality parses the upper-case name produced by String.
func ParseCausality(s string) (Causality, error) {
	for c, name := range causalityNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("vclock: unknown causality %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (c Causality) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("vclock: cannot marshal invalid causality %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Causality) UnmarshalText(text []byte) error {
	parsed, err := ParseCausality(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
