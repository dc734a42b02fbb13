package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Clock is a vector clock keyed by device identifier.
//
// The zero value is the empty clock and is ready to use. Clock has value
// semantics: copies never observe each other's increments, because
// Increment replaces the backing map instead of writing through it.
//
// Zero counters are indistinguishable from unset nodes and are not stored,
// so every Clock has a single canonical representation.
type Clock struct {
	counters map[string]int64
}

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Of builds a clock from a node -> counter map. The map is copied.
// Node identifiers are NFC-normalized; identifiers that collapse to the same
// normalized form keep the larger counter. Negative counters and empty node
// identifiers are rejected.
func Of(entries map[string]int64) (Clock, error) {
	if len(entries) == 0 {
		return Clock{}, nil
	}

	counters := make(map[string]int64, len(entries))
	for node, counter := range entries {
		key := normalize(node)
		if key == "" {
			return Clock{}, fmt.Errorf("vclock: empty node id")
		}
		if counter < 0 {
			return Clock{}, fmt.Errorf("vclock: negative counter %d for node %q", counter, key)
		}
		if counter == 0 {
			continue
		}
		if counter > counters[key] {
			counters[key] = counter
		}
	}
	return Clock{counters: counters}, nil
}

// MustOf is like Of but panics on invalid input. Intended for tests and
// literals known to be valid.
func MustOf(entries map[string]int64) Clock {
	c, err := Of(entries)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseString parses the "node=counter,node=counter" form used on the
// command line. An empty string yields the empty clock.
func ParseString(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return Clock{}, nil
	}

	entries := make(map[string]int64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Clock{}, fmt.Errorf("vclock: invalid entry %q (expected node=counter)", part)
		}
		node := strings.TrimSpace(kv[0])
		counter, err := strconv.ParseInt(strings.TrimSpace(kv[1]), 10, 64)
		if err != nil {
			return Clock{}, fmt.Errorf("vclock: invalid counter in %q: %w", part, err)
		}
		if _, dup := entries[node]; dup {
			return Clock{}, fmt.Errorf("vclock: duplicate node %q", node)
		}
		entries[node] = counter
	}
	return Of(entries)
}

// Increment advances the counter for node by one, creating it if absent.
// Only the device that owns the clock should call it, right before it
// records a new local event. An empty node id is rejected and leaves the
// clock unchanged.
func (c *Clock) Increment(node string) error {
	key := normalize(node)
	if key == "" {
		return fmt.Errorf("vclock: empty node id")
	}
	next := make(map[string]int64, len(c.counters)+1)
	for k, v := range c.counters {
		next[k] = v
	}
	next[key]++
	c.counters = next
	return nil
}

// Get returns the counter for node, or 0 if it was never set.
func (c Clock) Get(node string) int64 {
	return c.counters[normalize(node)]
}

// Len returns the number of nodes with a non-zero counter.
func (c Clock) Len() int {
	return len(c.counters)
}

// IsZero reports whether the clock carries no causal information.
func (c Clock) IsZero() bool {
	return len(c.counters) == 0
}

// Nodes returns the node identifiers in sorted order.
func (c Clock) Nodes() []string {
	nodes := make([]string, 0, len(c.counters))
	for k := range c.counters {
		nodes = append(nodes, k)
	}
	sort.Strings(nodes)
	return nodes
}

// Entries returns a copy of the node -> counter map.
func (c Clock) Entries() map[string]int64 {
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Merge returns a new clock holding, for every node in either input, the
// maximum of the two counters. Neither input is modified.
func (c Clock) Merge(other Clock) Clock {
	if len(c.counters) == 0 && len(other.counters) == 0 {
		return Clock{}
	}

	merged := make(map[string]int64, len(c.counters)+len(other.counters))
	for k, v := range c.counters {
		merged[k] = v
	}
	for k, v := range other.counters {
		if v > merged[k] {
			merged[k] = v
		}
	}
	return Clock{counters: merged}
}

// Compare classifies the causal relationship of c relative to other over the
// union of both node sets.
func (c Clock) Compare(other Clock) Causality {
	thisBeforeOther := true
	otherBeforeThis := true

	for node, v := range c.counters {
		if v > other.counters[node] {
			thisBeforeOther = false
		}
		if v < other.counters[node] {
			otherBeforeThis = false
		}
	}
	for node := range other.counters {
		// Stored counters are always > 0, so a node only other has means
		// other leads on that dimension.
		if _, seen := c.counters[node]; !seen {
			otherBeforeThis = false
		}
	}

	switch {
	case thisBeforeOther && otherBeforeThis:
		return Equal
	case thisBeforeOther:
		return Before
	case otherBeforeThis:
		return After
	default:
		return Concurrent
	}
}

// Equal reports whether both clocks hold the same counter on every node.
func (c Clock) Equal(other Clock) bool {
	if len(c.counters) != len(other.counters) {
		return false
	}
	for k, v := range c.counters {
		if other.counters[k] != v {
			return false
		}
	}
	return true
}

// Dominates reports whether c happened strictly after other.
func (c Clock) Dominates(other Clock) bool {
	return c.Compare(other) == After
}

// IsConcurrent reports whether neither clock dominates the other.
func (c Clock) IsConcurrent(other Clock) bool {
	return c.Compare(other) == Concurrent
}

// String renders the clock with sorted keys, e.g. "{d1:2, d2:1}".
func (c Clock) String() string {
	if len(c.counters) == 0 {
		return "{}"
	}

	nodes := c.Nodes()
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		parts = append(parts, fmt.Sprintf("%s:%d", n, c.counters[n]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalJSON encodes the clock as a JSON object with sorted keys.
// The empty clock encodes as {}.
func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Entries())
}

// UnmarshalJSON decodes a JSON object of node -> counter. null decodes to
// the empty clock.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var entries map[string]int64
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("vclock: %w", err)
	}
	parsed, err := Of(entries)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func normalize(node string) string {
	return norm.NFC.String(node)
}
