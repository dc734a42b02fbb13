package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// allClocks enumerates every clock over nodes {a, b, c} with counters 0..2.
func allClocks(t *testing.T) []Clock {
	t.Helper()
	nodes := []string{"a", "b", "c"}
	var out []Clock
	for x := int64(0); x <= 2; x++ {
		for y := int64(0); y <= 2; y++ {
			for z := int64(0); z <= 2; z++ {
				c, err := Of(map[string]int64{nodes[0]: x, nodes[1]: y, nodes[2]: z})
				require.NoError(t, err)
				out = append(out, c)
			}
		}
	}
	return out
}

func TestProperty_CompareIsInverseSymmetric(t *testing.T) {
	clocks := allClocks(t)
	for _, a := range clocks {
		for _, b := range clocks {
			ab := a.Compare(b)
			ba := b.Compare(a)
			require.Equal(t, ab.Inverse(), ba, "a=%s b=%s", a, b)
		}
	}
}

func TestProperty_CompareIsReflexive(t *testing.T) {
	assert.Equal(t, Equal, New().Compare(New()))
	for _, a := range allClocks(t) {
		require.Equal(t, Equal, a.Compare(a), "a=%s", a)
	}
}

func TestProperty_MergeIsCommutative(t *testing.T) {
	clocks := allClocks(t)
	for _, a := range clocks {
		for _, b := range clocks {
			require.True(t, a.Merge(b).Equal(b.Merge(a)), "a=%s b=%s", a, b)
		}
	}
}

func TestProperty_MergeIsIdempotent(t *testing.T) {
	clocks := allClocks(t)
	for _, a := range clocks {
		require.True(t, a.Merge(a).Equal(a), "a=%s", a)
		for _, b := range clocks {
			ab := a.Merge(b)
			require.True(t, ab.Merge(b).Equal(ab), "a=%s b=%s", a, b)
		}
	}
}

func TestProperty_MergeIsAssociative(t *testing.T) {
	clocks := allClocks(t)
	// A stride keeps the triple loop small while still crossing every shape.
	for i := 0; i < len(clocks); i += 4 {
		for j := 0; j < len(clocks); j += 3 {
			for k := 0; k < len(clocks); k += 5 {
				a, b, c := clocks[i], clocks[j], clocks[k]
				left := a.Merge(b).Merge(c)
				right := a.Merge(b.Merge(c))
				require.True(t, left.Equal(right), "a=%s b=%s c=%s", a, b, c)
			}
		}
	}
}

func TestProperty_MergeDominatesBoth(t *testing.T) {
	clocks := allClocks(t)
	for _, a := range clocks {
		for _, b := range clocks {
			m := a.Merge(b)
			ca := m.Compare(a)
			cb := m.Compare(b)
			require.Contains(t, []Causality{After, Equal}, ca, "merge(%s,%s) vs a", a, b)
			require.Contains(t, []Causality{After, Equal}, cb, "merge(%s,%s) vs b", a, b)
		}
	}
}

func TestProperty_BeforeImpliesPointwiseLessOrEqual(t *testing.T) {
	nodes := []string{"a", "b", "c"}
	clocks := allClocks(t)
	for _, a := range clocks {
		for _, b := range clocks {
			if a.Compare(b) != Before {
				continue
			}
			strict := false
			for _, n := range nodes {
				require.LessOrEqual(t, a.Get(n), b.Get(n), "a=%s b=%s node=%s", a, b, n)
				if a.Get(n) < b.Get(n) {
					strict = true
				}
			}
			require.True(t, strict, "Before requires one strictly smaller node: a=%s b=%s", a, b)
		}
	}
}

func TestProperty_MergeDoesNotMutateInputs(t *testing.T) {
	clocks := allClocks(t)
	for _, a := range clocks {
		for _, b := range clocks {
			beforeA, beforeB := a.Entries(), b.Entries()
			_ = a.Merge(b)
			require.Equal(t, beforeA, a.Entries())
			require.Equal(t, beforeB, b.Entries())
		}
	}
}

func TestProperty_IncrementMovesAfter(t *testing.T) {
	for _, a := range allClocks(t) {
		next := a
		require.NoError(t, next.Increment("a"))
		require.Equal(t, After, next.Compare(a), "a=%s", a)
		require.Equal(t, Before, a.Compare(next), "a=%s", a)
	}
}
