package buffer

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestCommandRing_PushAndAll(t *testing.T) {
	ring := NewCommandRing(3)

	ring.Push("ls")
	ring.Push("pwd")

	got := ring.All()
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0] != "ls" || got[1] != "pwd" {
		t.Errorf("unexpected order: %v", got)
	}
}

func TestCommandRing_EvictsOldest(t *testing.T) {
	ring := NewCommandRing(3)

	for _, c := range []string{"a", "b", "c", "d"} {
		ring.Push(c)
	}

	got := ring.All()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0] != "b" || got[2] != "d" {
		t.Errorf("oldest entry not evicted: %v", got)
	}
}

func TestCommandRing_IgnoresBlank(t *testing.T) {
	ring := NewCommandRing(3)

	ring.Push("")
	if ring.Len() != 0 {
		t.Errorf("blank command should be ignored, got len %d", ring.Len())
	}
}

func TestCommandRing_Last(t *testing.T) {
	ring := NewCommandRing(2)

	if ring.Last() != "" {
		t.Error("empty ring should return empty last command")
	}

	ring.Push("first")
	ring.Push("second")
	ring.Push("third")

	if ring.Last() != "third" {
		t.Errorf("expected 'third', got %q", ring.Last())
	}
}

func TestCommandRing_Clear(t *testing.T) {
	ring := NewCommandRing(2)
	ring.Push("x")
	ring.Clear()

	if ring.Len() != 0 {
		t.Errorf("expected empty ring after Clear, got %d", ring.Len())
	}
}

func TestCommandRing_ZeroCapacityDefaults(t *testing.T) {
	ring := NewCommandRing(0)
	if ring.Cap() != 1 {
		t.Errorf("expected capacity 1, got %d", ring.Cap())
	}
}

// For any sequence of pushes, the ring holds the most recent min(n, cap)
// commands in submission order.
func TestCommandRingRetainsSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("ring retains the newest commands in order", prop.ForAll(
		func(n int, capacity int) bool {
			ring := NewCommandRing(capacity)

			var pushed []string
			for i := 0; i < n; i++ {
				cmd := fmt.Sprintf("cmd-%d", i)
				ring.Push(cmd)
				pushed = append(pushed, cmd)
			}

			got := ring.All()
			want := pushed
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}

			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 300),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
