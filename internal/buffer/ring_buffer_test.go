package buffer

import (
	"reflect"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestNewRing(t *testing.T) {
	// Test with valid capacity
	r := NewRing[int](100)
	if r.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", r.Cap())
	}
	if r.Len() != 0 {
		t.Errorf("expected length 0, got %d", r.Len())
	}
	if r.Items() != nil {
		t.Errorf("expected nil items for empty ring")
	}

	// Test with zero capacity (should default to 1)
	r = NewRing[int](0)
	if r.Cap() != 1 {
		t.Errorf("expected capacity 1 for zero input, got %d", r.Cap())
	}

	// Test with negative capacity (should default to 1)
	r = NewRing[int](-5)
	if r.Cap() != 1 {
		t.Errorf("expected capacity 1 for negative input, got %d", r.Cap())
	}
}

func TestRing_Push(t *testing.T) {
	r := NewRing[string](3)

	for _, s := range []string{"a", "b", "c"} {
		if r.Push(s) {
			t.Errorf("unexpected eviction pushing %q", s)
		}
	}
	if got := r.Items(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("expected [a b c], got %v", got)
	}
}

func TestRing_PushOverflow(t *testing.T) {
	r := NewRing[string](3)
	for _, s := range []string{"a", "b", "c"} {
		r.Push(s)
	}

	if !r.Push("d") {
		t.Error("expected eviction when full")
	}
	r.Push("e")

	// Should have discarded "a" and "b"
	if got := r.Items(); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("expected [c d e], got %v", got)
	}
	if r.Len() != 3 {
		t.Errorf("expected length 3, got %d", r.Len())
	}
	if r.Evicted() != 2 {
		t.Errorf("expected 2 evictions, got %d", r.Evicted())
	}
}

func TestRing_Last(t *testing.T) {
	r := NewRing[int](5)
	for i := 1; i <= 7; i++ {
		r.Push(i)
	}

	if got := r.Last(2); !reflect.DeepEqual(got, []int{6, 7}) {
		t.Errorf("expected [6 7], got %v", got)
	}
	if got := r.Last(0); !reflect.DeepEqual(got, []int{3, 4, 5, 6, 7}) {
		t.Errorf("expected all items, got %v", got)
	}
	if got := r.Last(50); len(got) != 5 {
		t.Errorf("expected 5 items, got %d", len(got))
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing[int](3)
	r.Push(1)
	r.Push(2)
	r.Clear()

	if r.Len() != 0 {
		t.Errorf("expected length 0 after clear, got %d", r.Len())
	}
	r.Push(9)
	if got := r.Items(); !reflect.DeepEqual(got, []int{9}) {
		t.Errorf("expected [9], got %v", got)
	}
}

func TestRing_Concurrent(t *testing.T) {
	r := NewRing[int](64)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Push(w*1000 + i)
				_ = r.Items()
			}
		}(w)
	}
	wg.Wait()

	if r.Len() != 64 {
		t.Errorf("expected full ring, got %d", r.Len())
	}
	if r.Evicted() != 800-64 {
		t.Errorf("expected %d evictions, got %d", 800-64, r.Evicted())
	}
}

// Property: the ring always holds the newest min(n, cap) items in push order.
func TestRingKeepsNewestProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("ring keeps the newest items in order", prop.ForAll(
		func(capacity int, values []int) bool {
			r := NewRing[int](capacity)
			for _, v := range values {
				r.Push(v)
			}

			want := values
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			got := r.Items()
			if len(want) == 0 {
				return got == nil
			}
			return reflect.DeepEqual(got, want)
		},
		gen.IntRange(1, 20),
		gen.SliceOf(gen.Int()),
	))

	properties.TestingRun(t)
}
