package rcumap

import (
	"testing"
	"time"
)

func TestUpdateThenGet(t *testing.T) {
	m := New[string, int]()
	m.Update("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Fatal("Get(missing) reported present")
	}
}

func TestPromotionAfterEnoughMisses(t *testing.T) {
	m := New[string, int]()
	m.Update("a", 1)
	m.Update("b", 2)

	// Two keys in dirty map; read map is still empty until two misses
	// against the dirty map are recorded.
	if len(*m.read.Load()) != 0 {
		t.Fatalf("read map should start empty, has %d entries", len(*m.read.Load()))
	}

	m.Get("a")
	m.Get("b")

	if len(*m.read.Load()) != 2 {
		t.Fatalf("read map should be promoted to 2 entries, has %d", len(*m.read.Load()))
	}
}

func TestConditionalUpdate(t *testing.T) {
	m := New[string, int]()
	m.ConditionalUpdate("a",
		func(cur *int, present bool) int {
			if !present {
				return 1
			}
			return *cur + 1
		},
		func(int) bool { return true },
	)
	v, _ := m.Get("a")
	if v != 1 {
		t.Fatalf("after first ConditionalUpdate, v = %d, want 1", v)
	}

	m.ConditionalUpdate("a",
		func(cur *int, present bool) int { return *cur + 1 },
		func(cur int) bool { return cur < 1 }, // false: should not update
	)
	v, _ = m.Get("a")
	if v != 1 {
		t.Fatalf("predicate-false update changed value to %d, want unchanged 1", v)
	}
}

func TestCreateOrGet(t *testing.T) {
	m := New[string, int]()
	calls := 0
	creator := func() int { calls++; return 42 }

	v, created := m.CreateOrGet("a", creator)
	if v != 42 || !created {
		t.Fatalf("first CreateOrGet = %d, %v; want 42, true", v, created)
	}
	v, created = m.CreateOrGet("a", creator)
	if v != 42 || created {
		t.Fatalf("second CreateOrGet = %d, %v; want 42, false", v, created)
	}
	if calls != 1 {
		t.Fatalf("creator called %d times, want 1", calls)
	}
}

func TestDeletePromotesImmediately(t *testing.T) {
	m := New[string, int]()
	m.Update("a", 1)
	m.Get("a") // one miss against a one-key dirty map: promotes "a" into the read map

	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatal("Get(a) still present after Delete")
	}
	if len(*m.read.Load()) != 0 {
		t.Fatalf("read map should be empty after delete-triggered promotion, has %d", len(*m.read.Load()))
	}
}

func TestCollectGarbageDropsOldRetirees(t *testing.T) {
	m := New[string, int]()
	base := time.Unix(1000, 0)
	m.now = func() time.Time { return base }

	m.Update("a", 1)
	m.now = func() time.Time { return base.Add(time.Second) }
	m.Update("a", 2) // retires value 1 at base+1s

	if got := m.retiredValues.Len(); got != 1 {
		t.Fatalf("expected 1 retired value, got %d", got)
	}

	m.CollectGarbage(base) // before the retirement time: nothing collected
	if got := m.retiredValues.Len(); got != 1 {
		t.Fatalf("CollectGarbage(base) should not drop entries retired after it, got %d left", got)
	}

	m.CollectGarbage(base.Add(2 * time.Second))
	if got := m.retiredValues.Len(); got != 0 {
		t.Fatalf("CollectGarbage(future) should drop all entries, got %d left", got)
	}
}

func TestCollectExpired(t *testing.T) {
	m := New[string, int]()
	base := time.Unix(1000, 0)
	m.now = func() time.Time { return base }
	m.Update("old", 1)

	m.now = func() time.Time { return base.Add(time.Hour) }
	m.Update("new", 2)

	expired := m.CollectExpired(base.Add(time.Minute))
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("CollectExpired = %v, want [old]", expired)
	}
}

func TestRangeVisitsAllEntries(t *testing.T) {
	m := New[string, int]()
	m.Update("a", 1)
	m.Update("b", 2)

	seen := map[string]int{}
	m.Range(func(k string, v int) { seen[k] = v })
	if len(seen) != 2 || seen["a"] != 1 || seen["b"] != 2 {
		t.Fatalf("Range visited %v, want a:1 b:2", seen)
	}
}
