package retire

import (
	"testing"
	"time"
)

func TestDrainOnlyReturnsItemsBeforeCutoff(t *testing.T) {
	var q Queue[string]
	base := time.Unix(1000, 0)

	q.Add("a", base)
	q.Add("b", base.Add(time.Second))
	q.Add("c", base.Add(2*time.Second))

	drained := q.Drain(base.Add(time.Second))
	if len(drained) != 1 || drained[0] != "a" {
		t.Fatalf("Drain(base+1s) = %v, want [a]", drained)
	}
	if q.Len() != 2 {
		t.Fatalf("Len() after drain = %d, want 2", q.Len())
	}

	drained = q.Drain(base.Add(3 * time.Second))
	if len(drained) != 2 || drained[0] != "b" || drained[1] != "c" {
		t.Fatalf("Drain(base+3s) = %v, want [b c]", drained)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after full drain = %d, want 0", q.Len())
	}
}

func TestDrainNothingWhenAllTooRecent(t *testing.T) {
	var q Queue[int]
	base := time.Unix(1000, 0)
	q.Add(1, base)

	if drained := q.Drain(base); drained != nil {
		t.Fatalf("Drain(base) with item retired exactly at base = %v, want nil", drained)
	}
}
