package balancer

import (
	"testing"

	"github.com/flowmesh/discovery/internal/model"
)

func testSet(n int) *model.InstancesSet {
	insts := make([]*model.Instance, 0, n)
	for i := 0; i < n; i++ {
		insts = append(insts, model.NewInstance(
			string(rune('a'+i)), "10.0.0.1", uint32(9000+i), 100, nil, "", "", "", ""))
	}
	data := model.NewServiceData(model.DataKey{Service: model.ServiceKey{Namespace: "Test", Name: "svc.a"}, Kind: model.KindInstances}, "r1", model.StatusSyncing, insts, nil)
	return model.NewInstancesSet(insts, data)
}

func TestWeightedRandomRespectsDynamicWeight(t *testing.T) {
	set := testSet(2)
	set.Instances[0].SetDynamicWeight(0)

	b := NewWeightedRandom()
	for i := 0; i < 50; i++ {
		inst, err := b.Choose(set, model.LoadBalanceCriteria{})
		if err != nil {
			t.Fatalf("Choose: %v", err)
		}
		if inst.ID == set.Instances[0].ID {
			t.Fatal("zero-weight instance must never be chosen while others have weight")
		}
	}
}

func TestWeightedRandomEmptySet(t *testing.T) {
	b := NewWeightedRandom()
	if _, err := b.Choose(testSet(0), model.LoadBalanceCriteria{}); err == nil {
		t.Fatal("empty set must error")
	}
}

func TestRingHashDeterministic(t *testing.T) {
	set := testSet(4)
	b := NewRingHash(64)

	first, err := b.Choose(set, model.LoadBalanceCriteria{HashKey: "k"})
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := b.Choose(set, model.LoadBalanceCriteria{HashKey: "k"})
		if err != nil {
			t.Fatalf("Choose: %v", err)
		}
		if again.ID != first.ID {
			t.Fatal("same hash key must map to the same instance")
		}
	}
}

func TestRingHashReplicateIndexWalksDistinctNeighbours(t *testing.T) {
	set := testSet(4)
	b := NewRingHash(64)

	seen := map[string]struct{}{}
	for replicate := 1; replicate <= 4; replicate++ {
		inst, err := b.Choose(set, model.LoadBalanceCriteria{HashKey: "k", ReplicateIndex: replicate})
		if err != nil {
			t.Fatalf("replicate %d: %v", replicate, err)
		}
		if _, dup := seen[inst.ID]; dup {
			t.Fatalf("replicate %d returned an already seen instance %s", replicate, inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
}

func TestSelectBackupsRingHash(t *testing.T) {
	set := testSet(4)
	b := NewRingHash(64)
	criteria := model.LoadBalanceCriteria{HashKey: "k"}

	primary, err := b.Choose(set, criteria)
	if err != nil {
		t.Fatalf("primary: %v", err)
	}
	backups := SelectBackups(b, set, primary, 2, criteria)
	if len(backups) != 2 {
		t.Fatalf("want 2 backups, got %d", len(backups))
	}
	ids := map[string]struct{}{primary.ID: {}}
	for _, inst := range backups {
		if _, dup := ids[inst.ID]; dup {
			t.Fatalf("backup %s duplicates primary or another backup", inst.ID)
		}
		ids[inst.ID] = struct{}{}
	}

	// The first backup must be the ring's first distinct neighbour.
	neighbour, err := b.Choose(set, model.LoadBalanceCriteria{HashKey: "k", ReplicateIndex: 2})
	if err != nil {
		t.Fatalf("neighbour: %v", err)
	}
	if backups[0].ID != neighbour.ID {
		t.Fatalf("first backup = %s, want ring neighbour %s", backups[0].ID, neighbour.ID)
	}
}

func TestSelectBackupsScanSkipsPrimaryAndHalfOpen(t *testing.T) {
	set := testSet(4)
	set.HalfOpenIDs = map[string]struct{}{set.Instances[1].ID: {}}
	primary := set.Instances[0]

	b := NewWeightedRandom()
	backups := SelectBackups(b, set, primary, 3, model.LoadBalanceCriteria{})
	if len(backups) != 2 {
		t.Fatalf("want 2 backups (4 total - primary - half-open), got %d", len(backups))
	}
	for _, inst := range backups {
		if inst.ID == primary.ID {
			t.Fatal("backup duplicates the primary")
		}
		if _, half := set.HalfOpenIDs[inst.ID]; half {
			t.Fatal("half-open instance selected as backup")
		}
	}
}

func TestMaglevDeterministic(t *testing.T) {
	set := testSet(5)
	b := NewMaglev(0)

	first, err := b.Choose(set, model.LoadBalanceCriteria{HashKey: "user-42"})
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	again, err := b.Choose(set, model.LoadBalanceCriteria{HashKey: "user-42"})
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if first.ID != again.ID {
		t.Fatal("maglev must be deterministic per hash key")
	}
}

func TestIsConsistentHashFamily(t *testing.T) {
	for _, name := range []string{"ringHash", "maglev", "lcHash", "l5CstHash", "cMurmurHash"} {
		if !IsConsistentHash(name) {
			t.Fatalf("%s should be consistent-hash", name)
		}
	}
	for _, name := range []string{"weightedRandom", "localityAware", ""} {
		if IsConsistentHash(name) {
			t.Fatalf("%s should not be consistent-hash", name)
		}
	}
}

func TestSaltedVariantsProduceIndependentRings(t *testing.T) {
	set := testSet(6)
	a := NewSaltedRingHash(64, "l5CstHash")
	b := NewSaltedRingHash(64, "cMurmurHash")

	differs := false
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8"} {
		ia, err := a.Choose(set, model.LoadBalanceCriteria{HashKey: key})
		if err != nil {
			t.Fatalf("l5CstHash: %v", err)
		}
		ib, err := b.Choose(set, model.LoadBalanceCriteria{HashKey: key})
		if err != nil {
			t.Fatalf("cMurmurHash: %v", err)
		}
		if ia.ID != ib.ID {
			differs = true
		}
	}
	if !differs {
		t.Fatal("salted rings should not agree on every key")
	}
}
