package balancer

import (
	"math/rand/v2"

	"github.com/flowmesh/discovery/internal/model"
)

// SelectBackups implements the top-level backup-instance selection:
// given the chosen primary and a desired count n, produce up to n
// distinct, non-half-open, non-primary instances. Consistent-hash
// balancers walk the ring via increasing ReplicateIndex; every other
// balancer kind does a random-start scan of the candidate vector. The
// result may be shorter than n.
func SelectBackups(b Balancer, set *model.InstancesSet, primary *model.Instance, n int, criteria model.LoadBalanceCriteria) []*model.Instance {
	if n <= 0 || set.Len() == 0 {
		return nil
	}

	if IsConsistentHash(b.Name()) {
		return selectBackupsRing(b, set, primary, n, criteria)
	}
	return selectBackupsScan(set, primary, n)
}

func selectBackupsRing(b Balancer, set *model.InstancesSet, primary *model.Instance, n int, criteria model.LoadBalanceCriteria) []*model.Instance {
	backups := make([]*model.Instance, 0, n)
	seen := map[string]struct{}{}
	if primary != nil {
		seen[primary.ID] = struct{}{}
	}

	for replicate := 1; len(backups) < n && replicate <= set.Len()+1; replicate++ {
		c := criteria
		c.ReplicateIndex = replicate
		inst, err := b.Choose(set, c)
		if err != nil || inst == nil {
			break
		}
		if _, dup := seen[inst.ID]; dup {
			continue
		}
		if isHalfOpen(set, inst.ID) {
			continue
		}
		seen[inst.ID] = struct{}{}
		backups = append(backups, inst)
	}
	return backups
}

func selectBackupsScan(set *model.InstancesSet, primary *model.Instance, n int) []*model.Instance {
	total := set.Len()
	start := rand.IntN(total)
	backups := make([]*model.Instance, 0, n)
	for i := 0; i < total && len(backups) < n; i++ {
		inst := set.Instances[(start+i)%total]
		if primary != nil && inst.ID == primary.ID {
			continue
		}
		if isHalfOpen(set, inst.ID) {
			continue
		}
		backups = append(backups, inst)
	}
	return backups
}

func isHalfOpen(set *model.InstancesSet, id string) bool {
	if set.HalfOpenIDs == nil {
		return false
	}
	_, ok := set.HalfOpenIDs[id]
	return ok
}
