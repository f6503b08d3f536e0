// Package balancer implements the pluggable load-balancer contract: a
// Balancer picks one instance from a prepared InstancesSet given
// per-call Criteria, and a shared backup-selection helper produces up
// to N additional distinct instances for a response that asked for
// backups.
package balancer

import (
	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/model"
)

// Balancer is the external-plugin contract. For consistent-hash
// balancers, ReplicateIndex>=1 in the criteria selects the i-th
// distinct neighbour on the ring (used for backup selection); other
// balancer kinds ignore ReplicateIndex entirely.
type Balancer interface {
	Name() string
	Choose(set *model.InstancesSet, criteria model.LoadBalanceCriteria) (*model.Instance, error)
}

// errNoInstance builds the error (an *errs.Error of KindInstanceNotFound)
// a balancer returns when it has no candidate left to choose from.
func errNoInstance(name string) error {
	return errs.New(errs.KindInstanceNotFound, name+": no candidate instance available")
}

// IsConsistentHash reports whether a balancer name belongs to the
// ring-style family, for which backup selection walks the hash ring
// instead of randomly scanning the candidate vector.
func IsConsistentHash(name string) bool {
	switch name {
	case "ringHash", "maglev", "lcHash", "l5CstHash", "cMurmurHash":
		return true
	default:
		return false
	}
}
