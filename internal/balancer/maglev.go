package balancer

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/pluginregistry"
)

func init() {
	pluginregistry.Register(pluginregistry.KindLoadBalancer, "maglev", func(any) (any, error) {
		return NewMaglev(DefaultMaglevTableSize), nil
	})
}

// DefaultMaglevTableSize is a small prime, large enough for even
// distribution at the instance counts a single service typically has.
const DefaultMaglevTableSize = 65537

// Maglev implements Google's Maglev consistent-hash lookup table:
// each instance gets a permutation over table slots derived from two
// independent hashes of its id, and slots are filled by round-robin
// preference so that removing one instance perturbs only its own
// slots. ReplicateIndex>=1 walks forward from the primary slot for the
// i-th distinct backend, so maglev honours the same neighbour-walking
// contract as the rest of the ring-hash family during backup
// selection.
type Maglev struct {
	size int

	mu    sync.Mutex
	built *maglevTable
}

type maglevTable struct {
	forSet *model.InstancesSet
	lookup []*model.Instance
}

func NewMaglev(size int) *Maglev {
	if size <= 0 {
		size = DefaultMaglevTableSize
	}
	return &Maglev{size: size}
}

func (b *Maglev) Name() string { return "maglev" }

func (b *Maglev) table(set *model.InstancesSet) []*model.Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built != nil && b.built.forSet == set {
		return b.built.lookup
	}
	b.built = &maglevTable{forSet: set, lookup: b.build(set)}
	return b.built.lookup
}

func (b *Maglev) build(set *model.InstancesSet) []*model.Instance {
	n := set.Len()
	lookup := make([]*model.Instance, b.size)
	if n == 0 {
		return lookup
	}

	offset := make([]int, n)
	skip := make([]int, n)
	for i, in := range set.Instances {
		h1 := xxhash.Sum64String(in.ID + "#offset")
		h2 := xxhash.Sum64String(in.ID + "#skip")
		offset[i] = int(h1 % uint64(b.size))
		skip[i] = int(h2%uint64(b.size-1)) + 1
	}

	next := make([]int, n)
	filled := 0
	for slot := range lookup {
		lookup[slot] = nil
	}
	for filled < b.size {
		for i := 0; i < n && filled < b.size; i++ {
			c := (offset[i] + next[i]*skip[i]) % b.size
			for lookup[c] != nil {
				next[i]++
				c = (offset[i] + next[i]*skip[i]) % b.size
			}
			lookup[c] = set.Instances[i]
			next[i]++
			filled++
		}
	}
	return lookup
}

func (b *Maglev) Choose(set *model.InstancesSet, criteria model.LoadBalanceCriteria) (*model.Instance, error) {
	if set.Len() == 0 {
		return nil, errNoInstance(b.Name())
	}
	lookup := b.table(set)
	pos := int(xxhash.Sum64String(criteria.HashKey) % uint64(len(lookup)))

	replicate := criteria.ReplicateIndex
	if replicate < 1 {
		replicate = 1
	}

	seen := make(map[string]struct{}, replicate)
	for steps := 0; steps < len(lookup); steps++ {
		idx := (pos + steps) % len(lookup)
		inst := lookup[idx]
		if inst == nil {
			continue
		}
		if _, already := seen[inst.ID]; already {
			continue
		}
		seen[inst.ID] = struct{}{}
		if len(seen) == replicate {
			return inst, nil
		}
	}
	return nil, errNoInstance(b.Name())
}
