package balancer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/pluginregistry"
)

func init() {
	pluginregistry.Register(pluginregistry.KindLoadBalancer, "ringHash", func(cfg any) (any, error) {
		vnodes := DefaultVnodeCount
		if c, ok := cfg.(RingHashConfig); ok && c.VnodeCount > 0 {
			vnodes = c.VnodeCount
		}
		return NewRingHash(vnodes), nil
	})
}

// DefaultVnodeCount is the ring's virtual-node density when
// consumer.loadBalancer.vnodeCount doesn't override it.
const DefaultVnodeCount = 160

type RingHashConfig struct {
	VnodeCount int
}

type ringEntry struct {
	hash     uint64
	instance *model.Instance
}

// RingHash is a consistent-hash balancer over xxhash-keyed virtual
// nodes. For ReplicateIndex>=1, Choose returns the i-th distinct
// neighbour walking clockwise from the request's hash position, which
// is exactly how backup selection asks for the next distinct instance
// on the ring.
type RingHash struct {
	vnodes int
	salt   string
	name   string

	mu    sync.Mutex
	built *builtRing
}

type builtRing struct {
	forSet  *model.InstancesSet
	entries []ringEntry
}

func NewRingHash(vnodes int) *RingHash {
	if vnodes <= 0 {
		vnodes = DefaultVnodeCount
	}
	return &RingHash{vnodes: vnodes}
}

func (b *RingHash) Name() string {
	if b.name != "" {
		return b.name
	}
	return "ringHash"
}

func (b *RingHash) ring(set *model.InstancesSet) []ringEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built != nil && b.built.forSet == set {
		return b.built.entries
	}

	entries := make([]ringEntry, 0, set.Len()*b.vnodes)
	for _, in := range set.Instances {
		for v := 0; v < b.vnodes; v++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s%s-%d", b.salt, in.ID, v))
			entries = append(entries, ringEntry{hash: h, instance: in})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	b.built = &builtRing{forSet: set, entries: entries}
	return entries
}

func (b *RingHash) Choose(set *model.InstancesSet, criteria model.LoadBalanceCriteria) (*model.Instance, error) {
	if set.Len() == 0 {
		return nil, errNoInstance(b.Name())
	}
	entries := b.ring(set)
	key := xxhash.Sum64String(criteria.HashKey)

	pos := sort.Search(len(entries), func(i int) bool { return entries[i].hash >= key })
	replicate := criteria.ReplicateIndex
	if replicate < 1 {
		replicate = 1
	}

	seen := make(map[string]struct{}, replicate)
	for steps := 0; steps < len(entries); steps++ {
		idx := (pos + steps) % len(entries)
		inst := entries[idx].instance
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
