package balancer

import (
	"math/rand/v2"
	"sync"

	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/pluginregistry"
)

func init() {
	pluginregistry.Register(pluginregistry.KindLoadBalancer, "weightedRandom", func(any) (any, error) {
		return NewWeightedRandom(), nil
	})
}

// WeightedRandom picks an instance with probability proportional to
// its current dynamic weight; this is the library's default when
// consumer.loadBalancer.type is unset.
type WeightedRandom struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{rand: rand.New(rand.NewPCG(7, 13))}
}

func (b *WeightedRandom) Name() string { return "weightedRandom" }

func (b *WeightedRandom) Choose(set *model.InstancesSet, _ model.LoadBalanceCriteria) (*model.Instance, error) {
	if set.Len() == 0 {
		return nil, errNoInstance(b.Name())
	}

	total := 0
	for _, in := range set.Instances {
		w := in.DynamicWeight()
		if w < 0 {
			w = 0
		}
		total += w
	}
	if total == 0 {
		// every instance weighted to zero: fall back to uniform choice
		// rather than returning not-found, since the candidates are
		// still viable routing targets.
		b.mu.Lock()
		idx := b.rand.IntN(set.Len())
		b.mu.Unlock()
		return set.Instances[idx], nil
	}

	b.mu.Lock()
	pick := b.rand.IntN(total)
	b.mu.Unlock()
	for _, in := range set.Instances {
		w := in.DynamicWeight()
		if w < 0 {
			w = 0
		}
		if pick < w {
			return in, nil
		}
		pick -= w
	}
	return set.Instances[set.Len()-1], nil
}
