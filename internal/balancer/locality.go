package balancer

import (
	"math/rand/v2"
	"sync"

	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/pluginregistry"
)

func init() {
	pluginregistry.Register(pluginregistry.KindLoadBalancer, "localityAware", func(any) (any, error) {
		return NewLocalityAware(), nil
	})
}

// LocalityAware is a weighted-random balancer whose effective weight
// is discounted by each instance's locality feedback score, an opaque
// value only this balancer writes and reads. A caller-supplied feedback
// loop (e.g. observed tail latency per instance) raises the score to
// steer future picks away from instances it is currently unhappy with,
// without touching the instance's static or slow-start weight.
type LocalityAware struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func NewLocalityAware() *LocalityAware {
	return &LocalityAware{rand: rand.New(rand.NewPCG(11, 17))}
}

func (b *LocalityAware) Name() string { return "localityAware" }

func (b *LocalityAware) Choose(set *model.InstancesSet, _ model.LoadBalanceCriteria) (*model.Instance, error) {
	if set.Len() == 0 {
		return nil, errNoInstance(b.Name())
	}

	weights := make([]int, set.Len())
	total := 0
	for i, in := range set.Instances {
		w := in.DynamicWeight()
		if w < 0 {
			w = 0
		}
		// Feedback score is a penalty in [0, 100]; higher feedback
		// shrinks the effective weight but never eliminates an instance
		// outright (a zero-feedback tie still needs a candidate).
		penalty := in.LocalityScore()
		if penalty > 99 {
			penalty = 99
		}
		if penalty < 0 {
			penalty = 0
		}
		effective := w * int(100-penalty) / 100
		if effective == 0 && w > 0 {
			effective = 1
		}
		weights[i] = effective
		total += effective
	}

	if total == 0 {
		b.mu.Lock()
		idx := b.rand.IntN(set.Len())
		b.mu.Unlock()
		return set.Instances[idx], nil
	}

	b.mu.Lock()
	pick := b.rand.IntN(total)
	b.mu.Unlock()
	for i, w := range weights {
		if pick < w {
			return set.Instances[i], nil
		}
		pick -= w
	}
	return set.Instances[set.Len()-1], nil
}
