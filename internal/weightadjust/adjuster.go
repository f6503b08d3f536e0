// Package weightadjust implements the slow-start weight adjuster: a
// newly appeared instance starts at a fraction of its static weight and
// is ramped back up over a configured window using an aggression
// exponent, so a cold instance doesn't immediately take a full share of
// traffic.
package weightadjust

import (
	"math"
	"sync"
	"time"

	"github.com/flowmesh/discovery/internal/model"
)

// Config mirrors consumer.weightAdjuster's configuration surface.
type Config struct {
	Window         time.Duration
	StepSize       time.Duration
	Aggression     float64
	MinWeightPercent int // 0-100
}

func (c Config) normalized() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.StepSize <= 0 {
		c.StepSize = time.Second
	}
	if c.Aggression <= 0 {
		c.Aggression = 1.0
	}
	if c.MinWeightPercent <= 0 {
		c.MinWeightPercent = 10
	}
	return c
}

type ramp struct {
	start    time.Time
	instance *model.Instance
}

// Adjuster tracks every instance currently ramping and advances their
// dynamic weight on each Tick. Instances not currently ramping are
// untouched; their dynamic weight already equals their static weight.
//
// No cache-invalidation version bump is needed here: every load
// balancer that cares about weight (internal/balancer.WeightedRandom,
// LocalityAware) reads Instance.DynamicWeight() live at choose-time
// rather than snapshotting it into a cached table, so a ramp step is
// visible to the very next Choose call without any extra signaling.
type Adjuster struct {
	cfg Config

	mu    sync.Mutex
	ramps map[string]*ramp
}

func New(cfg Config) *Adjuster {
	return &Adjuster{cfg: cfg.normalized(), ramps: make(map[string]*ramp)}
}

// Observe is called whenever a new Instances publish appears; any
// instance id not previously seen starts its slow-start ramp at
// MinWeightPercent of its static weight.
func (a *Adjuster) Observe(instances []*model.Instance, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		seen[inst.ID] = struct{}{}
		if _, ramping := a.ramps[inst.ID]; ramping {
			continue
		}
		// A never-seen id always starts a ramp, even if its dynamic
		// weight already equals the static weight: there is no durable
		// record across restarts, and the floor only applies for one
		// window.
		start := inst.Weight * a.cfg.MinWeightPercent / 100
		inst.SetDynamicWeight(start)
		a.ramps[inst.ID] = &ramp{start: now, instance: inst}
	}

	// Drop ramps for instances no longer present.
	for id := range a.ramps {
		if _, ok := seen[id]; !ok {
			delete(a.ramps, id)
		}
	}
}

// Tick advances every active ramp by one step, using
// factor = time_fraction^(1/aggression).
func (a *Adjuster) Tick(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, r := range a.ramps {
		elapsed := now.Sub(r.start)
		if elapsed >= a.cfg.Window {
			r.instance.SetDynamicWeight(r.instance.Weight)
			delete(a.ramps, id)
			continue
		}
		fraction := float64(elapsed) / float64(a.cfg.Window)
		factor := math.Pow(fraction, 1.0/a.cfg.Aggression)
		minW := float64(r.instance.Weight * a.cfg.MinWeightPercent / 100)
		w := minW + factor*(float64(r.instance.Weight)-minW)
		r.instance.SetDynamicWeight(int(w))
	}
}
