package breaker

import (
	"sync"
	"time"

	"github.com/flowmesh/discovery/internal/model"
)

// SetPublisher is the registry surface the set-level breaker needs.
type SetPublisher interface {
	SetSetBreakerStatus(service model.ServiceKey, label string, status model.SetBreakerStatus)
}

type setStats struct {
	windowStart time.Time
	total       int
	errors      int
	unhealthy   bool
}

// SetChain is the set-level analogue of Chain: keyed by a set-label
// (set-division is the library's only set-routing rule source, so the
// label alone identifies the rule), it aggregates call results across
// every instance sharing that label and publishes a single
// unhealthy/healthy verdict rather than per-instance state.
type SetChain struct {
	Service model.ServiceKey
	cfg     ErrorRateConfig

	mu      sync.Mutex
	stats   map[string]*setStats
	version uint64
}

func NewSetChain(service model.ServiceKey, cfg ErrorRateConfig) *SetChain {
	if cfg.RequestVolumeThreshold <= 0 {
		cfg.RequestVolumeThreshold = 20
	}
	if cfg.ErrorRatePercent <= 0 {
		cfg.ErrorRatePercent = 50
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	return &SetChain{Service: service, cfg: cfg, stats: make(map[string]*setStats)}
}

// Report feeds one call result's outcome for the set label the calling
// instance belongs to.
func (c *SetChain) Report(label string, success bool, at time.Time, publisher SetPublisher) {
	c.mu.Lock()
	st, ok := c.stats[label]
	if !ok || at.Sub(st.windowStart) > c.cfg.Window {
		st = &setStats{windowStart: at}
		c.stats[label] = st
	}
	st.total++
	if !success {
		st.errors++
	}

	wasUnhealthy := st.unhealthy
	if st.total >= c.cfg.RequestVolumeThreshold {
		st.unhealthy = st.errors*100/st.total >= c.cfg.ErrorRatePercent
		if !st.unhealthy {
			st.total, st.errors = 0, 0
		}
	}
	changed := wasUnhealthy != st.unhealthy
	if changed {
		c.version++
	}
	version := c.version
	unhealthy := st.unhealthy
	c.mu.Unlock()

	if changed {
		publisher.SetSetBreakerStatus(c.Service, label, model.SetBreakerStatus{Unhealthy: unhealthy, Version: version})
	}
}
