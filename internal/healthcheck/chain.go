// Package healthcheck implements the health-checker chain: a list of
// probe plugins run on a schedule (consumer.healthCheck.when one of
// never/on_recover/always) whose verdicts back a router.HealthStatus so
// the route-filter pipeline can exclude probed-unhealthy instances, and
// whose breaker transitions occupy the circuit-breaker chain's owner
// slot as an implicit extra plugin.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/discovery/internal/breaker"
	"github.com/flowmesh/discovery/internal/model"
)

// When governs whether the chain's background probe loop runs at all.
type When int

const (
	WhenNever When = iota
	WhenOnRecover
	WhenAlways
)

// Checker is one probe plugin (TCP connect, HTTP GET, ...). Concrete
// adapters are supplied by the application; this library only defines
// the contract and the chain that drives it.
type Checker interface {
	Name() string
	Check(ctx context.Context, inst *model.Instance) (healthy bool, err error)
}

// Chain runs every configured Checker against every known instance on a
// timer, maintaining the verdict each instance's probes reached. A nil
// Chain (or WhenNever) means "every instance healthy", per
// consumer.healthCheck.when=never.
type Chain struct {
	When     When
	checkers []Checker

	mu     sync.RWMutex
	status map[string]bool // instance id -> last verdict (true = healthy)
}

func NewChain(when When, checkers ...Checker) *Chain {
	return &Chain{When: when, checkers: checkers, status: make(map[string]bool)}
}

// IsHealthy implements router.HealthStatus.
func (c *Chain) IsHealthy(instanceID string) bool {
	if c == nil || c.When == WhenNever {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	healthy, known := c.status[instanceID]
	if !known {
		return true // unprobed instances start healthy (optimistic default)
	}
	return healthy
}

// Probe runs every checker against inst and records the AND of their
// verdicts (any failing checker marks the instance unhealthy). When
// c.When is WhenAlways, the instance was last probed unhealthy and is
// now healthy (a recovery), and breakerChain is not nil, Probe asks the
// chain to move the instance's Open or HalfOpen breaker to Closed as
// plugin pluginIndex and then syncs through publisher. The chain accepts
// that only when no plugin other than pluginIndex owns the instance's
// state, so a breaker another plugin opened is not closed. Errors from
// individual checkers count as a failed probe, never abort the loop.
func (c *Chain) Probe(ctx context.Context, inst *model.Instance, breakerChain *breaker.Chain, pluginIndex int, publisher breaker.Publisher) bool {
	healthy := true
	for _, checker := range c.checkers {
		ok, err := checker.Check(ctx, inst)
		if err != nil || !ok {
			healthy = false
			break
		}
	}

	c.mu.Lock()
	was, known := c.status[inst.ID]
	c.status[inst.ID] = healthy
	c.mu.Unlock()

	if c.When == WhenAlways && known && !was && healthy && breakerChain != nil {
		status, _ := breakerChain.Data().StatusOf(inst.ID)
		if status == breaker.StatusOpen || status == breaker.StatusHalfOpen {
			breakerChain.Data().TranslateStatus(pluginIndex, inst.ID, status, breaker.StatusClosed)
			breakerChain.CheckAndSync(publisher)
		}
	}
	return healthy
}

// RunLoop runs every configured instance through Probe on period, until
// ctx is cancelled. When=WhenNever makes this a no-op; callers still
// safely start the goroutine.
func (c *Chain) RunLoop(ctx context.Context, period time.Duration, instances func() []*model.Instance, breakerChain *breaker.Chain, pluginIndex int, publisher breaker.Publisher) {
	if c.When == WhenNever || len(c.checkers) == 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range instances() {
				c.Probe(ctx, inst, breakerChain, pluginIndex, publisher)
			}
		}
	}
}
