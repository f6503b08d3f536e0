package breaker

import (
	"time"

	"github.com/flowmesh/discovery/internal/model"
)

// CallResult is what the orchestrator's UpdateServiceCallResult feeds
// into the chain for every completed call.
type CallResult struct {
	InstanceID string
	Success    bool
	RetCode    int
	Latency    time.Duration
	Timestamp  time.Time
}

// Plugin is one circuit-breaker algorithm (error-count, error-rate, a
// health-checker acting as an implicit extra plugin, ...). Plugins
// never fail the calling request; worst case they omit an update, so
// these methods have no error return.
type Plugin interface {
	Name() string
	// OnCallResult inspects one call result and may attempt transitions
	// via data.TranslateStatus(pluginIndex, ...).
	OnCallResult(data *ChainData, pluginIndex int, result CallResult)
	// OnTimer runs on the breaker's configured check period; it may
	// promote Open→HalfOpen once an instance's sleep window has
	// elapsed, and purges its own per-instance stats for instances
	// exists reports gone.
	OnTimer(data *ChainData, pluginIndex int, exists func(id string) bool)
}

// Publisher is the registry's circuit-breaker-facing surface; kept
// minimal so breaker does not import internal/registry.
type Publisher interface {
	SetCircuitBreaker(service model.ServiceKey, snap model.BreakerSnapshot)
}

// DefaultHalfOpenBudget is how many probe calls a freshly half-opened
// instance is allowed before the plugin that owns it must decide to
// close or re-open, absent a more specific per-plugin override.
const DefaultHalfOpenBudget = 3

// Chain composes an ordered list of Plugins sharing one ChainData
// table and republishes the unhealthy set to the registry whenever the
// chain's version advances.
type Chain struct {
	Service          model.ServiceKey
	data             *ChainData
	plugins          []Plugin
	halfOpenBudget   int
}

func NewChain(service model.ServiceKey, plugins ...Plugin) *Chain {
	return &Chain{
		Service:        service,
		data:           NewChainData(),
		plugins:        plugins,
		halfOpenBudget: DefaultHalfOpenBudget,
	}
}

func (c *Chain) Data() *ChainData { return c.data }

// RealTime pushes one call result through every plugin in order, then
// republishes if any plugin caused the version to advance.
func (c *Chain) RealTime(result CallResult, publisher Publisher) {
	for i, p := range c.plugins {
		p.OnCallResult(c.data, i, result)
	}
	c.CheckAndSync(publisher)
}

// Timing runs the periodic check: each plugin gets a chance to promote
// Open→HalfOpen and purge stale state, then the chain republishes if
// needed.
func (c *Chain) Timing(exists func(id string) bool, publisher Publisher) {
	for i, p := range c.plugins {
		p.OnTimer(c.data, i, exists)
	}
	c.CheckAndSync(publisher)
}

// CheckAndSync compares the chain's current version against what was
// last published and, if it has advanced, builds a BreakerSnapshot and
// calls Publisher.SetCircuitBreaker, so the store's published version
// never lags a transition for more than one sync.
func (c *Chain) CheckAndSync(publisher Publisher) {
	version, dirty := c.data.NeedsPublish()
	if !dirty {
		return
	}

	open, halfOpen := c.data.Snapshot()
	snap := model.BreakerSnapshot{
		OpenSet:        toSet(open),
		HalfOpenBudget: toBudget(halfOpen, c.halfOpenBudget),
		Version:        version,
	}
	publisher.SetCircuitBreaker(c.Service, snap)
	c.data.MarkPublished(version)
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func toBudget(ids []string, budget int) map[string]int {
	out := make(map[string]int, len(ids))
	for _, id := range ids {
		out[id] = budget
	}
	return out
}
