// Package servicecontext bundles everything one service needs at call
// time: the configured route-filter pipeline, the default load balancer
// plus on-demand side balancers, the circuit-breaker and health-checker
// chains, the slow-start weight adjuster, and atomic pointers to the
// currently prepared instance and route-rule snapshots.
package servicecontext

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh/discovery/internal/balancer"
	"github.com/flowmesh/discovery/internal/breaker"
	"github.com/flowmesh/discovery/internal/config"
	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/healthcheck"
	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/pluginregistry"
	"github.com/flowmesh/discovery/internal/registry"
	"github.com/flowmesh/discovery/internal/router"
	"github.com/flowmesh/discovery/internal/weightadjust"
)

// Context is the per-service singleton the orchestrator creates lazily
// on first use and keeps until the cache-clear TTL evicts it.
type Context struct {
	Key model.ServiceKey
	cfg config.Consumer

	pipeline *router.Pipeline
	filters  []router.Filter

	defaultBalancer balancer.Balancer

	balancerMu sync.Mutex
	balancers  map[string]balancer.Balancer

	BreakerChain *breaker.Chain
	SetChain     *breaker.SetChain
	Health       *healthcheck.Chain
	Adjuster     *weightadjust.Adjuster

	instances  atomic.Pointer[model.ServiceData]
	routeRules atomic.Pointer[model.ServiceData]

	// baseSet memoizes the pipeline's starting InstancesSet for the
	// current instance snapshot, so repeated calls against the same
	// snapshot present the same input pointer to every filter cache.
	baseSet atomic.Pointer[model.InstancesSet]

	// cacheUpdates is the pending set of per-call routing inputs whose
	// filter caches should be re-primed when the breaker version
	// advances; each entry remembers why it was recorded.
	cacheUpdateMu sync.Mutex
	cacheUpdates  map[*model.RouteInfo]string
}

// New builds a Context for key from an already service-merged Consumer
// section. An unknown router or breaker plugin name in the configured
// chains surfaces as a PluginError.
func New(key model.ServiceKey, cfg config.Consumer) (*Context, error) {
	c := &Context{
		Key:          key,
		cfg:          cfg,
		balancers:    make(map[string]balancer.Balancer),
		cacheUpdates: make(map[*model.RouteInfo]string),
		Health:       healthcheck.NewChain(parseWhen(cfg.HealthCheck.When)),
		Adjuster: weightadjust.New(weightadjust.Config{
			Window:           cfg.WeightAdjuster.Window,
			StepSize:         cfg.WeightAdjuster.StepSize,
			Aggression:       cfg.WeightAdjuster.Aggression,
			MinWeightPercent: cfg.WeightAdjuster.MinWeightPercent,
		}),
	}

	if cfg.ServiceRouter.Enable {
		for _, name := range cfg.ServiceRouter.Chain {
			f, err := c.buildFilter(name)
			if err != nil {
				return nil, err
			}
			c.filters = append(c.filters, f)
		}
	}
	c.pipeline = router.NewPipeline(c.filters...)

	lbType := cfg.LoadBalancer.Type
	if lbType == "" {
		lbType = "weightedRandom"
	}
	lb, err := c.BalancerFor(lbType)
	if err != nil {
		return nil, err
	}
	c.defaultBalancer = lb

	if cfg.CircuitBreaker.Enable {
		var plugins []breaker.Plugin
		for _, name := range cfg.CircuitBreaker.Chain {
			raw, err := pluginregistry.New(pluginregistry.KindCircuitBreaker, name, nil)
			if err != nil {
				return nil, err
			}
			plugin, ok := raw.(breaker.Plugin)
			if !ok {
				return nil, errs.New(errs.KindPluginError, fmt.Sprintf("plugin %q is not a circuit breaker", name))
			}
			plugins = append(plugins, plugin)
		}
		c.BreakerChain = breaker.NewChain(key, plugins...)
		if cfg.CircuitBreaker.SetCircuitBreaker.Enable {
			c.SetChain = breaker.NewSetChain(key, breaker.ErrorRateConfig{})
		}
	}

	return c, nil
}

func (c *Context) buildFilter(name string) (router.Filter, error) {
	sr := c.cfg.ServiceRouter
	switch name {
	case "ruleBasedRouter":
		return router.NewRuleFilter(), nil
	case "nearbyBasedRouter":
		return router.NewNearbyFilter(router.NearbyConfig{
			MatchLevel:                      parseLocality(sr.MatchLevel, router.LocalityZone),
			MaxMatchLevel:                   parseLocality(sr.MaxMatchLevel, router.LocalityAll),
			StrictNearby:                    sr.StrictNearby,
			EnableDegradeByUnhealthyPercent: sr.EnableDegradeByUnhealthyPercent,
			UnhealthyPercentToDegrade:       sr.UnhealthyPercentToDegrade,
			EnableRecoverAll:                sr.EnableRecoverAll,
		}, c.Health, nil), nil
	case "setDivisionRouter":
		return router.NewSetDivisionFilter(), nil
	case "canaryRouter":
		return router.NewCanaryFilter(c.Health), nil
	case "metadataRouter":
		return router.NewMetadataFilter(router.FailoverNone), nil
	default:
		return nil, errs.New(errs.KindPluginError, fmt.Sprintf("no service router registered under name %q", name))
	}
}

// SetRecoverAllReporter rebuilds the nearby filter with a live monitor
// reporter. Called once by the orchestrator after it constructs its
// stats sink, before the context serves any call.
func (c *Context) SetRecoverAllReporter(reporter router.RecoverAllReporter) {
	sr := c.cfg.ServiceRouter
	for i, f := range c.filters {
		if f.Name() == "nearbyBasedRouter" {
			c.filters[i] = router.NewNearbyFilter(router.NearbyConfig{
				MatchLevel:                      parseLocality(sr.MatchLevel, router.LocalityZone),
				MaxMatchLevel:                   parseLocality(sr.MaxMatchLevel, router.LocalityAll),
				StrictNearby:                    sr.StrictNearby,
				EnableDegradeByUnhealthyPercent: sr.EnableDegradeByUnhealthyPercent,
				UnhealthyPercentToDegrade:       sr.UnhealthyPercentToDegrade,
				EnableRecoverAll:                sr.EnableRecoverAll,
			}, c.Health, reporter)
		}
	}
	c.pipeline = router.NewPipeline(c.filters...)
}

func parseWhen(s string) healthcheck.When {
	switch s {
	case "on_recover":
		return healthcheck.WhenOnRecover
	case "always":
		return healthcheck.WhenAlways
	default:
		return healthcheck.WhenNever
	}
}

func parseLocality(s string, fallback router.Locality) router.Locality {
	switch s {
	case "campus":
		return router.LocalityCampus
	case "zone":
		return router.LocalityZone
	case "region":
		return router.LocalityRegion
	case "all":
		return router.LocalityAll
	default:
		return fallback
	}
}

// BalancerFor returns the balancer registered under name, constructing
// it on first use and memoizing it in the context's side map.
func (c *Context) BalancerFor(name string) (balancer.Balancer, error) {
	c.balancerMu.Lock()
	defer c.balancerMu.Unlock()
	if lb, ok := c.balancers[name]; ok {
		return lb, nil
	}
	var pluginCfg any
	if c.cfg.LoadBalancer.VnodeCount > 0 {
		pluginCfg = balancer.RingHashConfig{VnodeCount: c.cfg.LoadBalancer.VnodeCount}
	}
	raw, err := pluginregistry.New(pluginregistry.KindLoadBalancer, name, pluginCfg)
	if err != nil {
		return nil, err
	}
	lb, ok := raw.(balancer.Balancer)
	if !ok {
		return nil, errs.New(errs.KindPluginError, fmt.Sprintf("plugin %q is not a load balancer", name))
	}
	c.balancers[name] = lb
	return lb, nil
}

// DefaultBalancer returns the balancer configured by
// consumer.loadBalancer.type.
func (c *Context) DefaultBalancer() balancer.Balancer {
	return c.defaultBalancer
}

// Prepare wires the current instance and route-rule snapshots into info,
// subscribing any missing kind through the registry. It returns a
// non-nil notify when at least one kind is still pending, so the caller
// can block on it (or hand it to an async future). A published NotFound
// for the instances kind is reported as ServiceNotFound.
func (c *Context) Prepare(ctx context.Context, info *model.RouteInfo, reg *registry.Registry, fetcher registry.Fetcher) (*model.RouteInfoNotify, error) {
	notify := model.NewRouteInfoNotify()
	pending := false

	instWaiter := reg.LoadOrSubscribe(ctx, model.DataKey{Service: c.Key, Kind: model.KindInstances}, fetcher)
	if instWaiter.Ready(true) {
		data, _ := instWaiter.Result()
		if data == nil || data.Status == model.StatusNotFound {
			return nil, errs.New(errs.KindServiceNotFound, c.Key.String()+": service not found")
		}
		data.AddRef()
		info.InstancesData = data
		c.instances.Store(data)
	} else {
		notify.SetTargetInstances(instWaiter)
		pending = true
	}

	if c.cfg.ServiceRouter.Enable && !info.SkipRouting {
		ruleWaiter := reg.LoadOrSubscribe(ctx, model.DataKey{Service: c.Key, Kind: model.KindRouteRule}, fetcher)
		if ruleWaiter.Ready(true) {
			if data, _ := ruleWaiter.Result(); data != nil && data.Status != model.StatusNotFound {
				data.AddRef()
				info.RouteRuleData = data
				c.routeRules.Store(data)
			}
		} else {
			notify.SetTargetRules(ruleWaiter)
			pending = true
		}

		if info.Source != nil && !info.Source.Service.Empty() {
			srcWaiter := reg.LoadOrSubscribe(ctx, model.DataKey{Service: info.Source.Service, Kind: model.KindRouteRule}, fetcher)
			if srcWaiter.Ready(true) {
				if data, _ := srcWaiter.Result(); data != nil && data.Status != model.StatusNotFound {
					data.AddRef()
					info.SourceRuleData = data
				}
			} else {
				notify.SetSourceRules(srcWaiter)
				pending = true
			}
		}
	}

	if pending {
		return notify, nil
	}
	return nil, nil
}

// DoRoute runs the route-filter pipeline over the prepared snapshots in
// info and returns the surviving set, with the unfit and half-open
// partitions recorded on it for the balancing step. With routing
// disabled or skipped for this call, only the health/breaker partition
// applies.
func (c *Context) DoRoute(info *model.RouteInfo, svc *model.Service) (*model.InstancesSet, error) {
	if info.InstancesData == nil {
		return nil, errs.New(errs.KindNotInit, c.Key.String()+": no instance data prepared")
	}
	version := svc.Breaker().Version
	start := c.baseSet.Load()
	if start == nil || start.Source != info.InstancesData {
		start = model.NewInstancesSet(info.InstancesData.Instances(), info.InstancesData)
		c.baseSet.Store(start)
	}

	current := start
	if c.cfg.ServiceRouter.Enable && !info.SkipRouting {
		out, err := c.pipeline.Run(info, svc, version, start)
		if err != nil {
			return nil, err
		}
		current = out
		c.recordCacheUpdate(info, "route")
	}

	return c.finishSet(current, start, info, svc), nil
}

// finishSet applies the final health/breaker partition to the pipeline's
// survivors so the balancer only ever sees fit candidates, with the
// half-open set carried alongside for probe policy. The unfit and
// half-open partitions are taken from base, the unrouted snapshot,
// since the filters leave those instances out of their output.
func (c *Context) finishSet(set, base *model.InstancesSet, info *model.RouteInfo, svc *model.Service) *model.InstancesSet {
	includeUnhealthy := info.IncludeUnhealthy || set.RecoverAll
	candidates, _, _ := router.Partition(svc, set.Instances, includeUnhealthy, info.IncludeCircuitOpen, c.Health)
	_, unfit, halfOpen := router.Partition(svc, base.Instances, includeUnhealthy, info.IncludeCircuitOpen, c.Health)

	out := set.WithSubset(candidates, set.SubsetLabels, set.RecoverAll)
	out.HalfOpenIDs = make(map[string]struct{}, len(halfOpen))
	for _, in := range halfOpen {
		out.HalfOpenIDs[in.ID] = struct{}{}
	}
	out.UnhealthyIDs = make(map[string]struct{}, len(unfit))
	for _, in := range unfit {
		out.UnhealthyIDs[in.ID] = struct{}{}
	}
	out.HalfOpenInstances = halfOpen
	return out
}

// Instances returns the most recently prepared instance snapshot, which
// may lag the registry by one publish until the next Prepare.
func (c *Context) Instances() *model.ServiceData {
	return c.instances.Load()
}

// RouteRules returns the most recently prepared route-rule snapshot.
func (c *Context) RouteRules() *model.ServiceData {
	return c.routeRules.Load()
}

// UpdateInstances swaps the context's instance pointer after a registry
// publish and feeds the new instance list to the weight adjuster so
// fresh instances begin their slow-start ramp.
func (c *Context) UpdateInstances(data *model.ServiceData) {
	c.instances.Store(data)
	if data != nil {
		c.Adjuster.Observe(data.Instances(), time.Now())
	}
}

// UpdateRoutings swaps the context's route-rule pointer.
func (c *Context) UpdateRoutings(data *model.ServiceData) {
	c.routeRules.Store(data)
}

func (c *Context) recordCacheUpdate(info *model.RouteInfo, reason string) {
	// A shallow copy outlives the caller's Release of the original, so
	// the re-prime pass still sees the snapshot pointers it routed
	// against. The snapshot object stays valid as long as anything
	// references it.
	snapshot := *info
	c.cacheUpdateMu.Lock()
	defer c.cacheUpdateMu.Unlock()
	if len(c.cacheUpdates) >= 64 {
		return
	}
	c.cacheUpdates[&snapshot] = reason
}

// UpdateCircuitBreaker re-runs the pipeline for every recorded routing
// input at the new breaker version, re-priming each filter's cache so
// the next real call at that version hits.
func (c *Context) UpdateCircuitBreaker(svc *model.Service) {
	c.cacheUpdateMu.Lock()
	recorded := c.cacheUpdates
	c.cacheUpdates = make(map[*model.RouteInfo]string)
	c.cacheUpdateMu.Unlock()

	for info := range recorded {
		if info.InstancesData == nil {
			continue
		}
		start := c.baseSet.Load()
		if start == nil || start.Source != info.InstancesData {
			continue // snapshot moved on; the next live call re-primes
		}
		_, _ = c.pipeline.Run(info, svc, svc.Breaker().Version, start)
	}
}

// ExistsChecker returns the instance-existence predicate the breaker
// chain's timing pass uses to purge stats about gone instances.
func (c *Context) ExistsChecker() func(id string) bool {
	return func(id string) bool {
		data := c.instances.Load()
		if data == nil {
			return false
		}
		for _, in := range data.Instances() {
			if in.ID == id {
				return true
			}
		}
		return false
	}
}
