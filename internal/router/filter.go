package router

import (
	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/model"
)

// RecoverAllReporter receives the recover-all monitor events: exactly
// one start event per false->true transition and one end event per
// true->false transition, per (service, subset-label).
type RecoverAllReporter interface {
	RecoverAllStart(service model.ServiceKey, subsetLabel string)
	RecoverAllEnd(service model.ServiceKey, subsetLabel string)
}

// NopReporter discards recover-all events; used when no monitor is wired.
type NopReporter struct{}

func (NopReporter) RecoverAllStart(model.ServiceKey, string) {}
func (NopReporter) RecoverAllEnd(model.ServiceKey, string)   {}

// Filter is one stage of the route-filter pipeline. Each filter reads
// the previous stage's InstancesSet out of info and returns the
// (possibly shrunk) set that becomes the next stage's input. A filter
// that cannot produce a result signals so via an *errs.Error
// (KindRouteRuleNotMatch, KindServiceNotFound); any other error aborts
// the pipeline unchanged.
type Filter interface {
	Name() string
	CalculateResult(info *model.RouteInfo, svc *model.Service, breakerVersion uint64, in *model.InstancesSet) (*model.InstancesSet, error)
}

// Pipeline is the ordered chain of filters configured from
// consumer.serviceRouter.chain. Filters may toggle each other off via
// info.RouterFlags (set-division clearing RouterFlagNearbyEnabled); a
// filter that finds itself disabled for this call is a no-op pass
// through.
type Pipeline struct {
	filters []Filter
}

// NewPipeline builds a chain in the given order. An unknown filter
// name is the plugin registry's concern; Pipeline itself only orders
// whatever filters it is handed.
func NewPipeline(filters ...Filter) *Pipeline {
	return &Pipeline{filters: filters}
}

// Run executes every filter in order, threading the result through
// info, aborting early on KindRouteRuleNotMatch or
// KindServiceNotFound. The final InstancesSet is returned for the
// caller's balancing step.
func (p *Pipeline) Run(info *model.RouteInfo, svc *model.Service, breakerVersion uint64, start *model.InstancesSet) (*model.InstancesSet, error) {
	current := start
	for _, f := range p.filters {
		if f.Name() == "nearbyBasedRouter" && !info.RouterFlags.NearbyEnabled() {
			continue
		}
		out, err := f.CalculateResult(info, svc, breakerVersion, current)
		if err != nil {
			if e, ok := err.(*errs.Error); ok && (e.Kind == errs.KindRouteRuleNotMatch || e.Kind == errs.KindServiceNotFound) {
				return nil, err
			}
			return nil, err
		}
		current = out
	}
	return current, nil
}
