package router

import "github.com/flowmesh/discovery/internal/model"

// CanaryFilter prefers, for a request carrying a canary tag,
// canary-matching healthy instances, then non-canary healthy, then
// canary-matching unhealthy, then any unhealthy. Without a tag,
// non-canary healthy instances come first.
type CanaryFilter struct {
	health HealthStatus
	cache  *filterCache
}

func NewCanaryFilter(health HealthStatus) *CanaryFilter {
	return &CanaryFilter{health: health, cache: newFilterCache()}
}

func (f *CanaryFilter) Name() string { return "canaryRouter" }

func (f *CanaryFilter) CalculateResult(info *model.RouteInfo, svc *model.Service, breakerVersion uint64, in *model.InstancesSet) (*model.InstancesSet, error) {
	key := cacheKey{input: in, breakerVersion: breakerVersion, flags: info.RouterFlags, extra: "canary:" + info.CanaryTag + "|" + includeFlags(info)}
	if out, ok := f.cache.get(key); ok {
		return out, nil
	}

	healthy, unhealthy, _ := Partition(svc, in.Instances, info.IncludeUnhealthy, info.IncludeCircuitOpen, f.health)
	var canaryHealthy, nonCanaryHealthy, canaryUnhealthy, nonCanaryUnhealthy []*model.Instance
	for _, inst := range healthy {
		if isCanary(inst, info.CanaryTag) {
			canaryHealthy = append(canaryHealthy, inst)
		} else {
			nonCanaryHealthy = append(nonCanaryHealthy, inst)
		}
	}
	for _, inst := range unhealthy {
		if isCanary(inst, info.CanaryTag) {
			canaryUnhealthy = append(canaryUnhealthy, inst)
		} else {
			nonCanaryUnhealthy = append(nonCanaryUnhealthy, inst)
		}
	}

	var tiers [][]*model.Instance
	if info.CanaryTag != "" {
		tiers = [][]*model.Instance{canaryHealthy, nonCanaryHealthy, canaryUnhealthy, nonCanaryUnhealthy}
	} else {
		tiers = [][]*model.Instance{nonCanaryHealthy, canaryHealthy, nonCanaryUnhealthy, canaryUnhealthy}
	}

	var chosen []*model.Instance
	for _, tier := range tiers {
		if len(tier) > 0 {
			chosen = tier
			break
		}
	}

	out := in.WithSubset(chosen, in.SubsetLabels, false)
	f.cache.put(key, out)
	return out, nil
}

func isCanary(inst *model.Instance, tag string) bool {
	if tag == "" {
		return inst.Metadata["canary"] != ""
	}
	return inst.Metadata["canary"] == tag
}
