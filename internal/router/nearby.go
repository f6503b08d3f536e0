package router

import (
	"sync"

	"github.com/flowmesh/discovery/internal/model"
)

// Locality is a match level the nearby filter can promote to or degrade
// from, ordered finest-first.
type Locality int

const (
	LocalityCampus Locality = iota
	LocalityZone
	LocalityRegion
	LocalityAll // no locality constraint; last-resort fallback
)

// NearbyConfig mirrors consumer.serviceRouter's per-filter nearby
// sub-config.
type NearbyConfig struct {
	MatchLevel                  Locality
	MaxMatchLevel                Locality // broadest level the filter is allowed to degrade to
	StrictNearby                 bool
	EnableDegradeByUnhealthyPercent bool
	UnhealthyPercentToDegrade     int // 0-100
	EnableRecoverAll              bool
}

// NearbyFilter promotes only instances at the configured locality,
// degrading one level at a time when the unhealthy ratio at that level
// exceeds a threshold. Serving from any broader level than the
// configured one flags the result RecoverAll, as does the final
// fallback (with EnableRecoverAll) of returning every instance, healthy
// or not, at the broadest level MaxMatchLevel allows.
type NearbyFilter struct {
	cfg      NearbyConfig
	health   HealthStatus
	reporter RecoverAllReporter
	cache    *filterCache

	mu           sync.Mutex
	recoverState map[string]bool // subset-label -> currently in recover-all
}

func NewNearbyFilter(cfg NearbyConfig, health HealthStatus, reporter RecoverAllReporter) *NearbyFilter {
	if reporter == nil {
		reporter = NopReporter{}
	}
	return &NearbyFilter{cfg: cfg, health: health, reporter: reporter, cache: newFilterCache(), recoverState: make(map[string]bool)}
}

func (f *NearbyFilter) Name() string { return "nearbyBasedRouter" }

func (f *NearbyFilter) CalculateResult(info *model.RouteInfo, svc *model.Service, breakerVersion uint64, in *model.InstancesSet) (*model.InstancesSet, error) {
	caller := localityOf(info)

	key := cacheKey{input: in, breakerVersion: breakerVersion, flags: info.RouterFlags, extra: "nearby:" + caller.Region + "|" + caller.Zone + "|" + caller.Campus + "|" + includeFlags(info)}
	if out, ok := f.cache.get(key); ok {
		return out, nil
	}

	level := f.cfg.MatchLevel
	if level < LocalityCampus {
		level = LocalityCampus
	}
	initialLevel := level

	var chosen []*model.Instance
	recoverAll := false
	for {
		scoped := scopeByLocality(in.Instances, caller, level)
		candidates, unfit, _ := Partition(svc, scoped, info.IncludeUnhealthy, info.IncludeCircuitOpen, f.health)

		total := len(candidates) + len(unfit)
		unhealthyPct := 0
		if total > 0 {
			unhealthyPct = len(unfit) * 100 / total
		}

		degrade := f.cfg.EnableDegradeByUnhealthyPercent && unhealthyPct > f.cfg.UnhealthyPercentToDegrade
		if len(candidates) > 0 && !degrade {
			chosen = candidates
			// Serving from any level broader than the configured one is
			// already a recovery: the preferred locality had nothing
			// usable.
			recoverAll = level > initialLevel
			break
		}
		if level >= f.cfg.MaxMatchLevel || level >= LocalityAll {
			if f.cfg.EnableRecoverAll {
				chosen = scoped
				recoverAll = true
			}
			break
		}
		level++
	}

	f.reportTransition(info.Target, in.SubsetLabels, recoverAll)
	out := in.WithSubset(chosen, in.SubsetLabels, recoverAll)
	f.cache.put(key, out)
	return out, nil
}

func (f *NearbyFilter) reportTransition(key model.ServiceKey, labels map[string]string, recoverAll bool) {
	label := subsetLabelKey(labels)
	f.mu.Lock()
	was := f.recoverState[label]
	f.recoverState[label] = recoverAll
	f.mu.Unlock()

	if recoverAll && !was {
		f.reporter.RecoverAllStart(key, label)
	} else if !recoverAll && was {
		f.reporter.RecoverAllEnd(key, label)
	}
}

type callerLocality struct {
	Region, Zone, Campus string
}

func localityOf(info *model.RouteInfo) callerLocality {
	return callerLocality{Region: info.Labels["region"], Zone: info.Labels["zone"], Campus: info.Labels["campus"]}
}

func scopeByLocality(instances []*model.Instance, caller callerLocality, level Locality) []*model.Instance {
	if level >= LocalityAll {
		return instances
	}
	var out []*model.Instance
	for _, in := range instances {
		switch level {
		case LocalityCampus:
			if in.Campus == caller.Campus && in.Zone == caller.Zone && in.Region == caller.Region {
				out = append(out, in)
			}
		case LocalityZone:
			if in.Zone == caller.Zone && in.Region == caller.Region {
				out = append(out, in)
			}
		case LocalityRegion:
			if in.Region == caller.Region {
				out = append(out, in)
			}
		}
	}
	return out
}

func subsetLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "<default>"
	}
	return labelSignature(labels)
}
