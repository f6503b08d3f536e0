package router

import "github.com/flowmesh/discovery/internal/model"

// FailoverType governs what the metadata filter does when an exact
// metadata match eliminates every candidate.
type FailoverType int

const (
	FailoverNone   FailoverType = iota // empty result stands
	FailoverAll                        // fall back to the full input set
	FailoverNotKey                     // fall back to instances missing every filtered key entirely
)

// MetadataFilter exact-matches info.Metadata against each instance's
// metadata map.
type MetadataFilter struct {
	failover FailoverType
	cache    *filterCache
}

func NewMetadataFilter(failover FailoverType) *MetadataFilter {
	return &MetadataFilter{failover: failover, cache: newFilterCache()}
}

func (f *MetadataFilter) Name() string { return "metadataRouter" }

func (f *MetadataFilter) CalculateResult(info *model.RouteInfo, svc *model.Service, breakerVersion uint64, in *model.InstancesSet) (*model.InstancesSet, error) {
	if len(info.Metadata) == 0 {
		return in, nil
	}

	key := cacheKey{input: in, breakerVersion: breakerVersion, flags: info.RouterFlags, extra: "meta:" + labelSignature(info.Metadata)}
	if out, ok := f.cache.get(key); ok {
		return out, nil
	}

	var matched []*model.Instance
	for _, inst := range in.Instances {
		if inst.MetadataEquals(info.Metadata) {
			matched = append(matched, inst)
		}
	}

	if len(matched) == 0 {
		switch f.failover {
		case FailoverAll:
			matched = in.Instances
		case FailoverNotKey:
			for _, inst := range in.Instances {
				if !hasAnyKey(inst, info.Metadata) {
					matched = append(matched, inst)
				}
			}
		case FailoverNone:
			// matched stays empty
		}
	}

	out := in.WithSubset(matched, in.SubsetLabels, false)
	f.cache.put(key, out)
	return out, nil
}

func hasAnyKey(inst *model.Instance, keys map[string]string) bool {
	for k := range keys {
		if _, ok := inst.Metadata[k]; ok {
			return true
		}
	}
	return false
}
