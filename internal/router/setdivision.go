package router

import (
	"strings"

	"github.com/flowmesh/discovery/internal/model"
)

// SetDivisionFilter implements taf-style set routing: match the
// caller's set name against each instance's set name, supporting a `*`
// wildcard in the last dot-separated segment. If any candidate
// instance's metadata carries internal-enable-set=Y, the filter
// forcibly clears RouterFlagNearbyEnabled for the remainder of the
// call.
type SetDivisionFilter struct {
	cache *filterCache
}

func NewSetDivisionFilter() *SetDivisionFilter {
	return &SetDivisionFilter{cache: newFilterCache()}
}

func (f *SetDivisionFilter) Name() string { return "setDivisionRouter" }

func (f *SetDivisionFilter) CalculateResult(info *model.RouteInfo, svc *model.Service, breakerVersion uint64, in *model.InstancesSet) (*model.InstancesSet, error) {
	callerSet := info.Labels["set-name"]
	if callerSet == "" {
		return in, nil
	}

	key := cacheKey{input: in, breakerVersion: breakerVersion, flags: info.RouterFlags, extra: "set:" + callerSet}
	if out, ok := f.cache.get(key); ok {
		f.applyDisableNearby(info, in.Instances)
		return out, nil
	}

	var matched []*model.Instance
	for _, inst := range in.Instances {
		if inst.SetName != "" && setMatches(callerSet, inst.SetName) {
			matched = append(matched, inst)
		}
	}

	f.applyDisableNearby(info, in.Instances)

	if len(matched) == 0 {
		// No set-matched member: fall back to the unrestricted set
		// rather than an empty result, since set division is a
		// preference, not a hard filter the way route rules are.
		out := in
		f.cache.put(key, out)
		return out, nil
	}

	out := in.WithSubset(matched, in.SubsetLabels, false)
	f.cache.put(key, out)
	return out, nil
}

func (f *SetDivisionFilter) applyDisableNearby(info *model.RouteInfo, instances []*model.Instance) {
	for _, inst := range instances {
		if inst.Metadata["internal-enable-set"] == "Y" {
			info.RouterFlags = info.RouterFlags.WithoutNearby()
			return
		}
	}
}

// setMatches compares two dot-separated set names, allowing `*` as the
// final segment of either side to match any trailing segment.
func setMatches(caller, instance string) bool {
	if caller == instance {
		return true
	}
	cp := strings.Split(caller, ".")
	ip := strings.Split(instance, ".")
	if len(cp) != len(ip) {
		return false
	}
	for i := range cp {
		if cp[i] == "*" || ip[i] == "*" {
			continue
		}
		if cp[i] != ip[i] {
			return false
		}
	}
	return true
}
