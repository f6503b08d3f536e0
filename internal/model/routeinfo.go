package model

// RouteInfo is the per-call mutable bundle threaded through the
// route-filter pipeline. It owns none of the ServiceData pointers it
// carries; whoever drains a RouteInfoNotify into it takes an additional
// reference, and releasing those references is the caller's job once the
// call completes.
type RouteInfo struct {
	Target ServiceKey
	Source *SourceInfo

	Labels   map[string]string
	Metadata map[string]string

	// Flags
	IncludeUnhealthy     bool
	IncludeCircuitOpen   bool
	SkipRouting          bool

	// RouterFlags is the per-call bitmask filters toggle each other
	// through, e.g. set-division disabling nearby.
	RouterFlags RouterFlags

	CanaryTag string

	// Data snapshots wired in by servicecontext.Context.Prepare; a filter reads these,
	// never the registry directly.
	InstancesData *ServiceData
	RouteRuleData *ServiceData
	SourceRuleData *ServiceData

	BackupInstanceNum int
	HashString        string
	ReplicateIndex    int
}

type SourceInfo struct {
	Service  ServiceKey
	Metadata map[string]string
}

// RouterFlags is a per-call bitmask filters can clear on each other, e.g.
// the set-division filter forcibly disables the nearby filter for the
// remainder of the call once internal-enable-set=Y is observed. The
// flags are part of each filter's own cache key (see
// internal/router/cache.go) so a toggle change is always visible,
// trading a few extra cache misses for not silently reusing a decision
// made under different flags.
type RouterFlags uint32

const (
	RouterFlagNearbyEnabled RouterFlags = 1 << iota
	RouterFlagDefault                   = RouterFlagNearbyEnabled
)

func (f RouterFlags) NearbyEnabled() bool {
	return f&RouterFlagNearbyEnabled != 0
}

func (f RouterFlags) WithoutNearby() RouterFlags {
	return f &^ RouterFlagNearbyEnabled
}

// Release drops the extra references RouteInfo took over InstancesData /
// RouteRuleData / SourceRuleData. Safe to call more than once.
func (r *RouteInfo) Release() {
	for _, d := range []**ServiceData{&r.InstancesData, &r.RouteRuleData, &r.SourceRuleData} {
		if *d != nil {
			(*d).Release()
			*d = nil
		}
	}
}

// LoadBalanceCriteria carries the hints a caller passes to the load
// balancer: a hash key for consistent-hash balancers and the neighbour
// index used by ring-hash backup selection.
type LoadBalanceCriteria struct {
	HashKey        string
	ReplicateIndex int
	BalancerType   string
}
