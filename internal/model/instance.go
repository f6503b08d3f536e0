package model

import "sync/atomic"

// Instance is one addressable member of a service. It is immutable once
// obtained from a ServiceData payload, except for the dynamic-weight and
// locality-feedback fields the weight adjuster and locality-aware load
// balancer are explicitly allowed to mutate in place.
type Instance struct {
	ID       string
	Host     string
	Port     uint32
	Weight   int
	Metadata map[string]string
	Region   string
	Zone     string
	Campus   string
	SetName  string

	// dynamicWeight is ramped by the weight adjuster and read by the
	// load balancer; it starts equal to Weight until slow-start says
	// otherwise.
	dynamicWeight atomic.Int64

	// localityScore is opaque feedback written by the locality-aware
	// balancer only; no other component interprets it.
	localityScore atomic.Int64
}

// NewInstance constructs an Instance with its dynamic weight initialized
// to the static weight (no slow-start applied).
func NewInstance(id, host string, port uint32, weight int, metadata map[string]string, region, zone, campus, setName string) *Instance {
	in := &Instance{
		ID:       id,
		Host:     host,
		Port:     port,
		Weight:   weight,
		Metadata: metadata,
		Region:   region,
		Zone:     zone,
		Campus:   campus,
		SetName:  setName,
	}
	in.dynamicWeight.Store(int64(weight))
	return in
}

func (i *Instance) DynamicWeight() int {
	return int(i.dynamicWeight.Load())
}

func (i *Instance) SetDynamicWeight(w int) {
	i.dynamicWeight.Store(int64(w))
}

func (i *Instance) LocalityScore() int64 {
	return i.localityScore.Load()
}

func (i *Instance) SetLocalityScore(v int64) {
	i.localityScore.Store(v)
}

// MetadataEquals reports whether every key in want has a matching value in
// the instance's metadata (used by the metadata and set-division filters).
func (i *Instance) MetadataEquals(want map[string]string) bool {
	for k, v := range want {
		if i.Metadata[k] != v {
			return false
		}
	}
	return true
}

// InstancesSet is an ordered vector of instances borrowed from a parent
// ServiceData, plus the subset labels and recover-all flag a filter
// stage attached to it. It holds its parent by pointer and keeps no
// reference count of its own.
type InstancesSet struct {
	Instances     []*Instance
	SubsetLabels  map[string]string
	RecoverAll    bool
	Source        *ServiceData // parent snapshot these instances are borrowed from
	HalfOpenIDs   map[string]struct{}
	UnhealthyIDs  map[string]struct{}

	// HalfOpenInstances carries the half-open partition alongside the
	// candidate pool so probe policy can pick from it without re-scanning
	// the parent snapshot.
	HalfOpenInstances []*Instance
}

// NewInstancesSet wraps instances with empty subset labels.
func NewInstancesSet(instances []*Instance, source *ServiceData) *InstancesSet {
	return &InstancesSet{Instances: instances, Source: source}
}

func (s *InstancesSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Instances)
}

// WithSubset returns a shallow copy carrying new subset labels and
// instance list, preserving the backing ServiceData reference so cache
// entries built on top of it remain valid for as long as that snapshot
// does.
func (s *InstancesSet) WithSubset(instances []*Instance, labels map[string]string, recoverAll bool) *InstancesSet {
	return &InstancesSet{
		Instances:    instances,
		SubsetLabels: labels,
		RecoverAll:   recoverAll,
		Source:       s.Source,
		HalfOpenIDs:  s.HalfOpenIDs,
		UnhealthyIDs: s.UnhealthyIDs,

		HalfOpenInstances: s.HalfOpenInstances,
	}
}

// ServiceInstances is the mutable per-call handle threading an
// InstancesSet through the route-filter pipeline.
type ServiceInstances struct {
	set *InstancesSet
}

func NewServiceInstances(set *InstancesSet) *ServiceInstances {
	return &ServiceInstances{set: set}
}

func (si *ServiceInstances) Get() *InstancesSet {
	return si.set
}

// UpdateAvailable replaces the currently threaded set; each filter stage
// calls this with its own output before handing off to the next stage.
func (si *ServiceInstances) UpdateAvailable(set *InstancesSet) {
	si.set = set
}
