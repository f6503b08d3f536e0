package model

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of one published ServiceData snapshot.
type Status int

const (
	StatusInitializing Status = iota
	StatusInitFromDisk
	StatusSyncing
	StatusNotFound
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "Initializing"
	case StatusInitFromDisk:
		return "InitFromDisk"
	case StatusSyncing:
		return "Syncing"
	case StatusNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// ServiceData is an immutable snapshot of one (ServiceKey, DataKind). Once
// exposed through the registry it is never mutated; a change publishes a
// brand new *ServiceData and retires the old one.
type ServiceData struct {
	Key      DataKey
	Revision string
	Status   Status
	Payload  any // []*Instance for KindInstances, []RouteRule for KindRouteRule, ...

	// Owner is a weak backreference to the aggregate this snapshot
	// belongs to, so a filter holding only a *ServiceData can still reach
	// the live circuit-breaker state.
	Owner *Service

	refcount  atomic.Int64
	retiredAt atomic.Int64 // unix nanos; zero while still published
}

// NewServiceData builds a snapshot with an initial refcount of one, held
// by the caller (typically the registry that is about to publish it).
func NewServiceData(key DataKey, revision string, status Status, payload any, owner *Service) *ServiceData {
	d := &ServiceData{Key: key, Revision: revision, Status: status, Payload: payload, Owner: owner}
	d.refcount.Store(1)
	return d
}

func (d *ServiceData) AddRef() {
	d.refcount.Add(1)
}

// Release drops a reference. It never frees memory itself; reclamation
// is the retire queue's job once refcount reaches zero and enough time
// has passed that no reader could still be inside a critical section that
// began before retirement (see internal/epoch and internal/retire).
func (d *ServiceData) Release() int64 {
	return d.refcount.Add(-1)
}

func (d *ServiceData) RefCount() int64 {
	return d.refcount.Load()
}

// MarkRetired stamps the snapshot with its retirement time. Idempotent:
// only the first call sets the timestamp.
func (d *ServiceData) MarkRetired(at time.Time) {
	d.retiredAt.CompareAndSwap(0, at.UnixNano())
}

func (d *ServiceData) RetiredAt() (time.Time, bool) {
	ns := d.retiredAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Instances is a convenience accessor for KindInstances payloads; it
// returns nil if the payload is a different shape.
func (d *ServiceData) Instances() []*Instance {
	if d == nil {
		return nil
	}
	in, _ := d.Payload.([]*Instance)
	return in
}

// RouteRules is the analogous accessor for KindRouteRule payloads.
func (d *ServiceData) RouteRules() []RouteRule {
	if d == nil {
		return nil
	}
	rr, _ := d.Payload.([]RouteRule)
	return rr
}

// BreakerSnapshot is the immutable value published into the registry by
// the circuit-breaker chain: the current open set, the half-open probe
// budgets, and the version that increases on every accepted transition.
type BreakerSnapshot struct {
	OpenSet       map[string]struct{}
	HalfOpenBudget map[string]int
	Version       uint64
}

// SetBreakerStatus records the aggregate unhealthy state the set-level
// circuit breaker publishes for one subset label.
type SetBreakerStatus struct {
	Unhealthy bool
	Version   uint64
}

// Service is the aggregate of a ServiceKey's mutable auxiliary state:
// the circuit-breaker open set, half-open map, and their shared version
// counter, plus the set-level breaker verdicts. The published data kinds
// themselves live in the registry's entries, not here. One mutex per service
// guards all of it; there is no global lock on this hot path.
type Service struct {
	Key ServiceKey

	mu                sync.Mutex
	breaker           BreakerSnapshot
	setBreaker        map[string]SetBreakerStatus
	lastAccess        atomic.Int64 // unix nanos, touched by registry reads for TTL expiry
}

func NewService(key ServiceKey) *Service {
	s := &Service{
		Key:        key,
		setBreaker: make(map[string]SetBreakerStatus),
	}
	s.breaker.OpenSet = make(map[string]struct{})
	s.breaker.HalfOpenBudget = make(map[string]int)
	s.Touch()
	return s
}

func (s *Service) Touch() {
	s.lastAccess.Store(time.Now().UnixNano())
}

func (s *Service) LastAccess() time.Time {
	return time.Unix(0, s.lastAccess.Load())
}

// Breaker returns a copy of the current breaker snapshot; callers must not
// mutate the returned maps.
func (s *Service) Breaker() BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker
}

// SetBreaker atomically swaps the published open-set/half-open-map pair.
// The caller (the circuit-breaker chain) is responsible for keeping the
// open set and half-open map disjoint and for only ever increasing
// Version.
func (s *Service) SetBreaker(snap BreakerSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Version < s.breaker.Version {
		return // stale publication, never move version backwards
	}
	s.breaker = snap
}

func (s *Service) SetSetBreakerStatus(label string, status SetBreakerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.setBreaker[label]; ok && status.Version < existing.Version {
		return
	}
	s.setBreaker[label] = status
}

func (s *Service) SetBreakerStatusFor(label string) (SetBreakerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.setBreaker[label]
	return st, ok
}

// IsOpen reports whether instance id is currently in the open set.
func (s *Service) IsOpen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.breaker.OpenSet[id]
	return ok
}

// IsHalfOpen reports whether id is in the half-open map and returns its
// remaining probe budget, which may already be zero.
func (s *Service) IsHalfOpen(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	budget, ok := s.breaker.HalfOpenBudget[id]
	return budget, ok
}

// ConsumeHalfOpenProbe decrements a half-open instance's remaining probe
// budget; load-balancer policy calls this once per round so only a bounded
// number of probes reach a recovering instance.
func (s *Service) ConsumeHalfOpenProbe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	budget, ok := s.breaker.HalfOpenBudget[id]
	if !ok || budget <= 0 {
		return false
	}
	s.breaker.HalfOpenBudget[id] = budget - 1
	return true
}
