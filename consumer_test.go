package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/model"
)

// memoryPlane is an in-memory control plane for tests: a pull fetcher
// whose per-key payloads can be swapped between calls.
type memoryPlane struct {
	mu       sync.Mutex
	payloads map[model.DataKey]any
	notFound map[model.DataKey]bool
	revision string
	delay    time.Duration
}

func newMemoryPlane() *memoryPlane {
	return &memoryPlane{
		payloads: make(map[model.DataKey]any),
		notFound: make(map[model.DataKey]bool),
		revision: "rev-1",
	}
}

func (p *memoryPlane) setInstances(key ServiceKey, instances ...*Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[model.DataKey{Service: key, Kind: model.KindInstances}] = instances
}

func (p *memoryPlane) setRules(key ServiceKey, rules []model.RouteRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[model.DataKey{Service: key, Kind: model.KindRouteRule}] = rules
}

func (p *memoryPlane) Fetch(_ context.Context, key model.DataKey) (string, any, error) {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notFound[key] {
		return p.revision, nil, nil
	}
	payload, ok := p.payloads[key]
	if !ok {
		switch key.Kind {
		case model.KindInstances:
			payload = []*Instance{}
		case model.KindRouteRule:
			payload = []model.RouteRule{}
		}
	}
	return p.revision, payload, nil
}

func threeInstances() []*Instance {
	return []*Instance{
		model.NewInstance("i1", "10.0.0.1", 8001, 100, nil, "", "", "", ""),
		model.NewInstance("i2", "10.0.0.2", 8002, 100, nil, "", "", "", ""),
		model.NewInstance("i3", "10.0.0.3", 8003, 100, nil, "", "", "", ""),
	}
}

func newTestConsumer(t *testing.T, plane *memoryPlane, mutate func(*Configuration)) *Consumer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Global.ServerConnector.Addresses = []string{"http://127.0.0.1:0"}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(Options{Configuration: cfg, Fetcher: plane})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func svcA() ServiceKey {
	return ServiceKey{Namespace: "Test", Name: "svc.a"}
}

func TestGetOneInstanceFreshStart(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(), threeInstances()...)
	c := newTestConsumer(t, plane, nil)

	resp, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("GetOneInstance: %v", err)
	}
	if len(resp.Instances) != 1 {
		t.Fatalf("want one instance, got %d", len(resp.Instances))
	}
	switch resp.Instances[0].ID {
	case "i1", "i2", "i3":
	default:
		t.Fatalf("unexpected instance %s", resp.Instances[0].ID)
	}

	data, ok := c.Registry().Get(model.DataKey{Service: svcA(), Kind: model.KindInstances})
	if !ok || len(data.Instances()) != 3 {
		t.Fatal("registry should hold all three instances after the call")
	}
}

func TestGetOneInstanceValidatesArguments(t *testing.T) {
	c := newTestConsumer(t, newMemoryPlane(), nil)
	_, err := c.GetOneInstance(GetOneInstanceRequest{})
	if KindOf(err) != ErrInvalidArgument {
		t.Fatalf("want InvalidArgument, got %v", err)
	}
}

func TestGetOneInstanceZeroTimeoutFailsFast(t *testing.T) {
	plane := newMemoryPlane()
	plane.delay = 50 * time.Millisecond
	plane.setInstances(svcA(), threeInstances()...)
	c := newTestConsumer(t, plane, nil)

	// First-ever call with timeout zero: the async fetch has not had a
	// chance to publish yet.
	_, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: 0})
	if KindOf(err) != ErrTimeout {
		t.Fatalf("want Timeout, got %v", err)
	}

	// Once data is present, timeout zero succeeds.
	if _, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: time.Second}); err != nil {
		t.Fatalf("warm-up call: %v", err)
	}
	if _, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: 0}); err != nil {
		t.Fatalf("cached call with zero timeout: %v", err)
	}
}

func TestRouteRuleNarrowsToEmptyStrict(t *testing.T) {
	plane := newMemoryPlane()
	staging := []*Instance{
		model.NewInstance("s1", "10.0.0.1", 8001, 100, map[string]string{"env": "staging"}, "", "", "", ""),
		model.NewInstance("s2", "10.0.0.2", 8002, 100, map[string]string{"env": "staging"}, "", "", "", ""),
	}
	plane.setInstances(svcA(), staging...)
	exact := "GET"
	plane.setRules(svcA(), []model.RouteRule{{
		Strict: true,
		Matches: []model.RuleMatch{{
			Method:       &exact,
			Destinations: []model.WeightedSubset{{SubsetLabels: map[string]string{"env": "prod"}, Weight: 1}},
		}},
	}})
	c := newTestConsumer(t, plane, nil)

	_, err := c.GetOneInstance(GetOneInstanceRequest{
		Service: svcA(),
		Labels:  map[string]string{"method": "GET"},
		Timeout: time.Second,
	})
	if KindOf(err) != ErrRouteRuleNotMatch {
		// The rule matched and narrowed to the prod subset, which is
		// empty: a strict rule rejects the call.
		t.Fatalf("want RouteRuleNotMatch after narrowing to empty subset, got %v", err)
	}

	// An attribute set no rule matches, with a strict rule configured,
	// is rejected outright.
	_, err = c.GetOneInstance(GetOneInstanceRequest{
		Service: svcA(),
		Labels:  map[string]string{"method": "DELETE"},
		Timeout: time.Second,
	})
	if KindOf(err) != ErrRouteRuleNotMatch {
		t.Fatalf("want RouteRuleNotMatch, got %v", err)
	}
}

func TestBackupSelectionRingHash(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(),
		model.NewInstance("a", "10.0.0.1", 8001, 100, nil, "", "", "", ""),
		model.NewInstance("b", "10.0.0.2", 8002, 100, nil, "", "", "", ""),
		model.NewInstance("c", "10.0.0.3", 8003, 100, nil, "", "", "", ""),
		model.NewInstance("d", "10.0.0.4", 8004, 100, nil, "", "", "", ""),
	)
	c := newTestConsumer(t, plane, func(cfg *Configuration) {
		cfg.Consumer.LoadBalancer.Type = "ringHash"
	})

	resp, err := c.GetInstances(GetInstancesRequest{
		Service:           svcA(),
		HashKey:           "k",
		BackupInstanceNum: 2,
		Timeout:           time.Second,
	})
	if err != nil {
		t.Fatalf("GetInstances: %v", err)
	}
	if len(resp.Instances) != 3 {
		t.Fatalf("want primary+2 backups, got %d", len(resp.Instances))
	}
	seen := map[string]struct{}{}
	for _, inst := range resp.Instances {
		if _, dup := seen[inst.ID]; dup {
			t.Fatalf("duplicate instance %s in backup response", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}

	// Determinism: the same hash key yields the same primary.
	again, err := c.GetInstances(GetInstancesRequest{Service: svcA(), HashKey: "k", BackupInstanceNum: 2, Timeout: time.Second})
	if err != nil {
		t.Fatalf("GetInstances again: %v", err)
	}
	if again.Instances[0].ID != resp.Instances[0].ID {
		t.Fatal("ring-hash primary changed between identical requests")
	}
}

func TestCircuitBreakerTripExcludesInstance(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(), threeInstances()...)
	c := newTestConsumer(t, plane, nil)

	if _, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: time.Second}); err != nil {
		t.Fatalf("warm-up: %v", err)
	}

	for i := 0; i < 100; i++ {
		if err := c.UpdateServiceCallResult(ServiceCallResult{
			Service:    svcA(),
			InstanceID: "i1",
			Success:    false,
			RetCode:    500,
			Latency:    10 * time.Millisecond,
		}); err != nil {
			t.Fatalf("UpdateServiceCallResult: %v", err)
		}
	}

	svc := c.Registry().ServiceFor(svcA())
	if !svc.IsOpen("i1") {
		t.Fatal("i1 should be circuit-open after 100 consecutive failures")
	}

	for i := 0; i < 30; i++ {
		resp, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: time.Second})
		if err != nil {
			t.Fatalf("GetOneInstance after trip: %v", err)
		}
		if resp.Instances[0].ID == "i1" {
			t.Fatal("open instance i1 returned to a caller")
		}
	}
}

func TestUpdateServiceCallResultValidates(t *testing.T) {
	c := newTestConsumer(t, newMemoryPlane(), nil)
	if err := c.UpdateServiceCallResult(ServiceCallResult{}); KindOf(err) != ErrInvalidArgument {
		t.Fatalf("missing service key should be InvalidArgument, got %v", err)
	}
	if err := c.UpdateServiceCallResult(ServiceCallResult{Service: svcA()}); KindOf(err) != ErrInvalidArgument {
		t.Fatalf("missing callee identity should be InvalidArgument, got %v", err)
	}
}

func TestGetAllInstancesNeverFiltered(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(), threeInstances()...)
	c := newTestConsumer(t, plane, nil)

	if _, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: time.Second}); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	svc := c.Registry().ServiceFor(svcA())
	svc.SetBreaker(model.BreakerSnapshot{
		OpenSet:        map[string]struct{}{"i1": {}, "i2": {}},
		HalfOpenBudget: map[string]int{},
		Version:        1,
	})

	resp, err := c.GetAllInstances(GetAllInstancesRequest{Service: svcA(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("GetAllInstances: %v", err)
	}
	if len(resp.Instances) != 3 {
		t.Fatalf("GetAllInstances must never filter, got %d of 3", len(resp.Instances))
	}
}

func TestAsyncGetOneInstance(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(), threeInstances()...)
	c := newTestConsumer(t, plane, nil)

	future := c.AsyncGetOneInstance(GetOneInstanceRequest{Service: svcA()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := future.Get(ctx)
	if err != nil {
		t.Fatalf("future: %v", err)
	}
	if len(resp.Instances) != 1 {
		t.Fatalf("want one instance, got %d", len(resp.Instances))
	}
}

func TestCallAfterForkDetected(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(), threeInstances()...)
	c := newTestConsumer(t, plane, nil)

	// Simulate the child side of a fork: the recorded owning pid no
	// longer matches the current process.
	c.pid = c.pid + 1

	if _, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: time.Second}); KindOf(err) != ErrCallAfterFork {
		t.Fatalf("want CallAfterFork, got %v", err)
	}
	if _, err := c.GetAllInstances(GetAllInstancesRequest{Service: svcA()}); KindOf(err) != ErrCallAfterFork {
		t.Fatalf("want CallAfterFork, got %v", err)
	}
	if err := c.UpdateServiceCallResult(ServiceCallResult{Service: svcA(), InstanceID: "i1"}); KindOf(err) != ErrCallAfterFork {
		t.Fatalf("want CallAfterFork, got %v", err)
	}
}

func TestGetServiceRouteRuleJSON(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(), threeInstances()...)
	method := "GET"
	plane.setRules(svcA(), []model.RouteRule{{
		Matches: []model.RuleMatch{{
			Method:       &method,
			Destinations: []model.WeightedSubset{{SubsetLabels: map[string]string{"env": "prod"}, Weight: 1}},
		}},
	}})
	c := newTestConsumer(t, plane, nil)

	out, err := c.GetServiceRouteRule(svcA(), time.Second)
	if err != nil {
		t.Fatalf("GetServiceRouteRule: %v", err)
	}
	if out == "" || out == "null" {
		t.Fatalf("expected serialized rules, got %q", out)
	}
}

func TestHalfOpenProbeBudget(t *testing.T) {
	plane := newMemoryPlane()
	plane.setInstances(svcA(), threeInstances()...)
	c := newTestConsumer(t, plane, nil)

	if _, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: time.Second}); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	svc := c.Registry().ServiceFor(svcA())
	svc.SetBreaker(model.BreakerSnapshot{
		OpenSet:        map[string]struct{}{},
		HalfOpenBudget: map[string]int{"i1": 2},
		Version:        1,
	})

	probes := 0
	for i := 0; i < 20; i++ {
		resp, err := c.GetOneInstance(GetOneInstanceRequest{Service: svcA(), Timeout: time.Second})
		if err != nil {
			t.Fatalf("GetOneInstance: %v", err)
		}
		if resp.Instances[0].ID == "i1" {
			probes++
		}
	}
	if probes != 2 {
		t.Fatalf("half-open instance should receive exactly its probe budget of 2, got %d", probes)
	}
}

func TestKindOfUnknownError(t *testing.T) {
	if KindOf(context.Canceled) != errs.KindUnknown {
		t.Fatal("foreign errors should map to the zero kind")
	}
}
