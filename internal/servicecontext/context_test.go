package servicecontext

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowmesh/discovery/internal/config"
	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/registry"
)

type stubFetcher struct {
	instances []*model.Instance
	rules     []model.RouteRule
}

func (f *stubFetcher) Fetch(_ context.Context, key model.DataKey) (string, any, error) {
	switch key.Kind {
	case model.KindInstances:
		return "rev-1", f.instances, nil
	case model.KindRouteRule:
		return "rev-1", f.rules, nil
	default:
		return "rev-1", nil, nil
	}
}

func testConsumer() config.Consumer {
	return config.Default().Consumer
}

func testKey() model.ServiceKey {
	return model.ServiceKey{Namespace: "Test", Name: "svc.a"}
}

func waitPrepared(t *testing.T, sc *Context, info *model.RouteInfo, reg *registry.Registry, f registry.Fetcher) {
	t.Helper()
	notify, err := sc.Prepare(context.Background(), info, reg, f)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if notify == nil {
		return
	}
	if !notify.WaitUntil(time.Now().Add(2 * time.Second)) {
		t.Fatal("data never became ready")
	}
	notify.DrainInto(info)
	if retry, err := sc.Prepare(context.Background(), info, reg, f); err != nil || retry != nil {
		t.Fatalf("second Prepare after wait: notify=%v err=%v", retry, err)
	}
}

func TestNewRejectsUnknownPlugins(t *testing.T) {
	cfg := testConsumer()
	cfg.ServiceRouter.Chain = []string{"noSuchRouter"}
	if _, err := New(testKey(), cfg); err == nil {
		t.Fatal("unknown router name must fail construction")
	}

	cfg = testConsumer()
	cfg.LoadBalancer.Type = "noSuchBalancer"
	_, err := New(testKey(), cfg)
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind != errs.KindPluginError {
		t.Fatalf("want PluginError, got %v", err)
	}
}

func TestPrepareAndRouteEndToEnd(t *testing.T) {
	cfg := testConsumer()
	sc, err := New(testKey(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fetcher := &stubFetcher{instances: []*model.Instance{
		model.NewInstance("i1", "10.0.0.1", 8001, 100, nil, "", "", "", ""),
		model.NewInstance("i2", "10.0.0.2", 8002, 100, nil, "", "", "", ""),
		model.NewInstance("i3", "10.0.0.3", 8003, 100, nil, "", "", "", ""),
	}}
	reg := registry.New(nil, nil)

	info := &model.RouteInfo{Target: testKey(), RouterFlags: model.RouterFlagDefault}
	waitPrepared(t, sc, info, reg, fetcher)
	defer info.Release()

	if info.InstancesData == nil {
		t.Fatal("instance data not wired into route info")
	}

	svc := reg.ServiceFor(testKey())
	set, err := sc.DoRoute(info, svc)
	if err != nil {
		t.Fatalf("DoRoute: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("all healthy instances should survive, got %d", set.Len())
	}

	inst, err := sc.DefaultBalancer().Choose(set, model.LoadBalanceCriteria{})
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	found := false
	for _, want := range fetcher.instances {
		if want.ID == inst.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("chosen instance %s not among published ones", inst.ID)
	}
}

func TestDoRouteExcludesOpenInstances(t *testing.T) {
	sc, err := New(testKey(), testConsumer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fetcher := &stubFetcher{instances: []*model.Instance{
		model.NewInstance("ok", "10.0.0.1", 8001, 100, nil, "", "", "", ""),
		model.NewInstance("bad", "10.0.0.2", 8002, 100, nil, "", "", "", ""),
	}}
	reg := registry.New(nil, nil)

	info := &model.RouteInfo{Target: testKey(), RouterFlags: model.RouterFlagDefault}
	waitPrepared(t, sc, info, reg, fetcher)
	defer info.Release()

	svc := reg.ServiceFor(testKey())
	svc.SetBreaker(model.BreakerSnapshot{
		OpenSet:        map[string]struct{}{"bad": {}},
		HalfOpenBudget: map[string]int{},
		Version:        1,
	})

	set, err := sc.DoRoute(info, svc)
	if err != nil {
		t.Fatalf("DoRoute: %v", err)
	}
	if set.Len() != 1 || set.Instances[0].ID != "ok" {
		t.Fatalf("open instance not excluded: %d candidates", set.Len())
	}
	if _, unfit := set.UnhealthyIDs["bad"]; !unfit {
		t.Fatal("open instance not recorded as unfit")
	}

	// include_circuit_open readmits it.
	info2 := &model.RouteInfo{Target: testKey(), RouterFlags: model.RouterFlagDefault, IncludeCircuitOpen: true}
	waitPrepared(t, sc, info2, reg, fetcher)
	defer info2.Release()
	set2, err := sc.DoRoute(info2, svc)
	if err != nil {
		t.Fatalf("DoRoute include-open: %v", err)
	}
	if set2.Len() != 2 {
		t.Fatalf("include-open should readmit, got %d", set2.Len())
	}
}

func TestBalancerSideMapMemoizes(t *testing.T) {
	sc, err := New(testKey(), testConsumer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := sc.BalancerFor("ringHash")
	if err != nil {
		t.Fatalf("BalancerFor: %v", err)
	}
	b, err := sc.BalancerFor("ringHash")
	if err != nil {
		t.Fatalf("BalancerFor again: %v", err)
	}
	if a != b {
		t.Fatal("side map should return the memoized balancer instance")
	}
}

func TestUpdateInstancesFeedsWeightAdjuster(t *testing.T) {
	cfg := testConsumer()
	cfg.WeightAdjuster.MinWeightPercent = 10
	sc, err := New(testKey(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inst := model.NewInstance("i1", "10.0.0.1", 8001, 100, nil, "", "", "", "")
	data := model.NewServiceData(model.DataKey{Service: testKey(), Kind: model.KindInstances}, "rev-2", model.StatusSyncing, []*model.Instance{inst}, nil)

	sc.UpdateInstances(data)
	if sc.Instances() != data {
		t.Fatal("instance pointer not swapped")
	}
	if got := inst.DynamicWeight(); got != 10 {
		t.Fatalf("new instance should start its ramp at min weight, got %d", got)
	}
}
