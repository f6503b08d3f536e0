package breaker

import (
	"testing"
	"time"

	"github.com/flowmesh/discovery/internal/model"
)

type capturePublisher struct {
	snaps []model.BreakerSnapshot
}

func (p *capturePublisher) SetCircuitBreaker(_ model.ServiceKey, snap model.BreakerSnapshot) {
	p.snaps = append(p.snaps, snap)
}

func (p *capturePublisher) last() (model.BreakerSnapshot, bool) {
	if len(p.snaps) == 0 {
		return model.BreakerSnapshot{}, false
	}
	return p.snaps[len(p.snaps)-1], true
}

func allExist(string) bool { return true }

func TestTranslateStatusOwnership(t *testing.T) {
	d := NewChainData()

	if !d.TranslateStatus(0, "i1", StatusClosed, StatusOpen) {
		t.Fatal("plugin 0 should acquire ownership of an unowned closed instance")
	}
	if d.TranslateStatus(1, "i1", StatusOpen, StatusHalfOpen) {
		t.Fatal("plugin 1 must not drive transitions while plugin 0 owns the instance")
	}
	if d.TranslateStatus(0, "i1", StatusClosed, StatusOpen) {
		t.Fatal("from-state mismatch must be rejected")
	}
	if !d.TranslateStatus(0, "i1", StatusOpen, StatusHalfOpen) {
		t.Fatal("owner should be allowed to half-open")
	}
	if !d.TranslateStatus(0, "i1", StatusHalfOpen, StatusClosed) {
		t.Fatal("owner should be allowed to close")
	}

	// Closing releases ownership: another plugin may now open.
	if !d.TranslateStatus(1, "i1", StatusClosed, StatusOpen) {
		t.Fatal("ownership was not released on close")
	}
}

func TestTranslateStatusBumpsVersion(t *testing.T) {
	d := NewChainData()
	before := d.CurrentVersion()

	d.TranslateStatus(0, "i1", StatusClosed, StatusOpen)
	mid := d.CurrentVersion()
	if mid <= before {
		t.Fatal("accepted transition must advance the version")
	}

	// Rejected transitions leave the version untouched.
	d.TranslateStatus(1, "i1", StatusOpen, StatusClosed)
	if d.CurrentVersion() != mid {
		t.Fatal("rejected transition advanced the version")
	}
}

func TestChainPublishesSnapshotOnVersionAdvance(t *testing.T) {
	service := model.ServiceKey{Namespace: "Test", Name: "svc.a"}
	plugin := NewErrorCount(ErrorCountConfig{ContinuousErrorThreshold: 3, SleepWindow: time.Hour})
	chain := NewChain(service, plugin)
	pub := &capturePublisher{}

	for i := 0; i < 3; i++ {
		chain.RealTime(CallResult{InstanceID: "i0", Success: false, Timestamp: time.Now()}, pub)
	}

	snap, ok := pub.last()
	if !ok {
		t.Fatal("no snapshot published after trip")
	}
	if _, open := snap.OpenSet["i0"]; !open {
		t.Fatal("tripped instance missing from published open set")
	}
	if snap.Version < chain.Data().CurrentVersion() {
		t.Fatalf("published version %d lags chain version %d", snap.Version, chain.Data().CurrentVersion())
	}

	// No further transitions: no further publications.
	published := len(pub.snaps)
	chain.Timing(allExist, pub)
	if len(pub.snaps) != published {
		t.Fatal("timing cycle republished without a version advance")
	}
}

func TestErrorCountTripHalfOpenRecover(t *testing.T) {
	service := model.ServiceKey{Namespace: "Test", Name: "svc.a"}
	plugin := NewErrorCount(ErrorCountConfig{ContinuousErrorThreshold: 5, SleepWindow: 10 * time.Millisecond})
	chain := NewChain(service, plugin)
	pub := &capturePublisher{}

	for i := 0; i < 100; i++ {
		chain.RealTime(CallResult{InstanceID: "i0", Success: false, Timestamp: time.Now()}, pub)
	}
	if status, _ := chain.Data().StatusOf("i0"); status != StatusOpen {
		t.Fatalf("after 100 failures status = %v, want Open", status)
	}

	// Sleep window elapses; the timing cycle promotes to half-open with a
	// probe budget.
	time.Sleep(20 * time.Millisecond)
	chain.Timing(allExist, pub)
	if status, _ := chain.Data().StatusOf("i0"); status != StatusHalfOpen {
		t.Fatalf("after sleep window status = %v, want HalfOpen", status)
	}
	snap, _ := pub.last()
	if budget, ok := snap.HalfOpenBudget["i0"]; !ok || budget <= 0 {
		t.Fatalf("half-open budget not published: %v", snap.HalfOpenBudget)
	}

	// One successful probe closes the breaker and clears the open set.
	chain.RealTime(CallResult{InstanceID: "i0", Success: true, Timestamp: time.Now()}, pub)
	if status, _ := chain.Data().StatusOf("i0"); status != StatusClosed {
		t.Fatalf("after successful probe status = %v, want Closed", status)
	}
	snap, _ = pub.last()
	if _, open := snap.OpenSet["i0"]; open {
		t.Fatal("closed instance still in the published open set")
	}
	if _, half := snap.HalfOpenBudget["i0"]; half {
		t.Fatal("closed instance still in the published half-open map")
	}
}

func TestErrorCountFailedProbeReopens(t *testing.T) {
	plugin := NewErrorCount(ErrorCountConfig{ContinuousErrorThreshold: 2, SleepWindow: time.Millisecond})
	chain := NewChain(model.ServiceKey{Namespace: "Test", Name: "svc.a"}, plugin)
	pub := &capturePublisher{}

	chain.RealTime(CallResult{InstanceID: "i0", Success: false, Timestamp: time.Now()}, pub)
	chain.RealTime(CallResult{InstanceID: "i0", Success: false, Timestamp: time.Now()}, pub)
	time.Sleep(5 * time.Millisecond)
	chain.Timing(allExist, pub)
	if status, _ := chain.Data().StatusOf("i0"); status != StatusHalfOpen {
		t.Fatalf("status = %v, want HalfOpen", status)
	}

	chain.RealTime(CallResult{InstanceID: "i0", Success: false, Timestamp: time.Now()}, pub)
	if status, _ := chain.Data().StatusOf("i0"); status != StatusOpen {
		t.Fatalf("failed probe should reopen, status = %v", status)
	}
}

func TestErrorRateTripsPastThreshold(t *testing.T) {
	plugin := NewErrorRate(ErrorRateConfig{RequestVolumeThreshold: 10, ErrorRatePercent: 50, Window: time.Minute, SleepWindow: time.Hour})
	chain := NewChain(model.ServiceKey{Namespace: "Test", Name: "svc.a"}, plugin)
	pub := &capturePublisher{}

	now := time.Now()
	for i := 0; i < 6; i++ {
		chain.RealTime(CallResult{InstanceID: "i0", Success: false, Timestamp: now}, pub)
	}
	for i := 0; i < 4; i++ {
		chain.RealTime(CallResult{InstanceID: "i0", Success: true, Timestamp: now}, pub)
	}

	if status, _ := chain.Data().StatusOf("i0"); status != StatusOpen {
		t.Fatalf("60%% errors over 10 calls should trip, status = %v", status)
	}
}

func TestPurgeDropsGoneInstances(t *testing.T) {
	d := NewChainData()
	d.TranslateStatus(0, "gone", StatusClosed, StatusOpen)
	d.TranslateStatus(0, "kept", StatusClosed, StatusOpen)

	d.Purge(func(id string) bool { return id == "kept" })

	if status, _ := d.StatusOf("gone"); status != StatusClosed {
		t.Fatal("purged instance should read as closed/unknown")
	}
	if status, _ := d.StatusOf("kept"); status != StatusOpen {
		t.Fatal("existing instance state must survive a purge")
	}
}

func TestSetChainPublishesAggregate(t *testing.T) {
	service := model.ServiceKey{Namespace: "Test", Name: "svc.a"}
	sc := NewSetChain(service, ErrorRateConfig{RequestVolumeThreshold: 4, ErrorRatePercent: 50, Window: time.Minute, SleepWindow: time.Hour})

	published := map[string]model.SetBreakerStatus{}
	pub := setPublisherFunc(func(_ model.ServiceKey, label string, status model.SetBreakerStatus) {
		published[label] = status
	})

	now := time.Now()
	for i := 0; i < 4; i++ {
		sc.Report("set.a", false, now, pub)
	}
	st, ok := published["set.a"]
	if !ok || !st.Unhealthy {
		t.Fatalf("set.a should be published unhealthy, got %v (ok=%v)", st, ok)
	}
}

type setPublisherFunc func(service model.ServiceKey, label string, status model.SetBreakerStatus)

func (f setPublisherFunc) SetSetBreakerStatus(service model.ServiceKey, label string, status model.SetBreakerStatus) {
	f(service, label, status)
}
