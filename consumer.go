// Package discovery is a client-side service-discovery and
// traffic-governance library. Given a logical (namespace, name) target
// plus optional source-service attributes, it returns one or more
// concrete instances chosen by a configurable chain of routing filters
// and a load balancer, while continuously refreshing its view of the
// cluster from a control plane and maintaining per-instance health,
// circuit-breaker, and dynamic-weight state.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/flowmesh/discovery/internal/balancer"
	"github.com/flowmesh/discovery/internal/breaker"
	"github.com/flowmesh/discovery/internal/config"
	"github.com/flowmesh/discovery/internal/epoch"
	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/fetcher"
	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/persist"
	"github.com/flowmesh/discovery/internal/rcumap"
	"github.com/flowmesh/discovery/internal/registry"
	"github.com/flowmesh/discovery/internal/scheduler"
	"github.com/flowmesh/discovery/internal/servicecontext"
	"github.com/flowmesh/discovery/internal/stats"
	"golang.org/x/time/rate"
)

// Configuration re-exports the parsed hierarchical config document.
type Configuration = config.Configuration

// Fetcher is the pull-style upstream contract: fetch the current
// snapshot for one (service, kind).
type Fetcher = registry.Fetcher

// DataFetcher is the push-style control-plane port: long-lived
// subscriptions delivering updates, plus client-location reporting.
type DataFetcher = fetcher.DataFetcher

// Location is the client placement the control plane reports back.
type Location = fetcher.Location

// Reporter is the Prometheus-backed statistics sink.
type Reporter = stats.Reporter

// LoadConfig parses the YAML configuration document at path.
func LoadConfig(path string) (Configuration, error) {
	return config.Load(path)
}

// DefaultConfig returns the built-in configuration defaults.
func DefaultConfig() Configuration {
	return config.Default()
}

// Options configures a Consumer. At least one of Fetcher or DataFetcher
// must be set unless Configuration carries control-plane addresses, in
// which case a polling HTTP client against the first address is built
// automatically.
type Options struct {
	Configuration Configuration

	// Fetcher serves one-shot pulls during load-or-subscribe. Optional
	// when DataFetcher is set (pulls are then satisfied by the first
	// pushed snapshot).
	Fetcher Fetcher

	// DataFetcher, when set, is additionally registered for ongoing push
	// updates per subscribed (service, kind).
	DataFetcher DataFetcher

	// Reporter receives API call statistics and breaker gauges. A
	// private one is created when nil.
	Reporter *Reporter

	Logger *slog.Logger
}

// Consumer is the top-level orchestrator behind every public API call.
type Consumer struct {
	cfg      Configuration
	logger   *slog.Logger
	reporter *Reporter

	pid int

	tracker  *epoch.Tracker
	registry *registry.Registry
	fetcher  Fetcher
	push     DataFetcher
	disk     *persist.Store

	contexts *rcumap.Map[model.ServiceKey, *servicecontext.Context]

	subMu      sync.Mutex
	subscribed map[model.DataKey]struct{}

	location   Location
	locationMu sync.Mutex

	monitor      *scheduler.Executor
	cacheManager *scheduler.Executor
	connector    *scheduler.Executor

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed bool
	mu     sync.Mutex
}

// nullFetcher satisfies Fetcher when only a push DataFetcher was
// supplied; every pull reports a transient network failure and the
// pushed snapshot resolves the waiter instead.
type nullFetcher struct{}

func (nullFetcher) Fetch(context.Context, model.DataKey) (string, any, error) {
	return "", nil, errs.New(errs.KindNetworkFailed, "no pull fetcher configured")
}

// New constructs a Consumer and starts its background executors.
func New(opts Options) (*Consumer, error) {
	cfg := opts.Configuration
	if cfg.Global.API.Timeout == 0 {
		cfg = mergeDefaults(cfg)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = stats.New("discovery")
	}

	pull := opts.Fetcher
	push := opts.DataFetcher
	if pull == nil && push == nil {
		if len(cfg.Global.ServerConnector.Addresses) == 0 {
			return nil, errs.New(errs.KindInvalidConfig, "no fetcher supplied and global.serverConnector.addresses is empty")
		}
		rc := fetcher.NewReportClient(cfg.Global.ServerConnector.Addresses[0], rate.Every(cfg.Global.API.RetryInterval))
		pull, push = rc, rc
	}
	if pull == nil {
		pull = nullFetcher{}
	}

	var disk *persist.Store
	if dir := cfg.Consumer.LocalCache.PersistDir; dir != "" {
		pc := persist.DefaultConfig(dir)
		if cfg.Consumer.LocalCache.PersistAvailableTime > 0 {
			pc.AvailableTime = cfg.Consumer.LocalCache.PersistAvailableTime
		}
		if cfg.Consumer.LocalCache.PersistMaxWriteRetry > 0 {
			pc.MaxWriteRetry = cfg.Consumer.LocalCache.PersistMaxWriteRetry
		}
		if cfg.Consumer.LocalCache.PersistRetryInterval > 0 {
			pc.RetryInterval = cfg.Consumer.LocalCache.PersistRetryInterval
		}
		disk = persist.NewStore(pc, logger)
	}

	c := &Consumer{
		cfg:          cfg,
		logger:       logger,
		reporter:     reporter,
		pid:          os.Getpid(),
		tracker:      epoch.New(),
		registry:     registry.New(disk, logger),
		fetcher:      pull,
		push:         push,
		disk:         disk,
		contexts:     rcumap.New[model.ServiceKey, *servicecontext.Context](),
		subscribed:   make(map[model.DataKey]struct{}),
		monitor:      scheduler.NewExecutor("monitor"),
		cacheManager: scheduler.NewExecutor("cacheManager"),
		connector:    scheduler.NewExecutor("connector"),
	}

	if disk != nil {
		if region, zone, campus, ok := disk.LoadLocation(); ok {
			c.location = Location{Region: region, Zone: zone, Campus: campus}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for _, e := range []*scheduler.Executor{c.monitor, c.cacheManager, c.connector} {
		c.wg.Add(1)
		go func(e *scheduler.Executor) {
			defer c.wg.Done()
			e.Run(ctx)
		}(e)
	}
	c.scheduleTasks()
	return c, nil
}

func mergeDefaults(cfg Configuration) Configuration {
	def := config.Default()
	if cfg.Global.API.Timeout == 0 {
		cfg.Global.API = def.Global.API
	}
	if len(cfg.Consumer.ServiceRouter.Chain) == 0 && !cfg.Consumer.ServiceRouter.Enable {
		cfg.Consumer.ServiceRouter = def.Consumer.ServiceRouter
	}
	if cfg.Consumer.LoadBalancer.Type == "" {
		cfg.Consumer.LoadBalancer = def.Consumer.LoadBalancer
	}
	if len(cfg.Consumer.CircuitBreaker.Chain) == 0 && !cfg.Consumer.CircuitBreaker.Enable {
		cfg.Consumer.CircuitBreaker = def.Consumer.CircuitBreaker
	}
	if cfg.Consumer.LocalCache.ServiceExpireTime == 0 {
		cfg.Consumer.LocalCache = def.Consumer.LocalCache
	}
	if cfg.Consumer.WeightAdjuster.Window == 0 {
		cfg.Consumer.WeightAdjuster = def.Consumer.WeightAdjuster
	}
	return cfg
}

func (c *Consumer) scheduleTasks() {
	gcInterval := time.Second
	c.cacheManager.Schedule(scheduler.FuncTask{TaskName: "gc", Interval: gcInterval, Fn: func(context.Context) {
		c.registry.CollectGarbage(c.tracker.MinTime())
		c.reporter.RecordTaskRun("gc", nil)
	}})

	refresh := c.cfg.Consumer.LocalCache.ServiceRefreshInterval
	if refresh < 100*time.Millisecond {
		refresh = 100 * time.Millisecond
	}
	c.cacheManager.Schedule(scheduler.FuncTask{TaskName: "refreshContexts", Interval: refresh, Fn: func(context.Context) {
		c.refreshContexts()
		c.reporter.RecordTaskRun("refreshContexts", nil)
	}})

	expire := c.cfg.Global.API.CacheClearTime
	if expire < time.Minute {
		expire = time.Minute
	}
	c.cacheManager.Schedule(scheduler.FuncTask{TaskName: "expire", Interval: expire, Fn: func(context.Context) {
		c.expireIdle(expire)
		c.reporter.RecordTaskRun("expire", nil)
	}})

	if c.cfg.Consumer.CircuitBreaker.Enable {
		period := c.cfg.Consumer.CircuitBreaker.CheckPeriod
		if period <= 0 {
			period = 10 * time.Second
		}
		c.monitor.Schedule(scheduler.FuncTask{TaskName: "breakerTiming", Interval: period, Fn: func(context.Context) {
			c.breakerTiming()
			c.reporter.RecordTaskRun("breakerTiming", nil)
		}})
	}

	step := c.cfg.Consumer.WeightAdjuster.StepSize
	if step <= 0 {
		step = time.Second
	}
	c.monitor.Schedule(scheduler.FuncTask{TaskName: "weightRamp", Interval: step, Fn: func(context.Context) {
		now := time.Now()
		c.contexts.Range(func(_ model.ServiceKey, sc *servicecontext.Context) {
			sc.Adjuster.Tick(now)
		})
		c.reporter.RecordTaskRun("weightRamp", nil)
	}})

	if c.push != nil && c.cfg.Global.API.ReportInterval > 0 {
		c.connector.Schedule(scheduler.FuncTask{TaskName: "reportClient", Interval: c.cfg.Global.API.ReportInterval, Fn: func(ctx context.Context) {
			loc, err := c.push.ReportClient(ctx, c.cfg.Global.API.BindIP, c.cfg.Global.API.Timeout)
			c.reporter.RecordTaskRun("reportClient", err)
			if err != nil {
				c.logger.Debug("client location report failed", "error", err)
				return
			}
			c.locationMu.Lock()
			c.location = loc
			c.locationMu.Unlock()
			if c.disk != nil {
				if err := c.disk.SaveLocation(loc.Region, loc.Zone, loc.Campus); err != nil {
					c.logger.Debug("location persist failed", "error", err)
				}
			}
		}})
	}
}

// refreshContexts pulls the latest published snapshots into each
// service context so its pointers, weight adjuster, and filter caches
// track the registry between calls.
func (c *Consumer) refreshContexts() {
	var gone []model.ServiceKey
	c.contexts.Range(func(key model.ServiceKey, sc *servicecontext.Context) {
		if data, ok := c.registry.Get(model.DataKey{Service: key, Kind: model.KindInstances}); ok {
			if data != nil && data.Status == model.StatusNotFound {
				// Control plane dropped the service: the context goes
				// with it so a later call starts from scratch.
				gone = append(gone, key)
				return
			}
			if data != sc.Instances() {
				sc.UpdateInstances(data)
			}
		}
		if data, ok := c.registry.Get(model.DataKey{Service: key, Kind: model.KindRouteRule}); ok && data != sc.RouteRules() {
			sc.UpdateRoutings(data)
		}
	})
	if len(gone) > 0 {
		c.contexts.Delete(gone...)
	}
}

// expireIdle tears down subscriptions and registry entries for keys not
// accessed within ttl, then drops their service contexts.
func (c *Consumer) expireIdle(ttl time.Duration) {
	keys := c.registry.CheckExpired(time.Now().Add(-ttl))
	if len(keys) == 0 {
		return
	}
	c.registry.Expire(keys...)
	for _, key := range keys {
		if c.push != nil {
			c.push.Deregister(key)
		}
		c.subMu.Lock()
		delete(c.subscribed, key)
		c.subMu.Unlock()
		if key.Kind == model.KindInstances {
			c.contexts.Delete(key.Service)
		}
	}
}

func (c *Consumer) breakerTiming() {
	c.contexts.Range(func(key model.ServiceKey, sc *servicecontext.Context) {
		if sc.BreakerChain == nil {
			return
		}
		sc.BreakerChain.Timing(sc.ExistsChecker(), c.registry)
		svc := c.registry.ServiceFor(key)
		sc.UpdateCircuitBreaker(svc)
		snap := svc.Breaker()
		c.reporter.SetBreakerOpenCount(key.String(), len(snap.OpenSet)+len(snap.HalfOpenBudget))
	})
}

// checkFork guards every entry point against use across fork: the
// child inherits our memory but none of our threads, so no background
// executor, subscription, or lock state can be trusted there.
func (c *Consumer) checkFork() error {
	if os.Getpid() != c.pid {
		return errs.New(errs.KindCallAfterFork, "consumer created in a different process")
	}
	return nil
}

func (c *Consumer) contextFor(key model.ServiceKey) (*servicecontext.Context, error) {
	if sc, ok := c.contexts.Get(key); ok {
		return sc, nil
	}
	built, err := servicecontext.New(key, c.cfg.ForService(key.Namespace, key.Name))
	if err != nil {
		return nil, err
	}
	built.SetRecoverAllReporter(recoverAllLogger{logger: c.logger})
	sc, _ := c.contexts.CreateOrGet(key, func() *servicecontext.Context { return built })
	return sc, nil
}

// recoverAllLogger surfaces recover-all transitions through the
// structured log, once per edge.
type recoverAllLogger struct {
	logger *slog.Logger
}

func (r recoverAllLogger) RecoverAllStart(service model.ServiceKey, label string) {
	r.logger.Warn("recover-all engaged", "service", service, "subset", label)
}

func (r recoverAllLogger) RecoverAllEnd(service model.ServiceKey, label string) {
	r.logger.Info("recover-all released", "service", service, "subset", label)
}

// ensurePushSubscribed registers key with the push fetcher exactly once.
func (c *Consumer) ensurePushSubscribed(ctx context.Context, key model.DataKey) {
	if c.push == nil {
		return
	}
	c.subMu.Lock()
	_, done := c.subscribed[key]
	if !done {
		c.subscribed[key] = struct{}{}
	}
	c.subMu.Unlock()
	if done {
		return
	}
	refresh := c.cfg.Consumer.LocalCache.ServiceRefreshInterval
	if _, err := c.registry.Subscribe(ctx, key, c.push, refresh); err != nil {
		c.logger.Warn("push subscription failed", "key", key, "error", err)
		c.subMu.Lock()
		delete(c.subscribed, key)
		c.subMu.Unlock()
	}
}

// prepare wires the service's data into info, blocking up to timeout
// for it to arrive. On success info holds references the caller must
// drop via info.Release once done with the response.
func (c *Consumer) prepare(sc *servicecontext.Context, info *model.RouteInfo, timeout time.Duration) error {
	ctx := context.Background()
	c.ensurePushSubscribed(ctx, model.DataKey{Service: info.Target, Kind: model.KindInstances})
	if !info.SkipRouting {
		c.ensurePushSubscribed(ctx, model.DataKey{Service: info.Target, Kind: model.KindRouteRule})
	}

	notify, err := sc.Prepare(ctx, info, c.registry, c.fetcher)
	if err != nil {
		return err
	}
	if notify == nil {
		return nil
	}
	if timeout == 0 {
		return errs.New(errs.KindTimeout, info.Target.String()+": data not ready and timeout is zero")
	}
	if timeout < 0 {
		timeout = c.cfg.Global.API.Timeout
	}
	if !notify.WaitUntil(time.Now().Add(timeout)) {
		return errs.New(errs.KindTimeout, fmt.Sprintf("%s: data not ready within %s", info.Target, timeout))
	}
	notify.DrainInto(info)
	if info.InstancesData == nil {
		// A second Prepare resolves the pointers the waiter path left
		// unset (e.g. the rules arrived first).
		retryNotify, err := sc.Prepare(ctx, info, c.registry, c.fetcher)
		if err != nil {
			return err
		}
		if retryNotify != nil || info.InstancesData == nil {
			return errs.New(errs.KindTimeout, info.Target.String()+": instance data not ready")
		}
	}
	if info.InstancesData.Status == model.StatusNotFound {
		return errs.New(errs.KindServiceNotFound, info.Target.String()+": service not found")
	}
	return nil
}

func routeInfoFrom(service ServiceKey, source *SourceService, labels, metadata map[string]string, canary string) *model.RouteInfo {
	info := &model.RouteInfo{
		Target:      service,
		Labels:      labels,
		Metadata:    metadata,
		CanaryTag:   canary,
		RouterFlags: model.RouterFlagDefault,
	}
	if source != nil {
		info.Source = &model.SourceInfo{Service: source.Service, Metadata: source.Metadata}
	}
	return info
}

// withLocation fills the caller's locality labels from the last
// control-plane-reported Location for any not set explicitly.
func (c *Consumer) withLocation(labels map[string]string) map[string]string {
	c.locationMu.Lock()
	loc := c.location
	c.locationMu.Unlock()
	if loc == (Location{}) {
		return labels
	}
	if labels == nil {
		labels = make(map[string]string, 3)
	}
	if _, ok := labels["region"]; !ok && loc.Region != "" {
		labels["region"] = loc.Region
	}
	if _, ok := labels["zone"]; !ok && loc.Zone != "" {
		labels["zone"] = loc.Zone
	}
	if _, ok := labels["campus"]; !ok && loc.Campus != "" {
		labels["campus"] = loc.Campus
	}
	return labels
}

// GetOneInstance returns a single instance of the requested service
// chosen by the configured route chain and load balancer.
func (c *Consumer) GetOneInstance(req GetOneInstanceRequest) (*InstancesResponse, error) {
	start := time.Now()
	resp, err := c.getOneInstance(req)
	c.record("GetOneInstance", start, err)
	return resp, err
}

func (c *Consumer) record(method string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.reporter.RecordAPICall(method, outcome, time.Since(start).Seconds())
}

func (c *Consumer) getOneInstance(req GetOneInstanceRequest) (*InstancesResponse, error) {
	if err := c.checkFork(); err != nil {
		return nil, err
	}
	if req.Service.Namespace == "" || req.Service.Name == "" {
		return nil, errs.New(errs.KindInvalidArgument, "service namespace and name are required")
	}

	handle := c.tracker.Acquire()
	defer handle.Release()
	handle.Enter()
	defer handle.Exit()

	sc, err := c.contextFor(req.Service)
	if err != nil {
		return nil, err
	}

	info := routeInfoFrom(req.Service, req.Source, c.withLocation(req.Labels), req.Metadata, req.CanaryTag)
	info.HashString = req.HashKey
	if err := c.prepare(sc, info, req.Timeout); err != nil {
		return nil, err
	}
	defer info.Release()

	svc := c.registry.ServiceFor(req.Service)
	set, err := sc.DoRoute(info, svc)
	if err != nil {
		return nil, err
	}

	chosen, err := c.choose(sc, svc, set, model.LoadBalanceCriteria{HashKey: req.HashKey, BalancerType: req.LoadBalancerType})
	if err != nil {
		return nil, err
	}

	return &InstancesResponse{
		Service:      req.Service,
		Revision:     info.InstancesData.Revision,
		Instances:    []*Instance{chosen},
		SubsetLabels: set.SubsetLabels,
		RecoverAll:   set.RecoverAll,
	}, nil
}

// choose applies half-open probe policy first, then delegates to the
// requested (or default) balancer.
func (c *Consumer) choose(sc *servicecontext.Context, svc *model.Service, set *model.InstancesSet, criteria model.LoadBalanceCriteria) (*model.Instance, error) {
	for _, in := range set.HalfOpenInstances {
		if svc.ConsumeHalfOpenProbe(in.ID) {
			return in, nil
		}
	}
	if set.Len() == 0 {
		return nil, errs.New(errs.KindInstanceNotFound, "no instance left after filtering")
	}
	lb := sc.DefaultBalancer()
	if criteria.BalancerType != "" && criteria.BalancerType != lb.Name() {
		side, err := sc.BalancerFor(criteria.BalancerType)
		if err != nil {
			return nil, err
		}
		lb = side
	}
	return lb.Choose(set, criteria)
}

// GetInstances returns the routed instance list, or a primary plus up
// to BackupInstanceNum distinct backups when that field is positive.
func (c *Consumer) GetInstances(req GetInstancesRequest) (*InstancesResponse, error) {
	start := time.Now()
	resp, err := c.getInstances(req)
	c.record("GetInstances", start, err)
	return resp, err
}

func (c *Consumer) getInstances(req GetInstancesRequest) (*InstancesResponse, error) {
	if err := c.checkFork(); err != nil {
		return nil, err
	}
	if req.Service.Namespace == "" || req.Service.Name == "" {
		return nil, errs.New(errs.KindInvalidArgument, "service namespace and name are required")
	}

	handle := c.tracker.Acquire()
	defer handle.Release()
	handle.Enter()
	defer handle.Exit()

	sc, err := c.contextFor(req.Service)
	if err != nil {
		return nil, err
	}

	info := routeInfoFrom(req.Service, req.Source, c.withLocation(req.Labels), req.Metadata, req.CanaryTag)
	info.IncludeUnhealthy = req.IncludeUnhealthyInstances
	info.IncludeCircuitOpen = req.IncludeCircuitBreakerInstances
	info.SkipRouting = req.SkipRouteFilter
	info.HashString = req.HashKey
	info.BackupInstanceNum = req.BackupInstanceNum
	if err := c.prepare(sc, info, req.Timeout); err != nil {
		return nil, err
	}
	defer info.Release()

	svc := c.registry.ServiceFor(req.Service)
	set, err := sc.DoRoute(info, svc)
	if err != nil {
		return nil, err
	}

	resp := &InstancesResponse{
		Service:      req.Service,
		Revision:     info.InstancesData.Revision,
		SubsetLabels: set.SubsetLabels,
		RecoverAll:   set.RecoverAll,
	}

	if req.BackupInstanceNum <= 0 {
		resp.Instances = set.Instances
		if len(resp.Instances) == 0 {
			return nil, errs.New(errs.KindInstanceNotFound, "no instance left after filtering")
		}
		return resp, nil
	}

	criteria := model.LoadBalanceCriteria{HashKey: req.HashKey, BalancerType: req.LoadBalancerType}
	primary, err := c.choose(sc, svc, set, criteria)
	if err != nil {
		return nil, err
	}
	lb := sc.DefaultBalancer()
	if req.LoadBalancerType != "" && req.LoadBalancerType != lb.Name() {
		if side, err := sc.BalancerFor(req.LoadBalancerType); err == nil {
			lb = side
		}
	}
	backups := balancer.SelectBackups(lb, set, primary, req.BackupInstanceNum, criteria)
	resp.Instances = append([]*Instance{primary}, backups...)
	return resp, nil
}

// GetAllInstances returns every instance currently known for the
// service, never filtered.
func (c *Consumer) GetAllInstances(req GetAllInstancesRequest) (*InstancesResponse, error) {
	start := time.Now()
	resp, err := c.getAllInstances(req)
	c.record("GetAllInstances", start, err)
	return resp, err
}

func (c *Consumer) getAllInstances(req GetAllInstancesRequest) (*InstancesResponse, error) {
	if err := c.checkFork(); err != nil {
		return nil, err
	}
	if req.Service.Namespace == "" || req.Service.Name == "" {
		return nil, errs.New(errs.KindInvalidArgument, "service namespace and name are required")
	}

	handle := c.tracker.Acquire()
	defer handle.Release()
	handle.Enter()
	defer handle.Exit()

	sc, err := c.contextFor(req.Service)
	if err != nil {
		return nil, err
	}
	info := routeInfoFrom(req.Service, nil, nil, nil, "")
	info.SkipRouting = true
	info.IncludeUnhealthy = true
	info.IncludeCircuitOpen = true
	if err := c.prepare(sc, info, req.Timeout); err != nil {
		return nil, err
	}
	defer info.Release()

	return &InstancesResponse{
		Service:   req.Service,
		Revision:  info.InstancesData.Revision,
		Instances: info.InstancesData.Instances(),
	}, nil
}

// UpdateServiceCallResult feeds one completed call into the circuit
// breaker chain and set-level breaker.
func (c *Consumer) UpdateServiceCallResult(result ServiceCallResult) error {
	start := time.Now()
	err := c.updateServiceCallResult(result)
	c.record("UpdateServiceCallResult", start, err)
	return err
}

func (c *Consumer) updateServiceCallResult(result ServiceCallResult) error {
	if err := c.checkFork(); err != nil {
		return err
	}
	if err := result.validate(); err != nil {
		return err
	}

	sc, err := c.contextFor(result.Service)
	if err != nil {
		return err
	}

	id := result.InstanceID
	if id == "" {
		id = fmt.Sprintf("%s:%d", result.Host, result.Port)
	}

	if sc.BreakerChain != nil {
		sc.BreakerChain.RealTime(breaker.CallResult{
			InstanceID: id,
			Success:    result.Success,
			RetCode:    result.RetCode,
			Latency:    result.Latency,
			Timestamp:  time.Now(),
		}, c.registry)
		svc := c.registry.ServiceFor(result.Service)
		sc.UpdateCircuitBreaker(svc)
	}
	if sc.SetChain != nil && result.SubsetLabel != "" {
		sc.SetChain.Report(result.SubsetLabel, result.Success, time.Now(), c.registry)
	}
	return nil
}

// GetServiceRouteRule returns the target's current route-rule payload
// as JSON, blocking up to timeout for it to arrive.
func (c *Consumer) GetServiceRouteRule(service ServiceKey, timeout time.Duration) (string, error) {
	start := time.Now()
	out, err := c.getServiceRouteRule(service, timeout)
	c.record("GetServiceRouteRule", start, err)
	return out, err
}

func (c *Consumer) getServiceRouteRule(service ServiceKey, timeout time.Duration) (string, error) {
	if err := c.checkFork(); err != nil {
		return "", err
	}
	if service.Namespace == "" || service.Name == "" {
		return "", errs.New(errs.KindInvalidArgument, "service namespace and name are required")
	}

	handle := c.tracker.Acquire()
	defer handle.Release()
	handle.Enter()
	defer handle.Exit()

	key := model.DataKey{Service: service, Kind: model.KindRouteRule}
	c.ensurePushSubscribed(context.Background(), key)
	waiter := c.registry.LoadOrSubscribe(context.Background(), key, c.fetcher)
	if !waiter.Ready(true) {
		if timeout == 0 {
			return "", errs.New(errs.KindTimeout, service.String()+": route rule not ready and timeout is zero")
		}
		if timeout < 0 {
			timeout = c.cfg.Global.API.Timeout
		}
		notify := model.NewRouteInfoNotify()
		notify.SetTargetRules(waiter)
		if !notify.WaitUntil(time.Now().Add(timeout)) {
			return "", errs.New(errs.KindTimeout, service.String()+": route rule not ready")
		}
	}
	data, published := waiter.Result()
	if !published || data == nil || data.Status == model.StatusNotFound {
		return "", errs.New(errs.KindServiceNotFound, service.String()+": route rule not found")
	}
	body, err := json.Marshal(data.RouteRules())
	if err != nil {
		return "", errs.Wrap(errs.KindServerError, "marshal route rules", err)
	}
	return string(body), nil
}

// InitService warms the service's context, subscriptions, and data
// ahead of the first real call.
func (c *Consumer) InitService(service ServiceKey, timeout time.Duration) error {
	start := time.Now()
	err := c.initService(service, timeout)
	c.record("InitService", start, err)
	return err
}

func (c *Consumer) initService(service ServiceKey, timeout time.Duration) error {
	if err := c.checkFork(); err != nil {
		return err
	}
	if service.Namespace == "" || service.Name == "" {
		return errs.New(errs.KindInvalidArgument, "service namespace and name are required")
	}
	sc, err := c.contextFor(service)
	if err != nil {
		return err
	}
	info := routeInfoFrom(service, nil, nil, nil, "")
	if err := c.prepare(sc, info, timeout); err != nil {
		return err
	}
	info.Release()
	return nil
}

// Registry exposes read-only access to the local store for diagnostics
// and tests.
func (c *Consumer) Registry() *registry.Registry {
	return c.registry
}

// Metrics returns the statistics reporter backing this consumer.
func (c *Consumer) Metrics() *Reporter {
	return c.reporter
}

// Close stops every background executor and releases subscriptions.
// The Consumer must not be used afterwards.
func (c *Consumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.push != nil {
		c.subMu.Lock()
		for key := range c.subscribed {
			c.push.Deregister(key)
		}
		c.subscribed = make(map[model.DataKey]struct{})
		c.subMu.Unlock()
	}
	c.cancel()
	c.wg.Wait()
}
