// Package k8sfetcher implements the fetcher.DataFetcher port for
// DataKind=Instances backed by client-go EndpointSlice informers, plus
// a Gateway API HTTPRoute conversion for callers that source route
// rules from the same cluster. It is one optional backend behind the
// abstract port, not the wire protocol.
package k8sfetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	discoveryv1 "k8s.io/api/discovery/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/fetcher"
	"github.com/flowmesh/discovery/internal/model"
)

// serviceLabelKey is the well-known EndpointSlice label carrying the
// owning Service's name.
const serviceLabelKey = "kubernetes.io/service-name"

// Fetcher implements fetcher.DataFetcher over one shared EndpointSlice
// informer per namespace. It is safe for concurrent use; construct one
// per Kubernetes client and reuse it across every (namespace, service)
// registration.
type Fetcher struct {
	client kubernetes.Interface
	logger *slog.Logger

	mu        sync.Mutex
	factories map[string]informers.SharedInformerFactory // namespace -> factory
	started   map[string]bool
	handlers  map[model.DataKey]fetcher.Handler
}

func New(client kubernetes.Interface, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:    client,
		logger:    logger,
		factories: make(map[string]informers.SharedInformerFactory),
		started:   make(map[string]bool),
		handlers:  make(map[model.DataKey]fetcher.Handler),
	}
}

// Register starts (once per namespace) a shared informer watching
// EndpointSlices and begins delivering OnUpdate calls for key, built
// from add/update/delete events whose kubernetes.io/service-name label
// matches key.Service.Name. refreshInterval (30s when not positive)
// becomes the resync period of the namespace's informer factory; only
// the first Register in a namespace creates that factory, so later
// registrations there do not change it. Only DataKind=KindInstances is
// supported.
func (f *Fetcher) Register(ctx context.Context, key model.DataKey, refreshInterval time.Duration, handler fetcher.Handler) error {
	if key.Kind != model.KindInstances {
		return errs.New(errs.KindPluginError, "k8sfetcher: only KindInstances is supported")
	}
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}

	f.mu.Lock()
	f.handlers[key] = handler
	factory, ok := f.factories[key.Service.Namespace]
	if !ok {
		factory = informers.NewSharedInformerFactoryWithOptions(f.client, refreshInterval, informers.WithNamespace(key.Service.Namespace))
		f.factories[key.Service.Namespace] = factory

		informer := factory.Discovery().V1().EndpointSlices().Informer()
		_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
			AddFunc:    func(obj any) { f.onSliceEvent(obj) },
			UpdateFunc: func(_, newObj any) { f.onSliceEvent(newObj) },
			DeleteFunc: func(obj any) { f.onSliceDelete(obj) },
		})
		if err != nil {
			f.mu.Unlock()
			return fmt.Errorf("k8sfetcher: AddEventHandler: %w", err)
		}
	}
	alreadyStarted := f.started[key.Service.Namespace]
	f.started[key.Service.Namespace] = true
	f.mu.Unlock()

	if !alreadyStarted {
		factory.Start(ctx.Done())
		informer := factory.Discovery().V1().EndpointSlices().Informer()
		if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
			return errors.New("k8sfetcher: endpointslice cache sync failed")
		}
	}
	return nil
}

func (f *Fetcher) Deregister(key model.DataKey) {
	f.mu.Lock()
	delete(f.handlers, key)
	f.mu.Unlock()
}

// ReportClient is not supported by this adapter: a Kubernetes cluster
// has no control-plane notion of "where is this client", so callers
// needing client-location reporting must use a different fetcher (e.g.
// internal/fetcher.ReportClient).
func (f *Fetcher) ReportClient(ctx context.Context, bindIP string, timeout time.Duration) (fetcher.Location, error) {
	return fetcher.Location{}, errs.New(errs.KindPluginError, "k8sfetcher: ReportClient is not supported by the EndpointSlice adapter")
}

func (f *Fetcher) onSliceEvent(obj any) {
	slice, ok := obj.(*discoveryv1.EndpointSlice)
	if !ok {
		return
	}
	name := slice.Labels[serviceLabelKey]
	if name == "" {
		return
	}
	key := model.DataKey{Service: model.ServiceKey{Namespace: slice.Namespace, Name: name}, Kind: model.KindInstances}

	f.mu.Lock()
	handler, ok := f.handlers[key]
	f.mu.Unlock()
	if !ok {
		return
	}

	instances := instancesFromSlice(slice)
	revision := fmt.Sprintf("%s-%s", slice.ResourceVersion, slice.Name)
	handler.OnUpdate(key, revision, instances, true)
}

func (f *Fetcher) onSliceDelete(obj any) {
	slice, ok := obj.(*discoveryv1.EndpointSlice)
	if !ok {
		if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
			slice, ok = tomb.Obj.(*discoveryv1.EndpointSlice)
			if !ok {
				return
			}
		} else {
			return
		}
	}
	name := slice.Labels[serviceLabelKey]
	if name == "" {
		return
	}
	key := model.DataKey{Service: model.ServiceKey{Namespace: slice.Namespace, Name: name}, Kind: model.KindInstances}

	f.mu.Lock()
	handler, ok := f.handlers[key]
	f.mu.Unlock()
	if !ok {
		return
	}
	// EndpointSlices are sharded: losing one slice doesn't necessarily
	// mean the service is gone, but this adapter does not track
	// multi-slice membership. It reports an empty instance list for the
	// key whenever any one of its slices is deleted, even if other slices
	// of the service remain.
	handler.OnUpdate(key, slice.ResourceVersion, []*model.Instance{}, true)
}

func instancesFromSlice(slice *discoveryv1.EndpointSlice) []*model.Instance {
	var port uint32
	for _, p := range slice.Ports {
		if p.Port != nil {
			port = uint32(*p.Port)
			break
		}
	}

	var instances []*model.Instance
	for _, ep := range slice.Endpoints {
		if ep.Conditions.Ready != nil && !*ep.Conditions.Ready {
			continue
		}
		for _, addr := range ep.Addresses {
			id := addr
			if ep.TargetRef != nil {
				id = string(ep.TargetRef.UID)
			}
			var zone string
			if ep.Zone != nil {
				zone = *ep.Zone
			}
			instances = append(instances, model.NewInstance(id, addr, port, 100, ep.DeprecatedTopology, "", zone, "", ""))
		}
	}
	return instances
}
