// Package registry is the local, in-process store of published service
// data: a read-mostly map of entries keyed by (ServiceKey, DataKind), a
// dedicated aggregate per ServiceKey holding circuit-breaker state, and
// load-or-subscribe semantics that collapse concurrent first-fetches
// for the same key into a single upstream request.
package registry

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/persist"
	"github.com/flowmesh/discovery/internal/rcumap"
	"github.com/flowmesh/discovery/internal/retire"
)

// Fetcher is the minimal upstream contract the registry needs: fetch the
// current snapshot for key. Concrete adapters (report-client polling,
// Kubernetes informers) live in internal/fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, key model.DataKey) (revision string, payload any, err error)
}

// Registry is the process-wide local store. Safe for concurrent use; the
// zero value is not usable, use New.
type Registry struct {
	entries  *rcumap.Map[model.DataKey, *entry]
	services *rcumap.Map[model.ServiceKey, *model.Service]
	retired  retire.Queue[*model.ServiceData]
	inflight singleflight.Group
	disk     *persist.Store // nil disables disk fallback
	logger   *slog.Logger
}

func New(disk *persist.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  rcumap.New[model.DataKey, *entry](),
		services: rcumap.New[model.ServiceKey, *model.Service](),
		disk:     disk,
		logger:   logger,
	}
}

// ServiceFor returns the aggregate for key, creating it on first access.
func (r *Registry) ServiceFor(key model.ServiceKey) *model.Service {
	svc, _ := r.services.CreateOrGet(key, func() *model.Service {
		return model.NewService(key)
	})
	svc.Touch()
	return svc
}

// Get returns the currently published snapshot for key without
// triggering a fetch, and whether one has ever been published.
func (r *Registry) Get(key model.DataKey) (*model.ServiceData, bool) {
	e, ok := r.entries.Get(key)
	if !ok {
		return nil, false
	}
	return e.Result()
}

// LoadOrSubscribe returns a model.DataWaiter for key, creating the
// registry entry and kicking off exactly one upstream fetch per
// not-yet-resolved key even under concurrent callers (golang.org/x/sync's
// singleflight dedups the Fetch call itself; the entry dedups which
// goroutine gets to publish). If a disk store is configured and the
// entry has never been published in this process, its on-disk snapshot
// (if fresh) seeds the entry with StatusInitFromDisk so allowDisk
// readers can proceed immediately.
func (r *Registry) LoadOrSubscribe(ctx context.Context, key model.DataKey, fetcher Fetcher) model.DataWaiter {
	e, created := r.entries.CreateOrGet(key, func() *entry { return newEntry() })
	if created && r.disk != nil {
		if diskData, ok := r.disk.Load(key.Service, key.Kind); ok {
			e.publish(diskData)
		}
	}
	if created {
		r.fetchAsync(key, fetcher)
	}
	return e
}

func (r *Registry) fetchAsync(key model.DataKey, fetcher Fetcher) {
	go func() {
		_, _, _ = r.inflight.Do(key.String(), func() (any, error) {
			revision, payload, err := fetcher.Fetch(context.Background(), key)
			if err != nil {
				r.logger.Warn("registry: fetch failed", "key", key, "error", err)
				return nil, err
			}
			r.Publish(key, revision, model.StatusSyncing, payload)
			return nil, nil
		})
	}()
}

// Publish installs a new snapshot for key, retiring whatever it
// displaces into the reclamation queue rather than freeing it
// immediately; a concurrent reader may still hold a reference obtained
// before this call.
func (r *Registry) Publish(key model.DataKey, revision string, status model.Status, payload any) *model.ServiceData {
	svc := r.ServiceFor(key.Service)
	data := model.NewServiceData(key, revision, status, payload, svc)

	e, _ := r.entries.CreateOrGet(key, func() *entry { return newEntry() })
	old := e.publish(data)
	if old != nil {
		now := time.Now()
		old.MarkRetired(now)
		r.retired.Add(old, now)
	}
	if r.disk != nil && (status == model.StatusSyncing || status == model.StatusNotFound) {
		// A NotFound publish carries a nil payload, which the store
		// treats as "delete the file".
		if err := r.disk.Persist(key.Service, key.Kind, data); err != nil {
			r.logger.Warn("registry: disk persist failed", "key", key, "error", err)
		}
	}
	if status == model.StatusNotFound && key.Kind == model.KindInstances {
		// The control plane says the service is gone: drop the whole
		// aggregate so breaker state doesn't outlive it.
		r.services.Delete(key.Service)
	}
	return data
}

// SetCircuitBreaker installs a new breaker snapshot for service.
func (r *Registry) SetCircuitBreaker(service model.ServiceKey, snap model.BreakerSnapshot) {
	r.ServiceFor(service).SetBreaker(snap)
}

// SetSetBreakerStatus installs the set-level breaker's aggregate verdict
// for one subset label of service, implementing breaker.SetPublisher.
func (r *Registry) SetSetBreakerStatus(service model.ServiceKey, label string, status model.SetBreakerStatus) {
	r.ServiceFor(service).SetSetBreakerStatus(label, status)
}

// CollectGarbage releases every retired ServiceData whose retirement
// predates safeBefore (an internal/epoch.Tracker.MinTime() reading).
func (r *Registry) CollectGarbage(safeBefore time.Time) {
	r.retired.Drain(safeBefore)
	r.entries.CollectGarbage(safeBefore)
	r.services.CollectGarbage(safeBefore)
}

// CheckExpired returns every DataKey not accessed since before
// minAccessTime, without removing them; the caller (the scheduler)
// decides whether to actually evict.
func (r *Registry) CheckExpired(minAccessTime time.Time) []model.DataKey {
	return r.entries.CollectExpired(minAccessTime)
}

// Expire removes keys from the registry outright, e.g. once
// CheckExpired plus a grace period has elapsed with no further access.
func (r *Registry) Expire(keys ...model.DataKey) {
	r.entries.Delete(keys...)
}
