package registry

import (
	"context"
	"time"

	"github.com/flowmesh/discovery/internal/fetcher"
	"github.com/flowmesh/discovery/internal/model"
)

// handlerAdapter implements fetcher.Handler by publishing straight
// into the registry, bridging the push-based DataFetcher port onto
// Publish. LoadOrSubscribe's pull-style Fetcher covers the synchronous
// "get me one snapshot now" path; Subscribe below is the long-lived
// push path a control-plane connector uses once the first snapshot
// exists.
type handlerAdapter struct {
	registry *Registry
}

func (h handlerAdapter) OnUpdate(key model.DataKey, revision string, payload any, found bool) {
	if !found || payload == nil {
		h.registry.Publish(key, revision, model.StatusNotFound, nil)
		return
	}
	h.registry.Publish(key, revision, model.StatusSyncing, payload)
}

func (h handlerAdapter) OnSync(key model.DataKey) {
	if e, ok := h.registry.entries.Get(key); ok {
		if data, published := e.Result(); published && data != nil && h.registry.disk != nil {
			if err := h.registry.disk.UpdateSyncTime(key.Service, key.Kind); err != nil {
				h.registry.logger.Debug("registry: disk sync-time update failed", "key", key, "error", err)
			}
		}
	}
}

// Subscribe registers key with df for ongoing push updates at roughly
// refreshInterval, publishing every update into the registry as it
// arrives. Returns the DataWaiter a caller can also get via
// LoadOrSubscribe/Get.
func (r *Registry) Subscribe(ctx context.Context, key model.DataKey, df fetcher.DataFetcher, refreshInterval time.Duration) (model.DataWaiter, error) {
	e, _ := r.entries.CreateOrGet(key, func() *entry { return newEntry() })
	if err := df.Register(ctx, key, refreshInterval, handlerAdapter{registry: r}); err != nil {
		return nil, err
	}
	return e, nil
}
