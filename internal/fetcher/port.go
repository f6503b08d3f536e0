package fetcher

import (
	"context"
	"time"

	"github.com/flowmesh/discovery/internal/model"
)

// Handler is the registry-facing callback surface of a subscription:
// OnUpdate delivers a new snapshot (or a nil payload to signal deletion,
// treated identically to an explicit not-found response), OnSync
// refreshes the disk cache's mtime without re-serializing when the
// control plane confirms "nothing changed".
type Handler interface {
	OnUpdate(key model.DataKey, revision string, payload any, found bool)
	OnSync(key model.DataKey)
}

// DataFetcher is the abstract bidirectional link to the control plane:
// Register subscribes a (service, kind) for delivery at roughly
// refreshInterval; Deregister ends it; ReportClient reports the
// process's bind address and gets back the control plane's idea of this
// client's Location.
type DataFetcher interface {
	Register(ctx context.Context, key model.DataKey, refreshInterval time.Duration, handler Handler) error
	Deregister(key model.DataKey)
	ReportClient(ctx context.Context, bindIP string, timeout time.Duration) (Location, error)
}

// Location is the client-side placement the control plane reports
// back, persisted alongside service snapshots.
type Location struct {
	Region string `json:"region"`
	Zone   string `json:"zone"`
	Campus string `json:"campus"`
}
