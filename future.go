package discovery

import (
	"context"

	"github.com/flowmesh/discovery/internal/errs"
)

// InstanceFuture is the callback handle returned by AsyncGetOneInstance.
// It resolves once the service's data readiness transitions and the
// route-and-balance step has run, or fails with the same error taxonomy
// the blocking call uses.
type InstanceFuture struct {
	done chan struct{}
	resp *InstancesResponse
	err  error
}

// Done is closed when the future has resolved.
func (f *InstanceFuture) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future resolves or ctx is cancelled.
func (f *InstanceFuture) Get(ctx context.Context) (*InstancesResponse, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.KindTimeout, "future not resolved", ctx.Err())
	}
}

// TryGet returns the result without blocking; ok is false while the
// future is still pending.
func (f *InstanceFuture) TryGet() (resp *InstancesResponse, err error, ok bool) {
	select {
	case <-f.done:
		return f.resp, f.err, true
	default:
		return nil, nil, false
	}
}

// AsyncGetOneInstance starts a non-blocking lookup. The request's
// Timeout bounds how long the background wait may take; zero falls back
// to the configured global.api.timeout rather than failing immediately,
// since an async caller has already opted out of fail-fast semantics.
func (c *Consumer) AsyncGetOneInstance(req GetOneInstanceRequest) *InstanceFuture {
	f := &InstanceFuture{done: make(chan struct{})}
	if err := c.checkFork(); err != nil {
		f.err = err
		close(f.done)
		return f
	}
	if req.Timeout == 0 {
		req.Timeout = c.cfg.Global.API.Timeout
	}
	go func() {
		defer close(f.done)
		f.resp, f.err = c.GetOneInstance(req)
	}()
	return f
}
