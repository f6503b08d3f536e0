package healthcheck

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/flowmesh/discovery/internal/model"
	"github.com/flowmesh/discovery/internal/pluginregistry"
)

func init() {
	pluginregistry.Register(pluginregistry.KindHealthChecker, "tcp", func(cfg any) (any, error) {
		timeout := 2 * time.Second
		if c, ok := cfg.(TCPCheckerConfig); ok && c.Timeout > 0 {
			timeout = c.Timeout
		}
		return NewTCPChecker(timeout), nil
	})
	pluginregistry.Register(pluginregistry.KindHealthChecker, "http", func(cfg any) (any, error) {
		c, _ := cfg.(HTTPCheckerConfig)
		if c.Timeout <= 0 {
			c.Timeout = 2 * time.Second
		}
		if c.Path == "" {
			c.Path = "/healthz"
		}
		return NewHTTPChecker(c), nil
	})
}

type TCPCheckerConfig struct {
	Timeout time.Duration
}

// TCPChecker probes liveness with a bare TCP dial, the cheapest probe
// that still distinguishes a dead backend from a slow one.
type TCPChecker struct {
	timeout time.Duration
	dialer  net.Dialer
}

func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{timeout: timeout}
}

func (c *TCPChecker) Name() string { return "tcp" }

func (c *TCPChecker) Check(ctx context.Context, inst *model.Instance) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", inst.Host, inst.Port))
	if err != nil {
		return false, nil
	}
	_ = conn.Close()
	return true, nil
}

type HTTPCheckerConfig struct {
	Path    string
	Timeout time.Duration
}

// HTTPChecker probes liveness with a GET against Path, treating any 2xx
// response as healthy.
type HTTPChecker struct {
	cfg    HTTPCheckerConfig
	client *http.Client
}

func NewHTTPChecker(cfg HTTPCheckerConfig) *HTTPChecker {
	return &HTTPChecker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (c *HTTPChecker) Name() string { return "http" }

func (c *HTTPChecker) Check(ctx context.Context, inst *model.Instance) (bool, error) {
	url := fmt.Sprintf("http://%s:%d%s", inst.Host, inst.Port, c.cfg.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
