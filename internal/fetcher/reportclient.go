// Package fetcher defines the control-plane port and a default HTTP
// adapter: ReportClient polls a discovery server's report endpoint,
// while internal/k8sfetcher turns Kubernetes EndpointSlice/Gateway API
// objects into the same shape via client-go informers.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowmesh/discovery/internal/model"
)

const (
	// ReportPath is the endpoint a discovery server exposes for polling a
	// service's current instance list or route rules.
	ReportPath = "/v1/ReportClient"

	DefaultTimeout = 5 * time.Second
)

// reportResponse is the wire envelope a discovery server returns.
type reportResponse struct {
	Revision  string          `json:"revision"`
	NotFound  bool            `json:"not_found"`
	Instances []instanceWire  `json:"instances,omitempty"`
	Rules     []model.RouteRule `json:"route_rules,omitempty"`
}

type instanceWire struct {
	ID       string            `json:"id"`
	Host     string            `json:"host"`
	Port     uint32            `json:"port"`
	Weight   int               `json:"weight"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Region   string            `json:"region,omitempty"`
	Zone     string            `json:"zone,omitempty"`
	Campus   string            `json:"campus,omitempty"`
	SetName  string            `json:"set_name,omitempty"`
}

// ReportClient polls a discovery server over HTTP. It implements
// registry.Fetcher without importing internal/registry, so either side
// can depend on the other without a cycle.
type ReportClient struct {
	httpClient *http.Client
	baseURL    string
	// limiter paces retries after a failed poll so a persistently
	// unreachable server doesn't get hammered.
	limiter *rate.Limiter

	mu            sync.Mutex
	subscriptions map[model.DataKey]context.CancelFunc
}

func NewReportClient(baseURL string, maxRetryRate rate.Limit) *ReportClient {
	return &ReportClient{
		httpClient:    &http.Client{Timeout: DefaultTimeout},
		baseURL:       baseURL,
		limiter:       rate.NewLimiter(maxRetryRate, 1),
		subscriptions: make(map[model.DataKey]context.CancelFunc),
	}
}

// Register implements DataFetcher by starting a polling goroutine that
// calls Fetch at roughly refreshInterval and delivers results through
// handler. A revision that hasn't changed since the last poll calls
// OnSync instead of OnUpdate, so the registry's disk cache only touches
// mtime rather than re-serializing identical data.
func (c *ReportClient) Register(ctx context.Context, key model.DataKey, refreshInterval time.Duration, handler Handler) error {
	pollCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if existing, ok := c.subscriptions[key]; ok {
		existing()
	}
	c.subscriptions[key] = cancel
	c.mu.Unlock()

	go c.poll(pollCtx, key, refreshInterval, handler)
	return nil
}

func (c *ReportClient) Deregister(key model.DataKey) {
	c.mu.Lock()
	cancel, ok := c.subscriptions[key]
	delete(c.subscriptions, key)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *ReportClient) poll(ctx context.Context, key model.DataKey, interval time.Duration, handler Handler) {
	if interval <= 0 {
		interval = DefaultTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastRevision string
	for {
		revision, payload, err := c.Fetch(ctx, key)
		switch {
		case err != nil:
			// Transient fetch failure: leave the existing snapshot in
			// place and retry on the next tick; background errors are
			// never surfaced to a caller.
		case revision == lastRevision && lastRevision != "":
			handler.OnSync(key)
		default:
			handler.OnUpdate(key, revision, payload, payload != nil || revision != "")
			lastRevision = revision
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReportClient implements DataFetcher.ReportClient: it posts the
// process's bind IP to the discovery server's client-report endpoint and
// parses back the Location the server associates with it.
func (c *ReportClient) ReportClient(ctx context.Context, bindIP string, timeout time.Duration) (Location, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s%s?bind_ip=%s", c.baseURL, ReportPath, bindIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Location{}, fmt.Errorf("fetcher: new request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("fetcher: report client: %w", err)
	}
	defer resp.Body.Close()

	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return Location{}, fmt.Errorf("fetcher: decode location: %w", err)
	}
	return loc, nil
}

// Fetch polls the server for key's current data. The kind travels in
// the query string, and the caller is expected to retry on error; Fetch
// itself does not loop, so the registry's load-or-subscribe path stays
// in control of when the next attempt happens.
func (c *ReportClient) Fetch(ctx context.Context, key model.DataKey) (revision string, payload any, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", nil, fmt.Errorf("fetcher: rate limiter: %w", err)
	}

	url := fmt.Sprintf("%s%s?namespace=%s&name=%s&kind=%s", c.baseURL, ReportPath, key.Service.Namespace, key.Service.Name, key.Kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("fetcher: new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetcher: do %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetcher: server returned %d: %s", resp.StatusCode, string(body))
	}

	var rr reportResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", nil, fmt.Errorf("fetcher: unmarshal: %w (body: %s)", err, string(body))
	}
	if rr.NotFound {
		return rr.Revision, nil, nil
	}

	switch key.Kind {
	case model.KindInstances:
		instances := make([]*model.Instance, 0, len(rr.Instances))
		for _, w := range rr.Instances {
			instances = append(instances, model.NewInstance(w.ID, w.Host, w.Port, w.Weight, w.Metadata, w.Region, w.Zone, w.Campus, w.SetName))
		}
		return rr.Revision, instances, nil
	case model.KindRouteRule:
		return rr.Revision, rr.Rules, nil
	default:
		return rr.Revision, nil, nil
	}
}
