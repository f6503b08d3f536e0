package discovery

import (
	"time"

	"github.com/flowmesh/discovery/internal/errs"
	"github.com/flowmesh/discovery/internal/model"
)

// ServiceKey re-exports the (namespace, name) identifier callers address
// services by.
type ServiceKey = model.ServiceKey

// Instance re-exports the immutable service-member type responses carry.
type Instance = model.Instance

// SourceService describes the calling service and its metadata, used by
// the rule-based and set-division routers to match caller attributes.
type SourceService struct {
	Service  ServiceKey
	Metadata map[string]string
}

// GetOneInstanceRequest asks for a single instance of a service chosen
// by the configured route-filter chain and load balancer.
type GetOneInstanceRequest struct {
	Service ServiceKey
	Source  *SourceService

	// Labels carry request attributes the rule-based router matches
	// ("path", "method", "header.<Name>", "query.<Name>") plus the
	// caller's locality ("region", "zone", "campus").
	Labels   map[string]string
	Metadata map[string]string

	CanaryTag string

	// HashKey feeds consistent-hash balancers; ignored by the others.
	HashKey string
	// LoadBalancerType overrides the configured default for this call.
	LoadBalancerType string

	// Timeout bounds how long the call may block waiting for service
	// data to arrive from the control plane. Zero means "fail
	// immediately if not already cached". Negative falls back to the
	// configured global.api.timeout.
	Timeout time.Duration
}

// GetInstancesRequest asks for the full routed instance list, or a
// primary plus BackupInstanceNum distinct backups when that field is
// positive.
type GetInstancesRequest struct {
	Service ServiceKey
	Source  *SourceService

	Labels   map[string]string
	Metadata map[string]string

	CanaryTag string
	HashKey   string
	LoadBalancerType string

	IncludeCircuitBreakerInstances bool
	IncludeUnhealthyInstances      bool
	SkipRouteFilter                bool
	BackupInstanceNum              int

	Timeout time.Duration
}

// GetAllInstancesRequest asks for every instance currently known for a
// service, never filtered by routing, health, or breaker state.
type GetAllInstancesRequest struct {
	Service ServiceKey
	Timeout time.Duration
}

// InstancesResponse is the common response shape: the service the
// instances belong to, the control-plane revision they were taken from,
// and the chosen instances in order (primary first when backups were
// requested).
type InstancesResponse struct {
	Service   ServiceKey
	Revision  string
	Instances []*Instance

	// SubsetLabels names the subset the route chain narrowed to, if any.
	SubsetLabels map[string]string
	// RecoverAll reports that filtering degraded past policy and the
	// response includes instances that would normally be excluded.
	RecoverAll bool
}

// ServiceCallResult reports one completed call so the circuit breaker
// and statistics pipeline can observe it. Either InstanceID or
// Host+Port must identify the callee.
type ServiceCallResult struct {
	Service    ServiceKey
	InstanceID string
	Host       string
	Port       uint32

	Success bool
	RetCode int
	Latency time.Duration
	// SubsetLabel attributes the call to a set for the set-level
	// breaker; empty skips set accounting.
	SubsetLabel string
}

func (r ServiceCallResult) validate() error {
	if r.Service.Empty() {
		return errs.New(errs.KindInvalidArgument, "call result missing service key")
	}
	if r.InstanceID == "" && (r.Host == "" || r.Port == 0) {
		return errs.New(errs.KindInvalidArgument, "call result must carry instance id or host:port")
	}
	return nil
}
