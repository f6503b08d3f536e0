// Package pluginregistry is the process-wide, lazily-initialized
// plugin factory: one registry per plugin kind (ServiceRouter,
// LoadBalancer, CircuitBreaker, HealthChecker, WeightAdjuster), keyed
// by the string name used in configuration. Concrete plugin packages
// call Register from an init() function; the registry lives for the
// whole process and is never freed.
package pluginregistry

import (
	"fmt"
	"sync"

	"github.com/flowmesh/discovery/internal/errs"
)

// Kind is one of the closed set of plugin categories.
type Kind string

const (
	KindServiceRouter  Kind = "ServiceRouter"
	KindLoadBalancer   Kind = "LoadBalancer"
	KindCircuitBreaker Kind = "CircuitBreaker"
	KindHealthChecker  Kind = "HealthChecker"
	KindWeightAdjuster Kind = "WeightAdjuster"
)

// Factory builds a plugin instance from its raw configuration section.
// What "raw configuration" means is kind-specific; each plugin package
// type-asserts or re-decodes cfg itself.
type Factory func(cfg any) (any, error)

var (
	mu    sync.Mutex
	plugs = make(map[Kind]map[string]Factory)
)

// Register installs a named factory for kind. Intended to be called
// from plugin package init() functions only; panics on duplicate
// registration since that indicates two plugins fighting over one name
// at link time, not a runtime condition callers should have to handle.
func Register(kind Kind, name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	byName, ok := plugs[kind]
	if !ok {
		byName = make(map[string]Factory)
		plugs[kind] = byName
	}
	if _, exists := byName[name]; exists {
		panic(fmt.Sprintf("pluginregistry: duplicate registration for %s/%s", kind, name))
	}
	byName[name] = factory
}

// New constructs the named plugin of kind, or a PluginError if no such
// plugin was ever registered.
func New(kind Kind, name string, cfg any) (any, error) {
	mu.Lock()
	factory, ok := plugs[kind][name]
	mu.Unlock()
	if !ok {
		return nil, errs.New(errs.KindPluginError, fmt.Sprintf("no %s plugin registered under name %q", kind, name))
	}
	return factory(cfg)
}

// Names lists every registered plugin name for kind, mainly for
// diagnostics and tests.
func Names(kind Kind) []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(plugs[kind]))
	for n := range plugs[kind] {
		names = append(names, n)
	}
	return names
}
