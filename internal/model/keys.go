// Package model holds the shared, dependency-free data types every other
// internal package builds on: service identifiers, instances, the
// per-call routing bundle, and the circuit-breaker aggregate.
package model

import "fmt"

// ServiceKey identifies a logical named endpoint collection. It is
// immutable and safe to use as a map key.
type ServiceKey struct {
	Namespace string
	Name      string
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s/%s", k.Namespace, k.Name)
}

func (k ServiceKey) Empty() bool {
	return k.Namespace == "" && k.Name == ""
}

// DataKind enumerates the sub-resources independently fetchable for a
// service.
type DataKind int

const (
	KindInstances DataKind = iota
	KindRouteRule
	KindRateLimit
	KindCircuitBreakerConfig
)

func (k DataKind) String() string {
	switch k {
	case KindInstances:
		return "Instances"
	case KindRouteRule:
		return "RouteRule"
	case KindRateLimit:
		return "RateLimit"
	case KindCircuitBreakerConfig:
		return "CircuitBreakerConfig"
	default:
		return "Unknown"
	}
}

// DataKey is the compound key a registry entry lives under.
type DataKey struct {
	Service ServiceKey
	Kind    DataKind
}

func (k DataKey) String() string {
	return fmt.Sprintf("%s:%s", k.Service, k.Kind)
}
