package router

import "github.com/flowmesh/discovery/internal/model"

// HealthStatus reports per-instance health as maintained by the
// health-checker chain. A nil HealthStatus is treated as "every
// instance healthy"; only the circuit breaker partitions in that case,
// matching consumer.healthCheck.when=never.
type HealthStatus interface {
	IsHealthy(instanceID string) bool
}

// Partition splits instances into the candidate pool each filter draws
// from, the unfit set it excludes, and the half-open set load-balancer
// policy probes separately. Half-open instances are always pulled out
// of both other buckets regardless of flags.
func Partition(svc *model.Service, instances []*model.Instance, includeUnhealthy, includeCircuitOpen bool, health HealthStatus) (candidates, unfit, halfOpen []*model.Instance) {
	for _, in := range instances {
		if svc != nil {
			if _, ok := svc.IsHalfOpen(in.ID); ok {
				halfOpen = append(halfOpen, in)
				continue
			}
		}

		fit := true
		if svc != nil && !includeCircuitOpen && svc.IsOpen(in.ID) {
			fit = false
		}
		if fit && !includeUnhealthy && health != nil && !health.IsHealthy(in.ID) {
			fit = false
		}

		if fit {
			candidates = append(candidates, in)
		} else {
			unfit = append(unfit, in)
		}
	}
	return candidates, unfit, halfOpen
}
