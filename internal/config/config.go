// Package config implements the hierarchical configuration document:
// YAML parsing into a typed Configuration, per-service override
// merging, and a debounced hot-reload channel driven by fsnotify.
package config

import (
	"reflect"
	"time"
)

// Configuration is the root of the hierarchical document. Every field
// below maps 1:1 onto a dotted config key.
type Configuration struct {
	Global   Global   `yaml:"global"`
	Consumer Consumer `yaml:"consumer"`
}

type Global struct {
	ServerConnector ServerConnector `yaml:"serverConnector"`
	System          System          `yaml:"system"`
	API             API             `yaml:"api"`
}

type ServerConnector struct {
	Addresses []string `yaml:"addresses"`
}

// WellKnownService is a (namespace, name, refreshInterval) triple used
// for the system's own bootstrap services (discovery, heartbeat,
// monitor, metric).
type WellKnownService struct {
	Namespace       string        `yaml:"namespace"`
	Name            string        `yaml:"name"`
	RefreshInterval time.Duration `yaml:"refreshInterval"`
}

type System struct {
	DiscoverCluster WellKnownService `yaml:"discoverCluster"`
	HeartbeatCluster WellKnownService `yaml:"heartbeatCluster"`
	MonitorCluster  WellKnownService `yaml:"monitorCluster"`
	MetricCluster   WellKnownService `yaml:"metricCluster"`
}

type API struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetryTimes  int           `yaml:"maxRetryTimes"`
	RetryInterval  time.Duration `yaml:"retryInterval"`
	ReportInterval time.Duration `yaml:"reportInterval"`
	CacheClearTime time.Duration `yaml:"cacheClearTime"`
	BindIf         string        `yaml:"bindIf"`
	BindIP         string        `yaml:"bindIP"`
}

type Consumer struct {
	ServiceRouter  ServiceRouter            `yaml:"serviceRouter"`
	LoadBalancer   LoadBalancer             `yaml:"loadBalancer"`
	CircuitBreaker CircuitBreaker           `yaml:"circuitBreaker"`
	HealthCheck    HealthCheck              `yaml:"healthCheck"`
	LocalCache     LocalCache               `yaml:"localCache"`
	WeightAdjuster WeightAdjuster           `yaml:"weightAdjuster"`
	Service        []ServiceOverride        `yaml:"service"`
}

type ServiceRouter struct {
	Enable bool     `yaml:"enable"`
	Chain  []string `yaml:"chain"`

	MatchLevel                      string `yaml:"matchLevel"`
	MaxMatchLevel                   string `yaml:"maxMatchLevel"`
	StrictNearby                    bool   `yaml:"strictNearby"`
	EnableDegradeByUnhealthyPercent bool   `yaml:"enableDegradeByUnhealthyPercent"`
	UnhealthyPercentToDegrade       int    `yaml:"unhealthyPercentToDegrade"`
	EnableRecoverAll                bool   `yaml:"enableRecoverAll"`
}

type LoadBalancer struct {
	Type       string `yaml:"type"`
	VnodeCount int    `yaml:"vnodeCount"`
	HashFunc   string `yaml:"hashFunc"`
}

type CircuitBreaker struct {
	Enable           bool              `yaml:"enable"`
	CheckPeriod      time.Duration     `yaml:"checkPeriod"`
	Chain            []string          `yaml:"chain"`
	SetCircuitBreaker SetCircuitBreaker `yaml:"setCircuitBreaker"`
}

type SetCircuitBreaker struct {
	Enable bool `yaml:"enable"`
}

type HealthCheck struct {
	When  string   `yaml:"when"`
	Chain []string `yaml:"chain"`
}

type LocalCache struct {
	PersistDir            string        `yaml:"persistDir"`
	ServiceExpireTime      time.Duration `yaml:"serviceExpireTime"`
	ServiceRefreshInterval time.Duration `yaml:"serviceRefreshInterval"`
	PersistAvailableTime   time.Duration `yaml:"persistAvailableTime"`
	PersistMaxWriteRetry   int           `yaml:"persistMaxWriteRetry"`
	PersistRetryInterval   time.Duration `yaml:"persistRetryInterval"`
}

type WeightAdjuster struct {
	Window           time.Duration `yaml:"window"`
	StepSize         time.Duration `yaml:"stepSize"`
	Aggression       float64       `yaml:"aggression"`
	MinWeightPercent int           `yaml:"minWeightPercent"`
}

// ServiceOverride redefines any subset of Consumer for one
// (namespace, name) pair.
type ServiceOverride struct {
	Namespace string    `yaml:"namespace"`
	Name      string    `yaml:"name"`
	Consumer  *Consumer `yaml:"consumer,omitempty"`
}

// Default returns a Configuration with every floored threshold
// (serviceExpireTime >= 60s, serviceRefreshInterval >= 100ms) set at or
// above its floor, and otherwise conservative production defaults.
func Default() Configuration {
	return Configuration{
		Global: Global{
			API: API{
				Timeout:        time.Second,
				MaxRetryTimes:  3,
				RetryInterval:  500 * time.Millisecond,
				ReportInterval: 10 * time.Second,
				CacheClearTime: 5 * time.Minute,
			},
		},
		Consumer: Consumer{
			ServiceRouter: ServiceRouter{
				Enable:                     true,
				Chain:                      []string{"ruleBasedRouter", "nearbyBasedRouter", "setDivisionRouter", "canaryRouter", "metadataRouter"},
				MatchLevel:                 "zone",
				MaxMatchLevel:              "all",
				UnhealthyPercentToDegrade:  100,
				EnableDegradeByUnhealthyPercent: true,
			},
			LoadBalancer: LoadBalancer{Type: "weightedRandom"},
			CircuitBreaker: CircuitBreaker{
				Enable:      true,
				CheckPeriod: 10 * time.Second,
				Chain:       []string{"errorCount"},
			},
			HealthCheck: HealthCheck{When: "never"},
			LocalCache: LocalCache{
				ServiceExpireTime:      time.Minute,
				ServiceRefreshInterval: time.Second,
				PersistAvailableTime:   24 * time.Hour,
				PersistMaxWriteRetry:   3,
				PersistRetryInterval:   100 * time.Millisecond,
			},
			WeightAdjuster: WeightAdjuster{
				Window:           30 * time.Second,
				StepSize:         time.Second,
				Aggression:       1.0,
				MinWeightPercent: 10,
			},
		},
	}
}

// ForService returns the Consumer section for one service: a
// configured override is merged onto the global section one
// sub-section at a time (serviceRouter, loadBalancer, circuitBreaker,
// ...). A sub-section the override sets replaces the global one
// wholesale; a sub-section it leaves at its zero value keeps the
// global one. Fields inside a sub-section are not merged.
func (c Configuration) ForService(namespace, name string) Consumer {
	for _, svc := range c.Consumer.Service {
		if svc.Namespace == namespace && svc.Name == name && svc.Consumer != nil {
			merged := c.Consumer
			dst := reflect.ValueOf(&merged).Elem()
			src := reflect.ValueOf(*svc.Consumer)
			for i := 0; i < src.NumField(); i++ {
				if !src.Field(i).IsZero() {
					dst.Field(i).Set(src.Field(i))
				}
			}
			return merged
		}
	}
	return c.Consumer
}
