package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
global:
  serverConnector:
    addresses:
      - http://plane-1:8090
      - http://plane-2:8090
  api:
    timeout: 750ms
    maxRetryTimes: 5
    cacheClearTime: 2m
consumer:
  serviceRouter:
    enable: true
    chain: [ruleBasedRouter, nearbyBasedRouter]
    matchLevel: zone
    maxMatchLevel: region
    enableRecoverAll: true
  loadBalancer:
    type: ringHash
    vnodeCount: 64
  circuitBreaker:
    enable: true
    checkPeriod: 5s
    chain: [errorCount, errorRate]
  localCache:
    persistDir: /var/cache/discovery
    serviceExpireTime: 90s
    serviceRefreshInterval: 500ms
  service:
    - namespace: Test
      name: svc.special
      consumer:
        loadBalancer:
          type: weightedRandom
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "discovery.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesDocument(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Global.ServerConnector.Addresses) != 2 {
		t.Fatalf("addresses = %d", len(cfg.Global.ServerConnector.Addresses))
	}
	if cfg.Global.API.Timeout != 750*time.Millisecond {
		t.Fatalf("timeout = %v", cfg.Global.API.Timeout)
	}
	if cfg.Consumer.LoadBalancer.Type != "ringHash" || cfg.Consumer.LoadBalancer.VnodeCount != 64 {
		t.Fatalf("loadBalancer = %+v", cfg.Consumer.LoadBalancer)
	}
	if len(cfg.Consumer.ServiceRouter.Chain) != 2 {
		t.Fatalf("router chain = %v", cfg.Consumer.ServiceRouter.Chain)
	}
	if cfg.Consumer.LocalCache.ServiceExpireTime != 90*time.Second {
		t.Fatalf("serviceExpireTime = %v", cfg.Consumer.LocalCache.ServiceExpireTime)
	}
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	if _, err := Load(writeConfig(t, "global: [not: a: mapping")); err == nil {
		t.Fatal("malformed YAML should fail Load")
	}
}

func TestForServiceOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	special := cfg.ForService("Test", "svc.special")
	if special.LoadBalancer.Type != "weightedRandom" {
		t.Fatalf("override not applied: %+v", special.LoadBalancer)
	}

	plain := cfg.ForService("Test", "svc.other")
	if plain.LoadBalancer.Type != "ringHash" {
		t.Fatalf("non-overridden service should see the global section, got %+v", plain.LoadBalancer)
	}
}

func TestDefaultFloors(t *testing.T) {
	def := Default()
	if def.Consumer.LocalCache.ServiceExpireTime < time.Minute {
		t.Fatal("serviceExpireTime floor is 60s")
	}
	if def.Consumer.LocalCache.ServiceRefreshInterval < 100*time.Millisecond {
		t.Fatal("serviceRefreshInterval floor is 100ms")
	}
	if len(def.Consumer.ServiceRouter.Chain) == 0 {
		t.Fatal("default router chain must not be empty")
	}
}
