package breaker

import (
	"sync"
	"time"

	"github.com/flowmesh/discovery/internal/pluginregistry"
)

func init() {
	pluginregistry.Register(pluginregistry.KindCircuitBreaker, "errorCount", func(cfg any) (any, error) {
		c := ErrorCountConfig{ContinuousErrorThreshold: 10, SleepWindow: 30 * time.Second}
		if given, ok := cfg.(ErrorCountConfig); ok {
			c = given
		}
		return NewErrorCount(c), nil
	})
}

// ErrorCountConfig mirrors consumer.circuitBreaker's per-plugin
// sub-config for the error-count plugin.
type ErrorCountConfig struct {
	ContinuousErrorThreshold int
	SleepWindow              time.Duration
}

type errorCountStats struct {
	consecutiveErrors int
	openedAt          time.Time
}

// ErrorCount trips an instance to Open after ContinuousErrorThreshold
// consecutive failed calls, and proposes Open->HalfOpen on the timing
// cycle once SleepWindow has elapsed since it opened. A single
// successful half-open probe closes the breaker; a failed probe
// re-opens it and restarts the sleep window.
type ErrorCount struct {
	cfg ErrorCountConfig

	mu    sync.Mutex
	stats map[string]*errorCountStats
}

func NewErrorCount(cfg ErrorCountConfig) *ErrorCount {
	if cfg.ContinuousErrorThreshold <= 0 {
		cfg.ContinuousErrorThreshold = 10
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 30 * time.Second
	}
	return &ErrorCount{cfg: cfg, stats: make(map[string]*errorCountStats)}
}

func (p *ErrorCount) Name() string { return "errorCount" }

func (p *ErrorCount) statsFor(id string) *errorCountStats {
	st, ok := p.stats[id]
	if !ok {
		st = &errorCountStats{}
		p.stats[id] = st
	}
	return st
}

func (p *ErrorCount) OnCallResult(data *ChainData, pluginIndex int, result CallResult) {
	p.mu.Lock()
	st := p.statsFor(result.InstanceID)
	p.mu.Unlock()

	status, _ := data.StatusOf(result.InstanceID)

	if result.Success {
		p.mu.Lock()
		st.consecutiveErrors = 0
		p.mu.Unlock()
		if status == StatusHalfOpen {
			data.TranslateStatus(pluginIndex, result.InstanceID, StatusHalfOpen, StatusClosed)
		}
		return
	}

	if status == StatusHalfOpen {
		// A failed probe during half-open re-opens immediately and
		// restarts the sleep window.
		if data.TranslateStatus(pluginIndex, result.InstanceID, StatusHalfOpen, StatusOpen) {
			p.mu.Lock()
			st.openedAt = result.Timestamp
			st.consecutiveErrors = 0
			p.mu.Unlock()
		}
		return
	}

	if status != StatusClosed {
		return
	}

	p.mu.Lock()
	st.consecutiveErrors++
	trip := st.consecutiveErrors >= p.cfg.ContinuousErrorThreshold
	p.mu.Unlock()

	if trip {
		if data.TranslateStatus(pluginIndex, result.InstanceID, StatusClosed, StatusOpen) {
			p.mu.Lock()
			st.openedAt = result.Timestamp
			st.consecutiveErrors = 0
			p.mu.Unlock()
		}
	}
}

func (p *ErrorCount) OnTimer(data *ChainData, pluginIndex int, exists func(id string) bool) {
	now := time.Now()
	p.mu.Lock()
	due := make([]string, 0)
	for id, st := range p.stats {
		if !st.openedAt.IsZero() && now.Sub(st.openedAt) >= p.cfg.SleepWindow {
			due = append(due, id)
		}
	}
	p.mu.Unlock()

	for _, id := range due {
		status, owner := data.StatusOf(id)
		if status == StatusOpen && (owner == pluginIndex || owner < 0) {
			data.TranslateStatus(pluginIndex, id, StatusOpen, StatusHalfOpen)
		}
	}

	p.mu.Lock()
	for id := range p.stats {
		if !exists(id) {
			delete(p.stats, id)
		}
	}
	p.mu.Unlock()
	data.Purge(exists)
}
