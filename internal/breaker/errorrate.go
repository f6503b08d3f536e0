package breaker

import (
	"sync"
	"time"

	"github.com/flowmesh/discovery/internal/pluginregistry"
)

func init() {
	pluginregistry.Register(pluginregistry.KindCircuitBreaker, "errorRate", func(cfg any) (any, error) {
		c := ErrorRateConfig{RequestVolumeThreshold: 20, ErrorRatePercent: 50, Window: 10 * time.Second, SleepWindow: 30 * time.Second}
		if given, ok := cfg.(ErrorRateConfig); ok {
			c = given
		}
		return NewErrorRate(c), nil
	})
}

// ErrorRateConfig mirrors consumer.circuitBreaker's per-plugin
// sub-config for the error-rate plugin.
type ErrorRateConfig struct {
	RequestVolumeThreshold int
	ErrorRatePercent       int
	Window                 time.Duration
	SleepWindow            time.Duration
}

type rateStats struct {
	windowStart time.Time
	total       int
	errors      int
	openedAt    time.Time
}

// ErrorRate trips Open when, within a window of at least
// RequestVolumeThreshold calls observed, the error percentage reaches
// or exceeds ErrorRatePercent. The window is fixed: it starts at the
// first call and is restarted by the first call arriving more than
// Window after that start. Mirrors ErrorCount's half-open probe handling.
type ErrorRate struct {
	cfg ErrorRateConfig

	mu    sync.Mutex
	stats map[string]*rateStats
}

func NewErrorRate(cfg ErrorRateConfig) *ErrorRate {
	if cfg.RequestVolumeThreshold <= 0 {
		cfg.RequestVolumeThreshold = 20
	}
	if cfg.ErrorRatePercent <= 0 {
		cfg.ErrorRatePercent = 50
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.SleepWindow <= 0 {
		cfg.SleepWindow = 30 * time.Second
	}
	return &ErrorRate{cfg: cfg, stats: make(map[string]*rateStats)}
}

func (p *ErrorRate) Name() string { return "errorRate" }

func (p *ErrorRate) OnCallResult(data *ChainData, pluginIndex int, result CallResult) {
	status, _ := data.StatusOf(result.InstanceID)

	if status == StatusHalfOpen {
		if result.Success {
			data.TranslateStatus(pluginIndex, result.InstanceID, StatusHalfOpen, StatusClosed)
		} else if data.TranslateStatus(pluginIndex, result.InstanceID, StatusHalfOpen, StatusOpen) {
			p.mu.Lock()
			if st := p.stats[result.InstanceID]; st != nil {
				st.openedAt = result.Timestamp
			}
			p.mu.Unlock()
		}
		return
	}
	if status != StatusClosed {
		return
	}

	p.mu.Lock()
	st, ok := p.stats[result.InstanceID]
	if !ok || result.Timestamp.Sub(st.windowStart) > p.cfg.Window {
		st = &rateStats{windowStart: result.Timestamp}
		p.stats[result.InstanceID] = st
	}
	st.total++
	if !result.Success {
		st.errors++
	}
	trip := st.total >= p.cfg.RequestVolumeThreshold && st.errors*100/st.total >= p.cfg.ErrorRatePercent
	p.mu.Unlock()

	if trip {
		if data.TranslateStatus(pluginIndex, result.InstanceID, StatusClosed, StatusOpen) {
			p.mu.Lock()
			st.openedAt = result.Timestamp
			st.total, st.errors = 0, 0
			p.mu.Unlock()
		}
	}
}

func (p *ErrorRate) OnTimer(data *ChainData, pluginIndex int, exists func(id string) bool) {
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
