package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
	"github.com/harunnryd/callbridge/pkg/resilience"
)

// CircuitBreakerProvider wraps a Provider with rate-limit circuit breaking.
// Only stream opens are guarded; errors surfacing mid-stream are not counted.
type CircuitBreakerProvider struct {
	inner   Provider
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerProvider(inner Provider, breaker *resilience.CircuitBreaker) *CircuitBreakerProvider {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerProvider{inner: inner, breaker: breaker}
}

func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (p *CircuitBreakerProvider) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *CircuitBreakerProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if !p.breaker.Allow() {
		p.setOpen(true)
		p.record(metrics.EventBreakerDenied)
		return nil, resilience.ErrCircuitOpen
	}
	p.setOpen(false)
	s, err := p.inner.Stream(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			p.record(metrics.EventRateLimit)
		}
		p.breaker.OnError(err)
		return nil, err
	}
	p.breaker.OnSuccess()
	return s, nil
}

func (p *CircuitBreakerProvider) record(name string) {
	metrics.Record(p.obs, name, 1, map[string]string{
		"provider":  p.inner.Name(),
		"component": "llm",
	})
}

func (p *CircuitBreakerProvider) setOpen(open bool) {
	p.mu.Lock()
	changed := p.open != open
	p.open = open
	p.mu.Unlock()
	if !changed {
		return
	}
	if open {
		p.record(metrics.EventBreakerOpen)
		return
	}
	p.record(metrics.EventBreakerClose)
}
