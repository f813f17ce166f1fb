package llm

import (
	"context"

	"github.com/harunnryd/callbridge/pkg/resilience"
)

// RetryProvider retries failed stream opens. Once a stream is open its
// errors belong to the caller.
type RetryProvider struct {
	inner  Provider
	policy resilience.RetryPolicy
}

func NewRetryProvider(inner Provider, policy resilience.RetryPolicy) *RetryProvider {
	if policy.Operation == "" {
		policy.Operation = "llm_stream_open"
	}
	return &RetryProvider{inner: inner, policy: policy}
}

func (p *RetryProvider) Name() string { return p.inner.Name() }

func (p *RetryProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	var s Stream
	err := p.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		s, err = p.inner.Stream(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
