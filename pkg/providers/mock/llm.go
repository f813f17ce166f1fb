package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/callbridge/pkg/llm"
)

// LLMConfig scripts the provider. Each entry of Turns is replayed for one
// Stream call in order; once they run out ResponseText is streamed.
type LLMConfig struct {
	Turns        [][]llm.StreamEvent
	ResponseText string
	// Err, when set, fails every Stream call.
	Err error
}

// LLMProvider is a scripted llm.Provider that records what it was asked.
type LLMProvider struct {
	mu       sync.Mutex
	cfg      LLMConfig
	next     int
	requests []llm.Request
}

func NewLLMProvider(cfg LLMConfig) *LLMProvider {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMProvider{cfg: cfg}
}

func (p *LLMProvider) Name() string { return "mock_llm" }

func (p *LLMProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.cfg.Err != nil {
		return nil, p.cfg.Err
	}
	var events []llm.StreamEvent
	if p.next < len(p.cfg.Turns) {
		events = p.cfg.Turns[p.next]
		p.next++
	} else {
		events = []llm.StreamEvent{{Text: p.cfg.ResponseText}, {FinishReason: llm.FinishStop}}
	}
	return &eventStream{ctx: ctx, events: events, pos: -1}, nil
}

// Requests returns every request seen so far.
func (p *LLMProvider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.Request, len(p.requests))
	copy(out, p.requests)
	return out
}

type eventStream struct {
	ctx    context.Context
	events []llm.StreamEvent
	pos    int
	err    error
}

func (s *eventStream) Next() bool {
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	return s.pos < len(s.events)
}

func (s *eventStream) Event() llm.StreamEvent { return s.events[s.pos] }
func (s *eventStream) Err() error             { return s.err }
func (s *eventStream) Close() error           { return nil }
