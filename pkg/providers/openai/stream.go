package openai

import (
	"github.com/harunnryd/callbridge/pkg/llm"
	oai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/packages/ssestream"
)

// stream flattens completion chunks into llm.StreamEvents. A chunk carrying
// several tool-call fragments yields one event per fragment.
type stream struct {
	provider *Provider
	src      *ssestream.Stream[oai.ChatCompletionChunk]
	pending  []llm.StreamEvent
	current  llm.StreamEvent
}

func (s *stream) Next() bool {
	for len(s.pending) == 0 {
		if !s.src.Next() {
			return false
		}
		s.pending = decodeChunk(s.src.Current())
	}
	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

func (s *stream) Event() llm.StreamEvent { return s.current }

func (s *stream) Err() error {
	if err := s.src.Err(); err != nil {
		return s.provider.mapError(err)
	}
	return nil
}

func (s *stream) Close() error { return s.src.Close() }

func decodeChunk(chunk oai.ChatCompletionChunk) []llm.StreamEvent {
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	var out []llm.StreamEvent
	if choice.Delta.Content != "" {
		out = append(out, llm.StreamEvent{Text: choice.Delta.Content})
	}
	for _, tc := range choice.Delta.ToolCalls {
		out = append(out, llm.StreamEvent{ToolCall: &llm.ToolCallDelta{
			Index:     int(tc.Index),
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	if reason := string(choice.FinishReason); reason != "" {
		out = append(out, llm.StreamEvent{FinishReason: llm.FinishReason(reason)})
	}
	return out
}
