package metrics

import "time"

// Event names recorded by the bridge.
const (
	EventBroadcastDelivered = "broadcast_delivered"
	EventBroadcastFailed    = "broadcast_failed"
	EventLLMTurn            = "llm_turn"
	EventToolCall           = "tool_call"
	EventBreakerOpen        = "llm_breaker_open"
	EventBreakerDenied      = "llm_breaker_denied"
	EventBreakerClose       = "llm_breaker_close"
	EventRateLimit          = "llm_rate_limit"
	EventCallState          = "call_state"
	EventTranscriptFinal    = "transcript_final"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a shorthand for emitting a tagged event at the current time.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
