package stt

import (
	"context"
	"time"
)

// ResultKind classifies what a recognition engine reported.
type ResultKind int

const (
	ResultSpeechStarted ResultKind = iota + 1
	ResultPartial
	ResultFinal
)

func (k ResultKind) String() string {
	switch k {
	case ResultSpeechStarted:
		return "speech_started"
	case ResultPartial:
		return "partial"
	case ResultFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Result is one event from a continuous recognition session.
type Result struct {
	Kind ResultKind
	Text string
	At   time.Time
}

// Recognizer defines the contract for any STT vendor implementation.
// One Recognizer serves exactly one speaker of one call.
type Recognizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the recognition session.
	Start(ctx context.Context) error
	// SendAudio feeds raw PCM. It may block while the vendor drains its buffer.
	SendAudio(pcm []byte) error
	// Results returns the event stream of this session.
	Results() <-chan Result
	// Close ends the session. Calling it more than once is safe.
	Close() error
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	CallID     string
	Speaker    string
	SampleRate int
	Language   string
}

// Factory builds a fresh Recognizer for one channel.
type Factory func(cfg Config) (Recognizer, error)
