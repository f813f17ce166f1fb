package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcript is emitted as a final result after the first audio chunk.
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitSpeechStarted bool
}

// Recognizer is an in-memory stt.Recognizer. Tests drive it with Emit.
type Recognizer struct {
	cfg STTConfig
	out chan stt.Result

	mu       sync.Mutex
	started  bool
	closed   bool
	emitted  bool
	closes   int
	received [][]byte
}

func NewRecognizer(cfg STTConfig) *Recognizer {
	return &Recognizer{cfg: cfg, out: make(chan stt.Result, 64)}
}

// Factory returns an stt.Factory producing scripted recognizers.
func Factory(cfg STTConfig) stt.Factory {
	return func(stt.Config) (stt.Recognizer, error) {
		return NewRecognizer(cfg), nil
	}
}

func (r *Recognizer) Name() string { return "mock_stt" }

func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("closed")
	}
	r.started = true
	return nil
}

func (r *Recognizer) SendAudio(pcm []byte) error {
	r.mu.Lock()
	if !r.started || r.closed {
		r.mu.Unlock()
		return errors.New("not started")
	}
	r.received = append(r.received, pcm)
	first := !r.emitted && r.cfg.Transcript != ""
	r.emitted = true
	r.mu.Unlock()

	if !first {
		return nil
	}
	if r.cfg.EmitSpeechStarted {
		r.Emit(stt.Result{Kind: stt.ResultSpeechStarted})
	}
	if r.cfg.EmitInterim {
		interim := r.cfg.InterimTranscript
		if interim == "" {
			interim = r.cfg.Transcript
		}
		r.Emit(stt.Result{Kind: stt.ResultPartial, Text: interim})
	}
	r.Emit(stt.Result{Kind: stt.ResultFinal, Text: r.cfg.Transcript})
	return nil
}

// Emit pushes a result as if the engine produced it. Results emitted after
// Close are discarded.
func (r *Recognizer) Emit(res stt.Result) {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.out <- res
}

func (r *Recognizer) Results() <-chan stt.Result { return r.out }

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	if !r.closed {
		r.closed = true
		close(r.out)
	}
	return nil
}

// Received returns the audio chunks delivered so far.
func (r *Recognizer) Received() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.received))
	copy(out, r.received)
	return out
}

// Closes counts Close calls.
func (r *Recognizer) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

var _ stt.Recognizer = (*Recognizer)(nil)
