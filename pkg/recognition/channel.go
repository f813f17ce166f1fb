package recognition

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callbridge/pkg/adapters/stt"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/session"
)

// ErrStopped is returned by Push once the channel has been stopped.
var ErrStopped = errors.New("recognition channel stopped")

const (
	defaultPushBuffer   = 64
	defaultDrainTimeout = 2 * time.Second
)

type EventKind int

const (
	EventSpeechStarted EventKind = iota + 1
	EventRecognizing
	EventRecognized
)

func (k EventKind) String() string {
	switch k {
	case EventSpeechStarted:
		return "speech-started"
	case EventRecognizing:
		return "recognizing"
	case EventRecognized:
		return "recognized"
	default:
		return "unknown"
	}
}

// Event is a speaker-tagged recognition event.
type Event struct {
	Kind    EventKind
	CallID  string
	Speaker session.Speaker
	Text    string
	At      time.Time
}

type Config struct {
	CallID  string
	Speaker session.Speaker
	// PushBuffer is the number of audio chunks held before Push starts dropping.
	PushBuffer int
	// DrainTimeout bounds how long Stop waits for results the engine
	// produced before it was closed to be taken off Events.
	DrainTimeout time.Duration
}

// Channel owns one recognition engine and the audio sink feeding it.
type Channel struct {
	cfg    Config
	engine stt.Recognizer
	sink   chan []byte
	events chan Event
	done   chan struct{}
	closed chan struct{}
	log    *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	dropped  atomic.Int64
}

// Start opens the engine and begins forwarding audio and events.
func Start(ctx context.Context, engine stt.Recognizer, cfg Config) (*Channel, error) {
	if cfg.PushBuffer <= 0 {
		cfg.PushBuffer = defaultPushBuffer
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if err := engine.Start(ctx); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	c := &Channel{
		cfg:    cfg,
		engine: engine,
		sink:   make(chan []byte, cfg.PushBuffer),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		log: logging.NewComponentLogger(slog.Default(), "recognition").With(
			"call_id", cfg.CallID,
			"speaker", string(cfg.Speaker),
			"engine", engine.Name(),
		),
	}
	c.wg.Add(2)
	go c.forward()
	go c.relay()
	return c, nil
}

func (c *Channel) Speaker() session.Speaker { return c.cfg.Speaker }

// Events is closed after Stop.
func (c *Channel) Events() <-chan Event { return c.events }

// Dropped reports how many chunks Push discarded because the sink was full.
func (c *Channel) Dropped() int64 { return c.dropped.Load() }

// Push copies pcm into the sink and returns without waiting for the engine.
func (c *Channel) Push(pcm []byte) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	if len(pcm) == 0 {
		return nil
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	select {
	case c.sink <- buf:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			c.log.Warn("recognition_push_dropped", "dropped_total", n, "size_bytes", len(pcm))
		}
	}
	return nil
}

// Stop stops taking audio, closes the engine and then closes the event
// stream once every result the engine produced has been handed over.
// Safe to call repeatedly.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() {
		close(c.done)
		if err := c.engine.Close(); err != nil {
			c.log.Warn("recognition_engine_close_failed", "error", err.Error())
		}
		close(c.closed)
		c.wg.Wait()
		close(c.events)
		c.log.Info("recognition_channel_stopped", "dropped_total", c.dropped.Load())
	})
	return nil
}

func (c *Channel) forward() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case pcm := <-c.sink:
			if err := c.engine.SendAudio(pcm); err != nil {
				select {
				case <-c.done:
					return
				default:
				}
				c.log.Warn("recognition_send_failed",
					"reason_code", string(errorsx.ReasonSTTSend),
					"error", err.Error())
			}
		}
	}
}

func (c *Channel) relay() {
	defer c.wg.Done()
	results := c.engine.Results()
	for {
		select {
		case <-c.closed:
			c.drain(results, nil)
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			ev, keep := c.toEvent(r)
			if !keep {
				continue
			}
			select {
			case c.events <- ev:
			case <-c.closed:
				c.drain(results, &ev)
				return
			}
		}
	}
}

// drain hands over pending and whatever is still buffered in results once
// the engine is closed. It gives up after DrainTimeout if Events is not read.
func (c *Channel) drain(results <-chan stt.Result, pending *Event) {
	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	send := func(ev Event) bool {
		select {
		case c.events <- ev:
			return true
		case <-timer.C:
			c.log.Warn("recognition_drain_timeout", "timeout_ms", c.cfg.DrainTimeout.Milliseconds())
			return false
		}
	}
	if pending != nil && !send(*pending) {
		return
	}
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return
			}
			if ev, keep := c.toEvent(r); keep && !send(ev) {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) toEvent(r stt.Result) (Event, bool) {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	ev := Event{CallID: c.cfg.CallID, Speaker: c.cfg.Speaker, Text: r.Text, At: at}
	switch r.Kind {
	case stt.ResultSpeechStarted:
		ev.Kind = EventSpeechStarted
		c.log.Debug("speech_started")
	case stt.ResultPartial:
		ev.Kind = EventRecognizing
		c.log.Debug("recognizing", "text_len", len(r.Text))
	case stt.ResultFinal:
		if strings.TrimSpace(r.Text) == "" {
			return Event{}, false
		}
		ev.Kind = EventRecognized
		ev.Text = strings.TrimSpace(r.Text)
	default:
		return Event{}, false
	}
	return ev, true
}
