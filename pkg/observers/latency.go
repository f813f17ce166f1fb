package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callbridge/pkg/metrics"
)

// LatencyObserver reports per-call setup timings once a call disconnects.
type LatencyObserver struct {
	mu    sync.Mutex
	calls map[string]*callTrace
	log   *slog.Logger
}

type callTrace struct {
	connecting time.Time
	connected  time.Time
	streaming  time.Time
	firstFinal time.Time
	finals     int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		calls: make(map[string]*callTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.calls[callID]
	if t == nil {
		t = &callTrace{}
		o.calls[callID] = t
	}
	switch ev.Name {
	case metrics.EventCallState:
		switch ev.Tags["state"] {
		case "CONNECTING":
			setOnce(&t.connecting, ev.Time)
		case "CONNECTED":
			setOnce(&t.connected, ev.Time)
		case "STREAMING":
			setOnce(&t.streaming, ev.Time)
		case "DISCONNECTED":
			o.logLocked(callID, t)
			delete(o.calls, callID)
		}
	case metrics.EventTranscriptFinal:
		setOnce(&t.firstFinal, ev.Time)
		t.finals++
	}
}

// Pending is the number of calls still being traced.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

func (o *LatencyObserver) logLocked(callID string, t *callTrace) {
	o.log.Info("call_latency",
		"call_id", callID,
		"answer_ms", durationMs(t.connecting, t.connected),
		"media_ms", durationMs(t.connected, t.streaming),
		"first_transcript_ms", durationMs(t.streaming, t.firstFinal),
		"transcripts", t.finals,
	)
}

func setOnce(dst *time.Time, v time.Time) {
	if dst.IsZero() {
		*dst = v
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
