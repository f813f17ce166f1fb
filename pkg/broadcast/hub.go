package broadcast

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/session"
)

// AudioClientPrefix marks audio transport connections; they never observe.
const AudioClientPrefix = "audio_"

var (
	ErrAudioClient   = errors.New("audio clients cannot observe")
	ErrEmptyClientID = errors.New("client id required")
)

// IsAudioClient reports whether id belongs to an audio transport connection.
func IsAudioClient(id string) bool {
	return strings.HasPrefix(id, AudioClientPrefix)
}

// Observer is a live non-audio connection. CallID scopes it to one call;
// empty means it sees every call.
type Observer struct {
	conn   Conn
	callID string

	mu         sync.Mutex
	transcript []session.TranscriptEntry
}

func (o *Observer) ID() string     { return o.conn.ID() }
func (o *Observer) CallID() string { return o.callID }
func (o *Observer) Conn() Conn     { return o.conn }

func (o *Observer) matches(callID string) bool {
	return o.callID == "" || callID == "" || o.callID == callID
}

func (o *Observer) appendTranscript(e session.TranscriptEntry) {
	o.mu.Lock()
	o.transcript = append(o.transcript, e)
	o.mu.Unlock()
}

// Transcript is everything this observer has been sent since it connected.
func (o *Observer) Transcript() []session.TranscriptEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]session.TranscriptEntry, len(o.transcript))
	copy(out, o.transcript)
	return out
}

func (o *Observer) ClearTranscript() {
	o.mu.Lock()
	o.transcript = nil
	o.mu.Unlock()
}

// Hub is the set of live observers.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	log       *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		observers: make(map[string]*Observer),
		log:       logging.NewComponentLogger(slog.Default(), "broadcast_hub"),
	}
}

// Add registers conn. A reconnect with the same id replaces the old entry.
func (h *Hub) Add(conn Conn, callID string) (*Observer, error) {
	id := conn.ID()
	if strings.TrimSpace(id) == "" {
		return nil, ErrEmptyClientID
	}
	if IsAudioClient(id) {
		return nil, ErrAudioClient
	}
	o := &Observer{conn: conn, callID: callID}
	h.mu.Lock()
	h.observers[id] = o
	n := len(h.observers)
	h.mu.Unlock()
	h.log.Info("observer_connected", "client_id", id, "call_id", callID, "observers", n)
	return o, nil
}

// Remove drops the observer only if it is still the registered instance.
func (h *Hub) Remove(o *Observer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.observers[o.ID()]
	if !ok || cur != o {
		return false
	}
	delete(h.observers, o.ID())
	return true
}

func (h *Hub) Get(id string) (*Observer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	o, ok := h.observers[id]
	return o, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) snapshot(callID string) []*Observer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		if o.matches(callID) {
			out = append(out, o)
		}
	}
	return out
}

// Targets returns the connections that should see events of callID.
func (h *Hub) Targets(callID string) []Conn {
	obs := h.snapshot(callID)
	out := make([]Conn, 0, len(obs))
	for _, o := range obs {
		out = append(out, o.conn)
	}
	return out
}

// Broadcast delivers msg straight to every observer of callID, bypassing
// the queue. An observer whose send fails is dropped from the hub and its
// connection closed, which ends the connection's read loop.
func (h *Hub) Broadcast(callID string, msg []byte) int {
	if msg == nil {
		return 0
	}
	delivered := 0
	for _, o := range h.snapshot(callID) {
		if err := o.conn.Send(msg); err != nil {
			h.log.Warn("broadcast_direct_failed", "client_id", o.ID(), "error", err.Error())
			if h.Remove(o) {
				if c, ok := o.conn.(io.Closer); ok {
					_ = c.Close()
				}
			}
			continue
		}
		delivered++
	}
	return delivered
}

// AppendTranscript records entry on every observer of callID.
func (h *Hub) AppendTranscript(callID string, entry session.TranscriptEntry) {
	for _, o := range h.snapshot(callID) {
		o.appendTranscript(entry)
	}
}
