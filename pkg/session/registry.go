package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultRetainEnded = 64

// Registry is the session store. Every component that needs per-call
// state receives the same *Registry.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	now      func() time.Time

	mu         sync.Mutex
	current    string
	ended      map[string][]TranscriptEntry
	endedOrder []string
	retain     int
}

func NewRegistry(retainEnded int) *Registry {
	if retainEnded <= 0 {
		retainEnded = defaultRetainEnded
	}
	return &Registry{
		now:    time.Now,
		ended:  make(map[string][]TranscriptEntry),
		retain: retainEnded,
	}
}

// GetOrCreate returns the session for callID, creating it on first use.
// Concurrent callers for the same id always get the same session.
func (r *Registry) GetOrCreate(callID string) (*CallSession, bool) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, false
	}
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*CallSession), false
	}
	actual, loaded := r.sessions.LoadOrStore(callID, newCallSession(callID, r.now()))
	if loaded {
		return actual.(*CallSession), false
	}
	r.count.Add(1)
	return actual.(*CallSession), true
}

func (r *Registry) Get(callID string) (*CallSession, bool) {
	if v, ok := r.sessions.Load(callID); ok {
		return v.(*CallSession), true
	}
	return nil, false
}

// Remove deletes the session and archives its transcript so it stays
// queryable after the call ends.
func (r *Registry) Remove(callID string) (*CallSession, bool) {
	v, ok := r.sessions.LoadAndDelete(callID)
	if !ok {
		return nil, false
	}
	r.count.Add(-1)
	sess := v.(*CallSession)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == callID {
		r.current = ""
	}
	if _, seen := r.ended[callID]; !seen {
		r.endedOrder = append(r.endedOrder, callID)
	}
	r.ended[callID] = sess.Transcript()
	for len(r.endedOrder) > r.retain {
		oldest := r.endedOrder[0]
		r.endedOrder = r.endedOrder[1:]
		delete(r.ended, oldest)
	}
	return sess, true
}

// Transcript looks in live sessions first, then in the ended archive.
func (r *Registry) Transcript(callID string) ([]TranscriptEntry, bool) {
	if sess, ok := r.Get(callID); ok {
		return sess.Transcript(), true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries, ok := r.ended[callID]
	if !ok {
		return nil, false
	}
	out := make([]TranscriptEntry, len(entries))
	copy(out, entries)
	return out, true
}

func (r *Registry) ClearTranscript(callID string) bool {
	if sess, ok := r.Get(callID); ok {
		sess.ClearTranscript()
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ended[callID]; ok {
		r.ended[callID] = nil
		return true
	}
	return false
}

// MarkCurrent records callID as the call most recently tied to a control id.
func (r *Registry) MarkCurrent(callID string) {
	r.mu.Lock()
	r.current = callID
	r.mu.Unlock()
}

func (r *Registry) Current() (*CallSession, bool) {
	r.mu.Lock()
	id := r.current
	r.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return r.Get(id)
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*CallSession {
	var out []*CallSession
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*CallSession))
		return true
	})
	return out
}
