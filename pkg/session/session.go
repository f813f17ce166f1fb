package session

import (
	"strings"
	"sync"
	"time"
)

// Speaker tags a recognition channel and every transcript entry it produces.
type Speaker string

const (
	SpeakerAgent    Speaker = "agent"
	SpeakerCustomer Speaker = "customer"
)

// State is the lifecycle position of a call.
type State string

const (
	StateInitiated    State = "INITIATED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateStreaming    State = "STREAMING"
	StateDisconnected State = "DISCONNECTED"
)

// TranscriptEntry is one final recognition result. Timestamp is unix millis.
type TranscriptEntry struct {
	Text      string  `json:"text"`
	Speaker   Speaker `json:"speaker"`
	Timestamp int64   `json:"timestamp"`
}

// Channel is the part of a recognition channel the session owns.
type Channel interface {
	Push(pcm []byte) error
	Stop() error
}

// CallSession holds all live state of one call.
type CallSession struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	controlID  string
	state      State
	transcript []TranscriptEntry
	lastTS     map[Speaker]int64
	channels   map[Speaker]Channel
	observers  map[string]struct{}
}

func newCallSession(id string, now time.Time) *CallSession {
	return &CallSession{
		ID:        id,
		CreatedAt: now,
		state:     StateInitiated,
		lastTS:    make(map[Speaker]int64, 2),
		channels:  make(map[Speaker]Channel, 2),
		observers: make(map[string]struct{}),
	}
}

// SetControlID records the provider's call-control id. Only the first
// non-empty id is kept; it reports whether id is now the session's id.
func (s *CallSession) SetControlID(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlID == "" {
		s.controlID = id
		return true
	}
	return s.controlID == id
}

func (s *CallSession) ControlID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controlID
}

func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next. DISCONNECTED is terminal.
func (s *CallSession) Transition(next State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if prev == StateDisconnected || prev == next {
		return prev, false
	}
	s.state = next
	return prev, true
}

// AppendTranscript appends a final result. Timestamps never go backwards
// within one speaker; an earlier ts is raised to the speaker's last one.
func (s *CallSession) AppendTranscript(text string, speaker Speaker, ts int64) TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last := s.lastTS[speaker]; ts < last {
		ts = last
	}
	s.lastTS[speaker] = ts
	entry := TranscriptEntry{Text: text, Speaker: speaker, Timestamp: ts}
	s.transcript = append(s.transcript, entry)
	return entry
}

func (s *CallSession) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *CallSession) ClearTranscript() {
	s.mu.Lock()
	s.transcript = nil
	s.mu.Unlock()
}

func (s *CallSession) SetChannel(speaker Speaker, ch Channel) {
	s.mu.Lock()
	s.channels[speaker] = ch
	s.mu.Unlock()
}

func (s *CallSession) Channel(speaker Speaker) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[speaker]
	return ch, ok
}

// Channels returns a snapshot of the open channels keyed by speaker.
func (s *CallSession) Channels() map[Speaker]Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Speaker]Channel, len(s.channels))
	for sp, ch := range s.channels {
		out[sp] = ch
	}
	return out
}

// StopChannels stops every recognition channel and forgets them.
func (s *CallSession) StopChannels() []error {
	s.mu.Lock()
	chans := s.channels
	s.channels = make(map[Speaker]Channel, 2)
	s.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		if err := ch.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (s *CallSession) AttachObserver(clientID string) {
	s.mu.Lock()
	s.observers[clientID] = struct{}{}
	s.mu.Unlock()
}

func (s *CallSession) DetachObserver(clientID string) {
	s.mu.Lock()
	delete(s.observers, clientID)
	s.mu.Unlock()
}

func (s *CallSession) Observers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.observers))
	for id := range s.observers {
		out = append(out, id)
	}
	return out
}
