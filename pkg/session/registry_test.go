package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

type stubChannel struct {
	stops int
	err   error
}

func (c *stubChannel) Push([]byte) error { return nil }

func (c *stubChannel) Stop() error {
	c.stops++
	return c.err
}

func TestGetOrCreateIsUniquePerCall(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup
	got := make([]*CallSession, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = r.GetOrCreate("call-1")
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		if s != got[0] {
			t.Fatalf("expected a single session per call id")
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Len())
	}
	if s, _ := r.GetOrCreate("  "); s != nil {
		t.Fatalf("blank call id must not create a session")
	}
}

func TestControlIDIsSetOnce(t *testing.T) {
	r := NewRegistry(0)
	s, _ := r.GetOrCreate("call-1")
	if !s.SetControlID("ctl-a") {
		t.Fatalf("first control id should be accepted")
	}
	if !s.SetControlID("ctl-a") {
		t.Fatalf("repeating the same id should be accepted")
	}
	if s.SetControlID("ctl-b") {
		t.Fatalf("a different id must be rejected")
	}
	if s.ControlID() != "ctl-a" {
		t.Fatalf("expected ctl-a, got %s", s.ControlID())
	}
}

func TestTranscriptPreservesOrderPerSpeaker(t *testing.T) {
	r := NewRegistry(0)
	s, _ := r.GetOrCreate("call-1")
	s.AppendTranscript("hello", SpeakerCustomer, 100)
	s.AppendTranscript("hi there", SpeakerAgent, 90)
	s.AppendTranscript("my order", SpeakerCustomer, 80)

	var customer []string
	var lastTS int64
	for _, e := range s.Transcript() {
		if e.Speaker != SpeakerCustomer {
			continue
		}
		if e.Timestamp < lastTS {
			t.Fatalf("timestamps went backwards: %d < %d", e.Timestamp, lastTS)
		}
		lastTS = e.Timestamp
		customer = append(customer, e.Text)
	}
	if fmt.Sprint(customer) != "[hello my order]" {
		t.Fatalf("unexpected customer transcript %v", customer)
	}
}

func TestTransitionStopsAtDisconnected(t *testing.T) {
	r := NewRegistry(0)
	s, _ := r.GetOrCreate("call-1")
	if _, ok := s.Transition(StateConnected); !ok {
		t.Fatalf("expected transition to CONNECTED")
	}
	s.Transition(StateDisconnected)
	if prev, ok := s.Transition(StateStreaming); ok || prev != StateDisconnected {
		t.Fatalf("DISCONNECTED must be terminal, got %s/%v", prev, ok)
	}
}

func TestStopChannelsStopsEachOnce(t *testing.T) {
	r := NewRegistry(0)
	s, _ := r.GetOrCreate("call-1")
	agent := &stubChannel{}
	customer := &stubChannel{err: errors.New("already closed")}
	s.SetChannel(SpeakerAgent, agent)
	s.SetChannel(SpeakerCustomer, customer)

	chans := s.Channels()
	if len(chans) != 2 || chans[SpeakerAgent] != Channel(agent) || chans[SpeakerCustomer] != Channel(customer) {
		t.Fatalf("unexpected channels %v", chans)
	}
	delete(chans, SpeakerAgent)
	if _, ok := s.Channel(SpeakerAgent); !ok {
		t.Fatalf("Channels must return a copy")
	}

	if errs := s.StopChannels(); len(errs) != 1 {
		t.Fatalf("expected one stop error, got %v", errs)
	}
	if errs := s.StopChannels(); len(errs) != 0 {
		t.Fatalf("second teardown should be a no-op, got %v", errs)
	}
	if agent.stops != 1 || customer.stops != 1 {
		t.Fatalf("expected single stop per channel, got %d/%d", agent.stops, customer.stops)
	}
	if len(s.Channels()) != 0 {
		t.Fatalf("expected no channels after stop")
	}
}

func TestRemoveArchivesTranscript(t *testing.T) {
	r := NewRegistry(1)
	s, _ := r.GetOrCreate("call-1")
	s.AppendTranscript("bye", SpeakerAgent, 1)
	r.MarkCurrent("call-1")
	r.Remove("call-1")

	if _, ok := r.Current(); ok {
		t.Fatalf("removed session must not stay current")
	}
	entries, ok := r.Transcript("call-1")
	if !ok || len(entries) != 1 || entries[0].Text != "bye" {
		t.Fatalf("expected archived transcript, got %v", entries)
	}

	r.GetOrCreate("call-2")
	r.Remove("call-2")
	if _, ok := r.Transcript("call-1"); ok {
		t.Fatalf("archive should keep only the latest ended call")
	}
}
