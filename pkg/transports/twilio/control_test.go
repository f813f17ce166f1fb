package twilio

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/callbridge/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

type stubCallUpdater struct {
	lastSID    string
	lastStatus string
	err        error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Status != nil {
		s.lastStatus = *params.Status
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestCreateCallStreamsBothTracks(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	c := New(Config{PublicURL: "https://example.com/"})
	c.creator = stub

	sid, err := c.CreateCall(context.Background(), transports.CreateCallRequest{
		CallID:   "call-1",
		To:       "+100",
		From:     "+200",
		MediaURL: "wss://example.com/ws/audio/call-1",
	})
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last.To == nil || *stub.last.To != "+100" || stub.last.From == nil || *stub.last.From != "+200" {
		t.Fatalf("expected To/From params")
	}
	twiml := *stub.last.Twiml
	if !strings.Contains(twiml, `<Start><Stream url="wss://example.com/ws/audio/call-1" track="both_tracks"/></Start>`) {
		t.Fatalf("unexpected twiml %s", twiml)
	}
	if stub.last.StatusCallback == nil || *stub.last.StatusCallback != "https://example.com/api/twilio/status/call-1" {
		t.Fatalf("expected status callback, got %v", stub.last.StatusCallback)
	}
}

func TestCreateCallConnectModeDialsNothingElse(t *testing.T) {
	stub := &stubCreator{sid: "CA9"}
	c := New(Config{StreamMode: "connect"})
	c.creator = stub
	if _, err := c.CreateCall(context.Background(), transports.CreateCallRequest{To: "+1", From: "+2", MediaURL: "wss://h/ws"}); err != nil {
		t.Fatalf("create error: %v", err)
	}
	if got := *stub.last.Twiml; got != `<Response><Connect><Stream url="wss://h/ws"/></Connect></Response>` {
		t.Fatalf("unexpected twiml %s", got)
	}
	if stub.last.StatusCallback != nil {
		t.Fatalf("no status callback without public url")
	}
}

func TestCreateCallRequiresNumbers(t *testing.T) {
	c := New(Config{})
	c.creator = &stubCreator{sid: "CA1"}
	if _, err := c.CreateCall(context.Background(), transports.CreateCallRequest{From: "+2", MediaURL: "wss://h"}); err == nil {
		t.Fatalf("expected error for missing to")
	}
}

func TestHangUpCompletesCall(t *testing.T) {
	stub := &stubCallUpdater{}
	c := New(Config{})
	c.updater = stub
	if err := c.HangUp(context.Background(), "CA123"); err != nil {
		t.Fatalf("hangup error: %v", err)
	}
	if stub.lastSID != "CA123" || stub.lastStatus != "completed" {
		t.Fatalf("unexpected update %q %q", stub.lastSID, stub.lastStatus)
	}
	stub.err = errors.New("boom")
	if err := c.HangUp(context.Background(), "CA123"); err == nil {
		t.Fatalf("expected error on update failure")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(&twilioclient.TwilioRestError{Status: 400}) {
		t.Fatalf("client errors are final")
	}
	if !IsRetryable(&twilioclient.TwilioRestError{Status: 503}) {
		t.Fatalf("server errors retry")
	}
	if IsRetryable(context.Canceled) {
		t.Fatalf("cancellation is final")
	}
}
