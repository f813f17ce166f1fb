package transports

import (
	"context"
	"net/http"
)

// Canonical call-control event types. Provider callbacks are normalised
// onto these before they reach the orchestrator.
const (
	EventCallConnected         = "CallConnected"
	EventCallDisconnected      = "CallDisconnected"
	EventMediaStreamingStarted = "MediaStreamingStarted"
	EventMediaStreamingStopped = "MediaStreamingStopped"
	EventMediaStreamingFailed  = "MediaStreamingFailed"
)

// CreateCallRequest describes an outbound call. CallbackURL receives
// call-control events; MediaURL is the websocket the provider streams
// audio to.
type CreateCallRequest struct {
	CallID      string
	To          string
	From        string
	CallbackURL string
	MediaURL    string
}

// CallControl places and ends calls through a telephony provider.
type CallControl interface {
	Name() string
	CreateCall(ctx context.Context, req CreateCallRequest) (controlID string, err error)
	HangUp(ctx context.Context, controlID string) error
}

type ResultInformation struct {
	Message string `json:"message,omitempty"`
}

type EventData struct {
	CallConnectionID  string             `json:"callConnectionId,omitempty"`
	CorrelationID     string             `json:"correlationId,omitempty"`
	ResultInformation *ResultInformation `json:"resultInformation,omitempty"`
}

// Event is one call-control webhook event.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventSink consumes normalised call-control events for one call.
type EventSink interface {
	HandleEvents(ctx context.Context, callID string, events []Event)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// CallbackProvider is implemented by transports that receive call events on
// their own endpoint. The pattern must carry a {callId} wildcard.
type CallbackProvider interface {
	CallbackHandler(sink EventSink) (pattern string, h http.Handler)
}
