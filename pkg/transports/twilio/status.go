package twilio

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/transports"
	twilioclient "github.com/twilio/twilio-go/client"
)

// StatusHandler receives Twilio status callbacks at {StatusPath}/{callId}
// and forwards them to sink as canonical events.
type StatusHandler struct {
	cfg  Config
	sink transports.EventSink
}

func NewStatusHandler(cfg Config, sink transports.EventSink) *StatusHandler {
	return &StatusHandler{cfg: cfg.withDefaults(), sink: sink}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.AuthToken != "" && !h.validateRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	callID := r.PathValue("callId")
	if callID == "" {
		callID = callIDFromPath(r.URL.Path)
	}
	callSID := r.FormValue("CallSid")
	status := r.FormValue("CallStatus")
	eventType := eventForStatus(status)
	if eventType == "" || callID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	ev := transports.Event{
		Type: eventType,
		Data: transports.EventData{CallConnectionID: callSID, CorrelationID: callID},
	}
	if eventType == transports.EventCallDisconnected {
		ev.Data.ResultInformation = &transports.ResultInformation{Message: status}
	}
	h.sink.HandleEvents(r.Context(), callID, []transports.Event{ev})
	w.WriteHeader(http.StatusOK)
}

// eventForStatus maps a Twilio CallStatus onto a canonical event type, or
// "" for progress states that need no action.
func eventForStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "in-progress", "inprogress", "answered":
		return transports.EventCallConnected
	case "completed", "busy", "failed", "no-answer", "no_answer", "canceled", "cancelled":
		return transports.EventCallDisconnected
	default:
		return ""
	}
}

func callIDFromPath(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return ""
}

func (h *StatusHandler) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(h.cfg.AuthToken)
	return validator.ValidateBody(h.requestURL(r), body, signature)
}

func (h *StatusHandler) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
