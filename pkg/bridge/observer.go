package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/harunnryd/callbridge/pkg/broadcast"
)

// Observer request types.
const (
	RequestGetTranscription   = "getTranscription"
	RequestClearTranscription = "clearTranscription"
	RequestEndCall            = "endCall"
)

type observerRequest struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
}

func (s *Server) handleObserver(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.PathValue("clientId"))
	if clientID == "" || broadcast.IsAudioClient(clientID) {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}
	ws, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	conn := broadcast.NewWSConn(clientID, ws, s.sendWait)
	defer conn.Close()

	callID := strings.TrimSpace(r.URL.Query().Get("callId"))
	obs, err := s.orch.hub.Add(conn, callID)
	if err != nil {
		s.log.Warn("observer_rejected", "client_id", clientID, "error", err.Error())
		return
	}
	if sess, ok := s.orch.registry.Get(callID); ok {
		sess.AttachObserver(clientID)
	}
	defer s.orch.dropObserver(obs)

	ctx := r.Context()
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !isCloseError(err) {
				s.log.Debug("observer_read_failed", "client_id", clientID, "error", err.Error())
			}
			return
		}
		s.orch.HandleObserverMessage(ctx, obs, raw)
	}
}

// HandleObserverMessage answers one request from an observer. Replies go
// to the requesting observer only.
func (o *Orchestrator) HandleObserverMessage(ctx context.Context, obs *broadcast.Observer, raw []byte) {
	var req observerRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		o.reply(obs, broadcast.NewError("invalid message"))
		return
	}
	switch req.Type {
	case RequestGetTranscription:
		if req.CallID != "" {
			if entries, ok := o.registry.Transcript(req.CallID); ok {
				o.reply(obs, broadcast.Transcriptions{Type: broadcast.TypeTranscriptions, CallID: req.CallID, Data: nonNil(entries)})
				return
			}
		}
		o.reply(obs, broadcast.Transcriptions{Type: broadcast.TypeTranscriptions, Data: nonNil(obs.Transcript())})

	case RequestClearTranscription:
		if req.CallID == "" {
			obs.ClearTranscript()
			return
		}
		if o.registry.ClearTranscript(req.CallID) {
			o.reply(obs, broadcast.TranscriptionCleared{Type: broadcast.TypeTranscriptionCleared, CallID: req.CallID})
		}

	case RequestEndCall:
		callID := req.CallID
		if callID == "" {
			callID = obs.CallID()
		}
		if err := o.EndCall(ctx, callID); err != nil {
			o.reply(obs, broadcast.NewError("Failed to end call: "+err.Error()))
		}

	default:
		o.log.Debug("observer_message_ignored", "client_id", obs.ID(), "type", req.Type)
	}
}

func (o *Orchestrator) reply(obs *broadcast.Observer, v any) {
	if err := obs.Conn().Send(broadcast.Encode(v)); err != nil {
		o.log.Warn("observer_reply_failed", "client_id", obs.ID(), "error", err.Error())
	}
}

// dropObserver forgets obs and tells the remaining observers about it.
// dropObserver runs when an observer's socket goes away. The hub may have
// evicted it already after a failed send; only a reconnect that reused the
// client id skips the cleanup.
func (o *Orchestrator) dropObserver(obs *broadcast.Observer) {
	if !o.hub.Remove(obs) {
		if cur, ok := o.hub.Get(obs.ID()); ok && cur != obs {
			return
		}
	}
	if sess, ok := o.registry.Get(obs.CallID()); ok {
		sess.DetachObserver(obs.ID())
	}
	o.dropChat(obs.ID())
	o.log.Info("observer_disconnected", "client_id", obs.ID(), "observers", o.hub.Len())
	o.hub.Broadcast("", broadcast.Encode(broadcast.ClientDisconnected{
		Type:     broadcast.TypeClientDisconnected,
		ClientID: obs.ID(),
	}))
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
