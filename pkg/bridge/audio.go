package bridge

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/audio"
	"github.com/harunnryd/callbridge/pkg/broadcast"
)

// AudioClientID is the connection id used for the media socket of callID.
func AudioClientID(callID string) string { return broadcast.AudioClientPrefix + callID }

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	callID := strings.TrimSpace(r.PathValue("callId"))
	if callID == "" {
		writeError(w, http.StatusBadRequest, "call id is required")
		return
	}
	ws, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer ws.Close()

	log := s.log.With("call_id", callID, "client_id", AudioClientID(callID))
	log.Info("audio_connected")

	p, end := s.orch.AttachAudio(r.Context(), callID)
	defer end()

	for {
		typ, raw, err := ws.ReadMessage()
		if err != nil {
			if !isCloseError(err) {
				log.Warn("audio_read_failed", "error", err.Error())
			}
			return
		}
		switch typ {
		case websocket.TextMessage:
			err = p.HandleText(raw)
		case websocket.BinaryMessage:
			err = p.HandleBinary(raw)
		}
		if err != nil {
			log.Warn("audio_stream_ended", "error", err.Error())
			return
		}
	}
}

// AttachAudio binds a media connection to the session of callID and
// returns its pipeline. The returned func tears the session down and must
// be called once the connection is gone.
func (o *Orchestrator) AttachAudio(ctx context.Context, callID string) (*audio.Pipeline, func()) {
	sess, _ := o.registry.GetOrCreate(callID)
	p := audio.NewPipeline(audio.Config{
		CallID:            callID,
		DefaultSampleRate: o.cfg.Audio.DefaultSampleRate,
		Channels:          o.channelFactory(ctx, sess),
		Publisher:         o,
	})
	end := func() {
		p.Close()
		o.teardown(sess)
		o.broadcastStatus(callID, broadcast.NewMediaStatus(callID, "closed", ""))
	}
	return p, end
}
