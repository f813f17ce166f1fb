package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callbridge/pkg/errorsx"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/harunnryd/callbridge/pkg/transports"
)

const maxBodyBytes = 1 << 20

// Route mounts an extra handler, such as a provider status callback.
type Route struct {
	Pattern string
	Handler http.Handler
}

// Server exposes the orchestrator over HTTP and websockets.
type Server struct {
	orch     *Orchestrator
	cfg      ServerConfig
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	sendWait time.Duration
	draining atomic.Bool
	log      *slog.Logger
}

func NewServer(orch *Orchestrator, routes ...Route) *Server {
	s := &Server{
		orch:     orch,
		cfg:      orch.cfg.Server,
		sendWait: orch.cfg.Broadcast.SendTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		mux: http.NewServeMux(),
		log: logging.NewComponentLogger(orch.base, "http"),
	}
	s.upgrader.CheckOrigin = s.checkOrigin

	s.mux.HandleFunc("POST /api/callbacks/{callId}", s.handleCallback)
	s.mux.HandleFunc("POST /api/outboundCall", s.handleOutboundCall)
	s.mux.HandleFunc("GET /api/recommendation/{id}", s.handleRecommendation)
	s.mux.HandleFunc("GET /ws/agent/{clientId}", s.handleObserver)
	s.mux.HandleFunc("GET /ws/audio/{callId}", s.handleAudio)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	for _, r := range routes {
		s.mux.Handle(r.Pattern, r.Handler)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Drain makes new websocket upgrades fail with 503.
func (s *Server) Drain() { s.draining.Store(true) }

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callId")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var events []transports.Event
	if err := json.Unmarshal(body, &events); err != nil {
		// Some providers post a single event rather than a batch.
		var one transports.Event
		if err1 := json.Unmarshal(body, &one); err1 != nil || one.Type == "" {
			s.log.Warn("webhook_payload_invalid", "call_id", callID, "error", err.Error())
			writeError(w, http.StatusBadRequest, "invalid event payload")
			return
		}
		events = []transports.Event{one}
	}
	s.orch.HandleEvents(r.Context(), callID, events)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req OutboundCallRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.orch.StartOutboundCall(r.Context(), req)
	if err != nil {
		if errorsx.HasReason(err, errorsx.ReasonValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	if d := s.orch.cfg.Chat.RequestTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	rec, err := s.orch.Recommend(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate recommendation.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recommendation": rec})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  s.orch.registry.Len(),
		"observers": s.orch.hub.Len(),
	})
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return nil, false
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket_upgrade_failed", "path", r.URL.Path, "error", err.Error())
		return nil, false
	}
	return conn, true
}

// checkOrigin accepts requests without an Origin header and, when no
// origins are configured, every origin. A "*" entry also allows any.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		switch {
		case a == "":
			continue
		case a == "*":
			return true
		case strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://"):
			if strings.EqualFold(a, origin) {
				return true
			}
		case strings.EqualFold(a, originHost):
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func isCloseError(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, io.EOF)
}
