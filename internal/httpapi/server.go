package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/everloved/companion/internal/config"
	"github.com/everloved/companion/internal/interaction"
	"github.com/everloved/companion/internal/observability"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/protocol"
	"github.com/everloved/companion/internal/session"
	"github.com/everloved/companion/internal/synth"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, p *persona.Persona, inbound <-chan any, outbound chan<- any) error
	EndSession(sessionID, reason string) bool
	PreviewVoice(ctx context.Context, p persona.Persona, text string) (*synth.Audio, error)
}

// Deps are the collaborators the API serves.
type Deps struct {
	Sessions     *session.Manager
	Orchestrator Orchestrator
	Personas     persona.Store
	Interactions interaction.Store
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	personas     persona.Store
	interactions interaction.Store
	metrics      *observability.Metrics
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     deps.Sessions,
		orchestrator: deps.Orchestrator,
		personas:     deps.Personas,
		interactions: deps.Interactions,
		metrics:      deps.Metrics,
		logger:       deps.Logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a patient's microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/personas", s.handleListPersonas)
	r.Post("/v1/personas", s.handleCreatePersona)
	r.Get("/v1/personas/{id}", s.handleGetPersona)
	r.Get("/v1/personas/{id}/interactions", s.handleListInteractions)
	r.Post("/v1/personas/{id}/voice/preview", s.handlePreviewVoice)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)

	r.Get("/v1/diagnostics/turns", s.handleTurnDiagnostics)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
		"demo_persona":    s.cfg.DemoPersona,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.personas.GetProfiles(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "persona_store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.PersonaID = strings.TrimSpace(req.PersonaID)
	if req.PersonaID != "" {
		if _, err := s.personas.GetProfile(r.Context(), req.PersonaID); err != nil {
			s.respondPersonaError(w, err)
			return
		}
	}

	sess := s.sessions.Create(req.PersonaID)
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Status:          sess.Status,
		PersonaID:       sess.PersonaID,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		WebSocketPath:   "/v1/sessions/ws?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id, "caregiver")
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.orchestrator != nil {
		s.orchestrator.EndSession(id, "caregiver")
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}
	p := s.sessionPersona(r.Context(), sess)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer cancel()
		if err := s.orchestrator.RunConnection(ctx, sess, p, inbound, outbound); err != nil {
			logger.Info().Err(err).Msg("connection closed by orchestrator")
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Unblocks the read loop once the conversation is gone.
		defer conn.Close()
		for {
			var msg any
			select {
			case <-ctx.Done():
				// Flush what the conversation emitted while shutting down.
				select {
				case msg = <-outbound:
				default:
					return
				}
			case msg = <-outbound:
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.SessionEvents.WithLabelValues("ws_write_error").Inc()
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.sessions.InactivityTimeout()))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.sessions.InactivityTimeout()))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.sessions.InactivityTimeout()))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// sessionPersona loads the session's persona. A missing persona is not an error here:
// the conversation refuses to start and tells the patient to ask for help.
func (s *Server) sessionPersona(ctx context.Context, sess *session.Session) *persona.Persona {
	if sess.PersonaID == "" {
		return nil
	}
	p, err := s.personas.GetProfile(ctx, sess.PersonaID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Str("persona_id", sess.PersonaID).Msg("session persona unavailable")
		return nil
	}
	return &p
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientSpeechStart:
		return m.Type, true
	case protocol.ClientSpeechEnd:
		return m.Type, true
	case protocol.ClientCaptureError:
		return m.Type, true
	case protocol.ClientPlaybackDone:
		return m.Type, true
	default:
		return "", false
	}
}
