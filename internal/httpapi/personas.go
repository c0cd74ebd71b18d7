package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/everloved/companion/internal/persona"
)

const maxInteractionsLimit = 200

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.personas.GetProfiles(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "persona_store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"personas": personas})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := s.personas.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondPersonaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreatePersona(w http.ResponseWriter, r *http.Request) {
	var p persona.Persona
	if err := decodeJSON(r, &p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	created, err := s.personas.CreateProfile(r.Context(), p)
	if err != nil {
		s.respondPersonaError(w, err)
		return
	}
	s.logger.Info().Str("persona_id", created.ID).Msg("persona created")
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.personas.GetProfile(r.Context(), id); err != nil {
		s.respondPersonaError(w, err)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxInteractionsLimit)
	}

	records, err := s.interactions.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "interaction_store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"persona_id": id, "interactions": records})
}

type previewRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePreviewVoice(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	p, err := s.personas.GetProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondPersonaError(w, err)
		return
	}

	var req previewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Text) > 500 {
		respondError(w, http.StatusBadRequest, "text_too_long", "preview text is limited to 500 characters")
		return
	}

	clip, err := s.orchestrator.PreviewVoice(r.Context(), p, req.Text)
	if err != nil {
		respondError(w, http.StatusBadGateway, "synthesis_failed", err.Error())
		return
	}
	if clip == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", clip.MimeType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.Data)
}

func (s *Server) respondPersonaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persona.ErrNotFound):
		respondError(w, http.StatusNotFound, "persona_not_found", err.Error())
	case errors.Is(err, persona.ErrInvalid):
		respondError(w, http.StatusBadRequest, "invalid_persona", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "persona_store_error", err.Error())
	}
}
