package httpapi

import "net/http"

func (s *Server) handleTurnDiagnostics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.TurnStageSnapshot())
}
