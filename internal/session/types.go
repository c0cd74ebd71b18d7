package session

import "time"

// CreateRequest is the body of POST /v1/sessions. PersonaID may be empty in demo mode.
type CreateRequest struct {
	PersonaID string `json:"persona_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	Status          Status    `json:"status"`
	PersonaID       string    `json:"persona_id"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebSocketPath   string    `json:"ws_path"`
}
