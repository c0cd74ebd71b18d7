package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl      MessageType = "client_control"
	TypeClientSpeechStart  MessageType = "client_speech_start"
	TypeClientSpeechEnd    MessageType = "client_speech_end"
	TypeClientCaptureError MessageType = "client_capture_error"
	TypeClientPlaybackDone MessageType = "client_playback_done"

	TypeStateChanged       MessageType = "state_changed"
	TypeCaptureControl     MessageType = "capture_control"
	TypeCompanionUtterance MessageType = "companion_utterance"
	TypePlaybackStart      MessageType = "playback_start"
	TypePlaybackStop       MessageType = "playback_stop"
	TypeNotice             MessageType = "notice"
	TypeErrorEvent         MessageType = "error_event"
)

const (
	ActionStart = "start"
	ActionEnd   = "end"
	ActionPause = "pause"
	ActionStop  = "stop"

	PlaybackModeAudio = "audio"
	PlaybackModeTimed = "timed"

	PlaybackCompleted = "completed"
	PlaybackFailed    = "failed"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientControl starts or ends the conversation. CaptureSupported=false reports
// that the browser has no usable speech capture.
type ClientControl struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	Action           string      `json:"action"`
	CaptureSupported *bool       `json:"capture_supported,omitempty"`
	Reason           string      `json:"reason,omitempty"`
}

type ClientSpeechStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms"`
}

// ClientSpeechEnd carries either a browser-side transcript or raw audio.
// Both empty means the capture window closed with no speech.
type ClientSpeechEnd struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Text        string      `json:"text,omitempty"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	MimeType    string      `json:"mime_type,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

type ClientCaptureError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type ClientPlaybackDone struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Status    string      `json:"status"`
	Detail    string      `json:"detail,omitempty"`
}

type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	From      string      `json:"from"`
	State     string      `json:"state"`
	TurnID    string      `json:"turn_id,omitempty"`
}

type CaptureControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type CompanionUtterance struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Speaker    string      `json:"speaker,omitempty"`
	Transcript string      `json:"transcript"`
	Text       string      `json:"text"`
	Fallback   bool        `json:"fallback"`
}

type PlaybackStart struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Mode        string      `json:"mode"`
	MimeType    string      `json:"mime_type,omitempty"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	Text        string      `json:"text,omitempty"`
	DurationMS  int64       `json:"duration_ms,omitempty"`
}

type PlaybackStop struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
}

// Notice is a patient-safe message. Message is always warm text, never a raw error.
type Notice struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.SessionID == "" || (msg.Action != ActionStart && msg.Action != ActionEnd) {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	case TypeClientSpeechStart:
		var msg ClientSpeechStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_speech_start")
		}
		return msg, nil
	case TypeClientSpeechEnd:
		var msg ClientSpeechEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (msg.AudioBase64 != "" && msg.MimeType == "") {
			return nil, errors.New("invalid client_speech_end")
		}
		return msg, nil
	case TypeClientCaptureError:
		var msg ClientCaptureError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_capture_error")
		}
		return msg, nil
	case TypeClientPlaybackDone:
		var msg ClientPlaybackDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.TurnID == "" ||
			(msg.Status != PlaybackCompleted && msg.Status != PlaybackFailed) {
			return nil, errors.New("invalid client_playback_done")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
