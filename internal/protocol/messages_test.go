package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessageControl(t *testing.T) {
	raw := []byte(`{"type":"client_control","session_id":"s1","action":" Start ","capture_supported":false}`)
	msg, err := ParseClientMessage(raw)
	require.NoError(t, err)

	control, ok := msg.(ClientControl)
	require.True(t, ok, "message type = %T", msg)
	assert.Equal(t, ActionStart, control.Action)
	require.NotNil(t, control.CaptureSupported)
	assert.False(t, *control.CaptureSupported)
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestParseClientMessageRejectsBadJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{`))
	require.Error(t, err)
}

func TestParseClientSpeechEnd(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"client_speech_end","session_id":"s1","text":"where is my wife?"}`))
	require.NoError(t, err)
	end := msg.(ClientSpeechEnd)
	assert.Equal(t, "where is my wife?", end.Text)

	// An empty speech end is valid and means no speech was heard.
	_, err = ParseClientMessage([]byte(`{"type":"client_speech_end","session_id":"s1"}`))
	require.NoError(t, err)

	_, err = ParseClientMessage([]byte(`{"type":"client_speech_end","session_id":"s1","audio_base64":"AQID"}`))
	require.Error(t, err, "audio requires a mime type")
}

func TestParseClientPlaybackDone(t *testing.T) {
	cases := []struct {
		raw     string
		wantErr bool
	}{
		{`{"type":"client_playback_done","session_id":"s1","turn_id":"t1","status":"completed"}`, false},
		{`{"type":"client_playback_done","session_id":"s1","turn_id":"t1","status":"failed","detail":"NotAllowedError"}`, false},
		{`{"type":"client_playback_done","session_id":"s1","turn_id":"t1","status":"paused"}`, true},
		{`{"type":"client_playback_done","session_id":"s1","status":"completed"}`, true},
	}
	for _, tc := range cases {
		_, err := ParseClientMessage([]byte(tc.raw))
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
		} else {
			assert.NoError(t, err, tc.raw)
		}
	}
}

func TestParseClientControlRequiresKnownAction(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"client_control","session_id":"s1","action":"interrupt"}`))
	require.Error(t, err)
}
