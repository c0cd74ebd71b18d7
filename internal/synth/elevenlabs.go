package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/everloved/companion/internal/audio"
	"github.com/everloved/companion/internal/reliability"
)

const maxAudioBytes = 16 << 20

// ElevenLabsClient calls the ElevenLabs text-to-speech REST endpoint.
type ElevenLabsClient struct {
	apiKey  string
	baseURL string
	modelID string
	client  *http.Client

	Stability       float64
	SimilarityBoost float64
}

func NewElevenLabsClient(apiKey, baseURL, modelID string) *ElevenLabsClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_monolingual_v1"
	}
	return &ElevenLabsClient{
		apiKey:          strings.TrimSpace(apiKey),
		baseURL:         strings.TrimRight(baseURL, "/"),
		modelID:         modelID,
		client:          &http.Client{},
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) (*Audio, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": c.modelID,
		"voice_settings": map[string]any{
			"stability":        clamp01(c.Stability),
			"similarity_boost": clamp01(c.SimilarityBoost),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v1/text-to-speech/" + url.PathEscape(voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", audio.MimeMPEG)
	req.Header.Set("xi-api-key", c.apiKey)

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &reliability.HTTPStatusError{Provider: "elevenlabs", StatusCode: res.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	mime := res.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = audio.MimeMPEG
	}
	return &Audio{Data: data, MimeType: mime}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
