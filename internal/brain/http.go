package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/everloved/companion/internal/reliability"
)

// HTTPClient posts turns to a self-hosted generation endpoint. The endpoint may answer
// with JSON, plain text, SSE or NDJSON; streamed fragments are concatenated.
type HTTPClient struct {
	url    string
	client *http.Client
}

type httpTurnRequest struct {
	SessionID      string `json:"session_id"`
	TurnID         string `json:"turn_id"`
	Message        string `json:"message"`
	PersonaContext string `json:"persona_context"`
	System         string `json:"system"`
}

func NewHTTPClient(url string) *HTTPClient {
	return &HTTPClient{url: strings.TrimSpace(url), client: &http.Client{}}
}

func (c *HTTPClient) Generate(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(httpTurnRequest{
		SessionID:      req.SessionID,
		TurnID:         req.TurnID,
		Message:        req.Text,
		PersonaContext: req.PersonaContext,
		System:         SystemInstructions(req.Persona, req.PersonaContext),
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", &reliability.HTTPStatusError{Provider: "generation_http", StatusCode: res.StatusCode, Body: string(body)}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return readStream(res.Body)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return extractText(obj), nil
}

func readStream(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" || line == "[DONE]" {
			continue
		}
		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return out.String(), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "reply", "delta", "output", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}
