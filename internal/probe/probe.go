// Package probe replays scripted patient utterances against a running companion server
// and measures how long each turn takes to reach the patient.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/everloved/companion/internal/protocol"
	"github.com/everloved/companion/internal/session"
)

var DefaultUtterances = []string{
	"Good morning, is it Sunday today?",
	"Where did I leave my glasses?",
	"When is Martha coming?",
	"I'd like a cup of tea.",
}

type Options struct {
	BaseURL        string
	PersonaID      string
	Texts          []string
	Turns          int
	TurnTimeout    time.Duration
	InterTurnDelay time.Duration
	Verbose        bool
}

// TurnResult is the latency breakdown for one scripted utterance.
type TurnResult struct {
	Text         string        `json:"text"`
	Reply        string        `json:"reply"`
	Fallback     bool          `json:"fallback"`
	PlaybackMode string        `json:"playback_mode"`
	ToUtterance  time.Duration `json:"to_utterance"`
	ToPlayback   time.Duration `json:"to_playback"`
	ToListening  time.Duration `json:"to_listening"`
}

type Report struct {
	SessionID string       `json:"session_id"`
	Turns     []TurnResult `json:"turns"`
}

// PlaybackP50 is the median speech-end-to-playback latency.
func (r Report) PlaybackP50() time.Duration {
	if len(r.Turns) == 0 {
		return 0
	}
	d := make([]time.Duration, 0, len(r.Turns))
	for _, t := range r.Turns {
		d = append(d, t.ToPlayback)
	}
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	return d[len(d)/2]
}

func (o Options) withDefaults() (Options, error) {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.BaseURL == "" {
		return o, fmt.Errorf("base url is required")
	}
	if o.Turns <= 0 {
		o.Turns = len(DefaultUtterances)
	}
	if o.TurnTimeout < time.Second {
		o.TurnTimeout = 30 * time.Second
	}
	var texts []string
	for _, t := range o.Texts {
		if t = strings.TrimSpace(t); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		texts = DefaultUtterances
	}
	o.Texts = texts
	return o, nil
}

type envelope struct {
	Type     string `json:"type"`
	State    string `json:"state"`
	TurnID   string `json:"turn_id"`
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
	Mode     string `json:"mode"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Detail   string `json:"detail"`
}

// Run creates a session, drives opts.Turns turns over the websocket and ends the session.
// Progress lines go to out when opts.Verbose is set.
func Run(ctx context.Context, opts Options, out io.Writer) (Report, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return Report{}, err
	}
	logf := func(format string, args ...any) {
		if opts.Verbose && out != nil {
			fmt.Fprintf(out, "probe: "+format+"\n", args...)
		}
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	created, err := createSession(ctx, httpClient, opts.BaseURL, opts.PersonaID)
	if err != nil {
		return Report{}, fmt.Errorf("create session: %w", err)
	}
	report := Report{SessionID: created.SessionID}
	defer func() {
		_ = endSession(context.Background(), httpClient, opts.BaseURL, created.SessionID)
	}()
	logf("session=%s turns=%d", created.SessionID, opts.Turns)

	wsURL, err := wsURLFor(opts.BaseURL, created.WebSocketPath)
	if err != nil {
		return report, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan envelope, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readLoop(conn, events, readErr, done)

	supported := true
	if err := conn.WriteJSON(protocol.ClientControl{
		Type:             protocol.TypeClientControl,
		SessionID:        created.SessionID,
		Action:           protocol.ActionStart,
		CaptureSupported: &supported,
	}); err != nil {
		return report, fmt.Errorf("send start: %w", err)
	}
	if _, err := await(ctx, events, readErr, opts.TurnTimeout, func(e envelope) (bool, error) {
		if e.Type == string(protocol.TypeNotice) {
			return false, fmt.Errorf("session refused: %s (%s)", e.Code, e.Message)
		}
		return e.Type == string(protocol.TypeStateChanged) && e.State == "listening", nil
	}); err != nil {
		return report, err
	}

	for i := 0; i < opts.Turns; i++ {
		text := opts.Texts[i%len(opts.Texts)]
		res, err := runTurn(ctx, conn, created.SessionID, text, events, readErr, opts.TurnTimeout)
		if err != nil {
			return report, fmt.Errorf("turn %d: %w", i+1, err)
		}
		report.Turns = append(report.Turns, res)
		logf("turn %d/%d utterance=%s playback=%s (%s) listening=%s fallback=%t",
			i+1, opts.Turns,
			res.ToUtterance.Round(time.Millisecond),
			res.ToPlayback.Round(time.Millisecond), res.PlaybackMode,
			res.ToListening.Round(time.Millisecond), res.Fallback)
		if opts.InterTurnDelay > 0 && i < opts.Turns-1 {
			time.Sleep(opts.InterTurnDelay)
		}
	}
	logf("completed: playback p50=%s", report.PlaybackP50().Round(time.Millisecond))
	return report, nil
}

func runTurn(ctx context.Context, conn *websocket.Conn, sessionID, text string, events <-chan envelope, readErr <-chan error, timeout time.Duration) (TurnResult, error) {
	res := TurnResult{Text: text}
	if err := conn.WriteJSON(protocol.ClientSpeechStart{Type: protocol.TypeClientSpeechStart, SessionID: sessionID}); err != nil {
		return res, err
	}
	started := time.Now()
	if err := conn.WriteJSON(protocol.ClientSpeechEnd{Type: protocol.TypeClientSpeechEnd, SessionID: sessionID, Text: text}); err != nil {
		return res, err
	}

	utt, err := await(ctx, events, readErr, timeout, is(protocol.TypeCompanionUtterance))
	if err != nil {
		return res, fmt.Errorf("await utterance: %w", err)
	}
	res.ToUtterance = time.Since(started)
	res.Reply = utt.Text
	res.Fallback = utt.Fallback

	if !utt.Fallback {
		start, err := await(ctx, events, readErr, timeout, is(protocol.TypePlaybackStart))
		if err != nil {
			return res, fmt.Errorf("await playback: %w", err)
		}
		res.ToPlayback = time.Since(started)
		res.PlaybackMode = start.Mode
		if start.Mode == protocol.PlaybackModeAudio {
			// The probe has no speaker; report the clip as played.
			if err := conn.WriteJSON(protocol.ClientPlaybackDone{
				Type:      protocol.TypeClientPlaybackDone,
				SessionID: sessionID,
				TurnID:    start.TurnID,
				Status:    protocol.PlaybackCompleted,
			}); err != nil {
				return res, err
			}
		}
	} else {
		res.ToPlayback = res.ToUtterance
	}

	if _, err := await(ctx, events, readErr, timeout, func(e envelope) (bool, error) {
		return e.Type == string(protocol.TypeStateChanged) && e.State == "listening", nil
	}); err != nil {
		return res, fmt.Errorf("await listening: %w", err)
	}
	res.ToListening = time.Since(started)
	return res, nil
}

func is(t protocol.MessageType) func(envelope) (bool, error) {
	return func(e envelope) (bool, error) { return e.Type == string(t), nil }
}

func await(ctx context.Context, events <-chan envelope, readErr <-chan error, timeout time.Duration, match func(envelope) (bool, error)) (envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case e := <-events:
			ok, err := match(e)
			if err != nil {
				return e, err
			}
			if ok {
				return e, nil
			}
		case err := <-readErr:
			return envelope{}, err
		case <-timer.C:
			return envelope{}, fmt.Errorf("timeout after %s", timeout)
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		}
	}
}

func readLoop(conn *websocket.Conn, events chan<- envelope, readErr chan<- error, done <-chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case events <- env:
		case <-done:
			return
		}
	}
}

func createSession(ctx context.Context, client *http.Client, baseURL, personaID string) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{PersonaID: personaID})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return session.CreateResponse{}, fmt.Errorf("missing session_id in response")
	}
	return out, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLFor(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base url host is required")
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + ref.Path
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}
