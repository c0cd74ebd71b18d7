package synth

import (
	"context"
	"time"

	"github.com/everloved/companion/internal/audio"
)

// MockClient returns silent WAV clips whose length tracks the text, for local runs.
type MockClient struct {
	PerChar time.Duration
}

func NewMockClient() *MockClient {
	return &MockClient{PerChar: 60 * time.Millisecond}
}

func (m *MockClient) Synthesize(ctx context.Context, text, _ string) (*Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := time.Duration(len([]rune(text))) * m.PerChar
	return &Audio{Data: audio.Silence(d, audio.DefaultSampleRate), MimeType: audio.MimeWAV}, nil
}
