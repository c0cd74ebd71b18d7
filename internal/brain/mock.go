package brain

import (
	"context"
	"fmt"
	"strings"
)

// MockClient replies deterministically for local runs without a generation backend.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (MockClient) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	heard := strings.TrimSpace(req.Text)
	if heard == "" {
		return "I'm right here with you.", nil
	}
	name := strings.TrimSpace(req.Persona.Name)
	if name == "" {
		return fmt.Sprintf("I hear you. You said: %s", heard), nil
	}
	return fmt.Sprintf("It's %s, I'm right here. You said: %s", name, heard), nil
}
