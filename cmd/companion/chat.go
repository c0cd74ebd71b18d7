package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/everloved/companion/internal/app"
	"github.com/everloved/companion/internal/config"
	"github.com/everloved/companion/internal/logging"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/voice"
)

func newChatCmd() *cobra.Command {
	var personaID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a persona from the terminal, one line per utterance",
		Long: `Runs the conversation engine with stdin as the microphone and the terminal as the speaker.
Lines typed while the companion is thinking or speaking are not heard.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogLevel, "console")

			res, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer res.Cleanup()

			var p *persona.Persona
			if personaID != "" {
				found, err := res.Personas.GetProfile(cmd.Context(), personaID)
				if err != nil {
					return fmt.Errorf("load persona %q: %w", personaID, err)
				}
				p = &found
			}
			return runChat(cmd.Context(), res, p, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&personaID, "persona", "", "persona id to speak as (demo persona when APP_DEMO_PERSONA is set)")
	return cmd
}

func runChat(ctx context.Context, res *app.BuildResult, p *persona.Persona, in io.Reader, out io.Writer) error {
	sess := res.Sessions.Create(personaIDOf(p))
	defer res.Sessions.End(sess.ID, "console")

	capture := voice.NewLineCapture(in)
	conv := res.Orchestrator.NewConversation(sess.ID, capture, voice.NewConsolePlayer(out), voice.Hooks{
		OnUtterance: func(u voice.Utterance) {
			speaker := u.Speaker
			if speaker == "" {
				speaker = "companion"
			}
			fmt.Fprintf(out, "%s: %s\n", speaker, u.Text)
		},
		OnNotice: func(_ string, message string) {
			fmt.Fprintf(out, "* %s\n", message)
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- conv.Run(ctx) }()

	if err := conv.Start(ctx, p); err != nil {
		return err
	}
	fmt.Fprintln(out, "(listening; Ctrl-D to end)")

	select {
	case <-capture.EOF():
		waitForListening(ctx, conv)
	case <-ctx.Done():
	}
	conv.End("console")
	cancel()
	return <-runDone
}

// waitForListening lets the last typed line finish its turn before the session ends.
func waitForListening(ctx context.Context, conv *voice.Conversation) {
	settle := time.NewTimer(200 * time.Millisecond)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-ctx.Done():
		return
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for conv.State() != voice.StateListening {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func personaIDOf(p *persona.Persona) string {
	if p == nil {
		return ""
	}
	return p.ID
}
