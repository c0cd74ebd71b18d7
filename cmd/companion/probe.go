package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/everloved/companion/internal/probe"
)

func newProbeCmd() *cobra.Command {
	var (
		opts    probe.Options
		texts   string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Replay scripted utterances against a running server and report turn latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if texts != "" {
				opts.Texts = strings.Split(texts, "|")
			}
			opts.Verbose = !asJSON
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			report, err := probe.Run(ctx, opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d turns, playback p50 %s\n",
				report.SessionID, len(report.Turns), report.PlaybackP50().Round(time.Millisecond))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.BaseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	f.StringVar(&opts.PersonaID, "persona", "", "persona id for the probe session")
	f.IntVar(&opts.Turns, "turns", 4, "number of turns to replay")
	f.DurationVar(&opts.TurnTimeout, "turn-timeout", 30*time.Second, "maximum wait per turn")
	f.DurationVar(&opts.InterTurnDelay, "inter-turn", 200*time.Millisecond, "pause between turns")
	f.StringVar(&texts, "texts", "", "utterances separated by '|'")
	f.BoolVar(&asJSON, "json", false, "print the report as JSON")
	f.DurationVar(&timeout, "timeout", 8*time.Minute, "overall deadline")
	return cmd
}
