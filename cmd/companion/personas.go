package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/everloved/companion/internal/config"
	"github.com/everloved/companion/internal/persona"
)

func newPersonasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Manage caregiver-authored personas",
	}
	cmd.AddCommand(newPersonasListCmd(), newPersonasAddCmd(), newPersonasImportCmd())
	return cmd
}

func openPersonaStore(ctx context.Context) (persona.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	return persona.NewStore(ctx, cfg.DatabaseURL)
}

func newPersonasListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openPersonaStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			personas, err := store.GetProfiles(cmd.Context())
			if err != nil {
				return err
			}
			if len(personas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No personas yet. Add one with 'companion personas add'.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tRELATIONSHIP\tGENDER\tVOICE")
			for _, p := range personas {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Relationship, orDash(string(p.Gender)), orDash(p.VoiceID))
			}
			return w.Flush()
		},
	}
}

func newPersonasAddCmd() *cobra.Command {
	var p persona.Persona
	var gender string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a persona",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p.Gender = persona.Gender(gender)
			store, err := openPersonaStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			created, err := store.CreateProfile(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created persona %s (%s, %s)\n", created.ID, created.Name, created.Relationship)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.ID, "id", "", "persona id (generated when empty)")
	f.StringVar(&p.Name, "name", "", "name the patient knows them by")
	f.StringVar(&p.Relationship, "relationship", "", "relationship to the patient, e.g. daughter")
	f.StringVar(&p.Biography, "bio", "", "short biography")
	f.StringVar(&p.LifeStory, "life-story", "", "shared memories used for gentle redirection")
	f.StringVar(&gender, "gender", "", "male or female")
	f.StringSliceVar(&p.RestrictedTopics, "restricted", nil, "topics to steer away from (repeatable)")
	f.StringVar(&p.EmergencyContact, "emergency-contact", "", "who to suggest contacting in distress")
	f.StringVar(&p.VoiceID, "voice", "", "synthesis voice id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("relationship")
	return cmd
}

func newPersonasImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import personas from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := persona.LoadSeedFile(args[0])
			if err != nil {
				return err
			}
			store, err := openPersonaStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			added, err := persona.Seed(cmd.Context(), store, seeds)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d of %d personas\n", added, len(seeds))
			return nil
		},
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
