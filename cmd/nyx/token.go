package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jordanhubbard/nyx/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		configPath string
		subject    string
		scope      string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured JWT secret",
		Example: `  nyx token --subject kitchen-speaker
  NYX_TOKEN=$(nyx token --ttl 1h) nyx chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			tok, err := auth.New(cfg.Security).IssueToken(subject, scope, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML configuration file")
	cmd.Flags().StringVar(&subject, "subject", "nyx-client", "Token subject")
	cmd.Flags().StringVar(&scope, "scope", "session", "Token scope")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
