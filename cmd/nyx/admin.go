package main

import (
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// --- Module commands ---

func newModuleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "module",
		Aliases: []string{"modules"},
		Short:   "Inspect and reload modules",
	}
	cmd.AddCommand(newModuleListCommand())
	cmd.AddCommand(newModuleShowCommand())
	cmd.AddCommand(newModuleReloadCommand())
	return cmd
}

func newModuleListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active modules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/modules", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newModuleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/modules/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newModuleReloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "reload <name>",
		Short:   "Reload a module without restarting the server",
		Example: `  nyx module reload system`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().post("/api/v1/modules/"+url.PathEscape(args[0])+"/reload", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

// --- Learning state ---

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show command statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/stats", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

func newWeightsCommand() *cobra.Command {
	var module string
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Show learned confidence adjustments",
		Example: `  nyx weights
  nyx weights --module notes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if module != "" {
				params.Set("module", module)
			}
			data, err := newClient().get("/api/v1/weights", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().StringVarP(&module, "module", "m", "", "Filter by module")
	return cmd
}

func newSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "Show connected sessions and their outstanding questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/sessions", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
}

// --- Escalation cache ---

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear cached resolver answers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache hit statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := newClient().get("/api/v1/cache", nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	})

	var model string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached resolver answers",
		Example: `  nyx cache clear
  nyx cache clear --model llama3.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if model != "" {
				params.Set("model", model)
			}
			data, err := newClient().delete("/api/v1/cache", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	clearCmd.Flags().StringVar(&model, "model", "", "Only drop answers produced by this model")
	cmd.AddCommand(clearCmd)
	return cmd
}

// --- Logs and health ---

func newLogCommand() *cobra.Command {
	var (
		limit     int
		level     string
		component string
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent server log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			params.Set("limit", strconv.Itoa(limit))
			if level != "" {
				params.Set("level", level)
			}
			if component != "" {
				params.Set("component", component)
			}
			data, err := newClient().get("/api/v1/logs", params)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries")
	cmd.Flags().StringVar(&level, "level", "", "Filter by level")
	cmd.Flags().StringVar(&component, "component", "", "Filter by component")
	return cmd
}

func newHealthCommand() *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/health"
			if ready {
				path = "/health/ready"
			}
			data, err := newClient().get(path, nil)
			if err != nil {
				return err
			}
			outputJSON(cmd.OutOrStdout(), data)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "Check readiness including dependencies")
	return cmd
}
