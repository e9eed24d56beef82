package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/elim/internal/catalog"
	elimmcp "github.com/kokistudios/elim/internal/mcp"
	"github.com/kokistudios/elim/internal/store"
	"github.com/kokistudios/elim/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func main() {
	var noColor, verbose bool

	rootCmd := &cobra.Command{
		Use:   "elim",
		Short: "elim: differential-elimination debugging",
		Long: "Track competing hypotheses for a failure, record the result of every test, and let " +
			"confidence updates eliminate candidates until one root cause remains.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor)
			ui.SetVerbose(verbose)
		},
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "investigate", Title: "Investigation Commands:"},
		&cobra.Group{ID: "memory", Title: "Memory Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{startCmd(), nextCmd(), checkpointCmd(), statusCmd(), researchCmd(), archiveCmd()} {
		c.GroupID = "investigate"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{historyCmd(), heuristicsCmd()} {
		c.GroupID = "memory"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{initCmd(), configCmd(), doctorCmd()} {
		c.GroupID = "config"
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(mcpServeCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if ui.Logger == nil {
			ui.Init(noColor)
		}
		ui.Error(err.Error())
		stop()
		os.Exit(1)
	}
}

func loadStore() (*store.Store, error) {
	home := store.Home()
	s, err := store.Open(home)
	if err != nil {
		return nil, fmt.Errorf("cannot open ELIM_HOME at %s: %w", home, err)
	}
	ui.Logger.Debug("store loaded", "home", home)
	return s, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize ELIM_HOME directory structure",
		Long:    "Create the ELIM_HOME directory (.elimination at the project root by default) with active/, logs/, learned/, archive/ and config.yaml.",
		Example: "  elim init\n  ELIM_HOME=/tmp/elim elim init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			if err := store.Init(home, force); err != nil {
				return err
			}
			ui.Success("elim initialized")
			ui.Detail("Home:", home)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rewrite config.yaml even if ELIM_HOME already exists")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit elim configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set an elim configuration value. Valid keys: session.max_iterations, status.evidence_shown, heuristics.learn, heuristics.use_learned_priors, lock.timeout_seconds.",
		Example: `  elim config set session.max_iterations 30
  elim config set heuristics.use_learned_priors true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check health of ELIM_HOME and the active session",
		Long: "Verify the ELIM_HOME layout, config.yaml, and every record of the active session. " +
			"With --fix, recreate missing directories and config and rebuild the archive catalog. " +
			"Records are never rewritten.",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()

			s, err := store.Load(home)
			if err != nil {
				return fmt.Errorf("elim not initialized, run 'elim init' first: %w", err)
			}

			if fix {
				ui.CommandBanner("DOCTOR", "repair mode")
				fixed := store.FixIssues(home)
				for _, f := range fixed {
					ui.Success(fmt.Sprintf("[FIXED] %s", f))
				}

				c, err := catalog.OpenStore(s)
				if err != nil {
					ui.Warning(fmt.Sprintf("Failed to open catalog: %v", err))
				} else {
					n, err := c.Rebuild(s.Path(store.DirArchive))
					c.Close()
					if err != nil {
						ui.Error(fmt.Sprintf("Failed to rebuild catalog: %v", err))
					} else {
						ui.Success(fmt.Sprintf("[FIXED] catalog rebuilt (%d archived sessions)", n))
					}
				}
			} else {
				ui.CommandBanner("DOCTOR", "health check")
			}

			issues := store.CheckHealth(home)
			issues = append(issues, store.CheckActiveIntegrity(home)...)

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				return nil
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}

			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Recreate missing directories and config, and rebuild the archive catalog")
	return cmd
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Run elim as an MCP server",
		Long:   "Start elim as a Model Context Protocol (MCP) server over stdio so agents can drive an investigation with the same operations as the CLI.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			server := elimmcp.NewServer(s, version)
			return server.Run(cmd.Context())
		},
	}
}
