package cli

import (
	"os"

	"github.com/spf13/cobra"

	"hubflow/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var (
		configPath string
		dbPath     string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "hubflow",
		Short:        "hubflow: notes, polls and scheduled assistant commands",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.DB.Path = dbPath
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg.Log)
			cmd.SetContext(withConfig(cmd.Context(), cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: "+config.DefaultPath+")")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite DB path (env: HUBFLOW_DB_PATH)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newDispatchCmd())
	cmd.AddCommand(newRunTaskCmd())
	cmd.AddCommand(newUserCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}
	return cmd
}
