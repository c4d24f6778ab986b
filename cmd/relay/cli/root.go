// Package cli implements the relay command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/relay/config"
)

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
}

// NewRootCommand returns the relay command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Relay runs agent runtime sessions behind a WebSocket and HTTP API",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML or JSON config file")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides Database.Path)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newServeCommand(opts),
		newSessionsCommand(opts),
		newReplayCommand(opts),
		newRunsCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// load reads the config file and applies flag overrides on top of it.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newConfigCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
