// Package cli implements the rowmap command line: schema inspection, raw
// queries and writes through the model layer, and metrics.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/rowmap/internal/config"
)

// RootOptions holds global flags for all commands, resolved through the
// config package before any subcommand runs.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// EnvDir is where .env files are looked up. Defaults to the working
	// directory.
	EnvDir string

	Config *config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the root command for the rowmap CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{EnvDir: "."}

	cmd := &cobra.Command{
		Use:   "rowmap",
		Short: "rowmap - row-to-object mapping for SQLite",
		Long: `Inspect and modify a SQLite database through the rowmap model layer.

Every flag can also be set through a ROWMAP_* environment variable
(ROWMAP_DB, ROWMAP_MODELS, ROWMAP_LOG_LEVEL, ...) or a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.resolve(cmd); err != nil {
				return opts.fail(cmd, err)
			}
			return nil
		},
	}

	// Global flags
	flags := cmd.PersistentFlags()
	flags.String(config.KeyDB, "", "path to SQLite database")
	flags.String(config.KeyModels, "", "model descriptor file (.yaml or .cue); defaults to one model per table")
	flags.String(config.KeyFormat, "text", "output format (json|text)")
	flags.String(config.KeyLogLevel, "info", "log level (debug|info|warn|error)")
	flags.Uint64(config.KeyCacheMemoryLimit, 0, "clear the result cache above this heap size in bytes (0 disables)")
	flags.BoolP(config.KeyVerbose, "v", false, "verbose output")

	// Add subcommands
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))

	return cmd
}

// resolve loads configuration for the command being run.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	config.LoadEnvFiles(o.EnvDir)
	v, err := config.New(cmd.Flags())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	o.Config = cfg
	o.Format = cfg.Format
	o.Verbose = cfg.Verbose
	o.Logger = newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	return nil
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// fail reports err through the formatter and returns it for the exit code.
func (o *RootOptions) fail(cmd *cobra.Command, err error) error {
	_ = o.formatter(cmd).Error(errCode(err), err.Error(), nil)
	return err
}
