package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/tessel/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// EnvDir is where .env files are looked up. Empty means the working
	// directory.
	EnvDir string

	v *viper.Viper
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tessel CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:   "tessel",
		Short: "tessel - binary client data plane for a real-time graph store",
		Long: `tessel compiles schemas and queries to the binary formats the engine
speaks, serves a reference engine over WebSocket and runs scripted scenarios
against it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			config.LoadEnvFiles(opts.EnvDir)
			return config.Bind(opts.v, cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	config.AddFlags(cmd)

	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// Config resolves flags, environment and defaults. Verbose forces the
// debug level.
func (o *RootOptions) Config() (config.Config, error) {
	if o.v == nil {
		o.v = config.New()
	}
	c, err := config.Load(o.v)
	if err != nil {
		return c, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.Verbose {
		c.LogLevel = slog.LevelDebug
	}
	return c, nil
}

// formatter builds the output formatter for a command.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger returns a logger on the command's error stream.
func (o *RootOptions) logger(cmd *cobra.Command, c config.Config) *slog.Logger {
	var w io.Writer = cmd.ErrOrStderr()
	return c.Logger(w)
}
