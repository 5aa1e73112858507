package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/matt-riley/expz/internal/logging"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "expz",
		Short:         "Evaluate and distribute experiment flag configs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (json|text|console)")

	cmd.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newDeploymentsCommand(opts),
		newFlagsCommand(opts),
		newEvalCommand(opts),
		newFetchCommand(opts),
		newVariantCommand(opts),
	)

	return cmd
}

// logger builds a logger writing to the command's stderr. The persistent
// flags win over level and format, which come from the environment.
func (o *rootOptions) logger(cmd *cobra.Command, level, format string) (*slog.Logger, error) {
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.logFormat != "" {
		format = o.logFormat
	}
	log, err := logging.NewWithFormat(level, format, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return log, nil
}

// envFlags lets command-line flags override the environment variables the
// config package reads.
type envFlags struct {
	cmd   *cobra.Command
	names map[string]string // env key -> flag name
}

func newEnvFlags(cmd *cobra.Command) *envFlags {
	return &envFlags{cmd: cmd, names: make(map[string]string)}
}

// bind routes envKey to flag when the flag is set on the command line. The
// flag must already be defined.
func (f *envFlags) bind(flag, envKey string) {
	f.names[envKey] = flag
}

func (f *envFlags) getenv(key string) string {
	if name, ok := f.names[key]; ok {
		if fl := f.cmd.Flags().Lookup(name); fl != nil && fl.Changed {
			return fl.Value.String()
		}
	}
	return os.Getenv(key)
}
