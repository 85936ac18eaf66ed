// Package cli provides the command-line interface for VeRA adapters.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information (set at build time).
var Version = "0.1.0"

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	logLevel string
	host     string
	arch     string
	output   string
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	env := &env{flags: flags, log: &logger}

	rootCmd := &cobra.Command{
		Use:   "vera",
		Short: "VeRA - vector-based random adaptation",
		Long: `vera attaches VeRA adapters to a reference transformer, inspects the shared
random projections, merges adapters into base weights and reads and writes
adapter checkpoints.

The host model is built from --host (YAML/JSON/TOML) or from defaults.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := zerolog.ParseLevel(strings.ToLower(flags.logLevel))
			if err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", flags.logLevel, err)
			}
			l := logger.Level(level)
			env.log = &l
			env.out = cmd.OutOrStdout()
			if flags.output != outputText && flags.output != outputJSON {
				return fmt.Errorf("invalid --output %q (want %s or %s)", flags.output, outputText, outputJSON)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&flags.host, "host", "", "Host model config file (default: built-in tiny transformer)")
	rootCmd.PersistentFlags().StringVar(&flags.arch, "arch", "", "Override host architecture (llama|gpt2)")
	rootCmd.PersistentFlags().StringVarP(&flags.output, "output", "o", outputText, "Output format (text|json)")

	_ = rootCmd.RegisterFlagCompletionFunc("output", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{outputText, outputJSON}, cobra.ShellCompDirectiveNoFileComp
	})
	_ = rootCmd.RegisterFlagCompletionFunc("arch", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"llama", "gpt2"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newConfigCommand(env))
	rootCmd.AddCommand(newProjectionsCommand(env))
	rootCmd.AddCommand(newInspectCommand(env))
	rootCmd.AddCommand(newMergeCommand(env))
	rootCmd.AddCommand(newCheckpointCommand(env))

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
