package cli

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	vera "github.com/lyntrann/VeRA-plus"
)

func newConfigCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and create adapter configs",
	}
	cmd.AddCommand(newConfigValidateCommand(e))
	cmd.AddCommand(newConfigInitCommand(e))
	return cmd
}

func newConfigValidateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate an adapter config and show the resolved settings",
		Example: `  # Validate a YAML config
  vera config validate adapter.yaml

  # Print the resolved mapping as JSON
  vera config validate adapter.toml -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := vera.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			e.log.Debug().Str("path", args[0]).Msg("config valid")
			if e.jsonOutput() {
				return e.writeJSON(cfg.ToMap())
			}
			renderConfig(e, cfg)
			return nil
		},
	}
}

func newConfigInitCommand(e *env) *cobra.Command {
	var (
		seed    int64
		rank    int
		targets []string
	)
	cmd := &cobra.Command{
		Use:     "init <path>",
		Short:   "Write a default adapter config (format from extension)",
		Example: `  vera config init adapter.yaml --seed 7 --targets q_proj,v_proj`,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg := vera.DefaultConfig()
			cfg.R = rank
			cfg.ProjectionPRNGKey = vera.PRNGKey(seed)
			cfg.TargetModules = vera.Targets(targets...)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := vera.SaveConfig(args[0], cfg); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "wrote %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 0, "projection_prng_key")
	cmd.Flags().IntVarP(&rank, "rank", "r", vera.DefaultConfig().R, "shared rank r")
	cmd.Flags().StringSliceVar(&targets, "targets", []string{"q_proj", "v_proj"}, "target module names")
	return cmd
}

func renderConfig(e *env, cfg vera.Config) {
	m := cfg.ToMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := table.NewWriter()
	t.SetOutputMirror(e.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Key", "Value"})
	for _, k := range keys {
		t.AppendRow(table.Row{k, fmt.Sprint(m[k])})
	}
	t.Render()
}
