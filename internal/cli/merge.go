package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	vera "github.com/lyntrann/VeRA-plus"
)

func newMergeCommand(e *env) *cobra.Command {
	var (
		adapter    string
		checkpoint string
		safe       bool
	)
	cmd := &cobra.Command{
		Use:   "merge [config]",
		Short: "Merge an adapter into the host weights and check the result",
		Long: `Builds the host model, attaches the adapter (from a config or a checkpoint),
runs a probe sequence through the adapted model, merges and unloads the
adapter, and reports how far the merged model's logits are from the adapted
ones. With --safe the merge is rejected if any merged weight is not finite.`,
		Example: `  vera merge --checkpoint adapter.ckpt --safe
  vera merge adapter.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if (checkpoint == "") == (len(args) == 0) {
				return fmt.Errorf("give exactly one of a config argument or --checkpoint")
			}
			hostCfg, err := e.hostConfig()
			if err != nil {
				return err
			}

			var m *vera.Model
			if checkpoint != "" {
				root, err := vera.NewTransformer(hostCfg)
				if err != nil {
					return err
				}
				if m, err = vera.FromCheckpoint(root, checkpoint, e.options()...); err != nil {
					return err
				}
			} else if m, err = e.attach(args[0], adapter); err != nil {
				return err
			}

			x := probe(hostCfg)
			adapted, err := m.Forward(x)
			if err != nil {
				return err
			}
			layers := len(m.Layers())
			active := m.ActiveAdapter()
			merged, err := m.MergeAndUnload(safe, nil)
			if err != nil {
				return err
			}
			after, err := merged.Forward(x)
			if err != nil {
				return err
			}

			diff := vera.MaxAbsDiff(adapted, after)
			e.log.Info().Str("adapter", active).Int("layers", layers).Float64("max_abs_diff", diff).Msg("merged")
			if e.jsonOutput() {
				return e.writeJSON(map[string]any{
					"adapter":      active,
					"layers":       layers,
					"safe":         safe,
					"max_abs_diff": diff,
				})
			}
			fmt.Fprintf(e.out, "merged adapter %q into %d layers (safe=%t)\n", active, layers, safe)
			fmt.Fprintf(e.out, "max |adapted - merged| logit difference: %.3g\n", diff)
			return nil
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", defaultAdapter, "adapter name when attaching from a config")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "adapter checkpoint to merge")
	cmd.Flags().BoolVar(&safe, "safe", false, "reject merges that produce non-finite weights")
	return cmd
}
