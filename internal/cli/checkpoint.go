package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	vera "github.com/lyntrann/VeRA-plus"
)

func newCheckpointCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Write and read adapter checkpoints",
	}
	cmd.AddCommand(newCheckpointSaveCommand(e))
	cmd.AddCommand(newCheckpointLoadCommand(e))
	return cmd
}

func newCheckpointSaveCommand(e *env) *cobra.Command {
	var (
		adapter string
		jitter  int64
	)
	cmd := &cobra.Command{
		Use:   "save <config> <out>",
		Short: "Attach an adapter and write its checkpoint",
		Long: `Attaches the adapter described by <config> to the host model and writes its
checkpoint. --jitter fills every trainable vector with small seeded noise,
which stands in for a trained adapter when trying out merge.`,
		Example: `  vera checkpoint save adapter.yaml adapter.ckpt --jitter 42`,
		Args:    cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			m, err := e.attach(args[0], adapter)
			if err != nil {
				return err
			}
			if jitter != 0 {
				g := vera.NewGenerator(jitter)
				for _, p := range m.TrainableParameters() {
					for i := 0; i < p.Tensor.Size(); i++ {
						p.Tensor.Set(p.Tensor.At(i)+0.1*(2*g.Uniform01()-1), i)
					}
				}
			}
			if err := vera.SaveAdapter(m, adapter, args[1]); err != nil {
				return err
			}
			e.log.Info().Str("adapter", adapter).Str("path", args[1]).Msg("checkpoint written")
			fmt.Fprintf(e.out, "wrote %s (%d layers)\n", args[1], len(m.Layers()))
			return nil
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", defaultAdapter, "adapter name")
	cmd.Flags().Int64Var(&jitter, "jitter", 0, "seed for random trainable vectors (0 keeps the initial values)")
	return cmd
}

func newCheckpointLoadCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "load <checkpoint>",
		Short:   "Read a checkpoint and attach it to the host model",
		Example: `  vera checkpoint load adapter.ckpt -o json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open checkpoint: %w", err)
			}
			ck, err := vera.ReadCheckpoint(f)
			f.Close()
			if err != nil {
				return err
			}

			root, err := e.host()
			if err != nil {
				return err
			}
			m, err := vera.FromCheckpoint(root, args[0], e.options()...)
			if err != nil {
				return err
			}

			summary := map[string]any{
				"adapter":          ck.Adapter,
				"tensors":          len(ck.State),
				"projection_saved": ck.Config.SaveProjection,
				"layers":           len(m.Layers()),
				"targets":          m.TargetedModules(ck.Adapter),
			}
			if e.jsonOutput() {
				return e.writeJSON(summary)
			}

			t := table.NewWriter()
			t.SetOutputMirror(e.out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Field", "Value"})
			t.AppendRow(table.Row{"adapter", ck.Adapter})
			t.AppendRow(table.Row{"tensors", len(ck.State)})
			t.AppendRow(table.Row{"projection saved", ck.Config.SaveProjection})
			t.AppendRow(table.Row{"layers attached", len(m.Layers())})
			t.AppendRow(table.Row{"targets", strings.Join(m.TargetedModules(ck.Adapter), "\n")})
			t.Render()
			return nil
		},
	}
}
