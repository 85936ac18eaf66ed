package cli

import (
	"fmt"
	"math"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	vera "github.com/lyntrann/VeRA-plus"
)

const defaultAdapter = "default"

func newProjectionsCommand(e *env) *cobra.Command {
	var adapter string
	cmd := &cobra.Command{
		Use:   "projections <config>",
		Short: "Show the shared random projections an adapter config produces",
		Long: `Attaches the adapter to the host model and prints the shape and checksums
of the shared projection pair of each family. Running it twice with the same
projection_prng_key prints identical checksums.`,
		Example: `  vera projections adapter.yaml
  vera projections adapter.yaml --arch gpt2`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m, err := e.attach(args[0], adapter)
			if err != nil {
				return err
			}
			rows := projectionRows(m, adapter)
			if e.jsonOutput() {
				return e.writeJSON(rows)
			}
			t := table.NewWriter()
			t.SetOutputMirror(e.out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Family", "Matrix", "Shape", "DType", "Sum", "L2"})
			for _, r := range rows {
				t.AppendRow(table.Row{r.Family, r.Matrix, r.Shape, r.DType, fmt.Sprintf("%.6f", r.Sum), fmt.Sprintf("%.6f", r.L2)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", defaultAdapter, "adapter name")
	return cmd
}

type projectionRow struct {
	Family string  `json:"family"`
	Matrix string  `json:"matrix"`
	Shape  []int   `json:"shape"`
	DType  string  `json:"dtype"`
	Sum    float64 `json:"sum"`
	L2     float64 `json:"l2"`
}

func projectionRows(m *vera.Model, adapter string) []projectionRow {
	var rows []projectionRow
	for _, fam := range []vera.Family{vera.FamilyLinear, vera.FamilyEmbedding} {
		p, ok := m.Projections(adapter, fam)
		if !ok {
			continue
		}
		for _, mat := range []struct {
			name string
			t    *vera.Tensor
		}{{"A", p.A()}, {"B", p.B()}} {
			sum, sq := 0.0, 0.0
			for _, v := range mat.t.Data() {
				sum += v
				sq += v * v
			}
			rows = append(rows, projectionRow{
				Family: fam.String(),
				Matrix: mat.name,
				Shape:  mat.t.Shape(),
				DType:  mat.t.DType().String(),
				Sum:    sum,
				L2:     math.Sqrt(sq),
			})
		}
	}
	return rows
}

func newInspectCommand(e *env) *cobra.Command {
	var (
		adapter     string
		showMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <config>",
		Short: "List the layers an adapter config targets",
		Example: `  vera inspect adapter.yaml
  vera inspect adapter.yaml --metrics`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			m, err := e.attach(args[0], adapter)
			if err != nil {
				return err
			}
			rows := layerRows(m, adapter)
			trainable, total := m.TrainableParameterCount()
			if e.jsonOutput() {
				return e.writeJSON(map[string]any{
					"adapter":          adapter,
					"layers":           rows,
					"trainable_params": trainable,
					"total_params":     total,
				})
			}

			t := table.NewWriter()
			t.SetOutputMirror(e.out)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Layer", "Kind", "r", "Alpha", "Scaling", "λ params"})
			for _, r := range rows {
				t.AppendRow(table.Row{r.Name, r.Kind, r.R, r.Alpha, fmt.Sprintf("%.4f", r.Scaling), r.Params})
			}
			t.AppendFooter(table.Row{"", "", "", "", "trainable", fmt.Sprintf("%d / %d (%.4f%%)", trainable, total, 100*float64(trainable)/float64(max(total, 1)))})
			t.Render()

			if showMetrics {
				return renderMetrics(e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", defaultAdapter, "adapter name")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print adapter counters after the table")
	return cmd
}

type layerRow struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind"`
	R       int     `json:"r"`
	Alpha   float64 `json:"alpha"`
	Scaling float64 `json:"scaling"`
	Params  int     `json:"params"`
}

func layerRows(m *vera.Model, adapter string) []layerRow {
	var rows []layerRow
	for _, nl := range m.Layers() {
		st, ok := nl.Layer.State(adapter)
		if !ok {
			continue
		}
		rows = append(rows, layerRow{
			Name:    nl.Name,
			Kind:    nl.Layer.Kind().String(),
			R:       st.R,
			Alpha:   st.Alpha,
			Scaling: st.Scaling,
			Params:  st.LambdaB.Size() + st.LambdaD.Size() + st.LambdaC.Size(),
		})
	}
	return rows
}

// renderMetrics prints every counter series in the command's registry.
func renderMetrics(e *env) error {
	if e.reg == nil {
		return nil
	}
	families, err := e.reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	t := table.NewWriter()
	t.SetOutputMirror(e.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Metric", "Labels", "Value"})
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			t.AppendRow(table.Row{mf.GetName(), strings.Join(labels, ","), metric.GetCounter().GetValue()})
		}
	}
	t.Render()
	return nil
}
