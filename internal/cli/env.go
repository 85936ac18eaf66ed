package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	vera "github.com/lyntrann/VeRA-plus"
)

const (
	outputText = "text"
	outputJSON = "json"
)

// env is the state shared by one command invocation.
type env struct {
	flags *globalFlags
	log   *zerolog.Logger
	out   io.Writer
	reg   *prometheus.Registry
}

// hostConfig resolves the host hyperparameters from --host and --arch.
func (e *env) hostConfig() (vera.TransformerConfig, error) {
	cfg := vera.DefaultTransformerConfig()
	if e.flags.host != "" {
		var err error
		if cfg, err = vera.LoadTransformerConfig(e.flags.host); err != nil {
			return cfg, fmt.Errorf("failed to load host config: %w", err)
		}
	}
	if e.flags.arch != "" {
		cfg.Arch = vera.Architecture(e.flags.arch)
	}
	return cfg, cfg.Validate()
}

// host builds a fresh reference transformer.
func (e *env) host() (*vera.Transformer, error) {
	cfg, err := e.hostConfig()
	if err != nil {
		return nil, err
	}
	return vera.NewTransformer(cfg)
}

// options wires the command's logger and a private metrics registry.
func (e *env) options() []vera.Option {
	if e.reg == nil {
		e.reg = prometheus.NewRegistry()
	}
	return []vera.Option{
		vera.WithLogger(*e.log),
		vera.WithMetrics(vera.NewMetrics(e.reg)),
	}
}

// attach builds a host and attaches the adapter described by cfgPath.
func (e *env) attach(cfgPath, adapter string) (*vera.Model, error) {
	cfg, err := vera.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	root, err := e.host()
	if err != nil {
		return nil, err
	}
	return vera.New(root, adapter, cfg, e.options()...)
}

func (e *env) jsonOutput() bool { return e.flags.output == outputJSON }

func (e *env) writeJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// probe is a fixed token sequence used to compare forward passes.
func probe(cfg vera.TransformerConfig) *vera.Tensor {
	n := min(cfg.MaxSeqLen, 8)
	ids := make([]int, n)
	for i := range ids {
		ids[i] = (i*7 + 3) % cfg.VocabSize
	}
	return vera.FromInts(ids)
}
