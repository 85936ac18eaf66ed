package vera

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// AllLinear is the target selector that picks every linear-like layer
// except the output head.
const AllLinear = "all-linear"

// BiasMode selects which biases become trainable.
type BiasMode string

const (
	BiasNone        BiasMode = "none"
	BiasAll         BiasMode = "all"
	BiasAdapterOnly BiasMode = "adapter_only"
)

// canonical folds the vera_only alias onto adapter_only and empty onto none.
func (b BiasMode) canonical() BiasMode {
	switch b {
	case "", BiasNone:
		return BiasNone
	case "vera_only":
		return BiasAdapterOnly
	}
	return b
}

// TargetModules selects the layers an adapter is attached to: either a
// list of names (exact qualified name or dotted suffix) or a regular
// expression matched against the full qualified name.
type TargetModules struct {
	Names   []string
	Pattern string
}

// Targets selects modules by name or suffix.
func Targets(names ...string) TargetModules { return TargetModules{Names: names} }

// TargetPattern selects modules whose qualified name fully matches pattern.
func TargetPattern(pattern string) TargetModules { return TargetModules{Pattern: pattern} }

// IsEmpty reports whether nothing is selected.
func (t TargetModules) IsEmpty() bool { return len(t.Names) == 0 && t.Pattern == "" }

func (t TargetModules) String() string {
	if t.Pattern != "" {
		return t.Pattern
	}
	return "[" + strings.Join(t.Names, ", ") + "]"
}

// Config holds the VeRA hyperparameters for one adapter. A Config is
// treated as immutable once an adapter is attached with it; the model
// keeps its own copy.
type Config struct {
	R                 int                `mapstructure:"r" validate:"gt=0"`
	TargetModules     TargetModules      `mapstructure:"target_modules"`
	VeraAlpha         float64            `mapstructure:"vera_alpha"`
	UseRSVera         bool               `mapstructure:"use_rsvera"`
	ProjectionPRNGKey *int64             `mapstructure:"projection_prng_key"`
	SaveProjection    bool               `mapstructure:"save_projection"`
	VeraDropout       float64            `mapstructure:"vera_dropout" validate:"gte=0,lt=1"`
	DInitial          float64            `mapstructure:"d_initial"`
	CInitial          float64            `mapstructure:"c_initial"`
	FanInFanOut       bool               `mapstructure:"fan_in_fan_out"`
	Bias              BiasMode           `mapstructure:"bias" validate:"oneof=none all adapter_only"`
	ModulesToSave     []string           `mapstructure:"modules_to_save"`
	InitVeraWeights   bool               `mapstructure:"init_vera_weights"`
	LayersToTransform []int              `mapstructure:"layers_to_transform" validate:"dive,gte=0"`
	LayersPattern     string             `mapstructure:"layers_pattern"`
	RankPattern       map[string]int     `mapstructure:"rank_pattern" validate:"dive,gt=0"`
	AlphaPattern      map[string]float64 `mapstructure:"alpha_pattern"`
}

// DefaultConfig returns the defaults. ProjectionPRNGKey is left unset and
// must be provided before the config can be used.
func DefaultConfig() Config {
	return Config{
		R:               8,
		VeraAlpha:       8,
		SaveProjection:  true,
		DInitial:        1.0,
		CInitial:        1.0,
		Bias:            BiasNone,
		InitVeraWeights: true,
	}
}

// PRNGKey returns a pointer to v, for filling Config.ProjectionPRNGKey.
func PRNGKey(v int64) *int64 { return &v }

// Scaling returns the correction multiplier for rank r and the given alpha.
func (c Config) Scaling(alpha float64, r int) float64 {
	if c.UseRSVera {
		return alpha / math.Sqrt(float64(r))
	}
	return alpha / float64(r)
}

// MaxRank is the shared projection rank: r or the largest rank_pattern
// override, whichever is bigger.
func (c Config) MaxRank() int {
	maxR := c.R
	for _, r := range c.RankPattern {
		if r > maxR {
			maxR = r
		}
	}
	return maxR
}

var configValidate = validator.New()

// Validate checks every field invariant and returns a *ConfigError.
func (c Config) Validate() error {
	c.Bias = c.Bias.canonical()
	if err := configValidate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			fe := ves[0]
			sentinel := ErrInvalidConfig
			if fe.StructNamespace() == "Config.R" || strings.HasPrefix(fe.StructNamespace(), "Config.RankPattern") {
				sentinel = ErrInvalidRank
			}
			return configErrorf("validate", sentinel, "%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return configErrorf("validate", ErrInvalidConfig, "%v", err)
	}
	if c.ProjectionPRNGKey == nil {
		return configErrorf("validate", ErrMissingPRNGKey, "")
	}
	if c.TargetModules.IsEmpty() {
		return configErrorf("validate", ErrNoTargetModules, "target_modules is empty")
	}
	if p := c.TargetModules.Pattern; p != "" && p != AllLinear {
		if _, err := regexp.Compile(p); err != nil {
			return configErrorf("validate", ErrInvalidConfig, "target_modules: %v", err)
		}
	}
	if c.LayersPattern != "" {
		if _, err := regexp.Compile(c.LayersPattern); err != nil {
			return configErrorf("validate", ErrInvalidConfig, "layers_pattern: %v", err)
		}
	}
	for key := range c.RankPattern {
		if _, err := compileOverrideKey(key); err != nil {
			return configErrorf("validate", ErrInvalidConfig, "rank_pattern key %q: %v", key, err)
		}
	}
	for key := range c.AlphaPattern {
		if _, err := compileOverrideKey(key); err != nil {
			return configErrorf("validate", ErrInvalidConfig, "alpha_pattern key %q: %v", key, err)
		}
	}
	return nil
}

// clone deep-copies the slices and maps so the model's copy cannot be
// changed through the caller's.
func (c Config) clone() Config {
	out := c
	if c.ProjectionPRNGKey != nil {
		out.ProjectionPRNGKey = PRNGKey(*c.ProjectionPRNGKey)
	}
	out.TargetModules.Names = append([]string(nil), c.TargetModules.Names...)
	out.ModulesToSave = append([]string(nil), c.ModulesToSave...)
	out.LayersToTransform = append([]int(nil), c.LayersToTransform...)
	if c.RankPattern != nil {
		out.RankPattern = make(map[string]int, len(c.RankPattern))
		for k, v := range c.RankPattern {
			out.RankPattern[k] = v
		}
	}
	if c.AlphaPattern != nil {
		out.AlphaPattern = make(map[string]float64, len(c.AlphaPattern))
		for k, v := range c.AlphaPattern {
			out.AlphaPattern[k] = v
		}
	}
	out.Bias = c.Bias.canonical()
	return out
}

// ===========================================================================
// PLAIN MAPPING SERIALIZATION
// ===========================================================================
//
// Checkpoints and config files carry the configuration as a plain mapping.
// Decoding starts from DefaultConfig, ignores unknown keys, and rejects a
// mapping without projection_prng_key.

// ToMap renders c as a plain mapping. Unset optional fields are omitted.
func (c Config) ToMap() map[string]any {
	m := map[string]any{
		"peft_type":         "VERA",
		"r":                 c.R,
		"vera_alpha":        c.VeraAlpha,
		"use_rsvera":        c.UseRSVera,
		"save_projection":   c.SaveProjection,
		"vera_dropout":      c.VeraDropout,
		"d_initial":         c.DInitial,
		"c_initial":         c.CInitial,
		"fan_in_fan_out":    c.FanInFanOut,
		"bias":              string(c.Bias.canonical()),
		"init_vera_weights": c.InitVeraWeights,
	}
	if c.TargetModules.Pattern != "" {
		m["target_modules"] = c.TargetModules.Pattern
	} else if len(c.TargetModules.Names) > 0 {
		names := append([]string(nil), c.TargetModules.Names...)
		sort.Strings(names)
		m["target_modules"] = names
	}
	if c.ProjectionPRNGKey != nil {
		m["projection_prng_key"] = *c.ProjectionPRNGKey
	}
	if len(c.ModulesToSave) > 0 {
		m["modules_to_save"] = append([]string(nil), c.ModulesToSave...)
	}
	if len(c.LayersToTransform) > 0 {
		m["layers_to_transform"] = append([]int(nil), c.LayersToTransform...)
	}
	if c.LayersPattern != "" {
		m["layers_pattern"] = c.LayersPattern
	}
	if len(c.RankPattern) > 0 {
		rp := make(map[string]any, len(c.RankPattern))
		for k, v := range c.RankPattern {
			rp[k] = v
		}
		m["rank_pattern"] = rp
	}
	if len(c.AlphaPattern) > 0 {
		ap := make(map[string]any, len(c.AlphaPattern))
		for k, v := range c.AlphaPattern {
			ap[k] = v
		}
		m["alpha_pattern"] = ap
	}
	return m
}

// FromMap decodes a plain mapping into a Config. Missing keys keep their
// defaults; unknown keys are ignored. The result is not validated beyond
// the presence of projection_prng_key.
func FromMap(m map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if v, ok := m["projection_prng_key"]; !ok || v == nil {
		return cfg, configErrorf("from_map", ErrMissingPRNGKey, "")
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncType(targetModulesHook),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return cfg, configErrorf("from_map", ErrInvalidConfig, "%v", err)
	}
	cfg.Bias = cfg.Bias.canonical()
	return cfg, nil
}

var targetModulesType = reflect.TypeOf(TargetModules{})

// targetModulesHook accepts a string (pattern) or a list (names).
func targetModulesHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != targetModulesType {
		return data, nil
	}
	switch v := data.(type) {
	case nil:
		return TargetModules{}, nil
	case TargetModules:
		return v, nil
	case string:
		return TargetModules{Pattern: v}, nil
	case []string:
		return TargetModules{Names: append([]string(nil), v...)}, nil
	case []any:
		names := make([]string, 0, len(v))
		for _, n := range v {
			s, ok := n.(string)
			if !ok {
				return nil, fmt.Errorf("target_modules: expected string, got %T", n)
			}
			names = append(names, s)
		}
		return TargetModules{Names: names}, nil
	}
	return nil, fmt.Errorf("target_modules: unsupported type %T", data)
}

// LoadConfig reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func LoadConfig(path string) (Config, error) {
	m, err := readConfigMap(path)
	if err != nil {
		return Config{}, err
	}
	return FromMap(m)
}

// readConfigMap parses a YAML, JSON or TOML file into a plain mapping.
func readConfigMap(path string) (map[string]any, error) {
	if path == "" {
		return nil, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &m)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		err = dec.Decode(&m)
	case ".toml":
		err = toml.Unmarshal(b, &m)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// SaveConfig writes c to path, choosing the format from the extension.
func SaveConfig(path string, c Config) error {
	m := c.ToMap()
	var (
		b   []byte
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(m)
	case ".json":
		b, err = json.MarshalIndent(m, "", "  ")
	case ".toml":
		b, err = toml.Marshal(m)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}
