package vera

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// defaultLayerPatterns are the container names under which transformer
// stacks usually keep their blocks, e.g. "model.layers.3.self_attn".
var defaultLayerPatterns = []string{"layers", "h", "block", "blocks", "layer"}

// outputHead is excluded from the all-linear selector.
const outputHead = "lm_head"

// targetMatcher decides which qualified names an adapter is attached to.
type targetMatcher struct {
	names         []string
	pattern       *regexp.Regexp
	allLinear     bool
	layers        map[int]bool
	layerPatterns []*regexp.Regexp
}

func newTargetMatcher(cfg Config) (*targetMatcher, error) {
	t := &targetMatcher{names: cfg.TargetModules.Names}
	switch p := cfg.TargetModules.Pattern; {
	case p == AllLinear:
		t.allLinear = true
	case p != "":
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, configErrorf("match", ErrInvalidConfig, "target_modules: %v", err)
		}
		t.pattern = re
	}

	if len(cfg.LayersToTransform) > 0 {
		t.layers = make(map[int]bool, len(cfg.LayersToTransform))
		for _, idx := range cfg.LayersToTransform {
			t.layers[idx] = true
		}
		patterns := defaultLayerPatterns
		if cfg.LayersPattern != "" {
			patterns = []string{cfg.LayersPattern}
		}
		for _, p := range patterns {
			re, err := regexp.Compile(`(?:^|.*\.)(?:` + p + `)\.(\d+)\.`)
			if err != nil {
				return nil, configErrorf("match", ErrInvalidConfig, "layers_pattern: %v", err)
			}
			t.layerPatterns = append(t.layerPatterns, re)
		}
	}
	return t, nil
}

// Match reports whether the module at name, of the given kind, is targeted.
func (t *targetMatcher) Match(name string, kind LayerKind) bool {
	var found bool
	switch {
	case t.allLinear:
		found = kind.IsLinear() && lastComponent(name) != outputHead
	case t.pattern != nil:
		found = t.pattern.MatchString(name)
	default:
		found = matchesNameOrSuffix(name, t.names)
	}
	if !found || t.layers == nil {
		return found
	}
	idx, ok := t.layerIndex(name)
	return ok && t.layers[idx]
}

// layerIndex extracts the block index from names like "model.layers.3.mlp".
func (t *targetMatcher) layerIndex(name string) (int, bool) {
	for _, re := range t.layerPatterns {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return idx, true
	}
	return 0, false
}

// matchesNameOrSuffix reports whether name equals one of keys or ends
// with "." followed by one of them.
func matchesNameOrSuffix(name string, keys []string) bool {
	for _, k := range keys {
		if name == k || strings.HasSuffix(name, "."+k) {
			return true
		}
	}
	return false
}

// MatchTargets lists, in traversal order, the qualified names cfg selects
// in root together with their kinds. Nothing is modified.
func MatchTargets(root Module, cfg Config) ([]string, []LayerKind, error) {
	m, err := newTargetMatcher(cfg)
	if err != nil {
		return nil, nil, err
	}
	var (
		names []string
		kinds []LayerKind
	)
	err = Walk(root, func(name string, mod Module, _ Parent, _ string) error {
		kind := KindOf(mod)
		if m.Match(name, kind) {
			names = append(names, name)
			kinds = append(kinds, kind)
		}
		return nil
	})
	return names, kinds, err
}

// ===========================================================================
// PER-LAYER OVERRIDES
// ===========================================================================
//
// rank_pattern and alpha_pattern map a module name or regex to an override.
// A key matches a qualified name when the name ends with it on a dotted
// boundary: key "q_proj" matches "layers.0.self_attn.q_proj", and a regex
// key "layers\.0\..*" matches anything under block 0. When several keys
// match, the longest key wins and ties go to the lexicographically smaller.

func compileOverrideKey(key string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:.*\.)?(?:` + key + `)$`)
}

// lookupOverride returns the override for name, if any key matches.
func lookupOverride[V any](patterns map[string]V, name string) (V, bool) {
	var zero V
	if len(patterns) == 0 {
		return zero, false
	}
	keys := make([]string, 0, len(patterns))
	for k := range patterns {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		re, err := compileOverrideKey(k)
		if err != nil {
			continue
		}
		if re.MatchString(name) {
			return patterns[k], true
		}
	}
	return zero, false
}

// rankAndAlpha resolves the effective rank and alpha for a module.
func rankAndAlpha(cfg Config, name string) (int, float64) {
	r, alpha := cfg.R, cfg.VeraAlpha
	if v, ok := lookupOverride(cfg.RankPattern, name); ok {
		r = v
	}
	if v, ok := lookupOverride(cfg.AlphaPattern, name); ok {
		alpha = v
	}
	return r, alpha
}

// describeTargets is used in error messages.
func describeTargets(cfg Config) string {
	return fmt.Sprintf("target_modules=%s", cfg.TargetModules)
}
