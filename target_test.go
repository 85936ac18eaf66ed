package vera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T, arch Architecture) *Transformer {
	t.Helper()
	cfg := DefaultTransformerConfig()
	cfg.Arch = arch
	host, err := NewTransformer(cfg)
	require.NoError(t, err)
	return host
}

func TestMatchTargetsNames(t *testing.T) {
	host := newHost(t, ArchLlama)
	cfg := validConfig()

	names, kinds, err := MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"layers.0.self_attn.q_proj",
		"layers.0.self_attn.v_proj",
		"layers.1.self_attn.q_proj",
		"layers.1.self_attn.v_proj",
	}, names)
	for _, k := range kinds {
		assert.Equal(t, KindLinear, k)
	}
}

func TestMatchTargetsSuffixOnDottedBoundary(t *testing.T) {
	host := newHost(t, ArchLlama)
	cfg := validConfig()

	cfg.TargetModules = Targets("self_attn.q_proj")
	names, _, err := MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Len(t, names, 2)

	cfg.TargetModules = Targets("proj")
	names, _, err = MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Empty(t, names, "a partial component never matches")
}

func TestMatchTargetsPattern(t *testing.T) {
	host := newHost(t, ArchLlama)
	cfg := validConfig()
	cfg.TargetModules = TargetPattern(`layers\.0\.self_attn\.(q|k)_proj`)

	names, _, err := MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"layers.0.self_attn.q_proj", "layers.0.self_attn.k_proj"}, names)

	// The pattern must match the whole name.
	cfg.TargetModules = TargetPattern(`q_proj`)
	names, _, err = MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMatchTargetsAllLinear(t *testing.T) {
	host := newHost(t, ArchLlama)
	cfg := validConfig()
	cfg.TargetModules = TargetPattern(AllLinear)

	names, kinds, err := MatchTargets(host, cfg)
	require.NoError(t, err)
	// q, k, v, o plus gate, up, down per block; embeddings and lm_head excluded.
	assert.Len(t, names, 14)
	assert.NotContains(t, names, "lm_head")
	assert.NotContains(t, names, "embed_tokens")
	for _, k := range kinds {
		assert.True(t, k.IsLinear())
	}
}

func TestMatchTargetsLayersToTransform(t *testing.T) {
	host := newHost(t, ArchLlama)
	cfg := validConfig()
	cfg.TargetModules = Targets("q_proj")
	cfg.LayersToTransform = []int{1}

	names, _, err := MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"layers.1.self_attn.q_proj"}, names)

	cfg.LayersPattern = "h"
	names, _, err = MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Empty(t, names, "llama blocks do not live under h")
}

func TestMatchTargetsGPT2Layers(t *testing.T) {
	host := newHost(t, ArchGPT2)
	cfg := validConfig()
	cfg.TargetModules = Targets("c_attn")
	cfg.LayersToTransform = []int{0}

	names, kinds, err := MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"h.0.attn.c_attn"}, names)
	assert.Equal(t, []LayerKind{KindConv1D}, kinds)
}

func TestMatchTargetsEmbedding(t *testing.T) {
	host := newHost(t, ArchLlama)
	cfg := validConfig()
	cfg.TargetModules = Targets("embed_tokens")

	names, kinds, err := MatchTargets(host, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"embed_tokens"}, names)
	assert.Equal(t, []LayerKind{KindEmbedding}, kinds)
}

func TestLookupOverride(t *testing.T) {
	patterns := map[string]int{
		"q_proj":        4,
		`layers\.0\..*`: 2,
		"proj":          7,
	}

	v, ok := lookupOverride(patterns, "layers.0.self_attn.q_proj")
	require.True(t, ok)
	assert.Equal(t, 2, v, "the longest matching key wins")

	v, ok = lookupOverride(patterns, "layers.1.self_attn.q_proj")
	require.True(t, ok)
	assert.Equal(t, 4, v)

	_, ok = lookupOverride(patterns, "layers.1.self_attn.k_proj")
	assert.False(t, ok, "keys match whole dotted components")

	_, ok = lookupOverride[int](nil, "q_proj")
	assert.False(t, ok)
}

func TestRankAndAlpha(t *testing.T) {
	cfg := validConfig()
	cfg.RankPattern = map[string]int{"v_proj": 2}
	cfg.AlphaPattern = map[string]float64{"v_proj": 4}

	r, alpha := rankAndAlpha(cfg, "layers.0.self_attn.v_proj")
	assert.Equal(t, 2, r)
	assert.Equal(t, 4.0, alpha)

	r, alpha = rankAndAlpha(cfg, "layers.0.self_attn.q_proj")
	assert.Equal(t, 8, r)
	assert.Equal(t, 8.0, alpha)
}
