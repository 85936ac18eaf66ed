package vera

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var probeIDs = []int{3, 10, 17, 24, 31, 38}

func forward(t *testing.T, m Module) *Tensor {
	t.Helper()
	out, err := m.Forward(FromInts(probeIDs))
	require.NoError(t, err)
	return out
}

// jitter gives every λ of adapter small seeded noise so corrections are
// non-zero, as after training.
func jitter(m *Model, adapter string, seed int64) {
	g := NewGenerator(seed)
	for _, nl := range m.Layers() {
		st, ok := nl.Layer.State(adapter)
		if !ok {
			continue
		}
		for _, v := range []*Tensor{st.LambdaB, st.LambdaD, st.LambdaC} {
			for i := 0; i < v.Size(); i++ {
				v.Set(v.At(i)+0.2*(2*g.Uniform01()-1), i)
			}
		}
	}
}

func weights(m *Model) map[string]*Tensor {
	out := make(map[string]*Tensor)
	for _, nl := range m.Layers() {
		out[nl.Name] = nl.Layer.BaseLayer().(Weighted).Weight().Clone()
	}
	return out
}

func assertWeightsClose(t *testing.T, m *Model, want map[string]*Tensor, tol float64) {
	t.Helper()
	for _, nl := range m.Layers() {
		got := nl.Layer.BaseLayer().(Weighted).Weight()
		assert.Less(t, MaxAbsDiff(want[nl.Name], got), tol, nl.Name)
	}
}

func quietLogger() Option { return WithLogger(zerolog.Nop()) }

func TestNewAttachesTargets(t *testing.T) {
	host := newHost(t, ArchLlama)
	base := forward(t, host)

	m, err := New(host, "default", validConfig(), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{"default"}, m.Adapters())
	assert.Equal(t, "default", m.ActiveAdapter())
	assert.Equal(t, []string{
		"layers.0.self_attn.q_proj",
		"layers.0.self_attn.v_proj",
		"layers.1.self_attn.q_proj",
		"layers.1.self_attn.v_proj",
	}, m.TargetedModules("default"))
	require.Len(t, m.Layers(), 4)

	mod, err := GetModule(host, "layers.0.self_attn.q_proj")
	require.NoError(t, err)
	_, isAdapter := mod.(*LinearAdapter)
	assert.True(t, isAdapter, "the target is swapped in place")

	pair, ok := m.Projections("default", FamilyLinear)
	require.True(t, ok)
	assert.Equal(t, []int{8, 16}, pair.A().Shape())
	assert.Equal(t, []int{16, 8}, pair.B().Shape())
	_, ok = m.Projections("default", FamilyEmbedding)
	assert.False(t, ok)

	assert.True(t, Equal(base, forward(t, m)), "zero-initialized λb leaves the output unchanged")
}

func TestProjectionsAreDeterministic(t *testing.T) {
	m1, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	m2, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)

	p1, _ := m1.Projections("a", FamilyLinear)
	p2, _ := m2.Projections("a", FamilyLinear)
	assert.True(t, Equal(p1.A(), p2.A()))
	assert.True(t, Equal(p1.B(), p2.B()))

	cfg := validConfig()
	cfg.ProjectionPRNGKey = PRNGKey(1)
	m3, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger())
	require.NoError(t, err)
	p3, _ := m3.Projections("a", FamilyLinear)
	assert.False(t, Equal(p1.A(), p3.A()))
}

func TestLayersShareOnePair(t *testing.T) {
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)

	want, _ := m.Projections("a", FamilyLinear)
	for _, nl := range m.Layers() {
		got, ok := nl.Layer.(*LinearAdapter).bank.Pair("a", FamilyLinear)
		require.True(t, ok)
		assert.Same(t, want, got, nl.Name)
	}
}

func TestAttachFailuresLeaveHostUnmodified(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"shape conflict", func(c *Config) { c.TargetModules = Targets("q_proj", "gate_proj") }, ErrShapeConflict},
		{"unsupported module", func(c *Config) { c.TargetModules = Targets("q_proj", "norm") }, ErrUnsupportedModule},
		{"no targets", func(c *Config) { c.TargetModules = Targets("fc1") }, ErrNoTargetModules},
		{"missing key", func(c *Config) { c.ProjectionPRNGKey = nil }, ErrMissingPRNGKey},
		{"bad rank", func(c *Config) { c.R = 0 }, ErrInvalidRank},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := newHost(t, ArchLlama)
			before, err := GetModule(host, "layers.0.self_attn.q_proj")
			require.NoError(t, err)

			cfg := validConfig()
			tt.mutate(&cfg)
			_, err = New(host, "a", cfg, quietLogger())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsConfigError(err))

			after, err := GetModule(host, "layers.0.self_attn.q_proj")
			require.NoError(t, err)
			assert.Same(t, before, after)
			_ = Walk(host, func(name string, mod Module, _ Parent, _ string) error {
				_, isAdapter := mod.(AdapterLayer)
				assert.False(t, isAdapter, name)
				return nil
			})
		})
	}
}

func TestAddAdapterErrors(t *testing.T) {
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)

	assert.ErrorIs(t, m.AddAdapter("a", validConfig()), ErrAdapterExists)
	assert.ErrorIs(t, m.AddAdapter("", validConfig()), ErrInvalidConfig)

	// A failed second attach leaves the first adapter alone.
	cfg := validConfig()
	cfg.TargetModules = Targets("q_proj", "down_proj")
	assert.ErrorIs(t, m.AddAdapter("b", cfg), ErrShapeConflict)
	assert.Equal(t, []string{"a"}, m.Adapters())
	for _, nl := range m.Layers() {
		assert.Equal(t, []string{"a"}, nl.Layer.AdapterNames())
	}
}

func TestBiasConflict(t *testing.T) {
	cfg := validConfig()
	cfg.Bias = BiasAll
	m, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger())
	require.NoError(t, err, "a single adapter may train biases")

	err = m.AddAdapter("b", validConfig())
	assert.ErrorIs(t, err, ErrBiasConflict)
	assert.Equal(t, []string{"a"}, m.Adapters())

	m2, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, m2.AddAdapter("b", cfg), ErrBiasConflict)
}

func TestScalingPerLayer(t *testing.T) {
	cfg := validConfig()
	m, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger())
	require.NoError(t, err)
	st, _ := m.Layers()[0].Layer.State("a")
	assert.Equal(t, 1.0, st.Scaling)

	cfg.UseRSVera = true
	m, err = New(newHost(t, ArchLlama), "a", cfg, quietLogger())
	require.NoError(t, err)
	st, _ = m.Layers()[0].Layer.State("a")
	assert.InDelta(t, 8/math.Sqrt(8), st.Scaling, 1e-12)
}

func TestRankAndAlphaPattern(t *testing.T) {
	cfg := validConfig()
	cfg.RankPattern = map[string]int{"v_proj": 4, `layers\.1\.self_attn\.q_proj`: 12}
	cfg.AlphaPattern = map[string]float64{"v_proj": 2}

	m, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger())
	require.NoError(t, err)

	pair, _ := m.Projections("a", FamilyLinear)
	assert.Equal(t, 12, pair.Rank(), "the shared pair has the largest rank")

	ranks := make(map[string]int)
	for _, nl := range m.Layers() {
		st, _ := nl.Layer.State("a")
		ranks[nl.Name] = st.R
		assert.Equal(t, []int{st.R}, st.LambdaD.Shape())
		if st.R == 4 {
			assert.Equal(t, 0.5, st.Scaling)
		}
	}
	assert.Equal(t, map[string]int{
		"layers.0.self_attn.q_proj": 8,
		"layers.0.self_attn.v_proj": 4,
		"layers.1.self_attn.q_proj": 12,
		"layers.1.self_attn.v_proj": 4,
	}, ranks)

	jitter(m, "a", 1)
	want := forward(t, m)
	require.NoError(t, m.Merge(true, nil))
	assert.Less(t, MaxAbsDiff(want, forward(t, m)), 1e-4)
}

func TestMergeUnmergeRoundTrip(t *testing.T) {
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	jitter(m, "a", 7)
	original := weights(m)

	adapted := forward(t, m)
	require.NoError(t, m.Merge(true, nil))
	for _, nl := range m.Layers() {
		assert.True(t, nl.Layer.Merged())
	}
	assert.Less(t, MaxAbsDiff(adapted, forward(t, m)), 1e-4)

	m.Unmerge()
	assertWeightsClose(t, m, original, 1e-5)
	assert.Less(t, MaxAbsDiff(adapted, forward(t, m)), 1e-4)
}

func TestMergeUnknownAdapter(t *testing.T) {
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Merge(false, []string{"missing"}), ErrAdapterNotFound)
}

func TestSafeMergeIsTransactional(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger(), WithMetrics(metrics))
	require.NoError(t, err)
	jitter(m, "a", 3)

	layers := m.Layers()
	last := layers[len(layers)-1]
	st, _ := last.Layer.State("a")
	st.LambdaB.Set(math.NaN(), 0)
	original := weights(m)

	err = m.Merge(true, nil)
	require.Error(t, err)
	var ne *NumericalError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "a", ne.Adapter)
	assert.Equal(t, last.Name, ne.Layer)

	for _, nl := range m.Layers() {
		assert.False(t, nl.Layer.Merged(), nl.Name)
	}
	assertWeightsClose(t, m, original, 1e-5)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MergeRejections().WithLabelValues("a")))
}

func TestMergeAndUnload(t *testing.T) {
	host := newHost(t, ArchLlama)
	m, err := New(host, "a", validConfig(), quietLogger())
	require.NoError(t, err)
	jitter(m, "a", 11)
	adapted := forward(t, m)

	root, err := m.MergeAndUnload(true, nil)
	require.NoError(t, err)
	assert.Same(t, Module(host), root)
	_ = Walk(root, func(name string, mod Module, _ Parent, _ string) error {
		_, isAdapter := mod.(AdapterLayer)
		assert.False(t, isAdapter, name)
		return nil
	})
	assert.Less(t, MaxAbsDiff(adapted, forward(t, root)), 1e-4)
	assert.Empty(t, m.Adapters())
	assert.Empty(t, m.Layers())
}

func TestUnloadRestoresOriginalModules(t *testing.T) {
	host := newHost(t, ArchLlama)
	base := forward(t, host)
	q, err := GetModule(host, "layers.0.self_attn.q_proj")
	require.NoError(t, err)

	m, err := New(host, "a", validConfig(), quietLogger())
	require.NoError(t, err)
	jitter(m, "a", 5)
	require.NoError(t, m.Merge(false, nil))

	root, err := m.Unload()
	require.NoError(t, err)
	got, err := GetModule(root, "layers.0.self_attn.q_proj")
	require.NoError(t, err)
	assert.Same(t, q, got)
	assert.Less(t, MaxAbsDiff(base, forward(t, root)), 1e-4, "merged weights are restored before unloading")
}

func TestMultipleAdapters(t *testing.T) {
	host := newHost(t, ArchLlama)
	base := forward(t, host)
	m, err := New(host, "a", validConfig(), quietLogger())
	require.NoError(t, err)
	jitter(m, "a", 1)
	withA := forward(t, m)

	cfg := validConfig()
	cfg.ProjectionPRNGKey = PRNGKey(9)
	cfg.TargetModules = Targets("q_proj", "k_proj")
	require.NoError(t, m.AddAdapter("b", cfg))
	jitter(m, "b", 2)

	assert.Equal(t, []string{"a", "b"}, m.Adapters())
	assert.Equal(t, "a", m.ActiveAdapter(), "adding an adapter does not switch")
	assert.Len(t, m.Layers(), 6)
	assert.True(t, Equal(withA, forward(t, m)), "layers only carrying b stay inactive")

	q, _ := GetModule(host, "layers.0.self_attn.q_proj")
	assert.ElementsMatch(t, []string{"a", "b"}, q.(AdapterLayer).AdapterNames())
	k, _ := GetModule(host, "layers.0.self_attn.k_proj")
	assert.Empty(t, k.(AdapterLayer).ActiveAdapters())

	require.NoError(t, m.SetActiveAdapter("b"))
	assert.Equal(t, []string{"b"}, k.(AdapterLayer).ActiveAdapters())
	withB := forward(t, m)
	assert.False(t, Equal(withA, withB))

	assert.ErrorIs(t, m.SetActiveAdapter("c"), ErrAdapterNotFound)

	// Deleting the active adapter falls back to the first remaining one.
	require.NoError(t, m.DeleteAdapter("b"))
	assert.Equal(t, "a", m.ActiveAdapter())
	assert.Less(t, MaxAbsDiff(withA, forward(t, m)), 1e-6)
	_, ok := m.Projections("b", FamilyLinear)
	assert.False(t, ok)

	require.NoError(t, m.DeleteAdapter("a"))
	assert.Empty(t, m.Adapters())
	assert.Equal(t, "", m.ActiveAdapter())
	assert.True(t, Equal(base, forward(t, m)), "with no adapters the layers pass through")

	assert.ErrorIs(t, m.DeleteAdapter("a"), ErrAdapterNotFound)
}

func TestSetActiveAdapterUnmergesFirst(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger(), WithMetrics(metrics))
	require.NoError(t, err)
	cfg := validConfig()
	cfg.ProjectionPRNGKey = PRNGKey(2)
	require.NoError(t, m.AddAdapter("b", cfg))
	jitter(m, "a", 1)
	original := weights(m)

	require.NoError(t, m.Merge(false, nil))
	require.NoError(t, m.SetActiveAdapter("b"))
	for _, nl := range m.Layers() {
		assert.False(t, nl.Layer.Merged())
	}
	assertWeightsClose(t, m, original, 1e-5)
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.Warnings().WithLabelValues(string(WarnMergedAdapterSwitch))))
}

func TestDisableAdapterLayers(t *testing.T) {
	host := newHost(t, ArchLlama)
	base := forward(t, host)
	m, err := New(host, "a", validConfig(), quietLogger())
	require.NoError(t, err)
	jitter(m, "a", 4)
	adapted := forward(t, m)

	m.DisableAdapterLayers()
	assert.True(t, Equal(base, forward(t, m)))

	m.EnableAdapterLayers()
	assert.True(t, Equal(adapted, forward(t, m)))

	// Disabling a merged model unmerges on the next forward.
	require.NoError(t, m.Merge(false, nil))
	m.DisableAdapterLayers()
	assert.Less(t, MaxAbsDiff(base, forward(t, m)), 1e-4)
	for _, nl := range m.Layers() {
		assert.False(t, nl.Layer.Merged())
	}
}

func TestDisableWithBiasWarns(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := validConfig()
	cfg.Bias = BiasAll
	m, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger(), WithMetrics(metrics))
	require.NoError(t, err)

	m.DisableAdapterLayers()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Warnings().WithLabelValues(string(WarnBiasDisable))))
}

func TestTrainableParameters(t *testing.T) {
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)

	params := m.TrainableParameters()
	assert.Len(t, params, 12)
	assert.Equal(t, "layers.0.self_attn.q_proj.vera_lambda_b.a", params[0].Name)

	trainable, total := m.TrainableParameterCount()
	assert.Equal(t, 4*(16+8+16), trainable)
	assert.Greater(t, total, trainable)
}

func TestTrainableParametersBiasAndModulesToSave(t *testing.T) {
	cfg := validConfig()
	cfg.TargetModules = Targets("c_attn")
	cfg.FanInFanOut = true
	cfg.Bias = BiasAll
	cfg.ModulesToSave = []string{"lm_head"}
	m, err := New(newHost(t, ArchGPT2), "a", cfg, quietLogger())
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, p := range m.TrainableParameters() {
		names[p.Name] = true
	}
	assert.True(t, names["h.0.attn.c_attn.vera_lambda_b.a"])
	assert.True(t, names["h.0.ln_1.bias"])
	assert.True(t, names["h.1.mlp.c_fc.bias"])
	assert.True(t, names["lm_head.weight"])
	assert.False(t, names["h.0.ln_1.weight"])

	cfg.Bias = BiasAdapterOnly
	cfg.ModulesToSave = nil
	m, err = New(newHost(t, ArchGPT2), "a", cfg, quietLogger())
	require.NoError(t, err)
	names = make(map[string]bool)
	for _, p := range m.TrainableParameters() {
		names[p.Name] = true
	}
	assert.True(t, names["h.0.attn.c_attn.base_layer.bias"])
	assert.False(t, names["h.0.ln_1.bias"])
}

func TestFanInFanOutWarning(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := validConfig()
	cfg.TargetModules = Targets("c_attn")
	m, err := New(newHost(t, ArchGPT2), "a", cfg, quietLogger(), WithMetrics(metrics))
	require.NoError(t, err)

	assert.Len(t, m.Layers(), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Warnings().WithLabelValues(string(WarnFanInFanOut))))

	jitter(m, "a", 6)
	adapted := forward(t, m)
	require.NoError(t, m.Merge(true, nil))
	assert.Less(t, MaxAbsDiff(adapted, forward(t, m)), 1e-4)
}

func TestEmbeddingAndLinearTogether(t *testing.T) {
	cfg := validConfig()
	cfg.TargetModules = Targets("embed_tokens", "q_proj")
	m, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger())
	require.NoError(t, err)

	emb, ok := m.Projections("a", FamilyEmbedding)
	require.True(t, ok)
	assert.Equal(t, []int{8, 64}, emb.A().Shape())
	assert.Equal(t, []int{16, 8}, emb.B().Shape())

	lin, ok := m.Projections("a", FamilyLinear)
	require.True(t, ok)
	alone, _ := GenerateProjections(0, 8, &LayerShape{In: 16, Out: 16}, nil)
	assert.True(t, Equal(alone.A(), lin.A()), "the linear pair does not depend on embedding targets")

	jitter(m, "a", 8)
	adapted := forward(t, m)
	require.NoError(t, m.Merge(true, nil))
	assert.Less(t, MaxAbsDiff(adapted, forward(t, m)), 1e-4)
}

func TestHalfPrecisionModel(t *testing.T) {
	host := newHost(t, ArchLlama)
	CastParameters(host, Float16)
	m, err := New(host, "a", validConfig(), quietLogger())
	require.NoError(t, err)

	pair, _ := m.Projections("a", FamilyLinear)
	assert.Equal(t, Float16, pair.A().DType())
	st, _ := m.Layers()[0].Layer.State("a")
	assert.Equal(t, Float16, st.LambdaB.DType())

	jitter(m, "a", 2)
	w := m.Layers()[0].Layer.BaseLayer().(Weighted).Weight()
	require.NoError(t, m.Merge(true, nil))
	assert.Equal(t, Float16, w.DType())
	assert.True(t, w.AllFinite())
}

func TestDeviceFollowsBaseWeight(t *testing.T) {
	host := newHost(t, ArchLlama)
	MoveParameters(host, "cuda:0")
	m, err := New(host, "a", validConfig(), quietLogger())
	require.NoError(t, err)

	pair, _ := m.Projections("a", FamilyLinear)
	assert.Equal(t, Device("cuda:0"), pair.A().Device())
	st, _ := m.Layers()[0].Layer.State("a")
	assert.Equal(t, Device("cuda:0"), st.LambdaD.Device())
}

func TestStateDict(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger(), WithMetrics(metrics))
	require.NoError(t, err)

	sd, err := m.StateDict("a")
	require.NoError(t, err)
	assert.Len(t, sd, 14)
	assert.Contains(t, sd, "layers.1.self_attn.v_proj.vera_lambda_c")
	assert.Contains(t, sd, "vera_A")
	assert.Contains(t, sd, "vera_B")

	cfg := validConfig()
	cfg.SaveProjection = false
	cfg.ProjectionPRNGKey = PRNGKey(3)
	require.NoError(t, m.AddAdapter("b", cfg))
	sd, err = m.StateDict("b")
	require.NoError(t, err)
	assert.Len(t, sd, 12)
	assert.NotContains(t, sd, "vera_A")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Warnings().WithLabelValues(string(WarnProjectionNotSaved))))

	_, err = m.StateDict("missing")
	assert.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestLoadStateDict(t *testing.T) {
	src, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	jitter(src, "a", 13)
	sd, err := src.StateDict("a")
	require.NoError(t, err)

	dst, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	require.NoError(t, dst.LoadStateDict("a", sd))
	assert.True(t, Equal(forward(t, src), forward(t, dst)))
}

func TestLoadStateDictRejectsMergedAdapter(t *testing.T) {
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	before := weights(m)
	jitter(m, "a", 13)
	require.NoError(t, m.Merge(false, nil))

	other, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	jitter(other, "a", 99)
	sd, err := other.StateDict("a")
	require.NoError(t, err)

	err = m.LoadStateDict("a", sd)
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.ErrorContains(t, err, "unmerge first")

	// The merged delta still matches the stored state, so unmerging recovers the base.
	m.Unmerge()
	assertWeightsClose(t, m, before, 1e-5)

	require.NoError(t, m.LoadStateDict("a", sd))
	assert.Less(t, MaxAbsDiff(forward(t, other), forward(t, m)), 1e-4)
}

func TestLoadStateDictRejectsMismatch(t *testing.T) {
	m, err := New(newHost(t, ArchLlama), "a", validConfig(), quietLogger())
	require.NoError(t, err)
	good, err := m.StateDict("a")
	require.NoError(t, err)

	corrupt := func(edit func(map[string]*Tensor)) map[string]*Tensor {
		sd := make(map[string]*Tensor, len(good))
		for k, v := range good {
			sd[k] = v.Clone()
		}
		edit(sd)
		return sd
	}

	tests := map[string]map[string]*Tensor{
		"missing lambda": corrupt(func(sd map[string]*Tensor) { delete(sd, "layers.0.self_attn.q_proj.vera_lambda_b") }),
		"wrong shape":    corrupt(func(sd map[string]*Tensor) { sd["layers.0.self_attn.q_proj.vera_lambda_d"] = NewTensor(3) }),
		"unexpected key": corrupt(func(sd map[string]*Tensor) { sd["layers.0.self_attn.k_proj.vera_lambda_b"] = NewTensor(16) }),
		"missing pair":   corrupt(func(sd map[string]*Tensor) { delete(sd, "vera_A"); delete(sd, "vera_B") }),
		"half a pair":    corrupt(func(sd map[string]*Tensor) { delete(sd, "vera_B") }),
		"embedding pair": corrupt(func(sd map[string]*Tensor) { sd["vera_embedding_A"] = NewTensor(8, 64) }),
	}
	for name, sd := range tests {
		t.Run(name, func(t *testing.T) {
			// Poison a value so a partial write would be visible.
			for k, v := range sd {
				if k == "layers.1.self_attn.v_proj.vera_lambda_b" {
					v.Fill(5)
				}
			}
			err := m.LoadStateDict("a", sd)
			assert.ErrorIs(t, err, ErrStateMismatch)
			st, _ := m.Layers()[3].Layer.State("a")
			assert.Equal(t, 0.0, st.LambdaB.At(0), "nothing is written on mismatch")
		})
	}

	assert.ErrorIs(t, m.LoadStateDict("missing", good), ErrAdapterNotFound)
}

func TestConfigIsCopied(t *testing.T) {
	cfg := validConfig()
	m, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger())
	require.NoError(t, err)

	cfg.TargetModules.Names[0] = "k_proj"
	got, ok := m.Config("a")
	require.True(t, ok)
	assert.Equal(t, "q_proj", got.TargetModules.Names[0])

	_, ok = m.Config("missing")
	assert.False(t, ok)
}

func TestTrainTogglesDropout(t *testing.T) {
	cfg := validConfig()
	cfg.VeraDropout = 0.5
	m, err := New(newHost(t, ArchLlama), "a", cfg, quietLogger(), WithDropoutSeed(1))
	require.NoError(t, err)
	jitter(m, "a", 1)

	eval := forward(t, m)
	m.Train(true)
	train := forward(t, m)
	assert.False(t, Equal(eval, train))

	m.Train(false)
	assert.True(t, Equal(eval, forward(t, m)))
}
