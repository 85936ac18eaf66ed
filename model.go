package vera

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ===========================================================================
// WHAT'S GOING ON HERE: The adapter coordinator
// ===========================================================================
//
// Model attaches named VeRA adapters to a host network and drives them as a
// whole. Attaching an adapter:
//
//   1. validates the config (rank, dropout, bias, selector, PRNG key)
//   2. walks the host graph and collects every targeted layer
//   3. checks all linear targets share one (out, in) shape, and all
//      embedding targets one (vocab, dim) shape
//   4. draws the shared projection pair(s) from projection_prng_key
//   5. wraps each target in an adapter layer and swaps it into its parent
//
// Steps 1-4 never touch the host graph. Step 5 is rolled back if anything
// in it fails, so a failed attach leaves the model exactly as it was.
//
// The projection bank is owned here. Layers hold a read-only handle.
//
// ===========================================================================

// Model is a host network with VeRA adapters attached.
//
// Model is not safe for concurrent use.
type Model struct {
	root     Module
	configs  map[string]Config
	order    []string
	active   string
	targeted map[string][]string
	bank     *ProjectionBank

	disabled bool
	training bool

	log     zerolog.Logger
	metrics *Metrics
	rng     *Generator
}

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger used for lifecycle events and StateWarnings.
func WithLogger(l zerolog.Logger) Option { return func(m *Model) { m.log = l } }

// WithMetrics records lifecycle counters in mt.
func WithMetrics(mt *Metrics) Option { return func(m *Model) { m.metrics = mt } }

// WithDropoutSeed seeds the generator adapter dropout masks are drawn from.
func WithDropoutSeed(seed int64) Option {
	return func(m *Model) { m.rng = NewGenerator(seed) }
}

// New attaches adapter to root using cfg. On error root is unmodified.
func New(root Module, adapter string, cfg Config, opts ...Option) (*Model, error) {
	m := newModel(root, opts...)
	if err := m.AddAdapter(adapter, cfg); err != nil {
		return nil, err
	}
	return m, nil
}

func newModel(root Module, opts ...Option) *Model {
	m := &Model{
		root:     root,
		configs:  make(map[string]Config),
		targeted: make(map[string][]string),
		bank:     NewProjectionBank(),
		log:      log.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = NewGenerator(0)
	}
	return m
}

// Root returns the host network.
func (m *Model) Root() Module { return m.root }

// Forward runs the host network.
func (m *Model) Forward(x *Tensor) (*Tensor, error) { return m.root.Forward(x) }

// Adapters lists attached adapter names in attach order.
func (m *Model) Adapters() []string { return slices.Clone(m.order) }

// ActiveAdapter returns the adapter used by forward passes, or "".
func (m *Model) ActiveAdapter() string { return m.active }

// Config returns a copy of the config adapter was attached with.
func (m *Model) Config(adapter string) (Config, bool) {
	c, ok := m.configs[adapter]
	if !ok {
		return Config{}, false
	}
	return c.clone(), true
}

// TargetedModules lists the qualified names adapter was attached to.
func (m *Model) TargetedModules(adapter string) []string {
	return slices.Clone(m.targeted[adapter])
}

// Projections returns adapter's shared pair for family.
func (m *Model) Projections(adapter string, family Family) (*ProjectionPair, bool) {
	return m.bank.Pair(adapter, family)
}

// NamedLayer is an adapter layer with its qualified name.
type NamedLayer struct {
	Name  string
	Layer AdapterLayer
}

// Layers lists every adapter layer in traversal order.
func (m *Model) Layers() []NamedLayer {
	var out []NamedLayer
	_ = Walk(m.root, func(name string, mod Module, _ Parent, _ string) error {
		if l, ok := mod.(AdapterLayer); ok {
			out = append(out, NamedLayer{Name: name, Layer: l})
		}
		return nil
	})
	return out
}

// target is a module selected by an attach.
type target struct {
	name      string
	module    Module
	parent    Parent
	childName string
	kind      LayerKind
	r         int
	alpha     float64
}

func (t target) shape() LayerShape {
	switch b := baseOf(t.module).(type) {
	case LinearLike:
		return LayerShape{In: b.InFeatures(), Out: b.OutFeatures()}
	case EmbeddingLike:
		return LayerShape{In: b.NumEmbeddings(), Out: b.EmbeddingDim()}
	}
	return LayerShape{}
}

func (t target) weight() *Tensor { return baseOf(t.module).(Weighted).Weight() }

func baseOf(mod Module) Module {
	if l, ok := mod.(AdapterLayer); ok {
		return l.BaseLayer()
	}
	return mod
}

// AddAdapter attaches a new adapter. Either every target is adapted or,
// on error, the model is left unmodified.
func (m *Model) AddAdapter(adapter string, cfg Config) error {
	if adapter == "" {
		return configErrorf("add_adapter", ErrInvalidConfig, "adapter name must not be empty")
	}
	if _, exists := m.configs[adapter]; exists {
		return configErrorf("add_adapter", ErrAdapterExists, "%s", adapter)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.clone()
	if err := m.checkBias(cfg); err != nil {
		return err
	}

	targets, linShape, embShape, err := m.scan(cfg)
	if err != nil {
		return err
	}

	lin, emb := GenerateProjections(*cfg.ProjectionPRNGKey, cfg.MaxRank(), linShape, embShape)
	for _, t := range targets {
		if lin != nil && t.kind.IsLinear() {
			w := t.weight()
			lin = lin.cast(w.dtype, w.device)
			break
		}
	}
	for _, t := range targets {
		if emb != nil && t.kind == KindEmbedding {
			w := t.weight()
			emb = emb.cast(w.dtype, w.device)
			break
		}
	}

	if err := m.inject(adapter, cfg, targets, lin, emb); err != nil {
		return err
	}

	m.configs[adapter] = cfg
	m.order = append(m.order, adapter)
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.name
		m.metrics.attached(t.kind)
		m.warnFanInFanOut(cfg, t)
	}
	m.targeted[adapter] = names
	if m.active == "" {
		m.active = adapter
	}
	m.syncActive()

	m.log.Info().Str("adapter", adapter).Int("layers", len(targets)).Int("rank", cfg.MaxRank()).
		Int64("prng_key", *cfg.ProjectionPRNGKey).Msg("attached vera adapter")
	return nil
}

// checkBias rejects non-none bias handling once several adapters coexist.
func (m *Model) checkBias(cfg Config) error {
	if len(m.configs) == 0 {
		return nil
	}
	offenders := make([]string, 0)
	if cfg.Bias != BiasNone {
		offenders = append(offenders, "new adapter")
	}
	for _, name := range m.order {
		if m.configs[name].Bias != BiasNone {
			offenders = append(offenders, name)
		}
	}
	if len(offenders) > 0 {
		return configErrorf("add_adapter", ErrBiasConflict,
			"%s set bias other than \"none\"; set bias to \"none\" for all adapters", strings.Join(offenders, ", "))
	}
	return nil
}

// scan collects targets and the shared shape of each family without
// modifying anything.
func (m *Model) scan(cfg Config) (targets []target, lin, emb *LayerShape, err error) {
	matcher, err := newTargetMatcher(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	err = Walk(m.root, func(name string, mod Module, parent Parent, childName string) error {
		kind := KindOf(mod)
		if !matcher.Match(name, kind) {
			return nil
		}
		if kind == KindUnsupported {
			return configErrorf("add_adapter", ErrUnsupportedModule,
				"target module %s (%T) is not supported; currently, only linear, conv1d and embedding layers are supported", name, baseOf(mod))
		}
		t := target{name: name, module: mod, parent: parent, childName: childName, kind: kind}
		t.r, t.alpha = rankAndAlpha(cfg, name)

		shape := t.shape()
		first := &lin
		if kind == KindEmbedding {
			first = &emb
		}
		if *first == nil {
			*first = &shape
		} else if **first != shape {
			return configErrorf("add_adapter", ErrShapeConflict,
				"%s has shape %s but the first %s target has %s", name, shape, familyOf(kind), **first)
		}
		targets = append(targets, t)
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if len(targets) == 0 {
		return nil, nil, nil, configErrorf("add_adapter", ErrNoTargetModules,
			"%s not found in the base model; please check the target modules and try again", describeTargets(cfg))
	}
	return targets, lin, emb, nil
}

// undo reverses one step of an injection.
type undo func()

// inject binds the projections and wraps every target, rolling back on
// failure.
func (m *Model) inject(adapter string, cfg Config, targets []target, lin, emb *ProjectionPair) (err error) {
	var undos []undo
	defer func() {
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				undos[i]()
			}
		}
	}()

	if lin != nil {
		m.bank.set(adapter, FamilyLinear, lin)
	}
	if emb != nil {
		m.bank.set(adapter, FamilyEmbedding, emb)
	}
	undos = append(undos, func() { m.bank.remove(adapter) })

	for _, t := range targets {
		opts := AttachOptions{
			R:           t.r,
			Alpha:       t.alpha,
			Dropout:     cfg.VeraDropout,
			InitWeights: cfg.InitVeraWeights,
			UseRSVera:   cfg.UseRSVera,
			DInitial:    cfg.DInitial,
			CInitial:    cfg.CInitial,
		}

		if layer, ok := t.module.(AdapterLayer); ok {
			if err := layer.Attach(adapter, m.bank, opts); err != nil {
				return err
			}
			undos = append(undos, func() { _ = layer.DeleteAdapter(adapter) })
			continue
		}

		layer, err := Wrap(t.name, t.module, LayerOptions{Logger: &m.log, Metrics: m.metrics, DropoutRNG: m.rng})
		if err != nil {
			return err
		}
		if err := layer.Attach(adapter, m.bank, opts); err != nil {
			return err
		}
		layer.SetTraining(m.training)
		layer.EnableAdapters(!m.disabled)
		if err := t.parent.SetChild(t.childName, layer); err != nil {
			return fmt.Errorf("replace %s: %w", t.name, err)
		}
		parent, child, orig := t.parent, t.childName, t.module
		undos = append(undos, func() { _ = parent.SetChild(child, orig) })
	}
	return nil
}

func (m *Model) warnFanInFanOut(cfg Config, t target) {
	if !t.kind.IsLinear() {
		return
	}
	actual := t.kind == KindConv1D
	if cfg.FanInFanOut == actual {
		return
	}
	w := warner{log: m.log, metrics: m.metrics}
	if actual {
		w.warn(WarnFanInFanOut, "fan_in_fan_out is set to false but the target module is conv1d; treating it as true",
			map[string]any{"layer": t.name})
	} else {
		w.warn(WarnFanInFanOut, "fan_in_fan_out is set to true but the target module is linear; treating it as false",
			map[string]any{"layer": t.name})
	}
}

// syncActive points every layer at the model's active adapter, or at
// nothing on layers that do not carry it.
func (m *Model) syncActive() {
	for _, nl := range m.Layers() {
		if _, ok := nl.Layer.State(m.active); ok {
			_ = nl.Layer.SetActiveAdapters(m.active)
		} else {
			_ = nl.Layer.SetActiveAdapters()
		}
	}
}

func (m *Model) requireAdapters(adapters []string) error {
	for _, a := range adapters {
		if _, ok := m.configs[a]; !ok {
			return configErrorf("merge", ErrAdapterNotFound, "%s", a)
		}
	}
	return nil
}

// Merge folds the named adapters (nil means the active one) into the base
// weights of every adapter layer. It is transactional: on a NumericalError
// the layers merged by this call are restored before returning.
func (m *Model) Merge(safe bool, adapters []string) error {
	if err := m.requireAdapters(adapters); err != nil {
		return err
	}
	layers := m.Layers()
	before := make([]int, len(layers))
	for i, nl := range layers {
		before[i] = len(nl.Layer.MergedAdapters())
	}
	for i, nl := range layers {
		if err := nl.Layer.Merge(adapters, safe); err != nil {
			for j := i; j >= 0; j-- {
				unmergeTo(layers[j].Layer, before[j])
			}
			return err
		}
	}
	return nil
}

// unmergeTo removes the most recent merges until n remain.
func unmergeTo(l AdapterLayer, n int) {
	switch v := l.(type) {
	case *LinearAdapter:
		v.unmergeTo(n, v.DeltaWeight)
	case *EmbeddingAdapter:
		v.unmergeTo(n, v.DeltaWeight)
	}
}

// Unmerge removes every merged correction from every adapter layer.
func (m *Model) Unmerge() {
	for _, nl := range m.Layers() {
		nl.Layer.Unmerge()
	}
}

// MergeAndUnload merges the named adapters (nil means the active one) and
// replaces every adapter layer by its base layer. The returned network has
// no adapter overhead and permanently modified weights. If the merge fails
// nothing is unloaded.
func (m *Model) MergeAndUnload(safe bool, adapters []string) (Module, error) {
	if err := m.Merge(safe, adapters); err != nil {
		return nil, err
	}
	if err := m.replaceWithBase(); err != nil {
		return nil, err
	}
	m.reset()
	return m.root, nil
}

// Unload unmerges any merged layers and restores the original modules,
// returning the host network with its weights as they were before merge.
func (m *Model) Unload() (Module, error) {
	for _, nl := range m.Layers() {
		if nl.Layer.Merged() {
			nl.Layer.Unmerge()
		}
	}
	if err := m.replaceWithBase(); err != nil {
		return nil, err
	}
	m.reset()
	return m.root, nil
}

func (m *Model) replaceWithBase() error {
	type swap struct {
		parent Parent
		child  string
		base   Module
	}
	var swaps []swap
	_ = Walk(m.root, func(_ string, mod Module, parent Parent, child string) error {
		if l, ok := mod.(AdapterLayer); ok {
			swaps = append(swaps, swap{parent, child, l.BaseLayer()})
		}
		return nil
	})
	for _, s := range swaps {
		if err := s.parent.SetChild(s.child, s.base); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) reset() {
	m.configs = make(map[string]Config)
	m.targeted = make(map[string][]string)
	m.order = nil
	m.active = ""
	m.bank = NewProjectionBank()
}

// DeleteAdapter removes adapter from every layer, unmerging it first where
// merged. Layers stay wrapped; with no adapters left they pass through.
func (m *Model) DeleteAdapter(adapter string) error {
	if _, ok := m.configs[adapter]; !ok {
		return configErrorf("delete_adapter", ErrAdapterNotFound, "%s", adapter)
	}
	for _, nl := range m.Layers() {
		if _, ok := nl.Layer.State(adapter); !ok {
			continue
		}
		if err := nl.Layer.DeleteAdapter(adapter); err != nil {
			return err
		}
	}
	m.bank.remove(adapter)
	delete(m.configs, adapter)
	delete(m.targeted, adapter)
	m.order = slices.DeleteFunc(m.order, func(n string) bool { return n == adapter })
	if m.active == adapter {
		m.active = ""
		if len(m.order) > 0 {
			m.active = m.order[0]
		}
	}
	m.syncActive()
	m.log.Info().Str("adapter", adapter).Str("active", m.active).Msg("deleted vera adapter")
	return nil
}

// SetActiveAdapter makes adapter the one forward passes use. Merged layers
// are unmerged first, with a warning.
func (m *Model) SetActiveAdapter(adapter string) error {
	if _, ok := m.configs[adapter]; !ok {
		return configErrorf("set_adapter", ErrAdapterNotFound, "%s", adapter)
	}
	w := warner{log: m.log, metrics: m.metrics}
	for _, nl := range m.Layers() {
		if nl.Layer.Merged() {
			w.warn(WarnMergedAdapterSwitch, "Adapter cannot be set when the model is merged. Unmerging the model first.",
				map[string]any{"layer": nl.Name})
			nl.Layer.Unmerge()
		}
	}
	m.active = adapter
	m.syncActive()
	return nil
}

// EnableAdapterLayers turns the adapter corrections back on.
func (m *Model) EnableAdapterLayers() { m.setAdapterLayers(true) }

// DisableAdapterLayers makes every adapter layer behave like its base
// layer. With trainable biases the output still differs from the base
// model, which is reported as a warning.
func (m *Model) DisableAdapterLayers() {
	if cfg, ok := m.configs[m.active]; ok && cfg.Bias != BiasNone {
		warner{log: m.log, metrics: m.metrics}.warn(WarnBiasDisable,
			fmt.Sprintf("Careful, disabling adapter layers with bias configured to be '%s' does not produce the same output as the base model would without adaption.", cfg.Bias),
			nil)
	}
	m.setAdapterLayers(false)
}

func (m *Model) setAdapterLayers(enabled bool) {
	m.disabled = !enabled
	for _, nl := range m.Layers() {
		nl.Layer.EnableAdapters(enabled)
	}
}

// Train switches dropout on (training) or off (evaluation).
func (m *Model) Train(training bool) {
	m.training = training
	for _, nl := range m.Layers() {
		nl.Layer.SetTraining(training)
	}
}

// ===========================================================================
// TRAINABLE PARAMETERS
// ===========================================================================

// TrainableParameters lists what an optimizer should update for the active
// adapter: its lambdas on every layer, the biases its bias mode selects,
// and every parameter of its modules_to_save.
func (m *Model) TrainableParameters() []Parameter {
	cfg, ok := m.configs[m.active]
	if !ok {
		return nil
	}
	seen := make(map[*Tensor]bool)
	var out []Parameter
	add := func(p Parameter) {
		if !seen[p.Tensor] {
			seen[p.Tensor] = true
			out = append(out, p)
		}
	}

	for _, nl := range m.Layers() {
		st, ok := nl.Layer.State(m.active)
		if !ok {
			continue
		}
		add(Parameter{Name: nl.Name + ".vera_lambda_b." + m.active, Tensor: st.LambdaB})
		add(Parameter{Name: nl.Name + ".vera_lambda_d." + m.active, Tensor: st.LambdaD})
		add(Parameter{Name: nl.Name + ".vera_lambda_c." + m.active, Tensor: st.LambdaC})
		if cfg.Bias == BiasAdapterOnly {
			if b, ok := nl.Layer.BaseLayer().(Biased); ok && b.Bias() != nil {
				add(Parameter{Name: nl.Name + ".base_layer.bias", Tensor: b.Bias()})
			}
		}
	}

	if cfg.Bias == BiasAll {
		for _, p := range NamedParameters(m.root) {
			if lastComponent(p.Name) == "bias" {
				add(p)
			}
		}
	}

	if len(cfg.ModulesToSave) > 0 {
		_ = Walk(m.root, func(name string, mod Module, _ Parent, _ string) error {
			if !matchesNameOrSuffix(name, cfg.ModulesToSave) {
				return nil
			}
			for _, p := range NamedParameters(mod) {
				add(Parameter{Name: name + "." + p.Name, Tensor: p.Tensor})
			}
			return nil
		})
	}
	return out
}

// TrainableParameterCount returns the number of trainable elements and the
// total number of parameter elements in the model. Shared projections are
// frozen buffers and are not counted.
func (m *Model) TrainableParameterCount() (trainable, total int) {
	for _, p := range m.TrainableParameters() {
		trainable += p.Tensor.Size()
	}
	seen := make(map[*Tensor]bool)
	for _, p := range NamedParameters(m.root) {
		if !seen[p.Tensor] {
			seen[p.Tensor] = true
			total += p.Tensor.Size()
		}
	}
	return trainable, total
}

// ===========================================================================
// STATE DICT
// ===========================================================================
//
// Keys are "<layer>.vera_lambda_b", "<layer>.vera_lambda_d" and
// "<layer>.vera_lambda_c" for every layer carrying the adapter, plus
// "vera_A"/"vera_B" and "vera_embedding_A"/"vera_embedding_B" for the shared
// pairs when save_projection is set.

const (
	keyLinearA    = "vera_A"
	keyLinearB    = "vera_B"
	keyEmbeddingA = "vera_embedding_A"
	keyEmbeddingB = "vera_embedding_B"
)

var lambdaSuffixes = []string{".vera_lambda_b", ".vera_lambda_d", ".vera_lambda_c"}

// StateDict returns a copy of adapter's persisted state.
func (m *Model) StateDict(adapter string) (map[string]*Tensor, error) {
	cfg, ok := m.configs[adapter]
	if !ok {
		return nil, configErrorf("state_dict", ErrAdapterNotFound, "%s", adapter)
	}
	sd := make(map[string]*Tensor)
	for _, nl := range m.Layers() {
		st, ok := nl.Layer.State(adapter)
		if !ok {
			continue
		}
		sd[nl.Name+".vera_lambda_b"] = st.LambdaB.Clone()
		sd[nl.Name+".vera_lambda_d"] = st.LambdaD.Clone()
		sd[nl.Name+".vera_lambda_c"] = st.LambdaC.Clone()
	}

	if !cfg.SaveProjection {
		warner{log: m.log, metrics: m.metrics}.warn(WarnProjectionNotSaved,
			"Specified to not save vera_A and vera_B within the state dictionary, instead they will be restored using the PRNG key stored in projection_prng_key. Consider setting save_projection to true to guarantee restoring the checkpoint correctly on all system configurations.",
			map[string]any{"adapter": adapter})
		return sd, nil
	}
	if p, ok := m.bank.Pair(adapter, FamilyLinear); ok {
		sd[keyLinearA], sd[keyLinearB] = p.a.Clone(), p.b.Clone()
	}
	if p, ok := m.bank.Pair(adapter, FamilyEmbedding); ok {
		sd[keyEmbeddingA], sd[keyEmbeddingB] = p.a.Clone(), p.b.Clone()
	}
	return sd, nil
}

// LoadStateDict restores adapter's state from sd. Everything is validated
// before anything is written, so a mismatch leaves the adapter unchanged.
// Without projection keys the pairs regenerated from the seed are kept.
// The adapter must not be merged into any layer: unmerging subtracts the
// delta built from the current state.
func (m *Model) LoadStateDict(adapter string, sd map[string]*Tensor) error {
	cfg, ok := m.configs[adapter]
	if !ok {
		return configErrorf("load_state_dict", ErrAdapterNotFound, "%s", adapter)
	}
	for _, nl := range m.Layers() {
		if slices.Contains(nl.Layer.MergedAdapters(), adapter) {
			return configErrorf("load_state_dict", ErrStateMismatch, "adapter %s is merged into %s; unmerge first", adapter, nl.Name)
		}
	}

	type write struct {
		dst *Tensor
		src *Tensor
	}
	var writes []write
	expected := make(map[string]bool)
	for _, nl := range m.Layers() {
		st, ok := nl.Layer.State(adapter)
		if !ok {
			continue
		}
		for i, dst := range []*Tensor{st.LambdaB, st.LambdaD, st.LambdaC} {
			key := nl.Name + lambdaSuffixes[i]
			expected[key] = true
			src, ok := sd[key]
			if !ok {
				return configErrorf("load_state_dict", ErrStateMismatch, "missing key %s", key)
			}
			if !shapeEqual(src.shape, dst.shape) {
				return configErrorf("load_state_dict", ErrStateMismatch, "%s: shape %v, expected %v", key, src.shape, dst.shape)
			}
			writes = append(writes, write{dst: dst, src: src})
		}
	}
	for key := range sd {
		for _, suffix := range lambdaSuffixes {
			if strings.HasSuffix(key, suffix) && !expected[key] {
				return configErrorf("load_state_dict", ErrStateMismatch, "unexpected key %s", key)
			}
		}
	}

	pairs := make(map[Family]*ProjectionPair)
	for _, fk := range []struct {
		family Family
		a, b   string
	}{{FamilyLinear, keyLinearA, keyLinearB}, {FamilyEmbedding, keyEmbeddingA, keyEmbeddingB}} {
		cur, ok := m.bank.Pair(adapter, fk.family)
		a, hasA := sd[fk.a]
		b, hasB := sd[fk.b]
		switch {
		case !ok && (hasA || hasB):
			return configErrorf("load_state_dict", ErrStateMismatch, "%s projections given but the adapter has no %s targets", fk.family, fk.family)
		case !ok:
			continue
		case hasA != hasB:
			return configErrorf("load_state_dict", ErrStateMismatch, "only one of %s / %s present", fk.a, fk.b)
		case !hasA && cfg.SaveProjection:
			return configErrorf("load_state_dict", ErrStateMismatch,
				"specified to load %s and %s from the state dict but they were not present", fk.a, fk.b)
		case !hasA:
			continue
		}
		if !shapeEqual(a.shape, cur.a.shape) || !shapeEqual(b.shape, cur.b.shape) {
			return configErrorf("load_state_dict", ErrStateMismatch, "%s projections have shapes %v / %v, expected %v / %v",
				fk.family, a.shape, b.shape, cur.a.shape, cur.b.shape)
		}
		p, err := NewProjectionPair(a.Clone(), b.Clone())
		if err != nil {
			return &ConfigError{Op: "load_state_dict", Err: err}
		}
		pairs[fk.family] = p.cast(cur.a.dtype, cur.a.device)
	}

	for _, w := range writes {
		w.dst.CopyFrom(w.src)
	}
	for family, p := range pairs {
		m.bank.set(adapter, family, p)
	}
	return nil
}

// sortedKeys returns the keys of a state dict in a stable order.
func sortedKeys(sd map[string]*Tensor) []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
