package vera

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Adapter layers
// ===========================================================================
//
// An adapter layer wraps one frozen host layer and adds, per adapter name,
// three trainable vectors that modulate the model-wide shared projections:
//
//   linear:    y = base(x) + s · λb ⊙ ( (λd ⊙ ((λc ⊙ drop(x)) Aᵀ)) Bᵀ )
//   embedding: y = base(ids) + s · λb ⊙ λc ⊙ ( (λd ⊙ Aᵀ[ids]) Bᵀ )
//
// with s = α/r (or α/√r for rank-stabilized scaling). The same correction,
// written as a weight matrix, is
//
//   ΔW = s · diag(λb) · B · diag(λd) · A · diag(λc)     (linear, (out, in))
//   ΔW = (s · diag(λb) · diag(λc) · B · diag(λd) · A)ᵀ  (embedding, (vocab, dim))
//
// so folding ΔW into the base weight (merge) gives exactly the unmerged
// output, and subtracting it again (unmerge) restores the base weight.
//
// STATE MACHINE per (layer, adapter):
//
//   UNATTACHED ──Attach──▶ ACTIVE(unmerged) ◀──Merge/Unmerge──▶ ACTIVE(merged)
//
// Merging an adapter twice is a warning and never double-applies; unmerging
// with nothing merged is a warning and a no-op.
//
// LAMBDA SHAPES:
//   λb: out features (embedding dim)
//   λd: r
//   λc: in features for linear layers (it scales the input),
//       embedding dim for embeddings (it scales the output)
//
// ===========================================================================

// AdapterLayer is a host layer carrying VeRA adapters. The only
// implementations are *LinearAdapter and *EmbeddingAdapter.
type AdapterLayer interface {
	Module
	ParameterHolder

	// Name is the qualified name the layer was found under.
	Name() string
	Kind() LayerKind
	BaseLayer() Module

	Attach(adapter string, bank *ProjectionBank, opts AttachOptions) error
	DeltaWeight(adapter string) (*Tensor, error)
	Merge(adapters []string, safe bool) error
	Unmerge()
	DeleteAdapter(adapter string) error

	SetActiveAdapters(adapters ...string) error
	EnableAdapters(enabled bool)
	SetTraining(training bool)

	State(adapter string) (*AdapterState, bool)
	AdapterNames() []string
	ActiveAdapters() []string
	MergedAdapters() []string
	Merged() bool
	AdaptersEnabled() bool

	sealed()
}

// AttachOptions are the per-layer hyperparameters of one adapter.
type AttachOptions struct {
	R           int
	Alpha       float64
	Dropout     float64
	InitWeights bool
	UseRSVera   bool
	DInitial    float64
	CInitial    float64
}

// AdapterState is the trainable state of one adapter on one layer. The
// lambda tensors are live: writes through them change the adapter.
type AdapterState struct {
	R       int
	Alpha   float64
	Scaling float64
	Dropout float64

	LambdaB *Tensor
	LambdaD *Tensor
	LambdaC *Tensor
}

// LayerOptions configure a wrapped layer.
type LayerOptions struct {
	Logger  *zerolog.Logger
	Metrics *Metrics
	// Dropout draws its masks from this generator; nil uses seed 0.
	DropoutRNG *Generator
}

// Wrap turns base into an adapter layer of the matching variant. Layers of
// an unsupported kind are rejected with a ConfigError.
func Wrap(name string, base Module, opts LayerOptions) (AdapterLayer, error) {
	core, err := newLayerCore(name, base, opts)
	if err != nil {
		return nil, err
	}
	switch core.kind {
	case KindLinear, KindConv1D:
		lin := base.(LinearLike)
		core.out, core.in = lin.OutFeatures(), lin.InFeatures()
		return &LinearAdapter{layerCore: core, base: lin}, nil
	case KindEmbedding:
		emb := base.(EmbeddingLike)
		core.out, core.in = emb.EmbeddingDim(), emb.NumEmbeddings()
		return &EmbeddingAdapter{layerCore: core, base: emb}, nil
	}
	return nil, configErrorf("wrap", ErrUnsupportedModule, "%s (%T): only linear, conv1d and embedding layers are supported", name, base)
}

// layerCore holds the state both variants share.
type layerCore struct {
	name   string
	kind   LayerKind
	weight *Tensor
	in     int // in features, vocabulary size for embeddings
	out    int // out features, embedding dim for embeddings

	bank     *ProjectionBank
	states   map[string]*AdapterState
	order    []string
	active   []string
	merged   []string
	disabled bool
	training bool

	rng *Generator
	warner
}

func newLayerCore(name string, base Module, opts LayerOptions) (*layerCore, error) {
	kind := KindOf(base)
	if _, isAdapter := base.(AdapterLayer); isAdapter {
		return nil, configErrorf("wrap", ErrUnsupportedModule, "%s is already an adapter layer", name)
	}
	if kind == KindUnsupported {
		return nil, configErrorf("wrap", ErrUnsupportedModule, "%s (%T): only linear, conv1d and embedding layers are supported", name, base)
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	rng := opts.DropoutRNG
	if rng == nil {
		rng = NewGenerator(0)
	}
	return &layerCore{
		name:   name,
		kind:   kind,
		weight: base.(Weighted).Weight(),
		states: make(map[string]*AdapterState),
		rng:    rng,
		warner: warner{log: logger.With().Str("layer", name).Logger(), metrics: opts.Metrics},
	}, nil
}

func (c *layerCore) sealed() {}

func (c *layerCore) Name() string    { return c.name }
func (c *layerCore) Kind() LayerKind { return c.kind }

func (c *layerCore) family() Family { return familyOf(c.kind) }

// Attach adds adapter with freshly initialized vectors bound to the bank's
// pair for this layer's family. The first adapter attached becomes active.
func (c *layerCore) Attach(adapter string, bank *ProjectionBank, opts AttachOptions) error {
	if opts.R <= 0 {
		return configErrorf("attach", ErrInvalidRank, "`r` should be a positive integer value but the value passed is %d", opts.R)
	}
	if _, exists := c.states[adapter]; exists {
		return configErrorf("attach", ErrAdapterExists, "%s on %s", adapter, c.name)
	}
	if bank == nil {
		return configErrorf("attach", ErrProjectionsUnset, "%s on %s: no projection bank", adapter, c.name)
	}
	pair, ok := bank.Pair(adapter, c.family())
	if !ok {
		return configErrorf("attach", ErrProjectionsUnset, "%s on %s: no %s projections", adapter, c.name, c.family())
	}
	if got := pair.Shape(); got.In != c.in || got.Out != c.out {
		return configErrorf("attach", ErrShapeConflict, "%s is %s but shared %s projections are %s",
			c.name, LayerShape{In: c.in, Out: c.out}, c.family(), got)
	}
	if opts.R > pair.Rank() {
		return configErrorf("attach", ErrInvalidRank, "%s: rank %d exceeds shared projection rank %d", c.name, opts.R, pair.Rank())
	}

	lambdaC := c.in
	if c.kind == KindEmbedding {
		lambdaC = c.out
	}
	st := &AdapterState{
		R:       opts.R,
		Alpha:   opts.Alpha,
		Scaling: Config{UseRSVera: opts.UseRSVera}.Scaling(opts.Alpha, opts.R),
		Dropout: opts.Dropout,
		LambdaB: c.vector(c.out, 1),
		LambdaD: c.vector(opts.R, 1),
		LambdaC: c.vector(lambdaC, 1),
	}
	if opts.InitWeights {
		st.LambdaD.Fill(opts.DInitial)
		st.LambdaC.Fill(opts.CInitial)
		st.LambdaB.Fill(0)
	}

	c.bank = bank
	c.states[adapter] = st
	c.order = append(c.order, adapter)
	if len(c.active) == 0 {
		c.active = []string{adapter}
	}
	return nil
}

// vector allocates a lambda in the base weight's dtype and device.
func (c *layerCore) vector(n int, value float64) *Tensor {
	dtype := c.weight.dtype
	if !dtype.IsFloat() {
		dtype = Float32
	}
	v := Zeros(dtype, n)
	v.device = c.weight.device
	v.Fill(value)
	return v
}

func (c *layerCore) State(adapter string) (*AdapterState, bool) {
	st, ok := c.states[adapter]
	return st, ok
}

func (c *layerCore) AdapterNames() []string   { return slices.Clone(c.order) }
func (c *layerCore) ActiveAdapters() []string { return slices.Clone(c.active) }
func (c *layerCore) MergedAdapters() []string { return slices.Clone(c.merged) }
func (c *layerCore) Merged() bool             { return len(c.merged) > 0 }
func (c *layerCore) AdaptersEnabled() bool    { return !c.disabled }

func (c *layerCore) SetActiveAdapters(adapters ...string) error {
	for _, a := range adapters {
		if _, ok := c.states[a]; !ok {
			return configErrorf("set_adapter", ErrAdapterNotFound, "%s on %s", a, c.name)
		}
	}
	c.active = slices.Clone(adapters)
	return nil
}

func (c *layerCore) EnableAdapters(enabled bool) { c.disabled = !enabled }
func (c *layerCore) SetTraining(training bool)   { c.training = training }

// pair returns the sliced shared projections for adapter st.
func (c *layerCore) pair(adapter string, st *AdapterState) (a, b *Tensor, err error) {
	if c.bank == nil {
		return nil, nil, configErrorf("projections", ErrProjectionsUnset, "%s on %s", adapter, c.name)
	}
	p, ok := c.bank.Pair(adapter, c.family())
	if !ok {
		return nil, nil, configErrorf("projections", ErrProjectionsUnset, "%s on %s", adapter, c.name)
	}
	a, b, err = p.Sliced(st.R)
	if err != nil {
		return nil, nil, &ConfigError{Op: "projections", Err: err}
	}
	return a, b, nil
}

// deltaWeight computes ΔW for adapter; lambdaCRows selects whether λc
// scales rows (embedding) or columns (linear) of B·A, and transpose
// whether the result is transposed into the weight's storage layout.
func (c *layerCore) deltaWeight(adapter string, lambdaCRows, transpose bool) (*Tensor, error) {
	st, ok := c.states[adapter]
	if !ok {
		return nil, configErrorf("delta_weight", ErrAdapterNotFound, "%s on %s", adapter, c.name)
	}
	a, b, err := c.pair(adapter, st)
	if err != nil {
		return nil, err
	}

	// Half precision matmul is not available on CPU in common backends:
	// compute in float32 and cast back.
	dtype := b.dtype
	castToFP32 := b.device.IsCPU() && dtype == Float16
	lb, ld, lc := st.LambdaB, st.LambdaD, st.LambdaC
	if castToFP32 {
		a, b = a.To(Float32), b.To(Float32)
		lb, ld, lc = lb.To(Float32), ld.To(Float32), lc.To(Float32)
	}

	delta := MatMul(ScaleRows(b, lb), ScaleRows(a, ld))
	if lambdaCRows {
		delta = ScaleRows(delta, lc)
	} else {
		delta = ScaleCols(delta, lc)
	}
	delta = Scale(delta, st.Scaling)
	if transpose {
		delta = Transpose(delta)
	}

	if castToFP32 {
		delta = delta.To(dtype)
		restoreDType(&st.LambdaB, lb, dtype)
		restoreDType(&st.LambdaD, ld, dtype)
		restoreDType(&st.LambdaC, lc, dtype)
	}
	return delta, nil
}

// restoreDType stores v back into *dst in dtype. A lambda already in dtype
// keeps its tensor so outstanding references stay live.
func restoreDType(dst **Tensor, v *Tensor, dtype DType) {
	if (*dst).dtype == dtype {
		(*dst).CopyFrom(v)
		return
	}
	*dst = v.To(dtype)
}

// merge folds the named adapters (nil means the active ones) into the
// base weight. delta computes ΔW in the weight's layout.
func (c *layerCore) merge(adapters []string, safe bool, delta func(string) (*Tensor, error)) error {
	if adapters == nil {
		adapters = c.active
	}
	if len(c.merged) > 0 {
		c.warn(WarnAlreadyMerged, fmt.Sprintf("Already following adapters were merged %s. You are now additionally merging %s.",
			strings.Join(c.merged, ","), strings.Join(adapters, ",")), nil)
	}
	for _, adapter := range adapters {
		if _, ok := c.states[adapter]; !ok {
			continue
		}
		if slices.Contains(c.merged, adapter) {
			c.warn(WarnAlreadyMerged, "adapter is already merged, skipping", map[string]any{"adapter": adapter})
			continue
		}
		d, err := delta(adapter)
		if err != nil {
			return err
		}
		if safe {
			merged := c.weight.Clone()
			merged.AddInPlace(d)
			if !merged.AllFinite() {
				c.metrics.rejected(adapter)
				return &NumericalError{Adapter: adapter, Layer: c.name}
			}
			c.weight.CopyFrom(merged)
		} else {
			c.weight.AddInPlace(d)
		}
		c.merged = append(c.merged, adapter)
		c.metrics.merged(safe)
	}
	return nil
}

// unmerge subtracts merged adapters in reverse merge order.
func (c *layerCore) unmerge(delta func(string) (*Tensor, error)) {
	if len(c.merged) == 0 {
		c.warn(WarnNotMerged, "Already unmerged. Nothing to do.", nil)
		return
	}
	c.unmergeTo(0, delta)
}

// unmergeTo pops merged adapters until n remain.
func (c *layerCore) unmergeTo(n int, delta func(string) (*Tensor, error)) {
	for len(c.merged) > n {
		adapter := c.merged[len(c.merged)-1]
		c.merged = c.merged[:len(c.merged)-1]
		if _, ok := c.states[adapter]; !ok {
			continue
		}
		d, err := delta(adapter)
		if err != nil {
			// The projections were present at merge time and nothing
			// removes them while merged.
			panic(fmt.Sprintf("vera: unmerge %s on %s: %v", adapter, c.name, err))
		}
		c.weight.SubInPlace(d)
		c.metrics.unmerged()
	}
}

// deleteAdapter drops adapter, unmerging it first when merged.
func (c *layerCore) deleteAdapter(adapter string, delta func(string) (*Tensor, error)) error {
	if _, ok := c.states[adapter]; !ok {
		return configErrorf("delete_adapter", ErrAdapterNotFound, "%s on %s", adapter, c.name)
	}
	if i := slices.Index(c.merged, adapter); i >= 0 {
		d, err := delta(adapter)
		if err != nil {
			return err
		}
		c.weight.SubInPlace(d)
		c.merged = slices.Delete(c.merged, i, i+1)
		c.metrics.unmerged()
	}
	delete(c.states, adapter)
	c.order = slices.DeleteFunc(c.order, func(n string) bool { return n == adapter })

	if slices.Contains(c.active, adapter) {
		c.active = slices.DeleteFunc(slices.Clone(c.active), func(n string) bool { return n == adapter })
		if len(c.active) == 0 && len(c.order) > 0 {
			c.active = []string{c.order[0]}
			c.log.Warn().Str("adapter", adapter).Str("new_active", c.order[0]).
				Msg("deleted the active adapter, activating the first remaining one")
		}
	}
	return nil
}

// dropout applies inverted dropout in training mode.
func (c *layerCore) dropout(x *Tensor, p float64) *Tensor {
	if !c.training || p <= 0 {
		return x
	}
	out := resultLike(x, x.dtype)
	keep := 1 - p
	for i, v := range x.data {
		if c.rng.Uniform01() >= p {
			out.data[i] = out.dtype.round(v / keep)
		}
	}
	return out
}

// parameters lists base parameters under "base_layer." and, per adapter,
// "vera_lambda_{b,d,c}.<adapter>".
func (c *layerCore) parameters(base Module) []Parameter {
	var ps []Parameter
	if h, ok := base.(ParameterHolder); ok {
		for _, p := range h.Parameters() {
			ps = append(ps, Parameter{Name: "base_layer." + p.Name, Tensor: p.Tensor})
		}
	}
	for _, adapter := range c.order {
		st := c.states[adapter]
		ps = append(ps,
			Parameter{Name: "vera_lambda_b." + adapter, Tensor: st.LambdaB},
			Parameter{Name: "vera_lambda_d." + adapter, Tensor: st.LambdaD},
			Parameter{Name: "vera_lambda_c." + adapter, Tensor: st.LambdaC},
		)
	}
	return ps
}

// LinearAdapter adapts a Linear or Conv1D layer.
type LinearAdapter struct {
	*layerCore
	base LinearLike
}

func (l *LinearAdapter) BaseLayer() Module { return l.base }

// FanInFanOut reports whether the base weight is stored (in, out).
func (l *LinearAdapter) FanInFanOut() bool { return l.base.FanInFanOut() }

func (l *LinearAdapter) Parameters() []Parameter { return l.parameters(l.base) }

// DeltaWeight returns ΔW in the base weight's layout, scaling included.
func (l *LinearAdapter) DeltaWeight(adapter string) (*Tensor, error) {
	return l.deltaWeight(adapter, false, l.base.FanInFanOut())
}

func (l *LinearAdapter) Merge(adapters []string, safe bool) error {
	return l.merge(adapters, safe, l.DeltaWeight)
}

func (l *LinearAdapter) Unmerge() { l.unmerge(l.DeltaWeight) }

func (l *LinearAdapter) DeleteAdapter(adapter string) error {
	return l.deleteAdapter(adapter, l.DeltaWeight)
}

// Forward computes the base output plus every active adapter's
// correction. The result has the input's dtype.
func (l *LinearAdapter) Forward(x *Tensor) (*Tensor, error) {
	previous := x.dtype

	if l.disabled {
		if l.Merged() {
			l.Unmerge()
		}
		return l.baseForward(x, previous)
	}
	if l.Merged() {
		return l.baseForward(x, previous)
	}

	result, err := l.base.Forward(x)
	if err != nil {
		return nil, err
	}
	for _, adapter := range l.active {
		st, ok := l.states[adapter]
		if !ok {
			continue
		}
		a, b, err := l.pair(adapter, st)
		if err != nil {
			return nil, err
		}
		xa := x.To(st.LambdaD.dtype)
		h := ScaleCols(l.dropout(xa, st.Dropout), st.LambdaC)
		h = ScaleCols(MatMulTransB(h, a), st.LambdaD)
		h = ScaleCols(MatMulTransB(h, b), st.LambdaB)
		result = Add(result, Scale(h, st.Scaling)).To(result.dtype)
	}
	return result.To(previous), nil
}

func (l *LinearAdapter) baseForward(x *Tensor, dtype DType) (*Tensor, error) {
	out, err := l.base.Forward(x)
	if err != nil {
		return nil, err
	}
	return out.To(dtype), nil
}

// EmbeddingAdapter adapts an Embedding layer. Its input is a 1-D tensor
// of ids and its output carries the base weight's dtype.
type EmbeddingAdapter struct {
	*layerCore
	base EmbeddingLike
}

func (e *EmbeddingAdapter) BaseLayer() Module { return e.base }

func (e *EmbeddingAdapter) Parameters() []Parameter { return e.parameters(e.base) }

// DeltaWeight returns ΔW shaped (vocab, dim), scaling included.
func (e *EmbeddingAdapter) DeltaWeight(adapter string) (*Tensor, error) {
	return e.deltaWeight(adapter, true, true)
}

func (e *EmbeddingAdapter) Merge(adapters []string, safe bool) error {
	return e.merge(adapters, safe, e.DeltaWeight)
}

func (e *EmbeddingAdapter) Unmerge() { e.unmerge(e.DeltaWeight) }

func (e *EmbeddingAdapter) DeleteAdapter(adapter string) error {
	return e.deleteAdapter(adapter, e.DeltaWeight)
}

func (e *EmbeddingAdapter) Forward(ids *Tensor) (*Tensor, error) {
	if e.disabled && e.Merged() {
		e.Unmerge()
	}
	result, err := e.base.Forward(ids)
	if err != nil || e.disabled || e.Merged() {
		return result, err
	}

	idx := ids.Ints()
	for _, adapter := range e.active {
		st, ok := e.states[adapter]
		if !ok {
			continue
		}
		a, b, err := e.pair(adapter, st)
		if err != nil {
			return nil, err
		}
		afterA := ScaleCols(IndexRows(Transpose(a), idx), st.LambdaD)
		h := MatMulTransB(afterA, b)
		h = ScaleCols(ScaleCols(h, st.LambdaB), st.LambdaC)
		result = Add(result, Scale(h, st.Scaling)).To(result.dtype)
	}
	return result, nil
}
