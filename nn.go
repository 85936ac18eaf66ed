package vera

import (
	"fmt"
	"math"
	"strconv"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Reference host layers
// ===========================================================================
//
// These are the opaque "base layers" VeRA adapts: a dense Linear, a GPT-2
// style Conv1D (same math, weight stored transposed), an Embedding table,
// and the glue needed to assemble a small network (LayerNorm, GELU and
// ordered containers). They implement the contract in module.go and nothing
// more; in particular they know nothing about adapters.
//
// Shapes follow the usual conventions:
//   Linear.weight    (out, in)     y = x @ W^T + b
//   Conv1D.weight    (in, out)     y = x @ W + b
//   Embedding.weight (vocab, dim)  y = W[ids]
//
// ===========================================================================

// Linear is a dense layer with weight (out, in) and an optional bias.
type Linear struct {
	weight *Tensor
	bias   *Tensor
}

// NewLinear creates a Linear layer. When g is non-nil the weight is drawn
// Kaiming-uniform and the bias uniform in ±1/√in, like common frameworks do;
// otherwise both start at zero.
func NewLinear(in, out int, withBias bool, g *Generator) *Linear {
	l := &Linear{weight: NewTensor(out, in)}
	if withBias {
		l.bias = NewTensor(out)
	}
	if g != nil {
		l.weight = KaimingUniform(g, out, in)
		if l.bias != nil {
			l.bias = Uniform(g, 1/math.Sqrt(float64(in)), out)
		}
	}
	return l
}

// NewLinearFrom wraps existing tensors. bias may be nil.
func NewLinearFrom(weight, bias *Tensor) *Linear {
	dims2(weight, "NewLinearFrom")
	return &Linear{weight: weight, bias: bias}
}

func (l *Linear) Weight() *Tensor   { return l.weight }
func (l *Linear) Bias() *Tensor     { return l.bias }
func (l *Linear) InFeatures() int   { return l.weight.shape[1] }
func (l *Linear) OutFeatures() int  { return l.weight.shape[0] }
func (l *Linear) FanInFanOut() bool { return false }

// Forward computes x @ W^T + b for x of shape (batch, in).
// The output carries the weight's dtype.
func (l *Linear) Forward(x *Tensor) (*Tensor, error) {
	if x.Dims() != 2 || x.shape[1] != l.InFeatures() {
		return nil, fmt.Errorf("%w: linear expects (batch, %d), got %v", ErrShapeMismatch, l.InFeatures(), x.shape)
	}
	out := MatMulTransB(x.To(l.weight.dtype), l.weight)
	if l.bias != nil {
		out = AddBias(out, l.bias)
	}
	return out, nil
}

func (l *Linear) Parameters() []Parameter {
	return weightAndBias(l.weight, l.bias)
}

// Conv1D is the GPT-2 flavoured dense layer: weight stored (in, out).
type Conv1D struct {
	weight *Tensor
	bias   *Tensor
}

// NewConv1D creates a Conv1D layer. Weights are normal with std 0.02 when
// g is non-nil, as in GPT-2; the bias starts at zero.
func NewConv1D(in, out int, g *Generator) *Conv1D {
	c := &Conv1D{weight: NewTensor(in, out), bias: NewTensor(out)}
	if g != nil {
		c.weight = Scale(StandardNormal(g, in, out), 0.02)
	}
	return c
}

func (c *Conv1D) Weight() *Tensor   { return c.weight }
func (c *Conv1D) Bias() *Tensor     { return c.bias }
func (c *Conv1D) InFeatures() int   { return c.weight.shape[0] }
func (c *Conv1D) OutFeatures() int  { return c.weight.shape[1] }
func (c *Conv1D) FanInFanOut() bool { return true }

// Forward computes x @ W + b.
func (c *Conv1D) Forward(x *Tensor) (*Tensor, error) {
	if x.Dims() != 2 || x.shape[1] != c.InFeatures() {
		return nil, fmt.Errorf("%w: conv1d expects (batch, %d), got %v", ErrShapeMismatch, c.InFeatures(), x.shape)
	}
	out := MatMul(x.To(c.weight.dtype), c.weight)
	if c.bias != nil {
		out = AddBias(out, c.bias)
	}
	return out, nil
}

func (c *Conv1D) Parameters() []Parameter {
	return weightAndBias(c.weight, c.bias)
}

// Embedding maps integer ids to rows of its weight table.
type Embedding struct {
	weight *Tensor
}

// NewEmbedding creates a (num, dim) table, standard normal when g is non-nil.
func NewEmbedding(num, dim int, g *Generator) *Embedding {
	if g != nil {
		return &Embedding{weight: StandardNormal(g, num, dim)}
	}
	return &Embedding{weight: NewTensor(num, dim)}
}

func (e *Embedding) Weight() *Tensor    { return e.weight }
func (e *Embedding) NumEmbeddings() int { return e.weight.shape[0] }
func (e *Embedding) EmbeddingDim() int  { return e.weight.shape[1] }

// Forward looks up a 1-D tensor of ids and returns (len(ids), dim).
func (e *Embedding) Forward(ids *Tensor) (*Tensor, error) {
	if ids.Dims() != 1 {
		return nil, fmt.Errorf("%w: embedding expects 1-D ids, got %v", ErrShapeMismatch, ids.shape)
	}
	idx := ids.Ints()
	for _, id := range idx {
		if id < 0 || id >= e.NumEmbeddings() {
			return nil, fmt.Errorf("embedding: token id %d out of range [0,%d)", id, e.NumEmbeddings())
		}
	}
	return IndexRows(e.weight, idx), nil
}

func (e *Embedding) Parameters() []Parameter {
	return []Parameter{{Name: "weight", Tensor: e.weight}}
}

// LayerNorm implements layer normalization.
//
// PAPER: "Layer Normalization" by Ba, Kiros, Hinton (2016)
// https://arxiv.org/abs/1607.06450
//
// Formula: y = γ * (x - μ) / σ + β
type LayerNorm struct {
	eps   float64
	gamma *Tensor // Scale parameter
	beta  *Tensor // Shift parameter
}

// NewLayerNorm creates a layer normalization layer with γ=1, β=0.
func NewLayerNorm(dim int) *LayerNorm {
	return &LayerNorm{
		eps:   1e-5,
		gamma: Full(1, dim),
		beta:  NewTensor(dim),
	}
}

// Forward normalizes each row of x independently.
func (ln *LayerNorm) Forward(x *Tensor) (*Tensor, error) {
	if x.Dims() != 2 || x.shape[1] != ln.gamma.Size() {
		return nil, fmt.Errorf("%w: layernorm expects (batch, %d), got %v", ErrShapeMismatch, ln.gamma.Size(), x.shape)
	}

	rows, features := x.shape[0], x.shape[1]
	out := resultLike(x, x.dtype)

	for i := 0; i < rows; i++ {
		row := x.data[i*features : (i+1)*features]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(features)

		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j, v := range row {
			normalized := (v - mean) / std
			out.data[i*features+j] = out.dtype.round(normalized*ln.gamma.data[j] + ln.beta.data[j])
		}
	}

	return out, nil
}

// Weight and Bias expose γ and β. LayerNorm is not LinearLike, so it is
// never a valid adapter target.
func (ln *LayerNorm) Weight() *Tensor { return ln.gamma }
func (ln *LayerNorm) Bias() *Tensor   { return ln.beta }

func (ln *LayerNorm) Parameters() []Parameter {
	return weightAndBias(ln.gamma, ln.beta)
}

// Activation applies GELU element-wise.
type Activation struct{}

func (Activation) Forward(x *Tensor) (*Tensor, error) { return GELU(x), nil }

// Container holds named children in insertion order. It has no forward
// computation of its own; use Sequential for a chain.
type Container struct {
	names    []string
	children map[string]Module
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{children: make(map[string]Module)}
}

// Add appends a child and returns c for chaining. Panics on duplicates.
func (c *Container) Add(name string, m Module) *Container {
	if _, dup := c.children[name]; dup {
		panic(fmt.Sprintf("nn: duplicate child %q", name))
	}
	c.names = append(c.names, name)
	c.children[name] = m
	return c
}

// Append adds m under the next integer name, as module lists do.
func (c *Container) Append(m Module) *Container {
	return c.Add(strconv.Itoa(len(c.names)), m)
}

// Get returns the named child or nil.
func (c *Container) Get(name string) Module { return c.children[name] }

// Len returns the number of children.
func (c *Container) Len() int { return len(c.names) }

func (c *Container) Children() []NamedModule {
	out := make([]NamedModule, len(c.names))
	for i, n := range c.names {
		out[i] = NamedModule{Name: n, Module: c.children[n]}
	}
	return out
}

// SetChild replaces an existing child. The container keeps its identity
// and the child keeps its position.
func (c *Container) SetChild(name string, m Module) error {
	if _, ok := c.children[name]; !ok {
		return fmt.Errorf("nn: no child named %q", name)
	}
	c.children[name] = m
	return nil
}

func (c *Container) Forward(*Tensor) (*Tensor, error) {
	return nil, fmt.Errorf("nn: container has no forward computation")
}

// Sequential runs its children in order, feeding each output to the next.
type Sequential struct {
	*Container
}

// NewSequential builds a chain named "0", "1", ...
func NewSequential(mods ...Module) *Sequential {
	s := &Sequential{Container: NewContainer()}
	for _, m := range mods {
		s.Append(m)
	}
	return s
}

func (s *Sequential) Forward(x *Tensor) (*Tensor, error) {
	var err error
	for _, c := range s.Children() {
		if x, err = c.Module.Forward(x); err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return x, nil
}

// CastParameters converts every parameter below root to dtype in place,
// the equivalent of model.half() / model.float().
func CastParameters(root Module, dtype DType) {
	for _, p := range NamedParameters(root) {
		t := p.Tensor
		t.dtype = dtype
		for i, v := range t.data {
			t.data[i] = dtype.round(v)
		}
	}
}

// MoveParameters retags every parameter below root with device.
func MoveParameters(root Module, device Device) {
	for _, p := range NamedParameters(root) {
		p.Tensor.device = device
	}
}

func weightAndBias(w, b *Tensor) []Parameter {
	ps := []Parameter{{Name: "weight", Tensor: w}}
	if b != nil {
		ps = append(ps, Parameter{Name: "bias", Tensor: b})
	}
	return ps
}
