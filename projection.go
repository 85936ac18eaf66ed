package vera

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Shared random projections
// ===========================================================================
//
// VeRA's trick is that every adapted layer of a kind shares ONE pair of frozen
// random matrices:
//
//   linear:    A (R, in)     B (out, R)
//   embedding: A (R, vocab)  B (dim, R)
//
// Only small per-layer vectors are trained. Because the pair is a pure
// function of (seed, R, shape), it does not have to be saved: a checkpoint
// written with save_projection=false regenerates it from projection_prng_key.
//
// DETERMINISM:
// The generator is a PCG stream built from the seed and a fixed stream
// constant. Draw order is part of the format:
//
//   1. linear A      (Kaiming uniform)
//   2. linear B      (Kaiming uniform)
//   3. embedding A   (standard normal)
//   4. embedding B   (standard normal)
//
// all from one generator. Values are rounded to float32 as they are drawn,
// so the same seed and shapes give bit-identical matrices.
//
// ===========================================================================

// projectionStream selects the PCG stream; changing it changes every
// regenerated projection.
const projectionStream uint64 = 0x853c49e6748fea9b

// Generator is a seeded, reproducible random source.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator whose output depends only on seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(uint64(seed), projectionStream))}
}

// Uniform01 returns a value in [0, 1).
func (g *Generator) Uniform01() float64 { return g.rng.Float64() }

// Normal returns a standard normal value.
func (g *Generator) Normal() float64 { return g.rng.NormFloat64() }

// KaimingUniform draws a (rows, cols) float32 matrix from U(-bound, bound)
// with bound = √3·gain/√fan_in, gain = √2 and fan_in = cols. This matches
// the variance frameworks use for default linear initialization.
func KaimingUniform(g *Generator, rows, cols int) *Tensor {
	gain := math.Sqrt2
	bound := math.Sqrt(3) * gain / math.Sqrt(float64(cols))
	return Uniform(g, bound, rows, cols)
}

// Uniform draws a float32 tensor from U(-bound, bound).
func Uniform(g *Generator, bound float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = Float32.round((2*g.Uniform01() - 1) * bound)
	}
	return t
}

// StandardNormal draws a (rows, cols) float32 matrix from N(0, 1).
func StandardNormal(g *Generator, rows, cols int) *Tensor {
	t := NewTensor(rows, cols)
	for i := range t.data {
		t.data[i] = Float32.round(g.Normal())
	}
	return t
}

// LayerShape is the (in, out) geometry a projection pair is built for.
// For embeddings In is the vocabulary size and Out the embedding dim.
type LayerShape struct {
	In  int
	Out int
}

func (s LayerShape) String() string { return fmt.Sprintf("(%d, %d)", s.Out, s.In) }

// ProjectionPair is a frozen (A, B) pair. Nothing mutates it after creation.
type ProjectionPair struct {
	a, b *Tensor
}

// NewProjectionPair validates and wraps A (R, in) and B (out, R).
func NewProjectionPair(a, b *Tensor) (*ProjectionPair, error) {
	if a.Dims() != 2 || b.Dims() != 2 || a.shape[0] != b.shape[1] {
		return nil, fmt.Errorf("%w: projection A %v and B %v disagree on rank", ErrShapeMismatch, a.shape, b.shape)
	}
	return &ProjectionPair{a: a, b: b}, nil
}

func (p *ProjectionPair) A() *Tensor { return p.a }
func (p *ProjectionPair) B() *Tensor { return p.b }

// Rank is R, the number of rows of A.
func (p *ProjectionPair) Rank() int { return p.a.shape[0] }

// Shape is the layer geometry the pair serves.
func (p *ProjectionPair) Shape() LayerShape {
	return LayerShape{In: p.a.shape[1], Out: p.b.shape[0]}
}

// Sliced returns the leading r rows of A and leading r columns of B, the
// view a layer of rank r ≤ R works with.
func (p *ProjectionPair) Sliced(r int) (a, b *Tensor, err error) {
	if r <= 0 || r > p.Rank() {
		return nil, nil, fmt.Errorf("%w: layer rank %d exceeds shared rank %d", ErrInvalidRank, r, p.Rank())
	}
	return SliceRows(p.a, 0, r), SliceCols(p.b, 0, r), nil
}

// cast returns the pair converted to dtype and tagged with device.
func (p *ProjectionPair) cast(dtype DType, device Device) *ProjectionPair {
	return &ProjectionPair{
		a: p.a.To(dtype).OnDevice(device),
		b: p.b.To(dtype).OnDevice(device),
	}
}

// GenerateProjections draws the shared pairs for one adapter. Either shape
// may be nil when the model has no target of that family; the generator
// still draws in the fixed order, so a linear pair never depends on
// whether an embedding pair follows.
func GenerateProjections(seed int64, rank int, linear, embedding *LayerShape) (lin, emb *ProjectionPair) {
	g := NewGenerator(seed)
	if linear != nil {
		lin = &ProjectionPair{
			a: KaimingUniform(g, rank, linear.In),
			b: KaimingUniform(g, linear.Out, rank),
		}
	}
	if embedding != nil {
		emb = &ProjectionPair{
			a: StandardNormal(g, rank, embedding.In),
			b: StandardNormal(g, embedding.Out, rank),
		}
	}
	return lin, emb
}

// Family selects which shared pair a layer uses.
type Family int

const (
	FamilyLinear Family = iota
	FamilyEmbedding
)

func (f Family) String() string {
	if f == FamilyEmbedding {
		return "embedding"
	}
	return "linear"
}

// familyOf maps a layer kind onto its projection family.
func familyOf(k LayerKind) Family {
	if k == KindEmbedding {
		return FamilyEmbedding
	}
	return FamilyLinear
}

type bankKey struct {
	adapter string
	family  Family
}

// ProjectionBank owns every shared pair of a model, keyed by adapter name
// and family. Layers hold a *ProjectionBank but can only read from it;
// the Model is the sole writer.
type ProjectionBank struct {
	pairs map[bankKey]*ProjectionPair
}

// NewProjectionBank returns an empty bank.
func NewProjectionBank() *ProjectionBank {
	return &ProjectionBank{pairs: make(map[bankKey]*ProjectionPair)}
}

// Pair returns the pair for adapter and family.
func (b *ProjectionBank) Pair(adapter string, family Family) (*ProjectionPair, bool) {
	p, ok := b.pairs[bankKey{adapter, family}]
	return p, ok
}

// Adapters lists adapter names with at least one pair, sorted.
func (b *ProjectionBank) Adapters() []string {
	seen := make(map[string]bool)
	for k := range b.pairs {
		seen[k.adapter] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (b *ProjectionBank) set(adapter string, family Family, p *ProjectionPair) {
	b.pairs[bankKey{adapter, family}] = p
}

func (b *ProjectionBank) remove(adapter string) {
	delete(b.pairs, bankKey{adapter, FamilyLinear})
	delete(b.pairs, bankKey{adapter, FamilyEmbedding})
}
