package vera

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// A small decoder-only transformer used as the host network for adapters.
// Two layouts are provided so both families of target names are real:
//
//   llama                                   gpt2
//   embed_tokens        Embedding           wte, wpe            Embedding
//   layers.N.input_layernorm   RMSNorm     h.N.ln_1            LayerNorm
//   layers.N.self_attn.{q,k,v,o}_proj      h.N.attn.c_attn     Conv1D (d, 3d)
//                              Linear      h.N.attn.c_proj     Conv1D
//   layers.N.post_attention_layernorm      h.N.ln_2            LayerNorm
//   layers.N.mlp.{gate,up,down}_proj       h.N.mlp.{c_fc,c_proj} Conv1D
//   norm                RMSNorm            ln_f                LayerNorm
//   lm_head             Linear (vocab, d)  lm_head             Linear
//
// Every computation looks its children up by name at forward time. That
// is what lets an adapter replace "layers.0.self_attn.q_proj" in place and
// have the change show up in the network's output.
//
// Architecture (pre-norm):
//   x = x + Attention(Norm(x))
//   x = x + MLP(Norm(x))
//
// The forward pass takes a 1-D tensor of token ids and returns logits of
// shape (seqLen, vocab).
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Attention Is All You Need" by Vaswani et al. (2017)
//   https://arxiv.org/abs/1706.03762
//
// - "LLaMA: Open and Efficient Foundation Language Models" (2023)
//   https://arxiv.org/abs/2302.13971
// ===========================================================================

// Architecture names a host layout.
type Architecture string

const (
	ArchLlama Architecture = "llama"
	ArchGPT2  Architecture = "gpt2"
)

// TransformerConfig holds hyperparameters for the host model.
type TransformerConfig struct {
	Arch      Architecture `mapstructure:"arch" validate:"oneof=llama gpt2"`
	VocabSize int          `mapstructure:"vocab_size" validate:"gt=0"`  // Size of vocabulary
	MaxSeqLen int          `mapstructure:"max_seq_len" validate:"gt=0"` // Context window
	EmbedDim  int          `mapstructure:"embed_dim" validate:"gt=0"`   // d_model
	NumHeads  int          `mapstructure:"num_heads" validate:"gt=0"`
	NumLayers int          `mapstructure:"num_layers" validate:"gt=0"`
	FFHidden  int          `mapstructure:"ff_hidden" validate:"gt=0"`
	Seed      int64        `mapstructure:"seed"` // Weight initialization seed
}

// DefaultTransformerConfig returns a tiny configuration for tests and demos.
func DefaultTransformerConfig() TransformerConfig {
	return TransformerConfig{
		Arch:      ArchLlama,
		VocabSize: 64,
		MaxSeqLen: 32,
		EmbedDim:  16,
		NumHeads:  2,
		NumLayers: 2,
		FFHidden:  32,
		Seed:      1234,
	}
}

// LoadTransformerConfig reads host hyperparameters from a YAML, JSON or
// TOML file over the defaults.
func LoadTransformerConfig(path string) (TransformerConfig, error) {
	cfg := DefaultTransformerConfig()
	m, err := readConfigMap(path)
	if err != nil {
		return cfg, err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return cfg, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return cfg, fmt.Errorf("transformer: %w", err)
	}
	return cfg, cfg.Validate()
}

var transformerValidate = validator.New()

// Validate checks the hyperparameters.
func (c TransformerConfig) Validate() error {
	if err := transformerValidate.Struct(c); err != nil {
		return fmt.Errorf("transformer: %w", err)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("transformer: embed_dim (%d) must be divisible by num_heads (%d)", c.EmbedDim, c.NumHeads)
	}
	if c.Arch == ArchLlama && (c.EmbedDim/c.NumHeads)%2 != 0 {
		return fmt.Errorf("transformer: rotary embeddings need an even head size, got %d", c.EmbedDim/c.NumHeads)
	}
	return nil
}

// Transformer is the host network. It is a Parent, so adapters can be
// injected anywhere in its tree.
type Transformer struct {
	*Container
	cfg TransformerConfig
}

// NewTransformer builds a randomly initialized host model, deterministic
// in cfg.Seed.
func NewTransformer(cfg TransformerConfig) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := NewGenerator(cfg.Seed)
	t := &Transformer{Container: NewContainer(), cfg: cfg}

	layers := NewContainer()
	switch cfg.Arch {
	case ArchGPT2:
		t.Add("wte", NewEmbedding(cfg.VocabSize, cfg.EmbedDim, g))
		t.Add("wpe", NewEmbedding(cfg.MaxSeqLen, cfg.EmbedDim, g))
		for i := 0; i < cfg.NumLayers; i++ {
			layers.Append(newGPT2Block(cfg, g))
		}
		t.Add("h", layers)
		t.Add("ln_f", NewLayerNorm(cfg.EmbedDim))
	default:
		t.Add("embed_tokens", NewEmbedding(cfg.VocabSize, cfg.EmbedDim, g))
		for i := 0; i < cfg.NumLayers; i++ {
			layers.Append(newLlamaBlock(cfg, g))
		}
		t.Add("layers", layers)
		t.Add("norm", NewRMSNorm(cfg.EmbedDim))
	}
	t.Add("lm_head", NewLinear(cfg.EmbedDim, cfg.VocabSize, false, g))
	return t, nil
}

// Config returns the hyperparameters the model was built with.
func (t *Transformer) Config() TransformerConfig { return t.cfg }

// Forward maps token ids of shape (seqLen,) to logits (seqLen, vocab).
func (t *Transformer) Forward(ids *Tensor) (*Tensor, error) {
	if ids.Dims() != 1 || ids.Size() == 0 {
		return nil, fmt.Errorf("%w: transformer expects non-empty 1-D ids, got %v", ErrShapeMismatch, ids.shape)
	}
	if ids.Size() > t.cfg.MaxSeqLen {
		return nil, fmt.Errorf("%w: sequence length %d exceeds max_seq_len %d", ErrShapeMismatch, ids.Size(), t.cfg.MaxSeqLen)
	}

	var (
		x   *Tensor
		err error
	)
	embed, stack, final := "embed_tokens", "layers", "norm"
	if t.cfg.Arch == ArchGPT2 {
		embed, stack, final = "wte", "h", "ln_f"
	}

	if x, err = t.Get(embed).Forward(ids); err != nil {
		return nil, fmt.Errorf("%s: %w", embed, err)
	}
	if t.cfg.Arch == ArchGPT2 {
		positions := make([]int, ids.Size())
		for i := range positions {
			positions[i] = i
		}
		pos, err := t.Get("wpe").Forward(FromInts(positions))
		if err != nil {
			return nil, fmt.Errorf("wpe: %w", err)
		}
		x = Add(x, pos.To(x.dtype))
	}

	blocks, ok := t.Get(stack).(Parent)
	if !ok {
		return nil, fmt.Errorf("%s: not a container", stack)
	}
	for _, b := range blocks.Children() {
		if x, err = b.Module.Forward(x); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", stack, b.Name, err)
		}
	}

	if x, err = t.Get(final).Forward(x); err != nil {
		return nil, fmt.Errorf("%s: %w", final, err)
	}
	logits, err := t.Get("lm_head").Forward(x)
	if err != nil {
		return nil, fmt.Errorf("lm_head: %w", err)
	}
	return logits, nil
}

// ===========================================================================
// BLOCKS
// ===========================================================================

// Block is one pre-norm transformer layer. The child names of its two
// norms, attention and MLP depend on the layout.
type Block struct {
	*Container
	norm1, attn, norm2, mlp string
}

func newLlamaBlock(cfg TransformerConfig, g *Generator) *Block {
	c := NewContainer().
		Add("input_layernorm", NewRMSNorm(cfg.EmbedDim)).
		Add("self_attn", newLlamaAttention(cfg, g)).
		Add("post_attention_layernorm", NewRMSNorm(cfg.EmbedDim)).
		Add("mlp", NewSwiGLU(cfg.EmbedDim, cfg.FFHidden, g))
	return &Block{Container: c, norm1: "input_layernorm", attn: "self_attn", norm2: "post_attention_layernorm", mlp: "mlp"}
}

func newGPT2Block(cfg TransformerConfig, g *Generator) *Block {
	mlp := NewContainer().
		Add("c_fc", NewConv1D(cfg.EmbedDim, cfg.FFHidden, g)).
		Add("act", Activation{}).
		Add("c_proj", NewConv1D(cfg.FFHidden, cfg.EmbedDim, g))
	c := NewContainer().
		Add("ln_1", NewLayerNorm(cfg.EmbedDim)).
		Add("attn", newGPT2Attention(cfg, g)).
		Add("ln_2", NewLayerNorm(cfg.EmbedDim)).
		Add("mlp", &Sequential{Container: mlp})
	return &Block{Container: c, norm1: "ln_1", attn: "attn", norm2: "ln_2", mlp: "mlp"}
}

// Forward applies the block.
// x shape: (seqLen, embedDim)
func (b *Block) Forward(x *Tensor) (*Tensor, error) {
	residual := func(x *Tensor, norm, sub string) (*Tensor, error) {
		h, err := b.Get(norm).Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", norm, err)
		}
		if h, err = b.Get(sub).Forward(h); err != nil {
			return nil, fmt.Errorf("%s: %w", sub, err)
		}
		return Add(x, h.To(x.dtype)), nil
	}

	x, err := residual(x, b.norm1, b.attn)
	if err != nil {
		return nil, err
	}
	return residual(x, b.norm2, b.mlp)
}

// ===========================================================================
// ATTENTION
// ===========================================================================
//
// Multi-head: run h parallel attention operations on column slices of Q,
// K and V, then concatenate:
//   Attention(Q,K,V) = softmax(QK^T/√d_k + mask)V

// LlamaAttention has separate q/k/v/o projections and rotary positions.
type LlamaAttention struct {
	*Container
	numHeads int
	headDim  int
}

func newLlamaAttention(cfg TransformerConfig, g *Generator) *LlamaAttention {
	d := cfg.EmbedDim
	c := NewContainer().
		Add("q_proj", NewLinear(d, d, false, g)).
		Add("k_proj", NewLinear(d, d, false, g)).
		Add("v_proj", NewLinear(d, d, false, g)).
		Add("o_proj", NewLinear(d, d, false, g))
	return &LlamaAttention{Container: c, numHeads: cfg.NumHeads, headDim: d / cfg.NumHeads}
}

func (a *LlamaAttention) Forward(x *Tensor) (*Tensor, error) {
	proj := make(map[string]*Tensor, 3)
	for _, name := range []string{"q_proj", "k_proj", "v_proj"} {
		out, err := a.Get(name).Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		proj[name] = out
	}

	q, err := RoPE(proj["q_proj"], a.headDim, 0)
	if err != nil {
		return nil, err
	}
	k, err := RoPE(proj["k_proj"], a.headDim, 0)
	if err != nil {
		return nil, err
	}

	attended, err := causalAttention(q, k, proj["v_proj"], a.numHeads)
	if err != nil {
		return nil, err
	}
	out, err := a.Get("o_proj").Forward(attended)
	if err != nil {
		return nil, fmt.Errorf("o_proj: %w", err)
	}
	return out, nil
}

// GPT2Attention computes Q, K and V with one fused c_attn projection.
type GPT2Attention struct {
	*Container
	numHeads int
}

func newGPT2Attention(cfg TransformerConfig, g *Generator) *GPT2Attention {
	d := cfg.EmbedDim
	c := NewContainer().
		Add("c_attn", NewConv1D(d, 3*d, g)).
		Add("c_proj", NewConv1D(d, d, g))
	return &GPT2Attention{Container: c, numHeads: cfg.NumHeads}
}

func (a *GPT2Attention) Forward(x *Tensor) (*Tensor, error) {
	qkv, err := a.Get("c_attn").Forward(x)
	if err != nil {
		return nil, fmt.Errorf("c_attn: %w", err)
	}
	if qkv.Dims() != 2 || qkv.shape[1]%3 != 0 {
		return nil, fmt.Errorf("%w: c_attn output %v is not (seqLen, 3*d)", ErrShapeMismatch, qkv.shape)
	}
	d := qkv.shape[1] / 3
	q, k, v := SliceCols(qkv, 0, d), SliceCols(qkv, d, 2*d), SliceCols(qkv, 2*d, 3*d)

	attended, err := causalAttention(q, k, v, a.numHeads)
	if err != nil {
		return nil, err
	}
	out, err := a.Get("c_proj").Forward(attended)
	if err != nil {
		return nil, fmt.Errorf("c_proj: %w", err)
	}
	return out, nil
}

// causalAttention runs masked scaled dot-product attention per head.
// q, k, v shape: (seqLen, numHeads*headDim)
func causalAttention(q, k, v *Tensor, numHeads int) (*Tensor, error) {
	if !shapeEqual(q.shape, k.shape) || !shapeEqual(q.shape, v.shape) {
		return nil, fmt.Errorf("%w: q %v, k %v, v %v", ErrShapeMismatch, q.shape, k.shape, v.shape)
	}
	seqLen, width := q.shape[0], q.shape[1]
	if width%numHeads != 0 {
		return nil, fmt.Errorf("%w: width %d not divisible by %d heads", ErrShapeMismatch, width, numHeads)
	}
	headDim := width / numHeads
	scale := 1.0 / math.Sqrt(float64(headDim))

	out := Zeros(promote(q.dtype, v.dtype), seqLen, width)
	out.device = q.device
	for h := 0; h < numHeads; h++ {
		lo, hi := h*headDim, (h+1)*headDim
		qh, kh, vh := SliceCols(q, lo, hi), SliceCols(k, lo, hi), SliceCols(v, lo, hi)

		scores := Scale(MatMulTransB(qh, kh), scale) // (seqLen, seqLen)

		// Causal mask: position i never attends to j > i.
		for i := 0; i < seqLen; i++ {
			for j := i + 1; j < seqLen; j++ {
				scores.data[i*seqLen+j] = -1e9
			}
		}

		weighted := MatMul(Softmax(scores), vh) // (seqLen, headDim)
		for i := 0; i < seqLen; i++ {
			copy(out.data[i*width+lo:i*width+hi], weighted.data[i*headDim:(i+1)*headDim])
		}
	}
	return out, nil
}

// ===========================================================================
// GENERATION
// ===========================================================================

// Greedy extends prompt by steps tokens, always picking the most likely
// next token. m is any module mapping ids to logits, such as a Transformer
// or a Model wrapping one. The context is truncated to maxContext tokens
// when maxContext > 0.
func Greedy(m Module, prompt []int, steps, maxContext int) ([]int, error) {
	if len(prompt) == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidShape)
	}
	tokens := append([]int(nil), prompt...)
	for s := 0; s < steps; s++ {
		ctx := tokens
		if maxContext > 0 && len(ctx) > maxContext {
			ctx = ctx[len(ctx)-maxContext:]
		}
		logits, err := m.Forward(FromInts(ctx))
		if err != nil {
			return nil, err
		}
		rows, vocab := dims2(logits, "Greedy")
		last := logits.data[(rows-1)*vocab : rows*vocab]
		best := 0
		for i, v := range last {
			if v > last[best] {
				best = i
			}
		}
		tokens = append(tokens, best)
	}
	return tokens, nil
}
