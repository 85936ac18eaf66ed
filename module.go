package vera

import (
	"errors"
	"fmt"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE: The host framework contract
// ===========================================================================
//
// VeRA never owns the network it adapts. It sees the host model only through
// a handful of narrow capabilities:
//
//   - traversal:     Parent.Children lists (name, module) pairs in stable order
//   - substitution:  Parent.SetChild swaps one child, keeping the parent itself
//   - weight access: Weighted exposes the in-place mutable weight buffer
//   - evaluation:    Module.Forward runs the base computation
//
// Anything satisfying these interfaces can be adapted. nn.go supplies a small
// reference implementation used by the tests and the CLI.
//
// ===========================================================================

// Module is anything with a forward computation.
type Module interface {
	Forward(x *Tensor) (*Tensor, error)
}

// NamedModule pairs a child with the attribute name its parent knows it by.
type NamedModule struct {
	Name   string
	Module Module
}

// Parent is a module with children that can be swapped in place.
type Parent interface {
	Module
	Children() []NamedModule
	SetChild(name string, m Module) error
}

// Weighted exposes a layer's weight storage. The returned tensor is the
// live buffer: writing into it changes the layer.
type Weighted interface {
	Weight() *Tensor
}

// Biased exposes an optional bias vector; Bias returns nil when absent.
type Biased interface {
	Bias() *Tensor
}

// LinearLike is a dense projection from InFeatures to OutFeatures.
// FanInFanOut reports that the weight is stored as (in, out) rather than
// the usual (out, in), as GPT-2 style Conv1D layers do.
type LinearLike interface {
	Module
	Weighted
	InFeatures() int
	OutFeatures() int
	FanInFanOut() bool
}

// EmbeddingLike is a lookup table of NumEmbeddings rows of EmbeddingDim.
type EmbeddingLike interface {
	Module
	Weighted
	NumEmbeddings() int
	EmbeddingDim() int
}

// Parameter is one named tensor owned directly by a module.
type Parameter struct {
	Name   string
	Tensor *Tensor
}

// ParameterHolder lists the tensors a module owns directly, excluding
// those of its children.
type ParameterHolder interface {
	Parameters() []Parameter
}

// LayerKind is the closed set of host layer kinds VeRA can wrap.
type LayerKind int

const (
	KindUnsupported LayerKind = iota
	KindLinear
	KindConv1D
	KindEmbedding
)

func (k LayerKind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindConv1D:
		return "conv1d"
	case KindEmbedding:
		return "embedding"
	default:
		return "unsupported"
	}
}

// IsLinear reports whether k is one of the dense projection kinds.
func (k LayerKind) IsLinear() bool { return k == KindLinear || k == KindConv1D }

// KindOf classifies m. Adapter layers report the kind of their base layer.
func KindOf(m Module) LayerKind {
	if a, ok := m.(AdapterLayer); ok {
		m = a.BaseLayer()
	}
	switch l := m.(type) {
	case LinearLike:
		if l.FanInFanOut() {
			return KindConv1D
		}
		return KindLinear
	case EmbeddingLike:
		return KindEmbedding
	}
	return KindUnsupported
}

// WalkFunc is called for every module below the root. name is the dotted
// qualified name, parent the module holding it under childName.
type WalkFunc func(name string, m Module, parent Parent, childName string) error

// Walk visits every descendant of root in pre-order. It does not descend
// into adapter layers, whose base layer is an implementation detail.
// A non-nil error from fn stops the walk and is returned.
func Walk(root Module, fn WalkFunc) error {
	p, ok := root.(Parent)
	if !ok {
		return nil
	}
	return walk(p, "", fn)
}

func walk(p Parent, prefix string, fn WalkFunc) error {
	for _, c := range p.Children() {
		name := c.Name
		if prefix != "" {
			name = prefix + "." + c.Name
		}
		if err := fn(name, c.Module, p, c.Name); err != nil {
			return err
		}
		if _, isAdapter := c.Module.(AdapterLayer); isAdapter {
			continue
		}
		if cp, ok := c.Module.(Parent); ok {
			if err := walk(cp, name, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetModule resolves a dotted qualified name against root.
func GetModule(root Module, name string) (Module, error) {
	var found Module
	err := Walk(root, func(n string, m Module, _ Parent, _ string) error {
		if n == name {
			found = m
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("module %q not found", name)
	}
	return found, nil
}

var errStopWalk = errors.New("stop walk")

// NamedParameters lists every parameter reachable from root, qualified
// by module path. Adapter layers contribute their own parameters, which
// include the base layer's under "base_layer.".
func NamedParameters(root Module) []Parameter {
	var out []Parameter
	if h, ok := root.(ParameterHolder); ok {
		out = append(out, h.Parameters()...)
	}
	_ = Walk(root, func(name string, m Module, _ Parent, _ string) error {
		if h, ok := m.(ParameterHolder); ok {
			for _, p := range h.Parameters() {
				out = append(out, Parameter{Name: name + "." + p.Name, Tensor: p.Tensor})
			}
		}
		return nil
	})
	return out
}

// lastComponent returns the final dotted segment of a qualified name.
func lastComponent(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}
