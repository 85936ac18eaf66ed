package vera

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ===========================================================================
// ADAPTER CHECKPOINT FORMAT
// ===========================================================================
//
// A checkpoint holds one adapter: its config and its state dict.
//
//   [4 bytes]  header length N (uint32, little endian)
//   [N bytes]  JSON header: adapter name, config mapping, tensor index
//   [...]      tensor data in index order, little endian, each tensor in
//              its own dtype (float16 as IEEE half bits)
//
// The base model is not part of it. When the config has save_projection
// set to false the shared projections are absent and are regenerated from
// projection_prng_key on load, which yields bit-identical matrices.
// ===========================================================================

// maxHeaderLen bounds the JSON header so a corrupt file cannot trigger a
// huge allocation.
const maxHeaderLen = 64 << 20

// maxTensorElements bounds the element count of a single stored tensor.
const maxTensorElements = 1 << 28

type checkpointHeader struct {
	Adapter string         `json:"adapter"`
	Config  map[string]any `json:"config"`
	Tensors []tensorEntry  `json:"tensors"`
}

type tensorEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// Checkpoint is a decoded adapter checkpoint.
type Checkpoint struct {
	Adapter string
	Config  Config
	State   map[string]*Tensor
}

// SaveAdapter writes adapter's config and state dict to filename.
func SaveAdapter(m *Model, adapter, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := WriteAdapter(w, m, adapter); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	return f.Close()
}

// WriteAdapter encodes adapter's checkpoint to w.
func WriteAdapter(w io.Writer, m *Model, adapter string) error {
	cfg, ok := m.Config(adapter)
	if !ok {
		return configErrorf("save", ErrAdapterNotFound, "%s", adapter)
	}
	sd, err := m.StateDict(adapter)
	if err != nil {
		return err
	}

	header := checkpointHeader{Adapter: adapter, Config: cfg.ToMap()}
	keys := sortedKeys(sd)
	for _, k := range keys {
		t := sd[k]
		header.Tensors = append(header.Tensors, tensorEntry{Name: k, Shape: t.Shape(), DType: t.dtype.String()})
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, k := range keys {
		if err := writeTensor(w, sd[k]); err != nil {
			return fmt.Errorf("failed to write %s: %w", k, err)
		}
	}
	return nil
}

func writeTensor(w io.Writer, t *Tensor) error {
	switch t.dtype {
	case Float16:
		bits := make([]uint16, len(t.data))
		for i, h := range Float16Bits(t) {
			bits[i] = uint16(h)
		}
		return binary.Write(w, binary.LittleEndian, bits)
	case Float32:
		vals := make([]float32, len(t.data))
		for i, v := range t.data {
			vals[i] = float32(v)
		}
		return binary.Write(w, binary.LittleEndian, vals)
	case Int64:
		vals := make([]int64, len(t.data))
		for i, v := range t.data {
			vals[i] = int64(v)
		}
		return binary.Write(w, binary.LittleEndian, vals)
	default:
		return binary.Write(w, binary.LittleEndian, t.data)
	}
}

// ReadCheckpoint decodes a checkpoint without touching any model.
func ReadCheckpoint(r io.Reader) (*Checkpoint, error) {
	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read header length: %w", err)
	}
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, fmt.Errorf("invalid header length %d", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	// Numbers stay json.Number so a 64-bit projection_prng_key survives.
	var header checkpointHeader
	dec := json.NewDecoder(bytes.NewReader(headerJSON))
	dec.UseNumber()
	if err := dec.Decode(&header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}

	cfg, err := FromMap(header.Config)
	if err != nil {
		return nil, err
	}

	ck := &Checkpoint{Adapter: header.Adapter, Config: cfg, State: make(map[string]*Tensor, len(header.Tensors))}
	for _, e := range header.Tensors {
		dtype, err := ParseDType(e.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if len(e.Shape) == 0 {
			return nil, fmt.Errorf("tensor %s: %w", e.Name, ErrInvalidShape)
		}
		n := 1
		for _, d := range e.Shape {
			if d <= 0 || d > maxTensorElements/n {
				return nil, fmt.Errorf("tensor %s: %w: %v", e.Name, ErrInvalidShape, e.Shape)
			}
			n *= d
		}
		t := Zeros(dtype, e.Shape...)
		if err := readTensor(r, t); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", e.Name, err)
		}
		ck.State[e.Name] = t
	}
	return ck, nil
}

func readTensor(r io.Reader, t *Tensor) error {
	switch t.dtype {
	case Float16:
		bits := make([]uint16, len(t.data))
		if err := binary.Read(r, binary.LittleEndian, bits); err != nil {
			return err
		}
		for i, b := range bits {
			t.data[i] = float64(Float16ToFloat32(Half(b)))
		}
	case Float32:
		vals := make([]float32, len(t.data))
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return err
		}
		for i, v := range vals {
			t.data[i] = float64(v)
		}
	case Int64:
		vals := make([]int64, len(t.data))
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return err
		}
		for i, v := range vals {
			t.data[i] = float64(v)
		}
	default:
		return binary.Read(r, binary.LittleEndian, t.data)
	}
	return nil
}

// LoadAdapter attaches the checkpointed adapter to m and restores its
// state. name overrides the stored adapter name when non-empty. On error
// the model is left without the adapter.
func LoadAdapter(m *Model, filename, name string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	ck, err := ReadCheckpoint(bufio.NewReader(f))
	if err != nil {
		return "", err
	}
	return ck.Apply(m, name)
}

// Apply attaches the checkpoint's adapter to m, projections regenerated
// from the seed, then loads the saved state over it.
func (ck *Checkpoint) Apply(m *Model, name string) (string, error) {
	if name == "" {
		name = ck.Adapter
	}
	if err := m.AddAdapter(name, ck.Config); err != nil {
		return "", err
	}
	if err := m.LoadStateDict(name, ck.State); err != nil {
		_ = m.DeleteAdapter(name)
		return "", err
	}
	return name, nil
}

// FromCheckpoint wraps root with the adapter stored in filename.
func FromCheckpoint(root Module, filename string, opts ...Option) (*Model, error) {
	m := newModel(root, opts...)
	if _, err := LoadAdapter(m, filename, ""); err != nil {
		return nil, err
	}
	return m, nil
}
