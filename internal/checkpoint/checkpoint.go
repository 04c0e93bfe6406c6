// Package checkpoint loads model parameters from either the legacy .npz
// archive layout (with a key-remapping pass) or the native .safetensors
// format, and hands them out to module constructors by name.
package checkpoint

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/23skdu/longbow-sibyl/internal/tensor"
)

var (
	// ErrBadMagic marks an archive entry whose leading bytes are not the
	// expected format signature.
	ErrBadMagic = errors.New("bad magic")
	// ErrTruncated marks an archive shorter than its headers declare.
	ErrTruncated = errors.New("truncated archive")
)

type ErrUnsupportedFormat struct{ Path string }

func (e ErrUnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported params file type: %s", e.Path)
}

type ErrMissingParam struct{ Name string }

func (e ErrMissingParam) Error() string {
	return fmt.Sprintf("missing parameter: %s", e.Name)
}

type ErrShape struct {
	Name string
	Want []int
	Got  []int
}

func (e ErrShape) Error() string {
	return fmt.Sprintf("parameter %s has shape %v, want %v", e.Name, e.Got, e.Want)
}

// InitKind selects the distribution used to synthesize a parameter when the
// store runs in initializer mode (no checkpoint loaded).
type InitKind int

const (
	InitZeros InitKind = iota
	InitOnes
	InitXavier
	InitScaledNormal // normal with std 1/sqrt(fan_in)
)

// Store resolves parameter names to tensors. A loaded store is strict:
// unknown names and shape mismatches are errors. An initializer store
// synthesizes deterministic values per name, which keeps tests independent
// of construction order.
type Store struct {
	params    map[string]*tensor.Tensor
	requested map[string]bool
	initMode  bool
	seed      int64
}

// NewStore wraps loaded parameters for strict lookup.
func NewStore(params map[string]*tensor.Tensor) *Store {
	return &Store{params: params, requested: make(map[string]bool)}
}

// NewInitStore returns a store that synthesizes parameters on demand.
func NewInitStore(seed int64) *Store {
	return &Store{
		params:    make(map[string]*tensor.Tensor),
		requested: make(map[string]bool),
		initMode:  true,
		seed:      seed,
	}
}

// Param returns the named parameter with the given shape.
func (s *Store) Param(name string, shape []int, init InitKind) (*tensor.Tensor, error) {
	s.requested[name] = true
	if t, ok := s.params[name]; ok {
		if !shapeEqual(t.Shape, shape) {
			return nil, ErrShape{Name: name, Want: shape, Got: t.Shape}
		}
		return t, nil
	}
	if !s.initMode {
		return nil, ErrMissingParam{Name: name}
	}
	t := synthesize(name, shape, init, s.seed)
	s.params[name] = t
	return t, nil
}

// Len reports the number of tensors held.
func (s *Store) Len() int { return len(s.params) }

// Names returns the held parameter names in sorted order.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.params))
	for n := range s.params {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns a held tensor without shape checking, for inspection tools.
func (s *Store) Get(name string) (*tensor.Tensor, bool) {
	t, ok := s.params[name]
	return t, ok
}

// Unused lists loaded parameters no constructor asked for.
func (s *Store) Unused() []string {
	var names []string
	for n := range s.params {
		if !s.requested[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Load reads a checkpoint, dispatching on the file extension.
func Load(path string) (*Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npz":
		params, err := readNPZ(path)
		if err != nil {
			return nil, fmt.Errorf("read npz %s: %w", path, err)
		}
		return NewStore(remapLegacy(params)), nil
	case ".safetensors":
		params, err := readSafetensors(path)
		if err != nil {
			return nil, fmt.Errorf("read safetensors %s: %w", path, err)
		}
		return NewStore(params), nil
	default:
		return nil, ErrUnsupportedFormat{Path: path}
	}
}

// LoadArrays reads named arrays from a checkpoint-format file without
// legacy-name remapping. Used for raw feature dumps rather than parameters.
func LoadArrays(path string) (map[string]*tensor.Tensor, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npz":
		arrays, err := readNPZ(path)
		if err != nil {
			return nil, fmt.Errorf("read npz %s: %w", path, err)
		}
		return arrays, nil
	case ".safetensors":
		arrays, err := readSafetensors(path)
		if err != nil {
			return nil, fmt.Errorf("read safetensors %s: %w", path, err)
		}
		return arrays, nil
	default:
		return nil, ErrUnsupportedFormat{Path: path}
	}
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func synthesize(name string, shape []int, init InitKind, seed int64) *tensor.Tensor {
	t := tensor.New(shape...)
	switch init {
	case InitZeros:
	case InitOnes:
		for i := range t.Data {
			t.Data[i] = 1
		}
	case InitXavier:
		rng := nameRNG(name, seed)
		fanIn, fanOut := fans(shape)
		limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
		for i := range t.Data {
			t.Data[i] = (rng.Float32()*2 - 1) * limit
		}
	case InitScaledNormal:
		rng := nameRNG(name, seed)
		fanIn, _ := fans(shape)
		std := 1.0 / math.Sqrt(float64(fanIn))
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64() * std)
		}
	}
	return t
}

func fans(shape []int) (int, int) {
	if len(shape) < 2 {
		return shape[0], shape[0]
	}
	fanIn := shape[0]
	fanOut := 1
	for _, d := range shape[1:] {
		fanOut *= d
	}
	return fanIn, fanOut
}

func nameRNG(name string, seed int64) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(name))
	return rand.New(rand.NewSource(seed ^ int64(h.Sum64())))
}
