// Package flow implements normalizing flows: parametric invertible maps on
// batches of vectors, each paired with a closed-form log-absolute-determinant
// of its Jacobian.
//
// Architecture:
//   - Flow[B]: a single map (Planar or Radial), generic over the backend
//   - Sequence[B]: an ordered, fixed-length composition of flows
//   - Kind: the registry key used to build flows from configuration
//
// A batch is a [batch, dim] tensor whose rows are independent samples.
// LogAbsDetJacobian returns one value per row, shaped [batch, 1].
//
// Flows expect an autodiff-wrapped backend (autodiff.New(cpu.New())): it
// supplies Tanh natively and keeps the CPU backend from reusing operand
// buffers in place.
package flow

import (
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// InitScale bounds the uniform distribution used for parameter initialization.
const InitScale = 0.01

var (
	// ErrInvalidDim is returned when a flow is constructed with dim <= 0.
	ErrInvalidDim = errors.New("flow: dimension must be positive")

	// ErrNoBlocks is returned when a sequence has no blocks or repetitions.
	ErrNoBlocks = errors.New("flow: sequence needs at least one block")

	// ErrUnknownKind is returned for an unregistered flow kind.
	ErrUnknownKind = errors.New("flow: unknown kind")

	// ErrShape is returned when a batch does not match the flow dimension.
	ErrShape = errors.New("flow: shape mismatch")
)

// Kind names a flow type.
type Kind string

// Supported flow kinds.
const (
	KindPlanar Kind = "planar"
	KindRadial Kind = "radial"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindPlanar, KindRadial:
		return k, nil
	default:
		return "", errors.Wrapf(ErrUnknownKind, "%q", s)
	}
}

// ParseKinds converts a list of configuration strings into kinds.
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Flow is a single invertible map with a tractable Jacobian determinant.
//
// Forward and LogAbsDetJacobian are deterministic given the parameters and
// never mutate them. Both panic if z is not shaped [batch, Dim()].
type Flow[B tensor.Backend] interface {
	// Forward maps z [batch, dim] to a batch of the same shape.
	Forward(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// LogAbsDetJacobian returns log(|det J(z)| + 1e-9) per row, shaped [batch, 1].
	LogAbsDetJacobian(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Kind reports the flow type.
	Kind() Kind

	// Dim is the dimensionality of the vectors the flow acts on.
	Dim() int

	// Parameters returns the trainable parameters.
	Parameters() []*nn.Parameter[B]

	// StateDict exports parameters keyed by name.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies parameters from a state dictionary.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// Options tune flow construction.
type Options struct {
	// Src seeds parameter initialization. Nil uses the global source.
	Src rand.Source

	// ExactRadialDet makes radial flows use (1+bh)^(dim-1) in the determinant
	// instead of (1+bh)^dim - 1.
	ExactRadialDet bool
}

// New builds a flow of the given kind.
func New[B tensor.Backend](kind Kind, dim int, backend B, opts Options) (Flow[B], error) {
	switch kind {
	case KindPlanar:
		return NewPlanar(dim, backend, opts)
	case KindRadial:
		return NewRadial(dim, backend, opts)
	default:
		return nil, errors.Wrapf(ErrUnknownKind, "%q", string(kind))
	}
}

// uniformInit draws a tensor with i.i.d. entries from U(-InitScale, InitScale).
func uniformInit[B tensor.Backend](shape tensor.Shape, src rand.Source, backend B) *tensor.Tensor[float32, B] {
	dist := distuv.Uniform{Min: -InitScale, Max: InitScale, Src: src}
	data := make([]float32, shape.NumElements())
	for i := range data {
		data[i] = float32(dist.Rand())
	}
	t, err := tensor.FromSlice(data, shape, backend)
	if err != nil {
		panic(errors.Wrap(err, "flow: allocate parameter"))
	}
	return t
}

// checkBatch panics unless z is shaped [batch, dim].
func checkBatch[B tensor.Backend](name string, z *tensor.Tensor[float32, B], dim int) {
	if err := ValidateBatch(z, dim); err != nil {
		panic(errors.Wrap(err, name).Error())
	}
}

// ValidateBatch reports whether z is a [batch, dim] tensor.
func ValidateBatch[B tensor.Backend](z *tensor.Tensor[float32, B], dim int) error {
	shape := z.Shape()
	if len(shape) != 2 {
		return errors.Wrapf(ErrShape, "expected [batch, %d], got %v", dim, shape)
	}
	if shape[1] != dim {
		return errors.Wrapf(ErrShape, "expected %d features, got %d", dim, shape[1])
	}
	return nil
}

// loadParam copies a named tensor from stateDict into p after validating shape and dtype.
func loadParam[B tensor.Backend](p *nn.Parameter[B], stateDict map[string]*tensor.RawTensor) error {
	raw, ok := stateDict[p.Name()]
	if !ok {
		return errors.Errorf("missing %s in state dict", p.Name())
	}
	want := p.Tensor().Shape()
	if !raw.Shape().Equal(want) {
		return errors.Errorf("%s shape mismatch: expected %v, got %v", p.Name(), want, raw.Shape())
	}
	if raw.DType() != tensor.Float32 {
		return errors.Errorf("%s dtype mismatch: expected float32, got %v", p.Name(), raw.DType())
	}
	copy(p.Tensor().Data(), raw.AsFloat32())
	return nil
}

func stateDictOf[B tensor.Backend](params ...*nn.Parameter[B]) map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor, len(params))
	for _, p := range params {
		stateDict[p.Name()] = p.Tensor().Raw()
	}
	return stateDict
}
