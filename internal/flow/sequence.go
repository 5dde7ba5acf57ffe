package flow

import (
	"fmt"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/ops"
)

// Sequence is an ordered composition of flows.
//
// The list of flows is fixed at construction. Parameters stay mutable and are
// updated by the optimizer between forward passes.
type Sequence[B tensor.Backend] struct {
	dim   int
	flows []Flow[B]
}

// NewSequence builds count*len(blocks) flows. Repetitions form the outer loop
// and blocks the inner one, so [planar, radial]×2 yields
// planar, radial, planar, radial.
func NewSequence[B tensor.Backend](dim int, blocks []Kind, count int, backend B, opts Options) (*Sequence[B], error) {
	if dim <= 0 {
		return nil, errors.Wrapf(ErrInvalidDim, "sequence: got %d", dim)
	}
	if len(blocks) == 0 {
		return nil, errors.Wrap(ErrNoBlocks, "empty block list")
	}
	if count <= 0 {
		return nil, errors.Wrapf(ErrNoBlocks, "repetition count %d", count)
	}

	flows := make([]Flow[B], 0, count*len(blocks))
	for rep := 0; rep < count; rep++ {
		for _, kind := range blocks {
			f, err := New(kind, dim, backend, opts)
			if err != nil {
				return nil, errors.Wrapf(err, "sequence block %d", len(flows))
			}
			flows = append(flows, f)
		}
	}
	return &Sequence[B]{dim: dim, flows: flows}, nil
}

// Len returns the number of flows.
func (s *Sequence[B]) Len() int { return len(s.flows) }

// Dim returns the vector dimension shared by every flow.
func (s *Sequence[B]) Dim() int { return s.dim }

// Flows returns the flows in application order. The slice is a copy.
func (s *Sequence[B]) Flows() []Flow[B] {
	out := make([]Flow[B], len(s.flows))
	copy(out, s.flows)
	return out
}

// Kinds returns the kind of each flow in application order.
func (s *Sequence[B]) Kinds() []Kind {
	kinds := make([]Kind, len(s.flows))
	for i, f := range s.flows {
		kinds[i] = f.Kind()
	}
	return kinds
}

// Forward applies every flow in order. Before each flow it records the flow's
// log-determinant at the current input, so trace[i] belongs to flow i.
//
// The trace is allocated per call and never retained.
func (s *Sequence[B]) Forward(z *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], []*tensor.Tensor[float32, B], error) {
	if err := ValidateBatch(z, s.dim); err != nil {
		return nil, nil, errors.Wrap(err, "sequence forward")
	}

	trace := make([]*tensor.Tensor[float32, B], 0, len(s.flows))
	for _, f := range s.flows {
		trace = append(trace, f.LogAbsDetJacobian(z))
		z = f.Forward(z)
	}
	return z, trace, nil
}

// SumLogDet totals a log-determinant trace over flows and rows into a [1, 1] tensor.
// An empty trace sums to zero on backend.
func SumLogDet[B tensor.Backend](trace []*tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	if len(trace) == 0 {
		return ops.Scalar(0, backend)
	}
	total := ops.Total(trace[0])
	for _, t := range trace[1:] {
		total = total.Add(ops.Total(t))
	}
	return total
}

// Parameters returns the parameters of every flow in application order.
func (s *Sequence[B]) Parameters() []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], 0, 3*len(s.flows))
	for _, f := range s.flows {
		params = append(params, f.Parameters()...)
	}
	return params
}

// StateDict returns every flow's parameters keyed "<index>.<name>".
func (s *Sequence[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for i, f := range s.flows {
		for name, raw := range f.StateDict() {
			stateDict[fmt.Sprintf("%d.%s", i, name)] = raw
		}
	}
	return stateDict
}

// LoadStateDict loads parameters saved by StateDict.
func (s *Sequence[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, f := range s.flows {
		prefix := fmt.Sprintf("%d.", i)
		sub := make(map[string]*tensor.RawTensor)
		for key, raw := range stateDict {
			if name, ok := strings.CutPrefix(key, prefix); ok {
				sub[name] = raw
			}
		}
		if err := f.LoadStateDict(sub); err != nil {
			return errors.Wrapf(err, "flow %d (%s)", i, f.Kind())
		}
	}
	return nil
}
