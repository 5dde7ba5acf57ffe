// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package flow

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/flowvae/internal/flow"
)

// Kind names a flow type.
type Kind = flow.Kind

// Supported flow kinds.
const (
	KindPlanar = flow.KindPlanar
	KindRadial = flow.KindRadial
)

// Errors returned by constructors and Forward.
var (
	ErrInvalidDim  = flow.ErrInvalidDim
	ErrNoBlocks    = flow.ErrNoBlocks
	ErrUnknownKind = flow.ErrUnknownKind
	ErrShape       = flow.ErrShape
)

// Flow is a single invertible transform of [batch, dim] latents.
type Flow[B tensor.Backend] = flow.Flow[B]

// Options controls parameter initialization.
type Options = flow.Options

// Planar is a planar flow.
type Planar[B tensor.Backend] = flow.Planar[B]

// Radial is a radial flow.
type Radial[B tensor.Backend] = flow.Radial[B]

// Sequence is an ordered composition of flows.
type Sequence[B tensor.Backend] = flow.Sequence[B]

// ParseKind parses a flow name such as "planar".
func ParseKind(s string) (Kind, error) {
	return flow.ParseKind(s)
}

// ParseKinds parses a list of flow names.
func ParseKinds(names []string) ([]Kind, error) {
	return flow.ParseKinds(names)
}

// New creates a flow of the given kind.
func New[B tensor.Backend](kind Kind, dim int, backend B, opts Options) (Flow[B], error) {
	return flow.New(kind, dim, backend, opts)
}

// NewPlanar creates a planar flow with parameters drawn from U(-0.01, 0.01).
func NewPlanar[B tensor.Backend](dim int, backend B, opts Options) (*Planar[B], error) {
	return flow.NewPlanar(dim, backend, opts)
}

// NewRadial creates a radial flow with parameters drawn from U(-0.01, 0.01).
func NewRadial[B tensor.Backend](dim int, backend B, opts Options) (*Radial[B], error) {
	return flow.NewRadial(dim, backend, opts)
}

// NewSequence repeats blocks count times.
//
// Example:
//
//	// planar, radial, planar, radial
//	seq, err := flow.NewSequence(2, []flow.Kind{flow.KindPlanar, flow.KindRadial}, 2, backend, flow.Options{})
func NewSequence[B tensor.Backend](dim int, blocks []Kind, count int, backend B, opts Options) (*Sequence[B], error) {
	return flow.NewSequence(dim, blocks, count, backend, opts)
}

// SumLogDet sums a log-determinant trace into a [1, 1] tensor.
func SumLogDet[B tensor.Backend](trace []*tensor.Tensor[float32, B], backend B) *tensor.Tensor[float32, B] {
	return flow.SumLogDet(trace, backend)
}
