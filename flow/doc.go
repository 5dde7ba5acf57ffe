// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package flow provides invertible transforms for refining a VAE posterior.
//
// # Overview
//
// This package contains:
//   - Planar: f(z) = z + u*tanh(w.z + b)
//   - Radial: f(z) = z + beta*h(alpha, r)*(z - z0)
//   - Sequence: an ordered composition that records one log-determinant
//     per flow
//
// Flows compute on an autodiff backend so their parameters train with the
// rest of the model.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/born/autodiff"
//	    "github.com/born-ml/born/backend/cpu"
//	    "github.com/born-ml/flowvae/flow"
//	)
//
//	func main() {
//	    backend := autodiff.New(cpu.New())
//
//	    seq, err := flow.NewSequence(2, []flow.Kind{flow.KindPlanar, flow.KindRadial}, 4, backend, flow.Options{})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    zk, trace, err := seq.Forward(z0) // z0: [batch, 2]
//	    logDet := flow.SumLogDet(trace, backend)
//	}
package flow
