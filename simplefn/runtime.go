// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplefn

import (
	"github.com/gomlx/autofunc/autograd"
	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/types"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/pkg/errors"
)

// Runtime is the simplefn gradient-tracking runtime, implementing
// autograd.Runtime over a shared Engine.
//
// The gradient-enabled mode is plain state, not synchronized: create one
// Runtime per execution goroutine. Runtimes can share one Engine.
type Runtime struct {
	engine      *Engine
	gradEnabled bool
}

// Compile-time check:
var _ autograd.Runtime = (*Runtime)(nil)

// NewRuntime creates a Runtime on the given engine, with gradient tracking
// enabled.
func NewRuntime(engine *Engine) *Runtime {
	return &Runtime{engine: engine, gradEnabled: true}
}

// Engine returns the engine whose buffers this runtime wraps.
func (r *Runtime) Engine() *Engine { return r.engine }

// Wrap converts an engine Buffer into a Tensor sharing the same storage.
func (r *Runtime) Wrap(engineBuffer engines.Buffer) (autograd.Tensor, error) {
	buffer, ok := engineBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer is not a %q engine buffer, cannot wrap a %T", EngineName, engineBuffer)
	}
	if buffer.st == nil || !buffer.valid {
		return nil, errors.Errorf("Wrap(%p): buffer was already finalized!?", buffer)
	}
	return &Tensor{
		rt:        r,
		st:        buffer.st,
		shape:     buffer.shape.Clone(),
		deviceNum: buffer.deviceNum,
	}, nil
}

// Unwrap converts a Tensor back into an engine Buffer sharing the same
// storage.
func (r *Runtime) Unwrap(t autograd.Tensor) (engines.Buffer, error) {
	tensor, ok := t.(*Tensor)
	if !ok {
		return nil, errors.Errorf("tensor is not a %q runtime tensor, cannot unwrap a %T", EngineName, t)
	}
	return &Buffer{
		shape:     tensor.shape.Clone(),
		deviceNum: tensor.deviceNum,
		valid:     true,
		st:        tensor.st,
	}, nil
}

// NewZeros creates a zero-filled tensor of the given shape on the given
// device.
func (r *Runtime) NewZeros(deviceNum engines.DeviceNum, shape shapes.Shape) (autograd.Tensor, error) {
	if deviceNum < 0 {
		return nil, errors.Errorf("runtime (%s) cannot create a tensor on deviceNum %d (shape=%s)",
			EngineName, deviceNum, shape)
	}
	return &Tensor{
		rt:        r,
		st:        r.engine.newStorage(shape.DType, shape.Size()),
		shape:     shape.Clone(),
		deviceNum: deviceNum,
	}, nil
}

// SetGradEnabled switches the runtime's ambient gradient-tracking mode and
// returns a function restoring the previous mode.
func (r *Runtime) SetGradEnabled(enabled bool) (restore func()) {
	previous := r.gradEnabled
	r.gradEnabled = enabled
	return func() { r.gradEnabled = previous }
}

// GradEnabled reports the ambient gradient-tracking mode.
func (r *Runtime) GradEnabled() bool { return r.gradEnabled }

// ClearGradEdges drops the upstream edges of the context owning the given
// tensor, except the edges to tensors the context saved for backward. An
// upstream leaf with no remaining edge can then be reclaimed.
func (r *Runtime) ClearGradEdges(owner autograd.Tensor, saved []autograd.Tensor) error {
	tensor, ok := owner.(*Tensor)
	if !ok {
		return errors.Errorf("tensor is not a %q runtime tensor, cannot clear the edges of a %T", EngineName, owner)
	}
	node := tensor.node
	if node == nil {
		return errors.Errorf("ClearGradEdges(%s): tensor has no differentiation context", tensor)
	}
	savedLeafs := types.MakeSet[*Tensor](len(saved))
	for _, savedTensor := range saved {
		if savedLeaf, ok := savedTensor.(*Tensor); ok {
			savedLeafs.Insert(savedLeaf)
		}
	}
	kept := node.upstream[:0]
	for _, edge := range node.upstream {
		if savedLeafs.Has(edge.leaf) {
			kept = append(kept, edge)
		}
	}
	clear(node.upstream[len(kept):]) // release the dropped leaf references
	node.upstream = kept
	return nil
}
