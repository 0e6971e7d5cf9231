// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplefn

import (
	"fmt"

	"github.com/gomlx/autofunc/autograd"
	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/pkg/errors"
)

// Tensor is the simplefn runtime's tensor handle: a view of an engine storage
// plus the runtime's gradient-tracking state.
type Tensor struct {
	rt        *Runtime
	st        *storage
	shape     shapes.Shape
	deviceNum engines.DeviceNum

	requiresGrad bool
	node         *Node
}

// Compile-time check:
var _ autograd.Tensor = (*Tensor)(nil)

// Shape of the tensor, including its DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DeviceNum of the storage backing the tensor.
func (t *Tensor) DeviceNum() engines.DeviceNum { return t.deviceNum }

// Storage returns the identity of the tensor's allocation, shared with every
// view of the same storage.
func (t *Tensor) Storage() engines.StorageID {
	if t.st == nil {
		return engines.InvalidStorageID
	}
	return t.st.id
}

// RequiresGrad reports whether the runtime is tracking gradients for this
// tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad switches gradient tracking for this tensor.
func (t *Tensor) SetRequiresGrad(requires bool) error {
	if requires && !t.shape.DType.IsFloat() && !t.shape.DType.IsComplex() {
		return errors.Errorf("only float and complex tensors can require gradients, not %s", t.shape.DType)
	}
	t.requiresGrad = requires
	return nil
}

// GradContext returns the differentiation context that produced this tensor,
// or nil for a leaf.
func (t *Tensor) GradContext() autograd.Context {
	if t.node == nil {
		// Explicit nil interface: a typed nil *Node would not compare equal
		// to nil.
		return nil
	}
	return t.node
}

// DetachClone returns a copy of the tensor with fresh storage and no gradient
// link.
func (t *Tensor) DetachClone() autograd.Tensor {
	clone := &Tensor{
		rt:        t.rt,
		st:        t.rt.engine.newStorage(t.shape.DType, t.shape.Size()),
		shape:     t.shape.Clone(),
		deviceNum: t.deviceNum,
	}
	copyFlat(clone.st.flat, t.st.flat)
	return clone
}

// CopyFrom overwrites the tensor's data in place with src's data. The storage
// identity is preserved; shapes must match.
func (t *Tensor) CopyFrom(src autograd.Tensor) error {
	other, ok := src.(*Tensor)
	if !ok {
		return errors.Errorf("tensor is not a %q runtime tensor, cannot copy from a %T", EngineName, src)
	}
	if !t.shape.Equal(other.shape) {
		return errors.Errorf("cannot copy a tensor shaped %s into a tensor shaped %s", other.shape, t.shape)
	}
	copyFlat(t.st.flat, other.st.flat)
	return nil
}

// FlatData returns the tensor's storage as a flat slice of the underlying Go
// type. Mutations are visible to every view of the same storage.
func (t *Tensor) FlatData() any { return t.st.flat }

// String returns a compact description of the tensor, not its values.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor<%s>@dev%d", t.shape, t.deviceNum)
}
