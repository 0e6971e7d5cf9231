// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autograd defines the interface a gradient-tracking runtime needs to
// implement for its custom differentiable functions to be driven by the
// invocation bridge (see package bridge).
//
// The runtime owns the tensor handles, the differentiation contexts and the
// ambient autodiff graph; the execution engine owns the raw buffers. The types
// here are the contract between the two: zero-copy interchange in both
// directions, gradient-flag control, and enough visibility into contexts and
// graph edges for the bridge to take over context lifetime.
package autograd

import (
	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/types/shapes"
)

// Callable is an opaque forward or backward function of a custom differentiable
// function, as registered with the runtime.
//
// Arguments are Tensor values for tensor slots and arbitrary opaque values
// otherwise; absent tensors are nil. The result is a single Tensor or an
// ordered []any of Tensor-or-nil. Failures are communicated by panic -- the
// bridge converts them into classified errors (see package fallback).
type Callable func(args ...any) any

// Tensor is a foreign tensor handle: a buffer reference understood by the
// gradient-tracking runtime, interchangeable zero-copy with the engine's own
// Buffer representation.
//
// Implementations must be comparable (pointer-backed in practice): the bridge
// matches saved tensors against inputs by identity, never by value.
type Tensor interface {
	// Shape of the tensor, including its DType.
	Shape() shapes.Shape

	// DeviceNum of the buffer backing the tensor.
	DeviceNum() engines.DeviceNum

	// Storage returns the storage identity of the tensor's allocation, shared
	// with any engine Buffer or Tensor aliasing the same memory.
	Storage() engines.StorageID

	// RequiresGrad reports whether the runtime is tracking gradients for this
	// tensor.
	RequiresGrad() bool

	// SetRequiresGrad switches gradient tracking for this tensor. It may fail,
	// e.g. for dtypes the runtime cannot differentiate.
	SetRequiresGrad(requires bool) error

	// GradContext returns the differentiation context that produced this tensor,
	// or nil if the tensor is not attached to the runtime's graph.
	GradContext() Context

	// DetachClone returns a copy of the tensor with fresh storage, detached from
	// the runtime's graph.
	DetachClone() Tensor

	// CopyFrom overwrites the tensor's data in place with src's data, preserving
	// this tensor's storage identity. Shapes must match.
	CopyFrom(src Tensor) error
}

// Context is the differentiation context produced by one custom-function
// forward call: it owns the tensors captured for backward and the edges into
// the runtime's graph. All outputs of one forward call share one Context.
//
// Implementations must be comparable: the bridge keys its retention table by
// Context identity.
type Context interface {
	// SavedTensors returns the tensors the forward call captured for backward,
	// in capture order. Entries may be nil (non-tensor captures) and are skipped
	// by the bridge.
	SavedTensors() []Tensor

	// MaterializesGrads reports whether absent output gradients should be
	// materialized as zero-filled tensors for the backward call.
	MaterializesGrads() bool
}

// Runtime is the gradient-tracking runtime driving custom differentiable
// functions, as seen from the bridge.
type Runtime interface {
	// Wrap converts an engine Buffer into a Tensor, zero-copy: the Tensor shares
	// the Buffer's storage, so Tensor.Storage() equals the buffer's storage
	// identity.
	Wrap(buffer engines.Buffer) (Tensor, error)

	// Unwrap converts a Tensor back into an engine Buffer, zero-copy.
	Unwrap(t Tensor) (engines.Buffer, error)

	// NewZeros creates a zero-filled tensor of the given shape on the given
	// device. Used to materialize absent output gradients.
	NewZeros(deviceNum engines.DeviceNum, shape shapes.Shape) (Tensor, error)

	// SetGradEnabled switches the runtime's ambient gradient-tracking mode and
	// returns a function restoring the previous mode. Calls are scoped:
	//
	//	restore := rt.SetGradEnabled(training)
	//	defer restore()
	SetGradEnabled(enabled bool) (restore func())

	// ClearGradEdges severs the upstream graph edges of the context owning the
	// given tensor, keeping only what the saved tensors still need, so upstream
	// producer nodes can be reclaimed. The bridge, not the runtime's graph
	// traversal, will drive the backward call.
	ClearGradEdges(owner Tensor, saved []Tensor) error
}
