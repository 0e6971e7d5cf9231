// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplefn

import (
	"fmt"
	"slices"

	"github.com/gomlx/autofunc/autograd"
	"github.com/gomlx/exceptions"
)

// accumulator is the upstream edge from a differentiation context to a leaf
// input that requires gradients. It holds the strong reference that keeps the
// leaf alive; simplefn never traverses the graph itself, backward is driven
// explicitly.
type accumulator struct {
	leaf *Tensor
}

// Node is the differentiation context of one custom-function forward call. It
// implements autograd.Context, and the function's Forward and Backward receive
// it as ctx.
type Node struct {
	fnName string

	saved            []autograd.Tensor
	materializeGrads bool
	upstream         []*accumulator
}

// Compile-time check:
var _ autograd.Context = (*Node)(nil)

// SaveForBackward records the tensors backward will need. A second call
// replaces the previously saved ones.
func (n *Node) SaveForBackward(tensors ...autograd.Tensor) {
	n.saved = slices.Clone(tensors)
}

// SavedTensors returns the tensors recorded by SaveForBackward, in order.
func (n *Node) SavedTensors() []autograd.Tensor {
	return slices.Clone(n.saved)
}

// SetMaterializeGrads controls whether absent output gradients are
// materialized as zero tensors for the backward call. It defaults to true.
func (n *Node) SetMaterializeGrads(materialize bool) {
	n.materializeGrads = materialize
}

// MaterializesGrads reports the materialization policy.
func (n *Node) MaterializesGrads() bool { return n.materializeGrads }

// UpstreamCount returns the number of live upstream edges.
func (n *Node) UpstreamCount() int { return len(n.upstream) }

// String identifies the function call that created the context.
func (n *Node) String() string { return fmt.Sprintf("%s.Context", n.fnName) }

// Function is a custom differentiable function: an opaque forward/backward
// pair. Forward receives the context to save state into plus the wrapped
// arguments; Backward receives the same context plus the output gradients
// (nil where absent) and returns the input gradients.
//
// Both return a single tensor or an ordered []any of tensor-or-nil, and panic
// to report failure.
type Function struct {
	Name     string
	Forward  func(ctx *Node, args ...any) any
	Backward func(ctx *Node, grads ...any) any
}

// Applier returns the runtime's entry point for the function's forward pass.
// When gradient mode is on and at least one tensor argument requires
// gradients, the output tensors are attached to a fresh differentiation
// context.
func (r *Runtime) Applier(f Function) autograd.Callable {
	return func(args ...any) any {
		node := &Node{fnName: f.Name, materializeGrads: true}
		tracking := r.gradEnabled && anyRequiresGrad(args)
		if tracking {
			for _, arg := range args {
				if tensor, ok := arg.(*Tensor); ok && tensor.requiresGrad {
					node.upstream = append(node.upstream, &accumulator{leaf: tensor})
				}
			}
		}
		result := f.Forward(node, args...)
		if tracking {
			attachContext(node, result)
		}
		return result
	}
}

// BackwardApplier returns the runtime's entry point for the function's
// backward pass. The first argument must be the differentiation context the
// forward call produced.
func (r *Runtime) BackwardApplier(f Function) autograd.Callable {
	return func(args ...any) any {
		if len(args) == 0 {
			exceptions.Panicf("%s.Backward: missing the differentiation context argument", f.Name)
		}
		node, ok := args[0].(*Node)
		if !ok {
			exceptions.Panicf("%s.Backward: first argument is a %T, expected the differentiation context", f.Name, args[0])
		}
		return f.Backward(node, args[1:]...)
	}
}

func anyRequiresGrad(args []any) bool {
	for _, arg := range args {
		if tensor, ok := arg.(*Tensor); ok && tensor.requiresGrad {
			return true
		}
	}
	return false
}

// attachContext links the forward outputs to their differentiation context.
// Only float and complex tensors are differentiable; anything else keeps a nil
// gradient link.
func attachContext(node *Node, result any) {
	switch v := result.(type) {
	case *Tensor:
		attachTensor(node, v)
	case []any:
		for _, out := range v {
			if tensor, ok := out.(*Tensor); ok {
				attachTensor(node, tensor)
			}
		}
	case []autograd.Tensor:
		for _, out := range v {
			if tensor, ok := out.(*Tensor); ok {
				attachTensor(node, tensor)
			}
		}
	}
}

func attachTensor(node *Node, t *Tensor) {
	if !t.shape.DType.IsFloat() && !t.shape.DType.IsComplex() {
		return
	}
	t.node = node
	t.requiresGrad = true
}
