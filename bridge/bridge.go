// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package bridge lets a graph-execution engine invoke custom differentiable
// functions -- opaque forward/backward pairs registered with a gradient-tracking
// runtime (package autograd) -- as if they were native kernels.
//
// The bridge reconciles the two memory-ownership domains that meet at such a
// call: the engine's memory planner reuses and invalidates buffers on its own
// schedule, while the foreign runtime captures tensors for backward and expects
// exclusive knowledge of their liveness. Per kernel-invocation identity, the
// bridge learns on a first probe run which inputs the function captures and
// which outputs it silently reuses in place, caches those facts in an InfoStore
// and trusts them on every later call. Differentiation contexts produced by
// forward calls are detached from the runtime's ambient graph and kept alive in
// a bridge-owned retention table until the paired backward call releases them.
//
// Typical use, from the engine's kernel implementation:
//
//	b := bridge.New(rt)
//	ctx, outputs, err := b.CallForward(&bridge.Call{
//		Func:         forwardFn,
//		Name:         "MyRelu",
//		KernelID:     forwardID,
//		Training:     true,
//		RequiresGrad: []bool{true},
//		IsTensor:     []bool{true},
//		InplaceMap:   []int{-1, -1}, // context slot + one output, no reuse.
//		Args:         []any{inputBuffer},
//	})
//	...
//	grads, err := b.CallBackward(&bridge.Call{
//		Func:         backwardFn,
//		Name:         "MyRelu",
//		KernelID:     backwardID,
//		Training:     true,
//		RequiresGrad: []bool{false, false},
//		IsTensor:     []bool{false, true},
//		InplaceMap:   []int{-1},
//		Args:         []any{ctx, outputGradBuffer},
//	})
//
// Errors carry a classification from package fallback: failures of the opaque
// function are fallback-eligible, while contract violations and malformed
// results are not.
package bridge

import (
	"os"
	"slices"

	"github.com/gomlx/autofunc/autograd"
	"github.com/gomlx/autofunc/fallback"
	"github.com/gomlx/autofunc/types/keepalive"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Bridge drives the custom differentiable functions of one gradient-tracking
// runtime. It is stateful: it owns (or shares, see NewWithInfoStore) the
// per-kernel learned metadata and the retention table of live differentiation
// contexts.
//
// A Bridge must be used from one execution goroutine at a time per call, but
// distinct calls with distinct kernel identities may run concurrently as long
// as the underlying runtime supports it.
type Bridge struct {
	rt       autograd.Runtime
	infos    *InfoStore
	retained *keepalive.Table[autograd.Context, retainedContext]
}

// retainedContext is the retention-table entry for one live differentiation
// context: it records which forward identity produced it, so backward can find
// the paired metadata.
type retainedContext struct {
	forwardID string
}

// New creates a Bridge for the given runtime, with its own private InfoStore.
func New(rt autograd.Runtime) *Bridge {
	return NewWithInfoStore(rt, NewInfoStore())
}

// NewWithInfoStore creates a Bridge that records learned kernel metadata into
// the given externally-owned InfoStore. Several bridges (e.g. one per engine
// execution goroutine) may share one store, as long as each kernel identity is
// only ever driven through one of them at a time.
func NewWithInfoStore(rt autograd.Runtime, infos *InfoStore) *Bridge {
	return &Bridge{
		rt:       rt,
		infos:    infos,
		retained: keepalive.NewTable[autograd.Context, retainedContext](),
	}
}

// InfoStore returns the store of per-kernel learned metadata used by this
// Bridge.
func (b *Bridge) InfoStore() *InfoStore { return b.infos }

// Retained returns the number of differentiation contexts currently kept alive
// waiting for their backward call. It returns to zero once every training-mode
// forward has been paired with a backward.
func (b *Bridge) Retained() int { return b.retained.Len() }

// Call describes one invocation of a custom differentiable function, forward
// or backward. All fields are read-only for the bridge.
type Call struct {
	// Func is the opaque callable registered with the runtime.
	Func autograd.Callable

	// Name of the custom function, for logs and error messages.
	Name string

	// KernelID is the kernel-invocation identity: an opaque string stable across
	// calls of the same kernel instance and distinct across instances. Forward
	// and backward use distinct identities; the bridge pairs them through the
	// differentiation context.
	KernelID string

	// Training selects training mode: gradient tracking, input capture and
	// context retention. Inference-mode calls produce no context.
	Training bool

	// RequiresGrad flags, aligned with Args, mark which arguments the runtime
	// should track gradients for. Only honored under Training; must be all false
	// for backward calls.
	RequiresGrad []bool

	// IsTensor flags, aligned with Args, mark which arguments are engine buffers
	// (engines.Buffer); the rest are passed through as opaque values.
	IsTensor []bool

	// InplaceMap is the aliasing declaration: one entry per output, giving the
	// input index whose buffer that output reuses in place, or -1 for none.
	// For forward calls the outputs are [context, outputs...] and entry 0 is
	// always -1; for backward calls the entries cover the outputs directly, but
	// input indices count the context as input 0 (the first gradient is 1).
	InplaceMap []int

	// Args are the raw arguments: engines.Buffer values (or nil for absent) where
	// IsTensor is set, opaque values elsewhere. For backward calls Args[0] is the
	// differentiation context returned by the paired forward.
	Args []any
}

// validate checks the structural preconditions common to forward and backward.
func (c *Call) validate() error {
	if c.Func == nil {
		return errors.Wrapf(fallback.ErrContract, "%s: no callable given", c.Name)
	}
	if c.KernelID == "" {
		return errors.Wrapf(fallback.ErrContract, "%s: empty kernel-invocation identity", c.Name)
	}
	if len(c.RequiresGrad) != len(c.Args) || len(c.IsTensor) != len(c.Args) {
		return errors.Wrapf(fallback.ErrContract,
			"%s: argument flags misaligned: %d args, %d requires-grad flags, %d tensor flags",
			c.Name, len(c.Args), len(c.RequiresGrad), len(c.IsTensor))
	}
	return nil
}

// invoke runs the opaque callable inside the runtime's gradient-tracking scope,
// converting panics into classified execution errors.
func (b *Bridge) invoke(fn autograd.Callable, name string, args []any, gradEnabled bool) (result any, err error) {
	restore := b.rt.SetGradEnabled(gradEnabled)
	defer restore()
	exception := exceptions.Try(func() { result = fn(args...) })
	if exception == nil {
		return result, nil
	}
	flushDiagnostics()
	if excErr, ok := exception.(error); ok {
		return nil, fallback.Classify(fallback.ErrExecution,
			errors.WithMessagef(excErr, "custom function %q failed", name))
	}
	return nil, errors.Wrapf(fallback.ErrExecution, "custom function %q failed: %v", name, exception)
}

// normalizeOutputs turns the opaque function's result into an ordered output
// slice: a single tensor (or a single absent one) becomes a one-element
// sequence; sequences are copied so the bridge can replace entries; anything
// else is an I/O-shape error.
func normalizeOutputs(name string, result any) ([]any, error) {
	switch v := result.(type) {
	case nil:
		return []any{nil}, nil
	case autograd.Tensor:
		return []any{v}, nil
	case []any:
		return slices.Clone(v), nil
	case []autograd.Tensor:
		outs := make([]any, len(v))
		for ii, tensor := range v {
			if tensor != nil {
				outs[ii] = tensor
			}
		}
		return outs, nil
	}
	flushDiagnostics()
	return nil, errors.Wrapf(fallback.ErrIO,
		"%s: unsupported result type %T returned by the custom function, expected a tensor or a sequence of tensors", name, result)
}

// ioError flushes diagnostics and classifies cause as an I/O failure at the
// bridge boundary.
func ioError(cause error, format string, args ...any) error {
	flushDiagnostics()
	return fallback.Classify(fallback.ErrIO, errors.WithMessagef(cause, format, args...))
}

// flushDiagnostics forces buffered diagnostics out before an error crosses the
// boundary between the two runtimes, where the opaque function's own output
// could otherwise be lost.
func flushDiagnostics() {
	klog.Flush()
	_ = os.Stdout.Sync()
	_ = os.Stderr.Sync()
}
