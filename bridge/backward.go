// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"slices"

	"github.com/gomlx/autofunc/autograd"
	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/fallback"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CallBackward bridges one invocation of an opaque backward function.
//
// call.Args[0] must be the differentiation context returned by the paired
// CallForward; the remaining arguments are the output gradients, any of which
// may be nil. Absent gradients are synthesized as zero tensors when the
// forward recorded a materialization policy, and passed through as nil
// otherwise. The function runs with gradient tracking disabled; backward
// inputs never require gradients themselves.
//
// In call.InplaceMap the input indices count the context as input 0, so the
// first gradient argument is input 1.
//
// On success the context's retention is released: a context is used by exactly
// one backward call.
func (b *Bridge) CallBackward(call *Call) ([]engines.Buffer, error) {
	if err := call.validate(); err != nil {
		return nil, err
	}
	for argIdx, gradFlag := range call.RequiresGrad {
		if gradFlag {
			return nil, errors.Wrapf(fallback.ErrContract,
				"%s->Backward: argument %d is flagged as requiring gradients; backward inputs never do", call.Name, argIdx)
		}
	}
	if len(call.Args) == 0 {
		return nil, errors.Wrapf(fallback.ErrContract,
			"%s->Backward: missing the differentiation context argument", call.Name)
	}
	if call.IsTensor[0] {
		return nil, errors.Wrapf(fallback.ErrContract,
			"%s->Backward: argument 0 must be the differentiation context, not a tensor", call.Name)
	}
	ctx, ok := call.Args[0].(autograd.Context)
	if !ok {
		return nil, errors.Wrapf(fallback.ErrContract,
			"%s->Backward: argument 0 is a %T, expected the differentiation context returned by forward", call.Name, call.Args[0])
	}
	entry, found := b.lookupRetained(ctx)
	if !found {
		return nil, errors.Wrapf(fallback.ErrContract,
			"%s->Backward: unknown differentiation context; its forward was not bridged or its backward already ran", call.Name)
	}
	fwdInfo := b.infos.get(entry.forwardID)
	if fwdInfo == nil {
		return nil, errors.Wrapf(fallback.ErrContract,
			"%s->Backward: no recorded metadata for forward kernel %q", call.Name, entry.forwardID)
	}
	info := b.infos.getOrCreate(call.KernelID)
	if klog.V(2).Enabled() {
		klog.Infof("%s->Backward: kernel %q paired with forward kernel %q, %d args",
			call.Name, call.KernelID, entry.forwardID, len(call.Args))
	}

	wrappedArgs := make([]any, 0, len(call.Args))
	wrappedArgs = append(wrappedArgs, ctx)
	// The context occupies input slot 0 of the aliasing declaration.
	tensorIdx := 1
	rawInplace := make(map[int]autograd.Tensor)
	var inputTensors []autograd.Tensor
	for argIdx := 1; argIdx < len(call.Args); argIdx++ {
		arg := call.Args[argIdx]
		if !call.IsTensor[argIdx] {
			wrappedArgs = append(wrappedArgs, arg)
			continue
		}
		var wrapped autograd.Tensor
		if arg == nil {
			if fwdInfo.materializes() {
				spec, configured := fwdInfo.gradConfig(argIdx - 1)
				if !configured {
					return nil, errors.Wrapf(fallback.ErrContract,
						"%s->Backward: no gradient placement recorded for output %d of forward kernel %q",
						call.Name, argIdx-1, entry.forwardID)
				}
				var err error
				wrapped, err = b.rt.NewZeros(spec.deviceNum, spec.shape)
				if err != nil {
					return nil, ioError(err, "%s->Backward: materializing the zero gradient of output %d", call.Name, argIdx-1)
				}
			}
		} else {
			var err error
			wrapped, err = b.rt.Wrap(arg)
			if err != nil {
				return nil, ioError(err, "%s->Backward: wrapping gradient argument %d", call.Name, argIdx)
			}
		}
		if wrapped != nil {
			if err := wrapped.SetRequiresGrad(false); err != nil {
				return nil, ioError(err, "%s->Backward: clearing gradient tracking on argument %d", call.Name, argIdx)
			}
		}
		if slices.Contains(call.InplaceMap, tensorIdx) {
			rawInplace[tensorIdx] = wrapped
		}
		wrappedArgs = append(wrappedArgs, wrapped)
		inputTensors = append(inputTensors, wrapped)
		tensorIdx++
	}

	result, err := b.invoke(call.Func, call.Name, wrappedArgs, false)
	if err != nil {
		return nil, err
	}
	outs, err := normalizeOutputs(call.Name, result)
	if err != nil {
		return nil, err
	}
	if err := b.processInplaceOutputs(info, call.Name, outs, call.InplaceMap, inputTensors, rawInplace, true); err != nil {
		return nil, err
	}

	buffers := make([]engines.Buffer, len(outs))
	for ii, out := range outs {
		if out == nil {
			continue
		}
		tensor, ok := out.(autograd.Tensor)
		if !ok {
			flushDiagnostics()
			return nil, errors.Wrapf(fallback.ErrIO,
				"%s->Backward: output %d is a %T, expected a tensor or absent", call.Name, ii, out)
		}
		buffers[ii], err = b.rt.Unwrap(tensor)
		if err != nil {
			return nil, ioError(err, "%s->Backward: unwrapping gradient output %d", call.Name, ii)
		}
	}

	// The context is used by exactly one backward; on error it stays
	// registered.
	b.releaseContext(ctx)
	return buffers, nil
}
