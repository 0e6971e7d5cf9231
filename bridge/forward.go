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

// CallForward bridges one invocation of an opaque forward function.
//
// Buffer arguments are wrapped as runtime tensors, cloned where the function
// may capture them for backward, and the function runs with gradient tracking
// enabled iff call.Training. On the first training run for call.KernelID the
// bridge learns which inputs the function captured and the gradient
// materialization policy, and records them in the InfoStore.
//
// It returns the differentiation context to pass to the paired CallBackward
// (nil under inference mode or when the function is non-differentiable) and
// the outputs as engine-owned buffers, aliasing-reconciled per call.InplaceMap.
// Note call.InplaceMap covers the context slot: its first entry is always -1
// and entry i+1 describes output i.
func (b *Bridge) CallForward(call *Call) (ctx autograd.Context, outputs []engines.Buffer, err error) {
	if err = call.validate(); err != nil {
		return nil, nil, err
	}
	info := b.infos.getOrCreate(call.KernelID)
	captures, capturesLearned := info.learnedCaptures()
	if klog.V(2).Enabled() {
		klog.Infof("%s->Forward: kernel %q, %d args, training=%v, captured input indices: %v (learned=%v)",
			call.Name, call.KernelID, len(call.Args), call.Training, captures, capturesLearned)
	}

	tensorIdx := 0
	rawInplace := make(map[int]autograd.Tensor)
	var inputTensors []autograd.Tensor
	wrappedArgs := make([]any, 0, len(call.Args))
	for argIdx, arg := range call.Args {
		if !call.IsTensor[argIdx] {
			wrappedArgs = append(wrappedArgs, arg)
			continue
		}
		if arg == nil {
			return nil, nil, errors.Wrapf(fallback.ErrContract,
				"%s->Forward: tensor argument %d is absent; only backward gradients may be absent", call.Name, argIdx)
		}
		var wrapped autograd.Tensor
		wrapped, err = b.rt.Wrap(arg)
		if err != nil {
			return nil, nil, ioError(err, "%s->Forward: wrapping tensor argument %d", call.Name, argIdx)
		}
		if slices.Contains(call.InplaceMap, tensorIdx) {
			// Keep the pre-clone handle: the engine expects in-place writes to
			// land in this buffer even when the run operates on a clone.
			rawInplace[tensorIdx] = wrapped
		}
		if call.Training && (!capturesLearned || slices.Contains(captures, tensorIdx)) {
			// The function may save this tensor for backward, but the engine's
			// planner can reclaim the raw buffer once the kernel returns. Clone
			// every tensor on the learning run, only the captured ones after.
			wrapped = wrapped.DetachClone()
		}
		if err = wrapped.SetRequiresGrad(call.Training && call.RequiresGrad[argIdx]); err != nil {
			return nil, nil, ioError(err, "%s->Forward: setting gradient tracking on tensor argument %d", call.Name, argIdx)
		}
		wrappedArgs = append(wrappedArgs, wrapped)
		inputTensors = append(inputTensors, wrapped)
		tensorIdx++
	}

	result, err := b.invoke(call.Func, call.Name, wrappedArgs, call.Training)
	if err != nil {
		return nil, nil, err
	}
	outs, err := normalizeOutputs(call.Name, result)
	if err != nil {
		return nil, nil, err
	}

	if call.Training {
		ctx, err = b.finalizeTrainingForward(call, info, inputTensors, outs)
		if err != nil {
			return nil, nil, err
		}
	}

	finalOuts := make([]any, 0, len(outs)+1)
	finalOuts = append(finalOuts, ctx)
	finalOuts = append(finalOuts, outs...)
	if err = b.processInplaceOutputs(info, call.Name, finalOuts, call.InplaceMap, inputTensors, rawInplace, false); err != nil {
		return nil, nil, err
	}

	outputs = make([]engines.Buffer, len(finalOuts)-1)
	for ii, out := range finalOuts[1:] {
		if out == nil {
			continue
		}
		tensor, ok := out.(autograd.Tensor)
		if !ok {
			flushDiagnostics()
			return nil, nil, errors.Wrapf(fallback.ErrIO,
				"%s->Forward: output %d is a %T, expected a tensor or absent", call.Name, ii, out)
		}
		outputs[ii], err = b.rt.Unwrap(tensor)
		if err != nil {
			return nil, nil, ioError(err, "%s->Forward: unwrapping output %d", call.Name, ii)
		}
	}
	return ctx, outputs, nil
}

// findContext returns the differentiation context shared by the call's outputs
// and the output tensor owning it: the gradient link of the first output that
// has one. A nil context is valid and means the function is not differentiable
// for this call.
func findContext(outs []any) (autograd.Context, autograd.Tensor) {
	for _, out := range outs {
		tensor, ok := out.(autograd.Tensor)
		if !ok {
			continue
		}
		if ctx := tensor.GradContext(); ctx != nil {
			return ctx, tensor
		}
	}
	return nil, nil
}

// finalizeTrainingForward completes a training-mode forward: it locates the
// differentiation context among the outputs, learns the captured input indices
// and the gradient materialization placements on the first run for this
// kernel, then detaches the context from the runtime's graph and registers it
// for the paired backward.
func (b *Bridge) finalizeTrainingForward(call *Call, info *kernelInfo, inputTensors []autograd.Tensor, outs []any) (autograd.Context, error) {
	ctx, owner := findContext(outs)
	if ctx == nil {
		// Non-differentiable this call: nothing was captured and backward will
		// never run. Still mark the captures learned so later calls stop
		// cloning every input.
		info.setCaptures([]int{})
		return nil, nil
	}

	var saved []autograd.Tensor
	for _, tensor := range ctx.SavedTensors() {
		if tensor != nil {
			saved = append(saved, tensor)
		}
	}

	if _, learned := info.learnedCaptures(); !learned {
		captured := []int{}
		if len(saved) > 0 {
			for tensorIdx, tensor := range inputTensors {
				for _, savedTensor := range saved {
					if savedTensor == tensor {
						captured = append(captured, tensorIdx)
						break
					}
				}
			}
			klog.Warningf("%s: learned captured input indices %v for kernel %q, to avoid cloning every input on every call",
				call.Name, captured, call.KernelID)
		}
		info.setCaptures(captured)

		materializes := ctx.MaterializesGrads()
		config := make(map[int]gradSpec)
		if materializes {
			for outputIdx, out := range outs {
				tensor, ok := out.(autograd.Tensor)
				if !ok {
					continue
				}
				config[outputIdx] = gradSpec{
					deviceNum: tensor.DeviceNum(),
					shape:     tensor.Shape().Clone(),
				}
			}
		}
		info.setMaterialize(materializes, config)
	}

	if err := b.detachAndRegister(ctx, owner, saved, call.KernelID); err != nil {
		return nil, err
	}
	return ctx, nil
}
