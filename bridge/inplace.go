// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"slices"

	"github.com/gomlx/autofunc/autograd"
	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/fallback"
	"github.com/gomlx/autofunc/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// storageOf returns the storage identity of a tensor, or InvalidStorageID for
// an absent one. Absent tensors never match any aliasing candidate.
func storageOf(t autograd.Tensor) engines.StorageID {
	if t == nil {
		return engines.InvalidStorageID
	}
	return t.Storage()
}

func direction(isBackward bool) string {
	if isBackward {
		return "Backward"
	}
	return "Forward"
}

// processInplaceOutputs reconciles the outputs of one opaque call with the
// caller's aliasing declaration.
//
// On the first call per direction it detects which outputs came back sharing
// an input's buffer, validates the detection against the declaration (any
// disagreement other than undeclared reuse is fatal) and caches the output
// indices that need a forced clone. On every call it clones those outputs, and
// for forward calls it writes declared in-place outputs back into the raw
// input buffers whenever the run operated on clones.
//
// outputs is mutated in place: entries flagged for cloning are replaced by
// detached copies, and declared in-place entries are replaced by the raw input
// handles after write-back. inputs are the tensors actually fed to the call,
// in tensor-argument order; rawInplace maps declared-reused input slots to the
// handles wrapped before any cloning.
func (b *Bridge) processInplaceOutputs(info *kernelInfo, name string, outputs []any,
	inplaceMap []int, inputs []autograd.Tensor, rawInplace map[int]autograd.Tensor, isBackward bool) error {
	if len(inplaceMap) != len(outputs) {
		return errors.Wrapf(fallback.ErrContract,
			"%s->%s: aliasing declaration has %d entries for %d outputs",
			name, direction(isBackward), len(inplaceMap), len(outputs))
	}

	// Consumed input storage identities, indexed like the values of the
	// aliasing declaration. For backward, slot 0 stands for the context
	// argument and never matches.
	addrs := make([]engines.StorageID, 0, len(inputs)+1)
	if isBackward {
		addrs = append(addrs, engines.InvalidStorageID)
	}
	for _, tensor := range inputs {
		addrs = append(addrs, storageOf(tensor))
	}

	cloneIndices, learned := info.learnedClones()
	firstTime := !learned
	if firstTime {
		detected := xslices.SliceWithValue(len(outputs), -1)
		for outputIdx, output := range outputs {
			tensor, ok := output.(autograd.Tensor)
			if !ok {
				continue
			}
			storage := tensor.Storage()
			if storage == engines.InvalidStorageID {
				continue
			}
			if inputIdx := slices.Index(addrs, storage); inputIdx >= 0 {
				detected[outputIdx] = inputIdx
			}
		}

		forced := []int{}
		for outputIdx, declaredIdx := range inplaceMap {
			detectedIdx := detected[outputIdx]
			if declaredIdx == detectedIdx {
				continue
			}
			if declaredIdx != -1 && detectedIdx == -1 {
				return errors.Wrapf(fallback.ErrContract,
					"%s->%s: aliasing declaration says output %d reuses input %d in place, but the function returned a freshly allocated buffer; declared: %v, detected: %v",
					name, direction(isBackward), outputIdx, declaredIdx, inplaceMap, detected)
			}
			if declaredIdx != -1 && detectedIdx != -1 {
				return errors.Wrapf(fallback.ErrContract,
					"%s->%s: aliasing declaration says output %d reuses input %d in place, but the function reused input %d; declared: %v, detected: %v",
					name, direction(isBackward), outputIdx, declaredIdx, detectedIdx, inplaceMap, detected)
			}
			// Undeclared reuse. Recoverable: clone this output on every call so
			// the engine never sees a buffer its planner may reclaim.
			forced = append(forced, outputIdx)
			klog.Warningf("%s->%s: output %d reuses the buffer of input %d in place, but the aliasing declaration does not say so; "+
				"forcing a clone of that output on every call; update the declaration to avoid the extra copy; declared: %v, detected: %v",
				name, direction(isBackward), outputIdx, detectedIdx, inplaceMap, detected)
		}
		cloneIndices = info.setClones(forced)
	}

	for _, outputIdx := range cloneIndices {
		tensor, ok := outputs[outputIdx].(autograd.Tensor)
		if !ok {
			return errors.Wrapf(fallback.ErrContract,
				"%s->%s: output %d needed a forced clone on the first call but is not a tensor on this one",
				name, direction(isBackward), outputIdx)
		}
		outputs[outputIdx] = tensor.DetachClone()
	}

	// Write-back of declared in-place outputs. Only forward clones inputs
	// (for capture), so only forward can leave the caller's raw buffer stale;
	// once the captured indices are learned and empty, no clones happen and
	// there is nothing to write back.
	captures, _ := info.learnedCaptures()
	if isBackward || (!firstTime && len(captures) == 0) {
		return nil
	}
	for _, rawIdx := range xslices.SortedKeys(rawInplace) {
		rawTensor := rawInplace[rawIdx]
		if rawTensor == nil {
			continue
		}
		if rawTensor.Storage() == addrs[rawIdx] {
			// The run used the raw buffer directly, in-place writes already
			// landed where the caller expects them.
			continue
		}
		var reusingIdxs []int
		for outputIdx, declaredIdx := range inplaceMap {
			if declaredIdx == rawIdx {
				reusingIdxs = append(reusingIdxs, outputIdx)
			}
		}
		sharedStorage := engines.InvalidStorageID
		copied := false
		for _, outputIdx := range reusingIdxs {
			tensor, ok := outputs[outputIdx].(autograd.Tensor)
			if !ok {
				return errors.Wrapf(fallback.ErrContract,
					"%s->%s: output %d is declared to reuse input %d in place but is not a tensor",
					name, direction(isBackward), outputIdx, rawIdx)
			}
			if copied {
				if tensor.Storage() != sharedStorage {
					return errors.Wrapf(fallback.ErrContract,
						"%s->%s: outputs %v are declared to reuse input %d in place but do not share one buffer",
						name, direction(isBackward), reusingIdxs, rawIdx)
				}
			} else {
				sharedStorage = tensor.Storage()
				if err := rawTensor.CopyFrom(tensor); err != nil {
					return ioError(err, "%s->%s: writing output %d back to in-place reused input %d",
						name, direction(isBackward), outputIdx, rawIdx)
				}
				klog.Warningf("%s->%s: copied output %d back to the raw buffer of in-place reused input %d (captured input indices: %v)",
					name, direction(isBackward), outputIdx, rawIdx, captures)
				copied = true
			}
			outputs[outputIdx] = rawTensor
		}
	}
	return nil
}
