// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplefn is a pure-Go reference implementation of both sides of the
// invocation bridge: an execution engine backed by plain Go slices, and a
// gradient-tracking runtime whose custom differentiable functions are ordinary
// Go closures. The bridge tests and the benchmark tool run against it.
//
// It favors simplicity over speed: buffers are never pooled and storage
// identities are never reused.
package simplefn

import (
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// EngineName of the simplefn reference engine.
const EngineName = "simplefn"

// nextStorageID generates process-unique storage identities, so a finalized
// buffer's identity can never be confused with a live one.
var nextStorageID atomic.Uint64

// storage is one flat allocation. Every view of the same allocation shares the
// same *storage, and therefore the same identity.
type storage struct {
	id engines.StorageID

	// flat is always a slice of the underlying data type.
	flat any
}

// Buffer for the simplefn engine holds a shape, a device number and a
// reference to the flat data storage.
//
// The storage may be shared: wrapping a Buffer as a runtime tensor and
// unwrapping the tensor back both produce views of one allocation.
type Buffer struct {
	shape     shapes.Shape
	deviceNum engines.DeviceNum
	valid     bool
	st        *storage
}

// Engine is an in-process execution engine with plain Go slices as buffer
// storage and any number of virtual devices sharing host memory. It exists to
// drive the bridge and a runtime without an accelerator attached.
type Engine struct {
	numAllocations atomic.Int64
	numBytes       atomic.Int64
}

// Compile-time check:
var _ engines.DataInterface = (*Engine)(nil)

// New creates a simplefn Engine.
func New() *Engine {
	return &Engine{}
}

// newStorage allocates flat storage with a fresh identity and counts it.
func (e *Engine) newStorage(dtype dtypes.DType, size int) *storage {
	e.numAllocations.Add(1)
	e.numBytes.Add(int64(dtype.Memory()) * int64(size))
	return &storage{
		id:   engines.StorageID(nextStorageID.Add(1)),
		flat: reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), size, size).Interface(),
	}
}

// NewBuffer creates a buffer with newly allocated flat storage on the given
// device.
func (e *Engine) NewBuffer(deviceNum engines.DeviceNum, shape shapes.Shape) *Buffer {
	if deviceNum < 0 {
		exceptions.Panicf("NewBuffer: invalid deviceNum %d (shape=%s)", deviceNum, shape)
	}
	return &Buffer{
		shape:     shape.Clone(),
		deviceNum: deviceNum,
		valid:     true,
		st:        e.newStorage(shape.DType, shape.Size()),
	}
}

// AllocationStats returns the number of storage allocations performed and the
// total bytes they took since the engine was created. Shared views do not
// count, fresh clones do.
func (e *Engine) AllocationStats() (allocations, bytes int64) {
	return e.numAllocations.Load(), e.numBytes.Load()
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// BufferFinalize allows the client to inform the engine that the buffer is no
// longer needed and the associated storage can be released immediately.
//
// A finalized buffer should never be used again. Preferably, the caller should
// set its references to it to nil.
func (e *Engine) BufferFinalize(engineBuffer engines.Buffer) error {
	buffer, _ := engineBuffer.(*Buffer)
	if buffer == nil || buffer.st == nil || !buffer.shape.Ok() || !buffer.valid {
		var issues []string
		if buffer != nil {
			if buffer.st == nil {
				issues = append(issues, "buffer storage was nil")
			}
			if !buffer.shape.Ok() {
				issues = append(issues, "buffer.shape was invalid")
			}
			if !buffer.valid {
				issues = append(issues, "buffer was marked as invalid")
			}
		} else {
			issues = append(issues, "buffer was nil")
		}
		return errors.Errorf("BufferFinalize(%p): %s -- buffer was already finalized!?", buffer, strings.Join(issues, ", "))
	}
	buffer.valid = false
	buffer.st = nil
	return nil
}

// BufferShape returns the shape for the buffer.
func (e *Engine) BufferShape(engineBuffer engines.Buffer) (shapes.Shape, error) {
	buffer, ok := engineBuffer.(*Buffer)
	if !ok {
		return shapes.Invalid(), errors.Errorf("buffer is not a %q engine buffer", EngineName)
	}
	return buffer.shape, nil
}

// BufferDeviceNum returns the deviceNum for the buffer.
func (e *Engine) BufferDeviceNum(engineBuffer engines.Buffer) (engines.DeviceNum, error) {
	buffer, ok := engineBuffer.(*Buffer)
	if !ok {
		return 0, errors.Errorf("buffer is not a %q engine buffer", EngineName)
	}
	return buffer.deviceNum, nil
}

// BufferStorage returns the storage identity of the buffer's allocation.
func (e *Engine) BufferStorage(engineBuffer engines.Buffer) (engines.StorageID, error) {
	buffer, ok := engineBuffer.(*Buffer)
	if !ok {
		return engines.InvalidStorageID, errors.Errorf("buffer is not a %q engine buffer", EngineName)
	}
	if buffer.st == nil || !buffer.valid {
		return engines.InvalidStorageID, errors.Errorf("BufferStorage(%p): buffer was already finalized!?", buffer)
	}
	return buffer.st.id, nil
}

// BufferToFlatData transfers the flat values of the buffer to the Go flat
// slice. The slice flat must have the exact number of elements required to
// store the buffer shape.
//
// See also BufferFromFlatData, BufferShape, and shapes.Shape.Size.
func (e *Engine) BufferToFlatData(engineBuffer engines.Buffer, flat any) error {
	buffer, ok := engineBuffer.(*Buffer)
	if !ok {
		return errors.Errorf("buffer is not a %q engine buffer", EngineName)
	}
	if buffer.st == nil || !buffer.valid {
		return errors.Errorf("BufferToFlatData(%p): buffer was already finalized!?", buffer)
	}
	copyFlat(flat, buffer.st.flat)
	return nil
}

// BufferFromFlatData transfers data from Go given as a flat slice (of the type
// corresponding to the shape DType) to the deviceNum, and returns the
// corresponding buffer.
func (e *Engine) BufferFromFlatData(deviceNum engines.DeviceNum, flat any, shape shapes.Shape) (engines.Buffer, error) {
	if deviceNum < 0 {
		return nil, errors.Errorf("engine (%s) cannot create a buffer on deviceNum %d (shape=%s)",
			EngineName, deviceNum, shape)
	}
	if dtypes.FromGoType(reflect.TypeOf(flat).Elem()) != shape.DType {
		return nil, errors.Errorf("flat data type (%s) does not match shape DType (%s)",
			reflect.TypeOf(flat).Elem(), shape.DType)
	}
	buffer := e.NewBuffer(deviceNum, shape)
	copyFlat(buffer.st.flat, flat)
	return buffer, nil
}

// BufferData returns a slice pointing to the buffer storage memory directly.
//
// The returned slice becomes invalid after the buffer is finalized.
func (e *Engine) BufferData(engineBuffer engines.Buffer) (flat any, err error) {
	buffer, ok := engineBuffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer is not a %q engine buffer", EngineName)
	}
	if buffer.st == nil || !buffer.valid {
		return nil, errors.Errorf("BufferData(%p): buffer was already finalized!?", buffer)
	}
	return buffer.st.flat, nil
}
