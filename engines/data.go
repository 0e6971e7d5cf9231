package engines

import "github.com/gomlx/autofunc/types/shapes"

// Buffer represents actual data (a tensor) stored on the engine that is executing
// the graph. It's used as input/output of custom-function invocations.
// A Buffer is always associated to a DeviceNum, even if there is only one.
//
// It is opaque from the bridge's perspective: the bridge forwards it to the
// foreign runtime's interchange and otherwise never looks inside.
type Buffer any

// DataInterface is the engine's API to create, transfer and release Buffers.
// The bridge does not call it; tests, fixtures and tooling do.
type DataInterface interface {
	// BufferFinalize allows the client to inform the engine that the buffer is no
	// longer needed and associated resources can be freed immediately -- as opposed
	// to waiting for a GC.
	//
	// A finalized buffer should never be used again. Preferably, the caller should
	// set its references to it to nil.
	BufferFinalize(buffer Buffer) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferDeviceNum returns the deviceNum for the buffer.
	BufferDeviceNum(buffer Buffer) (DeviceNum, error)

	// BufferStorage returns the storage identity of the buffer's allocation.
	// Handles that share storage (zero-copy views, in-place reuse) share the
	// returned token.
	BufferStorage(buffer Buffer) (StorageID, error)

	// BufferToFlatData transfers the flat values of buffer to the Go flat array.
	// The slice flat must have the exact number of elements required to store the
	// Buffer shape.
	//
	// See also BufferFromFlatData, BufferShape, and shapes.Shape.Size.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFromFlatData transfers data from Go given as a flat slice (of the type
	// corresponding to the shape DType) to the deviceNum, and returns the
	// corresponding Buffer.
	BufferFromFlatData(deviceNum DeviceNum, flat any, shape shapes.Shape) (Buffer, error)

	// BufferData returns a slice pointing to the buffer storage memory directly.
	//
	// The returned slice becomes invalid after the buffer is finalized.
	BufferData(buffer Buffer) (flat any, err error)
}
