// Package engines defines the interface between a graph-execution engine and the
// invocation bridge: the opaque Buffer handle the engine owns, the DeviceNum and
// StorageID vocabulary, and the DataInterface an engine implements so that tests
// and tooling can create and inspect buffers.
//
// The bridge itself only ever sees Buffer values and hands them to the foreign
// runtime's zero-copy interchange (see package autograd); it never allocates or
// frees engine memory.
package engines

// DeviceNum represents which device holds a buffer. It's up to the engine to
// interpret it, but it should be between 0 and the engine's number of devices.
type DeviceNum int

// StorageID is a comparable opaque token identifying one buffer allocation
// (its underlying storage, not the view). Two handles share a StorageID if and
// only if they share storage, so aliasing detection can compare tokens instead
// of raw addresses.
//
// The zero value is reserved: it is never a valid allocation.
type StorageID uint64

// InvalidStorageID is the reserved "no storage" token, used for absent buffers
// and for synthetic slots that never alias anything.
const InvalidStorageID StorageID = 0
