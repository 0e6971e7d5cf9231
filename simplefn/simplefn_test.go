package simplefn

import (
	"testing"

	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestBufferLifecycle(t *testing.T) {
	e := New()
	buffer, err := e.BufferFromFlatData(0, []float32{1, 2, 3, 4, 5, 6}, shapes.Make(dtypes.Float32, 2, 3))
	require.NoError(t, err)

	shape, err := e.BufferShape(buffer)
	require.NoError(t, err)
	require.True(t, shape.Equal(shapes.Make(dtypes.Float32, 2, 3)))

	deviceNum, err := e.BufferDeviceNum(buffer)
	require.NoError(t, err)
	require.Equal(t, engines.DeviceNum(0), deviceNum)

	storageID, err := e.BufferStorage(buffer)
	require.NoError(t, err)
	require.NotEqual(t, engines.InvalidStorageID, storageID)

	flat := make([]float32, 6)
	require.NoError(t, e.BufferToFlatData(buffer, flat))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)

	data, err := e.BufferData(buffer)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, data)

	allocations, bytes := e.AllocationStats()
	require.Equal(t, int64(1), allocations)
	require.Equal(t, int64(6*4), bytes)

	require.NoError(t, e.BufferFinalize(buffer))
	require.ErrorContains(t, e.BufferFinalize(buffer), "already finalized")
	_, err = e.BufferStorage(buffer)
	require.ErrorContains(t, err, "already finalized")

	_, err = e.BufferShape("not a buffer")
	require.ErrorContains(t, err, `not a "simplefn" engine buffer`)
}

func TestBufferFromFlatDataValidation(t *testing.T) {
	e := New()
	_, err := e.BufferFromFlatData(-1, []float32{1}, shapes.Make(dtypes.Float32, 1))
	require.ErrorContains(t, err, "deviceNum")

	_, err = e.BufferFromFlatData(0, []int32{1}, shapes.Make(dtypes.Float32, 1))
	require.ErrorContains(t, err, "does not match shape DType")

	buffer, err := e.BufferFromFlatData(3, []float64{1, 2}, shapes.Make(dtypes.Float64, 2))
	require.NoError(t, err)
	deviceNum, err := e.BufferDeviceNum(buffer)
	require.NoError(t, err)
	require.Equal(t, engines.DeviceNum(3), deviceNum)
}

func TestWrapUnwrapSharesStorage(t *testing.T) {
	e := New()
	rt := NewRuntime(e)
	buffer, err := e.BufferFromFlatData(0, []float32{1, 2, 3}, shapes.Make(dtypes.Float32, 3))
	require.NoError(t, err)
	bufferStorage, err := e.BufferStorage(buffer)
	require.NoError(t, err)

	wrapped, err := rt.Wrap(buffer)
	require.NoError(t, err)
	require.Equal(t, bufferStorage, wrapped.Storage())

	// Mutations through the tensor are visible through the buffer.
	wrapped.(*Tensor).FlatData().([]float32)[1] = 20
	flat := make([]float32, 3)
	require.NoError(t, e.BufferToFlatData(buffer, flat))
	require.Equal(t, []float32{1, 20, 3}, flat)

	unwrapped, err := rt.Unwrap(wrapped)
	require.NoError(t, err)
	unwrappedStorage, err := e.BufferStorage(unwrapped)
	require.NoError(t, err)
	require.Equal(t, bufferStorage, unwrappedStorage)

	_, err = rt.Wrap("not a buffer")
	require.ErrorContains(t, err, "cannot wrap")
	require.NoError(t, e.BufferFinalize(buffer))
	_, err = rt.Wrap(buffer)
	require.ErrorContains(t, err, "already finalized")
}

func TestNewZeros(t *testing.T) {
	e := New()
	rt := NewRuntime(e)
	tensor, err := rt.NewZeros(2, shapes.Make(dtypes.Float64, 2, 2))
	require.NoError(t, err)
	require.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float64, 2, 2)))
	require.Equal(t, engines.DeviceNum(2), tensor.DeviceNum())
	require.Equal(t, []float64{0, 0, 0, 0}, tensor.(*Tensor).FlatData())
	require.False(t, tensor.RequiresGrad())

	_, err = rt.NewZeros(-1, shapes.Make(dtypes.Float32, 1))
	require.ErrorContains(t, err, "deviceNum")
}

func TestDetachCloneAndCopyFrom(t *testing.T) {
	e := New()
	rt := NewRuntime(e)
	buffer, err := e.BufferFromFlatData(0, []float32{1, 2, 3}, shapes.Make(dtypes.Float32, 3))
	require.NoError(t, err)
	wrapped, err := rt.Wrap(buffer)
	require.NoError(t, err)

	clone := wrapped.DetachClone()
	require.NotEqual(t, wrapped.Storage(), clone.Storage())
	require.Equal(t, []float32{1, 2, 3}, clone.(*Tensor).FlatData())

	// Mutating the clone leaves the original storage alone.
	clone.(*Tensor).FlatData().([]float32)[0] = 100
	require.Equal(t, []float32{1, 2, 3}, wrapped.(*Tensor).FlatData())

	// CopyFrom keeps the destination's storage identity.
	originalStorage := wrapped.Storage()
	require.NoError(t, wrapped.CopyFrom(clone))
	require.Equal(t, originalStorage, wrapped.Storage())
	require.Equal(t, []float32{100, 2, 3}, wrapped.(*Tensor).FlatData())

	other, err := rt.NewZeros(0, shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	require.ErrorContains(t, wrapped.CopyFrom(other), "cannot copy")
}

func TestSetRequiresGrad(t *testing.T) {
	e := New()
	rt := NewRuntime(e)
	floats, err := rt.NewZeros(0, shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	require.NoError(t, floats.SetRequiresGrad(true))
	require.True(t, floats.RequiresGrad())
	require.NoError(t, floats.SetRequiresGrad(false))
	require.False(t, floats.RequiresGrad())

	ints, err := rt.NewZeros(0, shapes.Make(dtypes.Int32, 2))
	require.NoError(t, err)
	require.ErrorContains(t, ints.SetRequiresGrad(true), "can require gradients")
	require.NoError(t, ints.SetRequiresGrad(false))
}

func TestApplierTracksGradients(t *testing.T) {
	e := New()
	rt := NewRuntime(e)
	double := Function{
		Name: "Double",
		Forward: func(ctx *Node, args ...any) any {
			in := args[0].(*Tensor)
			ctx.SaveForBackward(in)
			out := in.DetachClone().(*Tensor)
			flat := out.FlatData().([]float32)
			for ii := range flat {
				flat[ii] *= 2
			}
			return out
		},
		Backward: func(ctx *Node, grads ...any) any {
			out := grads[0].(*Tensor).DetachClone().(*Tensor)
			flat := out.FlatData().([]float32)
			for ii := range flat {
				flat[ii] *= 2
			}
			return out
		},
	}
	apply := rt.Applier(double)

	in, err := rt.NewZeros(0, shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	copy(in.(*Tensor).FlatData().([]float32), []float32{3, 4})
	require.NoError(t, in.SetRequiresGrad(true))

	out := apply(in).(*Tensor)
	require.Equal(t, []float32{6, 8}, out.FlatData())
	require.True(t, out.RequiresGrad())
	ctx := out.GradContext()
	require.NotNil(t, ctx)
	node := ctx.(*Node)
	require.Equal(t, 1, node.UpstreamCount())
	saved := ctx.SavedTensors()
	require.Len(t, saved, 1)
	require.Same(t, in.(*Tensor), saved[0].(*Tensor))

	// Without a gradient-requiring input there is no context.
	require.NoError(t, in.SetRequiresGrad(false))
	require.Nil(t, apply(in).(*Tensor).GradContext())

	// Gradient mode off: no context either.
	require.NoError(t, in.SetRequiresGrad(true))
	restore := rt.SetGradEnabled(false)
	require.False(t, rt.GradEnabled())
	require.Nil(t, apply(in).(*Tensor).GradContext())
	restore()
	require.True(t, rt.GradEnabled())

	// Backward routed through the context.
	backApply := rt.BackwardApplier(double)
	grad, err := rt.NewZeros(0, shapes.Make(dtypes.Float32, 2))
	require.NoError(t, err)
	copy(grad.(*Tensor).FlatData().([]float32), []float32{1, 1})
	inGrad := backApply(node, grad).(*Tensor)
	require.Equal(t, []float32{2, 2}, inGrad.FlatData())

	require.Panics(t, func() { backApply("not a context") })
	require.Panics(t, func() { backApply() })
}

func TestClearGradEdges(t *testing.T) {
	e := New()
	rt := NewRuntime(e)
	addPair := Function{
		Name: "AddPair",
		Forward: func(ctx *Node, args ...any) any {
			a, b := args[0].(*Tensor), args[1].(*Tensor)
			ctx.SaveForBackward(a)
			out := a.DetachClone().(*Tensor)
			flatOut := out.FlatData().([]float32)
			for ii, v := range b.FlatData().([]float32) {
				flatOut[ii] += v
			}
			return out
		},
		Backward: func(ctx *Node, grads ...any) any {
			return []any{grads[0], grads[0]}
		},
	}
	apply := rt.Applier(addPair)
	newInput := func(values ...float32) *Tensor {
		tensor, err := rt.NewZeros(0, shapes.Make(dtypes.Float32, len(values)))
		require.NoError(t, err)
		copy(tensor.(*Tensor).FlatData().([]float32), values)
		require.NoError(t, tensor.SetRequiresGrad(true))
		return tensor.(*Tensor)
	}
	a, b := newInput(1, 2), newInput(10, 20)
	out := apply(a, b).(*Tensor)
	require.Equal(t, []float32{11, 22}, out.FlatData())

	node := out.GradContext().(*Node)
	require.Equal(t, "AddPair.Context", node.String())
	require.Equal(t, 2, node.UpstreamCount())
	require.NoError(t, rt.ClearGradEdges(out, node.SavedTensors()))
	require.Equal(t, 1, node.UpstreamCount())
	require.Same(t, a, node.upstream[0].leaf)

	// A tensor without a context cannot have its edges cleared.
	require.Error(t, rt.ClearGradEdges(a, nil))
}
