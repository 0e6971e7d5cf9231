package bridge

import (
	"testing"

	"github.com/gomlx/autofunc/autograd"
	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/fallback"
	"github.com/gomlx/autofunc/simplefn"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestForwardBackwardPairing(t *testing.T) {
	engine, rt, b := testSetup()
	fn := scaleFn(3)
	forward := rt.Applier(fn)
	backward := rt.BackwardApplier(fn)
	in := newBuffer(t, engine, 0, []float32{1, 2, 3}, 3)

	ctx, outs, err := b.CallForward(&Call{
		Func: forward, Name: "Scale", KernelID: "pair-fwd", Training: true,
		RequiresGrad: []bool{true}, IsTensor: []bool{true},
		InplaceMap: []int{-1, -1},
		Args:       []any{in},
	})
	require.NoError(t, err)
	require.NotNil(t, ctx)
	require.Equal(t, []float32{3, 6, 9}, bufferValues(t, engine, outs[0]))
	require.Equal(t, 1, b.Retained())

	grad := newBuffer(t, engine, 0, []float32{1, 1, 1}, 3)
	grads, err := b.CallBackward(&Call{
		Func: backward, Name: "Scale", KernelID: "pair-bwd", Training: true,
		RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
		InplaceMap: []int{-1},
		Args:       []any{ctx, grad},
	})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	require.Equal(t, []float32{3, 3, 3}, bufferValues(t, engine, grads[0]))
	require.Equal(t, 0, b.Retained())

	// The context was released by the first backward.
	_, err = b.CallBackward(&Call{
		Func: backward, Name: "Scale", KernelID: "pair-bwd", Training: true,
		RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
		InplaceMap: []int{-1},
		Args:       []any{ctx, grad},
	})
	require.ErrorIs(t, err, fallback.ErrContract)
	require.False(t, fallback.Eligible(err))
	require.ErrorContains(t, err, "unknown differentiation context")
}

func TestBackwardMaterializesAbsentGradients(t *testing.T) {
	engine, rt, b := testSetup()
	fn := scaleFn(1)
	forward := rt.Applier(fn)
	backward := rt.BackwardApplier(fn)
	in := newBuffer(t, engine, 1, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	forwardCall := func() autograd.Context {
		ctx, _, err := b.CallForward(&Call{
			Func: forward, Name: "Scale", KernelID: "mat-fwd", Training: true,
			RequiresGrad: []bool{true}, IsTensor: []bool{true},
			InplaceMap: []int{-1, -1},
			Args:       []any{in},
		})
		require.NoError(t, err)
		require.NotNil(t, ctx)
		return ctx
	}

	// An absent output gradient is synthesized as zeros with the placement the
	// forward output had.
	ctx := forwardCall()
	grads, err := b.CallBackward(&Call{
		Func: backward, Name: "Scale", KernelID: "mat-bwd", Training: true,
		RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
		InplaceMap: []int{-1},
		Args:       []any{ctx, nil},
	})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	shape, err := engine.BufferShape(grads[0])
	require.NoError(t, err)
	require.True(t, shape.Equal(shapes.Make(dtypes.Float32, 2, 3)))
	deviceNum, err := engine.BufferDeviceNum(grads[0])
	require.NoError(t, err)
	require.Equal(t, engines.DeviceNum(1), deviceNum)
	require.Equal(t, []float32{0, 0, 0, 0, 0, 0}, bufferValues(t, engine, grads[0]))

	// A gradient slot the forward never produced an output for has no recorded
	// placement.
	ctx = forwardCall()
	_, err = b.CallBackward(&Call{
		Func: backward, Name: "Scale", KernelID: "mat-bwd", Training: true,
		RequiresGrad: []bool{false, false, false}, IsTensor: []bool{false, true, true},
		InplaceMap: []int{-1, -1},
		Args:       []any{ctx, nil, nil},
	})
	require.ErrorIs(t, err, fallback.ErrContract)
	require.ErrorContains(t, err, "no gradient placement recorded")
	// On error the context stays registered.
	require.Equal(t, 1, b.Retained())
}

func TestBackwardMaterializesFloat16Gradients(t *testing.T) {
	engine, rt, b := testSetup()
	double := func(tensor *simplefn.Tensor) *simplefn.Tensor {
		out := tensor.DetachClone().(*simplefn.Tensor)
		flat := out.FlatData().([]float16.Float16)
		for ii := range flat {
			flat[ii] = float16.Fromfloat32(flat[ii].Float32() * 2)
		}
		return out
	}
	fn := simplefn.Function{
		Name: "HalfDouble",
		Forward: func(ctx *simplefn.Node, args ...any) any {
			in := args[0].(*simplefn.Tensor)
			ctx.SaveForBackward(in)
			return double(in)
		},
		Backward: func(ctx *simplefn.Node, grads ...any) any {
			grad := grads[0].(*simplefn.Tensor)
			require.Equal(t, dtypes.Float16, grad.Shape().DType)
			return double(grad)
		},
	}
	in, err := engine.BufferFromFlatData(0,
		[]float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-2.25)},
		shapes.Make(dtypes.Float16, 2))
	require.NoError(t, err)

	ctx, outs, err := b.CallForward(&Call{
		Func: rt.Applier(fn), Name: "HalfDouble", KernelID: "half-fwd", Training: true,
		RequiresGrad: []bool{true}, IsTensor: []bool{true},
		InplaceMap: []int{-1, -1},
		Args:       []any{in},
	})
	require.NoError(t, err)
	outFlat := make([]float16.Float16, 2)
	require.NoError(t, engine.BufferToFlatData(outs[0], outFlat))
	require.Equal(t, float32(3), outFlat[0].Float32())
	require.Equal(t, float32(-4.5), outFlat[1].Float32())

	// The synthesized gradient keeps the half-precision dtype of the forward
	// output.
	grads, err := b.CallBackward(&Call{
		Func: rt.BackwardApplier(fn), Name: "HalfDouble", KernelID: "half-bwd", Training: true,
		RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
		InplaceMap: []int{-1},
		Args:       []any{ctx, nil},
	})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	shape, err := engine.BufferShape(grads[0])
	require.NoError(t, err)
	require.True(t, shape.Equal(shapes.Make(dtypes.Float16, 2)))
	gradFlat := make([]float16.Float16, 2)
	require.NoError(t, engine.BufferToFlatData(grads[0], gradFlat))
	require.Equal(t, []float16.Float16{0, 0}, gradFlat)
	require.Equal(t, 0, b.Retained())
}

func TestBackwardPassesAbsentGradientsWhenNotMaterialized(t *testing.T) {
	engine, rt, b := testSetup()
	noMat := simplefn.Function{
		Name: "NoMat",
		Forward: func(ctx *simplefn.Node, args ...any) any {
			in := args[0].(*simplefn.Tensor)
			ctx.SetMaterializeGrads(false)
			ctx.SaveForBackward(in)
			return in.DetachClone()
		},
		Backward: func(ctx *simplefn.Node, grads ...any) any {
			require.Nil(t, grads[0])
			return grads[0]
		},
	}
	in := newBuffer(t, engine, 0, []float32{4}, 1)
	ctx, _, err := b.CallForward(&Call{
		Func: rt.Applier(noMat), Name: "NoMat", KernelID: "nomat-fwd", Training: true,
		RequiresGrad: []bool{true}, IsTensor: []bool{true},
		InplaceMap: []int{-1, -1},
		Args:       []any{in},
	})
	require.NoError(t, err)
	require.NotNil(t, ctx)
	stats := b.InfoStore().Stats()
	require.Len(t, stats, 1)
	require.False(t, stats[0].MaterializesGrads)

	grads, err := b.CallBackward(&Call{
		Func: rt.BackwardApplier(noMat), Name: "NoMat", KernelID: "nomat-bwd", Training: true,
		RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
		InplaceMap: []int{-1},
		Args:       []any{ctx, nil},
	})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	require.Nil(t, grads[0])
	require.Equal(t, 0, b.Retained())
}

func TestBackwardDeclaredReuse(t *testing.T) {
	engine, rt, b := testSetup()
	inplaceGrad := simplefn.Function{
		Name: "InplaceGrad",
		Forward: func(ctx *simplefn.Node, args ...any) any {
			in := args[0].(*simplefn.Tensor)
			ctx.SaveForBackward(in)
			return in.DetachClone()
		},
		Backward: func(ctx *simplefn.Node, grads ...any) any {
			g := grads[0].(*simplefn.Tensor)
			flat := g.FlatData().([]float32)
			for ii := range flat {
				flat[ii] *= 2
			}
			return g
		},
	}
	in := newBuffer(t, engine, 0, []float32{1, 2}, 2)
	ctx, _, err := b.CallForward(&Call{
		Func: rt.Applier(inplaceGrad), Name: "InplaceGrad", KernelID: "ipg-fwd", Training: true,
		RequiresGrad: []bool{true}, IsTensor: []bool{true},
		InplaceMap: []int{-1, -1},
		Args:       []any{in},
	})
	require.NoError(t, err)

	grad := newBuffer(t, engine, 0, []float32{5, 7}, 2)
	gradStorage := storageID(t, engine, grad)
	grads, err := b.CallBackward(&Call{
		Func: rt.BackwardApplier(inplaceGrad), Name: "InplaceGrad", KernelID: "ipg-bwd", Training: true,
		RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
		InplaceMap: []int{1}, // the context counts as input 0
		Args:       []any{ctx, grad},
	})
	require.NoError(t, err)
	require.Equal(t, gradStorage, storageID(t, engine, grads[0]))
	require.Equal(t, []float32{10, 14}, bufferValues(t, engine, grads[0]))
	require.Equal(t, []float32{10, 14}, bufferValues(t, engine, grad))
}

func TestBackwardUndeclaredReuseSelfHeals(t *testing.T) {
	engine, rt, b := testSetup()
	identityGrad := simplefn.Function{
		Name: "IdentityGrad",
		Forward: func(ctx *simplefn.Node, args ...any) any {
			in := args[0].(*simplefn.Tensor)
			ctx.SaveForBackward(in)
			return in.DetachClone()
		},
		Backward: func(ctx *simplefn.Node, grads ...any) any { return grads[0] },
	}
	in := newBuffer(t, engine, 0, []float32{1, 2}, 2)
	ctx, _, err := b.CallForward(&Call{
		Func: rt.Applier(identityGrad), Name: "IdentityGrad", KernelID: "idg-fwd", Training: true,
		RequiresGrad: []bool{true}, IsTensor: []bool{true},
		InplaceMap: []int{-1, -1},
		Args:       []any{in},
	})
	require.NoError(t, err)

	grad := newBuffer(t, engine, 0, []float32{4, 6}, 2)
	gradStorage := storageID(t, engine, grad)
	grads, err := b.CallBackward(&Call{
		Func: rt.BackwardApplier(identityGrad), Name: "IdentityGrad", KernelID: "idg-bwd", Training: true,
		RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
		InplaceMap: []int{-1}, // reuse not declared
		Args:       []any{ctx, grad},
	})
	require.NoError(t, err)
	require.NotEqual(t, gradStorage, storageID(t, engine, grads[0]))
	require.Equal(t, []float32{4, 6}, bufferValues(t, engine, grads[0]))

	var bwdStats KernelStats
	for _, stats := range b.InfoStore().Stats() {
		if stats.KernelID == "idg-bwd" {
			bwdStats = stats
		}
	}
	require.Equal(t, []int{0}, bwdStats.ClonedOutputs)
}

func TestBackwardRejectsBadArgs(t *testing.T) {
	_, rt, b := testSetup()
	fn := rt.BackwardApplier(scaleFn(2))

	_, err := b.CallBackward(&Call{
		Func: fn, Name: "Scale", KernelID: "bad-bwd",
		RequiresGrad: []bool{false, true}, IsTensor: []bool{false, true},
		Args: []any{nil, nil},
	})
	require.ErrorIs(t, err, fallback.ErrContract)
	require.ErrorContains(t, err, "backward inputs never do")

	_, err = b.CallBackward(&Call{Func: fn, Name: "Scale", KernelID: "bad-bwd"})
	require.ErrorIs(t, err, fallback.ErrContract)
	require.ErrorContains(t, err, "missing the differentiation context")

	_, err = b.CallBackward(&Call{
		Func: fn, Name: "Scale", KernelID: "bad-bwd",
		RequiresGrad: []bool{false}, IsTensor: []bool{true},
		Args: []any{nil},
	})
	require.ErrorIs(t, err, fallback.ErrContract)
	require.ErrorContains(t, err, "not a tensor")

	_, err = b.CallBackward(&Call{
		Func: fn, Name: "Scale", KernelID: "bad-bwd",
		RequiresGrad: []bool{false}, IsTensor: []bool{false},
		Args: []any{42},
	})
	require.ErrorIs(t, err, fallback.ErrContract)
	require.ErrorContains(t, err, "argument 0 is a int")
}
