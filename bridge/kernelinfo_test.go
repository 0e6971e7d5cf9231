package bridge

import (
	"testing"

	"github.com/gomlx/autofunc/engines"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestKernelInfoLearnsOnce(t *testing.T) {
	store := NewInfoStore()
	info := store.getOrCreate("k")
	require.Same(t, info, store.getOrCreate("k"))
	require.Nil(t, store.get("missing"))

	_, learned := info.learnedCaptures()
	require.False(t, learned)
	require.Equal(t, []int{1, 2}, info.setCaptures([]int{1, 2}))
	// The first recording wins; later ones get the canonical value back.
	require.Equal(t, []int{1, 2}, info.setCaptures([]int{9}))
	captures, learned := info.learnedCaptures()
	require.True(t, learned)
	require.Equal(t, []int{1, 2}, captures)

	_, learned = info.learnedClones()
	require.False(t, learned)
	require.Equal(t, []int{}, info.setClones([]int{}))
	require.Equal(t, []int{}, info.setClones([]int{3}))
	clones, learned := info.learnedClones()
	require.True(t, learned)
	require.Empty(t, clones)
}

func TestKernelInfoGradConfig(t *testing.T) {
	info := NewInfoStore().getOrCreate("k")
	require.False(t, info.materializes())

	spec := gradSpec{deviceNum: 2, shape: shapes.Make(dtypes.Float32, 4)}
	info.setMaterialize(true, map[int]gradSpec{0: spec})
	require.True(t, info.materializes())

	got, found := info.gradConfig(0)
	require.True(t, found)
	require.Equal(t, engines.DeviceNum(2), got.deviceNum)
	require.True(t, got.shape.Equal(spec.shape))
	_, found = info.gradConfig(1)
	require.False(t, found)
}

func TestInfoStoreStats(t *testing.T) {
	store := NewInfoStore()
	store.getOrCreate("b-kernel").setCaptures([]int{0})
	store.getOrCreate("a-kernel")
	require.Equal(t, 2, store.Len())

	stats := store.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, "a-kernel", stats[0].KernelID)
	require.False(t, stats[0].Learned)
	require.Equal(t, "b-kernel", stats[1].KernelID)
	require.True(t, stats[1].Learned)
	require.Equal(t, []int{0}, stats[1].CapturedInputs)

	// Snapshots do not alias the stored indices.
	stats[1].CapturedInputs[0] = 7
	captures, _ := store.getOrCreate("b-kernel").learnedCaptures()
	require.Equal(t, []int{0}, captures)
}
