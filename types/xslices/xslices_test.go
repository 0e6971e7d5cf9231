package xslices

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceWithValue(t *testing.T) {
	require.Equal(t, []int{-1, -1, -1}, SliceWithValue(3, -1))
	require.Empty(t, SliceWithValue(0, "x"))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"b": 1, "a": 2, "c": 3}
	require.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	require.ElementsMatch(t, []string{"a", "b", "c"}, Keys(m))
}

func TestIota(t *testing.T) {
	require.Equal(t, []float32{1, 2, 3, 4}, Iota(float32(1), 4))
	require.Equal(t, []int{0, 1, 2}, Iota(0, 3))
}

func TestMap(t *testing.T) {
	require.Equal(t, []int{2, 4, 6}, Map([]int{1, 2, 3}, func(e int) int { return 2 * e }))
	require.Equal(t, []string{"1", "2"}, Map([]int{1, 2}, func(e int) string {
		return string(rune('0' + e))
	}))
}
