package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kapilsinha/eduos-vmfs/block"
)

func TestAllocFirstFit(t *testing.T) {
	b := New(8)
	i, ok := b.Alloc()
	require.True(t, ok)
	require.EqualValues(t, 0, i)

	i, ok = b.Alloc()
	require.True(t, ok)
	require.EqualValues(t, 1, i)

	b.Clear(0)
	i, ok = b.Alloc()
	require.True(t, ok)
	require.EqualValues(t, 0, i)
}

func TestAllocExhaustion(t *testing.T) {
	b := New(2)
	_, ok := b.Alloc()
	require.True(t, ok)
	_, ok = b.Alloc()
	require.True(t, ok)
	_, ok = b.Alloc()
	require.False(t, ok)
}

func TestAllocRunFindsContiguousGap(t *testing.T) {
	b := New(16)
	b.Set(0)
	b.Set(1)
	b.Set(4)
	// clear run of 3 available at [5,6,7] once we skip the fragmented [2,3]
	start, ok := b.AllocRun(3)
	require.True(t, ok)
	require.EqualValues(t, 5, start)
}

func TestAllocRunNoFit(t *testing.T) {
	b := New(4)
	b.Set(0)
	b.Set(2)
	_, ok := b.AllocRun(2)
	require.False(t, ok)
}

func TestFreeRunRoundTrip(t *testing.T) {
	b := New(10)
	start, ok := b.AllocRun(4)
	require.True(t, ok)
	require.EqualValues(t, 4, b.Count())
	b.FreeRun(start, 4)
	require.EqualValues(t, 0, b.Count())
}

func TestStoreLoadRoundTrip(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 32)
	b := New(100)
	b.Set(3)
	b.Set(99)
	start, ok := b.AllocRun(5)
	require.True(t, ok)

	require.NoError(t, b.Store(dev, 1))

	loaded, err := Load(dev, 1)
	require.NoError(t, err)
	require.EqualValues(t, 100, loaded.Len())
	require.True(t, loaded.Test(3))
	require.True(t, loaded.Test(99))
	for j := uint(0); j < 5; j++ {
		require.True(t, loaded.Test(start+j))
	}
	require.False(t, loaded.Test(50))
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 4)
	_, err := Load(dev, 0)
	require.Error(t, err)
}
