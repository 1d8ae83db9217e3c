package block

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDeviceReadWrite(t *testing.T) {
	d := NewMemDevice(RoleFS, 16)
	require.EqualValues(t, 16, d.SectorCount())

	buf := make([]byte, SectorSize)
	for i := range buf {
		buf[i] = 0xAB
	}
	require.NoError(t, d.WriteSector(3, buf))

	out := make([]byte, SectorSize)
	require.NoError(t, d.ReadSector(3, out))
	require.Equal(t, buf, out)

	other := make([]byte, SectorSize)
	require.NoError(t, d.ReadSector(4, other))
	for _, b := range other {
		require.Zero(t, b)
	}
}

func TestMemDeviceOutOfRange(t *testing.T) {
	d := NewMemDevice(RoleSwap, 4)
	buf := make([]byte, SectorSize)
	require.Error(t, d.ReadSector(4, buf))
	require.Error(t, d.WriteSector(-1, buf))
}

func TestMemDeviceBadBufferSize(t *testing.T) {
	d := NewMemDevice(RoleFS, 4)
	require.Error(t, d.ReadSector(0, make([]byte, SectorSize-1)))
	require.Error(t, d.WriteSector(0, make([]byte, SectorSize+1)))
}

func TestFileDeviceReadWriteAcrossAlignedBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fs.img")
	dev, err := OpenFileDevice(RoleFS, path, 20)
	require.NoError(t, err)
	defer dev.Close()

	require.GreaterOrEqual(t, dev.SectorCount(), int64(20))

	pattern := make([]byte, SectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	require.NoError(t, dev.WriteSector(5, pattern))

	neighbor := make([]byte, SectorSize)
	require.NoError(t, dev.ReadSector(4, neighbor))
	for _, b := range neighbor {
		require.Zero(t, b)
	}

	out := make([]byte, SectorSize)
	require.NoError(t, dev.ReadSector(5, out))
	require.Equal(t, pattern, out)
}

func TestFileDeviceReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swap.img")
	dev, err := OpenFileDevice(RoleSwap, path, 8)
	require.NoError(t, err)

	buf := make([]byte, SectorSize)
	buf[0] = 0x7F
	require.NoError(t, dev.WriteSector(1, buf))
	require.NoError(t, dev.Close())

	dev2, err := OpenFileDevice(RoleSwap, path, 8)
	require.NoError(t, err)
	defer dev2.Close()

	out := make([]byte, SectorSize)
	require.NoError(t, dev2.ReadSector(1, out))
	require.Equal(t, byte(0x7F), out[0])
}
