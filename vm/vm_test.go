package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/cache"
	"github.com/kapilsinha/eduos-vmfs/errno"
	"github.com/kapilsinha/eduos-vmfs/frame"
	"github.com/kapilsinha/eduos-vmfs/fs"
	"github.com/kapilsinha/eduos-vmfs/swap"
)

func newFixture(t *testing.T, nframes int) (*Table, *fs.FileSystem) {
	t.Helper()
	fsDev := block.NewMemDevice(block.RoleFS, 4096)
	c := cache.New(fsDev, 64)
	fsys, err := fs.Format(fsDev, c)
	require.NoError(t, err)

	swapDev := block.NewMemDevice(block.RoleSwap, 256)
	sw, err := swap.New(swapDev)
	require.NoError(t, err)

	frames, err := frame.NewTable(nframes)
	require.NoError(t, err)

	return NewTable(fsys, frames, sw), fsys
}

func TestStackGrowthAdmitsNearEsp(t *testing.T) {
	supp, _ := newFixture(t, 8)
	esp := uintptr(0x1000000)

	require.NoError(t, supp.HandleFault(esp-4, esp))
	require.NotNil(t, supp.Lookup(roundDownPage(esp-4)))
}

func TestStackGrowthRejectsFarBelowEsp(t *testing.T) {
	supp, _ := newFixture(t, 8)
	esp := uintptr(0x1000000)

	err := supp.HandleFault(esp-64, esp)
	require.ErrorIs(t, err, errno.EFAULT)
}

func TestStackGrowthAdmitsAboveEsp(t *testing.T) {
	supp, _ := newFixture(t, 8)
	esp := uintptr(0x1000000)

	require.NoError(t, supp.HandleFault(esp+uintptr(frame.PageSize), esp))
}

func TestExecutablePageLazyLoadZeroPads(t *testing.T) {
	supp, fsys := newFixture(t, 8)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.CloseInode(root)

	ok, err := fsys.Create(root, "prog", 0)
	require.NoError(t, err)
	require.True(t, ok)
	fh, err := fsys.Open(root, "prog")
	require.NoError(t, err)
	payload := []byte("code")
	_, err = fsys.Write(fh, payload)
	require.NoError(t, err)

	vpage := uintptr(0x400000)
	supp.AddExecEntry(vpage, fh, 0, uint32(len(payload)), uint32(frame.PageSize)-uint32(len(payload)), false)

	require.NoError(t, supp.HandleFault(vpage, vpage))
	buf := supp.Bytes(vpage)
	require.NotNil(t, buf)
	require.Equal(t, payload, buf[:len(payload)])
	for _, b := range buf[len(payload):] {
		require.Equal(t, byte(0), b)
	}
}

func TestEvictThenRefaultRoundTripsThroughSwap(t *testing.T) {
	supp, _ := newFixture(t, 1)

	esp := uintptr(0x2000000)
	require.NoError(t, supp.HandleFault(esp-4, esp))
	vpage1 := roundDownPage(esp - 4)
	buf1 := supp.Bytes(vpage1)
	buf1[0] = 0xAB

	esp2 := uintptr(0x3000000)
	require.NoError(t, supp.HandleFault(esp2-4, esp2))
	vpage2 := roundDownPage(esp2 - 4)
	require.NotNil(t, supp.Bytes(vpage2))

	require.Nil(t, supp.Bytes(vpage1))
	e := supp.Lookup(vpage1)
	require.Equal(t, StateEvicted, e.State)
	require.Equal(t, LocationInSwap, e.Location)

	require.NoError(t, supp.HandleFault(vpage1, esp))
	buf := supp.Bytes(vpage1)
	require.Equal(t, byte(0xAB), buf[0])
}

func TestMmapWriteBackOnDirty(t *testing.T) {
	supp, fsys := newFixture(t, 8)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.CloseInode(root)

	ok, err := fsys.Create(root, "mapped", 6000)
	require.NoError(t, err)
	require.True(t, ok)
	fh, err := fsys.Open(root, "mapped")
	require.NoError(t, err)

	mt := NewMmapTable(fsys, supp)
	addr := uintptr(0x500000)
	id, err := mt.Mmap(fh, addr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, 0)

	require.NoError(t, supp.HandleFault(addr+4000, addr+4000))
	buf := supp.Bytes(roundDownPage(addr + 4000))
	require.NotNil(t, buf)
	buf[4000] = 0x42
	frameEntry := supp.frames.GetEntry(supp.Lookup(roundDownPage(addr + 4000)).frameIdx)
	frameEntry.MarkDirty()

	require.NoError(t, mt.Munmap(id))

	fh2, err := fsys.Open(root, "mapped")
	require.NoError(t, err)
	readBack := make([]byte, 1)
	fh2.Seek(4000)
	_, err = fsys.Read(fh2, readBack)
	require.NoError(t, err)
	require.Equal(t, byte(0x42), readBack[0])
	require.NoError(t, fsys.Close(fh2))
	require.NoError(t, fsys.Close(fh))
}
