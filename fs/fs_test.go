package fs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/cache"
)

func newTestFS(t *testing.T, nsectors int64) *FileSystem {
	t.Helper()
	dev := block.NewMemDevice(block.RoleFS, nsectors)
	c := cache.New(dev, 64)
	fsys, err := Format(dev, c)
	require.NoError(t, err)
	return fsys
}

func TestCreateWriteCloseReopenRead(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Create(root, "hello.txt", 0)
	require.NoError(t, err)
	require.True(t, ok)

	fh, err := fsys.Open(root, "hello.txt")
	require.NoError(t, err)
	require.NotNil(t, fh)

	payload := []byte("hello, file system")
	n, err := fsys.Write(fh, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, fsys.Close(fh))

	fh2, err := fsys.Open(root, "hello.txt")
	require.NoError(t, err)
	require.NotNil(t, fh2)
	buf := make([]byte, len(payload))
	n, err = fsys.Read(fh2, buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
	require.NoError(t, fsys.Close(fh2))
}

func TestWriteAcrossSectorBoundary(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Create(root, "big.bin", 0)
	require.NoError(t, err)
	require.True(t, ok)

	fh, err := fsys.Open(root, "big.bin")
	require.NoError(t, err)

	data := make([]byte, block.SectorSize+16)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := fsys.Write(fh, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fsys.Close(fh))

	fh2, err := fsys.Open(root, "big.bin")
	require.NoError(t, err)
	readBack := make([]byte, len(data))
	n, err = fsys.Read(fh2, readBack)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, readBack)
	require.NoError(t, fsys.Close(fh2))
}

func TestWriteIntoIndirectRangePastFirstEntry(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Create(root, "indirect.bin", 0)
	require.NoError(t, err)
	require.True(t, ok)

	fh, err := fsys.Open(root, "indirect.bin")
	require.NoError(t, err)

	// Block index 13 lands at indirect table slot 1 (NDirect=12 direct
	// blocks precede the indirect table), exercising any table entry
	// past index 0.
	offset := int64(13)*block.SectorSize + 7
	payload := []byte("indirect table entry")
	fh.Seek(offset)
	n, err := fsys.Write(fh, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, fsys.Close(fh))

	fh2, err := fsys.Open(root, "indirect.bin")
	require.NoError(t, err)
	readBack := make([]byte, len(payload))
	fh2.Seek(offset)
	n, err = fsys.Read(fh2, readBack)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)
	require.NoError(t, fsys.Close(fh2))
}

func TestWriteSequentialAcrossManyIndirectEntries(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Create(root, "sequential.bin", 0)
	require.NoError(t, err)
	require.True(t, ok)

	fh, err := fsys.Open(root, "sequential.bin")
	require.NoError(t, err)

	// Spans 40 blocks: the 12 direct blocks and the first 28 indirect
	// table entries, so every slot but the first must round-trip correctly.
	data := make([]byte, 40*block.SectorSize)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := fsys.Write(fh, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, fsys.Close(fh))

	fh2, err := fsys.Open(root, "sequential.bin")
	require.NoError(t, err)
	readBack := make([]byte, len(data))
	n, err = fsys.Read(fh2, readBack)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, readBack)
	require.NoError(t, fsys.Close(fh2))
}

func TestWriteIntoDoubleIndirectRange(t *testing.T) {
	fsys := newTestFS(t, 40000)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Create(root, "huge.bin", 0)
	require.NoError(t, err)
	require.True(t, ok)

	fh, err := fsys.Open(root, "huge.bin")
	require.NoError(t, err)

	offset := int64(NDirect+NIndirectEnt)*block.SectorSize + 3
	payload := []byte("double-indirect")
	fh.Seek(offset)
	n, err := fsys.Write(fh, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, fsys.Close(fh))

	fh2, err := fsys.Open(root, "huge.bin")
	require.NoError(t, err)
	readBack := make([]byte, len(payload))
	fh2.Seek(offset)
	n, err = fsys.Read(fh2, readBack)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, readBack)
	require.NoError(t, fsys.Close(fh2))
}

func TestMkdirChdirReaddir(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Mkdir(root, "sub")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fsys.Create(root, "top.txt", 0)
	require.NoError(t, err)
	require.True(t, ok)

	sub, err := fsys.ChdirInode(root, "sub")
	require.NoError(t, err)
	require.NotNil(t, sub)
	defer fsys.closeInode(sub)

	ok, err = fsys.Create(sub, "nested.txt", 0)
	require.NoError(t, err)
	require.True(t, ok)

	dh, err := fsys.OpenDirInode(root)
	require.NoError(t, err)
	names := map[string]bool{}
	for {
		name, ok, err := fsys.ReaddirNext(dh)
		require.NoError(t, err)
		if !ok {
			break
		}
		names[name] = true
	}
	require.NoError(t, fsys.CloseDir(dh))
	require.True(t, names["sub"])
	require.True(t, names["top.txt"])
}

func TestRemoveRejectsNonEmptyDir(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Mkdir(root, "sub")
	require.NoError(t, err)
	require.True(t, ok)

	sub, err := fsys.ChdirInode(root, "sub")
	require.NoError(t, err)
	ok, err = fsys.Create(sub, "f", 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, fsys.closeInode(sub))

	ok, err = fsys.Remove(root, "sub")
	require.Error(t, err)
	require.False(t, ok)
}

func TestRemoveThenReuseSectors(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Create(root, "gone.txt", block.SectorSize*3)
	require.NoError(t, err)
	require.True(t, ok)
	goneSector, found, err := fsys.dirLookup(root, "gone.txt")
	require.NoError(t, err)
	require.True(t, found)
	usedBefore := fsys.FreeSectorMap().Count()

	ok, err = fsys.Remove(root, "gone.txt")
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = fsys.dirLookup(root, "gone.txt")
	require.NoError(t, err)
	require.False(t, found)

	ok, err = fsys.Create(root, "again.txt", block.SectorSize*3)
	require.NoError(t, err)
	require.True(t, ok)
	againSector, found, err := fsys.dirLookup(root, "again.txt")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, goneSector, againSector)
	require.Equal(t, usedBefore, fsys.FreeSectorMap().Count())
}

func TestResolveAbsoluteAndDotDot(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Mkdir(root, "a")
	require.NoError(t, err)
	require.True(t, ok)
	a, err := fsys.ChdirInode(root, "a")
	require.NoError(t, err)
	ok, err = fsys.Mkdir(a, "b")
	require.NoError(t, err)
	require.True(t, ok)

	dir, name, isDir, err := fsys.Resolve(a, "../a/b")
	require.NoError(t, err)
	require.True(t, isDir)
	require.Equal(t, "", name)
	require.NotNil(t, dir)

	abs, name, isDir, err := fsys.Resolve(a, "/a/b")
	require.NoError(t, err)
	require.True(t, isDir)
	require.Equal(t, "", name)
	require.NotNil(t, abs)
	require.Equal(t, dir.Sector(), abs.Sector())
	require.NoError(t, fsys.closeInode(abs))

	require.NoError(t, fsys.closeInode(dir))
	require.NoError(t, fsys.closeInode(a))
}
