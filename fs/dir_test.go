package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeDirEntryRoundTrips(t *testing.T) {
	e := dirEntry{sector: 42, name: "notes.txt", inUse: true}
	buf := encodeDirEntry(e)
	require.Len(t, buf, dirEntrySize)

	got := decodeDirEntry(buf)
	require.Equal(t, e, got)
}

func TestDecodeDirEntryStopsAtNulByte(t *testing.T) {
	buf := encodeDirEntry(dirEntry{sector: 7, name: "ab", inUse: true})
	got := decodeDirEntry(buf)
	require.Equal(t, "ab", got.name)
}

func TestValidNameRules(t *testing.T) {
	require.True(t, validName("ok"))
	require.False(t, validName(""))
	require.False(t, validName("has/slash"))
	require.False(t, validName("waytoolongnameoverfourteen"))
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Create(root, "dup.txt", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = fsys.Create(root, "dup.txt", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenMissingReturnsNilNil(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	fh, err := fsys.Open(root, "nope.txt")
	require.NoError(t, err)
	require.Nil(t, fh)
}

func TestOpenDirectoryAsFileFails(t *testing.T) {
	fsys := newTestFS(t, 4096)
	root, err := fsys.Root()
	require.NoError(t, err)
	defer fsys.closeInode(root)

	ok, err := fsys.Mkdir(root, "sub")
	require.NoError(t, err)
	require.True(t, ok)

	fh, err := fsys.Open(root, "sub")
	require.NoError(t, err)
	require.Nil(t, fh)
}
