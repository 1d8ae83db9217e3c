package frame

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	mu       sync.Mutex
	evicted  []uintptr
	contents map[uintptr][]byte
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{contents: make(map[uintptr][]byte)}
}

func (f *fakeOwner) Evict(vpage uintptr, contents []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(contents))
	copy(cp, contents)
	f.contents[vpage] = cp
	f.evicted = append(f.evicted, vpage)
	return nil
}

func TestGetReturnsIdleFramesZeroed(t *testing.T) {
	tbl, err := NewTable(4)
	require.NoError(t, err)
	defer tbl.Close()

	owner := newFakeOwner()
	e, buf, err := tbl.Get(owner, 0x1000)
	require.NoError(t, err)
	require.True(t, e.InUse())
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestGetEvictsWhenExhausted(t *testing.T) {
	tbl, err := NewTable(2)
	require.NoError(t, err)
	defer tbl.Close()

	owner := newFakeOwner()
	e1, buf1, err := tbl.Get(owner, 0x1000)
	require.NoError(t, err)
	buf1[0] = 0xAA

	_, _, err = tbl.Get(owner, 0x2000)
	require.NoError(t, err)

	// Mark e1 accessed so clock gives it a second chance and evicts the
	// frame installed for 0x2000 instead.
	e1.MarkAccessed()
	tbl.GetEntry(e1.Index).MarkAccessed()

	_, _, err = tbl.Get(owner, 0x3000)
	require.NoError(t, err)

	owner.mu.Lock()
	defer owner.mu.Unlock()
	require.NotEmpty(t, owner.evicted)
}

func TestFreeMarksIdleAndZeroes(t *testing.T) {
	tbl, err := NewTable(2)
	require.NoError(t, err)
	defer tbl.Close()

	owner := newFakeOwner()
	e, buf, err := tbl.Get(owner, 0x1000)
	require.NoError(t, err)
	buf[0] = 0x42

	tbl.Free(e)
	require.False(t, e.InUse())
	for _, b := range tbl.Bytes(e.Index) {
		require.Zero(t, b)
	}
}

func TestClockPolicySkipsAccessedBits(t *testing.T) {
	tbl, err := NewTable(3)
	require.NoError(t, err)
	defer tbl.Close()

	owner := newFakeOwner()
	for i := 0; i < 3; i++ {
		_, _, err := tbl.Get(owner, uintptr(i+1)*0x1000)
		require.NoError(t, err)
	}
	// Mark all accessed; clock must still terminate and pick one,
	// clearing accessed bits along the way (second-chance guarantee).
	for i := range tbl.entries {
		tbl.entries[i].MarkAccessed()
	}
	idx, ok := (ClockPolicy{}).SelectVictim(tbl)
	require.True(t, ok)
	require.GreaterOrEqual(t, idx, 0)
}

func TestNRUPrefersUnaccessedClean(t *testing.T) {
	tbl, err := NewTable(3)
	require.NoError(t, err)
	defer tbl.Close()

	owner := newFakeOwner()
	for i := 0; i < 3; i++ {
		_, _, err := tbl.Get(owner, uintptr(i+1)*0x1000)
		require.NoError(t, err)
	}
	tbl.entries[0].MarkAccessed()
	tbl.entries[0].MarkDirty()
	tbl.entries[1].MarkAccessed()
	// entries[2] stays unaccessed and clean: the best NRU class.

	idx, ok := (NRUPolicy{}).SelectVictim(tbl)
	require.True(t, ok)
	require.Equal(t, 2, idx)
}
