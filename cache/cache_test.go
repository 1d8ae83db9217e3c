package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kapilsinha/eduos-vmfs/block"
)

func TestReadMissesLoadFromDisk(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 8)
	payload := make([]byte, block.SectorSize)
	payload[0] = 0x55
	require.NoError(t, dev.WriteSector(3, payload))

	c := New(dev, 4)
	buf := make([]byte, block.SectorSize)
	n, err := c.Read(3, buf, block.SectorSize, 0)
	require.NoError(t, err)
	require.Equal(t, block.SectorSize, n)
	require.Equal(t, byte(0x55), buf[0])
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 8)
	c := New(dev, 4)

	in := []byte("hello world")
	_, err := c.Write(1, in, len(in), 10)
	require.NoError(t, err)

	out := make([]byte, len(in))
	_, err = c.Read(1, out, len(in), 10)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestNoTwoEntriesShareSameSector(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 8)
	c := New(dev, 2)

	buf := make([]byte, block.SectorSize)
	_, err := c.Read(0, buf, block.SectorSize, 0)
	require.NoError(t, err)
	_, err = c.Read(0, buf, block.SectorSize, 0)
	require.NoError(t, err)

	inUse := 0
	for i := range c.entries {
		c.entries[i].meta.Lock()
		if c.entries[i].inUse {
			inUse++
		}
		c.entries[i].meta.Unlock()
	}
	require.Equal(t, 1, inUse)
}

func TestEvictionWritesBackDirtyEntry(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 8)
	c := New(dev, 1)

	in := []byte("first")
	_, err := c.Write(0, in, len(in), 0)
	require.NoError(t, err)

	// Forcing a second, distinct sector to load evicts sector 0's only entry.
	_, err = c.Read(1, make([]byte, block.SectorSize), block.SectorSize, 0)
	require.NoError(t, err)

	out := make([]byte, block.SectorSize)
	require.NoError(t, dev.ReadSector(0, out))
	require.Equal(t, in, out[:len(in)])
}

func TestEvictSectorEvictsMatchingEntry(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 8)
	c := New(dev, 4)

	_, err := c.Write(2, []byte("x"), 1, 0)
	require.NoError(t, err)
	require.NoError(t, c.EvictSector(2))

	e := c.lookup(2)
	require.Nil(t, e)
}

func TestWritebackWorkerFlushesDirtyEntries(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 8)
	c := New(dev, 4)

	in := []byte("persisted")
	_, err := c.Write(0, in, len(in), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		buf := make([]byte, block.SectorSize)
		_ = dev.ReadSector(0, buf)
		return string(buf[:len(in)]) == string(in)
	}, 500*time.Millisecond, 10*time.Millisecond)
	cancel()
	require.NoError(t, c.Close())
}

func TestEnqueueReadAheadPopulatesCache(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 8)
	payload := make([]byte, block.SectorSize)
	payload[0] = 0x9
	require.NoError(t, dev.WriteSector(5, payload))

	c := New(dev, 4)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx, time.Hour)
	defer func() {
		cancel()
		_ = c.Close()
	}()

	c.EnqueueReadAhead(5)
	require.Eventually(t, func() bool {
		return c.lookup(5) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentReadersDoNotRace(t *testing.T) {
	dev := block.NewMemDevice(block.RoleFS, 4)
	c := New(dev, 2)
	_, err := c.Write(0, []byte("concurrent"), len("concurrent"), 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, block.SectorSize)
			_, err := c.Read(0, buf, block.SectorSize, 0)
			require.NoError(t, err)
		}()
	}
	wg.Wait()
}
