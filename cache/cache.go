// Package cache implements the sector-granularity block cache of
// spec.md section 4.4: a bounded array of sector buffers, each guarded
// by its own reader-writer lock and a separate eviction lock, clock
// replacement, a write-back worker, and a read-ahead worker. Grounded
// on original_source/src/filesys/cache.c and, for the worker
// supervision style, biscuit/src/fs/blk.go's disk-request goroutines.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/ksync"
	"github.com/kapilsinha/eduos-vmfs/log"
)

// errSlotTaken signals that a slot selected for loading was claimed by
// a concurrent loader before this one could take the load lock; the
// caller of find retries against a fresh slot.
var errSlotTaken = errors.New("cache: slot no longer idle")

// errNotFound is find's internal "not present, and active=false" result.
var errNotFound = errors.New("cache: sector not resident")

// entry is one block cache slot (spec.md section 3: "sector number, a
// 512-byte payload buffer, in_use, accessed, dirty, a reader-writer
// lock for payload access, and an eviction lock").
type entry struct {
	meta sync.Mutex // protects sector/inUse/accessed/dirty below

	sector   int64
	inUse    bool
	accessed bool
	dirty    bool

	payload [block.SectorSize]byte

	rw        *ksync.RWLock
	evictLock *ksync.Lock
}

// Cache is the fixed-size block cache.
type Cache struct {
	dev     block.Device
	entries []entry

	mu        sync.Mutex // serializes the linear scan and clock hand
	clockHand int

	readAhead chan int64

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New constructs a cache of nentries slots over dev, all initially
// empty.
func New(dev block.Device, nentries int) *Cache {
	c := &Cache{
		dev:       dev,
		entries:   make([]entry, nentries),
		readAhead: make(chan int64, 256),
	}
	for i := range c.entries {
		c.entries[i].sector = -1
		c.entries[i].rw = ksync.NewRWLock()
		c.entries[i].evictLock = ksync.NewLock()
	}
	return c
}

// Start launches the write-back and read-ahead workers, supervised by
// an errgroup.Group so either worker's unexpected error surfaces from
// Close/Wait.
func (c *Cache) Start(ctx context.Context, writebackPeriod time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g
	c.started = true

	g.Go(func() error {
		c.writebackLoop(ctx, writebackPeriod)
		return nil
	})
	g.Go(func() error {
		c.readAheadLoop(ctx)
		return nil
	})
}

// Close stops the workers (flushing every dirty entry on the way out)
// and waits for them to exit.
func (c *Cache) Close() error {
	if !c.started {
		return c.FlushAll()
	}
	c.cancel()
	err := c.group.Wait()
	if ferr := c.FlushAll(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// Read reads size bytes at offset within sector's payload into buf
// (spec.md section 4.4's read).
func (c *Cache) Read(sector int64, buf []byte, size, offset int) (int, error) {
	for {
		e, err := c.find(sector, true)
		if err != nil {
			return 0, err
		}
		e.rw.ReadAcquire()
		e.meta.Lock()
		ok := e.inUse && e.sector == sector
		e.meta.Unlock()
		if !ok {
			e.rw.ReadRelease()
			continue
		}
		n := copy(buf[:size], e.payload[offset:offset+size])
		e.meta.Lock()
		e.accessed = true
		e.meta.Unlock()
		e.rw.ReadRelease()
		return n, nil
	}
}

// Write writes size bytes from buf into sector's payload at offset
// (spec.md section 4.4's write).
func (c *Cache) Write(sector int64, buf []byte, size, offset int) (int, error) {
	for {
		e, err := c.find(sector, true)
		if err != nil {
			return 0, err
		}
		e.rw.WriteAcquire()
		e.meta.Lock()
		ok := e.inUse && e.sector == sector
		e.meta.Unlock()
		if !ok {
			e.rw.WriteRelease()
			continue
		}
		n := copy(e.payload[offset:offset+size], buf[:size])
		e.meta.Lock()
		e.accessed = true
		e.dirty = true
		e.meta.Unlock()
		e.rw.WriteRelease()
		return n, nil
	}
}

// find locates the entry caching sector, loading it from disk (per
// spec.md section 4.4's find(sector, active)) when active is true and
// the sector is not already resident.
func (c *Cache) find(sector int64, active bool) (*entry, error) {
	if e := c.lookup(sector); e != nil {
		return e, nil
	}
	if !active {
		return nil, errNotFound
	}
	for {
		e, err := c.acquireSlot()
		if err != nil {
			return nil, err
		}
		err = c.loadFromDisk(e, sector)
		if err == errSlotTaken {
			continue
		}
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

func (c *Cache) lookup(sector int64) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		e := &c.entries[i]
		e.meta.Lock()
		match := e.inUse && e.sector == sector
		e.meta.Unlock()
		if match {
			return e
		}
	}
	return nil
}

// acquireSlot returns an idle entry, evicting a victim via clock
// replacement first if none is idle.
func (c *Cache) acquireSlot() (*entry, error) {
	for {
		c.mu.Lock()
		for i := range c.entries {
			e := &c.entries[i]
			e.meta.Lock()
			idle := !e.inUse
			e.meta.Unlock()
			if idle {
				c.mu.Unlock()
				return e, nil
			}
		}
		idx, ok := c.selectVictimLocked()
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("cache: no entry available to evict (all %d entries pinned)", len(c.entries))
		}
		if err := c.evict(&c.entries[idx]); err != nil {
			return nil, err
		}
		// loop: the now-idle entry (or another that freed up meanwhile)
		// will be found on the next pass.
	}
}

// selectVictimLocked implements clock replacement over the cache
// array, called with c.mu held.
func (c *Cache) selectVictimLocked() (int, bool) {
	n := len(c.entries)
	if n == 0 {
		return 0, false
	}
	for sweep := 0; sweep < 2*n; sweep++ {
		i := c.clockHand
		c.clockHand = (c.clockHand + 1) % n
		e := &c.entries[i]
		e.meta.Lock()
		inUse := e.inUse
		accessed := e.accessed
		if inUse && accessed {
			e.accessed = false
		}
		e.meta.Unlock()
		if !inUse || accessed {
			continue
		}
		return i, true
	}
	return 0, false
}

// loadFromDisk loads sector into e, asserting the slot is still idle
// under e's eviction lock (spec.md section 4.4: "asserts the slot is
// still idle, returning failure if not, to force retry"), holding the
// writer lock for the duration of the read so no reader ever observes
// a half-loaded entry (spec.md section 9's resolved open question).
func (c *Cache) loadFromDisk(e *entry, sector int64) error {
	e.evictLock.Acquire(nil)
	defer e.evictLock.Release(nil)

	e.meta.Lock()
	idle := !e.inUse
	e.meta.Unlock()
	if !idle {
		return errSlotTaken
	}

	e.rw.WriteAcquire()
	defer e.rw.WriteRelease()

	if err := c.dev.ReadSector(sector, e.payload[:]); err != nil {
		return fmt.Errorf("cache: load sector %d: %w", sector, err)
	}
	e.meta.Lock()
	e.sector = sector
	e.inUse = true
	e.accessed = false
	e.dirty = false
	e.meta.Unlock()
	return nil
}

// evict writes a dirty victim back to disk and clears its fields
// (spec.md section 4.4's evict).
func (c *Cache) evict(e *entry) error {
	e.evictLock.Acquire(nil)
	defer e.evictLock.Release(nil)

	e.rw.WriteAcquire()
	defer e.rw.WriteRelease()

	e.meta.Lock()
	inUse := e.inUse
	dirty := e.dirty
	sector := e.sector
	e.meta.Unlock()
	if !inUse {
		return nil // already evicted by a racing caller
	}
	if dirty {
		if err := c.dev.WriteSector(sector, e.payload[:]); err != nil {
			return fmt.Errorf("cache: write back sector %d: %w", sector, err)
		}
	}
	e.meta.Lock()
	e.inUse = false
	e.dirty = false
	e.accessed = false
	e.sector = -1
	e.meta.Unlock()
	return nil
}

// EvictSector evicts the entry currently caching s, if any, using the
// same re-verify pattern as Read/Write (spec.md section 4.4's
// evict_sector).
func (c *Cache) EvictSector(s int64) error {
	for {
		e := c.lookup(s)
		if e == nil {
			return nil
		}
		e.meta.Lock()
		stillMatches := e.inUse && e.sector == s
		e.meta.Unlock()
		if !stillMatches {
			continue
		}
		return c.evict(e)
	}
}

// FlushAll writes back every in-use entry regardless of its dirty bit,
// the one-shot form of the write-back worker's periodic sweep.
func (c *Cache) FlushAll() error {
	var firstErr error
	for i := range c.entries {
		e := &c.entries[i]
		e.evictLock.Acquire(nil)
		e.rw.WriteAcquire()
		e.meta.Lock()
		inUse := e.inUse
		sector := e.sector
		e.meta.Unlock()
		if inUse {
			if err := c.dev.WriteSector(sector, e.payload[:]); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("cache: flush sector %d: %w", sector, err)
				}
			} else {
				e.meta.Lock()
				e.dirty = false
				e.meta.Unlock()
			}
		}
		e.rw.WriteRelease()
		e.evictLock.Release(nil)
	}
	return firstErr
}

// writebackLoop periodically flushes every in-use entry regardless of
// its dirty bit (spec.md section 4.4's write-back worker), swallowing
// and logging device errors so it keeps running (spec.md section 7:
// "the cache write-back worker swallows and logs any device error but
// continues").
func (c *Cache) writebackLoop(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.FlushAll(); err != nil {
				log.For("cache").WithError(err).Warn("write-back sweep encountered an error")
			}
		}
	}
}

// EnqueueReadAhead enqueues the next sequential sector for background
// population by the read-ahead worker (spec.md section 4.4: "producers
// enqueue the next sequential sector when a read is satisfied on a
// multi-sector file"). Non-blocking: a full queue silently drops the
// hint, since read-ahead is an optimization, never a correctness
// requirement.
func (c *Cache) EnqueueReadAhead(sector int64) {
	select {
	case c.readAhead <- sector:
	default:
		log.For("cache").WithField("sector", sector).Debug("read-ahead queue full, dropping hint")
	}
}

// readAheadLoop pops queued sector numbers and pulls them into the
// cache, yielding (blocking on the channel) when the queue is empty
// (spec.md section 4.4's read-ahead worker).
func (c *Cache) readAheadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sector := <-c.readAhead:
			if _, err := c.find(sector, true); err != nil {
				log.For("cache").WithError(err).WithField("sector", sector).Debug("read-ahead fetch failed")
			}
		}
	}
}
