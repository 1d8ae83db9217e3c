// Package frame implements the physical frame table: a fixed-size
// array of page frames, clock (with NRU fallback) replacement, and the
// eviction protocol of spec.md section 4.2. Physical memory is modeled
// as one large anonymous mapping obtained with golang.org/x/sys/unix's
// Mmap, the hosted analogue of Biscuit's mem.Physmem arena -- Biscuit
// itself gets its frames from a modified Go runtime's Get_phys(),
// which this module cannot reuse since it runs as an ordinary hosted
// process (see DESIGN.md).
package frame

import (
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kapilsinha/eduos-vmfs/ksync"
	"github.com/kapilsinha/eduos-vmfs/log"
)

// PageSize is the size in bytes of one virtual/physical page, and
// equals 8 sectors -- the same granularity as one swap slot.
const PageSize = 4096

// Owner is implemented by whatever owns a frame's contents once
// mapped -- the vm package's process supplemental-page-table state.
// The frame table calls Evict while holding the victim's pin lock, as
// spec.md section 4.2 step 2 requires ("resolve the victim's virtual
// page to a supplemental entry on the owning thread").
type Owner interface {
	// Evict writes contents (the frame's current PageSize bytes) to
	// swap or back to the owner's backing file per the supplemental
	// entry's save_to_swap flag, and clears the owner's
	// virtual-to-physical mapping for vpage. It must leave the
	// supplemental entry in the EVICTED eviction_state before
	// returning.
	Evict(vpage uintptr, contents []byte) error
}

// Entry is one frame table slot (spec.md section 3: "the physical
// frame address, in_use, the owning thread and the virtual page
// currently mapped to it, and a pin lock").
type Entry struct {
	Index int

	inUse    bool
	owner    Owner
	vpage    uintptr
	accessed bool
	dirty    bool

	pin *ksync.Lock
}

// InUse reports whether this entry currently holds a resident page.
func (e *Entry) InUse() bool { return e.inUse }

// Owner returns the current owner, or nil if idle.
func (e *Entry) Owner() Owner { return e.owner }

// VPage returns the virtual page currently mapped to this frame.
func (e *Entry) VPage() uintptr { return e.vpage }

// MarkAccessed sets the entry's simulated hardware accessed bit. The
// vm package calls this on every successful access to a resident page,
// since this module has no real page-table accessed bit to read.
func (e *Entry) MarkAccessed() { e.accessed = true }

// MarkDirty sets the entry's simulated dirty bit, consulted by the NRU
// fallback policy and, through Dirty, by munmap.
func (e *Entry) MarkDirty() { e.dirty = true }

// Dirty reports the entry's simulated dirty bit, consulted by munmap's
// write-back-only-if-dirty rule (spec.md section 4.8).
func (e *Entry) Dirty() bool { return e.dirty }

// Table is the frame table: N-1 frames taken from the user pool
// (spec.md section 4.2), backed by one mmap'd arena.
type Table struct {
	mu      sync.Mutex
	arena   []byte
	entries []Entry

	evictLock *ksync.Lock
	clockHand int

	policy Policy
}

// Policy selects an in-use frame index to evict. ClockPolicy is tried
// first; NRUPolicy is the documented fallback (spec.md section 4.2).
type Policy interface {
	SelectVictim(t *Table) (int, bool)
}

// NewTable mmaps nframes*PageSize bytes of anonymous memory and
// initializes an idle frame table over it.
func NewTable(nframes int) (*Table, error) {
	if nframes <= 0 {
		return nil, fmt.Errorf("frame: nframes must be positive, got %d", nframes)
	}
	size := nframes * PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("frame: mmap %d bytes: %w", size, err)
	}
	t := &Table{
		arena:     arena,
		entries:   make([]Entry, nframes),
		evictLock: ksync.NewLock(),
		policy:    ClockPolicy{},
	}
	for i := range t.entries {
		t.entries[i].Index = i
		t.entries[i].pin = ksync.NewLock()
	}
	log.For("frame").WithField("frames", nframes).Info("frame table initialized")
	return t, nil
}

// Close unmaps the physical arena.
func (t *Table) Close() error {
	return unix.Munmap(t.arena)
}

// NumFrames reports the table's capacity.
func (t *Table) NumFrames() int { return len(t.entries) }

// Bytes returns the byte slice backing frame i's physical contents.
func (t *Table) Bytes(i int) []byte {
	return t.arena[i*PageSize : (i+1)*PageSize]
}

// GetEntry returns the entry descriptor for frame i (spec.md section
// 4.2's get_entry).
func (t *Table) GetEntry(i int) *Entry {
	return &t.entries[i]
}

// Get returns an idle frame bound to owner/vpage, evicting a victim
// first if none is idle (spec.md section 4.2's get()). The returned
// byte slice is the frame's zeroed physical contents.
func (t *Table) Get(owner Owner, vpage uintptr) (*Entry, []byte, error) {
	for {
		t.mu.Lock()
		idx, ok := t.findIdleLocked()
		if ok {
			t.entries[idx].inUse = true
			t.entries[idx].owner = owner
			t.entries[idx].vpage = vpage
			t.entries[idx].accessed = false
			t.entries[idx].dirty = false
			t.mu.Unlock()
			e := &t.entries[idx]
			buf := t.Bytes(idx)
			zero(buf)
			return e, buf, nil
		}
		t.mu.Unlock()

		if err := t.evictOne(); err != nil {
			return nil, nil, err
		}
	}
}

func (t *Table) findIdleLocked() (int, bool) {
	for i := range t.entries {
		if !t.entries[i].inUse {
			return i, true
		}
	}
	return 0, false
}

// Free clears a frame's mapping and marks it idle, zeroing its
// contents (spec.md section 4.2's free(); "in debug builds poisons its
// contents" -- this module always zeroes, there being no separate
// release build).
func (t *Table) Free(e *Entry) {
	e.pin.Acquire(nil)
	defer e.pin.Release(nil)

	t.mu.Lock()
	zero(t.Bytes(e.Index))
	e.inUse = false
	e.owner = nil
	e.vpage = 0
	e.accessed = false
	e.dirty = false
	t.mu.Unlock()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// evictOne runs the eviction protocol of spec.md section 4.2 against
// one victim selected by the table's policy, under the global eviction
// lock.
func (t *Table) evictOne() error {
	t.evictLock.Acquire(nil)
	defer t.evictLock.Release(nil)

	// Step 1: select victim, acquire its pin lock.
	idx, ok := t.policy.SelectVictim(t)
	if !ok {
		idx, ok = (NRUPolicy{}).SelectVictim(t)
	}
	if !ok {
		return fmt.Errorf("frame: no victim available to evict (all %d frames pinned)", len(t.entries))
	}
	e := &t.entries[idx]
	e.pin.Acquire(nil)
	defer e.pin.Release(nil)

	t.mu.Lock()
	owner := e.owner
	vpage := e.vpage
	inUse := e.inUse
	t.mu.Unlock()
	if !inUse || owner == nil {
		// Raced with a concurrent Free; nothing to evict, caller retries Get.
		return nil
	}

	// Steps 2-4: resolve to supplemental entry, write back (swap or
	// file), clear the virtual-to-physical mapping. All performed by
	// the owner under its own evict_lock.
	contents := make([]byte, PageSize)
	copy(contents, t.Bytes(idx))
	if err := owner.Evict(vpage, contents); err != nil {
		return fmt.Errorf("frame: evict frame %d: %w", idx, err)
	}

	// Step 5: mark idle, zero, release pin (pin released by defer).
	t.mu.Lock()
	e.inUse = false
	e.owner = nil
	e.vpage = 0
	e.accessed = false
	e.dirty = false
	zero(t.Bytes(idx))
	t.mu.Unlock()

	log.For("frame").WithField("frame", idx).Debug("evicted frame")
	return nil
}

// ClockPolicy implements the clock (second-chance) replacement policy:
// the hand advances past accessed entries, clearing their accessed bit
// as it goes, and selects the first unaccessed in-use entry found.
type ClockPolicy struct{}

// SelectVictim implements Policy.
func (ClockPolicy) SelectVictim(t *Table) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	if n == 0 {
		return 0, false
	}
	for sweep := 0; sweep < 2*n; sweep++ {
		i := t.clockHand
		t.clockHand = (t.clockHand + 1) % n
		e := &t.entries[i]
		if !e.inUse {
			continue
		}
		if e.accessed {
			e.accessed = false
			continue
		}
		return i, true
	}
	return 0, false
}

// NRUPolicy is the fallback replacement policy: classify in-use
// entries by (accessed, dirty), preferring the lowest class, scanning
// from a random starting index to reduce convoy effects (spec.md
// section 4.2).
type NRUPolicy struct{}

// SelectVictim implements Policy.
func (NRUPolicy) SelectVictim(t *Table) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	if n == 0 {
		return 0, false
	}
	start := rand.Intn(n)
	bestIdx := -1
	bestClass := 4
	for k := 0; k < n; k++ {
		i := (start + k) % n
		e := &t.entries[i]
		if !e.inUse {
			continue
		}
		class := nruClass(e.accessed, e.dirty)
		if class < bestClass {
			bestClass = class
			bestIdx = i
			if bestClass == 0 {
				break
			}
		}
	}
	if bestIdx < 0 {
		return 0, false
	}
	return bestIdx, true
}

func nruClass(accessed, dirty bool) int {
	switch {
	case !accessed && !dirty:
		return 0
	case !accessed && dirty:
		return 1
	case accessed && !dirty:
		return 2
	default:
		return 3
	}
}
