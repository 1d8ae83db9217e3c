// Package vm implements the per-process supplemental page table and
// page-fault handler of spec.md section 4.7, grounded on
// original_source/src/vm/page.c/page.h (a thin stub in the retrieved
// sources; semantics are inferred from spec.md section 4.7 itself and
// from frame.c's eviction contract) and styled after
// biscuit/src/vm/as.go's per-address-space map of resident regions.
package vm

import (
	"fmt"
	"sync"

	"github.com/kapilsinha/eduos-vmfs/errno"
	"github.com/kapilsinha/eduos-vmfs/frame"
	"github.com/kapilsinha/eduos-vmfs/fs"
	"github.com/kapilsinha/eduos-vmfs/ksync"
	"github.com/kapilsinha/eduos-vmfs/log"
	"github.com/kapilsinha/eduos-vmfs/swap"
)

// Source identifies what backs a supplemental entry's authoritative
// contents (spec.md section 3's "source").
type Source int

const (
	SourceExecutable Source = iota
	SourceStack
	SourceMMAP
)

// Location identifies where a page's contents currently live.
type Location int

const (
	LocationInFile Location = iota
	LocationInSwap
	LocationInMemory
)

// EvictionState tracks an entry's position in the eviction protocol.
type EvictionState int

const (
	StateResident EvictionState = iota
	StateEvicting
	StateEvicted
)

// Entry is one supplemental page table entry (spec.md section 3).
type Entry struct {
	Source     Source
	VPage      uintptr
	SaveToSwap bool
	Location   Location
	State      EvictionState
	EvictLock  *ksync.Lock
	SwapSlot   swap.Slot

	// File backing parameters, valid when Source is EXECUTABLE or MMAP.
	File       *fs.FileHandle
	FileOffset int64
	ReadBytes  uint32
	ZeroBytes  uint32
	Writable   bool

	frameIdx int // valid when State == StateResident
}

// Table is a process's supplemental page table: a map from
// page-aligned virtual address to Entry, guarded by its own mutex
// (spec.md section 4.7). It implements frame.Owner so the frame table
// can ask it to write back a victim frame's contents.
type Table struct {
	mu      sync.Mutex
	entries map[uintptr]*Entry

	fsys   *fs.FileSystem
	frames *frame.Table
	swap   *swap.Swap
}

// NewTable constructs an empty supplemental page table backed by the
// given file system, frame table, and swap area.
func NewTable(fsys *fs.FileSystem, frames *frame.Table, sw *swap.Swap) *Table {
	return &Table{
		entries: make(map[uintptr]*Entry),
		fsys:    fsys,
		frames:  frames,
		swap:    sw,
	}
}

// AddExecEntry records one page of an executable segment (spec.md
// section 4.7: "each executable segment contributes one supplemental
// entry per page with source EXECUTABLE, save_to_swap=1,
// location=IN_FILE, writable from the ELF flags").
func (t *Table) AddExecEntry(vpage uintptr, file *fs.FileHandle, fileOffset int64, readBytes, zeroBytes uint32, writable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vpage] = &Entry{
		Source:     SourceExecutable,
		VPage:      vpage,
		SaveToSwap: true,
		Location:   LocationInFile,
		State:      StateEvicted,
		EvictLock:  ksync.NewLock(),
		File:       file,
		FileOffset: fileOffset,
		ReadBytes:  readBytes,
		ZeroBytes:  zeroBytes,
		Writable:   writable,
	}
}

// AddMMAPEntry installs one MMAP supplemental entry for a page of a
// memory-mapped file (spec.md section 4.8).
func (t *Table) AddMMAPEntry(vpage uintptr, file *fs.FileHandle, fileOffset int64, readBytes uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vpage] = &Entry{
		Source:     SourceMMAP,
		VPage:      vpage,
		SaveToSwap: false,
		Location:   LocationInFile,
		State:      StateEvicted,
		EvictLock:  ksync.NewLock(),
		File:       file,
		FileOffset: fileOffset,
		ReadBytes:  readBytes,
		ZeroBytes:  uint32(frame.PageSize) - readBytes,
		Writable:   true,
	}
}

// AddStackEntry installs a new STACK supplemental entry and eagerly
// loads it with a zeroed frame (spec.md section 4.7 step 2/4). Used
// both for the eager first stack page and for lazily grown pages.
func (t *Table) AddStackEntry(vpage uintptr) (*Entry, error) {
	t.mu.Lock()
	e := &Entry{
		Source:     SourceStack,
		VPage:      vpage,
		SaveToSwap: true,
		Location:   LocationInMemory,
		State:      StateEvicted,
		EvictLock:  ksync.NewLock(),
		Writable:   true,
	}
	t.entries[vpage] = e
	t.mu.Unlock()

	if err := t.load(e); err != nil {
		return nil, err
	}
	return e, nil
}

// RemoveEntry deletes vpage's supplemental entry, freeing its frame
// first if resident (used by munmap).
func (t *Table) RemoveEntry(vpage uintptr) {
	t.mu.Lock()
	e, ok := t.entries[vpage]
	if ok {
		delete(t.entries, vpage)
	}
	resident := ok && e.State == StateResident
	idx := 0
	if resident {
		idx = e.frameIdx
	}
	t.mu.Unlock()
	if resident {
		t.frames.Free(t.frames.GetEntry(idx))
	}
}

// Lookup returns the entry for vpage, or nil if none exists.
func (t *Table) Lookup(vpage uintptr) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[vpage]
}

// Dirty reports whether a resident entry's frame has been written to
// since it was loaded, consulted by munmap's write-back-only-if-dirty
// rule (spec.md section 4.8).
func (t *Table) Dirty(vpage uintptr) bool {
	t.mu.Lock()
	e, ok := t.entries[vpage]
	t.mu.Unlock()
	if !ok || e.State != StateResident {
		return false
	}
	return t.frames.GetEntry(e.frameIdx).Dirty()
}

// Bytes returns the resident frame's contents for vpage, or nil if the
// entry is not resident. This is the module's only mutable accessor to
// a resident page, so it marks the frame accessed and dirty on every
// call rather than trusting callers to report back whether they wrote
// through it -- clock replacement, munmap's write-back and the NRU
// policy all rely on those bits being set by real use, not just by
// test code.
func (t *Table) Bytes(vpage uintptr) []byte {
	t.mu.Lock()
	e, ok := t.entries[vpage]
	t.mu.Unlock()
	if !ok || e.State != StateResident {
		return nil
	}
	t.frames.GetEntry(e.frameIdx).MarkAccessed()
	t.frames.GetEntry(e.frameIdx).MarkDirty()
	return t.frames.Bytes(e.frameIdx)
}

// userSpaceLimit stands in for the user/kernel address-space split:
// this hosted module has no real kernel segment to collide with, so
// it is set generously high and exists only to satisfy spec.md section
// 4.7's is_user(a) predicate.
const userSpaceLimit = uintptr(1) << 47

func isUser(a uintptr) bool { return a < userSpaceLimit }

// HandleFault routes a page fault at address addr with the faulting
// stack pointer esp, implementing spec.md section 4.7's six-step
// algorithm exactly. Returns errno.EFAULT if the fault cannot be
// resolved (caller should terminate the faulting process with status
// -1, per spec.md section 6).
func (t *Table) HandleFault(addr, esp uintptr) error {
	v := roundDownPage(addr)

	e := t.Lookup(v)
	if e == nil {
		if isUser(addr) && (addr == esp-4 || addr == esp-32 || addr > esp) {
			_, err := t.AddStackEntry(v)
			return err
		}
		return errno.EFAULT
	}

	t.mu.Lock()
	resident := e.State == StateResident
	t.mu.Unlock()
	if resident {
		return nil
	}
	return t.load(e)
}

func roundDownPage(a uintptr) uintptr {
	return a &^ (uintptr(frame.PageSize) - 1)
}

// load performs steps 4-6 of spec.md section 4.7: allocate a frame,
// materialize the entry's contents from its authoritative source, and
// mark it resident. Held under the entry's evict_lock for the
// duration, excluding concurrent eviction (spec.md section 4.7:
// "any install acquires the entry's evict_lock for the duration").
func (t *Table) load(e *Entry) error {
	e.EvictLock.Acquire(nil)
	defer e.EvictLock.Release(nil)

	entry, buf, err := t.frames.Get(t, e.VPage)
	if err != nil {
		return fmt.Errorf("vm: load vpage %#x: %w", e.VPage, err)
	}

	switch {
	case e.Location == LocationInSwap:
		if err := t.swap.Read(buf, e.SwapSlot); err != nil {
			t.frames.Free(entry)
			return fmt.Errorf("vm: swap-in vpage %#x: %w", e.VPage, err)
		}
		t.swap.Free(e.SwapSlot)
	case e.Source == SourceStack:
		// buf is already zeroed by frame.Table.Get.
	default: // EXECUTABLE or MMAP, IN_FILE
		n, err := t.fsys.Read(e.fileHandleAt(), buf[:e.ReadBytes])
		if err != nil {
			t.frames.Free(entry)
			return fmt.Errorf("vm: load vpage %#x from file: %w", e.VPage, err)
		}
		for i := n; i < int(e.ReadBytes); i++ {
			buf[i] = 0
		}
		for i := int(e.ReadBytes); i < len(buf); i++ {
			buf[i] = 0
		}
	}

	t.mu.Lock()
	e.State = StateResident
	e.Location = LocationInMemory
	e.frameIdx = entry.Index
	t.mu.Unlock()
	entry.MarkAccessed()
	log.For("vm").WithField("vpage", fmt.Sprintf("%#x", e.VPage)).Debug("page loaded resident")
	return nil
}

// fileHandleAt seeks the entry's backing file handle to its page
// offset and returns it, ready for a sequential read/write of exactly
// one page's worth of data.
func (e *Entry) fileHandleAt() *fs.FileHandle {
	e.File.Seek(e.FileOffset)
	return e.File
}

// Evict implements frame.Owner: write the frame's contents back to
// swap or to the entry's backing file per save_to_swap, then mark the
// entry evicted (spec.md sections 4.7 and 4.2).
func (t *Table) Evict(vpage uintptr, contents []byte) error {
	e := t.Lookup(vpage)
	if e == nil {
		return fmt.Errorf("vm: evict: no supplemental entry for vpage %#x", vpage)
	}

	e.EvictLock.Acquire(nil)
	defer e.EvictLock.Release(nil)

	t.mu.Lock()
	e.State = StateEvicting
	t.mu.Unlock()

	if e.SaveToSwap {
		slot, err := t.swap.Write(contents)
		if err != nil {
			return fmt.Errorf("vm: evict vpage %#x to swap: %w", vpage, err)
		}
		t.mu.Lock()
		e.SwapSlot = slot
		e.Location = LocationInSwap
		t.mu.Unlock()
	} else if e.File != nil && e.Writable {
		if _, err := t.fsys.Write(e.fileHandleAt(), contents[:e.ReadBytes]); err != nil {
			return fmt.Errorf("vm: evict vpage %#x to file: %w", vpage, err)
		}
		t.mu.Lock()
		e.Location = LocationInFile
		t.mu.Unlock()
	}

	t.mu.Lock()
	e.State = StateEvicted
	e.frameIdx = -1
	t.mu.Unlock()
	return nil
}

// Exit walks the supplemental table, returning every resident frame
// to the frame table and every occupied swap slot to the swap area,
// then discards the table (spec.md section 4.7: "process exit walks
// the supplemental table: for each resident page, free its frame; then
// destroy the table").
func (t *Table) Exit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for vpage, e := range t.entries {
		if e.State == StateResident {
			entry := t.frames.GetEntry(e.frameIdx)
			t.frames.Free(entry)
		} else if e.Location == LocationInSwap {
			t.swap.Free(e.SwapSlot)
		}
		delete(t.entries, vpage)
	}
}
