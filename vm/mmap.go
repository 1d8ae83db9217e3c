package vm

import (
	"fmt"
	"sync"

	"github.com/kapilsinha/eduos-vmfs/errno"
	"github.com/kapilsinha/eduos-vmfs/frame"
	"github.com/kapilsinha/eduos-vmfs/fs"
)

// Mapping is one mmap entry: mapping id, starting virtual page, file
// size, and the reopened file handle it owns (spec.md section 3's
// "Mmap entry").
type Mapping struct {
	ID        int
	StartPage uintptr
	FileSize  int64
	File      *fs.FileHandle
	npages    int
}

// MmapTable is a process's mapping-id -> Mapping registry (spec.md
// section 4.8, section 4.9's "next-mapping counter").
type MmapTable struct {
	mu       sync.Mutex
	mappings map[int]*Mapping
	nextID   int

	fsys  *fs.FileSystem
	supp  *Table
}

// NewMmapTable constructs an empty mapping registry over the given
// supplemental page table.
func NewMmapTable(fsys *fs.FileSystem, supp *Table) *MmapTable {
	return &MmapTable{
		mappings: make(map[int]*Mapping),
		fsys:     fsys,
		supp:     supp,
	}
}

// Mmap installs a new memory mapping of file at addr (spec.md section
// 4.8). Requires a positive-length file, a page-aligned non-null addr,
// and no conflicting supplemental entries across the file's page
// range; returns errno.EINVAL on any of these, matching the syscall
// contract's "mmap -> mapid | -1".
func (m *MmapTable) Mmap(file *fs.FileHandle, addr uintptr) (int, error) {
	if addr == 0 || addr%frame.PageSize != 0 {
		return -1, errno.EINVAL
	}
	size, err := m.fsys.FileSize(file)
	if err != nil {
		return -1, err
	}
	if size <= 0 {
		return -1, errno.EINVAL
	}

	npages := int((size + frame.PageSize - 1) / frame.PageSize)
	for i := 0; i < npages; i++ {
		if m.supp.Lookup(addr+uintptr(i)*frame.PageSize) != nil {
			return -1, errno.EINVAL
		}
	}

	// spec.md section 4.8 requires "reopen the underlying file for
	// independent cursor/lifetime" so the mapping's read/write cursor
	// never interferes with the caller's own descriptor.
	mappedFile, err := m.fsys.Reopen(file)
	if err != nil {
		return -1, err
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mappings[id] = &Mapping{ID: id, StartPage: addr, FileSize: size, File: mappedFile, npages: npages}
	m.mu.Unlock()

	for i := 0; i < npages; i++ {
		vpage := addr + uintptr(i)*frame.PageSize
		offset := int64(i) * frame.PageSize
		remaining := size - offset
		readBytes := uint32(frame.PageSize)
		if remaining < frame.PageSize {
			readBytes = uint32(remaining)
		}
		m.supp.AddMMAPEntry(vpage, mappedFile, offset, readBytes)
	}
	return id, nil
}

// Munmap tears down a mapping (spec.md section 4.8): writes back any
// dirtied page, closes the reopened file, and removes every
// supplemental entry (freeing its frame if resident).
func (m *MmapTable) Munmap(id int) error {
	m.mu.Lock()
	mapping, ok := m.mappings[id]
	if ok {
		delete(m.mappings, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: munmap: no such mapping %d", id)
	}

	for i := 0; i < mapping.npages; i++ {
		vpage := mapping.StartPage + uintptr(i)*frame.PageSize
		if m.supp.Dirty(vpage) {
			if buf := m.supp.Bytes(vpage); buf != nil {
				offset := int64(i) * frame.PageSize
				writeLen := mapping.FileSize - offset
				if writeLen > frame.PageSize {
					writeLen = frame.PageSize
				}
				mapping.File.Seek(offset)
				if _, err := m.fsys.Write(mapping.File, buf[:writeLen]); err != nil {
					return fmt.Errorf("vm: munmap write-back page %d of mapping %d: %w", i, id, err)
				}
			}
		}
		m.supp.RemoveEntry(vpage)
	}

	return m.fsys.Close(mapping.File)
}

// ExitAll tears down every still-open mapping, per spec.md section
// 4.8's "all maps are torn down on process exit."
func (m *MmapTable) ExitAll() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.mappings))
	for id := range m.mappings {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Munmap(id)
	}
}
