// Package swap implements the swap subsystem of spec.md section 4.3:
// a bitmap-managed backing store on BLOCK_SWAP, one slot per page (8
// contiguous sectors), with a single lock serializing every read and
// write. Grounded on original_source/src/vm/swap.c.
package swap

import (
	"fmt"

	"github.com/kapilsinha/eduos-vmfs/bitmap"
	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/frame"
	"github.com/kapilsinha/eduos-vmfs/ksync"
	"github.com/kapilsinha/eduos-vmfs/log"
)

// SectorsPerSlot is the number of BLOCK_SWAP sectors one page occupies.
const SectorsPerSlot = frame.PageSize / block.SectorSize

// Slot identifies one page-sized region of BLOCK_SWAP.
type Slot uint

// Swap is the global swap area: a bitmap of slot occupancy and a lock
// serializing all I/O against it (swap.c's single swap_lock guards
// both swap_write and swap_read).
type Swap struct {
	dev    block.Device
	occ    *bitmap.Bitmap
	lock   *ksync.Lock
	nslots uint
}

// New wraps dev (expected role BLOCK_SWAP) as a swap area sized to
// however many whole slots its sector count provides.
func New(dev block.Device) (*Swap, error) {
	nslots := uint(dev.SectorCount() / SectorsPerSlot)
	if nslots == 0 {
		return nil, fmt.Errorf("swap: device has %d sectors, fewer than one slot (%d sectors)", dev.SectorCount(), SectorsPerSlot)
	}
	s := &Swap{
		dev:    dev,
		occ:    bitmap.New(nslots),
		lock:   ksync.NewLock(),
		nslots: nslots,
	}
	log.For("swap").WithField("slots", nslots).Info("swap area initialized")
	return s, nil
}

// NumSlots reports the swap area's total slot capacity.
func (s *Swap) NumSlots() uint { return s.nslots }

// Write scans for a cleared bit, sets it, copies page into the slot's
// eight sectors, and returns the slot (spec.md section 4.3's write).
// page must be exactly frame.PageSize bytes.
func (s *Swap) Write(page []byte) (Slot, error) {
	if len(page) != frame.PageSize {
		return 0, fmt.Errorf("swap: page must be %d bytes, got %d", frame.PageSize, len(page))
	}
	s.lock.Acquire(nil)
	defer s.lock.Release(nil)

	idx, ok := s.occ.Alloc()
	if !ok {
		panic("swap: swap area exhausted")
	}
	if err := s.writeSlotLocked(Slot(idx), page); err != nil {
		s.occ.Clear(idx)
		return 0, err
	}
	return Slot(idx), nil
}

// Read asserts slot is occupied, copies its eight sectors into page,
// and clears the bit (spec.md section 4.3's read). page must be
// exactly frame.PageSize bytes.
func (s *Swap) Read(page []byte, slot Slot) error {
	if len(page) != frame.PageSize {
		return fmt.Errorf("swap: page must be %d bytes, got %d", frame.PageSize, len(page))
	}
	s.lock.Acquire(nil)
	defer s.lock.Release(nil)

	if !s.occ.Test(uint(slot)) {
		panic(fmt.Sprintf("swap: read of unoccupied slot %d", slot))
	}
	base := int64(slot) * SectorsPerSlot
	for i := int64(0); i < SectorsPerSlot; i++ {
		if err := s.dev.ReadSector(base+i, page[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			return fmt.Errorf("swap: read slot %d sector %d: %w", slot, base+i, err)
		}
	}
	s.occ.Clear(uint(slot))
	return nil
}

// Free releases slot without reading it back, used when a process
// exits with pages still resident in swap (spec.md end-to-end scenario
// 6: "the swap bitmap returns to empty at process exit").
func (s *Swap) Free(slot Slot) {
	s.lock.Acquire(nil)
	defer s.lock.Release(nil)
	s.occ.Clear(uint(slot))
}

func (s *Swap) writeSlotLocked(slot Slot, page []byte) error {
	base := int64(slot) * SectorsPerSlot
	for i := int64(0); i < SectorsPerSlot; i++ {
		if err := s.dev.WriteSector(base+i, page[i*block.SectorSize:(i+1)*block.SectorSize]); err != nil {
			return fmt.Errorf("swap: write slot %d sector %d: %w", slot, base+i, err)
		}
	}
	return nil
}
