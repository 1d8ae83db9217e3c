// Package bitmap implements the persistent, first-fit bit-vector
// allocator shared by the free-sector map and the swap slot map
// (spec.md section 3, section 4.3). The retrieved original_source/
// pack does not carry Pintos's own bitmap.c/free-map.c, so this
// package is grounded directly on spec.md's description of the
// on-disk layout ("sector 1: free-sector bitmap header; data follows
// in subsequent sectors") together with github.com/willf/bitset's
// marshaling contract.
package bitmap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/willf/bitset"

	"github.com/kapilsinha/eduos-vmfs/block"
)

// Bitmap is a fixed-length bit vector with first-fit allocation,
// guarded by its own lock (spec.md section 5: "the free-sector map,
// the swap bitmap ... are shared mutable state protected by their own
// dedicated locks").
type Bitmap struct {
	mu    sync.Mutex
	bits  *bitset.BitSet
	nbits uint
}

// New allocates an all-clear bitmap of the given length.
func New(nbits uint) *Bitmap {
	return &Bitmap{bits: bitset.New(nbits), nbits: nbits}
}

// Len reports the bitmap's bit length.
func (b *Bitmap) Len() uint {
	return b.nbits
}

// Test reports whether bit i is set.
func (b *Bitmap) Test(i uint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits.Test(i)
}

// Set marks bit i in use. Setting an already-set bit is a no-op; Set
// does not check the bit's previous state, so callers that care call
// Test first.
func (b *Bitmap) Set(i uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits.Set(i)
}

// Clear marks bit i free.
func (b *Bitmap) Clear(i uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits.Clear(i)
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits.Count()
}

// Alloc finds the lowest-indexed clear bit, sets it, and returns its
// index. ok is false if the bitmap is entirely full.
func (b *Bitmap) Alloc() (idx uint, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, found := b.bits.NextClear(0)
	if !found || i >= b.nbits {
		return 0, false
	}
	b.bits.Set(i)
	return i, true
}

// AllocRun finds the lowest-indexed run of n contiguous clear bits,
// sets all of them, and returns the run's start index. This is the
// first-fit contiguous allocation spec.md section 3 describes for
// free-sector allocation and the 8-sector swap slot allocation of
// spec.md section 4.3.
func (b *Bitmap) AllocRun(n uint) (start uint, ok bool) {
	if n == 0 {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	candidate, found := b.bits.NextClear(0)
	for found && candidate+n <= b.nbits {
		runOK := true
		var conflictAt uint
		for j := uint(0); j < n; j++ {
			if b.bits.Test(candidate + j) {
				runOK = false
				conflictAt = candidate + j
				break
			}
		}
		if runOK {
			for j := uint(0); j < n; j++ {
				b.bits.Set(candidate + j)
			}
			return candidate, true
		}
		next, ok2 := b.bits.NextClear(conflictAt + 1)
		if !ok2 {
			break
		}
		candidate = next
		found = true
	}
	return 0, false
}

// FreeRun clears n contiguous bits starting at start.
func (b *Bitmap) FreeRun(start, n uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for j := uint(0); j < n; j++ {
		b.bits.Clear(start + j)
	}
}

const headerMagic uint32 = 0xB17A51

// header is stored in the bitmap's designated header sector: a magic
// number guarding against reading an uninitialized/foreign sector, the
// bit length, and the byte length of the marshaled payload that
// follows in the sectors immediately after.
type header struct {
	Magic    uint32
	NBits    uint64
	PayloadN uint64
}

// Load reads a bitmap previously written by Store from dev, starting
// at headerSector.
func Load(dev block.Device, headerSector int64) (*Bitmap, error) {
	hbuf := make([]byte, block.SectorSize)
	if err := dev.ReadSector(headerSector, hbuf); err != nil {
		return nil, fmt.Errorf("bitmap: read header sector %d: %w", headerSector, err)
	}
	var h header
	h.Magic = binary.LittleEndian.Uint32(hbuf[0:4])
	h.NBits = binary.LittleEndian.Uint64(hbuf[4:12])
	h.PayloadN = binary.LittleEndian.Uint64(hbuf[12:20])
	if h.Magic != headerMagic {
		return nil, fmt.Errorf("bitmap: bad header magic at sector %d (not formatted?)", headerSector)
	}

	payload := make([]byte, 0, h.PayloadN)
	remaining := h.PayloadN
	sec := headerSector + 1
	sbuf := make([]byte, block.SectorSize)
	for remaining > 0 {
		if err := dev.ReadSector(sec, sbuf); err != nil {
			return nil, fmt.Errorf("bitmap: read payload sector %d: %w", sec, err)
		}
		take := uint64(block.SectorSize)
		if take > remaining {
			take = remaining
		}
		payload = append(payload, sbuf[:take]...)
		remaining -= take
		sec++
	}

	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("bitmap: unmarshal payload: %w", err)
	}
	return &Bitmap{bits: bs, nbits: uint(h.NBits)}, nil
}

// Store persists the bitmap to dev starting at headerSector, occupying
// as many subsequent sectors as the marshaled payload needs.
func (b *Bitmap) Store(dev block.Device, headerSector int64) error {
	b.mu.Lock()
	payload, err := b.bits.MarshalBinary()
	nbits := b.nbits
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("bitmap: marshal: %w", err)
	}

	hbuf := make([]byte, block.SectorSize)
	binary.LittleEndian.PutUint32(hbuf[0:4], headerMagic)
	binary.LittleEndian.PutUint64(hbuf[4:12], uint64(nbits))
	binary.LittleEndian.PutUint64(hbuf[12:20], uint64(len(payload)))
	if err := dev.WriteSector(headerSector, hbuf); err != nil {
		return fmt.Errorf("bitmap: write header sector %d: %w", headerSector, err)
	}

	sec := headerSector + 1
	for off := 0; off < len(payload); off += block.SectorSize {
		sbuf := make([]byte, block.SectorSize)
		end := off + block.SectorSize
		if end > len(payload) {
			end = len(payload)
		}
		copy(sbuf, payload[off:end])
		if err := dev.WriteSector(sec, sbuf); err != nil {
			return fmt.Errorf("bitmap: write payload sector %d: %w", sec, err)
		}
		sec++
	}
	return nil
}

// SectorsNeeded reports how many sectors (including the header) a
// bitmap of nbits bits occupies once persisted, used by mkfs to lay
// out the rest of the file system after the bitmap region.
func SectorsNeeded(nbits uint) int64 {
	payloadBytes := (nbits + 7) / 8
	payloadBytes += 8 // willf/bitset.MarshalBinary prefixes an 8-byte length word
	sectors := int64(1) // header sector
	sectors += (int64(payloadBytes) + block.SectorSize - 1) / block.SectorSize
	return sectors
}
