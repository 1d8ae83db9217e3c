// Package block provides the raw sector-addressed block device
// abstraction that every other package in this module talks to,
// grounded on biscuit/src/fs/blk.go's Disk_i interface and
// biscuit/src/ufs/ufs.go's ahci_disk_t file-backed test harness.
//
// Sector 0 is reserved (spec.md section 3); sectors are fixed-size and
// addressed by a non-negative integer. Two named roles exist, BLOCK_FS
// and BLOCK_SWAP (spec.md section 6) -- this package does not keep a global
// registry of them (Biscuit's own Disk_i is always passed explicitly to
// the code that needs it, never looked up by name), callers simply open
// one Device per role and hand it to the fs/cache or swap package.
package block

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"

	"github.com/kapilsinha/eduos-vmfs/log"
)

// SectorSize is the fixed sector size in bytes (spec.md §3).
const SectorSize = 512

// Role names a block device's purpose, purely for logging/diagnostics.
type Role string

const (
	// RoleFS names the file-system block device.
	RoleFS Role = "BLOCK_FS"
	// RoleSwap names the swap block device.
	RoleSwap Role = "BLOCK_SWAP"
)

// Device is the sector I/O contract every backing store must satisfy.
type Device interface {
	// ReadSector reads exactly SectorSize bytes from sector s into buf.
	ReadSector(s int64, buf []byte) error
	// WriteSector writes exactly SectorSize bytes from buf to sector s.
	WriteSector(s int64, buf []byte) error
	// SectorCount reports the device's total sector count.
	SectorCount() int64
	// Close releases any underlying resources.
	Close() error
}

var errBufSize = fmt.Errorf("block: buffer must be exactly %d bytes", SectorSize)

// MemDevice is an in-memory block device, the hosted analogue of
// ufs.BootMemFS's in-memory disk image mode; used by tests (the cmd/
// tools always open a FileDevice).
type MemDevice struct {
	mu      sync.Mutex
	sectors [][SectorSize]byte
	role    Role
}

// NewMemDevice allocates an in-memory device with the given sector
// count, all sectors zeroed.
func NewMemDevice(role Role, sectorCount int64) *MemDevice {
	return &MemDevice{sectors: make([][SectorSize]byte, sectorCount), role: role}
}

// ReadSector implements Device.
func (d *MemDevice) ReadSector(s int64, buf []byte) error {
	if len(buf) != SectorSize {
		return errBufSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s < 0 || s >= int64(len(d.sectors)) {
		return fmt.Errorf("block: sector %d out of range for %s", s, d.role)
	}
	copy(buf, d.sectors[s][:])
	return nil
}

// WriteSector implements Device.
func (d *MemDevice) WriteSector(s int64, buf []byte) error {
	if len(buf) != SectorSize {
		return errBufSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s < 0 || s >= int64(len(d.sectors)) {
		return fmt.Errorf("block: sector %d out of range for %s", s, d.role)
	}
	copy(d.sectors[s][:], buf)
	return nil
}

// SectorCount implements Device.
func (d *MemDevice) SectorCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.sectors))
}

// Close implements Device.
func (d *MemDevice) Close() error { return nil }

// FileDevice is a host-file-backed block device opened with aligned,
// unbuffered direct I/O (github.com/ncw/directio), the hosted analogue
// of an AHCI controller talking to a raw disk. Direct I/O requires
// reads/writes aligned to directio.AlignSize, which this module's
// SectorSize (512B) does not meet on its own, so FileDevice performs a
// read-modify-write of the enclosing aligned block on every sector
// access -- exactly the kind of alignment bookkeeping a real raw-disk
// driver performs.
type FileDevice struct {
	mu          sync.Mutex
	f           *os.File
	role        Role
	sectorCount int64
	alignSize   int
	secPerBlk   int64
}

// OpenFileDevice opens (creating if necessary) a host file as a direct
// I/O block device sized to sectorCount sectors.
func OpenFileDevice(role Role, path string, sectorCount int64) (*FileDevice, error) {
	align := directio.AlignSize
	if align%SectorSize != 0 {
		return nil, fmt.Errorf("block: directio align size %d is not a multiple of sector size %d", align, SectorSize)
	}
	secPerBlk := int64(align / SectorSize)
	if sectorCount%secPerBlk != 0 {
		sectorCount += secPerBlk - sectorCount%secPerBlk
	}

	needSize := sectorCount * SectorSize
	if fi, err := os.Stat(path); err != nil || fi.Size() < needSize {
		if err := preallocate(path, needSize); err != nil {
			return nil, err
		}
	}

	f, err := directio.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("block: open %s (%s): %w", path, role, err)
	}
	log.For("block").WithField("role", role).WithField("path", path).
		Debug("opened direct-io block device")
	return &FileDevice{f: f, role: role, sectorCount: sectorCount, alignSize: align, secPerBlk: secPerBlk}, nil
}

func preallocate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func (d *FileDevice) alignedOffsetFor(s int64) (blockOff int64, within int64) {
	blk := s / d.secPerBlk
	within = (s % d.secPerBlk) * SectorSize
	blockOff = blk * int64(d.alignSize)
	return
}

// ReadSector implements Device.
func (d *FileDevice) ReadSector(s int64, buf []byte) error {
	if len(buf) != SectorSize {
		return errBufSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s < 0 || s >= d.sectorCount {
		return fmt.Errorf("block: sector %d out of range for %s", s, d.role)
	}
	off, within := d.alignedOffsetFor(s)
	ab := directio.AlignedBlock(d.alignSize)
	if _, err := d.f.ReadAt(ab, off); err != nil && err != io.EOF {
		return err
	}
	copy(buf, ab[within:within+SectorSize])
	return nil
}

// WriteSector implements Device.
func (d *FileDevice) WriteSector(s int64, buf []byte) error {
	if len(buf) != SectorSize {
		return errBufSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s < 0 || s >= d.sectorCount {
		return fmt.Errorf("block: sector %d out of range for %s", s, d.role)
	}
	off, within := d.alignedOffsetFor(s)
	ab := directio.AlignedBlock(d.alignSize)
	if _, err := d.f.ReadAt(ab, off); err != nil && err != io.EOF {
		return err
	}
	copy(ab[within:within+SectorSize], buf)
	_, err := d.f.WriteAt(ab, off)
	return err
}

// SectorCount implements Device.
func (d *FileDevice) SectorCount() int64 {
	return d.sectorCount
}

// Close implements Device.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
