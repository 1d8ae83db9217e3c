// Package fs implements the on-disk inode, free-sector map, and
// directory layer of spec.md sections 4.5/4.6, grounded on
// original_source/src/filesys/inode.c and directory.c.
package fs

import (
	"fmt"
	"sync"

	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/errno"
	"github.com/kapilsinha/eduos-vmfs/ksync"
)

// Sector identifies a sector on the BLOCK_FS device.
type Sector = int64

// NoSector is byteToSector's result for a position beyond the file's
// length.
const NoSector Sector = -1

// On-disk layout constants (spec.md section 3 and GLOSSARY).
const (
	NDirect         = 12
	NIndirectEnt    = block.SectorSize / 4 // 128 four-byte sector addresses per table
	NDoubleIndirect = NIndirectEnt * NIndirectEnt

	// MaxBlocks is the largest block index an inode's map can reach:
	// 12 direct + 128 single-indirect + 128*128 double-indirect = 16524,
	// matching spec.md's MAX_SECTORS.
	MaxBlocks = NDirect + NIndirectEnt + NDoubleIndirect
)

// inode header field indices, each an 8-byte field (fieldr/fieldw).
const (
	fDirectBase = 0 // fields 0..11
	fIndirect   = NDirect
	fDouble     = NDirect + 1
	fIsDir      = NDirect + 2
	fParent     = NDirect + 3
	fLength     = NDirect + 4
	fMagic      = NDirect + 5
)

const inodeMagic = 0x696e6f64 // "inod"

// onDiskInode is a single 512-byte sector's worth of inode header
// fields, addressed the way biscuit/src/fs/super.go addresses
// Superblock_t's fields.
type onDiskInode struct {
	buf [block.SectorSize]byte
}

func (d *onDiskInode) direct(i int) Sector    { return fieldr(d.buf[:], fDirectBase+i) }
func (d *onDiskInode) setDirect(i int, s Sector) { fieldw(d.buf[:], fDirectBase+i, s) }
func (d *onDiskInode) indirect() Sector       { return fieldr(d.buf[:], fIndirect) }
func (d *onDiskInode) setIndirect(s Sector)   { fieldw(d.buf[:], fIndirect, s) }
func (d *onDiskInode) double() Sector         { return fieldr(d.buf[:], fDouble) }
func (d *onDiskInode) setDouble(s Sector)     { fieldw(d.buf[:], fDouble, s) }
func (d *onDiskInode) isDir() bool            { return fieldr(d.buf[:], fIsDir) != 0 }
func (d *onDiskInode) setIsDir(v bool) {
	n := int64(0)
	if v {
		n = 1
	}
	fieldw(d.buf[:], fIsDir, n)
}
func (d *onDiskInode) parent() Sector       { return fieldr(d.buf[:], fParent) }
func (d *onDiskInode) setParent(s Sector)   { fieldw(d.buf[:], fParent, s) }
func (d *onDiskInode) length() int64        { return fieldr(d.buf[:], fLength) }
func (d *onDiskInode) setLength(n int64)    { fieldw(d.buf[:], fLength, n) }
func (d *onDiskInode) magic() int64         { return fieldr(d.buf[:], fMagic) }
func (d *onDiskInode) setMagic()            { fieldw(d.buf[:], fMagic, inodeMagic) }

// Inode is the in-memory inode: a sector, an open count, a removed
// flag, and an extension lock serializing file-growth operations
// (spec.md section 3's "in-memory inode").
type Inode struct {
	fs     *FileSystem
	sector Sector

	mu            sync.Mutex
	openCount     int
	removed       bool
	denyWriteCnt  int

	extLock *ksync.Lock
}

// Sector returns the inode's own on-disk sector, used as its inumber.
func (ino *Inode) Sector() Sector { return ino.sector }

// IsDir reports whether the inode is a directory, reading the
// authoritative on-disk flag through the cache.
func (ino *Inode) IsDir() (bool, error) {
	d, err := ino.fs.readHeader(ino.sector)
	if err != nil {
		return false, err
	}
	return d.isDir(), nil
}

// Length returns the inode's current byte length.
func (ino *Inode) Length() (int64, error) {
	d, err := ino.fs.readHeader(ino.sector)
	if err != nil {
		return 0, err
	}
	return d.length(), nil
}

// ParentSector returns the sector of the parent directory's inode.
func (ino *Inode) ParentSector() (Sector, error) {
	d, err := ino.fs.readHeader(ino.sector)
	if err != nil {
		return 0, err
	}
	return d.parent(), nil
}

// DenyWrite increments the inode's deny-write counter (spec.md section
// 8 invariant 6: deny_write_count <= open_count).
func (ino *Inode) DenyWrite() {
	ino.mu.Lock()
	ino.denyWriteCnt++
	ino.mu.Unlock()
}

// AllowWrite decrements the inode's deny-write counter.
func (ino *Inode) AllowWrite() {
	ino.mu.Lock()
	if ino.denyWriteCnt > 0 {
		ino.denyWriteCnt--
	}
	ino.mu.Unlock()
}

func (ino *Inode) writeDenied() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.denyWriteCnt > 0
}

// readHeader reads and validates the on-disk inode header through the
// block cache.
func (fs *FileSystem) readHeader(sector Sector) (*onDiskInode, error) {
	d := &onDiskInode{}
	if _, err := fs.cache.Read(sector, d.buf[:], block.SectorSize, 0); err != nil {
		return nil, fmt.Errorf("fs: read inode sector %d: %w", sector, err)
	}
	if d.magic() != inodeMagic {
		panic(fmt.Sprintf("fs: corrupted inode magic at sector %d", sector))
	}
	return d, nil
}

func (fs *FileSystem) writeHeader(sector Sector, d *onDiskInode) error {
	_, err := fs.cache.Write(sector, d.buf[:], block.SectorSize, 0)
	return err
}

// byteToSector maps a byte position in an inode's data to its physical
// sector, walking direct/indirect/double-indirect tables through the
// cache (spec.md section 4.5). Returns NoSector if pos is at or beyond
// the inode's length.
func (fs *FileSystem) byteToSector(ino *Inode, pos int64) (Sector, error) {
	d, err := fs.readHeader(ino.sector)
	if err != nil {
		return NoSector, err
	}
	if pos >= d.length() {
		return NoSector, nil
	}
	blockIdx := int(pos / block.SectorSize)
	return fs.blockSector(d, blockIdx)
}

func (fs *FileSystem) blockSector(d *onDiskInode, blockIdx int) (Sector, error) {
	switch {
	case blockIdx < NDirect:
		return d.direct(blockIdx), nil
	case blockIdx < NDirect+NIndirectEnt:
		return fs.readTableEntry(d.indirect(), blockIdx-NDirect)
	case blockIdx < MaxBlocks:
		rem := blockIdx - NDirect - NIndirectEnt
		outer := rem / NIndirectEnt
		inner := rem % NIndirectEnt
		indSector, err := fs.readTableEntry(d.double(), outer)
		if err != nil {
			return NoSector, err
		}
		return fs.readTableEntry(indSector, inner)
	default:
		panic(fmt.Sprintf("fs: block index %d exceeds MAX_SECTORS", blockIdx))
	}
}

func (fs *FileSystem) readTableEntry(tableSector Sector, idx int) (Sector, error) {
	if tableSector == 0 {
		return NoSector, nil
	}
	buf := make([]byte, block.SectorSize)
	if _, err := fs.cache.Read(tableSector, buf, block.SectorSize, 0); err != nil {
		return NoSector, fmt.Errorf("fs: read indirect table sector %d: %w", tableSector, err)
	}
	return Sector(field32r(buf, idx)), nil
}

func (fs *FileSystem) writeTableEntry(tableSector Sector, idx int, val Sector) error {
	var b [4]byte
	field32w(b[:], 0, int64(val))
	_, err := fs.cache.Write(tableSector, b[:], 4, idx*4)
	return err
}

// inodeExtend grows an inode's block map so that block index
// newBlocks-1 is allocated, zeroing every newly allocated data
// sector, allocating an indirect table the first time index 12 is
// reached and a double-indirect table (plus secondary tables every 128
// further blocks) the first time index 140 is reached (spec.md section
// 4.5).
func (fs *FileSystem) inodeExtend(d *onDiskInode, sector Sector, oldBlocks, newBlocks int) error {
	zero := make([]byte, block.SectorSize)
	for b := oldBlocks; b < newBlocks; b++ {
		dataSec, err := fs.allocSector()
		if err != nil {
			return err
		}
		if _, err := fs.cache.Write(dataSec, zero, block.SectorSize, 0); err != nil {
			return err
		}
		switch {
		case b < NDirect:
			d.setDirect(b, dataSec)
		case b < NDirect+NIndirectEnt:
			if d.indirect() == 0 {
				tbl, err := fs.allocSector()
				if err != nil {
					return err
				}
				if _, err := fs.cache.Write(tbl, zero, block.SectorSize, 0); err != nil {
					return err
				}
				d.setIndirect(tbl)
			}
			if err := fs.writeTableEntry(d.indirect(), b-NDirect, dataSec); err != nil {
				return err
			}
		case b < MaxBlocks:
			if d.double() == 0 {
				tbl, err := fs.allocSector()
				if err != nil {
					return err
				}
				if _, err := fs.cache.Write(tbl, zero, block.SectorSize, 0); err != nil {
					return err
				}
				d.setDouble(tbl)
			}
			rem := b - NDirect - NIndirectEnt
			outer := rem / NIndirectEnt
			inner := rem % NIndirectEnt
			secondary, err := fs.readTableEntry(d.double(), outer)
			if err != nil {
				return err
			}
			if secondary == 0 {
				tbl, err := fs.allocSector()
				if err != nil {
					return err
				}
				if _, err := fs.cache.Write(tbl, zero, block.SectorSize, 0); err != nil {
					return err
				}
				if err := fs.writeTableEntry(d.double(), outer, tbl); err != nil {
					return err
				}
				secondary = tbl
			}
			if err := fs.writeTableEntry(secondary, inner, dataSec); err != nil {
				return err
			}
		default:
			panic(fmt.Sprintf("fs: block index %d exceeds MAX_SECTORS", b))
		}
	}
	_ = sector
	return nil
}

// ReadAt reads up to len(buf) bytes starting at offset, stopping at
// the inode's current length (spec.md section 8: "a read at or beyond
// end of file returns 0 bytes").
func (fs *FileSystem) ReadAt(ino *Inode, buf []byte, offset int64) (int, error) {
	d, err := fs.readHeader(ino.sector)
	if err != nil {
		return 0, err
	}
	length := d.length()
	if offset >= length {
		return 0, nil
	}
	size := int64(len(buf))
	if offset+size > length {
		size = length - offset
	}
	return fs.ioSectors(ino, buf[:size], offset, false)
}

// WriteAt writes len(buf) bytes at offset, extending the inode first
// if offset+len(buf) exceeds the current length (spec.md section 4.5's
// inode_write_at). Returns errno.EPERM if the inode's deny-write
// counter is nonzero.
func (fs *FileSystem) WriteAt(ino *Inode, buf []byte, offset int64) (int, error) {
	if ino.writeDenied() {
		return 0, errno.EPERM
	}
	ino.extLock.Acquire(nil)
	needed := offset + int64(len(buf))

	d, err := fs.readHeader(ino.sector)
	if err != nil {
		ino.extLock.Release(nil)
		return 0, err
	}
	if needed > d.length() {
		oldBlocks := blocksFor(d.length())
		newBlocks := blocksFor(needed)
		if newBlocks > oldBlocks {
			if err := fs.inodeExtend(d, ino.sector, oldBlocks, newBlocks); err != nil {
				ino.extLock.Release(nil)
				return 0, err
			}
		}
		d.setLength(needed)
		if err := fs.writeHeader(ino.sector, d); err != nil {
			ino.extLock.Release(nil)
			return 0, err
		}
	}
	ino.extLock.Release(nil)

	return fs.ioSectors(ino, buf, offset, true)
}

func blocksFor(length int64) int {
	if length <= 0 {
		return 0
	}
	return int((length + block.SectorSize - 1) / block.SectorSize)
}

func (fs *FileSystem) ioSectors(ino *Inode, buf []byte, offset int64, write bool) (int, error) {
	total := 0
	remaining := len(buf)
	pos := offset
	for remaining > 0 {
		sector, err := fs.byteToSector(ino, pos)
		if err != nil {
			return total, err
		}
		if sector == NoSector {
			break
		}
		within := int(pos % block.SectorSize)
		chunk := block.SectorSize - within
		if chunk > remaining {
			chunk = remaining
		}
		if write {
			if _, err := fs.cache.Write(sector, buf[total:total+chunk], chunk, within); err != nil {
				return total, err
			}
		} else {
			if _, err := fs.cache.Read(sector, buf[total:total+chunk], chunk, within); err != nil {
				return total, err
			}
			if within+chunk == block.SectorSize {
				if nextSector, err := fs.byteToSector(ino, pos+int64(chunk)); err == nil && nextSector != NoSector {
					fs.cache.EnqueueReadAhead(nextSector)
				}
			}
		}
		total += chunk
		remaining -= chunk
		pos += int64(chunk)
	}
	return total, nil
}
