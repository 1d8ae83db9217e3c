package fs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kapilsinha/eduos-vmfs/bitmap"
	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/cache"
	"github.com/kapilsinha/eduos-vmfs/ksync"
	"github.com/kapilsinha/eduos-vmfs/log"
)

// On-disk layout of BLOCK_FS (spec.md section 6).
const (
	BootSector   Sector = 0
	BitmapSector Sector = 1
	RootSector   Sector = 2
)

// FileSystem ties the block cache, free-sector bitmap, and open-inode
// registry together -- the process-wide singletons spec.md section 9
// names, initialized in the declared order (block device -> bitmap ->
// cache -> ... ) by whoever constructs one.
type FileSystem struct {
	cache *cache.Cache
	free  *bitmap.Bitmap

	mu    sync.Mutex
	open  map[Sector]*Inode

	fsLock *ksync.Lock // filesystem-wide lock serializing high-level syscalls (spec.md section 5)

	dataStart Sector
}

// Mount opens an already-formatted BLOCK_FS device: loads the
// free-sector bitmap and wires up the cache.
func Mount(dev block.Device, c *cache.Cache) (*FileSystem, error) {
	free, err := bitmap.Load(dev, BitmapSector)
	if err != nil {
		return nil, fmt.Errorf("fs: mount: %w", err)
	}
	fsys := &FileSystem{
		cache:     c,
		free:      free,
		open:      make(map[Sector]*Inode),
		fsLock:    ksync.NewLock(),
		dataStart: RootSector + 1,
	}
	log.For("fs").Info("mounted file system")
	return fsys, nil
}

// Format initializes a fresh file system over dev: a boot sector
// stamped with a UUID, a free-sector bitmap sized to the device, and
// an empty root directory at RootSector (spec.md section 6).
func Format(dev block.Device, c *cache.Cache) (*FileSystem, error) {
	total := dev.SectorCount()
	free := bitmap.New(uint(total))

	bitmapSectors := bitmap.SectorsNeeded(uint(total))
	dataStart := RootSector + 1 + (bitmapSectors - 1) // bitmap already accounts for its own header sector
	if dataStart < RootSector+1 {
		dataStart = RootSector + 1
	}

	// Reserve boot sector, bitmap region, and the root directory sector.
	free.Set(uint(BootSector))
	for s := BitmapSector; s < BitmapSector+Sector(bitmapSectors); s++ {
		free.Set(uint(s))
	}
	free.Set(uint(RootSector))

	fsys := &FileSystem{
		cache:     c,
		free:      free,
		open:      make(map[Sector]*Inode),
		fsLock:    ksync.NewLock(),
		dataStart: dataStart,
	}

	id := uuid.New()
	boot := make([]byte, block.SectorSize)
	copy(boot, id[:])
	if _, err := c.Write(BootSector, boot, block.SectorSize, 0); err != nil {
		return nil, fmt.Errorf("fs: format: write boot sector: %w", err)
	}

	d := &onDiskInode{}
	d.setMagic()
	d.setIsDir(true)
	d.setParent(RootSector)
	d.setLength(0)
	if err := fsys.writeHeader(RootSector, d); err != nil {
		return nil, fmt.Errorf("fs: format: init root inode: %w", err)
	}
	if err := free.Store(dev, BitmapSector); err != nil {
		return nil, fmt.Errorf("fs: format: persist bitmap: %w", err)
	}

	// entryCnt=0: the root directory starts empty; grown lazily by dirAdd.
	log.For("fs").WithField("uuid", id.String()).Info("formatted file system")
	return fsys, nil
}

// Sync flushes the free-sector bitmap and every dirty cache entry.
func (fsys *FileSystem) Sync(dev block.Device) error {
	if err := fsys.cache.FlushAll(); err != nil {
		return err
	}
	return fsys.free.Store(dev, BitmapSector)
}

// Root returns the root directory's inode, opening it if necessary.
func (fsys *FileSystem) Root() (*Inode, error) {
	return fsys.getInode(RootSector)
}

// DataStart reports the first sector past the reserved boot, bitmap
// and root-directory region, as computed by Format or Mount.
func (fsys *FileSystem) DataStart() Sector { return fsys.dataStart }

// FreeSectorMap exposes the underlying bitmap, which fsck checks
// against the inode sectors its directory walk reaches (part of
// spec.md section 8 invariant 7).
func (fsys *FileSystem) FreeSectorMap() *bitmap.Bitmap { return fsys.free }

func (fsys *FileSystem) allocSector() (Sector, error) {
	idx, ok := fsys.free.Alloc()
	if !ok {
		return 0, fmt.Errorf("fs: %w", errNoSpace)
	}
	return Sector(idx), nil
}

func (fsys *FileSystem) freeSector(s Sector) {
	fsys.free.Clear(uint(s))
}

// getInode opens (or returns an existing shared reference to) the
// inode at sector, bumping its open count (spec.md section 4.5's
// open-inode deduplication).
func (fsys *FileSystem) getInode(sector Sector) (*Inode, error) {
	fsys.mu.Lock()
	if ino, ok := fsys.open[sector]; ok {
		ino.mu.Lock()
		ino.openCount++
		ino.mu.Unlock()
		fsys.mu.Unlock()
		return ino, nil
	}
	fsys.mu.Unlock()

	if _, err := fsys.readHeader(sector); err != nil {
		return nil, err
	}

	ino := &Inode{fs: fsys, sector: sector, openCount: 1, extLock: ksync.NewLock()}
	fsys.mu.Lock()
	fsys.open[sector] = ino
	fsys.mu.Unlock()
	return ino, nil
}

// closeInode drops one reference; when the count reaches zero and the
// inode is marked removed, every sector reachable from its block map
// (plus its own sector) is freed and evicted from the cache (spec.md
// section 4.5).
func (fsys *FileSystem) closeInode(ino *Inode) error {
	ino.mu.Lock()
	ino.openCount--
	remove := ino.openCount == 0 && ino.removed
	count := ino.openCount
	ino.mu.Unlock()
	if count < 0 {
		panic("fs: inode open count underflow")
	}

	if !remove {
		return nil
	}

	if err := fsys.freeAllSectors(ino.sector); err != nil {
		return err
	}

	fsys.mu.Lock()
	delete(fsys.open, ino.sector)
	fsys.mu.Unlock()
	return nil
}

// freeAllSectors releases every data/indirect/double-indirect sector
// reachable from the inode's block map, then the inode's own sector,
// evicting each from the cache to discard stale state (spec.md section
// 8 invariant 8).
func (fsys *FileSystem) freeAllSectors(sector Sector) error {
	d, err := fsys.readHeader(sector)
	if err != nil {
		return err
	}
	nblocks := blocksFor(d.length())

	for b := 0; b < nblocks && b < NDirect; b++ {
		s := d.direct(b)
		fsys.freeSector(s)
		_ = fsys.cache.EvictSector(s)
	}
	if nblocks > NDirect {
		if ind := d.indirect(); ind != 0 {
			n := nblocks - NDirect
			if n > NIndirectEnt {
				n = NIndirectEnt
			}
			for i := 0; i < n; i++ {
				s, _ := fsys.readTableEntry(ind, i)
				if s != 0 {
					fsys.freeSector(s)
					_ = fsys.cache.EvictSector(s)
				}
			}
			fsys.freeSector(ind)
			_ = fsys.cache.EvictSector(ind)
		}
	}
	if nblocks > NDirect+NIndirectEnt {
		if dbl := d.double(); dbl != 0 {
			rem := nblocks - NDirect - NIndirectEnt
			outerCount := (rem + NIndirectEnt - 1) / NIndirectEnt
			for o := 0; o < outerCount; o++ {
				secondary, _ := fsys.readTableEntry(dbl, o)
				if secondary == 0 {
					continue
				}
				innerCount := NIndirectEnt
				if o == outerCount-1 {
					innerCount = rem - o*NIndirectEnt
				}
				for i := 0; i < innerCount; i++ {
					s, _ := fsys.readTableEntry(secondary, i)
					if s != 0 {
						fsys.freeSector(s)
						_ = fsys.cache.EvictSector(s)
					}
				}
				fsys.freeSector(secondary)
				_ = fsys.cache.EvictSector(secondary)
			}
			fsys.freeSector(dbl)
			_ = fsys.cache.EvictSector(dbl)
		}
	}

	fsys.freeSector(sector)
	_ = fsys.cache.EvictSector(sector)
	return nil
}

// createInode allocates a fresh inode sector, initializes its header,
// and extends it to size bytes (spec.md section 4.5: "allocate one
// inode sector; initialize the on-disk inode to zeros; set metadata;
// then extend from 0 up to length").
func (fsys *FileSystem) createInode(parent Sector, isDir bool, size int64) (Sector, error) {
	sector, err := fsys.allocSector()
	if err != nil {
		return 0, err
	}
	d := &onDiskInode{}
	d.setMagic()
	d.setIsDir(isDir)
	d.setParent(parent)
	d.setLength(0)
	if err := fsys.writeHeader(sector, d); err != nil {
		return 0, err
	}
	if size > 0 {
		newBlocks := blocksFor(size)
		if err := fsys.inodeExtend(d, sector, 0, newBlocks); err != nil {
			return 0, err
		}
		d.setLength(size)
		if err := fsys.writeHeader(sector, d); err != nil {
			return 0, err
		}
	}
	return sector, nil
}
