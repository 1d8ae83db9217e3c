package fs

import (
	"fmt"
	"strings"

	"github.com/kapilsinha/eduos-vmfs/errno"
)

// maxNameLen is the longest directory-entry name (spec.md section 3).
const maxNameLen = 14

// dirEntrySize is one fixed-size directory entry: an 8-byte inode
// sector, a 14-byte null-padded name, and a 1-byte in-use flag,
// rounded up to a tidy 24-byte stride.
const dirEntrySize = 24

type dirEntry struct {
	sector Sector
	name   string
	inUse  bool
}

func encodeDirEntry(e dirEntry) []byte {
	buf := make([]byte, dirEntrySize)
	fieldw(buf, 0, e.sector)
	copy(buf[8:8+maxNameLen], e.name)
	if e.inUse {
		buf[8+maxNameLen] = 1
	}
	return buf
}

func decodeDirEntry(buf []byte) dirEntry {
	sector := fieldr(buf, 0)
	nameBytes := buf[8 : 8+maxNameLen]
	end := 0
	for end < len(nameBytes) && nameBytes[end] != 0 {
		end++
	}
	return dirEntry{
		sector: sector,
		name:   string(nameBytes[:end]),
		inUse:  buf[8+maxNameLen] != 0,
	}
}

// validName rejects empty names, names containing '/', and names
// longer than maxNameLen (spec.md section 7's "bad file name").
func validName(name string) bool {
	return name != "" && len(name) <= maxNameLen && !strings.Contains(name, "/")
}

// Mkdir creates a subdirectory named name inside dir (spec.md section
// 4.6's create()).
func (fsys *FileSystem) Mkdir(dir *Inode, name string) (bool, error) {
	return fsys.createEntry(dir, name, true, 0)
}

// Create creates a regular file named name inside dir, sized size
// bytes (spec.md section 6's create(dir, name, size)).
func (fsys *FileSystem) Create(dir *Inode, name string, size int64) (bool, error) {
	return fsys.createEntry(dir, name, false, size)
}

func (fsys *FileSystem) createEntry(dir *Inode, name string, isDir bool, size int64) (bool, error) {
	if !validName(name) {
		return false, nil
	}
	fsys.fsLock.Acquire(nil)
	defer fsys.fsLock.Release(nil)

	if _, found, err := fsys.dirLookup(dir, name); err != nil {
		return false, err
	} else if found {
		return false, nil
	}

	sector, err := fsys.createInode(dir.sector, isDir, size)
	if err != nil {
		return false, err
	}
	if err := fsys.dirAdd(dir, name, sector); err != nil {
		fsys.freeSector(sector)
		return false, err
	}
	return true, nil
}

// dirLookup linearly scans dir's entries for name (spec.md section
// 4.6's lookup()).
func (fsys *FileSystem) dirLookup(dir *Inode, name string) (Sector, bool, error) {
	length, err := dir.Length()
	if err != nil {
		return 0, false, err
	}
	buf := make([]byte, dirEntrySize)
	for off := int64(0); off+dirEntrySize <= length; off += dirEntrySize {
		n, err := fsys.ReadAt(dir, buf, off)
		if err != nil {
			return 0, false, err
		}
		if n < dirEntrySize {
			break
		}
		e := decodeDirEntry(buf)
		if e.inUse && e.name == name {
			return e.sector, true, nil
		}
	}
	return 0, false, nil
}

// dirAdd writes name -> sector into the first free slot, appending a
// new entry if none is free (spec.md section 4.6's add()).
func (fsys *FileSystem) dirAdd(dir *Inode, name string, sector Sector) error {
	length, err := dir.Length()
	if err != nil {
		return err
	}
	buf := make([]byte, dirEntrySize)
	for off := int64(0); off+dirEntrySize <= length; off += dirEntrySize {
		if _, err := fsys.ReadAt(dir, buf, off); err != nil {
			return err
		}
		if !decodeDirEntry(buf).inUse {
			entry := encodeDirEntry(dirEntry{sector: sector, name: name, inUse: true})
			_, err := fsys.WriteAt(dir, entry, off)
			return err
		}
	}
	entry := encodeDirEntry(dirEntry{sector: sector, name: name, inUse: true})
	_, err = fsys.WriteAt(dir, entry, length)
	return err
}

// Remove removes name from dir: it must exist, and if it names a
// directory, that directory must be empty (spec.md section 4.6's
// remove()).
func (fsys *FileSystem) Remove(dir *Inode, name string) (bool, error) {
	if !validName(name) {
		return false, nil
	}
	fsys.fsLock.Acquire(nil)
	defer fsys.fsLock.Release(nil)

	sector, found, err := fsys.dirLookup(dir, name)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	target, err := fsys.getInode(sector)
	if err != nil {
		return false, err
	}

	isDir, err := target.IsDir()
	if err != nil {
		fsys.closeInode(target)
		return false, err
	}
	if isDir {
		empty, err := fsys.dirIsEmpty(target)
		if err != nil {
			fsys.closeInode(target)
			return false, err
		}
		if !empty {
			fsys.closeInode(target)
			return false, errno.ENOTEMPTY
		}
	}

	if err := fsys.clearEntry(dir, name); err != nil {
		fsys.closeInode(target)
		return false, err
	}

	target.mu.Lock()
	target.removed = true
	target.mu.Unlock()

	if err := fsys.closeInode(target); err != nil {
		return false, err
	}
	return true, nil
}

func (fsys *FileSystem) clearEntry(dir *Inode, name string) error {
	length, err := dir.Length()
	if err != nil {
		return err
	}
	buf := make([]byte, dirEntrySize)
	for off := int64(0); off+dirEntrySize <= length; off += dirEntrySize {
		if _, err := fsys.ReadAt(dir, buf, off); err != nil {
			return err
		}
		e := decodeDirEntry(buf)
		if e.inUse && e.name == name {
			cleared := encodeDirEntry(dirEntry{})
			_, err := fsys.WriteAt(dir, cleared, off)
			return err
		}
	}
	return fmt.Errorf("fs: entry %q vanished during removal", name)
}

func (fsys *FileSystem) dirIsEmpty(dir *Inode) (bool, error) {
	length, err := dir.Length()
	if err != nil {
		return false, err
	}
	buf := make([]byte, dirEntrySize)
	for off := int64(0); off+dirEntrySize <= length; off += dirEntrySize {
		if _, err := fsys.ReadAt(dir, buf, off); err != nil {
			return false, err
		}
		if decodeDirEntry(buf).inUse {
			return false, nil
		}
	}
	return true, nil
}

// Readdir advances cursor by one entry at a time, skipping free slots,
// and returns the next in-use name (spec.md section 4.6's readdir()).
func (fsys *FileSystem) Readdir(dir *Inode, cursor *int64) (string, bool, error) {
	length, err := dir.Length()
	if err != nil {
		return "", false, err
	}
	buf := make([]byte, dirEntrySize)
	for *cursor+dirEntrySize <= length {
		off := *cursor
		*cursor += dirEntrySize
		if _, err := fsys.ReadAt(dir, buf, off); err != nil {
			return "", false, err
		}
		e := decodeDirEntry(buf)
		if e.inUse {
			return e.name, true, nil
		}
	}
	return "", false, nil
}

// Resolve implements spec.md section 4.6's path resolution contract:
// returns (dir, name, isDir). If the path's final component is a
// directory, dir is that directory (name=="", isDir=true); otherwise
// dir is its parent and name is the final component.
func (fsys *FileSystem) Resolve(cwd *Inode, path string) (*Inode, string, bool, error) {
	cur := cwd
	openedRoot := false
	if strings.HasPrefix(path, "/") {
		root, err := fsys.Root()
		if err != nil {
			return nil, "", false, err
		}
		cur = root
		openedRoot = true
	} else {
		reopened, err := fsys.getInode(cwd.sector)
		if err != nil {
			return nil, "", false, err
		}
		cur = reopened
		openedRoot = true
	}
	path = strings.TrimRight(path, "/")
	if path == "" {
		return cur, "", true, nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")

	for i, comp := range parts {
		last := i == len(parts)-1
		if comp == "" {
			continue
		}
		if comp == "." {
			if last {
				return cur, "", true, nil
			}
			continue
		}
		if comp == ".." {
			parentSector, err := cur.ParentSector()
			if err != nil {
				fsys.closeResolved(cur, openedRoot)
				return nil, "", false, err
			}
			parent, err := fsys.getInode(parentSector)
			if err != nil {
				fsys.closeResolved(cur, openedRoot)
				return nil, "", false, err
			}
			fsys.closeResolved(cur, openedRoot)
			cur = parent
			openedRoot = true
			if last {
				return cur, "", true, nil
			}
			continue
		}

		childSector, found, err := fsys.dirLookup(cur, comp)
		if err != nil {
			fsys.closeResolved(cur, openedRoot)
			return nil, "", false, err
		}
		if !found {
			if last {
				// Final component missing: return the parent plus the name,
				// so callers (create/open-for-create) can still proceed.
				return cur, comp, false, nil
			}
			fsys.closeResolved(cur, openedRoot)
			return nil, "", false, nil
		}

		cur.mu.Lock()
		removed := cur.removed
		cur.mu.Unlock()
		if removed {
			fsys.closeResolved(cur, openedRoot)
			return nil, "", false, nil
		}

		if last {
			child, err := fsys.getInode(childSector)
			if err != nil {
				fsys.closeResolved(cur, openedRoot)
				return nil, "", false, err
			}
			isDir, err := child.IsDir()
			if err != nil {
				fsys.closeResolved(cur, openedRoot)
				fsys.closeInode(child)
				return nil, "", false, err
			}
			if isDir {
				fsys.closeResolved(cur, openedRoot)
				return child, "", true, nil
			}
			return cur, comp, false, nil
		}

		child, err := fsys.getInode(childSector)
		if err != nil {
			fsys.closeResolved(cur, openedRoot)
			return nil, "", false, err
		}
		isDir, err := child.IsDir()
		if err != nil {
			fsys.closeResolved(cur, openedRoot)
			fsys.closeInode(child)
			return nil, "", false, err
		}
		if !isDir {
			fsys.closeResolved(cur, openedRoot)
			fsys.closeInode(child)
			return nil, "", false, nil
		}
		fsys.closeResolved(cur, openedRoot)
		cur = child
		openedRoot = true
	}
	return cur, "", true, nil
}

func (fsys *FileSystem) closeResolved(ino *Inode, opened bool) {
	if opened {
		fsys.closeInode(ino)
	}
}
