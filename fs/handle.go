package fs

// FileHandle is an open file: a shared inode reference and a byte
// cursor (spec.md section 3's "file handle"). The handle has no
// write-deny counter of its own; the only one is the shared Inode's
// (DenyWrite/AllowWrite).
type FileHandle struct {
	inode  *Inode
	cursor int64
}

// DirHandle is an open directory: an inode reference plus a read
// cursor (spec.md section 3's "directory handle").
type DirHandle struct {
	inode  *Inode
	cursor int64
}

// Open opens name inside dir for file I/O. Returns (nil, nil) if name
// does not exist or names a directory (spec.md section 6's
// open(dir, name) -> file | null).
func (fsys *FileSystem) Open(dir *Inode, name string) (*FileHandle, error) {
	sector, found, err := fsys.dirLookup(dir, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	ino, err := fsys.getInode(sector)
	if err != nil {
		return nil, err
	}
	isDir, err := ino.IsDir()
	if err != nil {
		fsys.closeInode(ino)
		return nil, err
	}
	if isDir {
		fsys.closeInode(ino)
		return nil, nil
	}
	return &FileHandle{inode: ino}, nil
}

// OpenDir opens name inside dir as a directory handle. Returns
// (nil, nil) if name does not exist or does not name a directory.
func (fsys *FileSystem) OpenDir(dir *Inode, name string) (*DirHandle, error) {
	sector, found, err := fsys.dirLookup(dir, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	ino, err := fsys.getInode(sector)
	if err != nil {
		return nil, err
	}
	isDir, err := ino.IsDir()
	if err != nil {
		fsys.closeInode(ino)
		return nil, err
	}
	if !isDir {
		fsys.closeInode(ino)
		return nil, nil
	}
	return &DirHandle{inode: ino}, nil
}

// OpenDirInode wraps an already-resolved directory inode (e.g. the
// file system root, or the result of Resolve) as a DirHandle, bumping
// its open count.
func (fsys *FileSystem) OpenDirInode(ino *Inode) (*DirHandle, error) {
	opened, err := fsys.getInode(ino.sector)
	if err != nil {
		return nil, err
	}
	return &DirHandle{inode: opened}, nil
}

// Inode returns the handle's underlying inode, e.g. for mmap's
// "reopen the underlying file for independent cursor/lifetime"
// requirement (spec.md section 4.8).
func (fh *FileHandle) Inode() *Inode { return fh.inode }

// Reopen returns a new handle over fh's underlying inode with its own
// independent cursor, bumping the inode's open count (spec.md section
// 4.8: mmap "reopens the underlying file for independent
// cursor/lifetime").
func (fsys *FileSystem) Reopen(fh *FileHandle) (*FileHandle, error) {
	ino, err := fsys.getInode(fh.inode.sector)
	if err != nil {
		return nil, err
	}
	return &FileHandle{inode: ino}, nil
}

// CloseInode releases a reference to an inode obtained directly from
// Root, Resolve, or ChdirInode (as opposed to a FileHandle/DirHandle).
func (fsys *FileSystem) CloseInode(ino *Inode) error {
	return fsys.closeInode(ino)
}

// OpenHandle wraps the inode at sector in a fresh FileHandle, bumping
// its open count, for callers (fsmount) that already hold a sector
// identifying a file and so have no name to pass through Open.
func (fsys *FileSystem) OpenHandle(sector Sector) (*FileHandle, error) {
	ino, err := fsys.getInode(sector)
	if err != nil {
		return nil, err
	}
	return &FileHandle{inode: ino}, nil
}

// DirLookup exposes the internal directory scan for callers that need
// a sector without opening a handle, such as fsck's reachability walk.
func (fsys *FileSystem) DirLookup(dir *Inode, name string) (Sector, bool, error) {
	return fsys.dirLookup(dir, name)
}

// OpenInode opens the inode at sector directly, bumping its open
// count, for callers (fsck) that walk the tree by sector rather than
// by name.
func (fsys *FileSystem) OpenInode(sector Sector) (*Inode, error) {
	return fsys.getInode(sector)
}

// Close releases the file handle's inode reference.
func (fsys *FileSystem) Close(fh *FileHandle) error {
	return fsys.closeInode(fh.inode)
}

// CloseDir releases the directory handle's inode reference.
func (fsys *FileSystem) CloseDir(dh *DirHandle) error {
	return fsys.closeInode(dh.inode)
}

// Read reads up to len(buf) bytes from the handle's current cursor,
// advancing it by the number of bytes read.
func (fsys *FileSystem) Read(fh *FileHandle, buf []byte) (int, error) {
	n, err := fsys.ReadAt(fh.inode, buf, fh.cursor)
	fh.cursor += int64(n)
	return n, err
}

// Write writes buf at the handle's current cursor, advancing it.
func (fsys *FileSystem) Write(fh *FileHandle, buf []byte) (int, error) {
	n, err := fsys.WriteAt(fh.inode, buf, fh.cursor)
	fh.cursor += int64(n)
	return n, err
}

// Seek repositions the handle's cursor.
func (fh *FileHandle) Seek(pos int64) { fh.cursor = pos }

// Tell returns the handle's current cursor position.
func (fh *FileHandle) Tell() int64 { return fh.cursor }

// FileSize returns the handle's underlying file length.
func (fsys *FileSystem) FileSize(fh *FileHandle) (int64, error) {
	return fh.inode.Length()
}

// Inumber returns the handle's underlying inode's sector, used as its
// inumber (spec.md section 6).
func (fh *FileHandle) Inumber() Sector { return fh.inode.Sector() }

// ReaddirNext advances the directory handle's cursor by one entry
// (spec.md section 6's readdir).
func (fsys *FileSystem) ReaddirNext(dh *DirHandle) (string, bool, error) {
	return fsys.Readdir(dh.inode, &dh.cursor)
}

// ChdirInode resolves a "chdir" target: callers pass the result
// straight to process bookkeeping (proc package).
func (fsys *FileSystem) ChdirInode(cwd *Inode, path string) (*Inode, error) {
	dir, name, isDir, err := fsys.Resolve(cwd, path)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, nil
	}
	if isDir {
		return dir, nil
	}
	sector, found, err := fsys.dirLookup(dir, name)
	fsys.closeInode(dir)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	target, err := fsys.getInode(sector)
	if err != nil {
		return nil, err
	}
	targetIsDir, err := target.IsDir()
	if err != nil {
		fsys.closeInode(target)
		return nil, err
	}
	if !targetIsDir {
		fsys.closeInode(target)
		return nil, nil
	}
	return target, nil
}
