// Command fsmount exposes a BLOCK_FS image at a host mountpoint via
// FUSE, using github.com/hanwen/go-fuse/v2's node-based fs package --
// the hosted analogue of a syscall layer dispatching open/read/write/
// readdir/mkdir onto the in-process file system (spec.md section 6).
// fsmount only exercises the fs package: mmap stays a vm-package
// concept exercised by tests and cmd/fsmount does not expose it
// through FUSE (the kernel VFS already handles mmap for whatever
// opens a file through this mount).
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	fusefs "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/cobra"

	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/cache"
	"github.com/kapilsinha/eduos-vmfs/config"
	"github.com/kapilsinha/eduos-vmfs/errno"
	"github.com/kapilsinha/eduos-vmfs/fs"
	"github.com/kapilsinha/eduos-vmfs/log"
)

var (
	cfgFile string
	debug   bool
)

func main() {
	root := &cobra.Command{
		Use:   "fsmount <image> <mountpoint>",
		Short: "Mount a BLOCK_FS image over FUSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1])
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "optional config file")
	root.Flags().BoolVar(&debug, "debug", false, "log every FUSE operation")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(imagePath, mountpoint string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("fsmount: load config: %w", err)
	}
	if debug {
		log.SetDebug(true)
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("fsmount: stat image: %w", err)
	}
	sectorCount := info.Size() / block.SectorSize

	dev, err := block.OpenFileDevice(block.RoleFS, imagePath, sectorCount)
	if err != nil {
		return fmt.Errorf("fsmount: open image: %w", err)
	}
	defer dev.Close()

	c := cache.New(dev, cfg.CacheEntries)
	fsys, err := fs.Mount(dev, c)
	if err != nil {
		return fmt.Errorf("fsmount: mount: %w", err)
	}

	root, err := fsys.Root()
	if err != nil {
		return fmt.Errorf("fsmount: open root: %w", err)
	}
	defer fsys.CloseInode(root)

	rootNode := &blockfsNode{fsys: fsys, sector: root.Sector()}
	server, err := fusefs.Mount(mountpoint, rootNode, &fusefs.Options{
		MountOptions: fuse.MountOptions{
			Debug: debug,
		},
	})
	if err != nil {
		return fmt.Errorf("fsmount: mount fuse server: %w", err)
	}

	log.For("fsmount").WithField("mountpoint", mountpoint).Info("serving")
	server.Wait()
	return fsys.Sync(dev)
}

// blockfsNode is a FUSE node backed by a BLOCK_FS inode, identified by
// its sector rather than an open handle: every operation opens the
// inode fresh and closes it before returning, mirroring the
// open-do-close pattern cmd/fsck's reachability walk already uses
// rather than pinning one inode reference per live FUSE node.
type blockfsNode struct {
	fusefs.Inode

	fsys   *fs.FileSystem
	sector fs.Sector
}

var (
	_ = (fusefs.NodeGetattrer)((*blockfsNode)(nil))
	_ = (fusefs.NodeLookuper)((*blockfsNode)(nil))
	_ = (fusefs.NodeReaddirer)((*blockfsNode)(nil))
	_ = (fusefs.NodeMkdirer)((*blockfsNode)(nil))
	_ = (fusefs.NodeCreater)((*blockfsNode)(nil))
	_ = (fusefs.NodeOpener)((*blockfsNode)(nil))
	_ = (fusefs.NodeUnlinker)((*blockfsNode)(nil))
	_ = (fusefs.NodeRmdirer)((*blockfsNode)(nil))
)

func toErrno(err error) syscall.Errno {
	switch err {
	case errno.ENOENT:
		return syscall.ENOENT
	case errno.EEXIST:
		return syscall.EEXIST
	case errno.ENOTDIR:
		return syscall.ENOTDIR
	case errno.EISDIR:
		return syscall.EISDIR
	case errno.ENOTEMPTY:
		return syscall.ENOTEMPTY
	case errno.ENOSPC:
		return syscall.ENOSPC
	case errno.EPERM:
		return syscall.EPERM
	case errno.EINVAL:
		return syscall.EINVAL
	case errno.EBUSY:
		return syscall.EBUSY
	default:
		return syscall.EIO
	}
}

func fillAttr(ino *fs.Inode, out *fuse.Attr) syscall.Errno {
	isDir, err := ino.IsDir()
	if err != nil {
		return toErrno(err)
	}
	length, err := ino.Length()
	if err != nil {
		return toErrno(err)
	}
	out.Ino = uint64(ino.Sector())
	out.Size = uint64(length)
	out.Blocks = uint64(length+511) / 512
	if isDir {
		out.Mode = syscall.S_IFDIR | 0755
	} else {
		out.Mode = syscall.S_IFREG | 0644
	}
	return 0
}

func (n *blockfsNode) open() (*fs.Inode, syscall.Errno) {
	ino, err := n.fsys.OpenInode(n.sector)
	if err != nil {
		return nil, toErrno(err)
	}
	return ino, 0
}

func (n *blockfsNode) Getattr(ctx context.Context, f fusefs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	ino, errc := n.open()
	if errc != 0 {
		return errc
	}
	defer n.fsys.CloseInode(ino)
	return fillAttr(ino, &out.Attr)
}

func (n *blockfsNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	dir, errc := n.open()
	if errc != 0 {
		return nil, errc
	}
	defer n.fsys.CloseInode(dir)

	sector, found, err := n.fsys.DirLookup(dir, name)
	if err != nil {
		return nil, toErrno(err)
	}
	if !found {
		return nil, syscall.ENOENT
	}

	child, err := n.fsys.OpenInode(sector)
	if err != nil {
		return nil, toErrno(err)
	}
	defer n.fsys.CloseInode(child)

	if errc := fillAttr(child, &out.Attr); errc != 0 {
		return nil, errc
	}

	childNode := &blockfsNode{fsys: n.fsys, sector: sector}
	stable := fusefs.StableAttr{Mode: out.Attr.Mode, Ino: uint64(sector)}
	return n.NewInode(ctx, childNode, stable), 0
}

func (n *blockfsNode) Readdir(ctx context.Context) (fusefs.DirStream, syscall.Errno) {
	dir, errc := n.open()
	if errc != 0 {
		return nil, errc
	}
	var entries []fuse.DirEntry
	var cursor int64
	for {
		name, ok, err := n.fsys.Readdir(dir, &cursor)
		if err != nil {
			n.fsys.CloseInode(dir)
			return nil, toErrno(err)
		}
		if !ok {
			break
		}
		sector, found, err := n.fsys.DirLookup(dir, name)
		if err != nil || !found {
			continue
		}
		child, err := n.fsys.OpenInode(sector)
		if err != nil {
			continue
		}
		isDir, err := child.IsDir()
		n.fsys.CloseInode(child)
		if err != nil {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if isDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Mode: mode, Name: name, Ino: uint64(sector)})
	}
	n.fsys.CloseInode(dir)
	return fusefs.NewListDirStream(entries), 0
}

func (n *blockfsNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, syscall.Errno) {
	dir, errc := n.open()
	if errc != 0 {
		return nil, errc
	}
	defer n.fsys.CloseInode(dir)

	ok, err := n.fsys.Mkdir(dir, name)
	if err != nil {
		return nil, toErrno(err)
	}
	if !ok {
		return nil, syscall.EEXIST
	}
	return n.Lookup(ctx, name, out)
}

func (n *blockfsNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fusefs.Inode, fusefs.FileHandle, uint32, syscall.Errno) {
	dir, errc := n.open()
	if errc != 0 {
		return nil, nil, 0, errc
	}
	defer n.fsys.CloseInode(dir)

	ok, err := n.fsys.Create(dir, name, 0)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	if !ok {
		return nil, nil, 0, syscall.EEXIST
	}

	fh, err := n.fsys.Open(dir, name)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	if fh == nil {
		return nil, nil, 0, syscall.EIO
	}

	childNode, errc := n.Lookup(ctx, name, out)
	if errc != 0 {
		n.fsys.Close(fh)
		return nil, nil, 0, errc
	}
	return childNode, &blockfsFile{fsys: n.fsys, fh: fh}, 0, 0
}

func (n *blockfsNode) Open(ctx context.Context, flags uint32) (fusefs.FileHandle, uint32, syscall.Errno) {
	fh, err := n.fsys.OpenHandle(n.sector)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &blockfsFile{fsys: n.fsys, fh: fh}, 0, 0
}

func (n *blockfsNode) Unlink(ctx context.Context, name string) syscall.Errno {
	dir, errc := n.open()
	if errc != 0 {
		return errc
	}
	defer n.fsys.CloseInode(dir)

	ok, err := n.fsys.Remove(dir, name)
	if err != nil {
		return toErrno(err)
	}
	if !ok {
		return syscall.ENOENT
	}
	return 0
}

func (n *blockfsNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

// blockfsFile wraps an open fs.FileHandle to satisfy the fs package's
// FileReader/FileWriter/FileReleaser interfaces, the way
// fs.NewLoopbackFile wraps a raw host fd (hanwen-go-fuse/fs/files.go).
type blockfsFile struct {
	fsys *fs.FileSystem
	fh   *fs.FileHandle
}

var (
	_ = (fusefs.FileReader)((*blockfsFile)(nil))
	_ = (fusefs.FileWriter)((*blockfsFile)(nil))
	_ = (fusefs.FileReleaser)((*blockfsFile)(nil))
	_ = (fusefs.FileGetattrer)((*blockfsFile)(nil))
)

func (f *blockfsFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.fsys.ReadAt(f.fh.Inode(), dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return &fuse.ReadResultData{Data: dest[:n]}, 0
}

func (f *blockfsFile) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.fsys.WriteAt(f.fh.Inode(), data, off)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(n), 0
}

func (f *blockfsFile) Release(ctx context.Context) syscall.Errno {
	if err := f.fsys.Close(f.fh); err != nil {
		return toErrno(err)
	}
	return 0
}

func (f *blockfsFile) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	return fillAttr(f.fh.Inode(), &out.Attr)
}
