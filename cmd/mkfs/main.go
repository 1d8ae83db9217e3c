// Command mkfs builds a BLOCK_FS-shaped disk image: a boot sector, a
// free-sector bitmap, and an empty root directory, optionally followed
// by a copy of a host directory tree into the new image -- the hosted
// analogue of biscuit/src/mkfs/mkfs.go's disk-image builder, using
// github.com/spf13/cobra for its command-line surface in place of
// mkfs.go's bare os.Args parsing.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/cache"
	"github.com/kapilsinha/eduos-vmfs/config"
	"github.com/kapilsinha/eduos-vmfs/fs"
)

var (
	cfgFile    string
	sectors    int64
	sourceTree string
)

func main() {
	root := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "Create a BLOCK_FS-shaped disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "optional config file")
	root.Flags().Int64Var(&sectors, "sectors", 65536, "number of sectors in the new image")
	root.Flags().StringVar(&sourceTree, "populate", "", "optional host directory to copy into the image's root")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(imagePath string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("mkfs: load config: %w", err)
	}

	dev, err := block.OpenFileDevice(block.RoleFS, imagePath, sectors)
	if err != nil {
		return fmt.Errorf("mkfs: open image: %w", err)
	}
	defer dev.Close()

	c := cache.New(dev, cfg.CacheEntries)
	fsys, err := fs.Format(dev, c)
	if err != nil {
		return fmt.Errorf("mkfs: format: %w", err)
	}

	if sourceTree != "" {
		root, err := fsys.Root()
		if err != nil {
			return err
		}
		defer fsys.CloseInode(root)
		if err := addfiles(fsys, root, sourceTree); err != nil {
			return err
		}
	}

	return fsys.Sync(dev)
}

// addfiles walks the host directory tree at skeldir and replicates it
// into the new image's root, in the manner of biscuit/src/mkfs/mkfs.go's
// addfiles/copydata pair.
func addfiles(fsys *fs.FileSystem, dir *fs.Inode, skeldir string) error {
	entries, err := os.ReadDir(skeldir)
	if err != nil {
		return fmt.Errorf("mkfs: read dir %s: %w", skeldir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(skeldir, name)
		if entry.IsDir() {
			ok, err := fsys.Mkdir(dir, name)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(os.Stderr, "mkfs: failed to create dir %s\n", name)
				continue
			}
			sub, err := fsys.ChdirInode(dir, name)
			if err != nil {
				return err
			}
			if err := addfiles(fsys, sub, path); err != nil {
				fsys.CloseInode(sub)
				return err
			}
			fsys.CloseInode(sub)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		ok, err := fsys.Create(dir, name, info.Size())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "mkfs: failed to create file %s\n", name)
			continue
		}
		if err := copydata(fsys, dir, name, path); err != nil {
			return err
		}
	}
	return nil
}

func copydata(fsys *fs.FileSystem, dir *fs.Inode, name, src string) error {
	fh, err := fsys.Open(dir, name)
	if err != nil {
		return err
	}
	defer fsys.Close(fh)

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if _, err := fsys.Write(fh, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return nil
}
