// Command fsck walks a BLOCK_FS image's directory tree from the root
// and checks that every inode sector it reaches (the root's and each
// directory entry's) is marked allocated in the free-sector map, part
// of spec.md section 8's invariant 7. The data, indirect and
// double-indirect sectors of each inode's block map are not checked.
// It reports violations instead of panicking -- fsck is diagnostic,
// not a kernel invariant check (spec.md section 6).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kapilsinha/eduos-vmfs/block"
	"github.com/kapilsinha/eduos-vmfs/cache"
	"github.com/kapilsinha/eduos-vmfs/config"
	"github.com/kapilsinha/eduos-vmfs/fs"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "fsck <image>",
		Short: "Check a BLOCK_FS image's consistency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	root.Flags().StringVar(&cfgFile, "config", "", "optional config file")
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(imagePath string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("fsck: load config: %w", err)
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("fsck: stat image: %w", err)
	}
	sectorCount := info.Size() / block.SectorSize

	dev, err := block.OpenFileDevice(block.RoleFS, imagePath, sectorCount)
	if err != nil {
		return fmt.Errorf("fsck: open image: %w", err)
	}
	defer dev.Close()

	c := cache.New(dev, cfg.CacheEntries)
	fsys, err := fs.Mount(dev, c)
	if err != nil {
		return fmt.Errorf("fsck: mount: %w", err)
	}

	root, err := fsys.Root()
	if err != nil {
		return fmt.Errorf("fsck: open root: %w", err)
	}
	defer fsys.CloseInode(root)

	reachable := map[fs.Sector]bool{fs.RootSector: true}
	violations := 0

	var walk func(dir *fs.Inode) error
	walk = func(dir *fs.Inode) error {
		var cursor int64
		for {
			name, ok, err := fsys.Readdir(dir, &cursor)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			sector, found, err := fsys.DirLookup(dir, name)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			reachable[sector] = true

			child, err := fsys.OpenInode(sector)
			if err != nil {
				return err
			}
			isDir, err := child.IsDir()
			if err != nil {
				fsys.CloseInode(child)
				return err
			}
			if isDir {
				if err := walk(child); err != nil {
					fsys.CloseInode(child)
					return err
				}
			}
			fsys.CloseInode(child)
		}
	}
	if err := walk(root); err != nil {
		return fmt.Errorf("fsck: walk: %w", err)
	}

	free := fsys.FreeSectorMap()
	for sector := range reachable {
		if free.Test(uint(sector)) {
			fmt.Printf("violation: sector %d is reachable but marked free\n", sector)
			violations++
		}
	}

	if violations == 0 {
		fmt.Println("fsck: no violations found")
		return nil
	}
	fmt.Printf("fsck: %d violation(s) found\n", violations)
	return nil
}
