package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/mfsr/mfsr/internal/engine"
	"github.com/mfsr/mfsr/internal/oninterrupt"
	"github.com/mfsr/mfsr/internal/opshandler"
)

const mountHelp = `mfsr mount [-flags] <source> <directory>

Open an MFSR image read-write, memory-map it, and serve it as a FUSE
file system rooted at <directory> until unmounted or interrupted.

Example:
  % mfsr mount /dev/sdb1 /mnt
`

// cmdMount implements spec.md §6.3's mount: open the image read-write,
// memory-map it via internal/engine, construct the opshandler bridge,
// and drive fuse's request loop until the context is canceled.
func cmdMount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	allowOther := fset.Bool("allow-other", false, "allow users other than the mount owner to access the file system")
	fset.Usage = usage(fset, mountHelp)
	fset.Parse(args)

	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: mount [-flags] <source> <directory>")
	}
	source, mountpoint := fset.Arg(0), fset.Arg(1)

	eng, err := engine.Open(source)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", source, err)
	}

	fs := opshandler.New(eng)
	if err := fs.Init(uint32(os.Getuid()), uint32(os.Getgid())); err != nil {
		eng.Close()
		return xerrors.Errorf("init: %w", err)
	}

	server := fuseutil.NewFileSystemServer(fs)

	options := map[string]string{}
	if *allowOther {
		options["allow_other"] = ""
	}
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "mfsr",
		ReadOnly: false,
		Options:  options,
	})
	if err != nil {
		eng.Close()
		return xerrors.Errorf("fuse.Mount: %w", err)
	}

	// Per spec.md §4.8, Destroy must run exactly once on the way to
	// Unmounted, flushing bitmaps and the superblock back to the
	// mapping. oninterrupt.Register covers the SIGINT path; a SIGTERM
	// cancels ctx (InterruptibleContext), which ends mfs.Join and reaches
	// the calls below, as does a clean return from mfs.Join; sync.Once
	// keeps a SIGINT racing with a clean Join from double-closing the
	// mapping.
	var once sync.Once
	unmountOnce := func() {
		once.Do(func() {
			fs.Destroy()
			if err := eng.Close(); err != nil {
				log.Printf("closing image: %v", err)
			}
		})
	}
	oninterrupt.Register(func() {
		syscall.Unmount(mountpoint, 0)
		unmountOnce()
	})

	log.Printf("mfsr: serving %s at %s", source, mountpoint)
	if err := mfs.Join(ctx); err != nil {
		unmountOnce()
		return xerrors.Errorf("Join: %w", err)
	}
	unmountOnce()
	fmt.Printf("mfsr: unmounted %s\n", mountpoint)
	return nil
}
