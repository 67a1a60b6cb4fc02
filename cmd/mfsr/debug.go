package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/mfsr/mfsr/internal/codec"
	"github.com/mfsr/mfsr/internal/disklayout"
)

const debugHelp = `mfsr debug <path>

Read and print the primary superblock of an MFSR image, without
mounting it.

Example:
  % mfsr debug /dev/sdb1
`

// cmdDebug implements spec.md §6.3's debug: read the image's first
// block, validate it as a superblock, and print it. Output is an
// aligned table on a terminal (mattn/go-isatty) and key=value lines
// when piped, the same tty-detection idiom the teacher's package
// listing output uses.
func cmdDebug(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("debug", flag.ExitOnError)
	fset.Usage = usage(fset, debugHelp)
	fset.Parse(args)

	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: debug <path>")
	}
	path := fset.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	sb, err := disklayout.Deserialize(f)
	if err != nil {
		return xerrors.Errorf("reading superblock: %w", err)
	}

	fields := []struct {
		name string
		val  interface{}
	}{
		{"magic", fmt.Sprintf("0x%08X", sb.Magic)},
		{"block_size", sb.BlockSize},
		{"created_at", codec.ToTime(sb.CreatedAt)},
		{"modified_at", codec.ToTime(sb.ModifiedAt)},
		{"last_mounted_at", codec.ToTime(sb.LastMountedAt)},
		{"block_count", sb.BlockCount},
		{"inode_count", sb.InodeCount},
		{"free_blocks", sb.FreeBlocks},
		{"free_inodes", sb.FreeInodes},
		{"block_group_count", sb.BlockGroupCount},
		{"data_blocks_per_group", sb.DataBlocksPerGroup},
		{"uid", sb.Uid},
		{"gid", sb.Gid},
		{"checksum", fmt.Sprintf("0x%08X", sb.Checksum)},
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		width := 0
		for _, fld := range fields {
			if len(fld.name) > width {
				width = len(fld.name)
			}
		}
		for _, fld := range fields {
			fmt.Printf("%-*s  %v\n", width, fld.name, fld.val)
		}
	} else {
		for _, fld := range fields {
			fmt.Printf("%s=%v\n", fld.name, fld.val)
		}
	}
	return nil
}
