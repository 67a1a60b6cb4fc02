package engine

import (
	"bytes"
	"context"
	"os"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/mfsr/mfsr/internal/codec"
	"github.com/mfsr/mfsr/internal/disklayout"
)

// DefaultBlockSize is mkfs's default block size, per spec.md §6.3.
const DefaultBlockSize = 4096

// Geometry is the computed layout of a fresh image: block size, number
// of groups it takes to cover the target size, and the exact byte
// length the image must be truncated/extended to.
type Geometry struct {
	BlockSize  uint32
	GroupCount uint32
	ImageSize  uint64
}

// ProbeGeometry validates blockSize against the device's physical sector
// size and computes how many block groups fit in deviceSize bytes, per
// spec.md §6.3's mkfs contract: `G = device_size / GS`.
func ProbeGeometry(deviceSize uint64, blockSize uint32, sectorSize uint32) (Geometry, error) {
	if blockSize < sectorSize {
		return Geometry{}, xerrors.Errorf("block size %d smaller than physical sector size %d", blockSize, sectorSize)
	}
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return Geometry{}, xerrors.Errorf("block size %d is not a power of two", blockSize)
	}
	gs := disklayout.GroupSize(blockSize)
	groupCount := deviceSize / gs
	if groupCount == 0 {
		return Geometry{}, xerrors.Errorf("device size %d too small for one block group of %d bytes", deviceSize, gs)
	}
	return Geometry{
		BlockSize:  blockSize,
		GroupCount: uint32(groupCount),
		ImageSize:  groupCount * gs,
	}, nil
}

// Mkfs builds a fresh MFSR image of the given geometry at path, using an
// errgroup to initialize each block group's bitmaps concurrently. A
// block device is written in place; any other path is written through
// renameio, so a crash mid-write never leaves a half-initialized image
// at the final path.
func Mkfs(ctx context.Context, path string, geo Geometry, uid, gid uint32) error {
	now := codec.Now()
	sb := &disklayout.Superblock{
		Magic:              disklayout.Magic,
		BlockSize:          geo.BlockSize,
		CreatedAt:          now,
		ModifiedAt:         now,
		LastMountedAt:      0,
		BlockCount:         uint64(geo.BlockSize) * 8 * uint64(geo.GroupCount),
		InodeCount:         uint64(geo.BlockSize) * 8 * uint64(geo.GroupCount),
		FreeBlocks:         uint64(geo.BlockSize)*8*uint64(geo.GroupCount) - 1, // root directory's dentry block
		FreeInodes:         uint64(geo.BlockSize)*8*uint64(geo.GroupCount) - 1, // root directory
		BlockGroupCount:    geo.GroupCount,
		DataBlocksPerGroup: geo.BlockSize * 8,
		Uid:                uid,
		Gid:                gid,
	}

	groupSize := disklayout.GroupSize(geo.BlockSize)
	groupBytes := make([][]byte, geo.GroupCount)

	eg, _ := errgroup.WithContext(ctx)
	for g := uint32(0); g < geo.GroupCount; g++ {
		g := g
		eg.Go(func() error {
			var buf bytes.Buffer
			sbCopy := *sb
			if err := sbCopy.Serialize(&buf); err != nil {
				return err
			}
			padding := make([]byte, uint64(geo.BlockSize)-disklayout.SuperblockSize)
			buf.Write(padding)

			group := disklayout.NewBlockGroup(geo.BlockSize)

			var rootInodeBytes, rootDataBlock []byte
			if g == 0 {
				codec.SetBit(group.InodeBitmap, 0, 0) // root inode, id 1
				codec.SetBit(group.DataBitmap, 0, 0)  // root dentry's data block, id 1

				dentry := disklayout.NewDentry(RootInodeID, RootInodeID)
				var dbuf bytes.Buffer
				if err := dentry.Serialize(&dbuf); err != nil {
					return err
				}
				if uint64(dbuf.Len()) > uint64(geo.BlockSize) {
					return xerrors.Errorf("root dentry does not fit in one block")
				}
				rootDataBlock = make([]byte, geo.BlockSize)
				copy(rootDataBlock, dbuf.Bytes())

				root := disklayout.NewInode(RootInodeID, disklayout.KindDirectory, 0o755, uid, gid)
				root.DirectPointers[0] = 1
				root.BlockCount = 1
				root.Size = uint64(dbuf.Len())
				var ibuf bytes.Buffer
				if err := root.Serialize(&ibuf); err != nil {
					return err
				}
				rootInodeBytes = ibuf.Bytes()
			}

			if err := group.Serialize(&buf); err != nil {
				return err
			}

			inodeTable := make([]byte, disklayout.InodeTableSize(geo.BlockSize))
			copy(inodeTable, rootInodeBytes)
			buf.Write(inodeTable)

			dataRegion := make([]byte, groupSize-uint64(buf.Len()))
			copy(dataRegion, rootDataBlock)
			buf.Write(dataRegion)

			groupBytes[g] = buf.Bytes()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return xerrors.Errorf("initializing block groups: %w", err)
	}

	if info, err := os.Stat(path); err == nil && info.Mode()&os.ModeDevice != 0 {
		// Renaming a temp file over a device node would replace the node
		// instead of formatting the device behind it.
		dev, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return xerrors.Errorf("opening device: %w", err)
		}
		for _, gb := range groupBytes {
			if _, err := dev.Write(gb); err != nil {
				dev.Close()
				return xerrors.Errorf("writing image: %w", err)
			}
		}
		return dev.Close()
	}

	f, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("creating temp image: %w", err)
	}
	defer f.Cleanup()

	for _, gb := range groupBytes {
		if _, err := f.Write(gb); err != nil {
			return xerrors.Errorf("writing image: %w", err)
		}
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("finalizing image: %w", err)
	}
	return nil
}

// SectorSize probes the physical sector size of the block device or
// regular file at path, falling back to 512 for a plain file (mkfs on a
// regular file, the common development path, has no physical sector to
// probe).
func SectorSize(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return 512, nil
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 512, nil
	}
	return uint32(size), nil
}
