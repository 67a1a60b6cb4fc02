// Package engine implements the memory-mapped block engine that backs an
// MFSR image: superblock and block-group bookkeeping, inode and data
// block I/O, and the pointer-walking logic that turns a logical file
// offset into a physical block address.
package engine

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mfsr/mfsr/internal/codec"
	"github.com/mfsr/mfsr/internal/disklayout"
	"github.com/mfsr/mfsr/internal/mfserr"
)

// RootInodeID is the inode id reserved for the filesystem root, per
// spec.md §3.
const RootInodeID = 1

// Engine owns the memory-mapped image, the in-core superblock and the
// per-group bitmaps. Per spec.md §5, exactly one goroutine drives the
// engine at a time. No Engine method takes Mu; internal/opshandler
// serializes its calls with its own FS mutex instead.
type Engine struct {
	Mu sync.Mutex

	file      *os.File
	data      []byte
	blockSize uint32
	groupSize uint64

	sb     *disklayout.Superblock
	groups []*disklayout.BlockGroup
}

// Open memory-maps path read-write and reconstructs the superblock and
// block-group bitmaps from it. It returns a KindBadMetadata error,
// aborting the mount per spec.md §7, if the primary superblock fails
// validation.
func Open(path string) (*Engine, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, mfserr.New(mfserr.KindIOFailure, "engine.Open", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mfserr.New(mfserr.KindIOFailure, "engine.Open", err)
	}

	size := info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		// A block device's Stat().Size() is 0; its capacity is where a
		// seek to the end lands.
		if size, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, mfserr.New(mfserr.KindIOFailure, "engine.Open", err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, mfserr.New(mfserr.KindIOFailure, "engine.Open", err)
	}

	e := &Engine{file: f, data: data}
	if err := e.load(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) load() error {
	sb, err := disklayout.Deserialize(bytes.NewReader(e.data))
	if err != nil {
		return err
	}
	if err := sb.Validate(); err != nil {
		return err
	}
	e.sb = sb
	e.blockSize = sb.BlockSize
	e.groupSize = disklayout.GroupSize(sb.BlockSize)

	e.groups = make([]*disklayout.BlockGroup, sb.BlockGroupCount)
	for g := uint32(0); g < sb.BlockGroupCount; g++ {
		start := uint64(g)*e.groupSize + uint64(e.blockSize)
		end := start + 2*uint64(e.blockSize)
		group, err := disklayout.DeserializeBlockGroup(bytes.NewReader(e.data[start:end]), e.blockSize)
		if err != nil {
			return err
		}
		e.groups[g] = group
	}
	return nil
}

// Superblock returns the in-core superblock. Callers must not mutate the
// counters directly outside the engine's alloc/free paths.
func (e *Engine) Superblock() *disklayout.Superblock { return e.sb }

// BlockSize returns the image's block size.
func (e *Engine) BlockSize() uint32 { return e.blockSize }

// Init stamps the superblock for a fresh mount: last_mounted_at and the
// owning uid/gid, per spec.md §4.8's Fresh -> Mounted transition.
func (e *Engine) Init(uid, gid uint32) error {
	e.sb.UpdateLastMounted(time.Now())
	e.sb.Uid = uid
	e.sb.Gid = gid
	return e.flushSuperblock()
}

// StatFSInfo reports the aggregate counters the bridge's statfs reply
// needs, per spec.md §4.7.
type StatFSInfo struct {
	BlockSize  uint32
	Blocks     uint64
	BlocksFree uint64
	Inodes     uint64
	InodesFree uint64
}

// StatFS reports filesystem-wide totals from the superblock. Available
// and free are identical here: this single-user-class image has no
// root-reserved block pool to distinguish bavail from bfree.
func (e *Engine) StatFS() StatFSInfo {
	return StatFSInfo{
		BlockSize:  e.sb.BlockSize,
		Blocks:     e.sb.BlockCount,
		BlocksFree: e.sb.FreeBlocks,
		Inodes:     e.sb.InodeCount,
		InodesFree: e.sb.FreeInodes,
	}
}

// Destroy serializes every block group and the superblock back into the
// mapping and syncs it to the backing store, per spec.md §4.8's
// Mounted -> Unmounted transition.
func (e *Engine) Destroy() error {
	if err := e.flushAll(); err != nil {
		return err
	}
	return unix.Msync(e.data, unix.MS_SYNC)
}

// Sync flushes the superblock and block-group bitmaps to the mapping and
// asks the kernel to write the mapping's dirty pages back to the backing
// store, without unmapping. Used by opshandler's FlushFile, per
// SPEC_FULL.md §6's strengthening of flush from a pure no-op into an
// explicit msync.
func (e *Engine) Sync() error {
	if err := e.flushAll(); err != nil {
		return err
	}
	return unix.Msync(e.data, unix.MS_ASYNC)
}

// Close unmaps the image and closes the backing file. Callers should
// call Destroy first to persist pending state.
func (e *Engine) Close() error {
	if err := unix.Munmap(e.data); err != nil {
		e.file.Close()
		return mfserr.New(mfserr.KindIOFailure, "engine.Close", err)
	}
	if err := e.file.Close(); err != nil {
		return mfserr.New(mfserr.KindIOFailure, "engine.Close", err)
	}
	return nil
}

func (e *Engine) flushSuperblock() error {
	var buf bytes.Buffer
	if err := e.sb.Serialize(&buf); err != nil {
		return err
	}
	copy(e.data[0:disklayout.SuperblockSize], buf.Bytes())
	return nil
}

func (e *Engine) flushAll() error {
	if err := e.flushSuperblock(); err != nil {
		return err
	}
	for g, group := range e.groups {
		start := uint64(g)*e.groupSize + uint64(e.blockSize)
		var buf bytes.Buffer
		if err := group.Serialize(&buf); err != nil {
			return err
		}
		copy(e.data[start:start+2*uint64(e.blockSize)], buf.Bytes())

		var sbCopy bytes.Buffer
		if err := e.sb.Serialize(&sbCopy); err != nil {
			return err
		}
		repStart := uint64(g) * e.groupSize
		copy(e.data[repStart:repStart+disklayout.SuperblockSize], sbCopy.Bytes())
	}
	return nil
}

// groupAndLocal decomposes a 1-based global id (inode or data block) into
// its owning group index and 0-based local index within that group's
// bitmap, per the bits-per-group decomposition in internal/codec.
func (e *Engine) groupAndLocal(id uint64) (group uint64, local uint64) {
	return codec.GroupAndLocal(id, e.blockSize)
}

// inodeTableOffset returns the absolute byte offset of inode id's record
// within the mapping, per spec.md §4.6.
func (e *Engine) inodeTableOffset(id uint64) uint64 {
	group, local := e.groupAndLocal(id)
	return group*e.groupSize + 3*uint64(e.blockSize) + local*disklayout.InodeSize
}

// dataBlockOffset returns the absolute byte offset of data block id
// within the mapping, per spec.md §4.6.
func (e *Engine) dataBlockOffset(id uint64) uint64 {
	group, local := e.groupAndLocal(id)
	header := 3*uint64(e.blockSize) + disklayout.InodeTableSize(e.blockSize)
	return group*e.groupSize + header + local*uint64(e.blockSize)
}
