package engine

import (
	"github.com/mfsr/mfsr/internal/codec"
	"github.com/mfsr/mfsr/internal/disklayout"
	"github.com/mfsr/mfsr/internal/mfserr"
)

// pointersPerBlock is how many 32-bit block pointers fit in one indirect
// block, B/4 in spec.md §4.6's notation.
func (e *Engine) pointersPerBlock() int {
	return int(e.blockSize / 4)
}

// MaxFileSize is the largest offset this build's pointer scheme can
// address: 12 direct blocks plus one single-indirect block's worth,
// (12 + B/4) * B bytes. Only the single indirect level is populated, so
// with 4096-byte blocks the bound is (12 + 1024) * 4096 bytes, a little
// over 4 MiB; the doubly and triply indirect pointers are never used.
func (e *Engine) MaxFileSize() uint64 {
	maxBlocks := uint64(disklayout.DirectPointerCount) + uint64(e.pointersPerBlock())
	return maxBlocks * uint64(e.blockSize)
}

// readPointerBlock reads one indirect block's worth of 32-bit pointers.
func (e *Engine) readPointerBlock(blockID uint64) []uint32 {
	offset := e.dataBlockOffset(blockID)
	buf := e.data[offset : offset+uint64(e.blockSize)]
	out := make([]uint32, e.pointersPerBlock())
	for i := range out {
		out[i] = codec.U32(buf[i*4 : i*4+4])
	}
	return out
}

// writePointerBlock writes an indirect block's pointer array back.
func (e *Engine) writePointerBlock(blockID uint64, ptrs []uint32) {
	offset := e.dataBlockOffset(blockID)
	buf := e.data[offset : offset+uint64(e.blockSize)]
	for i, p := range ptrs {
		codec.PutU32(buf[i*4:i*4+4], p)
	}
}

// ReadData copies len(buf) bytes from blockID's data block, per
// spec.md §4.6's read_data. The engine never reads across block
// boundaries; callers chunk by block size.
func (e *Engine) ReadData(blockID uint64, buf []byte) {
	offset := e.dataBlockOffset(blockID)
	copy(buf, e.data[offset:offset+uint64(len(buf))])
}

// WriteData writes bytes into blockID's data block and marks it
// allocated, per spec.md §4.6's write_data.
func (e *Engine) WriteData(blockID uint64, bytes []byte) {
	offset := e.dataBlockOffset(blockID)
	copy(e.data[offset:offset+uint64(len(bytes))], bytes)
	e.setDataBlockAllocated(blockID)
}

// ReadAt reads up to len(buf) bytes of in's content starting at offset,
// returning the number of bytes actually read (short of len(buf) only at
// end of file). A hole (unallocated block) reads as zero bytes, matching
// the read path's "zero pointer yields zero bytes" rule in spec.md §4.6.
func (e *Engine) ReadAt(in *disklayout.Inode, offset uint64, buf []byte) (int, error) {
	if offset >= in.Size {
		return 0, nil
	}
	want := uint64(len(buf))
	if offset+want > in.Size {
		want = in.Size - offset
	}
	blockBuf := make([]byte, e.blockSize)
	var total uint64
	for total < want {
		pos := offset + total
		k := pos / uint64(e.blockSize)
		within := pos % uint64(e.blockSize)
		chunk := uint64(e.blockSize) - within
		if remaining := want - total; chunk > remaining {
			chunk = remaining
		}
		dst := buf[total : total+chunk]
		blockID, ok := e.ResolveForRead(in, k)
		if !ok {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			e.ReadData(blockID, blockBuf)
			copy(dst, blockBuf[within:within+chunk])
		}
		total += chunk
	}
	return int(total), nil
}

// WriteAt writes data into in's content starting at offset, allocating
// blocks as needed and growing in.Size when the write extends past the
// current size. It mutates in's pointer fields, block_count and size but
// does not write the inode record back; callers must follow up with
// WriteInode. If a write hits MaxFileSize partway through, WriteAt stops
// at the last fully-written chunk, updates in.Size to reflect only the
// bytes actually written, and returns the KindFileTooLarge error,
// matching spec.md §7's partial-write rule. A write that fails before a
// single byte lands (e.g. offset already at MaxFileSize) leaves in.Size
// untouched rather than advancing it to a phantom, unbacked offset.
func (e *Engine) WriteAt(in *disklayout.Inode, offset uint64, data []byte) (int, error) {
	blockBuf := make([]byte, e.blockSize)
	var total int
	var writeErr error
	for total < len(data) {
		pos := offset + uint64(total)
		k := pos / uint64(e.blockSize)
		within := pos % uint64(e.blockSize)
		chunk := uint64(e.blockSize) - within
		if remaining := uint64(len(data) - total); chunk > remaining {
			chunk = remaining
		}

		blockID, err := e.ResolveForWrite(in, k)
		if err != nil {
			writeErr = err
			break
		}
		if within != 0 || chunk != uint64(e.blockSize) {
			e.ReadData(blockID, blockBuf)
		}
		copy(blockBuf[within:within+chunk], data[total:total+int(chunk)])
		e.WriteData(blockID, blockBuf[:within+chunk])
		total += int(chunk)
	}

	if total > 0 {
		if newEnd := offset + uint64(total); newEnd > in.Size {
			in.Size = newEnd
		}
	}
	return total, writeErr
}

// ResolveForWrite returns the physical block id backing logical block k
// (0-based) of in, allocating the block (and, for k >= 12, the indirect
// block itself on first use) if it is not yet populated. It mutates in's
// pointer fields and block_count/free_blocks but does not write the
// inode record back; callers must follow up with WriteInode.
func (e *Engine) ResolveForWrite(in *disklayout.Inode, k uint64) (uint64, error) {
	pointersPerIndirect := uint64(e.pointersPerBlock())

	if k < uint64(disklayout.DirectPointerCount) {
		if in.DirectPointers[k] == 0 {
			id, err := e.allocateBlockFor(in)
			if err != nil {
				return 0, err
			}
			in.DirectPointers[k] = uint32(id)
		}
		return uint64(in.DirectPointers[k]), nil
	}

	k -= uint64(disklayout.DirectPointerCount)
	if k < pointersPerIndirect {
		if in.IndirectPointer == 0 {
			id, err := e.allocateBlockFor(in)
			if err != nil {
				return 0, err
			}
			in.IndirectPointer = uint32(id)
			e.writePointerBlock(uint64(id), make([]uint32, pointersPerIndirect))
		}
		ptrs := e.readPointerBlock(uint64(in.IndirectPointer))
		if ptrs[k] == 0 {
			id, err := e.allocateBlockFor(in)
			if err != nil {
				return 0, err
			}
			ptrs[k] = uint32(id)
			e.writePointerBlock(uint64(in.IndirectPointer), ptrs)
		}
		return uint64(ptrs[k]), nil
	}

	return 0, mfserr.New(mfserr.KindFileTooLarge, "ResolveForWrite", nil)
}

// ResolveForRead mirrors ResolveForWrite without allocating; a hole
// (zero pointer anywhere along the chain) reports ok=false so the
// caller can fill the read with zero bytes.
func (e *Engine) ResolveForRead(in *disklayout.Inode, k uint64) (blockID uint64, ok bool) {
	pointersPerIndirect := uint64(e.pointersPerBlock())

	if k < uint64(disklayout.DirectPointerCount) {
		if in.DirectPointers[k] == 0 {
			return 0, false
		}
		return uint64(in.DirectPointers[k]), true
	}

	k -= uint64(disklayout.DirectPointerCount)
	if k < pointersPerIndirect {
		if in.IndirectPointer == 0 {
			return 0, false
		}
		ptrs := e.readPointerBlock(uint64(in.IndirectPointer))
		if ptrs[k] == 0 {
			return 0, false
		}
		return uint64(ptrs[k]), true
	}

	return 0, false
}

// allocateBlockFor allocates a fresh data block, marks it allocated, and
// bumps in's block_count.
func (e *Engine) allocateBlockFor(in *disklayout.Inode) (uint64, error) {
	id := e.peekFreeDataBlockID()
	if id < 0 {
		return 0, mfserr.New(mfserr.KindIOFailure, "allocateBlockFor", nil)
	}
	e.setDataBlockAllocated(uint64(id))
	in.BlockCount++
	return uint64(id), nil
}

// Truncate enforces size <= MaxFileSize, frees every data block past the
// last logical block the new size still covers, clears SUID/SGID (the write
// path's executable-clearing rule applies to truncate too), and updates
// size and times. It writes the inode record back.
func (e *Engine) Truncate(in *disklayout.Inode, newSize uint64) error {
	if newSize > e.MaxFileSize() {
		return mfserr.New(mfserr.KindFileTooLarge, "Truncate", nil)
	}

	e.freeBlocksPastSize(in, newSize)

	now := codec.Now()
	in.Size = newSize
	in.ModifiedAt = now
	in.ChangedAt = now
	in.ClearSuidSgid()
	return e.WriteInode(in)
}

// freeBlocksPastSize clears the pointer and bitmap bit, and decrements
// block_count, for every logical block k >= ceil(newSize / block_size),
// including the indirect pointer block itself once every slot it names
// is clear. Shared by Truncate and WriteDentry so a directory whose
// dentry shrinks across a block boundary releases its now-unused
// trailing blocks the same way a file does on truncate.
func (e *Engine) freeBlocksPastSize(in *disklayout.Inode, newSize uint64) {
	firstFreedBlock := (newSize + uint64(e.blockSize) - 1) / uint64(e.blockSize)
	totalBlocks := uint64(disklayout.DirectPointerCount) + uint64(e.pointersPerBlock())
	for k := firstFreedBlock; k < totalBlocks; k++ {
		blockID, ok := e.ResolveForRead(in, k)
		if !ok {
			continue
		}
		e.freeDataBlock(blockID)
		e.clearPointer(in, k)
		if in.BlockCount > 0 {
			in.BlockCount--
		}
	}

	if firstFreedBlock <= uint64(disklayout.DirectPointerCount) && in.IndirectPointer != 0 {
		ptrs := e.readPointerBlock(uint64(in.IndirectPointer))
		allZero := true
		for _, p := range ptrs {
			if p != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			e.freeDataBlock(uint64(in.IndirectPointer))
			in.IndirectPointer = 0
			if in.BlockCount > 0 {
				in.BlockCount--
			}
		}
	}
}

// clearPointer zeroes the pointer slot for logical block k.
func (e *Engine) clearPointer(in *disklayout.Inode, k uint64) {
	pointersPerIndirect := uint64(e.pointersPerBlock())
	if k < uint64(disklayout.DirectPointerCount) {
		in.DirectPointers[k] = 0
		return
	}
	k -= uint64(disklayout.DirectPointerCount)
	if k < pointersPerIndirect && in.IndirectPointer != 0 {
		ptrs := e.readPointerBlock(uint64(in.IndirectPointer))
		ptrs[k] = 0
		e.writePointerBlock(uint64(in.IndirectPointer), ptrs)
	}
}
