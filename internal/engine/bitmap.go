package engine

import (
	"github.com/mfsr/mfsr/internal/codec"
)

// peekFreeInodeID scans the inode bitmaps first-fit across groups
// (groups in order, then bytes, then bits, per spec.md §4.6's allocation
// policy) and returns the 1-based global id of the first clear bit,
// without mutating anything. -1 if the image is full.
func (e *Engine) peekFreeInodeID() int64 {
	bitsPerGroup := uint64(e.blockSize) * 8
	for g, group := range e.groups {
		bitIdx := codec.FirstFreeBit(group.InodeBitmap)
		if bitIdx < 0 {
			continue
		}
		return int64(uint64(g)*bitsPerGroup) + int64(bitIdx) + 1
	}
	return -1
}

// peekFreeDataBlockID is peekFreeInodeID's data-bitmap counterpart.
func (e *Engine) peekFreeDataBlockID() int64 {
	bitsPerGroup := uint64(e.blockSize) * 8
	for g, group := range e.groups {
		bitIdx := codec.FirstFreeBit(group.DataBitmap)
		if bitIdx < 0 {
			continue
		}
		return int64(uint64(g)*bitsPerGroup) + int64(bitIdx) + 1
	}
	return -1
}

// setDataBlockAllocated marks blockID used in its group's data bitmap,
// decrementing free_blocks the first time the bit transitions from clear
// to set. Called by allocation and idempotent on an already-set bit so
// the pointer-lookup write path can call it unconditionally.
func (e *Engine) setDataBlockAllocated(blockID uint64) {
	group, byteIdx, bit := codec.BitPosition(blockID, e.blockSize)
	if codec.SetBit(e.groups[group].DataBitmap, byteIdx, bit) {
		e.sb.FreeBlocks--
	}
}

// freeDataBlock clears the data bitmap bit for blockID and increments
// free_blocks. It is a no-op for a zero (unallocated) pointer.
func (e *Engine) freeDataBlock(blockID uint64) {
	if blockID == 0 {
		return
	}
	group, byteIdx, bit := codec.BitPosition(blockID, e.blockSize)
	if codec.ClearBit(e.groups[group].DataBitmap, byteIdx, bit) {
		e.sb.FreeBlocks++
	}
}

// setInodeAllocated marks id used in its group's inode bitmap,
// decrementing free_inodes the first time the bit transitions from
// clear to set.
func (e *Engine) setInodeAllocated(id uint64) {
	group, byteIdx, bit := codec.BitPosition(id, e.blockSize)
	if codec.SetBit(e.groups[group].InodeBitmap, byteIdx, bit) {
		e.sb.FreeInodes--
	}
}

// freeInode clears the inode bitmap bit for id and increments free_inodes.
func (e *Engine) freeInode(id uint64) {
	group, byteIdx, bit := codec.BitPosition(id, e.blockSize)
	if codec.ClearBit(e.groups[group].InodeBitmap, byteIdx, bit) {
		e.sb.FreeInodes++
	}
}

// inodeExists probes the inode bitmap for id, per spec.md §4.6's exists.
// An out-of-range id (past the last group) returns false rather than
// panicking.
func (e *Engine) inodeExists(id uint64) bool {
	group, byteIdx, bit := codec.BitPosition(id, e.blockSize)
	if group >= uint64(len(e.groups)) {
		return false
	}
	return codec.TestBit(e.groups[group].InodeBitmap, byteIdx, bit)
}

// dataBlockExists probes the data bitmap for blockID.
func (e *Engine) dataBlockExists(blockID uint64) bool {
	if blockID == 0 {
		return false
	}
	group, byteIdx, bit := codec.BitPosition(blockID, e.blockSize)
	if group >= uint64(len(e.groups)) {
		return false
	}
	return codec.TestBit(e.groups[group].DataBitmap, byteIdx, bit)
}
