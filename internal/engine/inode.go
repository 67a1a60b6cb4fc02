package engine

import (
	"bytes"

	"github.com/mfsr/mfsr/internal/disklayout"
	"github.com/mfsr/mfsr/internal/mfserr"
)

// InodeExists reports whether id names a live inode, per spec.md §4.6's
// exists.
func (e *Engine) InodeExists(id uint64) bool {
	return e.inodeExists(id)
}

// GetInode reads and validates the inode record for id. It returns a
// KindNotFound error if the bit is clear (spec.md §4.6's get returning
// None), or KindBadMetadata if the stored record's checksum fails.
func (e *Engine) GetInode(id uint64) (*disklayout.Inode, error) {
	if !e.inodeExists(id) {
		return nil, mfserr.New(mfserr.KindNotFound, "GetInode", nil)
	}
	offset := e.inodeTableOffset(id)
	return disklayout.DeserializeInode(bytes.NewReader(e.data[offset : offset+disklayout.InodeSize]))
}

// WriteInode marks id's inode-bitmap bit set (decrementing free_inodes
// the first time it transitions from clear) and serializes the record
// into the inode table, per spec.md §4.6's write.
func (e *Engine) WriteInode(in *disklayout.Inode) error {
	e.setInodeAllocated(in.ID)
	offset := e.inodeTableOffset(in.ID)
	var buf bytes.Buffer
	if err := in.Serialize(&buf); err != nil {
		return err
	}
	copy(e.data[offset:offset+disklayout.InodeSize], buf.Bytes())
	return nil
}

// CreateInode allocates the next free inode id (first-fit across
// groups), builds a fresh record of the given kind/mode/ownership, and
// writes it.
func (e *Engine) CreateInode(kind disklayout.Kind, mode uint32, uid, gid uint32) (*disklayout.Inode, error) {
	id := e.peekFreeInodeID()
	if id < 0 {
		return nil, mfserr.New(mfserr.KindIOFailure, "CreateInode", nil)
	}
	in := disklayout.NewInode(uint64(id), kind, mode, uid, gid)
	if err := e.WriteInode(in); err != nil {
		return nil, err
	}
	return in, nil
}

// DeleteInode clears id's bitmap bit, increments free_inodes, and
// releases every data block the inode references: the direct pointers
// and, if populated, the blocks named by the single/double/triple
// indirect chains, per spec.md §4.6's delete.
func (e *Engine) DeleteInode(id uint64) error {
	in, err := e.GetInode(id)
	if err != nil {
		return err
	}
	for _, ptr := range in.DirectPointers {
		e.freeDataBlock(uint64(ptr))
	}
	if in.IndirectPointer != 0 {
		e.freeIndirectChain(uint64(in.IndirectPointer), 1)
	}
	if in.DoublyIndirectPointer != 0 {
		e.freeIndirectChain(uint64(in.DoublyIndirectPointer), 2)
	}
	if in.TriplyIndirectPointer != 0 {
		e.freeIndirectChain(uint64(in.TriplyIndirectPointer), 3)
	}
	e.freeInode(id)
	return nil
}

// freeIndirectChain frees every block named by an indirect pointer block
// (and, recursively, the blocks that pointer block's entries point to,
// when depth > 1), then frees the pointer block itself.
func (e *Engine) freeIndirectChain(blockID uint64, depth int) {
	if blockID == 0 {
		return
	}
	ptrs := e.readPointerBlock(blockID)
	for _, child := range ptrs {
		if child == 0 {
			continue
		}
		if depth > 1 {
			e.freeIndirectChain(uint64(child), depth-1)
		} else {
			e.freeDataBlock(uint64(child))
		}
	}
	e.freeDataBlock(blockID)
}
