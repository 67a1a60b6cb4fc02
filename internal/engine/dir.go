package engine

import (
	"bytes"

	"github.com/mfsr/mfsr/internal/codec"
	"github.com/mfsr/mfsr/internal/disklayout"
)

// ReadDentry loads and decodes the directory-entry table stored in in's
// data blocks, per spec.md §4.5's lookup/readdir path: load the
// directory inode's dentry, then probe or iterate the map.
func (e *Engine) ReadDentry(in *disklayout.Inode) (*disklayout.Dentry, error) {
	buf := make([]byte, in.Size)
	if _, err := e.ReadAt(in, 0, buf); err != nil {
		return nil, err
	}
	return disklayout.DeserializeDentry(bytes.NewReader(buf))
}

// WriteDentry re-encodes d and writes it back into in's data blocks,
// updating in's size and metadata-changed time and persisting the inode
// record, per spec.md §4.5: "a directory's block_count and size are
// updated to reflect the dentry's serialized length." If the re-encoded
// dentry is shorter than what was there before, the now-unused trailing
// blocks are freed the same way Truncate frees a shrunk file's blocks.
func (e *Engine) WriteDentry(in *disklayout.Inode, d *disklayout.Dentry) error {
	var buf bytes.Buffer
	if err := d.Serialize(&buf); err != nil {
		return err
	}
	data := buf.Bytes()

	if _, err := e.WriteAt(in, 0, data); err != nil {
		return err
	}
	newSize := uint64(len(data))
	if newSize < in.Size {
		e.freeBlocksPastSize(in, newSize)
	}
	in.Size = newSize

	now := codec.Now()
	in.ModifiedAt = now
	in.ChangedAt = now
	return e.WriteInode(in)
}
