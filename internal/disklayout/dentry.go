package disklayout

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sort"

	"github.com/mfsr/mfsr/internal/mfserr"
)

// MaxNameLength is the longest byte string an entry name may hold.
const MaxNameLength = 255

// Dentry is the directory-entry table stored in a directory inode's data
// blocks, as described in spec.md §3 and §4.5. The encoding of the name
// map is private to this filesystem; only the 8-byte length prefix and
// the trailing CRC32 are part of the documented wire contract.
type Dentry struct {
	OwnerInodeID uint64
	Entries      map[string]uint64
}

// NewDentry builds an empty dentry owned by ownerID, with the mandatory
// "." and ".." entries installed pointing at self and parentID.
func NewDentry(ownerID, parentID uint64) *Dentry {
	d := &Dentry{OwnerInodeID: ownerID, Entries: map[string]uint64{}}
	d.Entries["."] = ownerID
	d.Entries[".."] = parentID
	return d
}

// Lookup returns the child inode id for name, or false if absent.
func (d *Dentry) Lookup(name string) (uint64, bool) {
	id, ok := d.Entries[name]
	return id, ok
}

// Insert adds or overwrites the mapping for name.
func (d *Dentry) Insert(name string, childID uint64) error {
	if len(name) > MaxNameLength {
		return mfserr.New(mfserr.KindNameTooLong, "Dentry.Insert", nil)
	}
	d.Entries[name] = childID
	return nil
}

// Remove deletes the mapping for name, reporting whether it existed.
func (d *Dentry) Remove(name string) bool {
	if _, ok := d.Entries[name]; !ok {
		return false
	}
	delete(d.Entries, name)
	return true
}

// OnlyDotEntries reports whether the dentry holds nothing but "." and
// "..", the emptiness test rmdir and rename apply per spec.md §4.7.
func (d *Dentry) OnlyDotEntries() bool {
	for name := range d.Entries {
		if name != "." && name != ".." {
			return false
		}
	}
	return true
}

// SortedNames returns the entry names in a stable order, used by readdir
// to hand out a deterministic offset-indexed sequence across calls.
func (d *Dentry) SortedNames() []string {
	names := make([]string, 0, len(d.Entries))
	for name := range d.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Serialize writes the 8-byte length prefix followed by the encoded
// payload: owner_inode_id, entry count, then each (name-length, name,
// child-id) triple in sorted name order, then a CRC32 over everything
// that precedes it.
func (d *Dentry) Serialize(w io.Writer) error {
	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.LittleEndian, d.OwnerInodeID)
	names := d.SortedNames()
	_ = binary.Write(&payload, binary.LittleEndian, uint32(len(names)))
	for _, name := range names {
		_ = binary.Write(&payload, binary.LittleEndian, uint8(len(name)))
		payload.WriteString(name)
		_ = binary.Write(&payload, binary.LittleEndian, d.Entries[name])
	}
	checksum := crc32.ChecksumIEEE(payload.Bytes())
	_ = binary.Write(&payload, binary.LittleEndian, checksum)

	var framed bytes.Buffer
	_ = binary.Write(&framed, binary.LittleEndian, uint64(payload.Len()))
	framed.Write(payload.Bytes())
	if _, err := w.Write(framed.Bytes()); err != nil {
		return mfserr.New(mfserr.KindIOFailure, "Dentry.Serialize", err)
	}
	return nil
}

// DeserializeDentry reads the length-prefixed dentry payload from r and
// verifies its trailing checksum.
func DeserializeDentry(r io.Reader) (*Dentry, error) {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, mfserr.New(mfserr.KindIOFailure, "DeserializeDentry", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, mfserr.New(mfserr.KindIOFailure, "DeserializeDentry", err)
	}
	if len(buf) < 4 {
		return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeDentry", nil)
	}
	body, stored := buf[:len(buf)-4], binary.LittleEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(body) != stored {
		return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeDentry", nil)
	}

	rd := bytes.NewReader(body)
	var ownerID uint64
	if err := binary.Read(rd, binary.LittleEndian, &ownerID); err != nil {
		return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeDentry", err)
	}
	var count uint32
	if err := binary.Read(rd, binary.LittleEndian, &count); err != nil {
		return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeDentry", err)
	}
	entries := make(map[string]uint64, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint8
		if err := binary.Read(rd, binary.LittleEndian, &nameLen); err != nil {
			return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeDentry", err)
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(rd, nameBuf); err != nil {
			return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeDentry", err)
		}
		var childID uint64
		if err := binary.Read(rd, binary.LittleEndian, &childID); err != nil {
			return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeDentry", err)
		}
		entries[string(nameBuf)] = childID
	}
	return &Dentry{OwnerInodeID: ownerID, Entries: entries}, nil
}

// SerializedSize returns the total byte length Serialize would write for
// the current contents, including the 8-byte length prefix.
func (d *Dentry) SerializedSize() uint64 {
	size := uint64(8) // owner id
	size += 4          // count
	for name := range d.Entries {
		size += 1 + uint64(len(name)) + 8
	}
	size += 4 // checksum
	return 8 + size
}
