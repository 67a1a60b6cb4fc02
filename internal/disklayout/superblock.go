// Package disklayout defines the fixed-size, little-endian on-disk records
// of an MFSR image: the superblock, the block-group bitmaps, the inode
// record and the directory-entry table. Every type here is a value
// materialized on demand from the memory-mapped image; none of them alias
// into the mapping, so a caller is free to mutate a returned value and
// must explicitly write it back through the engine to persist the change.
package disklayout

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/mfsr/mfsr/internal/mfserr"
)

// Magic is the constant stamped into every superblock.
const Magic uint32 = 0x4D534653

// SuperblockSize is the serialized size of a Superblock in bytes.
const SuperblockSize = 84

// Superblock is the per-image (replicated per block group) metadata record
// described in spec.md §3.
type Superblock struct {
	Magic              uint32
	BlockSize          uint32
	CreatedAt          uint64
	ModifiedAt         uint64
	LastMountedAt      uint64
	BlockCount         uint64
	InodeCount         uint64
	FreeBlocks         uint64
	FreeInodes         uint64
	BlockGroupCount    uint32
	DataBlocksPerGroup uint32
	Uid                uint32
	Gid                uint32
	Checksum           uint32
}

// Serialize recomputes the checksum and writes the superblock's fields in
// declared order, little-endian, to w.
func (s *Superblock) Serialize(w io.Writer) error {
	s.Checksum = 0
	s.Checksum = s.crc()
	if err := binary.Write(w, binary.LittleEndian, s); err != nil {
		return mfserr.New(mfserr.KindIOFailure, "superblock.Serialize", err)
	}
	return nil
}

// Deserialize reads a superblock from r, verifying the magic number and
// checksum. It returns a *mfserr.Error of KindBadMetadata if either check
// fails.
func Deserialize(r io.Reader) (*Superblock, error) {
	var sb Superblock
	if err := binary.Read(r, binary.LittleEndian, &sb); err != nil {
		return nil, mfserr.New(mfserr.KindIOFailure, "Deserialize", err)
	}
	if sb.Magic != Magic {
		return nil, mfserr.New(mfserr.KindBadMetadata, "Deserialize", nil)
	}
	stored := sb.Checksum
	sb.Checksum = 0
	if sb.crc() != stored {
		return nil, mfserr.New(mfserr.KindBadMetadata, "Deserialize", nil)
	}
	sb.Checksum = stored
	return &sb, nil
}

// crc computes the CRC32 (IEEE) of the serialized record with the checksum
// field zeroed.
func (s *Superblock) crc() uint32 {
	saved := s.Checksum
	s.Checksum = 0
	var buf bytes.Buffer
	// binary.Write on a fixed-width struct never fails.
	_ = binary.Write(&buf, binary.LittleEndian, s)
	s.Checksum = saved
	return crc32.ChecksumIEEE(buf.Bytes())
}

// UpdateLastMounted stamps the superblock's last-mounted timestamp.
func (s *Superblock) UpdateLastMounted(now time.Time) {
	s.LastMountedAt = uint64(now.Unix())
}

// Validate checks the invariants spec.md §3 lists for a superblock.
func (s *Superblock) Validate() error {
	if s.Magic != Magic {
		return mfserr.New(mfserr.KindBadMetadata, "Validate", nil)
	}
	if s.BlockCount != uint64(s.BlockSize)*8*uint64(s.BlockGroupCount) {
		return mfserr.New(mfserr.KindBadMetadata, "Validate", nil)
	}
	if s.FreeBlocks > s.BlockCount || s.FreeInodes > s.InodeCount {
		return mfserr.New(mfserr.KindBadMetadata, "Validate", nil)
	}
	return nil
}
