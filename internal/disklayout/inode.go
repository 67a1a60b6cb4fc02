package disklayout

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/mfsr/mfsr/internal/codec"
	"github.com/mfsr/mfsr/internal/mfserr"
)

// Kind distinguishes the two inode kinds this filesystem supports.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
)

// Permission bits mirrored from POSIX mode_t, used by clear_suid_sgid and
// the handlers' access checks.
const (
	ModeSetUID = 0o4000
	ModeSetGID = 0o2000
	ModeSticky = 0o1000

	ModeOwnerRead    = 0o400
	ModeOwnerWrite   = 0o200
	ModeOwnerExecute = 0o100
	ModeGroupRead    = 0o040
	ModeGroupWrite   = 0o020
	ModeGroupExecute = 0o010
	ModeOtherRead    = 0o004
	ModeOtherWrite   = 0o002
	ModeOtherExecute = 0o001

	modeExecuteAny = ModeOwnerExecute | ModeGroupExecute | ModeOtherExecute
)

// DirectPointerCount is the number of direct block pointers carried in
// every inode record.
const DirectPointerCount = 12

// Inode is the fixed-size on-disk inode record described in spec.md §3.
type Inode struct {
	ID        uint64
	Size      uint64
	CreatedAt uint64
	AccessedAt uint64
	ModifiedAt uint64
	ChangedAt  uint64

	Kind       Kind
	Mode       uint32
	HardLinks  uint32
	Uid        uint32
	Gid        uint32
	BlockCount uint64
	Rdev       uint32
	Flags      uint32

	DirectPointers [DirectPointerCount]uint32
	IndirectPointer        uint32
	DoublyIndirectPointer  uint32
	TriplyIndirectPointer  uint32

	Checksum uint32
}

// wireInode is the exact byte-for-byte layout serialized to disk. Kept
// distinct from Inode so the exported struct's field order can read
// naturally while the wire form stays append-only and explicit.
type wireInode struct {
	ID         uint64
	Size       uint64
	CreatedAt  uint64
	AccessedAt uint64
	ModifiedAt uint64
	ChangedAt  uint64

	Kind       uint8
	_          [3]byte
	Mode       uint32
	HardLinks  uint32
	Uid        uint32
	Gid        uint32
	BlockCount uint64
	Rdev       uint32
	Flags      uint32

	DirectPointers [DirectPointerCount]uint32
	IndirectPointer       uint32
	DoublyIndirectPointer uint32
	TriplyIndirectPointer uint32

	Checksum uint32
	_        [4]byte
}

func (in *Inode) toWire() wireInode {
	return wireInode{
		ID: in.ID, Size: in.Size,
		CreatedAt: in.CreatedAt, AccessedAt: in.AccessedAt,
		ModifiedAt: in.ModifiedAt, ChangedAt: in.ChangedAt,
		Kind: uint8(in.Kind), Mode: in.Mode, HardLinks: in.HardLinks,
		Uid: in.Uid, Gid: in.Gid, BlockCount: in.BlockCount,
		Rdev: in.Rdev, Flags: in.Flags,
		DirectPointers:        in.DirectPointers,
		IndirectPointer:       in.IndirectPointer,
		DoublyIndirectPointer: in.DoublyIndirectPointer,
		TriplyIndirectPointer: in.TriplyIndirectPointer,
		Checksum:              in.Checksum,
	}
}

func (w *wireInode) toInode() *Inode {
	return &Inode{
		ID: w.ID, Size: w.Size,
		CreatedAt: w.CreatedAt, AccessedAt: w.AccessedAt,
		ModifiedAt: w.ModifiedAt, ChangedAt: w.ChangedAt,
		Kind: Kind(w.Kind), Mode: w.Mode, HardLinks: w.HardLinks,
		Uid: w.Uid, Gid: w.Gid, BlockCount: w.BlockCount,
		Rdev: w.Rdev, Flags: w.Flags,
		DirectPointers:        w.DirectPointers,
		IndirectPointer:       w.IndirectPointer,
		DoublyIndirectPointer: w.DoublyIndirectPointer,
		TriplyIndirectPointer: w.TriplyIndirectPointer,
		Checksum:              w.Checksum,
	}
}

// NewInode constructs a fresh inode with all timestamps set to now and
// hard_links initialized per spec.md §4.4 (1 for files, 2 for directories
// to account for "." in the new directory itself).
func NewInode(id uint64, kind Kind, mode uint32, uid, gid uint32) *Inode {
	now := codec.Now()
	links := uint32(1)
	if kind == KindDirectory {
		links = 2
	}
	return &Inode{
		ID: id, Kind: kind, Mode: mode, Uid: uid, Gid: gid,
		HardLinks:  links,
		CreatedAt:  now,
		AccessedAt: now,
		ModifiedAt: now,
		ChangedAt:  now,
	}
}

// Serialize recomputes the checksum and writes the fixed-width record.
func (in *Inode) Serialize(w io.Writer) error {
	in.Checksum = 0
	in.Checksum = in.crc()
	wire := in.toWire()
	if err := binary.Write(w, binary.LittleEndian, &wire); err != nil {
		return mfserr.New(mfserr.KindIOFailure, "Inode.Serialize", err)
	}
	return nil
}

// DeserializeInode reads and validates one inode record.
func DeserializeInode(r io.Reader) (*Inode, error) {
	var wire wireInode
	if err := binary.Read(r, binary.LittleEndian, &wire); err != nil {
		return nil, mfserr.New(mfserr.KindIOFailure, "DeserializeInode", err)
	}
	in := wire.toInode()
	stored := in.Checksum
	in.Checksum = 0
	if in.crc() != stored {
		return nil, mfserr.New(mfserr.KindBadMetadata, "DeserializeInode", nil)
	}
	in.Checksum = stored
	return in, nil
}

func (in *Inode) crc() uint32 {
	saved := in.Checksum
	in.Checksum = 0
	wire := in.toWire()
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &wire)
	in.Checksum = saved
	return crc32.ChecksumIEEE(buf.Bytes())
}

// ClearSuidSgid applies the POSIX chmod/chown clearing rule spec.md §4.4
// describes: SUID always clears, SGID only clears when group-execute is
// set (SGID on a non-executable group file is the mandatory-locking bit
// and must survive).
func (in *Inode) ClearSuidSgid() {
	in.Mode &^= ModeSetUID
	if in.Mode&ModeGroupExecute != 0 {
		in.Mode &^= ModeSetGID
	}
}

// IsExecutable reports whether any of the three execute bits is set.
func (in *Inode) IsExecutable() bool {
	return in.Mode&modeExecuteAny != 0
}

// ToAttr projects the inode onto the kernel bridge's attribute record.
// fuseops.InodeAttributes has no blksize field to carry the superblock's
// block_size into, so unlike the source this projection takes no
// superblock argument; block_size reaches the bridge only through
// StatFS's reply.
func (in *Inode) ToAttr() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   in.Size,
		Nlink:  uint64(in.HardLinks),
		Mode:   toOSMode(in),
		Atime:  codec.ToTime(in.AccessedAt),
		Mtime:  codec.ToTime(in.ModifiedAt),
		Ctime:  codec.ToTime(in.ChangedAt),
		Crtime: codec.ToTime(in.CreatedAt),
		Uid:    in.Uid,
		Gid:    in.Gid,
	}
}

// toOSMode combines the inode's kind with its permission bits into the
// os.FileMode fuseops.InodeAttributes.Mode expects: the base permission
// bits, os.ModeDir for directories, and the setuid/setgid/sticky bits
// translated to their os.Mode* flags rather than masked into the
// permission range, since os.FileMode reserves 0o7777's high octal
// digits for os.ModeSetuid/os.ModeSetgid/os.ModeSticky instead of
// interpreting them as POSIX mode bits.
func toOSMode(in *Inode) os.FileMode {
	perm := os.FileMode(in.Mode & 0o777)
	if in.Mode&ModeSetUID != 0 {
		perm |= os.ModeSetuid
	}
	if in.Mode&ModeSetGID != 0 {
		perm |= os.ModeSetgid
	}
	if in.Mode&ModeSticky != 0 {
		perm |= os.ModeSticky
	}
	if in.Kind == KindDirectory {
		return os.ModeDir | perm
	}
	return perm
}
