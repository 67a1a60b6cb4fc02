package disklayout

import (
	"bytes"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInodeRoundTrip(t *testing.T) {
	in := NewInode(7, KindRegular, 0o644, 1000, 1000)
	in.Size = 4096
	in.BlockCount = 1
	in.DirectPointers[0] = 42

	var buf bytes.Buffer
	if err := in.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := DeserializeInode(&buf)
	if err != nil {
		t.Fatalf("DeserializeInode: %v", err)
	}
	// Serialize recomputes in.Checksum in place, so in itself (not a
	// copy) is the expected value after the call above.
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.HardLinks != 1 {
		t.Fatalf("HardLinks = %d, want 1", got.HardLinks)
	}
}

func TestInodeDirectoryHardLinks(t *testing.T) {
	in := NewInode(2, KindDirectory, 0o755, 0, 0)
	if in.HardLinks != 2 {
		t.Fatalf("directory HardLinks = %d, want 2", in.HardLinks)
	}
}

func TestInodeChecksumDetectsCorruption(t *testing.T) {
	in := NewInode(3, KindRegular, 0o644, 0, 0)
	var buf bytes.Buffer
	if err := in.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[0] ^= 0xFF
	if _, err := DeserializeInode(bytes.NewReader(corrupted)); err == nil {
		t.Fatal("expected checksum failure on corrupted inode")
	}
}

func TestClearSuidSgid(t *testing.T) {
	in := NewInode(4, KindRegular, 0o644|ModeSetUID|ModeSetGID|ModeGroupExecute, 0, 0)
	in.ClearSuidSgid()
	if in.Mode&ModeSetUID != 0 {
		t.Fatal("SUID should always clear")
	}
	if in.Mode&ModeSetGID != 0 {
		t.Fatal("SGID should clear when group-execute is set")
	}

	in2 := NewInode(5, KindRegular, 0o644|ModeSetGID, 0, 0)
	in2.ClearSuidSgid()
	if in2.Mode&ModeSetGID == 0 {
		t.Fatal("SGID must survive when group-execute is not set")
	}
}

func TestToAttr(t *testing.T) {
	in := NewInode(6, KindDirectory, 0o755, 10, 20)
	in.Size = 123
	attr := in.ToAttr()
	if attr.Size != 123 || attr.Uid != 10 || attr.Gid != 20 {
		t.Fatalf("unexpected attr: %+v", attr)
	}
	if !attr.Mode.IsDir() {
		t.Fatalf("expected directory mode bit, got %v", attr.Mode)
	}
}

// TestToAttrPreservesSpecialBits confirms that setuid/setgid/sticky
// survive the projection onto os.FileMode as the dedicated os.Mode*
// flags rather than being folded into (and lost from) the permission
// range os.FileMode reserves for them.
func TestToAttrPreservesSpecialBits(t *testing.T) {
	in := NewInode(7, KindRegular, 0o755|ModeSetUID|ModeSetGID|ModeSticky, 0, 0)
	mode := in.ToAttr().Mode
	if mode&os.ModeSetuid == 0 {
		t.Fatal("setuid bit lost in projection to os.FileMode")
	}
	if mode&os.ModeSetgid == 0 {
		t.Fatal("setgid bit lost in projection to os.FileMode")
	}
	if mode&os.ModeSticky == 0 {
		t.Fatal("sticky bit lost in projection to os.FileMode")
	}
	if mode.Perm() != 0o755 {
		t.Fatalf("Perm() = %o, want 0o755", mode.Perm())
	}
}
