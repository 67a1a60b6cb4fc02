package disklayout

import (
	"bytes"
	"testing"
)

func TestDentryRoundTrip(t *testing.T) {
	d := NewDentry(2, 1)
	if err := d.Insert("hello.txt", 5); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var buf bytes.Buffer
	if err := d.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := DeserializeDentry(&buf)
	if err != nil {
		t.Fatalf("DeserializeDentry: %v", err)
	}
	if got.OwnerInodeID != 2 {
		t.Fatalf("OwnerInodeID = %d, want 2", got.OwnerInodeID)
	}
	if id, ok := got.Lookup("hello.txt"); !ok || id != 5 {
		t.Fatalf("Lookup(hello.txt) = %d, %v, want 5, true", id, ok)
	}
	if id, ok := got.Lookup("."); !ok || id != 2 {
		t.Fatalf("Lookup(.) = %d, %v, want 2, true", id, ok)
	}
	if id, ok := got.Lookup(".."); !ok || id != 1 {
		t.Fatalf("Lookup(..) = %d, %v, want 1, true", id, ok)
	}
}

func TestDentryNameTooLong(t *testing.T) {
	d := NewDentry(1, 1)
	name := make([]byte, 256)
	if err := d.Insert(string(name), 2); err == nil {
		t.Fatal("expected NameTooLong error")
	}
}

func TestDentryOnlyDotEntries(t *testing.T) {
	d := NewDentry(2, 1)
	if !d.OnlyDotEntries() {
		t.Fatal("fresh directory should contain only . and ..")
	}
	_ = d.Insert("child", 9)
	if d.OnlyDotEntries() {
		t.Fatal("expected OnlyDotEntries to be false after insert")
	}
}

func TestDentryChecksumDetectsCorruption(t *testing.T) {
	d := NewDentry(1, 1)
	var buf bytes.Buffer
	if err := d.Serialize(&buf); err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF
	if _, err := DeserializeDentry(bytes.NewReader(corrupted)); err == nil {
		t.Fatal("expected checksum failure on corrupted dentry")
	}
}

func TestDentryRemove(t *testing.T) {
	d := NewDentry(1, 1)
	_ = d.Insert("x", 2)
	if !d.Remove("x") {
		t.Fatal("expected Remove(x) to report true")
	}
	if d.Remove("x") {
		t.Fatal("expected second Remove(x) to report false")
	}
}
