package codec

import "testing"

func TestU32RoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	PutU32(buf, 0xdeadbeef)
	if got, want := U32(buf), uint32(0xdeadbeef); got != want {
		t.Fatalf("U32() = %#x, want %#x", got, want)
	}
}

func TestU64RoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	PutU64(buf, 0x0102030405060708)
	if got, want := U64(buf), uint64(0x0102030405060708); got != want {
		t.Fatalf("U64() = %#x, want %#x", got, want)
	}
}

func TestBitPosition(t *testing.T) {
	const blockSize = 4096
	bitsPerGroup := uint64(blockSize) * 8

	cases := []struct {
		id                        uint64
		wantGroup                 uint64
		wantByte                  uint32
		wantBit                   uint8
	}{
		{id: 1, wantGroup: 0, wantByte: 0, wantBit: 0},
		{id: 2, wantGroup: 0, wantByte: 0, wantBit: 1},
		{id: 9, wantGroup: 0, wantByte: 1, wantBit: 0},
		{id: bitsPerGroup, wantGroup: 0, wantByte: blockSize - 1, wantBit: 7},
		{id: bitsPerGroup + 1, wantGroup: 1, wantByte: 0, wantBit: 0},
	}
	for _, c := range cases {
		group, byteIdx, bit := BitPosition(c.id, blockSize)
		if group != c.wantGroup || byteIdx != c.wantByte || bit != c.wantBit {
			t.Errorf("BitPosition(%d) = (%d, %d, %d), want (%d, %d, %d)",
				c.id, group, byteIdx, bit, c.wantGroup, c.wantByte, c.wantBit)
		}
	}
}

func TestGroupAndLocal(t *testing.T) {
	const blockSize = 4096
	bitsPerGroup := uint64(blockSize) * 8

	group, local := GroupAndLocal(1, blockSize)
	if group != 0 || local != 0 {
		t.Fatalf("GroupAndLocal(1) = (%d, %d), want (0, 0)", group, local)
	}
	group, local = GroupAndLocal(bitsPerGroup+1, blockSize)
	if group != 1 || local != 0 {
		t.Fatalf("GroupAndLocal(bitsPerGroup+1) = (%d, %d), want (1, 0)", group, local)
	}
}

func TestSetClearTestBit(t *testing.T) {
	bitmap := make([]byte, 4)
	if TestBit(bitmap, 0, 3) {
		t.Fatal("bit should start clear")
	}
	if !SetBit(bitmap, 0, 3) {
		t.Fatal("SetBit should report the bit was clear")
	}
	if !TestBit(bitmap, 0, 3) {
		t.Fatal("bit should now be set")
	}
	if SetBit(bitmap, 0, 3) {
		t.Fatal("SetBit should report the bit was already set")
	}
	if !ClearBit(bitmap, 0, 3) {
		t.Fatal("ClearBit should report the bit was set")
	}
	if TestBit(bitmap, 0, 3) {
		t.Fatal("bit should now be clear")
	}
}

func TestFirstFreeBit(t *testing.T) {
	bitmap := []byte{0xFF, 0b00000100, 0x00}
	if got, want := FirstFreeBit(bitmap), 8; got != want {
		t.Fatalf("FirstFreeBit() = %d, want %d", got, want)
	}

	full := []byte{0xFF, 0xFF}
	if got := FirstFreeBit(full); got != -1 {
		t.Fatalf("FirstFreeBit() = %d, want -1", got)
	}
}
