package fsutil

import "testing"

func TestCheckAccessFOK(t *testing.T) {
	if !CheckAccess(1, 1, 0, 2, 2, FOK, nil) {
		t.Fatal("F_OK must always permit")
	}
}

func TestCheckAccessRoot(t *testing.T) {
	if !CheckAccess(1, 1, 0o000, 0, 0, ROK|WOK, nil) {
		t.Fatal("root must be permitted read/write unconditionally")
	}
	if CheckAccess(1, 1, 0o000, 0, 0, XOK, nil) {
		t.Fatal("root execute requires some execute bit set")
	}
	if !CheckAccess(1, 1, 0o100, 0, 0, XOK, nil) {
		t.Fatal("root execute should pass when owner-execute is set")
	}
	if CheckAccess(1, 1, 0o000, 0, 0, ROK|XOK, nil) {
		t.Fatal("root R|X must still require an execute bit, even combined with R_OK")
	}
}

func TestCheckAccessOwner(t *testing.T) {
	if !CheckAccess(5, 5, 0o600, 5, 5, ROK|WOK, nil) {
		t.Fatal("owner should have read/write under 0600")
	}
	if CheckAccess(5, 5, 0o600, 5, 5, XOK, nil) {
		t.Fatal("owner should not have execute under 0600")
	}
}

func TestCheckAccessGroup(t *testing.T) {
	if !CheckAccess(5, 7, 0o060, 9, 7, ROK|WOK, nil) {
		t.Fatal("matching primary group should get group perms")
	}
	if !CheckAccess(5, 7, 0o060, 9, 2, ROK, []uint32{7}) {
		t.Fatal("supplementary group membership should grant group perms")
	}
}

func TestCheckAccessOther(t *testing.T) {
	if !CheckAccess(5, 7, 0o004, 9, 9, ROK, nil) {
		t.Fatal("other should have read under 0004")
	}
	if CheckAccess(5, 7, 0o004, 9, 9, WOK, nil) {
		t.Fatal("other should not have write under 0004")
	}
}
