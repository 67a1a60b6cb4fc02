package opshandler

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/mfsr/mfsr/internal/disklayout"
	"github.com/mfsr/mfsr/internal/fsutil"
	"github.com/mfsr/mfsr/internal/mfserr"
)

// RenameExchange mirrors the Linux RENAME_EXCHANGE flag spec.md §4.7's
// rename row describes: swap two existing entries atomically instead of
// replacing one with the other.
const RenameExchange = 1 << 1

// Rename implements spec.md §4.7's rename. fuseops.RenameOp (the bridge
// this module targets) carries no rename-flags field, so the fuseops
// entry point always passes flags=0; RenameWithFlags is the flag-aware
// implementation, reachable directly for callers (and tests) that need
// RenameExchange.
func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	uid, gid, pid := caller(op.OpContext)
	return toErrno(fs.renameLocked(op.OldParent, op.OldName, op.NewParent, op.NewName, uid, gid, pid, 0))
}

// RenameWithFlags is Rename's flag-aware counterpart, supporting
// RenameExchange for callers that bypass the fuseops.FileSystem
// vocabulary (e.g. tests exercising spec.md §4.7's EXCHANGE behavior
// directly).
func (fs *FS) RenameWithFlags(oldParent fuseops.InodeID, oldName string, newParent fuseops.InodeID, newName string, uid, gid, pid, flags uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.renameLocked(oldParent, oldName, newParent, newName, uid, gid, pid, flags)
}

func (fs *FS) renameLocked(oldParentID fuseops.InodeID, oldName string, newParentID fuseops.InodeID, newName string, uid, gid, pid, flags uint32) error {
	if len(newName) > disklayout.MaxNameLength {
		return mfserr.New(mfserr.KindNameTooLong, "Rename", nil)
	}

	oldParent, err := fs.eng.GetInode(uint64(oldParentID))
	if err != nil {
		return err
	}
	newParent, err := fs.eng.GetInode(uint64(newParentID))
	if err != nil {
		return err
	}
	if !fs.checkAccessLocked(oldParent, uid, gid, pid, fsutil.WOK) || !fs.checkAccessLocked(newParent, uid, gid, pid, fsutil.WOK) {
		return mfserr.New(mfserr.KindPermissionDenied, "Rename", nil)
	}

	oldDentry, err := fs.eng.ReadDentry(oldParent)
	if err != nil {
		return err
	}
	movedID, ok := oldDentry.Lookup(oldName)
	if !ok {
		return mfserr.New(mfserr.KindNotFound, "Rename", nil)
	}
	moved, err := fs.eng.GetInode(movedID)
	if err != nil {
		return err
	}
	if !checkSticky(oldParent, moved, uid) {
		return mfserr.New(mfserr.KindPermissionDenied, "Rename", nil)
	}

	var newDentry *disklayout.Dentry
	if oldParentID == newParentID {
		newDentry = oldDentry
	} else {
		newDentry, err = fs.eng.ReadDentry(newParent)
		if err != nil {
			return err
		}
	}

	targetID, targetExists := newDentry.Lookup(newName)
	var target *disklayout.Inode
	if targetExists {
		target, err = fs.eng.GetInode(targetID)
		if err != nil {
			return err
		}
		if !checkSticky(newParent, target, uid) {
			return mfserr.New(mfserr.KindPermissionDenied, "Rename", nil)
		}
		if target.Kind == disklayout.KindDirectory {
			targetDentry, err := fs.eng.ReadDentry(target)
			if err != nil {
				return err
			}
			if !targetDentry.OnlyDotEntries() {
				return mfserr.New(mfserr.KindNotEmpty, "Rename", nil)
			}
		}
	}

	movedIsDir := moved.Kind == disklayout.KindDirectory
	crossDir := oldParentID != newParentID
	if movedIsDir && crossDir {
		if !fs.checkAccessLocked(moved, uid, gid, pid, fsutil.WOK) {
			return mfserr.New(mfserr.KindPermissionDenied, "Rename", nil)
		}
	}

	if flags&RenameExchange != 0 {
		if !targetExists {
			return mfserr.New(mfserr.KindNotFound, "Rename", nil)
		}
		oldDentry.Insert(oldName, targetID)
		newDentry.Insert(newName, movedID)
		if target.Kind == disklayout.KindDirectory && crossDir {
			if err := fs.updateDotDot(target, oldParent.ID); err != nil {
				return err
			}
		}
		if movedIsDir && crossDir {
			if err := fs.updateDotDot(moved, newParent.ID); err != nil {
				return err
			}
		}
		if err := fs.eng.WriteDentry(oldParent, oldDentry); err != nil {
			return err
		}
		if crossDir {
			return fs.eng.WriteDentry(newParent, newDentry)
		}
		return nil
	}

	if targetExists {
		if target.Kind == disklayout.KindDirectory {
			target.HardLinks = 0
		} else {
			target.HardLinks--
		}
		if target.HardLinks == 0 {
			if err := fs.eng.DeleteInode(target.ID); err != nil {
				return err
			}
		} else if err := fs.eng.WriteInode(target); err != nil {
			return err
		}
	}

	oldDentry.Remove(oldName)
	if err := newDentry.Insert(newName, movedID); err != nil {
		return err
	}

	if movedIsDir && crossDir {
		if err := fs.updateDotDot(moved, newParent.ID); err != nil {
			return err
		}
	}

	if err := fs.eng.WriteDentry(oldParent, oldDentry); err != nil {
		return err
	}
	if crossDir {
		if err := fs.eng.WriteDentry(newParent, newDentry); err != nil {
			return err
		}
	}
	return nil
}

// updateDotDot rewrites moved's ".." entry to point at newParentID, the
// step spec.md §4.7's rename row requires for a cross-directory move of
// a directory.
func (fs *FS) updateDotDot(moved *disklayout.Inode, newParentID uint64) error {
	movedDentry, err := fs.eng.ReadDentry(moved)
	if err != nil {
		return err
	}
	movedDentry.Entries[".."] = newParentID
	return fs.eng.WriteDentry(moved, movedDentry)
}
