package opshandler

import (
	"context"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/mfsr/mfsr/internal/disklayout"
	"github.com/mfsr/mfsr/internal/fsutil"
	"github.com/mfsr/mfsr/internal/mfserr"
)

// MkDir implements spec.md §4.7's mkdir: as create, but kind = directory,
// hard_links = 2, inheriting the parent's SGID bit, with "." and ".."
// installed in the new dentry.
func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(op.Name) > disklayout.MaxNameLength {
		return toErrno(mfserr.New(mfserr.KindNameTooLong, "MkDir", nil))
	}

	parent, err := fs.eng.GetInode(uint64(op.Parent))
	if err != nil {
		return toErrno(err)
	}
	dentry, err := fs.eng.ReadDentry(parent)
	if err != nil {
		return toErrno(err)
	}
	if _, exists := dentry.Lookup(op.Name); exists {
		return toErrno(mfserr.New(mfserr.KindAlreadyExists, "MkDir", nil))
	}
	uid, gid, pid := caller(op.OpContext)
	if !fs.checkAccessLocked(parent, uid, gid, pid, fsutil.WOK) {
		return toErrno(mfserr.New(mfserr.KindPermissionDenied, "MkDir", nil))
	}

	mode := uint32(op.Mode.Perm())
	if uid != 0 {
		mode &^= disklayout.ModeSetUID | disklayout.ModeSetGID
	}
	if parent.Mode&disklayout.ModeSetGID != 0 {
		mode |= disklayout.ModeSetGID
	}

	child, err := fs.eng.CreateInode(disklayout.KindDirectory, mode, uid, gid)
	if err != nil {
		return toErrno(err)
	}
	if parent.Mode&disklayout.ModeSetGID != 0 {
		child.Gid = parent.Gid
		if err := fs.eng.WriteInode(child); err != nil {
			return toErrno(err)
		}
	}

	childDentry := disklayout.NewDentry(child.ID, parent.ID)
	if err := fs.eng.WriteDentry(child, childDentry); err != nil {
		return toErrno(err)
	}

	if err := dentry.Insert(op.Name, child.ID); err != nil {
		return toErrno(err)
	}
	if err := fs.eng.WriteDentry(parent, dentry); err != nil {
		return toErrno(err)
	}

	op.Entry.Child = fuseops.InodeID(child.ID)
	op.Entry.Attributes = attrOf(child)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

// RmDir implements spec.md §4.7's rmdir: as unlink, additionally
// requiring the target to contain only "." and "..".
func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	uid, gid, pid := caller(op.OpContext)
	parent, target, dentry, err := fs.resolveForRemovalLocked(op.Parent, op.Name, uid, gid, pid)
	if err != nil {
		return toErrno(err)
	}
	if target.Kind != disklayout.KindDirectory {
		return toErrno(mfserr.New(mfserr.KindInvalidArgument, "RmDir", nil))
	}
	targetDentry, err := fs.eng.ReadDentry(target)
	if err != nil {
		return toErrno(err)
	}
	if !targetDentry.OnlyDotEntries() {
		return toErrno(mfserr.New(mfserr.KindNotEmpty, "RmDir", nil))
	}

	if err := fs.eng.DeleteInode(target.ID); err != nil {
		return toErrno(err)
	}
	dentry.Remove(op.Name)
	if err := fs.eng.WriteDentry(parent, dentry); err != nil {
		return toErrno(err)
	}
	return nil
}

// resolveForRemovalLocked looks up name in parent, enforcing write access
// on parent and the sticky-bit restriction, and returns the parent inode,
// the target inode, and the parent's decoded dentry (not yet written
// back). Callers must hold fs.mu.
func (fs *FS) resolveForRemovalLocked(parentID fuseops.InodeID, name string, uid, gid, pid uint32) (parent, target *disklayout.Inode, dentry *disklayout.Dentry, err error) {
	parent, err = fs.eng.GetInode(uint64(parentID))
	if err != nil {
		return nil, nil, nil, err
	}
	dentry, err = fs.eng.ReadDentry(parent)
	if err != nil {
		return nil, nil, nil, err
	}
	childID, ok := dentry.Lookup(name)
	if !ok {
		return nil, nil, nil, mfserr.New(mfserr.KindNotFound, "resolveForRemoval", nil)
	}
	target, err = fs.eng.GetInode(childID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !fs.checkAccessLocked(parent, uid, gid, pid, fsutil.WOK) {
		return nil, nil, nil, mfserr.New(mfserr.KindPermissionDenied, "resolveForRemoval", nil)
	}
	if !checkSticky(parent, target, uid) {
		return nil, nil, nil, mfserr.New(mfserr.KindPermissionDenied, "resolveForRemoval", nil)
	}
	return parent, target, dentry, nil
}

// OpenDir implements spec.md §4.7's opendir as a light wrapper: grant R
// on the directory and mint a handle.
func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.eng.GetInode(uint64(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	uid, gid, pid := caller(op.OpContext)
	if !fs.checkAccessLocked(in, uid, gid, pid, fsutil.ROK) {
		return toErrno(mfserr.New(mfserr.KindPermissionDenied, "OpenDir", nil))
	}
	op.Handle = fs.allocateHandle(op.Inode, true, false)
	return nil
}

// ReadDir implements spec.md §4.7's readdir: iterate the dentry in a
// stable order, skipping op.Offset entries, stopping once the
// destination buffer is full.
func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.handle(op.Handle); !ok {
		return toErrno(mfserr.New(mfserr.KindInvalidArgument, "ReadDir", nil))
	}
	in, err := fs.eng.GetInode(uint64(op.Inode))
	if err != nil {
		return toErrno(err)
	}
	dentry, err := fs.eng.ReadDentry(in)
	if err != nil {
		return toErrno(err)
	}

	names := dentry.SortedNames()
	if int(op.Offset) > len(names) {
		return toErrno(mfserr.New(mfserr.KindInvalidArgument, "ReadDir", nil))
	}

	for i := int(op.Offset); i < len(names); i++ {
		name := names[i]
		childID, _ := dentry.Lookup(name)
		child, err := fs.eng.GetInode(childID)
		if err != nil {
			continue
		}
		direntType := fuseutil.DT_File
		if child.Kind == disklayout.KindDirectory {
			direntType = fuseutil.DT_Directory
		}
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(child.ID),
			Name:   name,
			Type:   direntType,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// ReleaseDirHandle implements spec.md §4.7's releasedir as a light
// wrapper: forget the handle.
func (fs *FS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.releaseHandle(op.Handle)
	return nil
}
