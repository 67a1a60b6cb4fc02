package opshandler

import (
	"github.com/jacobsa/fuse/fuseops"
)

// allocateHandle mints a new file-handle token for inode, recording the
// read/write-permitted bits granted at open time per spec.md §3. Callers
// must hold fs.mu.
func (fs *FS) allocateHandle(inode fuseops.InodeID, readable, writable bool) fuseops.HandleID {
	fs.nextHandle++
	h := fs.nextHandle
	fs.handles[h] = &handleBits{inode: inode, readable: readable, writable: writable}
	return h
}

// handle looks up a previously allocated handle. Callers must hold fs.mu.
func (fs *FS) handle(h fuseops.HandleID) (*handleBits, bool) {
	hb, ok := fs.handles[h]
	return hb, ok
}

// releaseHandle forgets a handle token. Callers must hold fs.mu.
func (fs *FS) releaseHandle(h fuseops.HandleID) {
	delete(fs.handles, h)
}
