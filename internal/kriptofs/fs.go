package kriptofs

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// entryTTL is the kernel-side cache validity duration for entry and
// attribute replies. It is a cache hint, not an operation deadline: the
// core has no notion of timeouts (spec.md §5).
const entryTTL = time.Second

// FileSystem is the KriptoFS state machine: the inode store, the Cryptor,
// and the nine request handlers spec.md §4.3 names, implemented against
// fuseutil.FileSystem (github.com/jacobsa/fuse/fuseops's op+Respond
// contract — see DESIGN.md for why this generation was chosen over the
// ctx+Request/Response one). Each exported method here is a thin adapter:
// it pulls arguments out of its op, calls an unexported method that holds
// the actual business logic and returns plain values, then responds. The
// unexported methods are what this package's tests exercise directly,
// since fuseops.Op values can't be safely constructed outside of a real
// mount. A FileSystem is safe for concurrent use; mu is the single mutex
// spec.md §5 describes as sufficient to guard all four maps, even though
// fuseutil.NewFileSystemServer dispatches each op on its own goroutine.
type FileSystem struct {
	clock   timeutil.Clock
	cryptor *Cryptor

	mu         syncutil.InvariantMutex
	store      *store // GUARDED_BY(mu)
	lastHandle uint64 // GUARDED_BY(mu)
}

// NewFileSystem constructs a KriptoFS rooted at a single directory (inode
// 1), ready to be adapted via fuseutil.NewFileSystemServer and passed to
// fuse.Mount. clock supplies the four timestamps recorded on every inode;
// cryptor supplies the AEAD transform over file contents.
func NewFileSystem(clock timeutil.Clock, cryptor *Cryptor) *FileSystem {
	fs := &FileSystem{
		clock:   clock,
		cryptor: cryptor,
		store:   newStore(),
	}

	now := clock.Now()
	fs.store.attrs[fuseops.RootInodeID] = fuseops.InodeAttributes{
		Mode:   os.ModeDir | 0755,
		Nlink:  2,
		Uid:    501,
		Gid:    20,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
	fs.store.tree[fuseops.RootInodeID] = newChildList()
	fs.store.parents[fuseops.RootInodeID] = fuseops.RootInodeID

	fs.mu = syncutil.NewInvariantMutex(fs.checkInvariants)
	return fs
}

////////////////////////////////////////////////////////////////////////
// Invariant checking
////////////////////////////////////////////////////////////////////////

// checkInvariants enforces the structural invariants of spec.md §8 that the
// preserved defects of §9 cannot violate. It deliberately does NOT assert
// that every non-empty blob decrypts successfully: setattr(size=s) for
// s != 0, s != len(blob) is specified (§9) to produce an undecryptable
// blob, so that particular invariant is a property of well-behaved states
// only, not one this checker can enforce without "fixing" the preserved
// defect.
func (fs *FileSystem) checkInvariants() {
	for id := range fs.store.attrs {
		if id == fuseops.RootInodeID {
			continue
		}

		parent, ok := fs.store.parents[id]
		if !ok {
			panic(fmt.Sprintf("kriptofs: inode %d has no parent entry", id))
		}

		tree, ok := fs.store.tree[parent]
		if !ok {
			panic(fmt.Sprintf("kriptofs: parent %d of inode %d is not a directory", parent, id))
		}

		count := 0
		for _, e := range tree.entries {
			if e.inode == id {
				count++
			}
		}
		if count != 1 {
			panic(fmt.Sprintf("kriptofs: inode %d appears %d times under parent %d, want 1", id, count, parent))
		}
	}

	for dirID, tree := range fs.store.tree {
		for _, e := range tree.entries {
			if _, ok := fs.store.attrs[e.inode]; !ok {
				panic(fmt.Sprintf("kriptofs: dir %d entry %q names unknown inode %d", dirID, e.name, e.inode))
			}
		}
	}

	for id, blob := range fs.store.blobs {
		if attr := fs.store.attrs[id]; attr.Size != uint64(len(blob)) {
			panic(fmt.Sprintf("kriptofs: inode %d attrs.size=%d != len(blob)=%d", id, attr.Size, len(blob)))
		}
	}
}

// mustAttr returns the attribute record for an inode the caller asserts was
// already returned by a prior LookUpInode/MkDir/CreateFile. A miss here
// means the Mount Driver violated its single-threaded, well-formed-request
// contract (spec.md §4.4) — a programmer-invariant violation, not a user
// error, so this panics rather than returning ENOENT (spec.md §7).
func (fs *FileSystem) mustAttr(id fuseops.InodeID) fuseops.InodeAttributes {
	attr, ok := fs.store.attrs[id]
	if !ok {
		panic(fmt.Sprintf("kriptofs: unknown inode %d", id))
	}
	return attr
}

func (fs *FileSystem) nextHandleLocked() fuseops.HandleID {
	fs.lastHandle++
	return fuseops.HandleID(fs.lastHandle)
}

////////////////////////////////////////////////////////////////////////
// lookup / getattr / setattr / forget
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) lookUpInode(parent fuseops.InodeID, name string, uid uint32) (fuseops.ChildInodeEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("lookup", uint64(parent), uid)

	tree, ok := fs.store.tree[parent]
	if !ok {
		return fuseops.ChildInodeEntry{}, fuse.ENOENT
	}

	childID, ok := tree.lookup(name)
	if !ok {
		return fuseops.ChildInodeEntry{}, fuse.ENOENT
	}

	entry := fuseops.ChildInodeEntry{Child: childID, Attributes: fs.store.attrs[childID]}
	entry.AttributesExpiration = fs.clock.Now().Add(entryTTL)
	entry.EntryExpiration = entry.AttributesExpiration
	return entry, nil
}

func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) {
	entry, err := fs.lookUpInode(op.Parent, op.Name, op.Header.Uid)
	op.Entry = entry
	op.Respond(err)
}

func (fs *FileSystem) getInodeAttributes(inode fuseops.InodeID, uid uint32) (fuseops.InodeAttributes, time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("getattr", uint64(inode), uid)

	return fs.mustAttr(inode), fs.clock.Now().Add(entryTTL)
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	attrs, exp := fs.getInodeAttributes(op.Inode, op.Header.Uid)
	op.Attributes = attrs
	op.AttributesExpiration = exp
	op.Respond(nil)
}

// setInodeAttributes implements spec.md §4.3's setattr. Per the preserved
// defect in §9, a requested size resizes the raw ciphertext blob directly
// rather than the plaintext it encodes; every other requested field is
// ignored.
func (fs *FileSystem) setInodeAttributes(inode fuseops.InodeID, uid uint32, size *uint64) (fuseops.InodeAttributes, time.Time, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("setattr", uint64(inode), uid)

	attr := fs.mustAttr(inode)
	if uid != attr.Uid {
		return fuseops.InodeAttributes{}, time.Time{}, syscall.EPERM
	}

	if size != nil {
		sz := int(*size)
		blob := fs.store.blobs[inode]

		if sz <= len(blob) {
			blob = blob[:sz]
		} else {
			blob = append(blob, make([]byte, sz-len(blob))...)
		}

		fs.store.blobs[inode] = blob
		attr.Size = *size
		fs.store.attrs[inode] = attr
	}

	return attr, fs.clock.Now().Add(entryTTL), nil
}

func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) {
	attrs, exp, err := fs.setInodeAttributes(op.Inode, op.Header.Uid, op.Size)
	if err == nil {
		op.Attributes = attrs
		op.AttributesExpiration = exp
	}
	op.Respond(err)
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) {
	// The core never destroys inodes (spec.md §3 lifecycle), so there is
	// nothing to release here.
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// mkdir / create / symlink / unlink
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) mkDir(parent fuseops.InodeID, name string, uid uint32) (fuseops.ChildInodeEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("mkdir", uint64(parent), uid)

	parentTree, ok := fs.store.tree[parent]
	if !ok {
		return fuseops.ChildInodeEntry{}, syscall.ENOTDIR
	}
	if parentTree.has(name) {
		return fuseops.ChildInodeEntry{}, syscall.EEXIST
	}

	now := fs.clock.Now()
	id := fs.store.allocateInode()

	// Note: uid/gid are hardcoded rather than taken from the caller,
	// regardless of the calling process. This mirrors createFile's use of
	// the real caller identity only by contrast — see spec.md §9.
	fs.store.attrs[id] = fuseops.InodeAttributes{
		Mode:   os.ModeDir | 0755,
		Nlink:  2,
		Uid:    501,
		Gid:    20,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
	fs.store.tree[id] = newChildList()
	fs.store.parents[id] = parent
	parentTree.add(name, id, dtDirectory)

	entry := fuseops.ChildInodeEntry{Child: id, Attributes: fs.store.attrs[id]}
	entry.AttributesExpiration = fs.clock.Now().Add(entryTTL)
	entry.EntryExpiration = entry.AttributesExpiration
	return entry, nil
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) {
	entry, err := fs.mkDir(op.Parent, op.Name, op.Header.Uid)
	op.Entry = entry
	op.Respond(err)
}

func (fs *FileSystem) createFile(parent fuseops.InodeID, name string, uid, gid uint32) (fuseops.ChildInodeEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("create", uint64(parent), uid)

	parentTree, ok := fs.store.tree[parent]
	if !ok {
		return fuseops.ChildInodeEntry{}, syscall.ENOTDIR
	}
	if parentTree.has(name) {
		return fuseops.ChildInodeEntry{}, syscall.EEXIST
	}

	now := fs.clock.Now()
	id := fs.store.allocateInode()
	fs.store.attrs[id] = fuseops.InodeAttributes{
		Mode:   0644,
		Nlink:  1,
		Uid:    uid,
		Gid:    gid,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
	fs.store.blobs[id] = nil
	fs.store.parents[id] = parent
	parentTree.add(name, id, dtRegular)

	entry := fuseops.ChildInodeEntry{Child: id, Attributes: fs.store.attrs[id]}
	entry.AttributesExpiration = fs.clock.Now().Add(entryTTL)
	entry.EntryExpiration = entry.AttributesExpiration
	return entry, nil
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) {
	logOpenFlags("create", uint64(op.Parent), op.Header.Uid, op.Flags)
	entry, err := fs.createFile(op.Parent, op.Name, op.Header.Uid, op.Header.Gid)
	op.Entry = entry
	op.Respond(err)
}

// CreateSymlink, RmDir, and Unlink are explicit non-goals (spec.md §1:
// "rename/unlink (not implemented)"; symlinks are never mentioned as a
// supported inode kind). There is no deletion or symlink path anywhere in
// the core.
func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) {
	op.Respond(fs.unsupportedOpErr())
}

// unsupportedOpErr is returned by every operation spec.md §1 names as not
// implemented (symlinks, rmdir, unlink).
func (fs *FileSystem) unsupportedOpErr() error {
	return fuse.ENOSYS
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) {
	op.Respond(fs.unsupportedOpErr())
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) {
	op.Respond(fs.unsupportedOpErr())
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) openDir(inode fuseops.InodeID) (fuseops.HandleID, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.store.tree[inode]; !ok {
		return 0, syscall.ENOTDIR
	}
	return fs.nextHandleLocked(), nil
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) {
	handle, err := fs.openDir(op.Inode)
	op.Handle = handle
	op.Respond(err)
}

// readDir implements spec.md §4.3's readdir, including its offset/cookie
// resumption rule: the logical entry list is always ".", "..", then the
// directory's children in insertion order, and each entry's cookie is its
// 1-based absolute index into that list.
func (fs *FileSystem) readDir(inode fuseops.InodeID, uid uint32, offset fuseops.DirOffset, size int) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("readdir", uint64(inode), uid)

	if _, ok := fs.store.attrs[inode]; !ok {
		return nil, fuse.ENOENT
	}

	tree, ok := fs.store.tree[inode]
	if !ok {
		return nil, syscall.ENOTDIR
	}

	parent := fs.store.parents[inode]

	entries := make([]dirent, 0, len(tree.entries)+2)
	entries = append(entries, dirent{inode: inode, name: ".", typ: dtDirectory})
	entries = append(entries, dirent{inode: parent, name: "..", typ: dtDirectory})
	entries = append(entries, tree.entries...)

	for i := range entries {
		entries[i].offset = uint64(i + 1)
	}

	start := int(offset)
	if start > len(entries) {
		start = len(entries)
	}

	var data []byte
	for i := start; i < len(entries); i++ {
		grown := appendDirent(data, entries[i])
		if len(grown) > size {
			break
		}
		data = grown
	}
	return data, nil
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) {
	data, err := fs.readDir(op.Inode, op.Header.Uid, op.Offset, op.Size)
	op.Data = data
	op.Respond(err)
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *FileSystem) openFile(inode fuseops.InodeID) fuseops.HandleID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.mustAttr(inode)
	return fs.nextHandleLocked()
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) {
	logOpenFlags("open", uint64(op.Inode), op.Header.Uid, op.Flags)
	op.Handle = fs.openFile(op.Inode)
	op.Respond(nil)
}

// readFile implements spec.md §4.3's read, including the ownership-gated
// plaintext/hex-rendering split and its two preserved defects: a non-zero
// offset read by the owner attempts to decrypt a ciphertext suffix (which
// is not a valid AEAD frame except at offset 0), and a non-owner read's
// offset is applied twice — once to the stored blob, once again to the
// resulting hex string — exactly as spec.md §4.3 step 5 describes.
func (fs *FileSystem) readFile(inode fuseops.InodeID, uid uint32, offset int64) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("read", uint64(inode), uid)

	attr, ok := fs.store.attrs[inode]
	if !ok {
		return nil, fuse.ENOENT
	}
	blob, ok := fs.store.blobs[inode]
	if !ok {
		return nil, fuse.ENOENT
	}

	off := int(offset)
	if off >= len(blob) {
		return nil, nil
	}
	tail := blob[off:]

	if uid == attr.Uid {
		plain, err := fs.cryptor.Decrypt(tail)
		if err != nil {
			return nil, fuse.EIO
		}
		return plain, nil
	}

	hexBuf := []byte(fmt.Sprintf("%X", tail))
	if off > len(hexBuf) {
		return nil, nil
	}
	return hexBuf[off:], nil
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) {
	data, err := fs.readFile(op.Inode, op.Header.Uid, op.Offset)
	op.Data = data
	op.Respond(err)
}

// writeFile implements spec.md §4.3's write: decrypt-modify-reencrypt the
// whole blob, zero-extending the plaintext to cover the write range.
func (fs *FileSystem) writeFile(inode fuseops.InodeID, uid uint32, offset int64, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	logHandlerCall("write", uint64(inode), uid)

	blob, ok := fs.store.blobs[inode]
	if !ok {
		return fuse.ENOENT
	}

	var plain []byte
	if len(blob) > 0 {
		var err error
		plain, err = fs.cryptor.Decrypt(blob)
		if err != nil {
			return fuse.EIO
		}
	}

	end := int(offset) + len(data)
	if end > len(plain) {
		extended := make([]byte, end)
		copy(extended, plain)
		plain = extended
	}
	copy(plain[offset:], data)

	newBlob, err := fs.cryptor.Encrypt(plain)
	if err != nil {
		return err
	}
	fs.store.blobs[inode] = newBlob

	attr := fs.store.attrs[inode]
	attr.Size = uint64(len(newBlob))
	attr.Mtime = fs.clock.Now()
	fs.store.attrs[inode] = attr
	return nil
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) {
	err := fs.writeFile(op.Inode, op.Header.Uid, op.Offset, op.Data)
	op.Respond(err)
}

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) {
	// Contents live only in memory; there is nothing to flush to storage.
	op.Respond(nil)
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) {
	op.Respond(nil)
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	op.Respond(nil)
}

func (fs *FileSystem) Init(op *fuseops.InitOp) {
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// statfs
////////////////////////////////////////////////////////////////////////

// StatFSResult reports filesystem-wide usage per spec.md §4.3's statfs.
// It is not part of the fuseutil.FileSystem interface (statfs is answered
// generically by the transport rather than delegated — see DESIGN.md); it
// is exposed here as a directly testable operation on the state machine
// itself.
type StatFSResult struct {
	BlockSize   uint32
	TotalBlocks uint64
	UsedBlocks  uint64
	FreeBlocks  uint64
	TotalInodes uint64
	FreeInodes  uint64
	MaxNameLen  uint32
}

const (
	statfsBlockSize   = 512
	statfsTotalBytes  = 2 << 30 // 2 GiB
	statfsTotalInodes = 1_000_000
)

func (fs *FileSystem) StatFS() StatFSResult {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var usedBytes uint64
	for _, blob := range fs.store.blobs {
		usedBytes += uint64(len(blob))
	}

	totalBlocks := uint64(statfsTotalBytes / statfsBlockSize)
	usedBlocks := (usedBytes + statfsBlockSize - 1) / statfsBlockSize

	return StatFSResult{
		BlockSize:   statfsBlockSize,
		TotalBlocks: totalBlocks,
		UsedBlocks:  usedBlocks,
		FreeBlocks:  totalBlocks - usedBlocks,
		TotalInodes: statfsTotalInodes,
		FreeInodes:  statfsTotalInodes - uint64(len(fs.store.attrs)),
		MaxNameLen:  255,
	}
}
