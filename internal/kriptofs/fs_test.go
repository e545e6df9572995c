package kriptofs

import (
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	. "github.com/jacobsa/ogletest"
	"github.com/kylelemons/godebug/pretty"
)

func TestFS(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// fakeClock is a minimal timeutil.Clock double: a fixed instant that
// advances only when the test explicitly asks it to.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

const (
	testOwnerUid = 501
	testOwnerGid = 20
	testOtherUid = 999
)

type FSTest struct {
	clock   *fakeClock
	cryptor *Cryptor
	fs      *FileSystem
}

func init() { RegisterTestSuite(&FSTest{}) }

func (t *FSTest) SetUp(ti *TestInfo) {
	var err error

	t.clock = &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	t.cryptor, err = NewCryptor("a test passphrase")
	AssertEq(nil, err)

	t.fs = NewFileSystem(t.clock, t.cryptor)
}

// mkdir is a test helper that creates a directory under parent as the given
// uid and returns its inode.
func (t *FSTest) mkdir(parent fuseops.InodeID, name string, uid uint32) fuseops.InodeID {
	entry, err := t.fs.mkDir(parent, name, uid)
	AssertEq(nil, err)
	return entry.Child
}

// createFile is a test helper that creates a regular file under parent as
// the given uid and returns its inode.
func (t *FSTest) createFile(parent fuseops.InodeID, name string, uid uint32) fuseops.InodeID {
	entry, err := t.fs.createFile(parent, name, uid, testOwnerGid)
	AssertEq(nil, err)
	return entry.Child
}

////////////////////////////////////////////////////////////////////////
// lookup / getattr
////////////////////////////////////////////////////////////////////////

func (t *FSTest) LookUpInode_Miss() {
	_, err := t.fs.lookUpInode(fuseops.RootInodeID, "nonexistent", testOwnerUid)
	ExpectEq(fuse.ENOENT, err)
}

func (t *FSTest) LookUpInode_ParentNotADirectory() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	_, err := t.fs.lookUpInode(fileID, "whatever", testOwnerUid)
	ExpectEq(fuse.ENOENT, err)
}

func (t *FSTest) LookUpInode_Hit() {
	dirID := t.mkdir(fuseops.RootInodeID, "d", testOwnerUid)

	entry, err := t.fs.lookUpInode(fuseops.RootInodeID, "d", testOwnerUid)
	AssertEq(nil, err)
	ExpectEq(dirID, entry.Child)

	// The entry's attributes should be exactly what mkDir recorded for this
	// inode; a structural diff pinpoints which field regressed if not.
	attrs, _ := t.fs.getInodeAttributes(dirID, testOwnerUid)
	ExpectEq("", pretty.Compare(attrs, entry.Attributes))
}

////////////////////////////////////////////////////////////////////////
// mkdir / create
////////////////////////////////////////////////////////////////////////

func (t *FSTest) MkDir_ParentMissingOrNotADirectory() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	_, err := t.fs.mkDir(fileID, "child", testOwnerUid)
	ExpectNe(nil, err)
}

func (t *FSTest) MkDir_AlreadyExists() {
	t.mkdir(fuseops.RootInodeID, "d", testOwnerUid)

	_, err := t.fs.mkDir(fuseops.RootInodeID, "d", testOwnerUid)
	ExpectNe(nil, err)
}

// mkDir hardcodes uid=501/gid=20 on the new inode regardless of the caller,
// unlike createFile, which uses the caller's real identity -- a preserved
// asymmetry, not an oversight.
func (t *FSTest) MkDir_HardcodesOwner() {
	dirID := t.mkdir(fuseops.RootInodeID, "d", testOtherUid)

	attrs, _ := t.fs.getInodeAttributes(dirID, testOtherUid)
	ExpectEq(501, attrs.Uid)
	ExpectEq(20, attrs.Gid)
}

func (t *FSTest) CreateFile_UsesCallerIdentity() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOtherUid)

	attrs, _ := t.fs.getInodeAttributes(fileID, testOtherUid)
	ExpectEq(testOtherUid, attrs.Uid)
}

////////////////////////////////////////////////////////////////////////
// write / read round trip
////////////////////////////////////////////////////////////////////////

func (t *FSTest) WriteThenRead_Owner_RoundTrips() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	err := t.fs.writeFile(fileID, testOwnerUid, 0, []byte("hello, world"))
	AssertEq(nil, err)

	data, err := t.fs.readFile(fileID, testOwnerUid, 0)
	AssertEq(nil, err)
	ExpectEq("hello, world", string(data))
}

func (t *FSTest) Write_ExtendsWithZeroes() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	err := t.fs.writeFile(fileID, testOwnerUid, 4, []byte("taco"))
	AssertEq(nil, err)

	data, err := t.fs.readFile(fileID, testOwnerUid, 0)
	AssertEq(nil, err)
	ExpectEq("\x00\x00\x00\x00taco", string(data))
}

// Preserved defect (spec.md §9): a non-zero-offset owner read attempts to
// decrypt a ciphertext suffix, which is not a valid AEAD frame except when
// the offset is zero.
func (t *FSTest) Read_Owner_NonZeroOffset_FailsToDecrypt() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	err := t.fs.writeFile(fileID, testOwnerUid, 0, []byte("0123456789"))
	AssertEq(nil, err)

	_, err = t.fs.readFile(fileID, testOwnerUid, 1)
	ExpectEq(fuse.EIO, err)
}

// Non-owner reads never decrypt; they return the ciphertext hex-encoded,
// and -- per the preserved defect -- the offset is applied twice: once to
// the stored blob, once again to the hex string.
func (t *FSTest) Read_NonOwner_ReturnsDoublyOffsetHex() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	err := t.fs.writeFile(fileID, testOwnerUid, 0, []byte("abc"))
	AssertEq(nil, err)

	t.fs.mu.Lock()
	blob := append([]byte{}, t.fs.store.blobs[fileID]...)
	t.fs.mu.Unlock()

	const offset = 3
	wantTail := blob[offset:]
	wantHex := []byte(fmt.Sprintf("%X", wantTail))
	want := string(wantHex[offset:])

	data, err := t.fs.readFile(fileID, testOtherUid, offset)
	AssertEq(nil, err)
	ExpectEq(want, string(data))
}

func (t *FSTest) Read_PastEndOfBlob_ReturnsEmpty() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	data, err := t.fs.readFile(fileID, testOwnerUid, 1000)
	AssertEq(nil, err)
	ExpectEq(0, len(data))
}

////////////////////////////////////////////////////////////////////////
// setattr
////////////////////////////////////////////////////////////////////////

func (t *FSTest) SetInodeAttributes_NonOwnerIsDenied() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	size := uint64(0)
	_, _, err := t.fs.setInodeAttributes(fileID, testOtherUid, &size)
	ExpectEq(syscall.EPERM, err)
}

// Preserved defect (spec.md §9): setattr(size=s) resizes the raw ciphertext
// blob directly, not the plaintext it encodes, so attrs.size reports
// ciphertext length rather than plaintext length.
func (t *FSTest) SetInodeAttributes_ResizesRawBlob() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	err := t.fs.writeFile(fileID, testOwnerUid, 0, []byte("hello"))
	AssertEq(nil, err)

	attrs, _ := t.fs.getInodeAttributes(fileID, testOwnerUid)
	plaintextBlobLen := attrs.Size
	ExpectTrue(plaintextBlobLen > 5) // ciphertext framing overhead

	newSize := plaintextBlobLen + 10
	setAttrs, _, err := t.fs.setInodeAttributes(fileID, testOwnerUid, &newSize)
	AssertEq(nil, err)
	ExpectEq(newSize, setAttrs.Size)

	t.fs.mu.Lock()
	blobLen := len(t.fs.store.blobs[fileID])
	t.fs.mu.Unlock()
	ExpectEq(int(newSize), blobLen)
}

////////////////////////////////////////////////////////////////////////
// readdir
////////////////////////////////////////////////////////////////////////

func (t *FSTest) ReadDir_ListsDotDotDotAndChildrenInOrder() {
	dirID := t.mkdir(fuseops.RootInodeID, "d", testOwnerUid)
	t.mkdir(dirID, "b", testOwnerUid)
	t.mkdir(dirID, "a", testOwnerUid)

	_, err := t.fs.openDir(dirID)
	AssertEq(nil, err)

	data, err := t.fs.readDir(dirID, testOwnerUid, 0, 8192)
	AssertEq(nil, err)

	names := decodeDirentNames(data)
	AssertEq(4, len(names))
	ExpectEq(".", names[0])
	ExpectEq("..", names[1])
	ExpectEq("b", names[2])
	ExpectEq("a", names[3])
}

func (t *FSTest) ReadDir_NotADirectory() {
	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	_, err := t.fs.readDir(fileID, testOwnerUid, 0, 4096)
	ExpectNe(nil, err)
}

// decodeDirentNames parses the fuse_dirent-formatted buffer readDir returns,
// walking it the same way appendDirent built it, and returns the names in
// order.
func decodeDirentNames(buf []byte) []string {
	var names []string
	for len(buf) > 0 {
		nameLen := int(getUint32(buf[16:20]))
		const headerSize = 24
		name := string(buf[headerSize : headerSize+nameLen])
		names = append(names, name)

		recLen := headerSize + nameLen
		if recLen%8 != 0 {
			recLen += 8 - recLen%8
		}
		buf = buf[recLen:]
	}
	return names
}

func getUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}

////////////////////////////////////////////////////////////////////////
// Out-of-scope operations
////////////////////////////////////////////////////////////////////////

func (t *FSTest) RmDir_NotImplemented() {
	ExpectEq(fuse.ENOSYS, t.fs.unsupportedOpErr())
}

func (t *FSTest) Unlink_NotImplemented() {
	ExpectEq(fuse.ENOSYS, t.fs.unsupportedOpErr())
}

////////////////////////////////////////////////////////////////////////
// statfs
////////////////////////////////////////////////////////////////////////

func (t *FSTest) StatFS_AccountsForWrittenBytes() {
	before := t.fs.StatFS()

	fileID := t.createFile(fuseops.RootInodeID, "f", testOwnerUid)

	err := t.fs.writeFile(fileID, testOwnerUid, 0, []byte("some file contents"))
	AssertEq(nil, err)

	after := t.fs.StatFS()
	ExpectTrue(after.UsedBlocks >= before.UsedBlocks)
	ExpectTrue(after.FreeInodes < before.FreeInodes)
}
