package kriptofs

import (
	"github.com/jacobsa/fuse/fuseops"
)

// childList is an ordered name->inode map for a single directory. Entries
// are only ever appended, never removed or reordered: the core has no
// unlink/rmdir, so the gap-reuse machinery a deletable directory would need
// does not apply here.
type childList struct {
	entries []dirent       // in insertion (== directory iteration) order
	index   map[string]int // name -> index into entries
}

func newChildList() *childList {
	return &childList{index: make(map[string]int)}
}

func (c *childList) lookup(name string) (fuseops.InodeID, bool) {
	i, ok := c.index[name]
	if !ok {
		return 0, false
	}
	return c.entries[i].inode, true
}

func (c *childList) has(name string) bool {
	_, ok := c.index[name]
	return ok
}

// add appends a new child entry. REQUIRES: !c.has(name).
func (c *childList) add(name string, ino fuseops.InodeID, typ direntType) {
	i := len(c.entries)
	c.entries = append(c.entries, dirent{
		offset: uint64(i + 1),
		inode:  ino,
		name:   name,
		typ:    typ,
	})
	c.index[name] = i
}

// store holds the four maps the specification's data model names: the
// attribute record per inode, the ordered directory entry map per
// directory, the parent back-edge map, and the ciphertext byte vector per
// regular file. It has no policy of its own; every invariant is enforced by
// the FileSystem handlers that use it (see fs.go).
type store struct {
	attrs   map[fuseops.InodeID]fuseops.InodeAttributes
	tree    map[fuseops.InodeID]*childList
	parents map[fuseops.InodeID]fuseops.InodeID
	blobs   map[fuseops.InodeID][]byte

	nextInode fuseops.InodeID
}

func newStore() *store {
	return &store{
		attrs:     make(map[fuseops.InodeID]fuseops.InodeAttributes),
		tree:      make(map[fuseops.InodeID]*childList),
		parents:   make(map[fuseops.InodeID]fuseops.InodeID),
		blobs:     make(map[fuseops.InodeID][]byte),
		nextInode: fuseops.RootInodeID + 1,
	}
}

// allocateInode returns the next inode number. Numbers are drawn from a
// monotonically increasing counter and are never reused, matching the
// specification's lifecycle rules: there is no deletion path in the core,
// so unlike the teacher's memfs sample there is no free list to consult.
func (s *store) allocateInode() fuseops.InodeID {
	id := s.nextInode
	s.nextInode++
	return id
}

func (s *store) isDir(id fuseops.InodeID) bool {
	_, ok := s.tree[id]
	return ok
}
