package kriptofs

import (
	"github.com/jacobsa/fuse/fuseops"
)

// direntType mirrors fuseutil.DirentType, reproduced locally because the
// retrieved fuseutil package snapshot does not define it despite its own
// samples referencing it.
type direntType uint32

const (
	dtUnknown   direntType = 0
	dtDirectory direntType = 4
	dtRegular   direntType = 8
)

type dirent struct {
	offset uint64
	inode  fuseops.InodeID
	name   string
	typ    direntType
}

// appendDirent writes d into buf in the fixed-header-plus-name-plus-padding
// layout used by fuse_dirent, the same byte layout fuseutil.WriteDirent
// produces in the upstream library. It always returns buf with d appended;
// checking the result against a buffer size is left to the caller.
func appendDirent(buf []byte, d dirent) []byte {
	const direntAlignment = 8
	const direntHeaderSize = 8 + 8 + 4 + 4 // ino + off + namelen + type

	padLen := 0
	if len(d.name)%direntAlignment != 0 {
		padLen = direntAlignment - (len(d.name) % direntAlignment)
	}

	rec := make([]byte, direntHeaderSize+len(d.name)+padLen)

	putUint64(rec[0:8], uint64(d.inode))
	putUint64(rec[8:16], d.offset)
	putUint32(rec[16:20], uint32(len(d.name)))
	putUint32(rec[20:24], uint32(d.typ))
	copy(rec[direntHeaderSize:], d.name)

	return append(buf, rec...)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
