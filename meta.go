package corekv

import (
	"encoding/binary"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// metaChecksumOffset is the byte offset of meta.Checksum within the meta
// struct, computed once so metaChecksumBytes does not need to assume
// there is no trailing padding after the field.
var metaChecksumOffset = func() int {
	var m meta
	return int(unsafe.Offsetof(m.Checksum))
}()

// metaMagic identifies a file written by this package. It is not the
// MDBX magic number: this store's on-disk format is its own (two fixed
// meta pages, an xxhash checksum field, no DUPSORT), not a bit-compatible
// rendition of any other implementation.
const metaMagic uint64 = 0x636F72656B7631 // "corekv1"

// formatVersion is bumped whenever the on-disk meta/page layout changes
// incompatibly.
const formatVersion uint8 = 1

func packedMagic() uint64 { return metaMagic<<8 | uint64(formatVersion) }

// tree is the persisted metadata for one named database (§3.1's Database
// entity): its root page, page-count bookkeeping, and the duplicate-sort
// style flags the on-disk format reserves but the core does not
// interpret (see SPEC_FULL.md open question 1).
type tree struct {
	Flags       uint16
	Height      uint16
	Root        pgno
	BranchPages pgno
	LeafPages   pgno
	LargePages  pgno
	Sequence    uint64
	Items       uint64
	ModTxnid    txnid
}

func (t *tree) isEmpty() bool { return t.Root == invalidPgno || t.Items == 0 }

func (t *tree) totalPages() uint64 {
	return uint64(t.BranchPages) + uint64(t.LeafPages) + uint64(t.LargePages)
}

func emptyTree() tree {
	return tree{Root: invalidPgno}
}

// meta is the authoritative root descriptor (§3.1 Meta page, §4.6). Two
// copies live at fixed pgnos 0 and 1; whichever has the higher Txnid is
// current.
type meta struct {
	Magic    uint64
	Txnid    txnid
	MapSize  uint64
	NextPgno pgno
	PageSize uint32
	MaxDBs   uint32
	GC       tree // free-list tree, DBI FreeDBI
	Main     tree // named-database catalog tree, DBI MainDBI
	Checksum uint32
}

func readMeta(pageData []byte) *meta {
	return (*meta)(ptr(pageData[pageHeaderSize:]))
}

func (m *meta) valid() bool { return m.Magic>>8 == metaMagic }

// metaChecksumBytes returns the meta's bytes up to (not including) its
// own Checksum field, using the real field offset rather than assuming
// no trailing padding.
func metaChecksumBytes(pageData []byte) []byte {
	base := pageHeaderSize
	return pageData[base : base+metaChecksumOffset]
}

func (m *meta) finalize(pageData []byte, mode ChecksumMode) {
	if mode == ChecksumNone {
		m.Checksum = 0
		return
	}
	m.Checksum = uint32(xxhash.Sum64(metaChecksumBytes(pageData)))
}

func (m *meta) verify(pageData []byte, mode ChecksumMode) bool {
	if mode == ChecksumNone {
		return true
	}
	return m.Checksum == uint32(xxhash.Sum64(metaChecksumBytes(pageData)))
}

// pickCurrentMeta validates both meta pages and returns the index (0 or
// 1) of the current one, per §4.6: higher txn_id wins; tie-break to
// pgno 0 for a freshly initialized file.
func pickCurrentMeta(pages [numMetas][]byte, mode ChecksumMode) (idx int, err error) {
	var metas [numMetas]*meta
	var ok [numMetas]bool
	for i := 0; i < numMetas; i++ {
		m := readMeta(pages[i])
		if m.valid() && m.verify(pages[i], mode) {
			metas[i] = m
			ok[i] = true
		}
	}
	switch {
	case ok[0] && ok[1]:
		if metas[1].Txnid > metas[0].Txnid {
			return 1, nil
		}
		return 0, nil
	case ok[0]:
		return 0, nil
	case ok[1]:
		return 1, nil
	default:
		return 0, newErr(Corruption, "no valid meta page")
	}
}

// treeEncodedSize is the fixed wire size of a tree record stored as a
// catalog value (§6.3): the named-database directory's value is this
// record, not a raw page reference.
const treeEncodedSize = 2 + 2 + 4 + 4 + 4 + 4 + 8 + 8 + 8

// treeToBytes encodes t the same explicit little-endian way page.go
// writes node fields, rather than overlaying the struct directly as
// pageHeader and meta are (in host byte order): a catalog value is read
// back by unrelated transactions long after t itself is gone, so there
// is no COW buffer to alias against.
func treeToBytes(t *tree) []byte {
	buf := make([]byte, treeEncodedSize)
	binary.LittleEndian.PutUint16(buf[0:], t.Flags)
	binary.LittleEndian.PutUint16(buf[2:], t.Height)
	binary.LittleEndian.PutUint32(buf[4:], uint32(t.Root))
	binary.LittleEndian.PutUint32(buf[8:], uint32(t.BranchPages))
	binary.LittleEndian.PutUint32(buf[12:], uint32(t.LeafPages))
	binary.LittleEndian.PutUint32(buf[16:], uint32(t.LargePages))
	binary.LittleEndian.PutUint64(buf[20:], t.Sequence)
	binary.LittleEndian.PutUint64(buf[28:], t.Items)
	binary.LittleEndian.PutUint64(buf[36:], uint64(t.ModTxnid))
	return buf
}

func bytesToTree(buf []byte) *tree {
	t := &tree{}
	if len(buf) < treeEncodedSize {
		return t
	}
	t.Flags = binary.LittleEndian.Uint16(buf[0:])
	t.Height = binary.LittleEndian.Uint16(buf[2:])
	t.Root = pgno(binary.LittleEndian.Uint32(buf[4:]))
	t.BranchPages = pgno(binary.LittleEndian.Uint32(buf[8:]))
	t.LeafPages = pgno(binary.LittleEndian.Uint32(buf[12:]))
	t.LargePages = pgno(binary.LittleEndian.Uint32(buf[16:]))
	t.Sequence = binary.LittleEndian.Uint64(buf[20:])
	t.Items = binary.LittleEndian.Uint64(buf[28:])
	t.ModTxnid = txnid(binary.LittleEndian.Uint64(buf[36:]))
	return t
}
