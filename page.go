package corekv

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// pgno is a page number: its integer index into the file, i.e. the file
// offset of the page is pgno * pageSize.
type pgno uint32

// txnid is a transaction identifier, monotonically increasing.
type txnid uint64

// pageFlags identifies the kind of a page.
type pageFlags uint16

const (
	pageBranch pageFlags = 0x01
	pageLeaf   pageFlags = 0x02
	pageLarge  pageFlags = 0x04 // overflow chain page
	pageMeta   pageFlags = 0x08

	pageTypeMask = pageBranch | pageLeaf | pageLarge | pageMeta
)

// nodeFlags identifies how a leaf node's value is stored.
type nodeFlags uint8

const (
	// nodeBig marks a leaf node whose value lives in an overflow chain;
	// the node's inline bytes hold the chain's first pgno instead of the
	// value itself.
	nodeBig nodeFlags = 0x01
)

// pageHeaderSize is sizeof(pageHeader) for the struct below: it has no
// implicit padding because every field (8, 2, 2, 2, 2, 4, 4 bytes) starts
// at an offset that is a multiple of its own size.
const pageHeaderSize = 24

// nodeHeaderSize is sizeof(nodeHeader rendered on the wire): a 4-byte
// size/child union, a 1-byte flag, a 1-byte reserved field, and a 2-byte
// key length.
const nodeHeaderSize = 8

// pageHeader is the fixed header at the start of every page. Offsets
// below are not a portability promise to any other implementation — the
// core spec only requires a single fixed, internally consistent
// encoding (§6.1) — but they are fixed for the lifetime of any one data
// file this package writes.
//
//	offset  size  field
//	0       8     Txnid
//	8       2     Flags
//	10      2     Reserved
//	12      2     Lower  (end of the slot directory)
//	14      2     Upper  (start of the heap, both relative to header end)
//	16      4     PageNo
//	20      4     Checksum
type pageHeader struct {
	Txnid    txnid
	Flags    pageFlags
	Reserved uint16
	Lower    uint16
	Upper    uint16
	PageNo   pgno
	Checksum uint32
}

// page is a thin view over one page's raw bytes.
type page struct {
	Data []byte
}

func (p *page) header() *pageHeader {
	return (*pageHeader)(headerPtr(p.Data))
}

func (p *page) pageNo() pgno           { return p.header().PageNo }
func (p *page) pageType() pageFlags    { return p.header().Flags & pageTypeMask }
func (p *page) isBranch() bool         { return p.pageType() == pageBranch }
func (p *page) isLeaf() bool           { return p.pageType() == pageLeaf }
func (p *page) isLarge() bool          { return p.pageType() == pageLarge }
func (p *page) isMeta() bool           { return p.pageType() == pageMeta }
func (p *page) numEntries() int        { return int(p.header().Lower) / 2 }
func (p *page) freeSpace() int         { return int(p.header().Upper) - int(p.header().Lower) }

// pageUsable is the number of bytes available for slot directory + heap.
func pageUsable(pageSize int) int { return pageSize - pageHeaderSize }

// init resets a page buffer to an empty page of the given type.
func (p *page) init(pn pgno, flags pageFlags, pageSize int) {
	for i := range p.Data {
		p.Data[i] = 0
	}
	h := p.header()
	h.PageNo = pn
	h.Flags = flags
	h.Lower = 0
	h.Upper = uint16(pageUsable(pageSize))
}

// entryOffset returns the absolute offset (from the start of Data) of the
// idx'th directory entry's node bytes.
func (p *page) entryOffset(idx int) int {
	dirOff := pageHeaderSize + idx*2
	rel := binary.LittleEndian.Uint16(p.Data[dirOff:])
	return pageHeaderSize + int(rel)
}

// validate checks header-level invariants. It does not verify the
// checksum; callers that need that call verifyChecksum separately, since
// a freshly COW-ed in-memory page has no checksum yet.
func (p *page) validate(pageSize int) error {
	if len(p.Data) < pageHeaderSize {
		return newErr(Corruption, "page shorter than header")
	}
	h := p.header()
	if h.Flags&^(pageTypeMask) != 0 && h.Flags&pageTypeMask == 0 {
		return newErrPgno(Corruption, "page has no recognizable type", h.PageNo)
	}
	if !p.isLarge() {
		usable := pageUsable(pageSize)
		if int(h.Upper) > usable || int(h.Lower) > int(h.Upper) {
			return newErrPgno(Corruption, "page lower/upper out of bounds", h.PageNo)
		}
	}
	return nil
}

// headerChecksumCoverage returns the byte ranges of p.Data that the
// checksum must cover: the header without its own Checksum field, and
// the slot-directory-plus-heap region actually in use. The unused gap
// between Lower and Upper is never written and must not be hashed, or a
// page that later grows into that gap would produce a different
// checksum for the same logical content.
func (p *page) headerChecksumCoverage() (head []byte, body []byte) {
	h := p.header()
	head = p.Data[:20] // everything up to the Checksum field
	if p.isLarge() {
		return head, p.Data[pageHeaderSize:]
	}
	dirEnd := pageHeaderSize + int(h.Lower)
	heapStart := pageHeaderSize + int(h.Upper)
	// body is directory ++ heap-in-use, skipping the unused gap.
	body = make([]byte, 0, int(h.Lower)+(len(p.Data)-heapStart))
	body = append(body, p.Data[pageHeaderSize:dirEnd]...)
	body = append(body, p.Data[heapStart:]...)
	return head, body
}

// finalize computes and stores the page's checksum.
func (p *page) finalize(mode ChecksumMode) {
	if mode == ChecksumNone {
		p.header().Checksum = 0
		return
	}
	head, body := p.headerChecksumCoverage()
	h := xxhash.New()
	h.Write(head)
	h.Write(body)
	p.header().Checksum = uint32(h.Sum64())
}

// verifyChecksum reports whether the stored checksum matches the page's
// current content.
func (p *page) verifyChecksum(mode ChecksumMode) bool {
	if mode == ChecksumNone {
		return true
	}
	want := p.header().Checksum
	head, body := p.headerChecksumCoverage()
	h := xxhash.New()
	h.Write(head)
	h.Write(body)
	return uint32(h.Sum64()) == want
}

// node is the decoded form of one slot, independent of its on-page byte
// encoding. All page mutation in this package goes through
// decodeEntries/encodePage rather than in-place byte surgery: the extra
// allocation is worth the much simpler, obviously-correct split/merge
// logic it enables.
type node struct {
	Key          []byte
	Flags        nodeFlags
	Child        pgno   // valid on branch pages only
	Value        []byte // valid on leaf pages, nodeBig unset
	OverflowPgno pgno   // valid on leaf pages, nodeBig set
	OverflowSize uint32 // valid on leaf pages, nodeBig set
}

func (n *node) encodedSize() int {
	size := nodeHeaderSize + len(n.Key)
	if n.Flags&nodeBig != 0 {
		size += 4
	} else {
		size += len(n.Value)
	}
	return size
}

// slotCost is the extra bytes a node consumes in the directory.
const slotCost = 2

func (n *node) totalCost() int { return slotCost + n.encodedSize() }

// decodeEntries reads every node on the page into memory, in slot order
// (which is always key order; see encodePage).
func decodeEntries(p *page) []node {
	n := p.numEntries()
	branch := p.isBranch()
	out := make([]node, n)
	for i := 0; i < n; i++ {
		off := p.entryOffset(i)
		dsize := binary.LittleEndian.Uint32(p.Data[off:])
		flags := nodeFlags(p.Data[off+4])
		ksize := binary.LittleEndian.Uint16(p.Data[off+6:])
		keyStart := off + nodeHeaderSize
		key := p.Data[keyStart : keyStart+int(ksize)]
		ent := node{Key: key, Flags: flags}
		if branch {
			ent.Child = pgno(dsize)
		} else if flags&nodeBig != 0 {
			valOff := keyStart + int(ksize)
			ent.OverflowPgno = pgno(binary.LittleEndian.Uint32(p.Data[valOff:]))
			ent.OverflowSize = dsize
		} else {
			valOff := keyStart + int(ksize)
			ent.Value = p.Data[valOff : valOff+int(dsize)]
		}
		out[i] = ent
	}
	return out
}

// encodePage rewrites p in place to hold exactly entries, in the order
// given (callers must supply them key-sorted). It does not compute the
// checksum; call finalize afterwards.
func encodePage(p *page, pn pgno, tx txnid, flags pageFlags, entries []node, pageSize int) error {
	p.init(pn, flags, pageSize)
	h := p.header()
	h.Txnid = tx

	heapEnd := pageSize // absolute offset, shrinks as we write
	for i, e := range entries {
		size := e.encodedSize()
		if pageHeaderSize+int(h.Lower)+slotCost > heapEnd-size {
			return newErrPgno(InvalidParameter, "page overflow during encode", pn)
		}
		heapEnd -= size
		off := heapEnd

		var dsize uint32
		if p.isBranch() {
			dsize = uint32(e.Child)
		} else if e.Flags&nodeBig != 0 {
			dsize = e.OverflowSize
		} else {
			dsize = uint32(len(e.Value))
		}
		binary.LittleEndian.PutUint32(p.Data[off:], dsize)
		p.Data[off+4] = byte(e.Flags)
		p.Data[off+5] = 0
		binary.LittleEndian.PutUint16(p.Data[off+6:], uint16(len(e.Key)))
		copy(p.Data[off+nodeHeaderSize:], e.Key)
		if !p.isBranch() {
			if e.Flags&nodeBig != 0 {
				binary.LittleEndian.PutUint32(p.Data[off+nodeHeaderSize+len(e.Key):], uint32(e.OverflowPgno))
			} else {
				copy(p.Data[off+nodeHeaderSize+len(e.Key):], e.Value)
			}
		}

		dirOff := pageHeaderSize + i*2
		binary.LittleEndian.PutUint16(p.Data[dirOff:], uint16(off-pageHeaderSize))
		h.Lower += 2
	}
	h.Upper = uint16(heapEnd - pageHeaderSize)
	return nil
}

// searchLeaf returns the index of the first entry whose key is >= key,
// and whether that entry's key equals it exactly.
func searchLeaf(entries []node, key []byte, cmp func(a, b []byte) int) (idx int, exact bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(entries) && cmp(entries[lo].Key, key) == 0 {
		return lo, true
	}
	return lo, false
}

// searchBranch returns the index of the child to descend into: the
// rightmost entry whose separator key is <= target. Index 0 always
// holds the leftmost child and carries an empty separator key.
func searchBranch(entries []node, key []byte, cmp func(a, b []byte) int) int {
	lo, hi := 1, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].Key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func defaultCompare(a, b []byte) int { return bytes.Compare(a, b) }

// splitPolicy selects where a full page divides. The rightmost policy
// is used for a leaf split when Txn.Put's new key lands past the last
// entry of its leaf, so sequential workloads do not waste half of every
// split page on entries that will never be visited again (§4.2/§4.5).
type splitPolicy int

const (
	splitMid splitPolicy = iota
	splitRight
)

// splitIndex returns how many of the n entries (the new entry that
// triggered the split included) stay on the left page; the rest move to
// the right page.
func splitIndex(n int, policy splitPolicy) int {
	if policy == splitRight {
		return n
	}
	return n / 2
}

func headerPtr(data []byte) *pageHeader {
	return (*pageHeader)(ptr(data))
}
