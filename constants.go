package corekv

// Page size constraints.
const (
	// MinPageSize is the minimum allowed page size.
	MinPageSize = 512
	// MaxPageSize is the maximum allowed page size.
	MaxPageSize = 65536
	// DefaultPageSize is the page size NewEnv configures; SetPageSize
	// overrides it before Open.
	DefaultPageSize = 4096
)

// Database limits.
const (
	// MaxDBI is the maximum number of named databases the catalog can hold.
	MaxDBI = 32765

	// MaxDataSize is the largest value the core will ever store, inline or
	// as an overflow chain.
	MaxDataSize = 0x7fff0000

	// numMetas is the number of rotating meta pages. The core spec fixes
	// this at two: pgno 0 and pgno 1.
	numMetas = 2

	// FreeDBI is the handle for the free-list ("GC") tree.
	FreeDBI = 0
	// MainDBI is the handle for the main catalog tree (named-database
	// directory, see §6.3).
	MainDBI = 1
	// CoreDBs is the number of built-in trees occupying the low DBI slots.
	CoreDBs = 2
)

// Transaction id constants.
const (
	// minTxnID is the first valid transaction id. 0 is reserved to mean
	// "freed before any reader could exist" in the free list.
	minTxnID uint64 = 1
	// invalidTxnID marks an uninitialized or released reader slot.
	invalidTxnID uint64 = 0xFFFFFFFFFFFFFFFF
)

// invalidPgno is the empty-tree / unset-pointer marker.
const invalidPgno pgno = 0xFFFFFFFF

// Durability is the fsync discipline used at commit, per §5.3.
type Durability int

const (
	// NoSync performs no fsync calls; the OS may reorder writes freely.
	NoSync Durability = iota
	// AsyncFlush requests a flush of data pages without waiting for it.
	AsyncFlush
	// SyncData fsyncs data pages before writing the meta page; the meta
	// page itself is not synced.
	SyncData
	// FullSync fsyncs data pages, writes the meta page, then fsyncs the
	// meta page. After a crash the store reflects txn N or N+1, never a
	// mixture of the two.
	FullSync
)

// ChecksumMode selects how aggressively pages are checksummed, per §6.2.
type ChecksumMode int

const (
	// ChecksumFull verifies every page read from disk and the meta pages.
	ChecksumFull ChecksumMode = iota
	// ChecksumFast verifies only the meta pages; tree pages are trusted
	// once mapped.
	ChecksumFast
	// ChecksumNone disables the checksum field entirely.
	ChecksumNone
)

// Database flags recognized on tree.Flags (§3.1 "flags (duplicate-sort,
// etc.)"). None of them is interpreted by the core: every tree compares
// keys bytewise, and the bits are only preserved in the on-disk tree
// record (see SPEC_FULL.md open question 1 for duplicate-sort).
const (
	ReverseKey uint16 = 0x02
	DupSort    uint16 = 0x04
	IntegerKey uint16 = 0x08
)

// Put flags for Txn.Put / Cursor.Put.
const (
	// Upsert is the default insert-or-update behavior.
	Upsert uint = 0
	// NoOverwrite fails with an InvalidParameter error if the key is
	// already present.
	NoOverwrite uint = 0x10
)

const (
	dataFileName = "data.cdb"
	lockFileName = "data.cdb-lock"
)
