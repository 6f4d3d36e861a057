package corekv

import (
	"os"
	"path/filepath"
	"sync"
)

// Env is a process-wide handle to one database file (§3.1 Environment):
// the mmap region, the writer lock and reader table, and the bookkeeping
// the core needs to hand out transactions. It is configured through the
// Set* builder methods before Open, mirroring the teacher's own
// SetMaxDBs/SetMaxReaders/SetGeometry style.
type Env struct {
	mu sync.RWMutex

	path     string
	dataFile *os.File
	dataMap  *mmap
	lock     *lockFile
	log      logger

	pageSize          int
	mapSize           uint64
	maxReaders        int
	maxDBs            int
	maxTxnPages       int
	durability        Durability
	checksumMode      ChecksumMode
	overflowThreshold int

	// current caches the authoritative meta so BeginRead/BeginWrite don't
	// need to re-parse page bytes on every call; it is only ever replaced
	// wholesale (never mutated in place) so a concurrent reader holding
	// the old value sees a consistent snapshot (§5.2).
	metaMu  sync.Mutex
	current meta
	metaIdx int

	dbiMu    sync.RWMutex
	dbiNames map[DBI]string
	dbiIDs   map[string]DBI
	nextDBI  DBI
}

// NewEnv creates an unopened environment with the core's default
// configuration (§6.2). Call the Set* methods to override individual
// options, then Open.
func NewEnv() *Env {
	return &Env{
		pageSize:     DefaultPageSize,
		mapSize:      64 << 20,
		maxReaders:   126,
		maxDBs:       16,
		maxTxnPages:  1 << 18,
		durability:   FullSync,
		checksumMode: ChecksumFull,
		log:          defaultLogger(),
		dbiNames:     make(map[DBI]string),
		dbiIDs:       make(map[string]DBI),
		nextDBI:      CoreDBs,
	}
}

func (e *Env) requireClosed() error {
	if e.dataFile != nil {
		return newErr(InvalidParameter, "environment already open")
	}
	return nil
}

// SetMapSize sets the pre-allocated map size in bytes. Must be called
// before Open.
func (e *Env) SetMapSize(n uint64) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	e.mapSize = n
	return nil
}

// SetMaxReaders sets the reader-table capacity. Must be called before
// Open.
func (e *Env) SetMaxReaders(n int) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	if n <= 0 {
		return newErr(InvalidParameter, "max readers must be positive")
	}
	e.maxReaders = n
	return nil
}

// SetMaxDBs sets the named-database catalog capacity recorded in the
// meta page of a newly created file. Must be called before Open. OpenDBI
// does not enforce it: the number of named databases is not limited.
func (e *Env) SetMaxDBs(n int) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	if n < 0 || n > MaxDBI {
		return newErr(InvalidParameter, "max dbs out of range")
	}
	e.maxDBs = n
	return nil
}

// SetMaxTxnPages sets the dirty-page cap a write transaction may
// accumulate before failing with TxnFull (§4.4).
func (e *Env) SetMaxTxnPages(n int) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	if n <= 0 {
		return newErr(InvalidParameter, "max txn pages must be positive")
	}
	e.maxTxnPages = n
	return nil
}

// SetDurability selects the fsync discipline used at commit (§5.3).
func (e *Env) SetDurability(d Durability) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	e.durability = d
	return nil
}

// SetChecksumMode selects how aggressively pages are checksummed
// (§6.2).
func (e *Env) SetChecksumMode(m ChecksumMode) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	e.checksumMode = m
	return nil
}

// SetPageSize overrides the default page size. Must be a power of two
// between MinPageSize and MaxPageSize, and must be called before Open.
func (e *Env) SetPageSize(n int) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	if n < MinPageSize || n > MaxPageSize || n&(n-1) != 0 {
		return newErr(InvalidParameter, "page size must be a power of two in range")
	}
	e.pageSize = n
	return nil
}

// totalPages is the number of pages the current mapping can hold.
func (e *Env) totalPages() uint64 {
	return e.mapSize / uint64(e.pageSize)
}

func roundUpPages(size uint64, pageSize uint64) uint64 {
	if size == 0 {
		size = pageSize
	}
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}
	return size
}

// Open opens (creating if necessary) the environment rooted at dir,
// which holds the data file and its companion lock file (§4.1). fileMode
// is applied to a newly created data file, recommended 0600 per §6.2; the
// lock file is always created with mode 0600.
func (e *Env) Open(dir string, fileMode os.FileMode) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, fileMode|0o700); err != nil {
		return wrapErr(IOErr, "mkdir environment directory", err)
	}
	e.path = dir

	lockPath := filepath.Join(dir, lockFileName)
	lf, err := openLockFile(lockPath, e.maxReaders, true)
	if err != nil {
		return err
	}
	e.lock = lf

	dataPath := filepath.Join(dir, dataFileName)
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		lf.close()
		return wrapErr(IOErr, "open data file", err)
	}
	e.dataFile = f

	fi, err := f.Stat()
	if err != nil {
		e.closeFiles()
		return wrapErr(IOErr, "stat data file", err)
	}

	if fi.Size() == 0 {
		size := roundUpPages(e.mapSize, uint64(e.pageSize))
		if err := f.Truncate(int64(size)); err != nil {
			e.closeFiles()
			return wrapErr(IOErr, "truncate data file", err)
		}
		if err := e.initNewFile(size); err != nil {
			e.closeFiles()
			return err
		}
	} else {
		e.mapSize = uint64(fi.Size())
	}

	dm, err := mmapOpen(int(f.Fd()), int64(e.mapSize), true)
	if err != nil {
		e.closeFiles()
		return err
	}
	e.dataMap = dm

	if err := e.reloadMeta(); err != nil {
		e.closeFiles()
		return err
	}
	e.pageSize = int(e.current.PageSize)
	e.overflowThreshold = e.pageSize / 4

	e.log.envOpened(dir, uint32(e.pageSize), e.mapSize)
	return nil
}

// initNewFile writes the two fixed meta pages (§4.6) of a brand-new,
// empty database directly through the file descriptor, before any mmap
// exists: page 0 carries txn_id 1 and is the only valid meta, page 1 is
// left zeroed (invalid magic) so pickCurrentMeta unambiguously selects
// page 0 (tie-break rule for an empty database, §4.6).
func (e *Env) initNewFile(mapSize uint64) error {
	buf := make([]byte, e.pageSize)
	h := headerPtr(buf)
	h.PageNo = 0
	h.Flags = pageMeta

	m := readMeta(buf)
	*m = meta{
		Magic:    packedMagic(),
		Txnid:    txnid(minTxnID),
		MapSize:  mapSize,
		NextPgno: pgno(numMetas),
		PageSize: uint32(e.pageSize),
		MaxDBs:   uint32(e.maxDBs),
		GC:       emptyTree(),
		Main:     emptyTree(),
	}
	m.finalize(buf, e.checksumMode)
	pg := &page{Data: buf}
	pg.finalize(e.checksumMode)

	if _, err := e.dataFile.WriteAt(buf, 0); err != nil {
		return wrapErr(IOErr, "write initial meta page", err)
	}
	if e.durability != NoSync {
		if err := e.dataFile.Sync(); err != nil {
			return wrapErr(IOErr, "sync initial meta page", err)
		}
	}
	return nil
}

// reloadMeta re-reads both meta pages from the mmap and atomically
// replaces the cached current meta. Called at Open and after every
// commit.
func (e *Env) reloadMeta() error {
	var pages [numMetas][]byte
	for i := 0; i < numMetas; i++ {
		data, err := e.pageAt(pgno(i))
		if err != nil {
			return err
		}
		pages[i] = data
	}
	idx, err := pickCurrentMeta(pages, e.checksumMode)
	if err != nil {
		return err
	}
	e.metaMu.Lock()
	e.current = *readMeta(pages[idx])
	e.metaIdx = idx
	e.metaMu.Unlock()
	return nil
}

func (e *Env) currentMeta() meta {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.current
}

func (e *Env) currentMetaIdx() int {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()
	return e.metaIdx
}

// pageAt returns the mmap bytes for page pn, performing the checked
// multiplication §4.1 requires: an out-of-range or overflowing pgno
// fails with InvalidPageID rather than an undefined memory access.
func (e *Env) pageAt(pn pgno) ([]byte, error) {
	if pn == invalidPgno {
		return nil, newErrPgno(InvalidPageID, "invalid page number", pn)
	}
	pageSize := uint64(e.pageSize)
	off := uint64(pn) * pageSize
	if pageSize != 0 && off/pageSize != uint64(pn) {
		return nil, newErrPgno(InvalidPageID, "pgno*page_size overflow", pn)
	}
	end := off + pageSize
	data := e.dataMap.data
	if end > uint64(len(data)) || end < off {
		return nil, newErrPgno(InvalidPageID, "pgno beyond mapped file", pn)
	}
	return data[off:end], nil
}

// writeMeta rotates to the non-current meta page, writes m into it in
// the mapping, and reloads the cached current meta (§4.4 commit steps
// 4-6, §4.6). It does not sync; Commit syncs afterwards per the
// durability mode. It is only ever called by the single active writer.
func (e *Env) writeMeta(m *meta) error {
	targetIdx := 1 - e.currentMetaIdx()

	data, err := e.pageAt(pgno(targetIdx))
	if err != nil {
		return err
	}
	h := headerPtr(data)
	h.PageNo = pgno(targetIdx)
	h.Flags = pageMeta
	h.Lower = 0
	h.Upper = 0

	mp := readMeta(data)
	*mp = *m
	mp.finalize(data, e.checksumMode)
	pg := &page{Data: data}
	pg.finalize(e.checksumMode)

	if err := e.reloadMeta(); err != nil {
		return err
	}
	e.log.metaRotated(uint64(m.Txnid), targetIdx)
	return nil
}

func (e *Env) closeFiles() {
	if e.dataMap != nil {
		e.dataMap.close()
		e.dataMap = nil
	}
	if e.dataFile != nil {
		e.dataFile.Close()
		e.dataFile = nil
	}
	if e.lock != nil {
		e.lock.close()
		e.lock = nil
	}
}

// Close releases every resource the environment holds. It does not wait
// for outstanding transactions; callers must ensure none are in flight.
func (e *Env) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeFiles()
	e.log.envClosed(e.path)
}

// BeginRead starts a read-only transaction (§4.4): it snapshots the
// current meta (a copy taken under a short mutex) and claims a reader
// slot with a lock-free CAS, both cheap operations per §9.
func (e *Env) BeginRead() (*Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dataMap == nil {
		return nil, newErr(InvalidParameter, "environment not open")
	}

	m := e.currentMeta()
	slot, err := e.lock.acquireReaderSlot(uint64(m.Txnid))
	if err != nil {
		e.log.readersFull(e.maxReaders)
		return nil, err
	}

	return &Txn{
		env:        e,
		id:         m.Txnid,
		readOnly:   true,
		meta:       m,
		readerSlot: slot,
	}, nil
}

// BeginWrite starts a write transaction (§4.4): it acquires the single
// exclusive writer lock for the transaction's whole lifetime and loads a
// private working copy of the latest committed meta.
func (e *Env) BeginWrite() (*Txn, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dataMap == nil {
		return nil, newErr(InvalidParameter, "environment not open")
	}

	if err := e.lock.lockWriter(); err != nil {
		return nil, err
	}

	if err := e.reloadMeta(); err != nil {
		e.lock.unlockWriter()
		return nil, err
	}
	m := e.currentMeta()

	txn := &Txn{
		env:   e,
		id:    m.Txnid + 1,
		meta:  m,
		dirty: make(map[pgno]*page),
	}
	txn.meta.Txnid = txn.id

	oldest := e.lock.oldestReaderTxnID()
	reclaimed, err := txn.reclaimFreePages(oldest)
	if err != nil {
		e.lock.unlockWriter()
		return nil, err
	}
	txn.freePool = reclaimed

	return txn, nil
}

// View runs fn in a read-only transaction, aborting it on return (§6.2).
func (e *Env) View(fn func(txn *Txn) error) error {
	txn, err := e.BeginRead()
	if err != nil {
		return err
	}
	defer txn.Abort()
	return fn(txn)
}

// Update runs fn in a write transaction, committing on success and
// aborting on error or panic (§6.2).
func (e *Env) Update(fn func(txn *Txn) error) error {
	txn, err := e.BeginWrite()
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Abort()
		}
	}()
	if err := fn(txn); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// lookupDBI returns the process-local handle already registered for
// name, if any (§6.3).
func (e *Env) lookupDBI(name string) (DBI, bool) {
	e.dbiMu.RLock()
	defer e.dbiMu.RUnlock()
	id, ok := e.dbiIDs[name]
	return id, ok
}

// registerDBI assigns a fresh process-local handle to name, or returns
// the existing one if name was already registered by a previous
// OpenDBI call in this process.
func (e *Env) registerDBI(name string) DBI {
	e.dbiMu.Lock()
	defer e.dbiMu.Unlock()
	if id, ok := e.dbiIDs[name]; ok {
		return id
	}
	id := e.nextDBI
	e.nextDBI++
	e.dbiIDs[name] = id
	e.dbiNames[id] = name
	return id
}

// dbiName resolves a process-local handle back to its catalog name.
func (e *Env) dbiName(dbi DBI) (string, bool) {
	e.dbiMu.RLock()
	defer e.dbiMu.RUnlock()
	name, ok := e.dbiNames[dbi]
	return name, ok
}
