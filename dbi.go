package corekv

// Stat holds statistics for a single database, mirroring the teacher's
// per-dbi Stat record (§6.2 introspection).
type Stat struct {
	PageSize      uint32 // environment page size in bytes
	Depth         uint32 // tree height
	BranchPages   uint64
	LeafPages     uint64
	LargePages    uint64 // overflow pages
	OverflowPages uint64 // alias for LargePages
	Entries       uint64
	Root          uint32 // root pgno, for debugging
	ModTxnID      uint64 // the tree record's ModTxnid; no write path updates it, so it reads 0
}

// Stat reports on dbi's committed tree shape as of this txn's snapshot
// (§6.2). Like Get, it reads the txn's own view and never blocks on a
// writer.
func (txn *Txn) Stat(dbi DBI) (*Stat, error) {
	t := txn.treeFor(dbi)
	if t == nil {
		return nil, newErr(InvalidParameter, "unknown dbi")
	}
	return &Stat{
		PageSize:      uint32(txn.env.pageSize),
		Depth:         uint32(t.Height),
		BranchPages:   uint64(t.BranchPages),
		LeafPages:     uint64(t.LeafPages),
		LargePages:    uint64(t.LargePages),
		OverflowPages: uint64(t.LargePages),
		Entries:       t.Items,
		Root:          uint32(t.Root),
		ModTxnID:      uint64(t.ModTxnid),
	}, nil
}

// Sequence gets or advances dbi's monotonic counter (§6.3), handy for
// auto-incrementing keys. With increment == 0 it only reads the current
// value; otherwise it advances the counter by increment and returns the
// value the counter held before the advance, matching the teacher's
// get-then-bump semantics.
func (txn *Txn) Sequence(dbi DBI, increment uint64) (uint64, error) {
	if increment > 0 && txn.readOnly {
		return 0, newErr(InvalidParameter, "cannot advance sequence in a read-only transaction")
	}
	t := txn.treeFor(dbi)
	if t == nil {
		return 0, newErr(InvalidParameter, "unknown dbi")
	}
	result := t.Sequence
	if increment > 0 {
		t.Sequence += increment
	}
	return result, nil
}

// EnvInfo reports environment-wide geometry and concurrency state
// (§6.2), the Txn-scoped equivalent of the teacher's Env.Info.
type EnvInfo struct {
	MapSize           uint64
	LastPgno          uint32
	LastTxnID         uint64
	MaxReaders        int
	NumReaders        int
	OldestReaderTxnID uint64
}

// Info reports the environment's current geometry and reader census as
// seen from txn's snapshot (§6.2).
func (txn *Txn) Info() *EnvInfo {
	oldest := txn.env.lock.oldestReaderTxnID()
	return &EnvInfo{
		MapSize:           txn.env.mapSize,
		LastPgno:          uint32(txn.meta.NextPgno),
		LastTxnID:         uint64(txn.id),
		MaxReaders:        txn.env.maxReaders,
		NumReaders:        txn.env.lock.numReaders(),
		OldestReaderTxnID: oldest,
	}
}

// OpenDBI resolves name to a process-local DBI handle (§6.3), registering
// a fresh handle and an empty tree in the catalog the first time name is
// seen if create is true. Re-opening an existing name within the same
// process returns the handle already assigned to it.
func (txn *Txn) OpenDBI(name string, create bool) (DBI, error) {
	if name == "" {
		return 0, newErr(InvalidParameter, "empty database name")
	}
	if dbi, ok := txn.env.lookupDBI(name); ok {
		txn.treeFor(dbi) // ensures trees[dbi] is populated from the catalog
		return dbi, nil
	}

	_, err := txn.Get(MainDBI, []byte(name))
	switch {
	case err == nil:
		dbi := txn.env.registerDBI(name)
		txn.treeFor(dbi)
		return dbi, nil
	case errorsIsKeyNotFound(err):
		if !create {
			return 0, ErrKeyNotFound
		}
		if txn.readOnly {
			return 0, newErr(InvalidParameter, "cannot create database in read-only transaction")
		}
		dbi := txn.env.registerDBI(name)
		txn.treeFor(dbi)
		return dbi, nil
	default:
		return 0, err
	}
}

// freeSubtree walks every branch, leaf, and overflow page reachable from
// root and queues them for release, so Drop leaves no orphaned pages
// behind (§6.3).
func (txn *Txn) freeSubtree(root pgno) error {
	if root == invalidPgno {
		return nil
	}
	p, err := txn.getPage(root)
	if err != nil {
		return err
	}
	entries := decodeEntries(p)
	if p.isBranch() {
		for _, e := range entries {
			if err := txn.freeSubtree(e.Child); err != nil {
				return err
			}
		}
	} else {
		for _, e := range entries {
			if e.Flags&nodeBig != 0 {
				if err := txn.freeOverflow(e.OverflowPgno); err != nil {
					return err
				}
			}
		}
	}
	txn.freed = append(txn.freed, root)
	return nil
}

// Drop frees every page belonging to dbi's tree and removes it from the
// catalog and from the environment's handle registry, so a later OpenDBI
// of the same name without create misses (§6.3). FreeDBI and MainDBI
// cannot be dropped.
func (txn *Txn) Drop(dbi DBI) error {
	if txn.readOnly {
		return newErr(InvalidParameter, "drop on read-only transaction")
	}
	if dbi == FreeDBI || dbi == MainDBI {
		return newErr(InvalidParameter, "cannot drop a core database")
	}
	name, ok := txn.env.dbiName(dbi)
	if !ok {
		return newErr(InvalidParameter, "unknown dbi")
	}
	t := txn.treeFor(dbi)
	if t == nil {
		return newErr(InvalidParameter, "unknown dbi")
	}
	if err := txn.freeSubtree(t.Root); err != nil {
		return err
	}
	*t = emptyTree()
	delete(txn.trees, dbi)
	if err := txn.Delete(MainDBI, []byte(name)); err != nil && !errorsIsKeyNotFound(err) {
		return err
	}
	txn.env.dbiMu.Lock()
	delete(txn.env.dbiIDs, name)
	delete(txn.env.dbiNames, dbi)
	txn.env.dbiMu.Unlock()
	return nil
}
