package corekv

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// lockFile backs the cross-process writer lock and the reader table
// (§4.4, §5.2). It mirrors the teacher's lock.go in spirit — a small
// mmap'd side file holding reader slots plus an flock-based exclusive
// writer lock — simplified to a flat array of atomic txn-id slots
// instead of the teacher's per-slot pid/tid/compat metadata, since the
// core spec only requires a liveness flag and a transaction id per
// reader (§3.1 Reader slot).
type lockFile struct {
	f          *os.File
	mm         *mmap
	maxReaders int

	// writerMu serializes writers within this process; the flock call
	// below serializes writers across processes. Both are held for the
	// full lifetime of a write transaction.
	writerMu sync.Mutex
}

const lockHeaderSize = 8 // room for a future format version; keeps slots 8-aligned

func openLockFile(path string, maxReaders int, create bool) (*lockFile, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o600)
	if err != nil {
		return nil, wrapErr(IOErr, "open lock file", err)
	}
	size := int64(lockHeaderSize + maxReaders*8)
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr(IOErr, "stat lock file", err)
	}
	fresh := fi.Size() == 0
	if fresh {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, wrapErr(IOErr, "truncate lock file", err)
		}
	}
	mm, err := mmapOpen(int(f.Fd()), size, true)
	if err != nil {
		f.Close()
		return nil, err
	}
	lf := &lockFile{f: f, mm: mm, maxReaders: maxReaders}
	if fresh {
		for i := 0; i < maxReaders; i++ {
			lf.slot(i).store(invalidTxnID)
		}
	}
	return lf, nil
}

func (lf *lockFile) close() error {
	if err := lf.mm.close(); err != nil {
		return err
	}
	return lf.f.Close()
}

type atomicSlot struct{ p *uint64 }

func (lf *lockFile) slot(idx int) atomicSlot {
	off := lockHeaderSize + idx*8
	return atomicSlot{p: (*uint64)(unsafe.Pointer(&lf.mm.data[off]))}
}

func (s atomicSlot) load() uint64            { return atomic.LoadUint64(s.p) }
func (s atomicSlot) store(v uint64)          { atomic.StoreUint64(s.p, v) }
func (s atomicSlot) cas(old, new uint64) bool { return atomic.CompareAndSwapUint64(s.p, old, new) }

// lockWriter acquires the exclusive, cross-process writer lock and the
// in-process mutex that serializes goroutines within this environment.
// It is held for the write transaction's entire lifetime, per §4.4/§5.2.
func (lf *lockFile) lockWriter() error {
	lf.writerMu.Lock()
	if err := unix.Flock(int(lf.f.Fd()), unix.LOCK_EX); err != nil {
		lf.writerMu.Unlock()
		return wrapErr(IOErr, "flock writer", err)
	}
	return nil
}

func (lf *lockFile) unlockWriter() {
	unix.Flock(int(lf.f.Fd()), unix.LOCK_UN)
	lf.writerMu.Unlock()
}

// acquireReaderSlot claims a free slot by CAS, per §5.2: "a reader
// claims a slot by CAS from a sentinel value to its own token."
func (lf *lockFile) acquireReaderSlot(txnID uint64) (int, error) {
	for i := 0; i < lf.maxReaders; i++ {
		s := lf.slot(i)
		if s.load() == invalidTxnID && s.cas(invalidTxnID, txnID) {
			return i, nil
		}
	}
	return -1, newErr(ReadersFull, "no free reader slot")
}

func (lf *lockFile) releaseReaderSlot(idx int) {
	lf.slot(idx).store(invalidTxnID)
}

// oldestReaderTxnID returns the lowest txn id held by any active reader,
// or math.MaxUint64 if there are none — meaning nothing currently
// protects any freed page from reuse.
func (lf *lockFile) oldestReaderTxnID() uint64 {
	oldest := uint64(1<<64 - 1)
	for i := 0; i < lf.maxReaders; i++ {
		v := lf.slot(i).load()
		if v != invalidTxnID && v < oldest {
			oldest = v
		}
	}
	return oldest
}

// numReaders counts the reader slots currently claimed by a live
// snapshot, for Txn.Info (§6.2).
func (lf *lockFile) numReaders() int {
	n := 0
	for i := 0; i < lf.maxReaders; i++ {
		if lf.slot(i).load() != invalidTxnID {
			n++
		}
	}
	return n
}
