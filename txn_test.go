package corekv

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

func TestPutGetDelete(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("hello"), []byte("world"), Upsert)
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, []byte("hello"))
		if err != nil {
			return err
		}
		if string(v) != "world" {
			return fmt.Errorf("got %q", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if err := env.Update(func(txn *Txn) error {
		return txn.Delete(MainDBI, []byte("hello"))
	}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		_, err := txn.Get(MainDBI, []byte("hello"))
		if !errorsIsKeyNotFound(err) {
			return fmt.Errorf("expected key not found, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("post-delete Get check failed: %v", err)
	}
}

func TestNoOverwriteRejectsExistingKey(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v1"), Upsert)
	}); err != nil {
		t.Fatalf("initial put failed: %v", err)
	}

	err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v2"), NoOverwrite)
	})
	if err == nil {
		t.Fatal("expected NoOverwrite to fail on existing key")
	}
}

// TestSequentialInsert exercises the ascending-split policy: 10000
// strictly increasing keys should all remain retrievable and iterate in
// order afterward.
func TestSequentialInsert(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	const n = 10000
	if err := env.Update(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("%08d", i))
			if err := txn.Put(MainDBI, key, key, Upsert); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("bulk insert failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("%08d", i))
			v, err := txn.Get(MainDBI, key)
			if err != nil {
				return fmt.Errorf("key %d: %w", i, err)
			}
			if !bytes.Equal(v, key) {
				return fmt.Errorf("key %d: got %q", i, v)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		k, _, err := c.First()
		if err != nil {
			return err
		}
		count := 0
		var prev []byte
		for err == nil {
			if prev != nil && bytes.Compare(prev, k) >= 0 {
				return fmt.Errorf("cursor order violated at %q after %q", k, prev)
			}
			prev = append([]byte(nil), k...)
			count++
			k, _, err = c.Next()
		}
		if !errorsIsKeyNotFound(err) {
			return err
		}
		if count != n {
			return fmt.Errorf("got %d entries, want %d", count, n)
		}
		return nil
	}); err != nil {
		t.Fatalf("cursor walk failed: %v", err)
	}
}

// TestRandomInsertAndHalfDelete inserts 200 random keys, deletes half of
// them, and checks the surviving set is exactly right and still walks in
// order (§8 scenario 4).
func TestRandomInsertAndHalfDelete(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	const n = 200
	keys := make([][]byte, n)
	seed := uint32(12345)
	next := func() uint32 {
		seed = seed*1664525 + 1013904223
		return seed
	}
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%010d", next()%1000000))
	}

	if err := env.Update(func(txn *Txn) error {
		for _, k := range keys {
			if err := txn.Put(MainDBI, k, k, Upsert); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	deleted := make(map[string]bool)
	if err := env.Update(func(txn *Txn) error {
		for i, k := range keys {
			if i%2 == 0 {
				if err := txn.Delete(MainDBI, k); err != nil && !errorsIsKeyNotFound(err) {
					return err
				}
				deleted[string(k)] = true
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		k, _, err := c.First()
		var prev []byte
		count := 0
		for err == nil {
			if deleted[string(k)] {
				return fmt.Errorf("deleted key %q still present", k)
			}
			if prev != nil && bytes.Compare(prev, k) >= 0 {
				return fmt.Errorf("cursor order violated")
			}
			prev = append([]byte(nil), k...)
			count++
			k, _, err = c.Next()
		}
		if !errorsIsKeyNotFound(err) {
			return err
		}
		want := 0
		seen := map[string]bool{}
		for _, k := range keys {
			if !deleted[string(k)] && !seen[string(k)] {
				want++
				seen[string(k)] = true
			}
		}
		if count != want {
			return fmt.Errorf("got %d surviving entries, want %d", count, want)
		}
		return nil
	}); err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestOverflowThresholdBoundary(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	threshold := env.overflowThreshold
	small := bytes.Repeat([]byte("a"), threshold)
	large := bytes.Repeat([]byte("b"), threshold+1)

	if err := env.Update(func(txn *Txn) error {
		if err := txn.Put(MainDBI, []byte("small"), small, Upsert); err != nil {
			return err
		}
		return txn.Put(MainDBI, []byte("large"), large, Upsert)
	}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, []byte("small"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, small) {
			return fmt.Errorf("small value mismatch")
		}
		v, err = txn.Get(MainDBI, []byte("large"))
		if err != nil {
			return err
		}
		if !bytes.Equal(v, large) {
			return fmt.Errorf("large value mismatch")
		}
		return nil
	}); err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

// TestReaderSnapshotIsolation checks that a reader started before a
// writer commits never observes the writer's changes, even after commit
// (§4.3, §8 scenario 5).
func TestReaderSnapshotIsolation(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v1"), Upsert)
	}); err != nil {
		t.Fatalf("initial put failed: %v", err)
	}

	reader, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}
	defer reader.Abort()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v2"), Upsert)
	}); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	v, err := reader.Get(MainDBI, []byte("k"))
	if err != nil {
		t.Fatalf("reader Get failed: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("reader observed writer's change: got %q, want v1", v)
	}

	if err := env.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, []byte("k"))
		if err != nil {
			return err
		}
		if string(v) != "v2" {
			return fmt.Errorf("got %q, want v2", v)
		}
		return nil
	}); err != nil {
		t.Fatalf("new reader should see committed change: %v", err)
	}
}

func TestMaxTxnPagesEnforced(t *testing.T) {
	dir, err := os.MkdirTemp("", "corekv-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	defer os.RemoveAll(dir)

	// The cap, like every Set* option, must be set before Open.
	env := NewEnv()
	if err := env.SetMaxTxnPages(2); err != nil {
		t.Fatalf("SetMaxTxnPages failed: %v", err)
	}
	if err := env.Open(dir, 0o600); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer env.Close()

	err = env.Update(func(txn *Txn) error {
		for i := 0; i < 1000; i++ {
			key := []byte(fmt.Sprintf("%08d", i))
			if err := txn.Put(MainDBI, key, key, Upsert); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected TxnFull error")
	}
	if e, ok := err.(*Error); !ok || e.Kind != TxnFull {
		t.Fatalf("expected TxnFull, got %v", err)
	}
}

// TestFreeListReclaim checks that pages freed by a committed transaction
// become available for reuse only after the reader that predates them
// has gone away (§4.2, §8 scenario 6).
func TestFreeListReclaim(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("a"), bytes.Repeat([]byte("x"), 100), Upsert)
	}); err != nil {
		t.Fatalf("initial put failed: %v", err)
	}

	reader, err := env.BeginRead()
	if err != nil {
		t.Fatalf("BeginRead failed: %v", err)
	}

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("a"), bytes.Repeat([]byte("y"), 100), Upsert)
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	sizeBeforeReclaim := env.currentMeta().NextPgno

	reader.Abort()

	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("b"), []byte("z"), Upsert)
	}); err != nil {
		t.Fatalf("post-abort put failed: %v", err)
	}

	if env.currentMeta().NextPgno > sizeBeforeReclaim {
		t.Fatalf("expected free list reuse, file grew from %d to %d", sizeBeforeReclaim, env.currentMeta().NextPgno)
	}
}
