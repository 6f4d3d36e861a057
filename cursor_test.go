package corekv

import (
	"bytes"
	"fmt"
	"testing"
)

// TestCursorBasicWalk covers §8 scenario 1: populate a handful of keys,
// walk forward with First/Next, then backward with Last/Prev, and check
// Seek lands on the right entry including a miss that falls between keys.
func TestCursorBasicWalk(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	want := []string{"apple", "banana", "cherry", "date", "fig"}
	if err := env.Update(func(txn *Txn) error {
		for _, k := range want {
			if err := txn.Put(MainDBI, []byte(k), []byte(k), Upsert); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		var got []string
		k, _, err := c.First()
		for err == nil {
			got = append(got, string(k))
			k, _, err = c.Next()
		}
		if !errorsIsKeyNotFound(err) {
			return err
		}
		if len(got) != len(want) {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				return fmt.Errorf("got %v, want %v", got, want)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("forward walk failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		var got []string
		k, _, err := c.Last()
		for err == nil {
			got = append(got, string(k))
			k, _, err = c.Prev()
		}
		if !errorsIsKeyNotFound(err) {
			return err
		}
		if len(got) != len(want) {
			return fmt.Errorf("got %v", got)
		}
		for i := range want {
			if got[i] != want[len(want)-1-i] {
				return fmt.Errorf("reverse walk mismatch: got %v", got)
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("backward walk failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		k, _, err := c.Seek([]byte("cc"))
		if err != nil {
			return err
		}
		if string(k) != "cherry" {
			return fmt.Errorf("Seek(cc) got %q, want cherry", k)
		}
		k, _, err = c.Seek([]byte("zzz"))
		if !errorsIsKeyNotFound(err) {
			return fmt.Errorf("Seek past end should miss, got %q err %v", k, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
}

func TestCursorDeleteRepositions(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	keys := []string{"a", "b", "c", "d"}
	if err := env.Update(func(txn *Txn) error {
		for _, k := range keys {
			if err := txn.Put(MainDBI, []byte(k), []byte(k), Upsert); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := env.Update(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		if _, _, err := c.Seek([]byte("b")); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
		k, _, err := c.First()
		if err != nil {
			return err
		}
		if string(k) != "a" {
			return fmt.Errorf("got %q after delete reposition, want a", k)
		}
		return nil
	}); err != nil {
		t.Fatalf("cursor delete failed: %v", err)
	}

	if err := env.View(func(txn *Txn) error {
		_, err := txn.Get(MainDBI, []byte("b"))
		if !errorsIsKeyNotFound(err) {
			return fmt.Errorf("expected b to be gone, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestCursorEmptyDatabase(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if err := env.View(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		if _, _, err := c.First(); !errorsIsKeyNotFound(err) {
			return fmt.Errorf("expected key not found on empty db, got %v", err)
		}
		return nil
	}); err != nil {
		t.Fatalf("empty-db cursor check failed: %v", err)
	}
}

func TestCursorPutAdvances(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if err := env.Update(func(txn *Txn) error {
		c := txn.Cursor(MainDBI)
		if err := c.Put([]byte("m"), []byte("1"), Upsert); err != nil {
			return err
		}
		k, v, err := c.First()
		if err != nil {
			return err
		}
		if string(k) != "m" || !bytes.Equal(v, []byte("1")) {
			return fmt.Errorf("got (%q,%q)", k, v)
		}
		return nil
	}); err != nil {
		t.Fatalf("cursor put failed: %v", err)
	}
}
