package corekv

import (
	"os"
	"path/filepath"
	"testing"
)

func tempEnv(t *testing.T) (*Env, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "corekv-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	env := NewEnv()
	if err := env.Open(dir, 0o600); err != nil {
		os.RemoveAll(dir)
		t.Fatalf("Open failed: %v", err)
	}
	return env, func() {
		env.Close()
		os.RemoveAll(dir)
	}
}

func TestOpenCreatesDataFile(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if _, err := os.Stat(filepath.Join(env.path, dataFileName)); err != nil {
		t.Fatalf("data file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.path, lockFileName)); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}

func TestReopenPreservesData(t *testing.T) {
	dir, err := os.MkdirTemp("", "corekv-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	defer os.RemoveAll(dir)

	env := NewEnv()
	if err := env.Open(dir, 0o600); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := env.Update(func(txn *Txn) error {
		return txn.Put(MainDBI, []byte("k"), []byte("v"), Upsert)
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	env.Close()

	env2 := NewEnv()
	if err := env2.Open(dir, 0o600); err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer env2.Close()

	var got []byte
	if err := env2.View(func(txn *Txn) error {
		v, err := txn.Get(MainDBI, []byte("k"))
		got = v
		return err
	}); err != nil {
		t.Fatalf("View failed: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

func TestSetPageSizeRejectsNonPowerOfTwo(t *testing.T) {
	env := NewEnv()
	if err := env.SetPageSize(1000); err == nil {
		t.Fatal("expected error for non-power-of-two page size")
	}
	if err := env.SetPageSize(4096); err != nil {
		t.Fatalf("SetPageSize(4096) failed: %v", err)
	}
}

func TestSetOptionsRejectedAfterOpen(t *testing.T) {
	env, cleanup := tempEnv(t)
	defer cleanup()

	if err := env.SetMapSize(1 << 30); err == nil {
		t.Fatal("expected error setting map size on open environment")
	}
}
