package bbolt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/avatarkey/storage"
)

func newTestDB(t *testing.T) (*bbolt.DB, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "avatarkey-test-*.db")
	if err != nil {
		t.Fatalf("could not create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		os.Remove(path)
		t.Fatalf("could not open db: %v", err)
	}
	return db, func() {
		db.Close()
		os.Remove(path)
	}
}

func testRow(key, ciphertext string) *storage.Row {
	return &storage.Row{
		Key: key,
		Fields: map[string]*storage.Envelope{
			"api_key":    {Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte(ciphertext)},
			"account_id": {Ver: 1, Scheme: "aes256gcm", Nonce: make([]byte, 12), Ciphertext: []byte("acct")},
		},
	}
}

func TestBBoltStorage(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()

	ctx := context.Background()
	s := NewRepository(db)
	table := "credentials"

	t.Run("UpsertGet", func(t *testing.T) {
		if err := s.Upsert(ctx, table, testRow("a1", "cipher")); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		got, err := s.Get(ctx, table, "a1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}
		if len(got.Fields) != 2 {
			t.Errorf("expected 2 fields, got %d", len(got.Fields))
		}
		if string(got.Fields["api_key"].Ciphertext) != "cipher" {
			t.Errorf("unexpected ciphertext %q", got.Fields["api_key"].Ciphertext)
		}
	})

	t.Run("UpsertOverwritesAndBumpsVersion", func(t *testing.T) {
		if err := s.Upsert(ctx, table, testRow("a1", "cipher-2")); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		got, _ := s.Get(ctx, table, "a1")
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
		if string(got.Fields["api_key"].Ciphertext) != "cipher-2" {
			t.Errorf("expected last write to win, got %q", got.Fields["api_key"].Ciphertext)
		}
	})

	t.Run("List", func(t *testing.T) {
		s.Upsert(ctx, table, testRow("a2", "x"))
		keys, err := s.List(ctx, table)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 2 {
			t.Errorf("expected 2 keys, got %d", len(keys))
		}
		keys, err = s.List(ctx, "missing-table")
		if err != nil || len(keys) != 0 {
			t.Errorf("expected empty list for missing table, got %v, %v", keys, err)
		}
	})

	t.Run("Get Errors", func(t *testing.T) {
		_, err := s.Get(ctx, "nonexistent-table", "a1")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing table, got %v", err)
		}
		_, err = s.Get(ctx, table, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing key, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := s.Delete(ctx, table, "a2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := s.Delete(ctx, table, "a2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
		if err := s.Delete(ctx, "nonexistent-table", "a2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing table, got %v", err)
		}
	})
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avatarkey.db")
	ctx := context.Background()

	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Upsert(ctx, "credentials", testRow("a1", "persisted")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "credentials", "a1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got.Fields["api_key"].Ciphertext) != "persisted" {
		t.Errorf("unexpected ciphertext %q", got.Fields["api_key"].Ciphertext)
	}
}
