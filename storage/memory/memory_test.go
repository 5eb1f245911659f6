package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmcleod/avatarkey/storage"
)

func testRow(key string, ciphertext string) *storage.Row {
	return &storage.Row{
		Key: key,
		Fields: map[string]*storage.Envelope{
			"api_key": {Ver: 1, Scheme: "aes256gcm", Nonce: []byte("nonce1234567"), Ciphertext: []byte(ciphertext)},
		},
	}
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	t.Run("UpsertAndGet", func(t *testing.T) {
		if err := repo.Upsert(ctx, "credentials", testRow("a1", "ciphertext")); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}

		got, err := repo.Get(ctx, "credentials", "a1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}
		if !bytes.Equal(got.Fields["api_key"].Ciphertext, []byte("ciphertext")) {
			t.Errorf("Get returned wrong row: %+v", got)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("expected UpdatedAt to be set")
		}

		// Test isolation (cloning)
		got.Fields["api_key"].Nonce[0] = 'X'
		got2, _ := repo.Get(ctx, "credentials", "a1")
		if got2.Fields["api_key"].Nonce[0] == 'X' {
			t.Error("Memory repository should return clones of rows")
		}
	})

	t.Run("UpsertOverwrites", func(t *testing.T) {
		if err := repo.Upsert(ctx, "credentials", testRow("a1", "second")); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		got, _ := repo.Get(ctx, "credentials", "a1")
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
		if string(got.Fields["api_key"].Ciphertext) != "second" {
			t.Errorf("expected last write to win, got %q", got.Fields["api_key"].Ciphertext)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "nonexistent", "a1")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = repo.Get(ctx, "credentials", "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		repo.Upsert(ctx, "credentials", testRow("a0", "x"))
		keys, err := repo.List(ctx, "credentials")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "a0" || keys[1] != "a1" {
			t.Errorf("expected sorted [a0 a1], got %v", keys)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, "credentials", "a0"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "credentials", "a0"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, "credentials", "a0"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if err := repo.Upsert(cctx, "credentials", testRow("a2", "x")); err == nil {
			t.Error("expected error for canceled context")
		}
	})
}

func TestMemoryRepositoryConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			repo.Upsert(ctx, "credentials", testRow("a1", fmt.Sprintf("v%d", i)))
		}(i)
	}
	wg.Wait()

	got, err := repo.Get(ctx, "credentials", "a1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 50 {
		t.Errorf("expected version 50 after 50 upserts, got %d", got.Version)
	}
}
