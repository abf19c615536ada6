package notesync

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildOutboxStoreFromDSNEmpty(t *testing.T) {
	store, err := BuildOutboxStoreFromDSN("")
	if err != nil {
		t.Fatalf("empty DSN should not error: %v", err)
	}
	if store != nil {
		t.Fatalf("empty DSN means no store, got %T", store)
	}
}

func TestBuildOutboxStoreFromDSNBarePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	store, err := BuildOutboxStoreFromDSN(path)
	if err != nil {
		t.Fatalf("bare path DSN failed: %v", err)
	}
	if _, ok := store.(*JSONFileOutboxStore); !ok {
		t.Fatalf("expected JSON file store, got %T", store)
	}
}

func TestBuildOutboxStoreFromDSNFileScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	store, err := BuildOutboxStoreFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("file DSN failed: %v", err)
	}
	if _, ok := store.(*JSONFileOutboxStore); !ok {
		t.Fatalf("expected JSON file store, got %T", store)
	}
}

func TestBuildOutboxStoreFromDSNMemory(t *testing.T) {
	for _, dsn := range []string{"memory://", "mem://", "inmem://"} {
		store, err := BuildOutboxStoreFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s failed: %v", dsn, err)
		}
		if _, ok := store.(*InMemoryOutboxStore); !ok {
			t.Fatalf("%s: expected in-memory store, got %T", dsn, store)
		}
	}
}

func TestBuildOutboxStoreFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	store, err := BuildOutboxStoreFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("sqlite DSN failed: %v", err)
	}
	sqliteStore, ok := store.(*SQLiteOutboxStore)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	sqliteStore.Close()
}

func TestBuildOutboxStoreFromDSNNotImplemented(t *testing.T) {
	for _, dsn := range []string{"mysql://root@localhost/outbox", "redis://localhost:6379"} {
		_, err := BuildOutboxStoreFromDSN(dsn)
		if !errors.Is(err, ErrNotImplemented) {
			t.Fatalf("%s: expected ErrNotImplemented, got %v", dsn, err)
		}
	}
}

func TestBuildOutboxStoreFromDSNUnsupported(t *testing.T) {
	_, err := BuildOutboxStoreFromDSN("carrier-pigeon://coop")
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestRegisterOutboxStoreFactory(t *testing.T) {
	called := ""
	RegisterOutboxStoreFactory("custom", func(dsn string) (OutboxStore, error) {
		called = dsn
		return NewInMemoryOutboxStore(), nil
	})
	store, err := BuildOutboxStoreFromDSN("custom://whatever")
	if err != nil {
		t.Fatalf("custom factory failed: %v", err)
	}
	if called != "custom://whatever" {
		t.Fatalf("expected factory to receive the full DSN, got %q", called)
	}
	if _, ok := store.(*InMemoryOutboxStore); !ok {
		t.Fatalf("expected factory-built store, got %T", store)
	}
}
