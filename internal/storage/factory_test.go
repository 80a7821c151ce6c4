package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestNewStoreMemory(t *testing.T) {
	store, err := NewStore("memory", "")
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	if store == nil {
		t.Fatal("expected non-nil store")
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close memory store: %v", err)
	}
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore("unknown", "")
	if err == nil {
		t.Fatal("expected unsupported store error")
	}
}

func TestDefaultStoreKindIsConstructible(t *testing.T) {
	store, err := NewStore(DefaultStoreKind(), filepath.Join(t.TempDir(), "selectinf.db"))
	if err != nil {
		t.Fatalf("new default store: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init default store: %v", err)
	}
	if err := CloseIfSupported(store); err != nil {
		t.Fatalf("close default store: %v", err)
	}
}
