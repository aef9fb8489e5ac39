package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func openBackends(t *testing.T) map[string]Blob {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "fs"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	db, err := NewSQLiteStore(filepath.Join(dir, "blobs.db"))
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	t.Cleanup(func() {
		fs.Close()
		db.Close()
	})
	return map[string]Blob{"file": fs, "sqlite": db}
}

func TestBlobRoundTrip(t *testing.T) {
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			if ok, err := store.Exists("/config.json"); err != nil || ok {
				t.Fatalf("expected missing blob, got ok=%v err=%v", ok, err)
			}
			if _, err := store.Read("/config.json"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			if err := store.Write("/config.json", []byte(`{"admin.username":"a"}`)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := store.Write("config.json", []byte(`{"admin.username":"b"}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}

			ok, err := store.Exists("/config.json")
			if err != nil || !ok {
				t.Fatalf("expected blob to exist, got ok=%v err=%v", ok, err)
			}
			data, err := store.Read("/config.json")
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if string(data) != `{"admin.username":"b"}` {
				t.Fatalf("unexpected contents %q", data)
			}
		})
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if err := fs.Write("../escape", []byte("x")); err == nil {
		t.Fatalf("expected traversal name to be rejected")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{"file", false},
		{"SQLite", false},
		{"eeprom", true},
	}
	for _, tc := range cases {
		store, err := Open(tc.kind, dir, "")
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.kind)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.kind, err)
		}
		store.Close()
	}
}
