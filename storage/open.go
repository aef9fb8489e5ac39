package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"

	sqliteFileName = "thermometer.db"
)

// Open returns the backend named by kind rooted at dataDir. path overrides
// the default location (the directory for "file", the database for "sqlite").
func Open(kind, dataDir, path string) (Blob, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", BackendFile:
		if path == "" {
			path = filepath.Join(dataDir, "fs")
		}
		return NewFileStore(path)
	case BackendSQLite:
		if path == "" {
			path = filepath.Join(dataDir, sqliteFileName)
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", kind)
	}
}
