// Package storage persists named blobs for the controller. It stands in for
// the flash filesystem a microcontroller build would write its settings to.
package storage

import (
	"errors"
	"strings"
)

// ErrNotFound is returned by Read when no blob exists under the name.
var ErrNotFound = errors.New("blob not found")

// Blob is the byte-storage collaborator used by the settings store and the
// device identity.
type Blob interface {
	// Read returns the full contents of the named blob or ErrNotFound.
	Read(name string) ([]byte, error)
	// Write replaces the named blob.
	Write(name string, data []byte) error
	// Exists reports whether the named blob is present.
	Exists(name string) (bool, error)
	// Close releases the backend.
	Close() error
}

// cleanName maps "/config.json" and "config.json" to the same key.
func cleanName(name string) string {
	return strings.TrimLeft(strings.TrimSpace(name), "/")
}
