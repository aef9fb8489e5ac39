// Package firmware stages uploaded firmware images and installs them
// atomically for the next boot cycle.
package firmware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
)

const (
	stagingDirName = "staging"
	imageName      = "image.bin"
	backupName     = "image.bin.prev"
)

var (
	// ErrNotStarted is returned by Write and Commit without a Begin.
	ErrNotStarted = errors.New("firmware: no image write in progress")
	// ErrInProgress is returned by Begin while another write is open.
	ErrInProgress = errors.New("firmware: image write already in progress")
	// ErrEmptyImage is returned by Commit when nothing was written.
	ErrEmptyImage = errors.New("firmware: image is empty")
)

// Logger is the subset of the application logger the writer needs.
type Logger interface {
	Info(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
}

// Result describes an installed image.
type Result struct {
	Path   string
	Size   int64
	SHA256 string
}

// ImageWriter implements the begin/write/commit/abort lifecycle of an
// image install.
type ImageWriter struct {
	dir    string
	logger Logger

	mu       sync.Mutex
	file     *os.File
	expected int64
	written  int64
	hash     hash.Hash
}

// NewImageWriter stores images under dir.
func NewImageWriter(dir string, logger Logger) *ImageWriter {
	return &ImageWriter{dir: dir, logger: logger}
}

// Begin opens a new staging file. size is the announced image length, or
// zero or less when unknown.
func (w *ImageWriter) Begin(size int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return ErrInProgress
	}
	staging := filepath.Join(w.dir, stagingDirName)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("firmware: create staging dir: %w", err)
	}
	f, err := os.CreateTemp(staging, "image-*.partial")
	if err != nil {
		return fmt.Errorf("firmware: create staging file: %w", err)
	}
	w.file = f
	w.expected = size
	w.written = 0
	w.hash = sha256.New()
	w.logger.Info("Firmware upload started", "size", size)
	return nil
}

// Write appends p to the staged image.
func (w *ImageWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, ErrNotStarted
	}
	if w.expected > 0 && w.written+int64(len(p)) > w.expected {
		return 0, fmt.Errorf("firmware: image exceeds announced size %d", w.expected)
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	w.hash.Write(p[:n])
	if err != nil {
		return n, fmt.Errorf("firmware: write staging file: %w", err)
	}
	return n, nil
}

// Commit verifies the staged image and moves it into place, keeping the
// previous image as a backup. On error the staged data is discarded.
func (w *ImageWriter) Commit() (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return Result{}, ErrNotStarted
	}
	f := w.file
	defer w.reset()

	if err := f.Sync(); err != nil {
		w.discard(f)
		return Result{}, fmt.Errorf("firmware: sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return Result{}, fmt.Errorf("firmware: close staging file: %w", err)
	}
	if w.written == 0 {
		os.Remove(f.Name())
		return Result{}, ErrEmptyImage
	}
	if w.expected > 0 && w.written != w.expected {
		os.Remove(f.Name())
		return Result{}, fmt.Errorf("firmware: short image: got %d of %d bytes", w.written, w.expected)
	}

	dest := filepath.Join(w.dir, imageName)
	if _, err := os.Stat(dest); err == nil {
		if err := os.Rename(dest, filepath.Join(w.dir, backupName)); err != nil {
			os.Remove(f.Name())
			return Result{}, fmt.Errorf("firmware: back up current image: %w", err)
		}
	}
	if err := os.Rename(f.Name(), dest); err != nil {
		os.Remove(f.Name())
		return Result{}, fmt.Errorf("firmware: install image: %w", err)
	}

	res := Result{Path: dest, Size: w.written, SHA256: hex.EncodeToString(w.hash.Sum(nil))}
	w.logger.Info("Firmware image installed", "path", res.Path, "size", res.Size, "sha256", res.SHA256)
	return res, nil
}

// Abort discards any staged data. It is safe to call when idle.
func (w *ImageWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return
	}
	w.logger.Warn("Firmware upload aborted", "written", w.written)
	w.discard(w.file)
	w.reset()
}

// InProgress reports whether a write is open.
func (w *ImageWriter) InProgress() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file != nil
}

// InstalledPath is where committed images land.
func (w *ImageWriter) InstalledPath() string {
	return filepath.Join(w.dir, imageName)
}

func (w *ImageWriter) discard(f *os.File) {
	f.Close()
	os.Remove(f.Name())
}

func (w *ImageWriter) reset() {
	w.file = nil
	w.expected = 0
	w.written = 0
	w.hash = nil
}
