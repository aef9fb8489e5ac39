package firmware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sidoh/esp8266-thermometer/logger"
)

func stagingEntries(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, stagingDirName))
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read staging: %v", err)
	}
	return len(entries)
}

func TestBeginWriteCommit(t *testing.T) {
	dir := t.TempDir()
	w := NewImageWriter(dir, logger.Nop())
	image := bytes.Repeat([]byte("fw"), 1000)

	if err := w.Begin(int64(len(image))); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := w.Begin(1); !errors.Is(err, ErrInProgress) {
		t.Fatalf("second Begin err = %v", err)
	}
	for off := 0; off < len(image); off += 300 {
		end := off + 300
		if end > len(image) {
			end = len(image)
		}
		if _, err := w.Write(image[off:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	res, err := w.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sum := sha256.Sum256(image)
	if res.SHA256 != hex.EncodeToString(sum[:]) || res.Size != int64(len(image)) {
		t.Fatalf("result = %+v", res)
	}
	got, err := os.ReadFile(w.InstalledPath())
	if err != nil || !bytes.Equal(got, image) {
		t.Fatalf("installed image mismatch: %v", err)
	}
	if w.InProgress() {
		t.Fatalf("writer should be idle after commit")
	}
	if n := stagingEntries(t, dir); n != 0 {
		t.Fatalf("staging has %d leftover files", n)
	}
}

func TestCommitKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	w := NewImageWriter(dir, logger.Nop())
	for _, img := range []string{"first", "second"} {
		if err := w.Begin(0); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(img)); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Commit(); err != nil {
			t.Fatal(err)
		}
	}
	prev, err := os.ReadFile(filepath.Join(dir, backupName))
	if err != nil || string(prev) != "first" {
		t.Fatalf("backup = %q, %v", prev, err)
	}
}

func TestWriteWithoutBegin(t *testing.T) {
	w := NewImageWriter(t.TempDir(), logger.Nop())
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Write err = %v", err)
	}
	if _, err := w.Commit(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Commit err = %v", err)
	}
	w.Abort()
}

func TestShortImageIsRejected(t *testing.T) {
	dir := t.TempDir()
	w := NewImageWriter(dir, logger.Nop())
	if err := w.Begin(10); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("12345")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(); err == nil {
		t.Fatalf("expected short image error")
	}
	if _, err := os.Stat(w.InstalledPath()); !os.IsNotExist(err) {
		t.Fatalf("short image should not be installed")
	}
	if n := stagingEntries(t, dir); n != 0 {
		t.Fatalf("staging has %d leftover files", n)
	}
}

func TestOversizeWriteFails(t *testing.T) {
	w := NewImageWriter(t.TempDir(), logger.Nop())
	if err := w.Begin(3); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("1234")); err == nil {
		t.Fatalf("expected oversize error")
	}
	w.Abort()
}

func TestEmptyImageIsRejected(t *testing.T) {
	w := NewImageWriter(t.TempDir(), logger.Nop())
	if err := w.Begin(0); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Commit(); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("Commit err = %v", err)
	}
}

func TestAbortDiscardsStaging(t *testing.T) {
	dir := t.TempDir()
	w := NewImageWriter(dir, logger.Nop())
	if err := w.Begin(0); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	w.Abort()

	if w.InProgress() {
		t.Fatalf("writer should be idle after abort")
	}
	if n := stagingEntries(t, dir); n != 0 {
		t.Fatalf("staging has %d leftover files", n)
	}
	if err := w.Begin(0); err != nil {
		t.Fatalf("Begin after Abort: %v", err)
	}
	w.Abort()
}
