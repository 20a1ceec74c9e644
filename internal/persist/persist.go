// Package persist reads and writes the progress document with crash-safe,
// checksum-validated semantics.
//
// A document at path is stored alongside a "<path>.sha256" file holding the
// SHA-256 of its serialized bytes. Writes go to temporary siblings that are
// synced and renamed into place, so readers never observe a partial document.
// Backups live at "<path>.bak" and "<path>.sha256.bak".
package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/progress"
)

// ProgressFileName is the document name inside a sprint directory.
const ProgressFileName = "progress.yaml"

const (
	checksumSuffix = ".sha256"
	tmpSuffix      = ".tmp"
	backupSuffix   = ".bak"
)

// A read that races a write can see the new document with the old checksum
// or the reverse. Mismatches are re-read this many times before they are
// reported.
const (
	readAttempts   = 3
	readRetryDelay = 10 * time.Millisecond
)

// ChecksumPath returns the checksum file for a document path.
func ChecksumPath(path string) string { return path + checksumSuffix }

// BackupPath returns the backup file for a document path.
func BackupPath(path string) string { return path + backupSuffix }

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store performs document I/O over an afero filesystem.
type Store struct {
	fs afero.Fs
}

// NewStore returns a Store over fs. A nil fs means the OS filesystem.
func NewStore(fs afero.Fs) *Store {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Store{fs: fs}
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

var defaultStore = NewStore(nil)

// WriteProgressAtomic writes doc to path on the OS filesystem.
func WriteProgressAtomic(path string, doc *progress.Progress) error {
	return defaultStore.WriteProgressAtomic(path, doc)
}

// ReadProgress reads and verifies the document at path on the OS filesystem.
func ReadProgress(path string) (*progress.Progress, error) {
	return defaultStore.ReadProgress(path)
}

// BackupProgress snapshots the document at path on the OS filesystem.
func BackupProgress(path string) error { return defaultStore.BackupProgress(path) }

// RestoreProgress restores the snapshot of path on the OS filesystem.
func RestoreProgress(path string) error { return defaultStore.RestoreProgress(path) }

// CleanupBackup removes the snapshot of path on the OS filesystem.
func CleanupBackup(path string) error { return defaultStore.CleanupBackup(path) }

// WriteProgressAtomic serializes doc, writes it and its checksum to
// temporary files, and renames both into place. The document is renamed
// first; a crash before the checksum rename is repaired by
// RepairPendingChecksum. A document that fails validation is not written.
func (s *Store) WriteProgressAtomic(path string, doc *progress.Progress) error {
	if err := doc.Validate(); err != nil {
		return errors.NewPersistenceError("validate", path, fmt.Errorf("%w: %w", errors.ErrInvalidProgress, err))
	}
	data, err := progress.Encode(doc)
	if err != nil {
		return errors.NewPersistenceError("encode", path, err)
	}
	return s.writeBytes(path, data)
}

func (s *Store) writeBytes(path string, data []byte) error {
	sumPath := ChecksumPath(path)
	if err := s.writeSynced(path+tmpSuffix, data); err != nil {
		return errors.NewPersistenceError("write", path+tmpSuffix, err)
	}
	if err := s.writeSynced(sumPath+tmpSuffix, []byte(Checksum(data)+"\n")); err != nil {
		_ = s.fs.Remove(path + tmpSuffix)
		return errors.NewPersistenceError("write", sumPath+tmpSuffix, err)
	}

	if err := s.fs.Rename(path+tmpSuffix, path); err != nil {
		_ = s.fs.Remove(path + tmpSuffix)
		_ = s.fs.Remove(sumPath + tmpSuffix)
		return errors.NewPersistenceError("rename", path, err)
	}
	if err := s.fs.Rename(sumPath+tmpSuffix, sumPath); err != nil {
		return errors.NewPersistenceError("rename", sumPath, err)
	}
	return nil
}

func (s *Store) writeSynced(name string, data []byte) error {
	f, err := s.fs.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadProgress loads the document at path and verifies it against its
// checksum file. A missing checksum file is accepted: documents fresh from
// the compiler have none. A mismatch is a fatal *errors.ChecksumError.
func (s *Store) ReadProgress(path string) (*progress.Progress, error) {
	data, err := s.readVerified(path, ChecksumPath(path))
	if err != nil {
		return nil, err
	}
	doc, err := progress.Decode(data)
	if err != nil {
		return nil, errors.NewPersistenceError("decode", path, err)
	}
	return doc, nil
}

// readVerified returns the bytes at path once they match the checksum in
// sumPath, or the pending checksum of a write that has renamed the document
// but not yet its checksum. It never modifies the store.
func (s *Store) readVerified(path, sumPath string) ([]byte, error) {
	var mismatch error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(readRetryDelay)
		}
		// The checksum is read before the document and once more after it,
		// so a write landing in between is caught by one of the two reads.
		expected, ok, err := s.readChecksum(sumPath)
		if err != nil {
			return nil, err
		}
		data, err := afero.ReadFile(s.fs, path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, errors.NewPersistenceError("read", path, errors.ErrProgressNotFound)
			}
			return nil, errors.NewPersistenceError("read", path, err)
		}
		if !ok {
			if expected, ok, err = s.readChecksum(sumPath); err != nil {
				return nil, err
			}
			if !ok {
				return data, nil
			}
		}
		actual := Checksum(data)
		if actual == expected {
			return data, nil
		}
		if pending, ok, _ := s.readChecksum(sumPath + tmpSuffix); ok && pending == actual {
			return data, nil
		}
		if latest, ok, _ := s.readChecksum(sumPath); ok && latest == actual {
			return data, nil
		}
		mismatch = errors.NewChecksumError(path, expected, actual)
	}
	return nil, mismatch
}

// RepairPendingChecksum completes a write that crashed between renaming the
// document and renaming its checksum. It reports whether it repaired
// anything. Only the process that owns the document may call it.
func (s *Store) RepairPendingChecksum(path string) (bool, error) {
	sumPath := ChecksumPath(path)
	pending, ok, err := s.readChecksum(sumPath + tmpSuffix)
	if err != nil || !ok {
		return false, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, errors.NewPersistenceError("read", path, err)
	}
	if Checksum(data) != pending {
		// Left by a write that never renamed its document.
		_ = s.fs.Remove(sumPath + tmpSuffix)
		return false, nil
	}
	if err := s.fs.Rename(sumPath+tmpSuffix, sumPath); err != nil {
		return false, errors.NewPersistenceError("rename", sumPath, err)
	}
	return true, nil
}

func (s *Store) readChecksum(sumPath string) (string, bool, error) {
	raw, err := afero.ReadFile(s.fs, sumPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, errors.NewPersistenceError("read", sumPath, err)
	}
	return strings.TrimSpace(string(raw)), true, nil
}

// BackupProgress snapshots the document and its checksum. The document must
// verify before it is copied.
func (s *Store) BackupProgress(path string) error {
	data, err := s.readVerified(path, ChecksumPath(path))
	if err != nil {
		return err
	}
	return s.writeBytes(BackupPath(path), data)
}

// RestoreProgress replaces the document with its verified backup and
// rewrites the checksum.
func (s *Store) RestoreProgress(path string) error {
	bak := BackupPath(path)
	data, err := s.readVerified(bak, ChecksumPath(bak))
	if err != nil {
		if errors.Is(err, errors.ErrProgressNotFound) {
			return errors.NewPersistenceError("restore", path, errors.ErrNoBackup)
		}
		return err
	}
	return s.writeBytes(path, data)
}

// CleanupBackup removes the backup and its checksum. Missing files are not
// an error.
func (s *Store) CleanupBackup(path string) error {
	bak := BackupPath(path)
	for _, name := range []string{bak, ChecksumPath(bak)} {
		if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.NewPersistenceError("remove", name, err)
		}
	}
	return nil
}

// WithBackup snapshots the document, runs fn, and restores the snapshot if
// fn fails. The backup is removed on success.
func (s *Store) WithBackup(path string, fn func() error) error {
	if err := s.BackupProgress(path); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rerr := s.RestoreProgress(path); rerr != nil {
			return errors.Join(err, rerr)
		}
		_ = s.CleanupBackup(path)
		return err
	}
	return s.CleanupBackup(path)
}
