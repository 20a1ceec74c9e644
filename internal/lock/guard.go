package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const guardFileName = ".guard"

// dirGuard is an flock(2) on a file inside the lock directory. Acquire,
// Release and CleanupStale hold it for one read-check-write sequence, so two
// processes never decide on the same lock file at once.
type dirGuard struct {
	path string
	held *os.File
}

func newGuard(dir string) *dirGuard {
	return &dirGuard{path: filepath.Join(dir, guardFileName)}
}

// Lock waits for the guard.
func (g *dirGuard) Lock() error {
	_, err := g.flock(syscall.LOCK_EX)
	return err
}

// TryLock takes the guard if it is free and reports whether it did.
// CleanupStale uses it so housekeeping never queues behind a sprint that is
// acquiring or releasing locks.
func (g *dirGuard) TryLock() (bool, error) {
	return g.flock(syscall.LOCK_EX | syscall.LOCK_NB)
}

func (g *dirGuard) flock(how int) (bool, error) {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", guardFileName, err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if how&syscall.LOCK_NB != 0 && err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", guardFileName, err)
	}
	g.held = f
	return true, nil
}

// Unlock drops the guard; it does nothing when the guard is not held.
func (g *dirGuard) Unlock() error {
	f := g.held
	if f == nil {
		return nil
	}
	g.held = nil
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("unlock %s: %w", guardFileName, err)
	}
	return f.Close()
}
