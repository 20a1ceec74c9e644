package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/logging"
)

const lockExt = ".lock"

// Manager operates on the lock directory of one repository.
type Manager struct {
	repo     *Repo
	dir      string
	hostname string
	now      func() time.Time
	logger   *logging.Logger
}

// Options configures a Manager.
type Options struct {
	// DirName overrides DefaultDirName.
	DirName string
	Logger  *logging.Logger
	// Now overrides the clock used for record timestamps and staleness.
	Now func() time.Time
}

// NewManager resolves the repository containing cwd and ensures its lock
// directory exists.
func NewManager(cwd string, opts Options) (*Manager, error) {
	repo, err := FindRepo(cwd)
	if err != nil {
		return nil, err
	}
	return newManager(repo, opts)
}

func newManager(repo *Repo, opts Options) (*Manager, error) {
	name := opts.DirName
	if name == "" {
		name = DefaultDirName
	}
	m := &Manager{
		repo:   repo,
		dir:    filepath.Join(repo.MainRoot, name),
		now:    opts.Now,
		logger: opts.Logger,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	m.hostname = host

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, errors.NewLockError("create lock directory", err).WithResource(m.dir)
	}
	return m, nil
}

// Dir returns the lock directory.
func (m *Manager) Dir() string { return m.dir }

// Repo returns the repository the manager serves.
func (m *Manager) Repo() *Repo { return m.repo }

// LockPath returns the file a lock for (op, resource) lives in.
func (m *Manager) LockPath(op Operation, resource string) string {
	return filepath.Join(m.dir, string(op)+"--"+sanitize(resource)+lockExt)
}

// Acquire tries once to take the lock for op. A lock held by someone else
// is reported through the result; only lock-directory failures are errors.
func (m *Manager) Acquire(op Operation, opts AcquireOptions) (*AcquireResult, error) {
	if !op.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "unknown lock operation %q", op)
	}
	rec := m.newRecord(op, opts)
	resource := rec.Resource()
	if resource == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "%s lock needs a branch, sprint id, or worktree path", op)
	}
	path := m.LockPath(op, resource)
	log := m.logger.WithOperation(string(op)).With("resource", resource)

	g := newGuard(m.dir)
	if err := g.Lock(); err != nil {
		return nil, errors.NewLockError("guard lock directory", err).WithOperation(string(op)).WithResource(resource)
	}
	defer func() { _ = g.Unlock() }()

	result := &AcquireResult{}
	existing, err := readRecord(path)
	switch {
	case err == nil:
		switch {
		case m.isStale(existing, opts.MaxAge):
			if err := removeIfExists(path); err != nil {
				return nil, errors.NewLockError("remove stale lock", err).WithOperation(string(op)).WithResource(resource)
			}
			log.Warn("stale lock reclaimed", "old_owner", existing.OwnerID(), "age", existing.Age(m.now()).Round(time.Second).String())
			result.Reclaimed = existing
		case existing.OwnerID() == rec.OwnerID():
			if err := writeRecord(path, rec, true); err != nil {
				return nil, errors.NewLockError("refresh lock", err).WithOperation(string(op)).WithResource(resource)
			}
			log.Debug("lock refreshed", "owner", rec.OwnerID())
			rec.Path = path
			return &AcquireResult{Success: true, LockPath: path, Lock: rec}, nil
		default:
			log.Info("lock held by another owner", "holder", existing.OwnerID())
			return &AcquireResult{ExistingLock: existing}, nil
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		// An unreadable record cannot name a live owner.
		log.Warn("discarding unreadable lock", "error", err)
		if err := removeIfExists(path); err != nil {
			return nil, errors.NewLockError("remove unreadable lock", err).WithOperation(string(op)).WithResource(resource)
		}
	}

	if err := writeRecord(path, rec, false); err != nil {
		if errors.Is(err, os.ErrExist) {
			if winner, rerr := readRecord(path); rerr == nil {
				log.Info("lost acquisition race", "holder", winner.OwnerID())
				return &AcquireResult{ExistingLock: winner}, nil
			}
		}
		return nil, errors.NewLockError("write lock", err).WithOperation(string(op)).WithResource(resource)
	}

	rec.Path = path
	result.Success = true
	result.LockPath = path
	result.Lock = rec
	log.Info("lock acquired", "owner", rec.OwnerID(), "path", path)
	return result, nil
}

// Release removes the lock at lockPath if ownerID holds it. A missing lock
// is not an error.
func (m *Manager) Release(lockPath, ownerID string) error {
	g := newGuard(filepath.Dir(lockPath))
	if err := g.Lock(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.NewLockError("guard lock directory", err).WithResource(lockPath)
	}
	defer func() { _ = g.Unlock() }()

	rec, err := readRecord(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.NewLockError("read lock", err).WithResource(lockPath)
	}
	if rec.OwnerID() != ownerID {
		return errors.Wrapf(errors.ErrLockNotHeld, "%s is held by %s", filepath.Base(lockPath), rec.OwnerID())
	}
	if err := removeIfExists(lockPath); err != nil {
		return errors.NewLockError("remove lock", err).WithOperation(string(rec.Operation)).WithResource(rec.Resource())
	}
	m.logger.WithOperation(string(rec.Operation)).Info("lock released", "resource", rec.Resource(), "owner", ownerID)
	return nil
}

// List returns every readable lock record, oldest first.
func (m *Manager) List() ([]*Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewLockError("list locks", err).WithResource(m.dir)
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockExt) {
			continue
		}
		rec, err := readRecord(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CleanupStale removes every stale or unreadable lock and returns the
// removed paths. It fails with ErrLockDirBusy instead of waiting when
// another process holds the directory guard.
func (m *Manager) CleanupStale(maxAge time.Duration) ([]string, error) {
	g := newGuard(m.dir)
	ok, err := g.TryLock()
	if err != nil {
		return nil, errors.NewLockError("guard lock directory", err).WithResource(m.dir)
	}
	if !ok {
		return nil, errors.NewLockError("guard lock directory", errors.ErrLockDirBusy).WithResource(m.dir)
	}
	defer func() { _ = g.Unlock() }()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.NewLockError("list locks", err).WithResource(m.dir)
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockExt) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		rec, err := readRecord(path)
		if err == nil && !m.isStale(rec, maxAge) {
			continue
		}
		if err := removeIfExists(path); err != nil {
			m.logger.Warn("failed to remove stale lock", "path", path, "error", err)
			continue
		}
		if rec != nil {
			m.logger.Warn("stale lock cleaned", "path", path, "old_owner", rec.OwnerID())
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// IsStale reports whether rec may be reclaimed: it is older than maxAge
// (DefaultMaxAge when zero) or its process is gone from this host.
func (m *Manager) IsStale(rec *Record, maxAge time.Duration) bool {
	return m.isStale(rec, maxAge)
}

func (m *Manager) isStale(rec *Record, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if rec.Age(m.now()) > maxAge {
		return true
	}
	return rec.Hostname == m.hostname && !isProcessAlive(rec.PID)
}

func (m *Manager) newRecord(op Operation, opts AcquireOptions) *Record {
	rec := &Record{
		Operation:    op,
		WorktreeID:   opts.WorktreeID,
		WorktreePath: opts.WorktreePath,
		Branch:       opts.Branch,
		SprintID:     opts.SprintID,
		PID:          opts.PID,
		Hostname:     m.hostname,
		CreatedAt:    m.now().UTC(),
		Description:  opts.Description,
	}
	if rec.WorktreeID == "" {
		rec.WorktreeID = m.repo.WorktreeID
	}
	if rec.WorktreePath == "" {
		rec.WorktreePath = m.repo.Root
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.Description == "" {
		rec.Description = fmt.Sprintf("%s by %s", op, rec.WorktreeID)
	}
	return rec
}

func resourceFor(op Operation, branch, sprintID, worktreePath string) string {
	if op == OpSprintRun {
		return sprintID
	}
	if branch != "" {
		return branch
	}
	return worktreePath
}

// sanitize makes a resource safe for use in a file name. A resource that had
// to be rewritten gets a short hash of its original form appended, so
// "feature/a" and "feature-a" never share a lock file.
func sanitize(resource string) string {
	var b strings.Builder
	for _, r := range strings.Trim(resource, "/") {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if out == resource {
		return out
	}
	sum := sha256.Sum256([]byte(resource))
	return out + "-" + hex.EncodeToString(sum[:4])
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	rec.Path = path
	return &rec, nil
}

// writeRecord writes rec to a temp file and moves it into place. Without
// overwrite the move is a hard link, which fails if path already exists.
func writeRecord(path string, rec *Record, overwrite bool) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock: %w", err)
	}

	if overwrite {
		return os.Rename(tmpPath, path)
	}
	return os.Link(tmpPath, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything. EPERM means
	// the process exists but belongs to someone else.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// AcquireLock acquires op in the repository containing cwd.
func AcquireLock(cwd string, op Operation, opts AcquireOptions) (*AcquireResult, error) {
	m, err := NewManager(cwd, Options{})
	if err != nil {
		return nil, err
	}
	return m.Acquire(op, opts)
}

// ReleaseLock removes the lock at lockPath if ownerID holds it.
func ReleaseLock(lockPath, ownerID string) error {
	m := &Manager{logger: logging.NopLogger(), now: time.Now}
	return m.Release(lockPath, ownerID)
}

// CleanupStaleLocks removes stale locks in the repository containing cwd.
func CleanupStaleLocks(cwd string, maxAge time.Duration) ([]string, error) {
	m, err := NewManager(cwd, Options{})
	if err != nil {
		return nil, err
	}
	return m.CleanupStale(maxAge)
}

// CheckBranchConflict checks opts.Branch in the repository containing
// opts.Cwd.
func CheckBranchConflict(opts ConflictOptions) (*ConflictResult, error) {
	m, err := NewManager(opts.Cwd, Options{})
	if err != nil {
		return nil, err
	}
	return m.CheckBranchConflict(opts)
}
