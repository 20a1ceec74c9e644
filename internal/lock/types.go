// Package lock provides advisory, file-based mutual exclusion between
// sprint loops running in different working trees of one repository.
//
// Locks are keyed by operation and contended resource, not by owner, so two
// owners asking for the same branch conflict. Every lock is one JSON file in
// a directory at the main repository root. Acquisition is attempt-once: a
// conflict is reported as a result, never as an error, and never waited on.
package lock

import (
	"fmt"
	"time"
)

// DefaultDirName is the lock directory name under the repository root.
const DefaultDirName = ".sprint-locks"

// DefaultMaxAge is the age after which a lock is reclaimable.
const DefaultMaxAge = time.Hour

// Operation is the kind of work a lock protects.
type Operation string

const (
	OpBranchCreate   Operation = "branch-create"
	OpBranchDelete   Operation = "branch-delete"
	OpWorktreeCreate Operation = "worktree-create"
	OpWorktreeRemove Operation = "worktree-remove"
	OpSprintRun      Operation = "sprint-run"
	OpMerge          Operation = "merge"
)

// Operations lists every known operation.
func Operations() []Operation {
	return []Operation{OpBranchCreate, OpBranchDelete, OpWorktreeCreate, OpWorktreeRemove, OpSprintRun, OpMerge}
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	for _, k := range Operations() {
		if o == k {
			return true
		}
	}
	return false
}

// Record is the content of one lock file.
type Record struct {
	Operation    Operation `json:"operation"`
	WorktreeID   string    `json:"worktree-id"`
	WorktreePath string    `json:"worktree-path"`
	Branch       string    `json:"branch,omitempty"`
	SprintID     string    `json:"sprint-id,omitempty"`
	PID          int       `json:"pid"`
	Hostname     string    `json:"hostname"`
	CreatedAt    time.Time `json:"created-at"`
	Description  string    `json:"description,omitempty"`

	// Path is where the record was read from.
	Path string `json:"-"`
}

// OwnerID identifies the holder: the worktree plus the process.
func (r *Record) OwnerID() string {
	return OwnerID(r.WorktreeID, r.PID)
}

// Resource returns the contended resource the record is keyed by.
func (r *Record) Resource() string {
	return resourceFor(r.Operation, r.Branch, r.SprintID, r.WorktreePath)
}

// Age returns how long the record has existed at now.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// String describes the holder for conflict messages.
func (r *Record) String() string {
	return fmt.Sprintf("%s on %s held by %s (pid %d on %s) since %s",
		r.Operation, r.Resource(), r.WorktreeID, r.PID, r.Hostname, r.CreatedAt.Format(time.RFC3339))
}

// OwnerID formats an owner id.
func OwnerID(worktreeID string, pid int) string {
	return fmt.Sprintf("%s:%d", worktreeID, pid)
}

// AcquireOptions describes the lock being requested. Zero values are filled
// from the repository and the current process.
type AcquireOptions struct {
	Branch       string
	SprintID     string
	WorktreePath string
	Description  string

	// WorktreeID and PID identify the owner.
	WorktreeID string
	PID        int

	// MaxAge overrides DefaultMaxAge for reclaiming an existing lock.
	MaxAge time.Duration
}

// AcquireResult is the outcome of an acquisition attempt.
type AcquireResult struct {
	Success bool
	// LockPath is set on success.
	LockPath string
	Lock     *Record
	// ExistingLock is the holder's record on conflict.
	ExistingLock *Record
	// Reclaimed is set when a stale lock was removed first.
	Reclaimed *Record
}

// ConflictOptions describes a branch conflict check.
type ConflictOptions struct {
	Cwd    string
	Branch string

	// The caller's own identity; its locks and sprint are not conflicts.
	WorktreeID string
	PID        int
	SprintID   string

	// SprintsDir is where sprints live inside each worktree.
	SprintsDir string
	MaxAge     time.Duration

	// Suggestions is how many alternate branch names to propose.
	Suggestions int
}

// SprintInfo describes a sprint discovered in some worktree.
type SprintInfo struct {
	SprintID     string
	Branch       string
	Status       string
	WorktreePath string
	ProgressPath string
}

// ConflictResult is the outcome of CheckBranchConflict.
type ConflictResult struct {
	HasConflict bool
	Locks       []*Record
	Sprints     []SprintInfo
	Suggestions []string
}
