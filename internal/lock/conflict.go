package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/Iron-Ham/sprintloop/internal/persist"
	"github.com/Iron-Ham/sprintloop/internal/progress"
)

// DefaultSprintsDir is where sprints live inside a working tree.
const DefaultSprintsDir = ".sprints"

const defaultSuggestions = 3

// activeStatuses are sprint statuses that still claim their branch.
var activeStatuses = []progress.SprintStatus{
	progress.SprintInProgress,
	progress.SprintPaused,
	progress.SprintPausedAtBreakpoint,
	progress.SprintInterrupted,
}

// CheckBranchConflict reports whether anyone else is using opts.Branch:
// branch-scoped locks held by other owners, and active sprints on the
// same branch in any working tree of the repository. It is advisory.
func (m *Manager) CheckBranchConflict(opts ConflictOptions) (*ConflictResult, error) {
	if opts.WorktreeID == "" {
		opts.WorktreeID = m.repo.WorktreeID
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	self := OwnerID(opts.WorktreeID, opts.PID)

	records, err := m.List()
	if err != nil {
		return nil, err
	}

	result := &ConflictResult{}
	for _, rec := range records {
		if rec.Operation == OpSprintRun || rec.Branch != opts.Branch {
			continue
		}
		if rec.OwnerID() == self || m.isStale(rec, opts.MaxAge) {
			continue
		}
		result.Locks = append(result.Locks, rec)
	}

	sprints := m.DiscoverSprints(opts.SprintsDir)
	for _, sp := range sprints {
		if sp.Branch != opts.Branch || sp.SprintID == opts.SprintID {
			continue
		}
		result.Sprints = append(result.Sprints, sp)
	}

	result.HasConflict = len(result.Locks) > 0 || len(result.Sprints) > 0
	if result.HasConflict {
		n := opts.Suggestions
		if n <= 0 {
			n = defaultSuggestions
		}
		result.Suggestions = m.suggestBranches(opts.Branch, records, sprints, n)
		m.logger.Info("branch conflict detected",
			"branch", opts.Branch,
			"locks", len(result.Locks),
			"sprints", len(result.Sprints),
		)
	}
	return result, nil
}

// DiscoverSprints lists the active sprints of every working tree. Documents
// that cannot be read are left out.
func (m *Manager) DiscoverSprints(sprintsDir string) []SprintInfo {
	if sprintsDir == "" {
		sprintsDir = DefaultSprintsDir
	}
	store := persist.NewStore(nil)

	var out []SprintInfo
	for _, root := range m.repo.Worktrees() {
		pattern := filepath.Join(root, sprintsDir, "*", persist.ProgressFileName)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, path := range matches {
			doc, err := store.ReadProgress(path)
			if err != nil {
				m.logger.Debug("skipping unreadable sprint", "path", path, "error", err)
				continue
			}
			if !slices.Contains(activeStatuses, doc.Status) {
				continue
			}
			out = append(out, SprintInfo{
				SprintID:     doc.SprintID,
				Branch:       doc.Branch,
				Status:       string(doc.Status),
				WorktreePath: root,
				ProgressPath: path,
			})
		}
	}
	return out
}

// suggestBranches proposes "<branch>-2", "<branch>-3", ... that no lock
// names and no local ref already uses.
func (m *Manager) suggestBranches(branch string, records []*Record, sprints []SprintInfo, n int) []string {
	taken := make(map[string]bool)
	for _, rec := range records {
		taken[rec.Branch] = true
	}
	for _, sp := range sprints {
		taken[sp.Branch] = true
	}

	var out []string
	for i := 2; len(out) < n && i < n+100; i++ {
		name := fmt.Sprintf("%s-%d", branch, i)
		if taken[name] || m.repo.BranchExists(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}
