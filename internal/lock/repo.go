package lock

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/sprintloop/internal/errors"
)

// MainWorktreeID is the worktree id of the main working tree.
const MainWorktreeID = "main"

// Repo locates a working tree inside its repository.
type Repo struct {
	// Root is the top of the working tree containing the start directory.
	Root string
	// MainRoot is the main working tree, shared by all linked worktrees.
	MainRoot string
	// CommonDir is the shared git directory.
	CommonDir string
	// WorktreeID is MainWorktreeID or the linked worktree's name.
	WorktreeID string
}

// FindRepo walks up from cwd to the nearest ".git". A ".git" directory
// marks the main working tree; a ".git" file holding "gitdir: <path>" marks
// a linked worktree whose common directory is shared with the main one.
func FindRepo(cwd string) (*Repo, error) {
	dir, err := filepath.Abs(cwd)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "resolve %s: %v", cwd, err)
	}

	for {
		dotGit := filepath.Join(dir, ".git")
		info, err := os.Stat(dotGit)
		if err == nil {
			if info.IsDir() {
				return &Repo{Root: dir, MainRoot: dir, CommonDir: dotGit, WorktreeID: MainWorktreeID}, nil
			}
			return linkedRepo(dir, dotGit)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, errors.Wrapf(errors.ErrNotRepository, "%s", cwd)
		}
		dir = parent
	}
}

func linkedRepo(root, dotGit string) (*Repo, error) {
	data, err := os.ReadFile(dotGit)
	if err != nil {
		return nil, errors.NewLockError("read .git file", err).WithResource(dotGit)
	}
	line := strings.TrimSpace(string(data))
	gitDir, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotRepository, "%s: no gitdir line", dotGit)
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}
	gitDir = filepath.Clean(gitDir)

	common := filepath.Dir(filepath.Dir(gitDir))
	if rel, err := os.ReadFile(filepath.Join(gitDir, "commondir")); err == nil {
		c := strings.TrimSpace(string(rel))
		if !filepath.IsAbs(c) {
			c = filepath.Join(gitDir, c)
		}
		common = filepath.Clean(c)
	}

	return &Repo{
		Root:       root,
		MainRoot:   filepath.Dir(common),
		CommonDir:  common,
		WorktreeID: filepath.Base(gitDir),
	}, nil
}

// Worktrees returns the roots of the main working tree and every linked
// worktree registered under the common directory. Registrations whose
// worktree no longer exists are left out.
func (r *Repo) Worktrees() []string {
	roots := []string{r.MainRoot}
	entries, err := os.ReadDir(filepath.Join(r.CommonDir, "worktrees"))
	if err != nil {
		return roots
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.CommonDir, "worktrees", e.Name(), "gitdir"))
		if err != nil {
			continue
		}
		root := filepath.Dir(strings.TrimSpace(string(data)))
		if _, err := os.Stat(root); err != nil {
			continue
		}
		roots = append(roots, root)
	}
	return roots
}

// BranchExists reports whether a local branch ref exists, loose or packed.
func (r *Repo) BranchExists(branch string) bool {
	if _, err := os.Stat(filepath.Join(r.CommonDir, "refs", "heads", filepath.FromSlash(branch))); err == nil {
		return true
	}
	f, err := os.Open(filepath.Join(r.CommonDir, "packed-refs"))
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	want := "refs/heads/" + branch
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		_, ref, ok := strings.Cut(sc.Text(), " ")
		if ok && ref == want {
			return true
		}
	}
	return false
}
