package git

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo represents a Git repository
type Repo struct {
	path string
	repo *gogit.Repository
}

// ChangedFile represents a single file touched between two snapshots
type ChangedFile struct {
	Path   string
	Status string // "modified", "added", "deleted"
}

// Open opens a git repository at the given path
func Open(path string) (*Repo, error) {
	repo, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}

	return &Repo{
		path: path,
		repo: repo,
	}, nil
}

// OpenOrInit opens a repository, initializing one if the directory is not
// yet under version control.
func OpenOrInit(path string) (*Repo, error) {
	repo, err := Open(path)
	if err == nil {
		return repo, nil
	}

	if _, err := gogit.PlainInit(path, false); err != nil {
		return nil, fmt.Errorf("failed to init git repository: %w", err)
	}
	return Open(path)
}

// Path returns the repository root path
func (r *Repo) Path() string {
	return r.path
}

// IsClean reports whether the worktree has no pending changes
func (r *Repo) IsClean() (bool, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}

	return status.IsClean(), nil
}

// RunGitCommand executes a git command in the repository and returns stdout
func (r *Repo) RunGitCommand(args ...string) (string, error) {
	return r.runGitCommandEnv(nil, args...)
}

func (r *Repo) runGitCommandEnv(extraEnv []string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.path
	if extraEnv != nil {
		cmd.Env = append(os.Environ(), extraEnv...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w, stderr: %s", strings.Join(args, " "), err, stderr.String())
	}

	return strings.TrimSpace(stdout.String()), nil
}

// SnapshotWorktree records the full worktree state as a commit on the given
// ref without moving HEAD or disturbing the user's index. It uses a
// throwaway index file so the staging area the user sees is untouched.
// Returns the commit hash.
func (r *Repo) SnapshotWorktree(ref, message string) (string, error) {
	tmpIndex, err := os.CreateTemp("", "pagepatch-index-*")
	if err != nil {
		return "", fmt.Errorf("create temp index: %w", err)
	}
	tmpIndex.Close()
	os.Remove(tmpIndex.Name())
	defer os.Remove(tmpIndex.Name())

	env := []string{"GIT_INDEX_FILE=" + tmpIndex.Name()}

	if _, err := r.runGitCommandEnv(env, "add", "-A", "--", "."); err != nil {
		return "", err
	}

	tree, err := r.runGitCommandEnv(env, "write-tree")
	if err != nil {
		return "", err
	}

	commitArgs := []string{"commit-tree", tree, "-m", message}
	// Parent the snapshot on HEAD when one exists so object reachability
	// follows normal history.
	if head, err := r.RunGitCommand("rev-parse", "--verify", "--quiet", "HEAD"); err == nil && head != "" {
		commitArgs = append(commitArgs, "-p", head)
	}

	env = append(env,
		"GIT_AUTHOR_NAME=pagepatch",
		"GIT_AUTHOR_EMAIL=pagepatch@localhost",
		"GIT_COMMITTER_NAME=pagepatch",
		"GIT_COMMITTER_EMAIL=pagepatch@localhost",
	)

	commit, err := r.runGitCommandEnv(env, commitArgs...)
	if err != nil {
		return "", err
	}

	if _, err := r.RunGitCommand("update-ref", ref, commit); err != nil {
		return "", err
	}

	return commit, nil
}

// DeleteRef removes a ref created by SnapshotWorktree
func (r *Repo) DeleteRef(ref string) error {
	_, err := r.RunGitCommand("update-ref", "-d", ref)
	return err
}

// ChangedFiles returns the files that differ between two snapshot commits.
// Rename detection is disabled so a rename decomposes into an add of the new
// path and a delete of the old one; restores need both sides as distinct
// worktree operations.
func (r *Repo) ChangedFiles(fromCommit, toCommit string) ([]ChangedFile, error) {
	out, err := r.RunGitCommand("diff", "--name-status", "--no-renames", fromCommit, toCommit)
	if err != nil {
		return nil, err
	}

	var files []ChangedFile
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}

		cf := ChangedFile{Path: parts[len(parts)-1]}
		switch parts[0][0] {
		case 'A':
			cf.Status = "added"
		case 'D':
			cf.Status = "deleted"
		default:
			cf.Status = "modified"
		}
		files = append(files, cf)
	}

	return files, nil
}

// NumStat returns per-file added/removed line counts between two commits.
// Binary files report -1/-1 in git's output and are returned as zero lines.
func (r *Repo) NumStat(fromCommit, toCommit string) (added, removed int, err error) {
	out, err := r.RunGitCommand("diff", "--numstat", "--no-renames", fromCommit, toCommit)
	if err != nil {
		return 0, 0, err
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		if a, err := strconv.Atoi(parts[0]); err == nil && a > 0 {
			added += a
		}
		if d, err := strconv.Atoi(parts[1]); err == nil && d > 0 {
			removed += d
		}
	}

	return added, removed, nil
}

// RestoreWorktree resets the worktree content of every path that differs
// between the current worktree and the snapshot commit, so that the
// worktree matches the snapshot exactly. Files the snapshot does not know
// about are removed; ignored files are invisible to snapshots and are left
// alone. All checkouts happen in one git invocation; on any failure the
// caller must treat the worktree as suspect.
func (r *Repo) RestoreWorktree(commit string) ([]string, error) {
	// Snapshot the current state first so the diff against the target is
	// computed from real worktree content, not from HEAD.
	current, err := r.SnapshotWorktree("refs/pagepatch/restore-tmp", "pagepatch restore point")
	if err != nil {
		return nil, err
	}
	defer r.DeleteRef("refs/pagepatch/restore-tmp")

	changed, err := r.ChangedFiles(current, commit)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}

	var restorePaths, deletePaths []string
	for _, cf := range changed {
		// A file "deleted" going current->target must be removed from the
		// worktree; everything else is checked out from the target commit.
		if cf.Status == "deleted" {
			deletePaths = append(deletePaths, cf.Path)
		} else {
			restorePaths = append(restorePaths, cf.Path)
		}
	}

	if len(restorePaths) > 0 {
		args := append([]string{"checkout", commit, "--"}, restorePaths...)
		if _, err := r.RunGitCommand(args...); err != nil {
			return nil, err
		}
	}

	for _, p := range deletePaths {
		full := filepath.Join(r.path, p)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove %s: %w", p, err)
		}
	}

	paths := make([]string, 0, len(changed))
	for _, cf := range changed {
		paths = append(paths, cf.Path)
	}
	return paths, nil
}

// RestoreFiles restores a specific set of changed files to their state in
// the given snapshot commit. Files whose status says they did not exist in
// that commit are removed from the worktree instead. All checkouts happen
// in one git invocation.
func (r *Repo) RestoreFiles(commit string, files []ChangedFile, absentStatus string) error {
	var restorePaths, deletePaths []string
	for _, cf := range files {
		if cf.Status == absentStatus {
			deletePaths = append(deletePaths, cf.Path)
		} else {
			restorePaths = append(restorePaths, cf.Path)
		}
	}

	if len(restorePaths) > 0 {
		args := append([]string{"checkout", commit, "--"}, restorePaths...)
		if _, err := r.RunGitCommand(args...); err != nil {
			return err
		}
	}

	for _, p := range deletePaths {
		full := filepath.Join(r.path, p)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	return nil
}

// EnsureExcluded appends a pattern to .git/info/exclude unless already
// present. Used to keep pagepatch's own state out of snapshots without
// touching the user's .gitignore.
func (r *Repo) EnsureExcluded(pattern string) error {
	excludePath := filepath.Join(r.path, ".git", "info", "exclude")

	data, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return err
		}
	}
	_, err = f.WriteString(pattern + "\n")
	return err
}

// FileContentAt returns the content of a file at a given snapshot commit.
// Returns ("", nil) when the file does not exist in that commit.
func (r *Repo) FileContentAt(commit, path string) (string, error) {
	hash := plumbing.NewHash(commit)
	c, err := r.repo.CommitObject(hash)
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", commit, err)
	}

	f, err := c.File(path)
	if err != nil {
		if err == object.ErrFileNotFound {
			return "", nil
		}
		return "", err
	}

	return f.Contents()
}
