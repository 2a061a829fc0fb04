package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupTestRepo creates a temporary git repository for testing
func setupTestRepo(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()

	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = tmpDir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v failed: %v", args, err)
		}
	}

	return tmpDir
}

// writeFile writes a file inside the repo
func writeFile(t *testing.T, repoPath, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(repoPath, name), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}

func TestOpenOrInit(t *testing.T) {
	t.Run("InitsWhenMissing", func(t *testing.T) {
		dir := t.TempDir()
		repo, err := OpenOrInit(dir)
		if err != nil {
			t.Fatalf("OpenOrInit failed: %v", err)
		}
		if repo.Path() != dir {
			t.Errorf("Expected path %s, got %s", dir, repo.Path())
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			t.Errorf("Expected .git directory: %v", err)
		}
	})

	t.Run("OpensExisting", func(t *testing.T) {
		dir := setupTestRepo(t)
		if _, err := OpenOrInit(dir); err != nil {
			t.Fatalf("OpenOrInit on existing repo failed: %v", err)
		}
	})
}

func TestSnapshotWorktree(t *testing.T) {
	dir := setupTestRepo(t)
	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "index.html", "<h1>hello</h1>\n")

	commit, err := repo.SnapshotWorktree("refs/pagepatch/checkpoints/c1", "checkpoint c1")
	if err != nil {
		t.Fatalf("SnapshotWorktree failed: %v", err)
	}
	if commit == "" {
		t.Fatal("Expected a commit hash")
	}

	// Snapshot must not move HEAD or stage anything
	cmd := exec.Command("git", "diff", "--cached", "--name-only")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git diff --cached failed: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected clean index after snapshot, got staged: %s", out)
	}

	content, err := repo.FileContentAt(commit, "index.html")
	if err != nil {
		t.Fatalf("FileContentAt failed: %v", err)
	}
	if content != "<h1>hello</h1>\n" {
		t.Errorf("Unexpected snapshot content: %q", content)
	}
}

func TestChangedFilesAndNumStat(t *testing.T) {
	dir := setupTestRepo(t)
	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "a.txt", "one\ntwo\n")
	writeFile(t, dir, "b.txt", "keep\n")
	pre, err := repo.SnapshotWorktree("refs/pagepatch/checkpoints/pre", "pre")
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "a.txt", "one\ntwo\nthree\n")
	writeFile(t, dir, "c.txt", "new\n")
	if err := os.Remove(filepath.Join(dir, "b.txt")); err != nil {
		t.Fatal(err)
	}
	post, err := repo.SnapshotWorktree("refs/pagepatch/checkpoints/post", "post")
	if err != nil {
		t.Fatal(err)
	}

	changed, err := repo.ChangedFiles(pre, post)
	if err != nil {
		t.Fatalf("ChangedFiles failed: %v", err)
	}

	byPath := map[string]string{}
	for _, cf := range changed {
		byPath[cf.Path] = cf.Status
	}
	if byPath["a.txt"] != "modified" {
		t.Errorf("Expected a.txt modified, got %s", byPath["a.txt"])
	}
	if byPath["b.txt"] != "deleted" {
		t.Errorf("Expected b.txt deleted, got %s", byPath["b.txt"])
	}
	if byPath["c.txt"] != "added" {
		t.Errorf("Expected c.txt added, got %s", byPath["c.txt"])
	}

	added, removed, err := repo.NumStat(pre, post)
	if err != nil {
		t.Fatalf("NumStat failed: %v", err)
	}
	if added != 2 { // "three" + "new"
		t.Errorf("Expected 2 added lines, got %d", added)
	}
	if removed != 1 { // "keep"
		t.Errorf("Expected 1 removed line, got %d", removed)
	}
}

func TestRestoreWorktree(t *testing.T) {
	dir := setupTestRepo(t)
	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "a.txt", "original\n")
	writeFile(t, dir, "b.txt", "stays\n")
	pre, err := repo.SnapshotWorktree("refs/pagepatch/checkpoints/pre", "pre")
	if err != nil {
		t.Fatal(err)
	}

	// Mutate like an agent would: edit one file, add another
	writeFile(t, dir, "a.txt", "mutated\n")
	writeFile(t, dir, "new.txt", "added by agent\n")

	paths, err := repo.RestoreWorktree(pre)
	if err != nil {
		t.Fatalf("RestoreWorktree failed: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("Expected 2 restored paths, got %v", paths)
	}

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original\n" {
		t.Errorf("Expected a.txt restored to original, got %q", data)
	}

	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Error("Expected new.txt removed by restore")
	}

	if _, err := os.Stat(filepath.Join(dir, "b.txt")); err != nil {
		t.Errorf("Expected untouched b.txt to remain: %v", err)
	}
}

func TestRestoreWorktreeNoChanges(t *testing.T) {
	dir := setupTestRepo(t)
	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, dir, "a.txt", "content\n")
	pre, err := repo.SnapshotWorktree("refs/pagepatch/checkpoints/pre", "pre")
	if err != nil {
		t.Fatal(err)
	}

	paths, err := repo.RestoreWorktree(pre)
	if err != nil {
		t.Fatalf("RestoreWorktree failed: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("Expected no restored paths, got %v", paths)
	}
}
