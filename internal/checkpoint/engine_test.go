// internal/checkpoint/engine_test.go
package checkpoint

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupProject creates a temporary git project with one committed file
func setupProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if err := cmd.Run(); err != nil {
			t.Fatalf("git %v failed: %v", args, err)
		}
	}

	write(t, dir, "app.js", "console.log('v0')\n")
	return dir
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	engine, err := NewEngine(dir)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

// runBatch simulates one successful agent turn: create, mutate, finalize
func runBatch(t *testing.T, engine *Engine, dir string, mutate func()) *Checkpoint {
	t.Helper()

	cp, err := engine.Create(
		[]AnnotationSummary{{ID: "a1", Label: "button", Selector: "#btn"}},
		PageContext{URL: "http://localhost:3000/", Title: "Home"},
		"claude",
	)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if cp.Status != "pending" {
		t.Fatalf("Expected pending checkpoint, got %s", cp.Status)
	}

	mutate()

	final, err := engine.Finalize(cp.ID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if final.Status != "applied" {
		t.Fatalf("Expected applied checkpoint, got %s", final.Status)
	}
	return final
}

func TestNewEngineCreatesStateDir(t *testing.T) {
	dir := setupProject(t)
	newTestEngine(t, dir)

	if _, err := os.Stat(filepath.Join(dir, ".pagepatch", "state.db")); err != nil {
		t.Errorf("Expected state database under .pagepatch: %v", err)
	}
}

func TestCreateRequiresCleanOpenState(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	cp, err := engine.Create(nil, PageContext{}, "claude")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Create(nil, PageContext{}, "claude"); !errors.Is(err, ErrCheckpointOpen) {
		t.Errorf("Expected ErrCheckpointOpen, got %v", err)
	}

	if _, err := engine.Finalize(cp.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := engine.Create(nil, PageContext{}, "claude"); err != nil {
		t.Errorf("Create after finalize should succeed: %v", err)
	}
}

func TestFinalizeStats(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	t.Run("RecordsFileAndLineCounts", func(t *testing.T) {
		cp := runBatch(t, engine, dir, func() {
			write(t, dir, "app.js", "console.log('v1')\nconsole.log('extra')\n")
			write(t, dir, "style.css", "body { color: red }\n")
		})

		if cp.FilesChanged != 2 {
			t.Errorf("Expected 2 files changed, got %d", cp.FilesChanged)
		}
		if cp.LinesAdded < 2 {
			t.Errorf("Expected at least 2 added lines, got %d", cp.LinesAdded)
		}
		if cp.LinesRemoved != 1 {
			t.Errorf("Expected 1 removed line, got %d", cp.LinesRemoved)
		}
	})

	t.Run("ZeroChangeIsNotAnError", func(t *testing.T) {
		cp := runBatch(t, engine, dir, func() {})
		if cp.FilesChanged != 0 || cp.LinesAdded != 0 {
			t.Errorf("Expected zero-file checkpoint, got %+v", cp)
		}
	})
}

func TestHistoryOrdering(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	for i, content := range []string{"v1\n", "v2\n", "v3\n"} {
		_ = i
		runBatch(t, engine, dir, func() { write(t, dir, "app.js", content) })
	}

	history, err := engine.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(history))
	}
	for _, cp := range history {
		if cp.Status != "applied" {
			t.Errorf("Expected applied, got %s for %s", cp.Status, cp.ID)
		}
	}
	for i := 1; i < len(history); i++ {
		if history[i].CreatedAt.Before(history[i-1].CreatedAt) {
			t.Error("History not in creation order")
		}
	}
}

func TestUndoLast(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	runBatch(t, engine, dir, func() {
		write(t, dir, "app.js", "console.log('edited')\n")
		write(t, dir, "new.js", "created\n")
	})

	result, err := engine.UndoLast()
	if err != nil {
		t.Fatalf("UndoLast failed: %v", err)
	}
	if result.FilesReverted != 2 {
		t.Errorf("Expected 2 files reverted, got %d", result.FilesReverted)
	}

	if got := read(t, dir, "app.js"); got != "console.log('v0')\n" {
		t.Errorf("Expected app.js restored, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.js")); !os.IsNotExist(err) {
		t.Error("Expected new.js removed by undo")
	}

	history, err := engine.History()
	if err != nil {
		t.Fatal(err)
	}
	if history[0].Status != "reverted" {
		t.Errorf("Expected reverted status, got %s", history[0].Status)
	}

	t.Run("SecondUndoTargetsNothing", func(t *testing.T) {
		if _, err := engine.UndoLast(); !errors.Is(err, ErrNothingToUndo) {
			t.Errorf("Expected ErrNothingToUndo, got %v", err)
		}
	})
}

func TestUndoWalksBackwards(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	runBatch(t, engine, dir, func() { write(t, dir, "app.js", "v1\n") })
	runBatch(t, engine, dir, func() { write(t, dir, "app.js", "v2\n") })

	if _, err := engine.UndoLast(); err != nil {
		t.Fatal(err)
	}
	if got := read(t, dir, "app.js"); got != "v1\n" {
		t.Errorf("Expected v1 after first undo, got %q", got)
	}

	if _, err := engine.UndoLast(); err != nil {
		t.Fatal(err)
	}
	if got := read(t, dir, "app.js"); got != "console.log('v0')\n" {
		t.Errorf("Expected v0 after second undo, got %q", got)
	}
}

func TestUndoRevertsRename(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	runBatch(t, engine, dir, func() {
		if err := os.Rename(filepath.Join(dir, "app.js"), filepath.Join(dir, "main.js")); err != nil {
			t.Fatal(err)
		}
	})

	result, err := engine.UndoLast()
	if err != nil {
		t.Fatalf("UndoLast failed: %v", err)
	}
	if result.FilesReverted != 2 {
		t.Errorf("Expected both sides of the rename reverted, got %d", result.FilesReverted)
	}

	if got := read(t, dir, "app.js"); got != "console.log('v0')\n" {
		t.Errorf("Expected app.js restored, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "main.js")); !os.IsNotExist(err) {
		t.Error("Expected main.js removed by undo")
	}
}

func TestRevertTo(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	c1 := runBatch(t, engine, dir, func() { write(t, dir, "app.js", "v1\n") })
	c2 := runBatch(t, engine, dir, func() { write(t, dir, "app.js", "v2\n") })
	c3 := runBatch(t, engine, dir, func() {
		write(t, dir, "app.js", "v3\n")
		write(t, dir, "late.js", "late\n")
	})

	result, err := engine.RevertTo(c1.ID)
	if err != nil {
		t.Fatalf("RevertTo failed: %v", err)
	}
	if result.CheckpointID != c1.ID {
		t.Errorf("Expected target %s, got %s", c1.ID, result.CheckpointID)
	}

	if got := read(t, dir, "app.js"); got != "v1\n" {
		t.Errorf("Expected tree after C1, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "late.js")); !os.IsNotExist(err) {
		t.Error("Expected late.js removed by revert")
	}

	history, err := engine.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected history to keep all 3 records, got %d", len(history))
	}
	statuses := map[string]string{}
	for _, cp := range history {
		statuses[cp.ID] = cp.Status
	}
	if statuses[c1.ID] != "applied" {
		t.Errorf("Expected C1 applied, got %s", statuses[c1.ID])
	}
	if statuses[c2.ID] != "reverted" || statuses[c3.ID] != "reverted" {
		t.Errorf("Expected C2/C3 reverted, got %s/%s", statuses[c2.ID], statuses[c3.ID])
	}

	t.Run("AlreadyCurrent", func(t *testing.T) {
		if _, err := engine.RevertTo(c1.ID); !errors.Is(err, ErrAlreadyCurrent) {
			t.Errorf("Expected ErrAlreadyCurrent, got %v", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := engine.RevertTo("missing"); !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("Expected ErrCheckpointNotFound, got %v", err)
		}
	})
}

func TestRevertToAcrossRename(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	c1 := runBatch(t, engine, dir, func() { write(t, dir, "app.js", "v1\n") })
	runBatch(t, engine, dir, func() {
		if err := os.Rename(filepath.Join(dir, "app.js"), filepath.Join(dir, "main.js")); err != nil {
			t.Fatal(err)
		}
	})

	if _, err := engine.RevertTo(c1.ID); err != nil {
		t.Fatalf("RevertTo failed: %v", err)
	}

	if got := read(t, dir, "app.js"); got != "v1\n" {
		t.Errorf("Expected app.js back at v1, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "main.js")); !os.IsNotExist(err) {
		t.Error("Expected main.js removed by revert")
	}
}

func TestClearForgetsWithoutReverting(t *testing.T) {
	dir := setupProject(t)
	engine := newTestEngine(t, dir)

	runBatch(t, engine, dir, func() { write(t, dir, "app.js", "edited\n") })

	if err := engine.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	history, err := engine.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Errorf("Expected empty history, got %d", len(history))
	}

	// The working tree keeps the edits
	if got := read(t, dir, "app.js"); got != "edited\n" {
		t.Errorf("Clear must not touch the working tree, got %q", got)
	}

	if _, err := engine.UndoLast(); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Expected ErrNothingToUndo after clear, got %v", err)
	}
}

func TestPendingSurvivesReopen(t *testing.T) {
	dir := setupProject(t)

	engine, err := NewEngine(dir)
	if err != nil {
		t.Fatal(err)
	}
	cp, err := engine.Create(nil, PageContext{}, "claude")
	if err != nil {
		t.Fatal(err)
	}
	engine.Close()

	reopened := newTestEngine(t, dir)
	if got := reopened.OpenCheckpointID(); got != cp.ID {
		t.Errorf("Expected open checkpoint %s after reopen, got %q", cp.ID, got)
	}
}

func TestDiffLineStats(t *testing.T) {
	added, removed := diffLineStats("a\nb\nc\n", "a\nB\nc\nd\n")
	if added != 2 {
		t.Errorf("Expected 2 added, got %d", added)
	}
	if removed != 1 {
		t.Errorf("Expected 1 removed, got %d", removed)
	}

	added, removed = diffLineStats("", "one\ntwo\n")
	if added != 2 || removed != 0 {
		t.Errorf("Expected 2/0 for creation, got %d/%d", added, removed)
	}
}
