// internal/checkpoint/engine.go
package checkpoint

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"pagepatch/internal/database"
	"pagepatch/internal/git"
)

// Sentinel errors surfaced to the dispatcher
var (
	ErrNoRepository       = errors.New("project directory is not under version control and could not be initialized")
	ErrCheckpointOpen     = errors.New("a checkpoint is already open for this project")
	ErrNothingToUndo      = errors.New("no applied checkpoint to undo")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrAlreadyCurrent     = errors.New("checkpoint is already the most recent applied checkpoint")
)

// Engine brackets every batch of agent edits with a pre/post snapshot pair
// on hidden refs and keeps an append-ordered history of checkpoint records.
// One Engine exists per project directory; its operations are mutually
// exclusive with each other.
type Engine struct {
	repo *git.Repo
	db   *database.Database

	mu     sync.Mutex
	openID string // id of the pending checkpoint, or ""
}

// Screenshot is an archived page capture attached at creation time
type Screenshot struct {
	Base64    string
	MediaType string
}

// NewEngine opens (or initializes) the project repository and the per-project
// record store under <project>/.pagepatch/.
func NewEngine(projectDir string) (*Engine, error) {
	repo, err := git.OpenOrInit(projectDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRepository, err)
	}

	// pagepatch state must never appear in its own snapshots
	if err := repo.EnsureExcluded(".pagepatch/"); err != nil {
		return nil, fmt.Errorf("exclude state dir: %w", err)
	}

	stateDir := filepath.Join(projectDir, ".pagepatch")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := database.Open(filepath.Join(stateDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	e := &Engine{repo: repo, db: db}

	// A pending record left by a crash stays open; the next submit will
	// finalize it before creating a new one.
	records, err := db.ListCheckpoints()
	if err != nil {
		db.Close()
		return nil, err
	}
	for _, rec := range records {
		if rec.Status == database.StatusPending {
			e.openID = rec.ID
		}
	}

	return e, nil
}

// Close releases the record store
func (e *Engine) Close() error {
	return e.db.Close()
}

// OpenCheckpointID returns the id of the currently open checkpoint, or ""
func (e *Engine) OpenCheckpointID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openID
}

func (e *Engine) preRef(id string) string {
	return "refs/pagepatch/checkpoints/" + id + "/pre"
}

func (e *Engine) postRef(id string) string {
	return "refs/pagepatch/checkpoints/" + id + "/post"
}

// Create snapshots the current tree as the pre-edit baseline and appends a
// new pending checkpoint to history. Fails with ErrCheckpointOpen if a
// prior checkpoint was never finalized.
func (e *Engine) Create(summaries []AnnotationSummary, page PageContext, agent string) (*Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openID != "" {
		return nil, ErrCheckpointOpen
	}

	id := uuid.New().String()
	pre, err := e.repo.SnapshotWorktree(e.preRef(id), "pagepatch checkpoint "+id+" (pre)")
	if err != nil {
		return nil, fmt.Errorf("snapshot baseline: %w", err)
	}

	annotations, err := json.Marshal(summaries)
	if err != nil {
		return nil, err
	}

	rec := &database.CheckpointRecord{
		ID:          id,
		Agent:       agent,
		PageURL:     page.URL,
		PageTitle:   page.Title,
		Annotations: string(annotations),
		PreCommit:   pre,
		Status:      database.StatusPending,
	}
	if err := e.db.InsertCheckpoint(rec); err != nil {
		e.repo.DeleteRef(e.preRef(id))
		return nil, fmt.Errorf("record checkpoint: %w", err)
	}

	e.openID = id
	slog.Info("checkpoint created", "id", id, "agent", agent, "annotations", len(summaries))

	return recordToCheckpoint(rec), nil
}

// ArchiveScreenshots stores page captures alongside an open checkpoint.
// Failures are logged, not fatal: screenshots are a convenience archive.
func (e *Engine) ArchiveScreenshots(id string, shots []Screenshot) {
	for i, shot := range shots {
		data, err := base64.StdEncoding.DecodeString(shot.Base64)
		if err != nil {
			slog.Warn("screenshot not decodable, skipping", "checkpoint", id, "index", i)
			continue
		}
		err = e.db.SaveScreenshot(&database.Screenshot{
			CheckpointID: id,
			Index:        i,
			MediaType:    shot.MediaType,
			Data:         data,
		})
		if err != nil {
			slog.Warn("screenshot archive failed", "checkpoint", id, "index", i, "error", err)
		}
	}
}

// Finalize diffs the working tree against the checkpoint's baseline,
// records file and line statistics and transitions the checkpoint to
// applied. A checkpoint with zero changes is still applied; agents
// sometimes answer without editing.
func (e *Engine) Finalize(id string) (*Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.db.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrCheckpointNotFound
	}
	if rec.Status != database.StatusPending {
		return nil, fmt.Errorf("checkpoint %s is %s, not pending", id, rec.Status)
	}

	post, err := e.repo.SnapshotWorktree(e.postRef(id), "pagepatch checkpoint "+id+" (post)")
	if err != nil {
		return nil, fmt.Errorf("snapshot result: %w", err)
	}

	changed, err := e.repo.ChangedFiles(rec.PreCommit, post)
	if err != nil {
		return nil, fmt.Errorf("diff checkpoint: %w", err)
	}

	added, removed := e.lineStats(rec.PreCommit, post, changed)

	rec.PostCommit = post
	rec.FilesChanged = len(changed)
	rec.LinesAdded = added
	rec.LinesRemoved = removed
	rec.Status = database.StatusApplied
	if err := e.db.UpdateCheckpoint(rec); err != nil {
		return nil, fmt.Errorf("record finalization: %w", err)
	}

	if e.openID == id {
		e.openID = ""
	}
	slog.Info("checkpoint finalized", "id", id, "files", len(changed), "added", added, "removed", removed)

	return recordToCheckpoint(rec), nil
}

// lineStats counts added/removed lines across the changed files by diffing
// pre/post blob contents in-process. Files that fail to load fall back to
// git's own numstat for the whole range.
func (e *Engine) lineStats(pre, post string, changed []git.ChangedFile) (int, int) {
	var added, removed int
	for _, cf := range changed {
		before, err1 := e.repo.FileContentAt(pre, cf.Path)
		after, err2 := e.repo.FileContentAt(post, cf.Path)
		if err1 != nil || err2 != nil {
			added, removed, _ = e.repo.NumStat(pre, post)
			return added, removed
		}
		a, r := diffLineStats(before, after)
		added += a
		removed += r
	}
	return added, removed
}

// History returns every checkpoint in creation order, oldest first.
// Newest-first display is a view concern.
func (e *Engine) History() ([]*Checkpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.db.ListCheckpoints()
	if err != nil {
		return nil, err
	}

	checkpoints := make([]*Checkpoint, 0, len(records))
	for _, rec := range records {
		checkpoints = append(checkpoints, recordToCheckpoint(rec))
	}
	return checkpoints, nil
}

// UndoLast reverts the file changes of the most recently applied,
// not-yet-reverted checkpoint and marks it reverted. The restore is
// all-or-nothing: any git failure surfaces before status changes.
func (e *Engine) UndoLast() (*UndoResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.db.ListCheckpoints()
	if err != nil {
		return nil, err
	}

	var target *database.CheckpointRecord
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status == database.StatusApplied {
			target = records[i]
			break
		}
	}
	if target == nil {
		return nil, ErrNothingToUndo
	}

	changed, err := e.repo.ChangedFiles(target.PreCommit, target.PostCommit)
	if err != nil {
		return nil, fmt.Errorf("diff checkpoint %s: %w", target.ID, err)
	}

	if len(changed) > 0 {
		// "added" means absent in the pre snapshot: undo removes it
		if err := e.repo.RestoreFiles(target.PreCommit, changed, "added"); err != nil {
			return nil, fmt.Errorf("restore failed, working tree may be inconsistent: %w", err)
		}
	}

	target.Status = database.StatusReverted
	if err := e.db.UpdateCheckpoint(target); err != nil {
		return nil, fmt.Errorf("record undo: %w", err)
	}

	slog.Info("checkpoint undone", "id", target.ID, "files", len(changed))
	return &UndoResult{CheckpointID: target.ID, FilesReverted: len(changed)}, nil
}

// RevertTo restores the working tree to the state immediately after the
// given checkpoint and marks every later checkpoint reverted; the target
// stays applied. Later checkpoints are reverted regardless of which agent
// or page produced them.
func (e *Engine) RevertTo(id string) (*UndoResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.db.ListCheckpoints()
	if err != nil {
		return nil, err
	}

	var target *database.CheckpointRecord
	var later []*database.CheckpointRecord
	for _, rec := range records {
		if rec.ID == id {
			target = rec
			continue
		}
		if target != nil {
			later = append(later, rec)
		}
	}
	if target == nil {
		return nil, ErrCheckpointNotFound
	}
	if target.Status != database.StatusApplied {
		return nil, fmt.Errorf("checkpoint %s is %s, cannot revert to it", id, target.Status)
	}

	newestApplied := ""
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Status == database.StatusApplied {
			newestApplied = records[i].ID
			break
		}
	}
	if newestApplied == id {
		return nil, ErrAlreadyCurrent
	}

	paths, err := e.repo.RestoreWorktree(target.PostCommit)
	if err != nil {
		return nil, fmt.Errorf("restore failed, working tree may be inconsistent: %w", err)
	}

	for _, rec := range later {
		if rec.Status == database.StatusReverted {
			continue
		}
		rec.Status = database.StatusReverted
		if err := e.db.UpdateCheckpoint(rec); err != nil {
			return nil, fmt.Errorf("record revert of %s: %w", rec.ID, err)
		}
		if rec.ID == e.openID {
			e.openID = ""
		}
	}

	slog.Info("reverted to checkpoint", "id", id, "files", len(paths))
	return &UndoResult{CheckpointID: id, FilesReverted: len(paths)}, nil
}

// Clear discards all checkpoint records without touching the working tree.
// This forgets bookkeeping; it does not revert changes.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.db.ListCheckpoints()
	if err != nil {
		return err
	}

	if err := e.db.DeleteAllCheckpoints(); err != nil {
		return err
	}

	// Snapshot refs are bookkeeping too; drop them so git can gc the objects
	for _, rec := range records {
		e.repo.DeleteRef(e.preRef(rec.ID))
		if rec.PostCommit != "" {
			e.repo.DeleteRef(e.postRef(rec.ID))
		}
	}

	e.openID = ""
	slog.Info("checkpoint history cleared", "records", len(records))
	return nil
}

// SaveSetting stores a key/value pair in the project's settings table
func (e *Engine) SaveSetting(key, value string) error {
	return e.db.SetSetting(key, value)
}

// Setting returns a stored settings value, or "" when unset
func (e *Engine) Setting(key string) (string, error) {
	return e.db.GetSetting(key)
}

func recordToCheckpoint(rec *database.CheckpointRecord) *Checkpoint {
	cp := &Checkpoint{
		ID:           rec.ID,
		CreatedAt:    rec.CreatedAt,
		Agent:        rec.Agent,
		Page:         PageContext{URL: rec.PageURL, Title: rec.PageTitle},
		FilesChanged: rec.FilesChanged,
		LinesAdded:   rec.LinesAdded,
		LinesRemoved: rec.LinesRemoved,
		Status:       rec.Status,
	}
	if err := json.Unmarshal([]byte(rec.Annotations), &cp.Annotations); err != nil {
		cp.Annotations = nil
	}
	return cp
}
