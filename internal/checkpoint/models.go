// internal/checkpoint/models.go
package checkpoint

import "time"

// AnnotationSummary is the slice of an annotation a checkpoint remembers:
// enough to tell the user what the batch targeted, without the captured
// DOM context.
type AnnotationSummary struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Selector string `json:"selector"`
	Notes    string `json:"notes,omitempty"`
}

// PageContext identifies the page a batch was submitted from
type PageContext struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// Checkpoint brackets one batch of agent-driven edits
type Checkpoint struct {
	ID           string              `json:"id"`
	CreatedAt    time.Time           `json:"created_at"`
	Agent        string              `json:"agent"`
	Page         PageContext         `json:"page"`
	Annotations  []AnnotationSummary `json:"annotations"`
	FilesChanged int                 `json:"files_changed"`
	LinesAdded   int                 `json:"lines_added"`
	LinesRemoved int                 `json:"lines_removed"`
	Status       string              `json:"status"` // "pending", "applied", "reverted"
}

// UndoResult reports the outcome of an undo or revert operation
type UndoResult struct {
	CheckpointID  string `json:"checkpoint_id"`
	FilesReverted int    `json:"files_reverted"`
}
