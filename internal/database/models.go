// internal/database/models.go
package database

import "time"

// Checkpoint status values
const (
	StatusPending  = "pending"
	StatusApplied  = "applied"
	StatusReverted = "reverted"
)

// CheckpointRecord is the persisted form of one checkpoint. Seq is assigned
// by the store and defines history order; creation order equals seq order.
type CheckpointRecord struct {
	Seq         int64     `json:"seq"`
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Agent       string    `json:"agent"`
	PageURL     string    `json:"page_url,omitempty"`
	PageTitle   string    `json:"page_title,omitempty"`
	Annotations string    `json:"annotations"` // JSON array of annotation summaries
	PreCommit   string    `json:"pre_commit"`
	PostCommit  string    `json:"post_commit,omitempty"`
	FilesChanged int      `json:"files_changed"`
	LinesAdded   int      `json:"lines_added"`
	LinesRemoved int      `json:"lines_removed"`
	Status       string   `json:"status"`
}

// Screenshot is a page capture archived alongside a checkpoint. Data is
// stored zstd-compressed on disk and transparently decompressed on read.
type Screenshot struct {
	CheckpointID string `json:"checkpoint_id"`
	Index        int    `json:"index"`
	MediaType    string `json:"media_type"`
	Data         []byte `json:"data"`
}
