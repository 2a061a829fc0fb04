// internal/database/db.go
package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// Database wraps the per-project SQLite store holding checkpoint records,
// archived screenshots and settings.
type Database struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open creates or opens a SQLite database at the given path
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	d := &Database{db: db, encoder: encoder, decoder: decoder}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL,
		agent TEXT NOT NULL,
		page_url TEXT,
		page_title TEXT,
		annotations TEXT NOT NULL DEFAULT '[]',
		pre_commit TEXT NOT NULL,
		post_commit TEXT,
		files_changed INTEGER NOT NULL DEFAULT 0,
		lines_added INTEGER NOT NULL DEFAULT 0,
		lines_removed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);

	CREATE TABLE IF NOT EXISTS screenshots (
		checkpoint_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		media_type TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (checkpoint_id, idx)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection
func (d *Database) Close() error {
	d.encoder.Close()
	return d.db.Close()
}

// InsertCheckpoint appends a new checkpoint record and fills in its Seq
func (d *Database) InsertCheckpoint(rec *CheckpointRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	res, err := d.db.Exec(`
		INSERT INTO checkpoints
		(id, created_at, agent, page_url, page_title, annotations, pre_commit, post_commit,
		 files_changed, lines_added, lines_removed, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt, rec.Agent, rec.PageURL, rec.PageTitle, rec.Annotations,
		rec.PreCommit, rec.PostCommit, rec.FilesChanged, rec.LinesAdded, rec.LinesRemoved, rec.Status)
	if err != nil {
		return err
	}

	rec.Seq, err = res.LastInsertId()
	return err
}

// UpdateCheckpoint rewrites the mutable fields of a checkpoint record
func (d *Database) UpdateCheckpoint(rec *CheckpointRecord) error {
	res, err := d.db.Exec(`
		UPDATE checkpoints
		SET post_commit = ?, files_changed = ?, lines_added = ?, lines_removed = ?, status = ?
		WHERE id = ?`,
		rec.PostCommit, rec.FilesChanged, rec.LinesAdded, rec.LinesRemoved, rec.Status, rec.ID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("checkpoint %s not found", rec.ID)
	}
	return nil
}

// GetCheckpoint loads a single checkpoint record by ID
func (d *Database) GetCheckpoint(id string) (*CheckpointRecord, error) {
	row := d.db.QueryRow(`
		SELECT seq, id, created_at, agent, page_url, page_title, annotations,
		       pre_commit, COALESCE(post_commit, ''), files_changed, lines_added, lines_removed, status
		FROM checkpoints WHERE id = ?`, id)

	rec, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListCheckpoints returns all checkpoint records in creation order
// (oldest first)
func (d *Database) ListCheckpoints() ([]*CheckpointRecord, error) {
	rows, err := d.db.Query(`
		SELECT seq, id, created_at, agent, page_url, page_title, annotations,
		       pre_commit, COALESCE(post_commit, ''), files_changed, lines_added, lines_removed, status
		FROM checkpoints ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*CheckpointRecord
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// DeleteAllCheckpoints discards every checkpoint record and archived
// screenshot. The working tree is not involved.
func (d *Database) DeleteAllCheckpoints() error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM screenshots`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM checkpoints`); err != nil {
		return err
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (*CheckpointRecord, error) {
	rec := &CheckpointRecord{}
	err := row.Scan(&rec.Seq, &rec.ID, &rec.CreatedAt, &rec.Agent, &rec.PageURL, &rec.PageTitle,
		&rec.Annotations, &rec.PreCommit, &rec.PostCommit, &rec.FilesChanged,
		&rec.LinesAdded, &rec.LinesRemoved, &rec.Status)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveScreenshot archives a screenshot for a checkpoint, zstd-compressed
func (d *Database) SaveScreenshot(shot *Screenshot) error {
	compressed := d.encoder.EncodeAll(shot.Data, nil)
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO screenshots (checkpoint_id, idx, media_type, data)
		VALUES (?, ?, ?, ?)`,
		shot.CheckpointID, shot.Index, shot.MediaType, compressed)
	return err
}

// GetScreenshots loads and decompresses all screenshots for a checkpoint
func (d *Database) GetScreenshots(checkpointID string) ([]*Screenshot, error) {
	rows, err := d.db.Query(`
		SELECT checkpoint_id, idx, media_type, data
		FROM screenshots WHERE checkpoint_id = ? ORDER BY idx ASC`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shots []*Screenshot
	for rows.Next() {
		shot := &Screenshot{}
		var compressed []byte
		if err := rows.Scan(&shot.CheckpointID, &shot.Index, &shot.MediaType, &compressed); err != nil {
			return nil, err
		}
		shot.Data, err = d.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress screenshot %s/%d: %w", shot.CheckpointID, shot.Index, err)
		}
		shots = append(shots, shot)
	}

	return shots, rows.Err()
}

// SetSetting stores a settings value
func (d *Database) SetSetting(key, value string) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`, key, value)
	return err
}

// GetSetting returns a settings value, or "" when unset
func (d *Database) GetSetting(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
