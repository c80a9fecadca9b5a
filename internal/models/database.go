package models

import (
	"fmt"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// Database wraps the bolthold store holding the download history
type Database struct {
	store *bolthold.Store
}

// NewDatabase opens (or creates) the history database at path
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store}, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

// AppendHistory stores an entry and trims the history to the newest limit
// entries. A limit of 0 keeps everything.
func (db *Database) AppendHistory(entry *HistoryEntry, limit int) error {
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now()
	}
	if err := db.store.Insert(bolthold.NextSequence(), entry); err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	if limit <= 0 {
		return nil
	}

	var stale []*HistoryEntry
	query := (&bolthold.Query{}).SortBy("FinishedAt", "ID").Reverse().Skip(limit)
	if err := db.store.Find(&stale, query); err != nil {
		return fmt.Errorf("failed to find stale history entries: %w", err)
	}
	for _, old := range stale {
		if err := db.store.Delete(old.ID, &HistoryEntry{}); err != nil {
			return fmt.Errorf("failed to trim history entry %d: %w", old.ID, err)
		}
	}
	return nil
}

// ListHistory returns entries newest first. A limit of 0 returns everything.
func (db *Database) ListHistory(limit int) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	query := (&bolthold.Query{}).SortBy("FinishedAt", "ID").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := db.store.Find(&entries, query)
	return entries, err
}

// GetHistoryByJobID retrieves the history entry of a job
func (db *Database) GetHistoryByJobID(jobID string) (*HistoryEntry, error) {
	var entry HistoryEntry
	err := db.store.FindOne(&entry, bolthold.Where("JobID").Eq(jobID))
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ClearHistory deletes every history entry
func (db *Database) ClearHistory() error {
	return db.store.DeleteMatching(&HistoryEntry{}, nil)
}

// PruneHistory deletes entries finished before the cutoff and returns how
// many were removed
func (db *Database) PruneHistory(before time.Time) (int, error) {
	var entries []*HistoryEntry
	if err := db.store.Find(&entries, bolthold.Where("FinishedAt").Lt(before)); err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := db.store.Delete(entry.ID, &HistoryEntry{}); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}
