package archive

import (
	"context"
	"strings"
	"time"
)

// Snapshot is the compact view of a session kept with its archive.
type Snapshot struct {
	EventsCount int    `json:"events_count"`
	StackDepth  int    `json:"stack_depth"`
	CurrentTask string `json:"current_task,omitempty"`
}

// Metadata describes one archived context.
type Metadata struct {
	ID               string    `json:"id"`
	Scope            Scope     `json:"scope"`
	Level            string    `json:"level"`
	OriginalSize     int       `json:"original_size"`
	CompressedSize   int       `json:"compressed_size"`
	OriginalTokens   int       `json:"original_tokens"`
	CompressedTokens int       `json:"compressed_tokens"`
	CompressionRatio float64   `json:"compression_ratio"`
	Fingerprint      string    `json:"fingerprint"`
	ArchivedAt       time.Time `json:"archived_at"`
	LastActivity     time.Time `json:"last_activity"`
	AgeDays          float64   `json:"age_days"`
	Strategies       []string  `json:"strategies,omitempty"`
	Session          Snapshot  `json:"session"`
}

// Store persists archived content and metadata keyed by (scope, id).
// Missing keys return ErrNotFound.
type Store interface {
	Put(ctx context.Context, meta Metadata, content string) error
	Metadata(ctx context.Context, scope Scope, id string) (Metadata, error)
	Content(ctx context.Context, scope Scope, id string) (string, error)

	// Delete removes both artifacts and reports the bytes freed.
	Delete(ctx context.Context, scope Scope, id string) (int64, error)

	// List returns the metadata of every archive in scope. Entries that
	// cannot be read are skipped and their errors joined into err, so a
	// non-nil error may come with a usable list.
	List(ctx context.Context, scope Scope) ([]Metadata, error)

	Close() error
}

func validID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.ContainsRune(id, 0)
}
