// Package checkpoint provides the graph engine's persistence backends: a
// checkpoint saver recording graph state at node boundaries, and a
// namespace-tuple KV store for cross-thread memory. Both are handed out as
// per-request scoped handles over a dedicated connection; callers must Close
// them when the request scope ends.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is one persisted snapshot of graph state at a node boundary.
type Checkpoint struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
	ParentID     string
	Data         map[string]interface{}
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// Saver records and replays graph checkpoints per thread.
type Saver interface {
	// Put persists a checkpoint. A checkpoint id is generated when empty.
	Put(ctx context.Context, cp *Checkpoint) error
	// Latest returns the newest checkpoint for a thread and namespace, or
	// nil when the thread has none.
	Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error)
	// Close releases the underlying connection.
	Close() error
}

// Item is one record in the graph's cross-thread memory store.
type Item struct {
	Namespace []string
	Key       string
	Value     map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the graph's cross-thread memory, keyed by namespace tuples built
// from (org, user, assistant, category).
type Store interface {
	Put(ctx context.Context, namespace []string, key string, value map[string]interface{}) error
	// Get returns nil when the key is absent.
	Get(ctx context.Context, namespace []string, key string) (*Item, error)
	// Search lists items under a namespace prefix, newest first.
	Search(ctx context.Context, prefix []string, limit int) ([]*Item, error)
	Delete(ctx context.Context, namespace []string, key string) error
	// Close releases the underlying connection.
	Close() error
}
