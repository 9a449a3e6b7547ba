package checkpoint

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySaver is an in-process Saver for tests and for graphs that run
// without a persistence backend.
type MemorySaver struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint // thread_id+ns -> ordered oldest-first
}

// NewMemorySaver creates an empty in-memory saver.
func NewMemorySaver() *MemorySaver {
	return &MemorySaver{checkpoints: make(map[string][]*Checkpoint)}
}

// Put persists a checkpoint in memory.
func (m *MemorySaver) Put(_ context.Context, cp *Checkpoint) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	cp.CreatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	key := cp.ThreadID + "\x00" + cp.Namespace
	m.checkpoints[key] = append(m.checkpoints[key], cp)
	return nil
}

// Latest returns the newest checkpoint for a thread and namespace, or nil.
func (m *MemorySaver) Latest(_ context.Context, threadID, namespace string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.checkpoints[threadID+"\x00"+namespace]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1], nil
}

// Close is a no-op.
func (m *MemorySaver) Close() error {
	return nil
}

// MemoryStore is an in-process Store with the same contract as SQLStore.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item // joined namespace + key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func storeKey(namespace []string, key string) string {
	return strings.Join(namespace, namespaceSeparator) + "\x00" + key
}

// Put upserts a value under the namespace tuple.
func (m *MemoryStore) Put(_ context.Context, namespace []string, key string, value map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.items[storeKey(namespace, key)]; ok {
		existing.Value = value
		existing.UpdatedAt = now
		return nil
	}
	m.items[storeKey(namespace, key)] = &Item{
		Namespace: append([]string(nil), namespace...),
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Get returns the item under the namespace tuple, or nil when absent.
func (m *MemoryStore) Get(_ context.Context, namespace []string, key string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[storeKey(namespace, key)]
	if !ok {
		return nil, nil
	}
	return item, nil
}

// Search lists items under a namespace prefix, newest first.
func (m *MemoryStore) Search(_ context.Context, prefix []string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 20
	}
	joined := strings.Join(prefix, namespaceSeparator)

	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Item
	for _, item := range m.items {
		ns := strings.Join(item.Namespace, namespaceSeparator)
		if ns == joined || strings.HasPrefix(ns, joined+namespaceSeparator) {
			result = append(result, item)
		}
	}
	sortItemsNewestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Delete removes the item under the namespace tuple.
func (m *MemoryStore) Delete(_ context.Context, namespace []string, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, storeKey(namespace, key))
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func sortItemsNewestFirst(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
}
