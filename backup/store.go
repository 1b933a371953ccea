package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrBlobNotFound is returned when a stored backup does not exist.
var ErrBlobNotFound = errors.New("backup not found")

// Store persists encoded backup blobs. Blobs are opaque to the store.
type Store interface {
	Put(ctx context.Context, blob *Blob) error
	Get(ctx context.Context, userID, id string) (*Blob, error)
	// List returns the IDs of the user's backups, sorted.
	List(ctx context.Context, userID string) ([]string, error)
	Delete(ctx context.Context, userID, id string) error
}

// MemoryStore keeps encoded blobs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, blob *Blob) error {
	data, err := blob.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode backup %s: %w", blob.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.blobs[blob.UserID]
	if user == nil {
		user = make(map[string][]byte)
		m.blobs[blob.UserID] = user
	}
	user[blob.ID] = data
	return nil
}

func (m *MemoryStore) Get(_ context.Context, userID, id string) (*Blob, error) {
	m.mu.RLock()
	data, ok := m.blobs[userID][id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, userID, id)
	}
	var b Blob
	if err := b.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &b, nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.blobs[userID]))
	for id := range m.blobs[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Delete(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[userID][id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrBlobNotFound, userID, id)
	}
	delete(m.blobs[userID], id)
	return nil
}
