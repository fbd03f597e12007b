// Package objstore adapts the external artifact content store: raw
// bytes addressed by content hash. The archive owns the data; this
// package only reads it.
package objstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/factline/factline/internal/model"
)

// ErrNotFound is returned by Get for absent content.
var ErrNotFound = errors.New("object not found")

// Reader retrieves artifact content by hash.
type Reader interface {
	// Get returns the content bytes, or ErrNotFound.
	Get(ctx context.Context, id model.Subject) ([]byte, error)

	// GetBatch never fails per item: absent content yields a nil entry
	// at the matching index.
	GetBatch(ctx context.Context, ids []model.Subject) ([][]byte, error)
}

// Memory is an in-process content store for tests and fixtures.
type Memory struct {
	mu      sync.RWMutex
	objects map[model.Subject][]byte
}

// NewMemory returns an empty in-memory content store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[model.Subject][]byte)}
}

// Put stores content under id.
func (m *Memory) Put(id model.Subject, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[id] = content
}

// Get implements Reader.
func (m *Memory) Get(_ context.Context, id model.Subject) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return content, nil
}

// GetBatch implements Reader.
func (m *Memory) GetBatch(_ context.Context, ids []model.Subject) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = m.objects[id]
	}
	return out, nil
}

// Dir reads a sharded directory layout: <root>/<hex[0:2]>/<hex>.
type Dir struct {
	root string
}

// NewDir returns a reader over root.
func NewDir(root string) *Dir { return &Dir{root: root} }

func (d *Dir) path(id model.Subject) string {
	s := string(id)
	if len(s) < 2 {
		return filepath.Join(d.root, s)
	}
	return filepath.Join(d.root, s[:2], s)
}

// Get implements Reader.
func (d *Dir) Get(_ context.Context, id model.Subject) ([]byte, error) {
	content, err := os.ReadFile(d.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return content, nil
}

// GetBatch implements Reader.
func (d *Dir) GetBatch(ctx context.Context, ids []model.Subject) ([][]byte, error) {
	out := make([][]byte, len(ids))
	for i, id := range ids {
		content, err := d.Get(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		out[i] = content
	}
	return out, nil
}
