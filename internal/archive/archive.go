// Package archive adapts read-only lookups against the archive graph
// store (directories, revisions, origins). The pipeline's compute stage
// consults it for directory and origin facts; nothing here ever writes.
// The graph store may lag behind the event source, so lookups can
// transiently miss, and callers retry with bounded fixed backoff.
package archive

import (
	"context"
	"fmt"
	"sync"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
)

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name   string        `json:"name"`
	Type   string        `json:"type"` // "file", "dir", or "rev"
	Target model.Subject `json:"target"`
}

// Graph provides the lookups the compute stage needs.
type Graph interface {
	// Directory lists a directory object by hash.
	Directory(ctx context.Context, id model.Subject) ([]DirEntry, error)

	// OriginHead resolves an origin URL to the root directory of its
	// latest visited snapshot. Returns a lagging-lookup error when the
	// origin is not yet visible, which is retryable.
	OriginHead(ctx context.Context, origin model.Subject) (model.Subject, error)
}

// Memory is an in-process graph for tests. Entries become visible only
// once added, which models replication lag.
type Memory struct {
	mu    sync.RWMutex
	dirs  map[model.Subject][]DirEntry
	heads map[model.Subject]model.Subject
}

// NewMemory returns an empty in-memory graph.
func NewMemory() *Memory {
	return &Memory{
		dirs:  make(map[model.Subject][]DirEntry),
		heads: make(map[model.Subject]model.Subject),
	}
}

// PutDirectory registers a directory listing.
func (m *Memory) PutDirectory(id model.Subject, entries []DirEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirs[id] = entries
}

// PutOriginHead registers an origin's head directory.
func (m *Memory) PutOriginHead(origin, dir model.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[origin] = dir
}

// Directory implements Graph.
func (m *Memory) Directory(_ context.Context, id model.Subject) ([]DirEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.dirs[id]
	if !ok {
		return nil, ferrors.New(ferrors.ErrCodeLookupLagging,
			fmt.Sprintf("directory %s not yet visible", id), nil)
	}
	return entries, nil
}

// OriginHead implements Graph.
func (m *Memory) OriginHead(_ context.Context, origin model.Subject) (model.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dir, ok := m.heads[origin]
	if !ok {
		return "", ferrors.New(ferrors.ErrCodeLookupLagging,
			fmt.Sprintf("origin %s not yet visible", origin), nil)
	}
	return dir, nil
}
