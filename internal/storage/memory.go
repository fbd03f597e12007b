package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
)

// Memory is the in-memory reference backend. It implements the full
// Store contract, including the event-log mirror ordering, and is the
// baseline the SQLite backend is tested against. Tool ids are assigned
// from a monotonic in-process counter and are stable only for the
// lifetime of the instance.
type Memory struct {
	mu sync.RWMutex

	toolsByKey map[string]model.Tool
	toolsByID  map[int64]model.Tool
	nextTool   int64

	// single kinds: unique key -> payload
	single map[model.Kind]map[model.SubjectTool]map[string]any
	// mergeable kinds: unique-key prefix -> discriminant -> item
	merged map[model.Kind]map[model.SubjectTool]map[string]any

	mirror Mirror
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store. mirror may be nil to
// disable the event-log mirror.
func NewMemory(mirror Mirror) *Memory {
	return &Memory{
		toolsByKey: make(map[string]model.Tool),
		toolsByID:  make(map[int64]model.Tool),
		single:     make(map[model.Kind]map[model.SubjectTool]map[string]any),
		merged:     make(map[model.Kind]map[model.SubjectTool]map[string]any),
		mirror:     mirror,
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// RegisterTool implements ToolRegistry.
func (m *Memory) RegisterTool(_ context.Context, spec model.ToolSpec) (model.Tool, error) {
	if err := spec.Validate(); err != nil {
		return model.Tool{}, ferrors.Argumentf("register tool: %v", err)
	}
	key, err := spec.Key()
	if err != nil {
		return model.Tool{}, ferrors.Argumentf("register tool: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.toolsByKey[key]; ok {
		return t, nil
	}
	m.nextTool++
	t := model.Tool{ID: m.nextTool, ToolSpec: spec}
	m.toolsByKey[key] = t
	m.toolsByID[t.ID] = t
	return t, nil
}

// GetTool implements ToolRegistry.
func (m *Memory) GetTool(_ context.Context, spec model.ToolSpec) (model.Tool, bool, error) {
	key, err := spec.Key()
	if err != nil {
		return model.Tool{}, false, ferrors.Argumentf("get tool: %v", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.toolsByKey[key]
	return t, ok, nil
}

// GetToolByID implements ToolRegistry.
func (m *Memory) GetToolByID(_ context.Context, id int64) (model.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.toolsByID[id]
	if !ok {
		return model.Tool{}, ferrors.New(ferrors.ErrCodeToolNotFound,
			fmt.Sprintf("no tool with id %d", id), nil)
	}
	return t, nil
}

// resolveLocked resolves every distinct tool id in rows. Caller holds
// at least a read lock.
func (m *Memory) resolveLocked(rows []model.Row) ([]model.Row, error) {
	out := make([]model.Row, len(rows))
	for i, r := range rows {
		t, ok := m.toolsByID[r.Tool.ID()]
		if !ok {
			return nil, ferrors.New(ferrors.ErrCodeToolNotFound,
				fmt.Sprintf("row %s references unregistered tool %d", r.Subject, r.Tool.ID()), nil)
		}
		out[i] = model.Row{Subject: r.Subject, Tool: model.ResolvedTool(t), Payload: r.Payload}
	}
	return out, nil
}

// Add implements RowStore.
func (m *Memory) Add(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error) {
	if _, err := ValidateAdd(kind, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resolved, err := m.resolveLocked(rows)
	if err != nil {
		return 0, err
	}
	// Mirror before the write becomes visible. Log-only visibility on a
	// later failure is the accepted intermediate state.
	if err := m.appendMirror(ctx, kind, resolved); err != nil {
		return 0, err
	}

	facts := m.single[kind]
	if facts == nil {
		facts = make(map[model.SubjectTool]map[string]any)
		m.single[kind] = facts
	}
	count := 0
	for _, r := range rows {
		k := r.Key()
		if _, exists := facts[k]; exists && !conflictUpdate {
			continue
		}
		facts[k] = r.Payload
		count++
	}
	return count, nil
}

// AddMerge implements RowStore.
func (m *Memory) AddMerge(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error) {
	spec, err := ValidateAddMerge(kind, rows)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resolved, err := m.resolveLocked(rows)
	if err != nil {
		return 0, err
	}
	if err := m.appendMirror(ctx, kind, resolved); err != nil {
		return 0, err
	}

	facts := m.merged[kind]
	if facts == nil {
		facts = make(map[model.SubjectTool]map[string]any)
		m.merged[kind] = facts
	}

	if conflictUpdate {
		// Replace wholesale before the union.
		for _, r := range rows {
			delete(facts, r.Key())
		}
	}

	count := 0
	for _, r := range rows {
		k := r.Key()
		items, _ := r.Items(spec)
		stored := facts[k]
		if stored == nil {
			stored = make(map[string]any)
			facts[k] = stored
		}
		for _, item := range items {
			disc, err := model.ItemDiscriminant(item)
			if err != nil {
				return count, ferrors.Argumentf("row %s: %v", KeyString(k), err)
			}
			if _, exists := stored[disc]; exists {
				continue
			}
			stored[disc] = item
			count++
		}
	}
	return count, nil
}

// Missing implements RowStore.
func (m *Memory) Missing(_ context.Context, kind model.Kind, keys []model.SubjectTool) ([]model.SubjectTool, error) {
	spec, err := ValidateKeys(kind, keys)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var missing []model.SubjectTool
	seen := make(map[model.SubjectTool]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		if m.presentLocked(spec, kind, k) {
			continue
		}
		missing = append(missing, k)
	}
	return missing, nil
}

func (m *Memory) presentLocked(spec model.KindSpec, kind model.Kind, k model.SubjectTool) bool {
	if spec.Mergeable() {
		items := m.merged[kind][k]
		return len(items) > 0
	}
	_, ok := m.single[kind][k]
	return ok
}

// Get implements RowStore.
func (m *Memory) Get(_ context.Context, kind model.Kind, subjects []model.Subject) ([]model.Row, error) {
	spec, err := ValidateSubjects(kind, subjects)
	if err != nil {
		return nil, err
	}

	wanted := make(map[model.Subject]bool, len(subjects))
	for _, s := range subjects {
		wanted[s] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var rows []model.Row
	if spec.Mergeable() {
		for k, stored := range m.merged[kind] {
			if !wanted[k.Subject] || len(stored) == 0 {
				continue
			}
			t := m.toolsByID[k.ToolID]
			rows = append(rows, model.Row{
				Subject: k.Subject,
				Tool:    model.ResolvedTool(t),
				Payload: mergePayload(spec, stored),
			})
		}
	} else {
		for k, payload := range m.single[kind] {
			if !wanted[k.Subject] {
				continue
			}
			t := m.toolsByID[k.ToolID]
			rows = append(rows, model.Row{
				Subject: k.Subject,
				Tool:    model.ResolvedTool(t),
				Payload: payload,
			})
		}
	}
	sortRows(rows)
	return rows, nil
}

// mergePayload rebuilds a mergeable payload from stored items, ordered
// by discriminant for deterministic reads.
func mergePayload(spec model.KindSpec, stored map[string]any) map[string]any {
	discs := make([]string, 0, len(stored))
	for d := range stored {
		discs = append(discs, d)
	}
	sort.Strings(discs)
	items := make([]any, len(discs))
	for i, d := range discs {
		items[i] = stored[d]
	}
	return map[string]any{spec.MergeField: items}
}

func sortRows(rows []model.Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Subject != rows[j].Subject {
			return rows[i].Subject < rows[j].Subject
		}
		return rows[i].Tool.ID() < rows[j].Tool.ID()
	})
}

// Delete implements RowStore.
func (m *Memory) Delete(_ context.Context, kind model.Kind, keys []model.SubjectTool) (int, error) {
	spec, err := ValidateKeys(kind, keys)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, k := range keys {
		if spec.Mergeable() {
			if _, ok := m.merged[kind][k]; ok {
				delete(m.merged[kind], k)
				count++
			}
		} else {
			if _, ok := m.single[kind][k]; ok {
				delete(m.single[kind], k)
				count++
			}
		}
	}
	return count, nil
}

// GetPartition implements RowStore.
func (m *Memory) GetPartition(_ context.Context, kind model.Kind, req PartitionRequest) (PartitionPage, error) {
	spec, err := ValidatePartition(kind, req)
	if err != nil {
		return PartitionPage{}, err
	}
	lo, hi := PartitionBounds(req.PartitionID, req.NbPartitions)

	m.mu.RLock()
	var subjects []model.Subject
	collect := func(k model.SubjectTool) {
		if k.ToolID != req.ToolID {
			return
		}
		if !InPartition(k.Subject, lo, hi) {
			return
		}
		if req.PageToken != "" && string(k.Subject) <= req.PageToken {
			return
		}
		subjects = append(subjects, k.Subject)
	}
	if spec.Mergeable() {
		for k, stored := range m.merged[kind] {
			if len(stored) > 0 {
				collect(k)
			}
		}
	} else {
		for k := range m.single[kind] {
			collect(k)
		}
	}
	m.mu.RUnlock()

	sort.Slice(subjects, func(i, j int) bool { return subjects[i] < subjects[j] })
	if len(subjects) > req.Limit+1 {
		subjects = subjects[:req.Limit+1]
	}
	return TrimPage(subjects, req.Limit), nil
}

func (m *Memory) appendMirror(ctx context.Context, kind model.Kind, rows []model.Row) error {
	if m.mirror == nil {
		return nil
	}
	values := make([]any, len(rows))
	for i, r := range rows {
		values[i] = r
	}
	if err := m.mirror.Append(ctx, kind.Topic(), values...); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	return nil
}
