// Package storage defines the row store contract shared by every
// backend: the tool registry plus the generic per-kind dedup, merge,
// and partition-scan operations. The dedup algorithm is expressed once
// here (validation, unique keys, merge semantics) and reused by the
// in-memory and SQLite backends and by the remote client.
package storage

import (
	"context"
	"fmt"
	"sort"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
)

// ToolRegistry assigns stable surrogate ids to tool identity triples.
type ToolRegistry interface {
	// RegisterTool returns the Tool for spec, creating it on first use.
	// Idempotent: concurrent callers registering the identical spec
	// converge on one id, enforced by the backend's uniqueness
	// constraint on the identity triple.
	RegisterTool(ctx context.Context, spec model.ToolSpec) (model.Tool, error)

	// GetTool looks up a registered tool without creating it.
	GetTool(ctx context.Context, spec model.ToolSpec) (model.Tool, bool, error)

	// GetToolByID is a pure lookup. Unknown ids are a validation error.
	GetToolByID(ctx context.Context, id int64) (model.Tool, error)
}

// RowStore is the generic engine over fact rows, parameterized by kind.
type RowStore interface {
	// Missing returns the subset of keys with no stored row, in input
	// order. A pure read, O(batch size).
	Missing(ctx context.Context, kind model.Kind, keys []model.SubjectTool) ([]model.SubjectTool, error)

	// Get returns every stored row for the given subjects, across all
	// tools, with tools fully resolved.
	Get(ctx context.Context, kind model.Kind, subjects []model.Subject) ([]model.Row, error)

	// Add writes single-valued rows. Rejects the whole batch before any
	// write when two input rows share a unique key. With conflictUpdate
	// false an existing row is never overwritten; with true it always
	// is. Returns the number of rows actually written or changed.
	Add(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error)

	// AddMerge writes mergeable rows as a set union over the kind's
	// merge field: new items never drop previously stored items for the
	// same (subject, tool) unless conflictUpdate is true, which replaces
	// the stored list wholesale before the union.
	AddMerge(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error)

	// Delete removes every row (every item, for mergeable kinds) for the
	// given keys and returns the number of subject/tool pairs deleted.
	Delete(ctx context.Context, kind model.Kind, keys []model.SubjectTool) (int, error)

	// GetPartition lists stored subjects of one deterministic hash-range
	// partition for one tool, paginated. Hash-subject kinds only.
	GetPartition(ctx context.Context, kind model.Kind, req PartitionRequest) (PartitionPage, error)
}

// Store is a complete storage backend.
type Store interface {
	ToolRegistry
	RowStore
	Close() error
}

// Mirror receives every accepted write before the durable merge commits.
// The journal writer implements it. Mirrored rows always carry fully
// resolved tools, never bare surrogate ids: log consumers may not share
// the registry's id space.
type Mirror interface {
	Append(ctx context.Context, topic string, values ...any) error
}

// PartitionRequest parameterizes one page of a partitioned range scan.
type PartitionRequest struct {
	ToolID       int64  `json:"tool_id"`
	PartitionID  int    `json:"partition_id"`
	NbPartitions int    `json:"nb_partitions"`
	PageToken    string `json:"page_token"`
	Limit        int    `json:"limit"`
}

// PartitionPage is one page of subjects in ascending order.
// An empty NextPageToken marks the final page of the partition.
type PartitionPage struct {
	Subjects      []model.Subject `json:"subjects"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// KeyString formats a dedup key for error reporting.
func KeyString(k model.SubjectTool) string {
	return fmt.Sprintf("%s/%d", k.Subject, k.ToolID)
}

// kindSpec resolves a kind or returns the unknown-kind validation error.
func kindSpec(kind model.Kind) (model.KindSpec, error) {
	spec, ok := kind.Spec()
	if !ok {
		return model.KindSpec{}, ferrors.New(ferrors.ErrCodeUnknownKind,
			fmt.Sprintf("unknown fact kind %q", kind), nil)
	}
	return spec, nil
}

// ValidateAdd checks an Add batch before any write: the kind must be a
// registered single-valued kind, every row well-formed, and no two rows
// may share a unique key (a caller error surfaced with every offending
// key, never a storage race).
func ValidateAdd(kind model.Kind, rows []model.Row) (model.KindSpec, error) {
	spec, err := kindSpec(kind)
	if err != nil {
		return spec, err
	}
	if spec.Mergeable() {
		return spec, ferrors.New(ferrors.ErrCodeNotMergeable,
			fmt.Sprintf("kind %s is mergeable, use AddMerge", kind), nil)
	}
	if err := validateRows(spec, rows); err != nil {
		return spec, err
	}

	seen := make(map[model.SubjectTool]bool, len(rows))
	var dups []string
	for _, r := range rows {
		k := r.Key()
		if seen[k] {
			dups = append(dups, KeyString(k))
			continue
		}
		seen[k] = true
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return spec, ferrors.DuplicateKeys(dups)
	}
	return spec, nil
}

// ValidateAddMerge checks an AddMerge batch. The duplicate check applies
// to the exploded (subject, tool, item-discriminant) keys, since the
// per-item rows are what storage dedups.
func ValidateAddMerge(kind model.Kind, rows []model.Row) (model.KindSpec, error) {
	spec, err := kindSpec(kind)
	if err != nil {
		return spec, err
	}
	if !spec.Mergeable() {
		return spec, ferrors.New(ferrors.ErrCodeNotMergeable,
			fmt.Sprintf("kind %s is single-valued, use Add", kind), nil)
	}
	if err := validateRows(spec, rows); err != nil {
		return spec, err
	}

	seen := make(map[string]bool)
	var dups []string
	for _, r := range rows {
		items, err := r.Items(spec)
		if err != nil {
			return spec, ferrors.Argumentf("row %s: %v", KeyString(r.Key()), err)
		}
		for _, item := range items {
			disc, err := model.ItemDiscriminant(item)
			if err != nil {
				return spec, ferrors.Argumentf("row %s: %v", KeyString(r.Key()), err)
			}
			full := KeyString(r.Key()) + "/" + disc
			if seen[full] {
				dups = append(dups, full)
				continue
			}
			seen[full] = true
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return spec, ferrors.DuplicateKeys(dups)
	}
	return spec, nil
}

func validateRows(spec model.KindSpec, rows []model.Row) error {
	if len(rows) == 0 {
		return nil
	}
	for i, r := range rows {
		if err := r.Subject.ValidFor(spec.Subject); err != nil {
			return ferrors.Argumentf("row %d: %v", i, err)
		}
		if r.Tool.ID() <= 0 {
			return ferrors.Argumentf("row %d (%s): missing tool id", i, r.Subject)
		}
		if r.Payload == nil {
			return ferrors.Argumentf("row %d (%s): nil payload", i, r.Subject)
		}
	}
	return nil
}

// ValidateKeys checks a Missing or Delete key batch.
func ValidateKeys(kind model.Kind, keys []model.SubjectTool) (model.KindSpec, error) {
	spec, err := kindSpec(kind)
	if err != nil {
		return spec, err
	}
	for i, k := range keys {
		if err := k.Subject.ValidFor(spec.Subject); err != nil {
			return spec, ferrors.Argumentf("key %d: %v", i, err)
		}
		if k.ToolID <= 0 {
			return spec, ferrors.Argumentf("key %d (%s): missing tool id", i, k.Subject)
		}
	}
	return spec, nil
}

// ValidateSubjects checks a Get subject batch.
func ValidateSubjects(kind model.Kind, subjects []model.Subject) (model.KindSpec, error) {
	spec, err := kindSpec(kind)
	if err != nil {
		return spec, err
	}
	for i, s := range subjects {
		if err := s.ValidFor(spec.Subject); err != nil {
			return spec, ferrors.Argumentf("subject %d: %v", i, err)
		}
	}
	return spec, nil
}
