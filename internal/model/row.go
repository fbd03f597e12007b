package model

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Subject is the identifier a fact is about: the lowercase hex digest of
// a content or directory object, or an origin URL. Subjects are never
// mutated; facts about them are only looked up or superseded.
type Subject string

// ValidFor checks the subject against a kind's identifier space.
// Hash subjects must be non-empty lowercase hex of even length.
func (s Subject) ValidFor(kind SubjectKind) error {
	if s == "" {
		return fmt.Errorf("empty subject")
	}
	if kind != SubjectHash {
		return nil
	}
	if _, err := hex.DecodeString(string(s)); err != nil {
		return fmt.Errorf("subject %q is not a hex digest: %w", s, err)
	}
	for _, c := range s {
		if c >= 'A' && c <= 'F' {
			return fmt.Errorf("subject %q must be lowercase hex", s)
		}
	}
	return nil
}

// Row is one fact produced by one tool about one subject. Payload fields
// are kind-specific and opaque to the row store; for mergeable kinds the
// payload carries the merge-field item list.
type Row struct {
	Subject Subject        `json:"subject"`
	Tool    ToolRef        `json:"tool"`
	Payload map[string]any `json:"payload"`
}

// SubjectTool is the dedup key consulted by Missing and Delete, and the
// unique-key prefix of every stored row.
type SubjectTool struct {
	Subject Subject `json:"subject"`
	ToolID  int64   `json:"tool_id"`
}

// Key returns the row's dedup key.
func (r Row) Key() SubjectTool {
	return SubjectTool{Subject: r.Subject, ToolID: r.Tool.ID()}
}

// Items returns the merge-field list of a mergeable row's payload.
// A missing field is an empty list, not an error.
func (r Row) Items(spec KindSpec) ([]any, error) {
	if !spec.Mergeable() {
		return nil, fmt.Errorf("kind %s has no merge field", spec.Name)
	}
	v, ok := r.Payload[spec.MergeField]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("payload field %q must be a list", spec.MergeField)
	}
	return items, nil
}

// ItemDiscriminant returns the canonical JSON encoding of a merge-field
// item. It is the per-item component of a mergeable kind's unique key:
// two items are the same item iff their discriminants are equal.
func ItemDiscriminant(item any) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("encode merge item: %w", err)
	}
	return string(raw), nil
}

// MimetypePayload builds a content_mimetype payload.
func MimetypePayload(mimetype, encoding string) map[string]any {
	return map[string]any{"mimetype": mimetype, "encoding": encoding}
}

// LicensePayload builds a content_license payload from detected license
// identifiers.
func LicensePayload(licenses ...string) map[string]any {
	items := make([]any, len(licenses))
	for i, l := range licenses {
		items[i] = l
	}
	return map[string]any{"licenses": items}
}

// CtagsSymbol is one symbol extracted from a content object.
type CtagsSymbol struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	Lang string `json:"lang"`
	Line int    `json:"line"`
}

// CtagsPayload builds a content_ctags payload.
func CtagsPayload(symbols ...CtagsSymbol) map[string]any {
	items := make([]any, len(symbols))
	for i, s := range symbols {
		items[i] = map[string]any{
			"name": s.Name,
			"kind": s.Kind,
			"lang": s.Lang,
			"line": float64(s.Line),
		}
	}
	return map[string]any{"symbols": items}
}

// MetadataPayload builds a payload for the structured-metadata kinds:
// the translated metadata document plus the mapping names that produced
// it.
func MetadataPayload(metadata map[string]any, mappings ...string) map[string]any {
	ms := make([]any, len(mappings))
	for i, m := range mappings {
		ms[i] = m
	}
	return map[string]any{"metadata": metadata, "mappings": ms}
}
