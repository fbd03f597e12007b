// Package model defines the fact kinds, tool identities, and row shapes
// shared by every storage backend and by the orchestration pipeline.
package model

import (
	"encoding/json"
	"fmt"
)

// ToolSpec identifies an extraction tool by its identity triple:
// name, version, and an opaque JSON-comparable configuration.
// Two specs are the same tool iff all three components are equal.
type ToolSpec struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Configuration map[string]any `json:"configuration"`
}

// ConfigJSON returns the canonical JSON encoding of the configuration.
// encoding/json writes map keys in sorted order, so equal configurations
// always produce byte-identical output. A nil configuration canonicalizes
// to the empty object.
func (s ToolSpec) ConfigJSON() (string, error) {
	cfg := s.Configuration
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode tool configuration: %w", err)
	}
	return string(raw), nil
}

// Key returns the full canonical identity of the spec, suitable as a map
// key or a uniqueness-constraint tuple.
func (s ToolSpec) Key() (string, error) {
	cfg, err := s.ConfigJSON()
	if err != nil {
		return "", err
	}
	return s.Name + "\x00" + s.Version + "\x00" + cfg, nil
}

// Validate checks that the spec names a registrable tool.
func (s ToolSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if s.Version == "" {
		return fmt.Errorf("tool version is required")
	}
	return nil
}

// Tool is a registered ToolSpec together with its surrogate id.
// Ids are assigned by the backend on first registration and are
// append-only: never reused, never mutated, stable for the lifetime of
// the backend instance. Only the identity triple is portable across
// backends.
type Tool struct {
	ID int64 `json:"id"`
	ToolSpec
}

// ToolRef is a two-case reference to a tool. Write paths carry only the
// bare surrogate id; read paths carry the fully resolved Tool so that
// consumers (event-log readers in particular) never need to share the
// registry's id space.
type ToolRef struct {
	id       int64
	resolved *Tool
}

// ToolByID returns a bare-id reference, the write-path form.
func ToolByID(id int64) ToolRef {
	return ToolRef{id: id}
}

// ResolvedTool returns a fully resolved reference, the read-path form.
func ResolvedTool(t Tool) ToolRef {
	return ToolRef{id: t.ID, resolved: &t}
}

// ID returns the surrogate id. Valid in both cases.
func (r ToolRef) ID() int64 { return r.id }

// Resolved returns the full Tool and whether this reference carries one.
func (r ToolRef) Resolved() (Tool, bool) {
	if r.resolved == nil {
		return Tool{}, false
	}
	return *r.resolved, true
}

// IsZero reports whether the reference was never set.
func (r ToolRef) IsZero() bool { return r.id == 0 && r.resolved == nil }

// MarshalJSON encodes a bare reference as a JSON number and a resolved
// reference as the full tool object, matching the wire contract of the
// remote storage protocol.
func (r ToolRef) MarshalJSON() ([]byte, error) {
	if r.resolved != nil {
		return json.Marshal(*r.resolved)
	}
	return json.Marshal(r.id)
}

// UnmarshalJSON accepts either encoding produced by MarshalJSON.
func (r *ToolRef) UnmarshalJSON(data []byte) error {
	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		*r = ToolByID(id)
		return nil
	}
	var t Tool
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("tool reference must be an id or a resolved tool: %w", err)
	}
	*r = ResolvedTool(t)
	return nil
}
