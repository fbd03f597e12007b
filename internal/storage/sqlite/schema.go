package sqlite

import (
	"fmt"
	"strings"

	"github.com/factline/factline/internal/model"
)

// One durable table per fact kind, derived from the kind registry.
// Single-valued kinds key on (subject, tool_id); mergeable kinds carry
// the per-item discriminant in the key and store one row per item.

func tableName(kind model.Kind) string { return "fact_" + string(kind) }

const toolsDDL = `
CREATE TABLE IF NOT EXISTS tools (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    configuration TEXT NOT NULL,
    UNIQUE (name, version, configuration)
);`

func kindDDL(spec model.KindSpec) string {
	table := tableName(spec.Name)
	var b strings.Builder
	if spec.Mergeable() {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %s (
    subject TEXT NOT NULL,
    tool_id INTEGER NOT NULL REFERENCES tools(id),
    discriminant TEXT NOT NULL,
    item TEXT NOT NULL,
    PRIMARY KEY (subject, tool_id, discriminant)
) WITHOUT ROWID;`, table)
	} else {
		fmt.Fprintf(&b, `
CREATE TABLE IF NOT EXISTS %s (
    subject TEXT NOT NULL,
    tool_id INTEGER NOT NULL REFERENCES tools(id),
    payload TEXT NOT NULL,
    PRIMARY KEY (subject, tool_id)
) WITHOUT ROWID;`, table)
	}
	// Partition scans filter on tool first, then range over subjects.
	fmt.Fprintf(&b, `
CREATE INDEX IF NOT EXISTS idx_%s_tool_subject ON %s (tool_id, subject);`, spec.Name, table)
	return b.String()
}

// schema returns the full DDL for every registered kind.
func schema() string {
	var b strings.Builder
	b.WriteString(toolsDDL)
	for _, kind := range model.Kinds() {
		spec, _ := kind.Spec()
		b.WriteString(kindDDL(spec))
	}
	return b.String()
}
