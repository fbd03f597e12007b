// Package sqlite is the durable backing store adapter. Bulk writes use
// a stage-then-merge pattern: rows are bulk-loaded into an
// unconstrained temp table, then merged into the durable table in one
// set-based upsert, keeping Add O(1) statements regardless of batch
// size. Every accepted write is mirrored to the event log before the
// durable merge commits; log-only visibility after a failed merge is a
// documented, accepted intermediate state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/storage"
)

// insertChunk bounds the number of rows per multi-value INSERT so the
// statement stays well under SQLite's bound-parameter limit.
const insertChunk = 400

// Store is the SQLite-backed storage. Tool ids come from the tools
// table rowid sequence: append-only, never reused.
type Store struct {
	db     *sql.DB
	path   string
	mirror storage.Mirror
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. An empty path opens an in-memory database for testing.
// mirror may be nil to disable the event-log mirror.
func Open(path string, mirror storage.Mirror) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, ferrors.Wrap(ferrors.ErrCodeStorageOpen, err)
		}
		// WAL keeps partition scans and missing checks from blocking
		// writers; busy_timeout absorbs writer lock contention.
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ErrCodeStorageOpen, err)
	}
	if path == "" {
		// A shared pool would give each conn its own empty :memory: db.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by the driver; set pragmas explicitly.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, ferrors.Wrap(ferrors.ErrCodeStorageOpen, err)
		}
	}

	if _, err := db.Exec(schema()); err != nil {
		_ = db.Close()
		return nil, ferrors.Wrap(ferrors.ErrCodeStorageOpen, err)
	}
	return &Store{db: db, path: path, mirror: mirror}, nil
}

// Close implements storage.Store.
func (s *Store) Close() error { return s.db.Close() }

// classify maps a driver error onto the error taxonomy. Lock contention
// and connection loss are transient and safe to retry; everything else
// is internal.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy") || strings.Contains(msg, "locked"):
		return ferrors.New(ferrors.ErrCodeStorageTx, op+": backend contended", err)
	case strings.Contains(msg, "i/o") || strings.Contains(msg, "unable to open") || strings.Contains(msg, "connection"):
		return ferrors.New(ferrors.ErrCodeStorageUnavailable, op+": backend unavailable", err)
	default:
		return ferrors.Internal(op, err)
	}
}

// RegisterTool implements storage.ToolRegistry.
func (s *Store) RegisterTool(ctx context.Context, spec model.ToolSpec) (model.Tool, error) {
	if err := spec.Validate(); err != nil {
		return model.Tool{}, ferrors.Argumentf("register tool: %v", err)
	}
	cfg, err := spec.ConfigJSON()
	if err != nil {
		return model.Tool{}, ferrors.Argumentf("register tool: %v", err)
	}
	// The UNIQUE constraint on the identity triple makes concurrent
	// registrations converge on one id without client-side locking.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (name, version, configuration) VALUES (?, ?, ?)
		ON CONFLICT (name, version, configuration) DO NOTHING`,
		spec.Name, spec.Version, cfg)
	if err != nil {
		return model.Tool{}, classify("register tool", err)
	}
	t, ok, err := s.getTool(ctx, spec.Name, spec.Version, cfg)
	if err != nil {
		return model.Tool{}, err
	}
	if !ok {
		return model.Tool{}, ferrors.Internal("register tool: row missing after upsert", nil)
	}
	return t, nil
}

// GetTool implements storage.ToolRegistry.
func (s *Store) GetTool(ctx context.Context, spec model.ToolSpec) (model.Tool, bool, error) {
	cfg, err := spec.ConfigJSON()
	if err != nil {
		return model.Tool{}, false, ferrors.Argumentf("get tool: %v", err)
	}
	t, ok, err := s.getTool(ctx, spec.Name, spec.Version, cfg)
	return t, ok, err
}

func (s *Store) getTool(ctx context.Context, name, version, cfg string) (model.Tool, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, configuration FROM tools
		WHERE name = ? AND version = ? AND configuration = ?`,
		name, version, cfg)
	return scanTool(row)
}

// GetToolByID implements storage.ToolRegistry.
func (s *Store) GetToolByID(ctx context.Context, id int64) (model.Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, configuration FROM tools WHERE id = ?`, id)
	t, ok, err := scanTool(row)
	if err != nil {
		return model.Tool{}, err
	}
	if !ok {
		return model.Tool{}, ferrors.New(ferrors.ErrCodeToolNotFound,
			fmt.Sprintf("no tool with id %d", id), nil)
	}
	return t, nil
}

func scanTool(row *sql.Row) (model.Tool, bool, error) {
	var t model.Tool
	var cfg string
	if err := row.Scan(&t.ID, &t.Name, &t.Version, &cfg); err != nil {
		if err == sql.ErrNoRows {
			return model.Tool{}, false, nil
		}
		return model.Tool{}, false, classify("scan tool", err)
	}
	if err := json.Unmarshal([]byte(cfg), &t.Configuration); err != nil {
		return model.Tool{}, false, ferrors.Internal("decode tool configuration", err)
	}
	return t, true, nil
}

// resolveTools loads the distinct tools referenced by rows, for the
// event-log mirror and the unregistered-tool check.
func (s *Store) resolveTools(ctx context.Context, rows []model.Row) (map[int64]model.Tool, error) {
	tools := make(map[int64]model.Tool)
	for _, r := range rows {
		id := r.Tool.ID()
		if _, ok := tools[id]; ok {
			continue
		}
		t, err := s.GetToolByID(ctx, id)
		if err != nil {
			return nil, err
		}
		tools[id] = t
	}
	return tools, nil
}

func (s *Store) appendMirror(ctx context.Context, kind model.Kind, rows []model.Row, tools map[int64]model.Tool) error {
	if s.mirror == nil {
		return nil
	}
	values := make([]any, len(rows))
	for i, r := range rows {
		values[i] = model.Row{
			Subject: r.Subject,
			Tool:    model.ResolvedTool(tools[r.Tool.ID()]),
			Payload: r.Payload,
		}
	}
	if err := s.mirror.Append(ctx, kind.Topic(), values...); err != nil {
		return ferrors.Wrap(ferrors.ErrCodeJournalAppend, err)
	}
	return nil
}

// Add implements storage.RowStore.
func (s *Store) Add(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error) {
	if _, err := storage.ValidateAdd(kind, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	tools, err := s.resolveTools(ctx, rows)
	if err != nil {
		return 0, err
	}
	// Log before merge. The log is the audit trail, the table the
	// queryable cache; the ordering is part of the adapter contract.
	if err := s.appendMirror(ctx, kind, rows, tools); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("add", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS stage_single (subject TEXT, tool_id INTEGER, payload TEXT)`); err != nil {
		return 0, classify("add: stage", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_single`); err != nil {
		return 0, classify("add: stage", err)
	}

	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		chunk := rows[start:end]
		args := make([]any, 0, len(chunk)*3)
		placeholders := make([]string, 0, len(chunk))
		for _, r := range chunk {
			payload, err := json.Marshal(r.Payload)
			if err != nil {
				return 0, ferrors.Argumentf("row %s: encode payload: %v", r.Subject, err)
			}
			placeholders = append(placeholders, "(?, ?, ?)")
			args = append(args, string(r.Subject), r.Tool.ID(), string(payload))
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO stage_single (subject, tool_id, payload) VALUES "+strings.Join(placeholders, ", "),
			args...); err != nil {
			return 0, classify("add: stage load", err)
		}
	}

	merge := fmt.Sprintf(`
		INSERT INTO %s (subject, tool_id, payload)
		SELECT subject, tool_id, payload FROM stage_single WHERE true
		ON CONFLICT (subject, tool_id) DO NOTHING`, tableName(kind))
	if conflictUpdate {
		merge = fmt.Sprintf(`
		INSERT INTO %s (subject, tool_id, payload)
		SELECT subject, tool_id, payload FROM stage_single WHERE true
		ON CONFLICT (subject, tool_id) DO UPDATE SET payload = excluded.payload`, tableName(kind))
	}
	res, err := tx.ExecContext(ctx, merge)
	if err != nil {
		return 0, classify("add: merge", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, classify("add: merge", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("add: commit", err)
	}
	return int(count), nil
}

// AddMerge implements storage.RowStore.
func (s *Store) AddMerge(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error) {
	spec, err := storage.ValidateAddMerge(kind, rows)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	tools, err := s.resolveTools(ctx, rows)
	if err != nil {
		return 0, err
	}
	if err := s.appendMirror(ctx, kind, rows, tools); err != nil {
		return 0, err
	}

	// Explode rows into per-item staging tuples.
	type tuple struct {
		subject string
		toolID  int64
		disc    string
		item    string
	}
	var tuples []tuple
	for _, r := range rows {
		items, _ := r.Items(spec)
		for _, item := range items {
			// The discriminant is the item's canonical JSON, so it doubles
			// as the stored encoding.
			disc, err := model.ItemDiscriminant(item)
			if err != nil {
				return 0, ferrors.Argumentf("row %s: %v", r.Subject, err)
			}
			tuples = append(tuples, tuple{string(r.Subject), r.Tool.ID(), disc, disc})
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("add_merge", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS stage_merge (subject TEXT, tool_id INTEGER, discriminant TEXT, item TEXT)`); err != nil {
		return 0, classify("add_merge: stage", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_merge`); err != nil {
		return 0, classify("add_merge: stage", err)
	}

	for start := 0; start < len(tuples); start += insertChunk {
		end := min(start+insertChunk, len(tuples))
		chunk := tuples[start:end]
		args := make([]any, 0, len(chunk)*4)
		placeholders := make([]string, 0, len(chunk))
		for _, t := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?)")
			args = append(args, t.subject, t.toolID, t.disc, t.item)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO stage_merge (subject, tool_id, discriminant, item) VALUES "+strings.Join(placeholders, ", "),
			args...); err != nil {
			return 0, classify("add_merge: stage load", err)
		}
	}

	table := tableName(kind)
	if conflictUpdate {
		// Replace the stored list wholesale before the union.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE EXISTS (
				SELECT 1 FROM stage_merge s
				WHERE s.subject = %s.subject AND s.tool_id = %s.tool_id)`,
			table, table, table)); err != nil {
			return 0, classify("add_merge: replace", err)
		}
	}

	var count int64
	if len(tuples) > 0 {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (subject, tool_id, discriminant, item)
			SELECT DISTINCT subject, tool_id, discriminant, item FROM stage_merge WHERE true
			ON CONFLICT (subject, tool_id, discriminant) DO NOTHING`, table))
		if err != nil {
			return 0, classify("add_merge: merge", err)
		}
		if count, err = res.RowsAffected(); err != nil {
			return 0, classify("add_merge: merge", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("add_merge: commit", err)
	}
	return int(count), nil
}

// Missing implements storage.RowStore.
func (s *Store) Missing(ctx context.Context, kind model.Kind, keys []model.SubjectTool) ([]model.SubjectTool, error) {
	if _, err := storage.ValidateKeys(kind, keys); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	present := make(map[model.SubjectTool]bool, len(keys))
	table := tableName(kind)
	for start := 0; start < len(keys); start += insertChunk {
		end := min(start+insertChunk, len(keys))
		chunk := keys[start:end]
		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*2)
		for _, k := range chunk {
			placeholders = append(placeholders, "(?, ?)")
			args = append(args, string(k.Subject), k.ToolID)
		}
		q := fmt.Sprintf(`
			SELECT DISTINCT subject, tool_id FROM %s
			WHERE (subject, tool_id) IN (VALUES %s)`, table, strings.Join(placeholders, ", "))
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, classify("missing", err)
		}
		for rows.Next() {
			var k model.SubjectTool
			var subject string
			if err := rows.Scan(&subject, &k.ToolID); err != nil {
				rows.Close()
				return nil, classify("missing", err)
			}
			k.Subject = model.Subject(subject)
			present[k] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, classify("missing", err)
		}
		rows.Close()
	}

	var missing []model.SubjectTool
	seen := make(map[model.SubjectTool]bool, len(keys))
	for _, k := range keys {
		if seen[k] || present[k] {
			continue
		}
		seen[k] = true
		missing = append(missing, k)
	}
	return missing, nil
}

// Get implements storage.RowStore.
func (s *Store) Get(ctx context.Context, kind model.Kind, subjects []model.Subject) ([]model.Row, error) {
	spec, err := storage.ValidateSubjects(kind, subjects)
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(subjects))
	args := make([]any, len(subjects))
	for i, sub := range subjects {
		placeholders[i] = "?"
		args[i] = string(sub)
	}
	in := strings.Join(placeholders, ", ")
	table := tableName(kind)

	if spec.Mergeable() {
		q := fmt.Sprintf(`
			SELECT f.subject, f.item, t.id, t.name, t.version, t.configuration
			FROM %s f JOIN tools t ON t.id = f.tool_id
			WHERE f.subject IN (%s)
			ORDER BY f.subject, f.tool_id, f.discriminant`, table, in)
		return s.queryMergeRows(ctx, spec, q, args)
	}

	q := fmt.Sprintf(`
		SELECT f.subject, f.payload, t.id, t.name, t.version, t.configuration
		FROM %s f JOIN tools t ON t.id = f.tool_id
		WHERE f.subject IN (%s)
		ORDER BY f.subject, f.tool_id`, table, in)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("get", err)
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		var subject, payload, cfg string
		var t model.Tool
		if err := rows.Scan(&subject, &payload, &t.ID, &t.Name, &t.Version, &cfg); err != nil {
			return nil, classify("get", err)
		}
		if err := json.Unmarshal([]byte(cfg), &t.Configuration); err != nil {
			return nil, ferrors.Internal("decode tool configuration", err)
		}
		var p map[string]any
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, ferrors.Internal("decode payload", err)
		}
		out = append(out, model.Row{Subject: model.Subject(subject), Tool: model.ResolvedTool(t), Payload: p})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get", err)
	}
	return out, nil
}

// queryMergeRows groups per-item rows back into one row per
// (subject, tool) with the merge-field list rebuilt in discriminant
// order.
func (s *Store) queryMergeRows(ctx context.Context, spec model.KindSpec, q string, args []any) ([]model.Row, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("get", err)
	}
	defer rows.Close()

	var out []model.Row
	var cur *model.Row
	var curKey model.SubjectTool
	var items []any
	flush := func() {
		if cur != nil {
			cur.Payload = map[string]any{spec.MergeField: items}
			out = append(out, *cur)
		}
		cur, items = nil, nil
	}
	for rows.Next() {
		var subject, itemRaw, cfg string
		var t model.Tool
		if err := rows.Scan(&subject, &itemRaw, &t.ID, &t.Name, &t.Version, &cfg); err != nil {
			return nil, classify("get", err)
		}
		key := model.SubjectTool{Subject: model.Subject(subject), ToolID: t.ID}
		if cur == nil || key != curKey {
			flush()
			if err := json.Unmarshal([]byte(cfg), &t.Configuration); err != nil {
				return nil, ferrors.Internal("decode tool configuration", err)
			}
			r := model.Row{Subject: model.Subject(subject), Tool: model.ResolvedTool(t)}
			cur, curKey = &r, key
		}
		var item any
		if err := json.Unmarshal([]byte(itemRaw), &item); err != nil {
			return nil, ferrors.Internal("decode merge item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("get", err)
	}
	flush()
	return out, nil
}

// Delete implements storage.RowStore.
func (s *Store) Delete(ctx context.Context, kind model.Kind, keys []model.SubjectTool) (int, error) {
	spec, err := storage.ValidateKeys(kind, keys)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	table := tableName(kind)
	total := 0
	for start := 0; start < len(keys); start += insertChunk {
		end := min(start+insertChunk, len(keys))
		chunk := keys[start:end]
		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*2)
		for _, k := range chunk {
			placeholders = append(placeholders, "(?, ?)")
			args = append(args, string(k.Subject), k.ToolID)
		}
		in := strings.Join(placeholders, ", ")

		if spec.Mergeable() {
			// Count subject/tool pairs, not items.
			var pairs int
			row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
				SELECT COUNT(*) FROM (
					SELECT DISTINCT subject, tool_id FROM %s
					WHERE (subject, tool_id) IN (VALUES %s))`, table, in), args...)
			if err := row.Scan(&pairs); err != nil {
				return total, classify("delete", err)
			}
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
				DELETE FROM %s WHERE (subject, tool_id) IN (VALUES %s)`, table, in), args...); err != nil {
				return total, classify("delete", err)
			}
			total += pairs
			continue
		}

		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			DELETE FROM %s WHERE (subject, tool_id) IN (VALUES %s)`, table, in), args...)
		if err != nil {
			return total, classify("delete", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, classify("delete", err)
		}
		total += int(n)
	}
	return total, nil
}

// GetPartition implements storage.RowStore. Reads only the durable
// table, never the log.
func (s *Store) GetPartition(ctx context.Context, kind model.Kind, req storage.PartitionRequest) (storage.PartitionPage, error) {
	if _, err := storage.ValidatePartition(kind, req); err != nil {
		return storage.PartitionPage{}, err
	}
	lo, hi := storage.PartitionBounds(req.PartitionID, req.NbPartitions)

	var cond strings.Builder
	args := []any{req.ToolID}
	cond.WriteString("tool_id = ?")
	if lo != "" {
		cond.WriteString(" AND subject >= ?")
		args = append(args, lo)
	}
	if hi != "" {
		cond.WriteString(" AND subject < ?")
		args = append(args, hi)
	}
	if req.PageToken != "" {
		cond.WriteString(" AND subject > ?")
		args = append(args, req.PageToken)
	}
	args = append(args, req.Limit+1)

	q := fmt.Sprintf(`
		SELECT DISTINCT subject FROM %s
		WHERE %s ORDER BY subject LIMIT ?`, tableName(kind), cond.String())
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return storage.PartitionPage{}, classify("get_partition", err)
	}
	defer rows.Close()

	var subjects []model.Subject
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return storage.PartitionPage{}, classify("get_partition", err)
		}
		subjects = append(subjects, model.Subject(subject))
	}
	if err := rows.Err(); err != nil {
		return storage.PartitionPage{}, classify("get_partition", err)
	}
	return storage.TrimPage(subjects, req.Limit), nil
}
