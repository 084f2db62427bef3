// Package sqlitestore is the default durable Store, an embedded SQLite
// database opened through the ncruces/go-sqlite3 database/sql driver.
//
// Entities and operations are persisted as JSON records next to the columns
// that queries filter on. The database runs in WAL mode so status reads do not
// block the queue's writes.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	parent_id   TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	record_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_type_parent ON entities(type, parent_id);

CREATE TABLE IF NOT EXISTS operations (
	id          TEXT PRIMARY KEY,
	seq         INTEGER NOT NULL,
	status      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	record_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);
CREATE INDEX IF NOT EXISTS idx_operations_seq ON operations(seq);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is a SQLite-backed store.Store
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open creates or opens the database at path and ensures the schema exists.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, unavailable("create database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, unavailable("open database", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping database", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, unavailable(p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, unavailable("init schema", err)
	}

	log.Info().Str("component", "store").Str("driver", "sqlite").Str("path", path).Msg("local store opened")

	return &Store{db: db, path: path}, nil
}

func unavailable(what string, err error) error {
	return fmt.Errorf("sqlitestore: %s: %w: %w", what, store.ErrStorageUnavailable, err)
}

func (s *Store) PutEntity(ctx context.Context, e entity.Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode entity %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, type, parent_id, version, record_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			type        = excluded.type,
			parent_id   = excluded.parent_id,
			version     = excluded.version,
			record_json = excluded.record_json
	`, e.ID, string(e.Type), e.Parent(), e.Version, string(raw))
	if err != nil {
		return unavailable("put entity", err)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (entity.Entity, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record_json FROM entities WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Entity{}, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return entity.Entity{}, unavailable("get entity", err)
	}
	return decodeEntity(raw)
}

func (s *Store) ListEntities(ctx context.Context, f store.Filter) ([]entity.Entity, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.ParentID != nil {
		where = append(where, "parent_id = ?")
		args = append(args, *f.ParentID)
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.IDs)), ",")+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	q := `SELECT record_json FROM entities`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list entities", err)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, unavailable("scan entity", err)
		}
		e, err := decodeEntity(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list entities", err)
	}
	return out, nil
}

func (s *Store) RemoveEntity(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return unavailable("remove entity", err)
	}
	return nil
}

func (s *Store) ReplaceAll(ctx context.Context, entities []entity.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin replace", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return unavailable("clear entities", err)
	}
	for _, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("sqlitestore: encode entity %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, type, parent_id, version, record_json) VALUES (?, ?, ?, ?, ?)`,
			e.ID, string(e.Type), e.Parent(), e.Version, string(raw)); err != nil {
			return unavailable("insert entity", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit replace", err)
	}
	return nil
}

func (s *Store) AppendOp(ctx context.Context, op oplog.Operation) (oplog.Operation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oplog.Operation{}, unavailable("begin append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if op.Seq == 0 {
		var next int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM operations`).Scan(&next); err != nil {
			return oplog.Operation{}, unavailable("next seq", err)
		}
		op.Seq = next
	}

	raw, err := json.Marshal(op)
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("sqlitestore: encode operation %s: %w", op.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operations (id, seq, status, entity_id, record_json) VALUES (?, ?, ?, ?, ?)`,
		op.ID, op.Seq, string(op.Status), op.EntityID, string(raw)); err != nil {
		return oplog.Operation{}, unavailable("insert operation", err)
	}
	if err := tx.Commit(); err != nil {
		return oplog.Operation{}, unavailable("commit append", err)
	}
	return op.Clone(), nil
}

func (s *Store) GetOp(ctx context.Context, id string) (oplog.Operation, error) {
	return getOp(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOp(ctx context.Context, q queryer, id string) (oplog.Operation, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT record_json FROM operations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return oplog.Operation{}, fmt.Errorf("operation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return oplog.Operation{}, unavailable("get operation", err)
	}
	return decodeOp(raw)
}

func (s *Store) ListOps(ctx context.Context) ([]oplog.Operation, error) {
	return s.ListOpsByStatus(ctx)
}

func (s *Store) ListOpsByStatus(ctx context.Context, statuses ...oplog.Status) ([]oplog.Operation, error) {
	q := `SELECT record_json FROM operations`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += " WHERE status IN (" + strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",") + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += " ORDER BY seq, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("list operations", err)
	}
	defer rows.Close()

	var out []oplog.Operation
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, unavailable("scan operation", err)
		}
		op, err := decodeOp(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list operations", err)
	}
	return out, nil
}

func (s *Store) UpdateOp(ctx context.Context, id string, p oplog.Patch) (oplog.Operation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return oplog.Operation{}, unavailable("begin update", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getOp(ctx, tx, id)
	if err != nil {
		return oplog.Operation{}, err
	}
	next := oplog.ApplyPatch(cur, p)
	raw, err := json.Marshal(next)
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("sqlitestore: encode operation %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE operations SET status = ?, entity_id = ?, record_json = ? WHERE id = ?`,
		string(next.Status), next.EntityID, string(raw), id); err != nil {
		return oplog.Operation{}, unavailable("update operation", err)
	}
	if err := tx.Commit(); err != nil {
		return oplog.Operation{}, unavailable("commit update", err)
	}
	return next, nil
}

func (s *Store) RemoveOp(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return unavailable("remove operation", err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("meta %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return "", unavailable("get meta", err)
	}
	return v, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return unavailable("set meta", err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("wal checkpoint failed")
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("sqlitestore: close: %w", err)
	}
	return nil
}

func decodeEntity(raw string) (entity.Entity, error) {
	var e entity.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entity.Entity{}, fmt.Errorf("sqlitestore: decode entity: %w", err)
	}
	return e, nil
}

func decodeOp(raw string) (oplog.Operation, error) {
	var op oplog.Operation
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return oplog.Operation{}, fmt.Errorf("sqlitestore: decode operation: %w", err)
	}
	return op, nil
}
