// Package pgstore is a PostgreSQL-backed Store for agents running on hosts
// that already keep their state in Postgres. Several agents may share one
// database; rows are scoped by namespace.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS notesync_entity (
	namespace   TEXT NOT NULL,
	id          TEXT NOT NULL,
	type        TEXT NOT NULL,
	parent_id   TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	record_json JSONB NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS notesync_entity_type_parent ON notesync_entity (namespace, type, parent_id);

CREATE TABLE IF NOT EXISTS notesync_operation (
	namespace   TEXT NOT NULL,
	id          TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	status      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	record_json JSONB NOT NULL,
	PRIMARY KEY (namespace, id)
);
CREATE INDEX IF NOT EXISTS notesync_operation_status ON notesync_operation (namespace, status);
CREATE INDEX IF NOT EXISTS notesync_operation_seq ON notesync_operation (namespace, seq);

CREATE TABLE IF NOT EXISTS notesync_meta (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// Store is a Postgres-backed store.Store
type Store struct {
	pool *pgxpool.Pool
	ns   string
}

var _ store.Store = (*Store)(nil)

// Open creates a connection pool, verifies connectivity and ensures the schema.
// namespace isolates this agent's rows; empty means "default".
func Open(ctx context.Context, url, namespace string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse config: %w", err)
	}

	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("create pool", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, unavailable("init schema", err)
	}

	if namespace == "" {
		namespace = "default"
	}

	log.Info().
		Str("component", "store").
		Str("driver", "postgres").
		Str("namespace", namespace).
		Int32("maxConns", cfg.MaxConns).
		Msg("local store opened")

	return &Store{pool: pool, ns: namespace}, nil
}

func unavailable(what string, err error) error {
	return fmt.Errorf("pgstore: %s: %w: %w", what, store.ErrStorageUnavailable, err)
}

func (s *Store) PutEntity(ctx context.Context, e entity.Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pgstore: encode entity %s: %w", e.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notesync_entity (namespace, id, type, parent_id, version, record_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (namespace, id) DO UPDATE SET
			type        = EXCLUDED.type,
			parent_id   = EXCLUDED.parent_id,
			version     = EXCLUDED.version,
			record_json = EXCLUDED.record_json
	`, s.ns, e.ID, string(e.Type), e.Parent(), e.Version, raw)
	if err != nil {
		return unavailable("put entity", err)
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (entity.Entity, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record_json FROM notesync_entity WHERE namespace = $1 AND id = $2`, s.ns, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.Entity{}, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return entity.Entity{}, unavailable("get entity", err)
	}
	return decodeEntity(raw)
}

func (s *Store) ListEntities(ctx context.Context, f store.Filter) ([]entity.Entity, error) {
	// NULL parameters disable the corresponding predicate
	var (
		typ    *string
		parent *string
		ids    []string
	)
	if f.Type != "" {
		t := string(f.Type)
		typ = &t
	}
	parent = f.ParentID
	if len(f.IDs) > 0 {
		ids = f.IDs
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record_json FROM notesync_entity
		WHERE namespace = $1
		  AND ($2::text IS NULL OR type = $2)
		  AND ($3::text IS NULL OR parent_id = $3)
		  AND ($4::text[] IS NULL OR id = ANY($4))
		ORDER BY id
	`, s.ns, typ, parent, ids)
	if err != nil {
		return nil, unavailable("list entities", err)
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		var raw []byte
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
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM notesync_entity WHERE namespace = $1 AND id = $2`, s.ns, id); err != nil {
		return unavailable("remove entity", err)
	}
	return nil
}

func (s *Store) ReplaceAll(ctx context.Context, entities []entity.Entity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin replace", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM notesync_entity WHERE namespace = $1`, s.ns); err != nil {
		return unavailable("clear entities", err)
	}

	batch := &pgx.Batch{}
	for _, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("pgstore: encode entity %s: %w", e.ID, err)
		}
		batch.Queue(`
			INSERT INTO notesync_entity (namespace, id, type, parent_id, version, record_json)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.ns, e.ID, string(e.Type), e.Parent(), e.Version, raw)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return unavailable("insert entities", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit replace", err)
	}
	return nil
}

func (s *Store) AppendOp(ctx context.Context, op oplog.Operation) (oplog.Operation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oplog.Operation{}, unavailable("begin append", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize seq assignment per namespace
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.ns); err != nil {
		return oplog.Operation{}, unavailable("lock seq", err)
	}
	if op.Seq == 0 {
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM notesync_operation WHERE namespace = $1`, s.ns).Scan(&op.Seq); err != nil {
			return oplog.Operation{}, unavailable("next seq", err)
		}
	}

	raw, err := json.Marshal(op)
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("pgstore: encode operation %s: %w", op.ID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO notesync_operation (namespace, id, seq, status, entity_id, record_json)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ns, op.ID, op.Seq, string(op.Status), op.EntityID, raw); err != nil {
		return oplog.Operation{}, unavailable("insert operation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return oplog.Operation{}, unavailable("commit append", err)
	}
	return op.Clone(), nil
}

func (s *Store) GetOp(ctx context.Context, id string) (oplog.Operation, error) {
	return s.getOp(ctx, s.pool, id, false)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getOp(ctx context.Context, q querier, id string, forUpdate bool) (oplog.Operation, error) {
	sql := `SELECT record_json FROM notesync_operation WHERE namespace = $1 AND id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var raw []byte
	err := q.QueryRow(ctx, sql, s.ns, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
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
	var filter []string
	for _, st := range statuses {
		filter = append(filter, string(st))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT record_json FROM notesync_operation
		WHERE namespace = $1 AND ($2::text[] IS NULL OR status = ANY($2))
		ORDER BY seq, id
	`, s.ns, filter)
	if err != nil {
		return nil, unavailable("list operations", err)
	}
	defer rows.Close()

	var out []oplog.Operation
	for rows.Next() {
		var raw []byte
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oplog.Operation{}, unavailable("begin update", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := s.getOp(ctx, tx, id, true)
	if err != nil {
		return oplog.Operation{}, err
	}
	next := oplog.ApplyPatch(cur, p)
	raw, err := json.Marshal(next)
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("pgstore: encode operation %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE notesync_operation SET status = $3, entity_id = $4, record_json = $5
		WHERE namespace = $1 AND id = $2
	`, s.ns, id, string(next.Status), next.EntityID, raw); err != nil {
		return oplog.Operation{}, unavailable("update operation", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return oplog.Operation{}, unavailable("commit update", err)
	}
	return next, nil
}

func (s *Store) RemoveOp(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM notesync_operation WHERE namespace = $1 AND id = $2`, s.ns, id); err != nil {
		return unavailable("remove operation", err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM notesync_meta WHERE namespace = $1 AND key = $2`, s.ns, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("meta %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return "", unavailable("get meta", err)
	}
	return v, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notesync_meta (namespace, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value
	`, s.ns, key, value)
	if err != nil {
		return unavailable("set meta", err)
	}
	return nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// truncate removes this namespace's rows; used by integration tests
func (s *Store) truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM notesync_entity WHERE namespace = $1`, s.ns); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM notesync_operation WHERE namespace = $1`, s.ns); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM notesync_meta WHERE namespace = $1`, s.ns)
	return err
}

func decodeEntity(raw []byte) (entity.Entity, error) {
	var e entity.Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return entity.Entity{}, fmt.Errorf("pgstore: decode entity: %w", err)
	}
	return e, nil
}

func decodeOp(raw []byte) (oplog.Operation, error) {
	var op oplog.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return oplog.Operation{}, fmt.Errorf("pgstore: decode operation: %w", err)
	}
	return op, nil
}
