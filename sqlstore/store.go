// Package sqlstore provides an embedded durable store.Store on SQLite.
//
// The database runs in WAL mode. Every snapshot is an open read transaction,
// so it keeps observing the committed state that was current when it began
// while other connections commit. Commit takes the write lock first by bumping
// the commit counter, then compares record versions with the snapshot.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jacentio/espalier/store"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - records, properties, links, unique_keys
const currentSchemaVersion = 1

// Store is a store.Store backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
//
// The connection is configured with:
//   - WAL mode so snapshots never block commits
//   - NORMAL synchronous mode
//   - 5-second busy timeout for write lock contention
//   - Foreign key enforcement
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database. Open snapshots must be released first.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewID allocates a random record id.
func (s *Store) NewID(string) store.ID {
	return store.ID(uuid.NewString())
}

// BeginSnapshot opens a read transaction pinned to the latest commit.
func (s *Store) BeginSnapshot(ctx context.Context) (store.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	// The first read starts the WAL read transaction.
	var version int64
	if err := tx.QueryRowContext(ctx, "SELECT version FROM meta WHERE id = 1").Scan(&version); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	return &snapshot{store: s, tx: tx, version: version}, nil
}

// Commit applies changes in one write transaction.
func (s *Store) Commit(ctx context.Context, base store.Snapshot, changes *store.Changes) error {
	snap, ok := base.(*snapshot)
	if !ok || snap.store != s {
		return store.ErrForeignSnapshot
	}
	if changes.Empty() {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	// Writing first acquires the database write lock for the whole check.
	if _, err := tx.ExecContext(ctx, "UPDATE meta SET version = version + 1 WHERE id = 1"); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT version FROM meta WHERE id = 1").Scan(&next); err != nil {
		return fmt.Errorf("read version: %w", err)
	}

	if err := checkConflicts(ctx, tx, snap.version, changes); err != nil {
		return err
	}
	for _, w := range changes.Writes {
		if err := applyWrite(ctx, tx, w, next); err != nil {
			return err
		}
	}
	// Linked records get the new version so that a concurrent delete of
	// them conflicts and sees the new link when it replays.
	for _, id := range changes.Requires {
		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET version = ? WHERE id = ?", next, string(id)); err != nil {
			return fmt.Errorf("touch %s: %w", id, err)
		}
	}
	for _, c := range changes.Releases {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM unique_keys WHERE scope = ? AND key = ? AND record_id = ?",
			c.Scope, c.Key, string(c.ID)); err != nil {
			return fmt.Errorf("release %s: %w", c.Scope, err)
		}
	}
	for _, c := range changes.Claims {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO unique_keys (scope, key, record_id) VALUES (?, ?, ?)
			ON CONFLICT(scope, key) DO UPDATE SET record_id = excluded.record_id
		`, c.Scope, c.Key, string(c.ID)); err != nil {
			return fmt.Errorf("claim %s: %w", c.Scope, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func recordVersion(ctx context.Context, tx *sql.Tx, id store.ID) (int64, bool, error) {
	var version int64
	err := tx.QueryRowContext(ctx, "SELECT version FROM records WHERE id = ?", string(id)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read version of %s: %w", id, err)
	}
	return version, true, nil
}

func checkConflicts(ctx context.Context, tx *sql.Tx, baseVersion int64, changes *store.Changes) error {
	deleted := make(map[store.ID]bool)
	for _, w := range changes.Writes {
		version, exists, err := recordVersion(ctx, tx, w.ID)
		if err != nil {
			return err
		}
		switch w.Op {
		case store.OpCreate:
			if exists {
				return store.NewConflictError(w.ID, "record already exists")
			}
		case store.OpUpdate, store.OpDelete:
			if !exists {
				return store.NewConflictError(w.ID, "record no longer exists")
			}
			if version > baseVersion {
				return store.NewConflictError(w.ID, "record was modified concurrently")
			}
			if w.Op == store.OpDelete {
				deleted[w.ID] = true
			}
		}
	}

	for _, id := range changes.Requires {
		_, exists, err := recordVersion(ctx, tx, id)
		if err != nil {
			return err
		}
		if !exists {
			return store.NewConflictError(id, "linked record no longer exists")
		}
	}

	released := make(map[store.Claim]bool, len(changes.Releases))
	for _, c := range changes.Releases {
		released[store.Claim{Scope: c.Scope, Key: c.Key}] = true
	}
	for _, c := range changes.Claims {
		var owner string
		err := tx.QueryRowContext(ctx,
			"SELECT record_id FROM unique_keys WHERE scope = ? AND key = ?", c.Scope, c.Key).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read unique key %s: %w", c.Scope, err)
		}
		o := store.ID(owner)
		if o != c.ID && !released[store.Claim{Scope: c.Scope, Key: c.Key}] && !deleted[o] {
			return store.NewConflictError(c.ID, "unique key "+c.Scope+" is taken by "+owner)
		}
	}
	return nil
}

func applyWrite(ctx context.Context, tx *sql.Tx, w store.Write, version int64) error {
	switch w.Op {
	case store.OpCreate:
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO records (id, type, version) VALUES (?, ?, ?)", string(w.ID), w.Type, version); err != nil {
			return fmt.Errorf("create %s: %w", w.ID, err)
		}
	case store.OpUpdate:
		if _, err := tx.ExecContext(ctx,
			"UPDATE records SET version = ? WHERE id = ?", version, string(w.ID)); err != nil {
			return fmt.Errorf("update %s: %w", w.ID, err)
		}
	case store.OpDelete:
		// Properties and links go with the record.
		if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id = ?", string(w.ID)); err != nil {
			return fmt.Errorf("delete %s: %w", w.ID, err)
		}
		return nil
	}

	for field, v := range w.Properties {
		if v == nil {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM properties WHERE record_id = ? AND field = ?", string(w.ID), field); err != nil {
				return fmt.Errorf("write %s.%s: %w", w.ID, field, err)
			}
			continue
		}
		data, err := store.EncodeValue(v)
		if err != nil {
			return fmt.Errorf("write %s.%s: %w", w.ID, field, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO properties (record_id, field, value) VALUES (?, ?, ?)
			ON CONFLICT(record_id, field) DO UPDATE SET value = excluded.value
		`, string(w.ID), field, data); err != nil {
			return fmt.Errorf("write %s.%s: %w", w.ID, field, err)
		}
	}

	for field, targets := range w.Links {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM links WHERE source_id = ? AND field = ?", string(w.ID), field); err != nil {
			return fmt.Errorf("write %s.%s: %w", w.ID, field, err)
		}
		for pos, target := range targets {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO links (source_id, field, target_id, position) VALUES (?, ?, ?, ?)",
				string(w.ID), field, string(target), pos); err != nil {
				return fmt.Errorf("write %s.%s: %w", w.ID, field, err)
			}
		}
	}
	return nil
}

type snapshot struct {
	store   *Store
	tx      *sql.Tx
	version int64

	once     sync.Once
	mu       sync.Mutex
	released bool
}

// Version returns the commit counter the snapshot observes.
func (s *snapshot) Version() int64 { return s.version }

func (s *snapshot) check(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return store.ErrSnapshotReleased
	}
	return ctx.Err()
}

func (s *snapshot) queryIDs(ctx context.Context, query string, args ...any) ([]store.ID, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []store.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, store.ID(id))
	}
	return ids, rows.Err()
}

func (s *snapshot) TypeOf(ctx context.Context, id store.ID) (string, bool, error) {
	if err := s.check(ctx); err != nil {
		return "", false, err
	}
	var typ string
	err := s.tx.QueryRowContext(ctx, "SELECT type FROM records WHERE id = ?", string(id)).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("type of %s: %w", id, err)
	}
	return typ, true, nil
}

func (s *snapshot) ReadProperty(ctx context.Context, id store.ID, field string) (store.Value, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	var data []byte
	err := s.tx.QueryRowContext(ctx,
		"SELECT value FROM properties WHERE record_id = ? AND field = ?", string(id), field).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s.%s: %w", id, field, err)
	}
	v, err := store.DecodeValue(data)
	if err != nil {
		return nil, false, fmt.Errorf("read %s.%s: %w", id, field, err)
	}
	return v, true, nil
}

func (s *snapshot) ReadLinks(ctx context.Context, id store.ID, field string) ([]store.ID, error) {
	ids, err := s.queryIDs(ctx,
		"SELECT target_id FROM links WHERE source_id = ? AND field = ? ORDER BY position", string(id), field)
	if err != nil {
		return nil, fmt.Errorf("read links %s.%s: %w", id, field, err)
	}
	return ids, nil
}

func (s *snapshot) IterateByType(ctx context.Context, typ string) ([]store.ID, error) {
	ids, err := s.queryIDs(ctx, "SELECT id FROM records WHERE type = ? ORDER BY id", typ)
	if err != nil {
		return nil, fmt.Errorf("iterate %s: %w", typ, err)
	}
	return ids, nil
}

func (s *snapshot) IterateByIndex(ctx context.Context, scope, key string) ([]store.ID, error) {
	ids, err := s.queryIDs(ctx,
		"SELECT record_id FROM unique_keys WHERE scope = ? AND key = ?", scope, key)
	if err != nil {
		return nil, fmt.Errorf("iterate index %s: %w", scope, err)
	}
	return ids, nil
}

func (s *snapshot) Incoming(ctx context.Context, target store.ID, sourceType, field string) ([]store.ID, error) {
	ids, err := s.queryIDs(ctx, `
		SELECT l.source_id FROM links l
		JOIN records r ON r.id = l.source_id
		WHERE l.target_id = ? AND l.field = ? AND r.type = ?
		ORDER BY l.source_id
	`, string(target), field, sourceType)
	if err != nil {
		return nil, fmt.Errorf("incoming %s: %w", target, err)
	}
	return slices.Compact(ids), nil
}

// Release ends the read transaction and returns its connection to the pool.
func (s *snapshot) Release() {
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
		s.tx.Rollback()
	})
}
