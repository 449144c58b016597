// Package store persists sessions in SQLite. Sessions are never deleted.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	site              TEXT NOT NULL DEFAULT '',
	machine           TEXT NOT NULL DEFAULT '',
	namespace         TEXT NOT NULL DEFAULT '',
	global_user_name  TEXT NOT NULL DEFAULT '',
	primary_group     TEXT NOT NULL DEFAULT '',
	fqan              TEXT NOT NULL DEFAULT '',
	flavor            TEXT NOT NULL DEFAULT '',
	image_id          TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT '',
	start_time        INTEGER,
	end_time          INTEGER,
	wall_seconds      REAL NOT NULL DEFAULT 0,
	cpu_seconds       REAL,
	cpu_count         REAL,
	memory_bytes      REAL,
	network_in_bytes  REAL,
	network_out_bytes REAL,
	processed         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sessions_end_time ON sessions(end_time);
CREATE INDEX IF NOT EXISTS sessions_start_time ON sessions(start_time);
CREATE INDEX IF NOT EXISTS sessions_processed ON sessions(processed);
`

const columns = "id, site, machine, namespace, global_user_name, primary_group, fqan, flavor, image_id, " +
	"status, start_time, end_time, wall_seconds, cpu_seconds, cpu_count, memory_bytes, " +
	"network_in_bytes, network_out_bytes, processed"

const upsertQuery = "INSERT INTO sessions (" + columns + ") " +
	"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
	`ON CONFLICT(id) DO UPDATE SET
		site = excluded.site,
		machine = excluded.machine,
		namespace = excluded.namespace,
		global_user_name = excluded.global_user_name,
		primary_group = excluded.primary_group,
		fqan = excluded.fqan,
		flavor = excluded.flavor,
		image_id = excluded.image_id,
		status = excluded.status,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		wall_seconds = excluded.wall_seconds,
		cpu_seconds = excluded.cpu_seconds,
		cpu_count = excluded.cpu_count,
		memory_bytes = excluded.memory_bytes,
		network_in_bytes = excluded.network_in_bytes,
		network_out_bytes = excluded.network_out_bytes,
		processed = excluded.processed`

var errStopIteration = errors.New("stop iteration")

type Options struct {
	Path     string
	PoolSize int
}

// Store is safe for concurrent use.
type Store struct {
	pool *sqlitex.Pool
	path string
}

// Open creates the database file and schema if needed.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, &model.PersistenceError{Op: "open", Err: errors.New("store path is required")}
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &model.PersistenceError{Op: "open", Err: err}
		}
	}

	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize:    opts.PoolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, &model.PersistenceError{Op: "open", Err: fmt.Errorf("%s: %w", opts.Path, err)}
	}

	s := &Store{pool: pool, path: opts.Path}
	// Touch one connection so a broken file fails here rather than mid-run.
	conn, err := s.take(context.Background(), "open")
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	pool.Put(conn)

	util.LogDebug("Session store opened", util.F("path", opts.Path), util.F("pool_size", opts.PoolSize))
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return &model.PersistenceError{Op: "close", Err: err}
	}
	return nil
}

func (s *Store) take(ctx context.Context, op string) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, &model.PersistenceError{Op: op, Err: err}
	}
	return conn, nil
}

// Load returns the stored session or model.ErrSessionNotFound.
func (s *Store) Load(ctx context.Context, id string) (*model.Session, error) {
	conn, err := s.take(ctx, "load")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	sess, err := load(conn, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrSessionNotFound, id)
	}
	return sess, nil
}

// Upsert writes the session, replacing any stored copy.
func (s *Store) Upsert(ctx context.Context, sess *model.Session) error {
	conn, err := s.take(ctx, "upsert")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return upsert(conn, sess)
}

// UpsertAll writes sessions in one transaction.
func (s *Store) UpsertAll(ctx context.Context, sessions []*model.Session) (err error) {
	conn, err := s.take(ctx, "upsert")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return &model.PersistenceError{Op: "upsert", Err: err}
	}
	defer endTransaction(&err)

	for _, sess := range sessions {
		if err = upsert(conn, sess); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores sess only if its id is unknown and reports whether it did.
func (s *Store) Insert(ctx context.Context, sess *model.Session) (bool, error) {
	conn, err := s.take(ctx, "insert")
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO sessions ("+columns+") "+
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		&sqlitex.ExecOptions{Args: bindArgs(sess)})
	if err != nil {
		return false, &model.PersistenceError{Op: "insert", Err: err}
	}
	return conn.Changes() > 0, nil
}

// Merge folds sess into the stored copy, if any, and writes the result in one transaction.
// The merged session is returned.
func (s *Store) Merge(ctx context.Context, sess *model.Session) (merged *model.Session, err error) {
	conn, err := s.take(ctx, "merge")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, &model.PersistenceError{Op: "merge", Err: err}
	}
	defer endTransaction(&err)

	prev, err := load(conn, sess.ID)
	if err != nil {
		return nil, err
	}
	merged = sess.Clone()
	merged.MergeFrom(prev)
	if err = upsert(conn, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// MergeAll merges every session into its stored copy in one transaction and returns the
// merged sessions in input order.
func (s *Store) MergeAll(ctx context.Context, sessions []*model.Session) (merged []*model.Session, err error) {
	conn, err := s.take(ctx, "merge")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, &model.PersistenceError{Op: "merge", Err: err}
	}
	defer endTransaction(&err)

	merged = make([]*model.Session, 0, len(sessions))
	for _, sess := range sessions {
		prev, lerr := load(conn, sess.ID)
		if lerr != nil {
			return nil, lerr
		}
		m := sess.Clone()
		m.MergeFrom(prev)
		if err = upsert(conn, m); err != nil {
			return nil, err
		}
		merged = append(merged, m)
	}
	return merged, nil
}

// MarkProcessed sets the processed flag of the given sessions and leaves every other column
// as stored. Unknown ids are ignored.
func (s *Store) MarkProcessed(ctx context.Context, ids []string) (err error) {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.take(ctx, "mark")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return &model.PersistenceError{Op: "mark", Err: err}
	}
	defer endTransaction(&err)

	for _, id := range ids {
		err = sqlitex.Execute(conn, "UPDATE sessions SET processed = 1 WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return &model.PersistenceError{Op: "mark", Err: err}
		}
	}
	return nil
}

// Select lazily yields stored sessions matching p, ordered by start time. The connection is
// held until iteration ends.
func (s *Store) Select(ctx context.Context, p model.Predicate) iter.Seq2[*model.Session, error] {
	return func(yield func(*model.Session, error) bool) {
		conn, err := s.take(ctx, "select")
		if err != nil {
			yield(nil, err)
			return
		}
		defer s.pool.Put(conn)

		where, args := whereClause(p)
		query := "SELECT " + columns + " FROM sessions WHERE " + where + " ORDER BY start_time, id"

		err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				sess, err := scanSession(stmt)
				if err != nil {
					return err
				}
				if !yield(sess, nil) {
					return errStopIteration
				}
				return nil
			},
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			yield(nil, &model.PersistenceError{Op: "select", Err: err})
		}
	}
}

// Collect drains Select into a slice.
func (s *Store) Collect(ctx context.Context, p model.Predicate) ([]*model.Session, error) {
	var out []*model.Session
	for sess, err := range s.Select(ctx, p) {
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// whereClause translates a predicate into SQL. Time bounds are half-open unix seconds.
func whereClause(p model.Predicate) (string, []any) {
	switch p.Kind {
	case model.PredicateAll:
		return "1", nil
	case model.PredicateUnprocessed:
		return "processed = 0", nil
	case model.PredicateEndedBetween:
		return "(end_time IS NOT NULL AND end_time >= ? AND end_time < ?)",
			[]any{p.From.Unix(), p.To.Unix()}
	case model.PredicateRunningSince:
		return "(end_time IS NULL AND start_time IS NOT NULL AND start_time >= ? AND start_time < ?)",
			[]any{p.From.Unix(), p.To.Unix()}
	case model.PredicateAny:
		if len(p.Children) == 0 {
			return "0", nil
		}
		parts := make([]string, 0, len(p.Children))
		var args []any
		for _, child := range p.Children {
			clause, childArgs := whereClause(child)
			parts = append(parts, clause)
			args = append(args, childArgs...)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args
	}
	return "0", nil
}

func load(conn *sqlite.Conn, id string) (*model.Session, error) {
	var sess *model.Session
	err := sqlitex.Execute(conn, "SELECT "+columns+" FROM sessions WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var err error
			sess, err = scanSession(stmt)
			return err
		},
	})
	if err != nil {
		return nil, &model.PersistenceError{Op: "load", Err: err}
	}
	return sess, nil
}

func upsert(conn *sqlite.Conn, sess *model.Session) error {
	if err := sess.Validate(); err != nil {
		return &model.PersistenceError{Op: "upsert", Err: err}
	}
	if err := sqlitex.Execute(conn, upsertQuery, &sqlitex.ExecOptions{Args: bindArgs(sess)}); err != nil {
		return &model.PersistenceError{Op: "upsert", Err: err}
	}
	return nil
}

func bindArgs(s *model.Session) []any {
	processed := 0
	if s.Processed {
		processed = 1
	}
	return []any{
		s.ID, s.Site, s.Machine, s.Namespace, s.GlobalUserName, s.PrimaryGroup, s.FQAN, s.Flavor,
		s.ImageID, string(s.Status),
		unixOrNull(s.StartTime), unixOrNull(s.EndTime),
		s.WallSeconds,
		counterOrNull(s.CPUSeconds), counterOrNull(s.CPUCount), counterOrNull(s.MemoryBytes),
		counterOrNull(s.NetworkInBytes), counterOrNull(s.NetworkOutBytes),
		processed,
	}
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func counterOrNull(c model.Counter) any {
	if !c.Valid {
		return nil
	}
	return c.Value
}

// scanSession reads a row selected with the columns list.
func scanSession(stmt *sqlite.Stmt) (*model.Session, error) {
	status, err := model.ParseStatus(stmt.ColumnText(9))
	if err != nil {
		return nil, err
	}
	s := &model.Session{
		ID:             stmt.ColumnText(0),
		Site:           stmt.ColumnText(1),
		Machine:        stmt.ColumnText(2),
		Namespace:      stmt.ColumnText(3),
		GlobalUserName: stmt.ColumnText(4),
		PrimaryGroup:   stmt.ColumnText(5),
		FQAN:           stmt.ColumnText(6),
		Flavor:         stmt.ColumnText(7),
		ImageID:        stmt.ColumnText(8),
		Status:         status,
		WallSeconds:    stmt.ColumnFloat(12),
		Processed:      stmt.ColumnInt(18) != 0,
	}
	if !stmt.ColumnIsNull(10) {
		s.StartTime = time.Unix(stmt.ColumnInt64(10), 0).UTC()
	}
	if !stmt.ColumnIsNull(11) {
		s.EndTime = time.Unix(stmt.ColumnInt64(11), 0).UTC()
	}
	for i, c := range []*model.Counter{&s.CPUSeconds, &s.CPUCount, &s.MemoryBytes, &s.NetworkInBytes, &s.NetworkOutBytes} {
		if col := 13 + i; !stmt.ColumnIsNull(col) {
			*c = model.Observed(stmt.ColumnFloat(col))
		}
	}
	return s, nil
}
