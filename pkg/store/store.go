// Package store implements Smithers' durable embedded relational store:
// a single SQLite file per workspace, with transactional writes and
// per-table change notification so ReactiveQueries can recompute without
// polling.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/smithers-run/smithers/pkg/serrors"
)

// Querier is the shared read surface between *Store and *txHandle, so
// reconciler/phase/reactive code can accept either without caring
// whether it is inside a transaction.
type Querier interface {
	Query(ctx context.Context, dest any, query string, args ...any) error
	QueryOne(ctx context.Context, dest any, query string, args ...any) error
}

// Executor is the shared write surface.
type Executor interface {
	Querier
	Run(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Tx is the handle passed into Transaction's callback. All statements
// run against it participate in the same atomic batch; notifications
// for every mutated table fire exactly once, after commit.
type Tx interface {
	Executor
	// Touched records that a table was mutated in raw SQL a caller
	// issued directly against the tx (rare; prefer Run, which infers
	// the table automatically from the statement).
	Touched(table string)
}

// Store is the top-level handle to the embedded database. It is safe
// for concurrent use by multiple goroutines, but the engine itself only
// ever calls it from the single driver goroutine (see pkg/ralph) — the
// mutex here exists for the introspection HTTP server and tests that
// read from a second goroutine.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool

	notify *notifier
}

// Open creates or re-opens the store file at path, applying any pending
// migrations before returning.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, serrors.NewStore(serrors.StoreSubkindIO, "open", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer, serialize everything through it.

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, serrors.NewStore(serrors.StoreSubkindIO, "ping", err)
	}

	s := &Store{db: db, path: path, notify: newNotifier()}
	if err := runMigrations(db, path); err != nil {
		_ = db.Close()
		return nil, serrors.NewStore(serrors.StoreSubkindSchema, "migrate", err)
	}
	return s, nil
}

// Path returns the filesystem path of the underlying database file.
func (s *Store) Path() string { return s.path }

// IsClosed reports whether Close has been called.
func (s *Store) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close flushes and closes the underlying database. It is safe to call
// more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return serrors.NewStore(serrors.StoreSubkindIO, "close", err)
	}
	return nil
}

func (s *Store) checkOpen(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return serrors.NewStore(serrors.StoreSubkindClosed, op, errors.New("store is closed"))
	}
	return nil
}

// Run executes a single mutating statement in its own transaction and
// fires change notifications for the tables it touched.
func (s *Store) Run(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.Transaction(ctx, func(tx Tx) error {
		var innerErr error
		res, innerErr = tx.Run(ctx, query, args...)
		return innerErr
	})
	return res, err
}

// Query runs a read-only statement and scans every row into dest, which
// must be a pointer to a slice of structs or a slice of scannable
// scalars.
func (s *Store) Query(ctx context.Context, dest any, query string, args ...any) error {
	if err := s.checkOpen("query"); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classifySQLiteErr("query", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

// QueryOne runs a read-only statement and scans exactly one row into
// dest, which must be a pointer to a struct or scalar. It returns an
// error if the result set has zero or more than one row.
func (s *Store) QueryOne(ctx context.Context, dest any, query string, args ...any) error {
	if err := s.checkOpen("query_one"); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classifySQLiteErr("query_one", err)
	}
	defer rows.Close()
	return scanExactlyOne(rows, dest)
}

// Transaction runs fn inside a single atomic batch. Notifications for
// every table mutated inside fn fire exactly once, after commit — never
// for a rolled-back transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := s.checkOpen("transaction"); err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteErr("begin", err)
	}

	handle := &txHandle{tx: sqlTx, ctx: ctx, touched: map[string]bool{}}
	if err := fn(handle); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classifySQLiteErr("commit", err)
	}

	if len(handle.touched) > 0 {
		s.notify.publish(handle.touched)
	}
	return nil
}

// Subscribe registers cb to run after any transaction that mutated one
// of the named tables. It returns an unsubscribe function. Subscribers
// fire in registration order (§4.2/§5 ordering guarantee); a subscriber
// must not block, and any re-entrant write it issues is deferred to a
// fresh notification batch rather than recursing.
func (s *Store) Subscribe(tables []string, cb func(changed map[string]bool)) (unsubscribe func()) {
	return s.notify.subscribe(tables, cb)
}

// txHandle implements Tx over a single *sql.Tx.
type txHandle struct {
	tx      *sql.Tx
	ctx     context.Context
	touched map[string]bool
}

func (h *txHandle) Run(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := h.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteErr("run", err)
	}
	if table := tableFromDML(query); table != "" {
		h.touched[table] = true
	}
	return res, nil
}

func (h *txHandle) Query(ctx context.Context, dest any, query string, args ...any) error {
	rows, err := h.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return classifySQLiteErr("query", err)
	}
	defer rows.Close()
	return scanRows(rows, dest)
}

func (h *txHandle) QueryOne(ctx context.Context, dest any, query string, args ...any) error {
	rows, err := h.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return classifySQLiteErr("query_one", err)
	}
	defer rows.Close()
	return scanExactlyOne(rows, dest)
}

func (h *txHandle) Touched(table string) { h.touched[table] = true }

// tableFromDML extracts the target table name from an INSERT/UPDATE/
// DELETE statement via a cheap token scan. It is deliberately
// conservative: callers that issue anything it cannot parse must call
// Tx.Touched explicitly.
func tableFromDML(query string) string {
	fields := strings.Fields(strings.TrimSpace(query))
	if len(fields) == 0 {
		return ""
	}
	switch strings.ToUpper(fields[0]) {
	case "INSERT":
		// INSERT INTO <table> ...
		for i, f := range fields {
			if strings.EqualFold(f, "INTO") && i+1 < len(fields) {
				return stripIdent(fields[i+1])
			}
		}
	case "UPDATE":
		if len(fields) > 1 {
			return stripIdent(fields[1])
		}
	case "DELETE":
		for i, f := range fields {
			if strings.EqualFold(f, "FROM") && i+1 < len(fields) {
				return stripIdent(fields[i+1])
			}
		}
	}
	return ""
}

func stripIdent(s string) string {
	s = strings.Trim(s, "`\"[]; ")
	if idx := strings.IndexByte(s, '('); idx >= 0 {
		s = s[:idx]
	}
	return s
}

func classifySQLiteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return serrors.NewStore(serrors.StoreSubkindIO, op, err)
		case sqlite3.ErrConstraint:
			return serrors.NewStore(serrors.StoreSubkindConstraint, op, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return serrors.NewStore(serrors.StoreSubkindCorrupt, op, err)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return serrors.NewStore(serrors.StoreSubkindIO, op, err)
}
