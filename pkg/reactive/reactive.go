// Package reactive implements memoised queries over pkg/store that
// recompute when their dependent tables change. A Handle wraps one SQL
// statement, the tables it was parsed to depend on, and the subscribers
// waiting on its result.
//
// Ordering and non-reentrancy are inherited directly from
// store.Store.Subscribe: each Handle registers exactly one store
// subscription, so the store's own notifier already guarantees
// registration-order, non-recursive delivery (spec §5/§8 property 5).
// This package only adds the compare-and-notify step on top.
package reactive

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/smithers-run/smithers/pkg/store"
)

// Queries is the reactive layer over one Store. It exists mainly to
// give every Handle a shared place to register its teardown and to let
// callers close every live query at once (e.g. on Execution shutdown).
type Queries struct {
	store *store.Store

	mu      sync.Mutex
	closers []func()
}

// New returns a Queries bound to s.
func New(s *store.Store) *Queries {
	return &Queries{store: s}
}

// Close unsubscribes every Handle ever created from this Queries.
func (q *Queries) Close() {
	q.mu.Lock()
	closers := q.closers
	q.closers = nil
	q.mu.Unlock()
	for _, c := range closers {
		c()
	}
}

func (q *Queries) track(unsubscribe func()) {
	q.mu.Lock()
	q.closers = append(q.closers, unsubscribe)
	q.mu.Unlock()
}

// Handle is a live, memoised query result of type T.
type Handle[T any] struct {
	q      *Queries
	ctx    context.Context
	sql    string
	args   []any
	single bool // QueryValue semantics: QueryOne, errors on 0/>1 rows tolerated as "no data"

	mu          sync.Mutex
	data        T
	hasData     bool
	subscribers []func(T)

	unsubscribe func()
}

// Query registers a reactive query expected to scan into a slice type T
// (e.g. []store.Phase). It runs once synchronously to populate the
// initial value, then recomputes on every Store commit that touches one
// of its statically-extracted dependency tables.
func Query[T any](ctx context.Context, q *Queries, sqlText string, args ...any) *Handle[T] {
	h := &Handle[T]{q: q, ctx: ctx, sql: sqlText, args: args, single: false}
	h.init()
	return h
}

// QueryValue registers a reactive query expected to scan a single row
// or scalar into T. Data() reports (zero, false) if the query currently
// matches no row.
func QueryValue[T any](ctx context.Context, q *Queries, sqlText string, args ...any) *Handle[T] {
	h := &Handle[T]{q: q, ctx: ctx, sql: sqlText, args: args, single: true}
	h.init()
	return h
}

func (h *Handle[T]) init() {
	h.recompute()
	tables := extractTables(h.sql)
	unsubscribe := h.q.store.Subscribe(tables, func(changed map[string]bool) {
		h.recompute()
	})
	h.unsubscribe = unsubscribe
	h.q.track(unsubscribe)
}

func (h *Handle[T]) recompute() {
	var result T
	var ok bool
	var err error
	if h.single {
		err = h.q.store.QueryOne(h.ctx, &result, h.sql, h.args...)
		ok = err == nil
	} else {
		err = h.q.store.Query(h.ctx, &result, h.sql, h.args...)
		ok = err == nil
	}
	if err != nil && !h.single {
		// A genuine query error (not "no rows", which only QueryOne can
		// produce) leaves the previous value in place; callers observe
		// staleness rather than a silently zeroed result.
		return
	}

	h.mu.Lock()
	changed := !h.hasData || !deepEqual(h.data, result)
	if ok {
		h.data = result
		h.hasData = true
	} else {
		var zero T
		h.data = zero
		h.hasData = false
	}
	subs := append([]func(T){}, h.subscribers...)
	current, present := h.data, h.hasData
	h.mu.Unlock()

	if changed && present {
		for _, sub := range subs {
			sub(current)
		}
	}
}

// Data returns the current memoised value and whether it is present.
func (h *Handle[T]) Data() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data, h.hasData
}

// Invalidate forces an immediate recompute, bypassing the wait for the
// next Store notification.
func (h *Handle[T]) Invalidate() {
	h.recompute()
}

// OnChange registers cb to be invoked, in registration order, whenever
// a recompute produces a value that differs (by deep equality) from
// the prior one.
func (h *Handle[T]) OnChange(cb func(T)) {
	h.mu.Lock()
	h.subscribers = append(h.subscribers, cb)
	h.mu.Unlock()
}

// Close stops this Handle from recomputing on further Store changes.
func (h *Handle[T]) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

func deepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// extractTables returns the table names a SQL statement reads from, by
// scanning tokens after FROM/JOIN. It is deliberately conservative: any
// statement in which it finds no table name is treated as depending on
// every table in the fixed list returned by AllTables() below
// (spec.md §9: "a conservative fallback is depends-on-all-tables").
func extractTables(sqlText string) []string {
	fields := strings.Fields(sqlText)
	var tables []string
	for i, f := range fields {
		upper := strings.ToUpper(strings.Trim(f, "`\"();,"))
		if (upper == "FROM" || upper == "JOIN") && i+1 < len(fields) {
			name := strings.Trim(fields[i+1], "`\"();,")
			if idx := strings.IndexByte(name, '.'); idx >= 0 {
				name = name[:idx]
			}
			if name != "" {
				tables = append(tables, name)
			}
		}
	}
	if len(tables) == 0 {
		return AllTables()
	}
	return tables
}

// AllTables lists every table pkg/store's migrations create. It backs
// the conservative "depends on everything" fallback for statements
// extractTables cannot parse (subqueries, CTEs, views).
func AllTables() []string {
	return []string{
		"executions",
		"state_entries",
		"state_transitions",
		"phases",
		"steps",
		"agent_runs",
		"tool_calls",
		"render_frames",
		"module_versions",
		"active_overrides",
	}
}
