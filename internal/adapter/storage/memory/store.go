// Package memory is an in-process account store. Each unit of work takes
// exclusive per-record locks on first touch and holds them until Commit or
// Rollback; writes are staged in the unit and applied atomically on Commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"session-wallet/internal/core/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrForeignTx is returned when a repository is handed a tx it did not create.
var ErrForeignTx = errors.New("memory: transaction was not started by this store")

var errSQLUnsupported = errors.New("memory: SQL statements are not supported")

// Store holds committed state for sessions, holdings, events and audit logs.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.Address]domain.SessionWallet
	holdings map[string]domain.Holding
	events   []domain.EventRecord
	audit    []domain.AuditLog

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[domain.Address]domain.SessionWallet),
		holdings: make(map[string]domain.Holding),
		locks:    make(map[string]chan struct{}),
	}
}

// Begin implements ports.DBTransactor.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{
		store:    s,
		held:     make(map[string]struct{}),
		sessions: make(map[domain.Address]domain.SessionWallet),
		holdings: make(map[string]domain.Holding),
	}, nil
}

func (s *Store) lockChan(key string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// Tx is a unit of work against a Store. It satisfies pgx.Tx so it can flow
// through the same repository signatures as a PostgreSQL transaction, but
// only Commit and Rollback are meaningful.
type Tx struct {
	store  *Store
	closed bool

	held     map[string]struct{}
	order    []string
	sessions map[domain.Address]domain.SessionWallet
	holdings map[string]domain.Holding
	events   []domain.EventRecord
}

func asTx(tx pgx.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok || t == nil {
		return nil, ErrForeignTx
	}
	if t.closed {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

// lock takes the record lock for key, blocking until it is free or ctx ends.
// Locks are reentrant within one Tx.
func (t *Tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch := t.store.lockChan(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for lock on %s: %w", key, ctx.Err())
	}
	t.held[key] = struct{}{}
	t.order = append(t.order, key)
	return nil
}

func (t *Tx) release() {
	for i := len(t.order) - 1; i >= 0; i-- {
		<-t.store.lockChan(t.order[i])
	}
	t.held = nil
	t.order = nil
	t.closed = true
}

// Commit applies staged writes and releases every lock.
func (t *Tx) Commit(ctx context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	s := t.store
	s.mu.Lock()
	for addr, w := range t.sessions {
		s.sessions[addr] = w
	}
	for id, h := range t.holdings {
		s.holdings[id] = h
	}
	s.events = append(s.events, t.events...)
	s.mu.Unlock()

	t.release()
	return nil
}

// Rollback discards staged writes and releases every lock.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.sessions = nil
	t.holdings = nil
	t.events = nil
	t.release()
	return nil
}

func (t *Tx) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("memory: nested transactions are not supported")
}

func (t *Tx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errSQLUnsupported
}

func (t *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }

func (t *Tx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errSQLUnsupported
}

func (t *Tx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), errSQLUnsupported
}

func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errSQLUnsupported
}

func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{}
}

func (t *Tx) Conn() *pgx.Conn { return nil }

type errRow struct{}

func (errRow) Scan(dest ...any) error { return errSQLUnsupported }

func sessionKey(addr domain.Address) string { return "session:" + addr.String() }
func holdingKey(id string) string           { return "holding:" + id }
