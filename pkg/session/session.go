package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/schema"
	"github.com/cuemby/magpie/pkg/types"
)

// ErrNoHealthyPrimary is returned when no write target exists
var ErrNoHealthyPrimary = errors.New("no healthy primary node")

// ErrNoTransaction is returned for data calls outside Begin/Commit
var ErrNoTransaction = errors.New("no transaction in progress")

// Recorder appends mutations to the replication log. Satisfied by
// replication.Manager.
type Recorder interface {
	Record(kind types.OpKind, table string, payload map[string]any) *types.SyncOperation
}

// Session is a transactional unit of work whose committed mutations are
// replicated to the cluster
type Session interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	Insert(ctx context.Context, table string, payload map[string]any) error
	Update(ctx context.Context, table string, payload map[string]any) error
	Delete(ctx context.Context, table string, id any) error
	Get(ctx context.Context, dest any, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
	Close() error
}

type pendingOp struct {
	kind    types.OpKind
	table   string
	payload map[string]any
}

// AutoSyncSession wraps one database transaction and records every
// mutation. Replication happens at commit: the transaction lands locally
// first, then each pending operation is appended to the log. A rollback
// discards the pending set untouched.
type AutoSyncSession struct {
	db       *sqlx.DB
	tx       *sqlx.Tx
	recorder Recorder
	pending  []pendingOp
}

// New creates a session over db, replicating through recorder
func New(db *sqlx.DB, recorder Recorder) *AutoSyncSession {
	return &AutoSyncSession{db: db, recorder: recorder}
}

// Begin opens the transaction
func (s *AutoSyncSession) Begin(ctx context.Context) error {
	if s.tx != nil {
		return errors.New("transaction already open")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	s.pending = nil
	return nil
}

// Insert writes a row. A payload without an id receives the generated
// one, so the replicated operation carries it.
func (s *AutoSyncSession) Insert(ctx context.Context, table string, payload map[string]any) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	if !schema.Known(table) {
		return fmt.Errorf("unknown table %q", table)
	}

	needID := payload["id"] == nil
	work := payload
	if needID {
		work = make(map[string]any, len(payload))
		for k, v := range payload {
			if k == "id" {
				continue
			}
			work[k] = v
		}
	}

	cols, args, err := schema.DecodeParams(table, work)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("empty insert payload for %s", table)
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	if needID {
		var id int64
		if err := s.tx.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return fmt.Errorf("insert into %s failed: %w", table, err)
		}
		payload["id"] = id
	} else {
		if _, err := s.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s failed: %w", table, err)
		}
	}

	s.pending = append(s.pending, pendingOp{kind: types.OpInsert, table: table, payload: payload})
	return nil
}

// Update writes non-id payload columns by id
func (s *AutoSyncSession) Update(ctx context.Context, table string, payload map[string]any) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	if !schema.Known(table) {
		return fmt.Errorf("unknown table %q", table)
	}
	id, ok := payload["id"]
	if !ok || id == nil {
		return fmt.Errorf("update payload for %s lacks id", table)
	}

	cols, args, err := schema.DecodeParams(table, payload)
	if err != nil {
		return err
	}
	var sets []string
	var setArgs []any
	n := 1
	for i, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", c, n))
		setArgs = append(setArgs, args[i])
		n++
	}
	if len(sets) == 0 {
		return nil
	}
	setArgs = append(setArgs, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), n)
	if _, err := s.tx.ExecContext(ctx, query, setArgs...); err != nil {
		return fmt.Errorf("update of %s failed: %w", table, err)
	}

	s.pending = append(s.pending, pendingOp{kind: types.OpUpdate, table: table, payload: payload})
	return nil
}

// Delete removes a row by id
func (s *AutoSyncSession) Delete(ctx context.Context, table string, id any) error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	if !schema.Known(table) {
		return fmt.Errorf("unknown table %q", table)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	if _, err := s.tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete from %s failed: %w", table, err)
	}

	s.pending = append(s.pending, pendingOp{
		kind: types.OpDelete, table: table, payload: map[string]any{"id": id},
	})
	return nil
}

// Get reads one row inside the transaction when open, otherwise directly
func (s *AutoSyncSession) Get(ctx context.Context, dest any, query string, args ...any) error {
	if s.tx != nil {
		return s.tx.GetContext(ctx, dest, query, args...)
	}
	return s.db.GetContext(ctx, dest, query, args...)
}

// Select reads many rows inside the transaction when open
func (s *AutoSyncSession) Select(ctx context.Context, dest any, query string, args ...any) error {
	if s.tx != nil {
		return s.tx.SelectContext(ctx, dest, query, args...)
	}
	return s.db.SelectContext(ctx, dest, query, args...)
}

// Commit commits locally, then hands every pending mutation to the
// replication log. A failed commit discards the pending set.
func (s *AutoSyncSession) Commit() error {
	if s.tx == nil {
		return ErrNoTransaction
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		s.pending = nil
		return fmt.Errorf("commit failed: %w", err)
	}

	for _, p := range s.pending {
		s.recorder.Record(p.kind, p.table, p.payload)
	}
	n := len(s.pending)
	s.pending = nil
	if n > 0 {
		lg := log.WithComponent("session")
		lg.Debug().Int("operations", n).Msg("mutations queued for replication")
	}
	return nil
}

// Rollback aborts the transaction and drops the pending mutations
func (s *AutoSyncSession) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	s.pending = nil
	return err
}

// Close rolls back any open transaction
func (s *AutoSyncSession) Close() error {
	return s.Rollback()
}
