package replication

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/magpie/pkg/schema"
	"github.com/cuemby/magpie/pkg/types"
)

// Apply executes one replicated operation against db. INSERT is an upsert
// keyed on id so replay is idempotent; UPDATE and DELETE affecting zero
// rows is expected drift, not an error.
func Apply(ctx context.Context, db sqlx.ExtContext, op *types.SyncOperation) error {
	if !schema.Known(op.Table) {
		return fmt.Errorf("refusing to sync unknown table %q", op.Table)
	}

	switch op.Kind {
	case types.OpInsert:
		return applyInsert(ctx, db, op)
	case types.OpUpdate:
		return applyUpdate(ctx, db, op)
	case types.OpDelete:
		return applyDelete(ctx, db, op)
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

func applyInsert(ctx context.Context, db sqlx.ExtContext, op *types.SyncOperation) error {
	cols, args, err := schema.DecodeParams(op.Table, op.Payload)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("insert payload for %s is empty", op.Table)
	}

	placeholders := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		op.Table,
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert into %s failed: %w", op.Table, err)
	}

	return bumpSequence(ctx, db, op.Table)
}

func applyUpdate(ctx context.Context, db sqlx.ExtContext, op *types.SyncOperation) error {
	id, ok := op.Payload["id"]
	if !ok {
		return fmt.Errorf("update payload for %s lacks id", op.Table)
	}

	cols, args, err := schema.DecodeParams(op.Table, op.Payload)
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

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", op.Table, strings.Join(sets, ", "), n)
	if _, err := db.ExecContext(ctx, query, setArgs...); err != nil {
		return fmt.Errorf("update of %s failed: %w", op.Table, err)
	}
	return nil
}

func applyDelete(ctx context.Context, db sqlx.ExtContext, op *types.SyncOperation) error {
	id, ok := op.Payload["id"]
	if !ok {
		return fmt.Errorf("delete payload for %s lacks id", op.Table)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", op.Table)
	if _, err := db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete from %s failed: %w", op.Table, err)
	}
	return nil
}

// bumpSequence keeps the serial sequence ahead of replicated ids so local
// inserts on the target never collide
func bumpSequence(ctx context.Context, db sqlx.ExtContext, table string) error {
	query := fmt.Sprintf(
		"SELECT setval('%s', GREATEST((SELECT COALESCE(MAX(id), 1) FROM %s), 1))",
		schema.SequenceName(table), table,
	)
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sequence bump for %s failed: %w", table, err)
	}
	return nil
}
