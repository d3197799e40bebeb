package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/magpie/pkg/events"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
	"github.com/cuemby/magpie/pkg/types"
)

// newestWindow is how many trailing rows participate in the deep
// consistency comparison
const newestWindow = 5

// tableStats is the consistency fingerprint of one table on one node
type tableStats struct {
	Count  int
	MinID  int64
	MaxID  int64
	Newest map[int64]time.Time // id -> updated_at of the newest rows
}

// FullSync runs one reconciliation pass from the primary against every
// secondary. Rows are copied in whichever direction is behind; divergent
// newest rows are refreshed from the primary. Nothing is ever deleted.
func (m *Manager) FullSync(ctx context.Context) error {
	timer := metrics.NewTimer(metrics.FullSyncDuration)
	defer timer.ObserveDuration()

	primary := m.registry.Primary()
	if primary == nil {
		return fmt.Errorf("no primary to reconcile from")
	}
	pdb, err := m.pools.For(primary.Name)
	if err != nil {
		return err
	}

	logger := log.WithComponent("fullsync")
	var firstErr error

	for _, sec := range m.registry.Secondaries() {
		if !sec.Healthy() {
			continue
		}
		sdb, err := m.pools.For(sec.Name)
		if err != nil {
			logger.Error().Str("node", sec.Name).Err(err).Msg("cannot reach secondary")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, table := range m.cfg.SyncTables {
			if err := m.reconcileTable(ctx, pdb, sdb, table, sec.Name); err != nil {
				logger.Error().Str("node", sec.Name).Str("table", table).Err(err).Msg("reconciliation failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	m.mu.Lock()
	m.lastFullSync = time.Now()
	m.mu.Unlock()

	m.broker.Publish(&events.Event{
		Type:    events.EventFullSyncDone,
		Message: "full reconciliation pass completed",
	})
	return firstErr
}

func (m *Manager) reconcileTable(ctx context.Context, pdb, sdb *sqlx.DB, table, secName string) error {
	ps, err := readStats(ctx, pdb, table)
	if err != nil {
		return fmt.Errorf("primary stats: %w", err)
	}
	ss, err := readStats(ctx, sdb, table)
	if err != nil {
		return fmt.Errorf("secondary stats: %w", err)
	}

	logger := log.WithComponent("fullsync")

	// Secondary behind: forward copy
	if ss.MaxID < ps.MaxID {
		n, err := m.copyRowsAbove(ctx, pdb, sdb, table, ss.MaxID)
		if err != nil {
			return fmt.Errorf("forward copy: %w", err)
		}
		logger.Info().Str("table", table).Str("node", secName).Int("rows", n).Msg("copied rows to secondary")
	}

	// Primary behind: reverse copy, rows written on the secondary while it
	// served as primary survive
	if ps.MaxID < ss.MaxID {
		n, err := m.copyRowsAbove(ctx, sdb, pdb, table, ps.MaxID)
		if err != nil {
			return fmt.Errorf("reverse copy: %w", err)
		}
		logger.Info().Str("table", table).Str("node", secName).Int("rows", n).Msg("recovered rows from secondary")
	}

	// Equal counts can still hide divergent content in the newest rows
	if ps.Count == ss.Count {
		var divergent []int64
		for id, pt := range ps.Newest {
			st, ok := ss.Newest[id]
			if !ok || !st.Equal(pt) {
				divergent = append(divergent, id)
			}
		}
		if len(divergent) > 0 {
			if err := m.copyRowsByID(ctx, pdb, sdb, table, divergent); err != nil {
				return fmt.Errorf("content sync: %w", err)
			}
			logger.Info().Str("table", table).Str("node", secName).Ints64("ids", divergent).Msg("refreshed divergent rows")
		}
	}

	if m.cfg.VerifySync {
		vp, err1 := readStats(ctx, pdb, table)
		vs, err2 := readStats(ctx, sdb, table)
		if err1 == nil && err2 == nil && vp.Count != vs.Count {
			logger.Warn().
				Str("table", table).
				Str("node", secName).
				Int("primary_count", vp.Count).
				Int("secondary_count", vs.Count).
				Msg("counts still diverge after reconciliation")
		}
	}
	return nil
}

func readStats(ctx context.Context, db *sqlx.DB, table string) (*tableStats, error) {
	st := &tableStats{Newest: make(map[int64]time.Time)}

	query := fmt.Sprintf("SELECT COUNT(*), COALESCE(MIN(id), 0), COALESCE(MAX(id), 0) FROM %s", table)
	if err := db.QueryRowContext(ctx, query).Scan(&st.Count, &st.MinID, &st.MaxID); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, updated_at FROM %s ORDER BY id DESC LIMIT %d", table, newestWindow))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var updated time.Time
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, err
		}
		st.Newest[id] = updated
	}
	return st, rows.Err()
}

// copyRowsAbove copies rows with id greater than floor from src to dst,
// capped at the configured batch size
func (m *Manager) copyRowsAbove(ctx context.Context, src, dst *sqlx.DB, table string, floor int64) (int, error) {
	rows, err := src.QueryxContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE id > $1 ORDER BY id LIMIT %d", table, m.cfg.BatchSize), floor)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	return m.upsertRows(ctx, dst, table, rows)
}

// copyRowsByID refreshes specific rows on dst from src
func (m *Manager) copyRowsByID(ctx context.Context, src, dst *sqlx.DB, table string, ids []int64) error {
	query, args, err := sqlx.In(fmt.Sprintf("SELECT * FROM %s WHERE id IN (?)", table), ids)
	if err != nil {
		return err
	}
	rows, err := src.QueryxContext(ctx, src.Rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	_, err = m.upsertRows(ctx, dst, table, rows)
	return err
}

func (m *Manager) upsertRows(ctx context.Context, dst *sqlx.DB, table string, rows *sqlx.Rows) (int, error) {
	n := 0
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return n, err
		}
		// Drivers hand jsonb and text back as []byte
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		op := &types.SyncOperation{Kind: types.OpInsert, Table: table, Payload: row}
		if err := Apply(ctx, dst, op); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}
