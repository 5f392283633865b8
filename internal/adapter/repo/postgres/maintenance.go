package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Maintenance runs the periodic statistics refresh the scheduler's
// db-maintenance job asks for. ANALYZE keeps the planner honest on the hot
// tables; the usage table churns hard enough that stale stats show up as
// slow aggregate queries.
type Maintenance struct {
	Pool PgxPool
}

// NewMaintenance constructs a Maintenance helper with the given pool.
func NewMaintenance(p PgxPool) *Maintenance { return &Maintenance{Pool: p} }

var analyzeTables = []string{"usage_records", "client_api_keys", "upstream_accounts", "account_health"}

// Analyze refreshes planner statistics table by table. A failure on one
// table is logged and does not stop the rest.
func (m *Maintenance) Analyze(ctx context.Context) error {
	var firstErr error
	for _, table := range analyzeTables {
		start := time.Now()
		if _, err := m.Pool.Exec(ctx, "ANALYZE "+table); err != nil {
			slog.Error("analyze failed", slog.String("table", table), slog.Any("error", err))
			if firstErr == nil {
				firstErr = fmt.Errorf("op=maintenance.analyze table=%s: %w", table, err)
			}
			continue
		}
		slog.Debug("analyze completed", slog.String("table", table), slog.Duration("took", time.Since(start)))
	}
	return firstErr
}
