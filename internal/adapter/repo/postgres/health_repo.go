package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aicarpool/gateway/internal/domain"
)

// HealthRepo persists the health snapshots written by the health-check job.
type HealthRepo struct{ Pool PgxPool }

// NewHealthRepo constructs a HealthRepo with the given pool.
func NewHealthRepo(p PgxPool) *HealthRepo { return &HealthRepo{Pool: p} }

// Upsert records the latest probe outcome for an account.
func (r *HealthRepo) Upsert(ctx domain.Context, st domain.AccountHealthStatus) error {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.Upsert")
	defer span.End()
	q := `INSERT INTO account_health (account_id, is_healthy, response_time_ms, consecutive_failures, last_checked, last_error)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (account_id) DO UPDATE SET
	  is_healthy=EXCLUDED.is_healthy,
	  response_time_ms=EXCLUDED.response_time_ms,
	  consecutive_failures=EXCLUDED.consecutive_failures,
	  last_checked=EXCLUDED.last_checked,
	  last_error=EXCLUDED.last_error`
	_, err := r.Pool.Exec(ctx, q, st.AccountID, st.IsHealthy, st.ResponseTime, st.ConsecutiveFailures, st.LastChecked.UTC(), st.LastError)
	if err != nil {
		return fmt.Errorf("op=health.upsert: %w", err)
	}
	return nil
}

// Get loads the health snapshot for one account.
func (r *HealthRepo) Get(ctx domain.Context, accountID string) (domain.AccountHealthStatus, error) {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.Get")
	defer span.End()
	q := `SELECT account_id, is_healthy, response_time_ms, consecutive_failures, last_checked, COALESCE(last_error,'')
	FROM account_health WHERE account_id=$1`
	row := r.Pool.QueryRow(ctx, q, accountID)
	var st domain.AccountHealthStatus
	if err := row.Scan(&st.AccountID, &st.IsHealthy, &st.ResponseTime, &st.ConsecutiveFailures, &st.LastChecked, &st.LastError); err != nil {
		if err == pgx.ErrNoRows {
			return domain.AccountHealthStatus{}, fmt.Errorf("op=health.get: %w", domain.ErrNotFound)
		}
		return domain.AccountHealthStatus{}, fmt.Errorf("op=health.get: %w", err)
	}
	return st, nil
}

// List returns every health snapshot.
func (r *HealthRepo) List(ctx domain.Context) ([]domain.AccountHealthStatus, error) {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.List")
	defer span.End()
	q := `SELECT account_id, is_healthy, response_time_ms, consecutive_failures, last_checked, COALESCE(last_error,'')
	FROM account_health ORDER BY account_id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=health.list: %w", err)
	}
	defer rows.Close()
	var out []domain.AccountHealthStatus
	for rows.Next() {
		var st domain.AccountHealthStatus
		if err := rows.Scan(&st.AccountID, &st.IsHealthy, &st.ResponseTime, &st.ConsecutiveFailures, &st.LastChecked, &st.LastError); err != nil {
			return nil, fmt.Errorf("op=health.list: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=health.list: %w", err)
	}
	return out, nil
}

// DeleteOlderThan drops snapshots that stopped being refreshed, typically
// because the account was removed.
func (r *HealthRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.health")
	ctx, span := tracer.Start(ctx, "health.DeleteOlderThan")
	defer span.End()
	q := `DELETE FROM account_health WHERE last_checked < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=health.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}
