package postgres

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aicarpool/gateway/internal/domain"
)

// UsageRepo persists usage records and serves the aggregates the caches are
// rebuilt from.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

const usageInsertColumns = 14

// InsertBatch writes records as one multi-row insert. Duplicate ids are
// skipped so replays from the retry path and the dead letter queue stay
// idempotent; the return value counts rows actually inserted.
func (r *UsageRepo) InsertBatch(ctx domain.Context, records []domain.UsageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.InsertBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "usage_records"),
		attribute.Int("db.batch.size", len(records)),
	)
	var sb strings.Builder
	sb.WriteString(`INSERT INTO usage_records (id, group_id, user_id, account_id, api_key_id, provider_id, model_name, request_tokens, response_tokens, total_tokens, cost, request_time, response_time, metadata) VALUES `)
	args := make([]any, 0, len(records)*usageInsertColumns)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(",")
		}
		base := i * usageInsertColumns
		sb.WriteString("(")
		for j := 1; j <= usageInsertColumns; j++ {
			if j > 1 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")
		args = append(args, rec.ID, rec.GroupID, rec.UserID, rec.AccountID, rec.APIKeyID,
			rec.ProviderID, rec.ModelName, rec.RequestTokens, rec.ResponseTokens, rec.TotalTokens,
			rec.Cost, rec.RequestTime.UTC(), rec.ResponseTime.UTC(), rec.Metadata)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	tag, err := r.Pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("op=usage.insert_batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AggregateDailyCost sums one key's cost over the UTC day containing day.
func (r *UsageRepo) AggregateDailyCost(ctx domain.Context, apiKeyID string, day time.Time) (float64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.AggregateDailyCost")
	defer span.End()
	from, to := dayBounds(day)
	q := `SELECT COALESCE(SUM(cost),0) FROM usage_records WHERE api_key_id=$1 AND request_time >= $2 AND request_time < $3`
	var total float64
	if err := r.Pool.QueryRow(ctx, q, apiKeyID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=usage.aggregate_daily_cost: %w", err)
	}
	return total, nil
}

// AggregateDailyTokens sums one group's tokens over the UTC day containing day.
func (r *UsageRepo) AggregateDailyTokens(ctx domain.Context, groupID string, day time.Time) (int64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.AggregateDailyTokens")
	defer span.End()
	from, to := dayBounds(day)
	q := `SELECT COALESCE(SUM(total_tokens),0) FROM usage_records WHERE group_id=$1 AND request_time >= $2 AND request_time < $3`
	var total int64
	if err := r.Pool.QueryRow(ctx, q, groupID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=usage.aggregate_daily_tokens: %w", err)
	}
	return total, nil
}

// AggregateMonthlyCost sums one group's cost over the UTC month containing
// month.
func (r *UsageRepo) AggregateMonthlyCost(ctx domain.Context, groupID string, month time.Time) (float64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.AggregateMonthlyCost")
	defer span.End()
	m := month.UTC()
	from := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	q := `SELECT COALESCE(SUM(cost),0) FROM usage_records WHERE group_id=$1 AND request_time >= $2 AND request_time < $3`
	var total float64
	if err := r.Pool.QueryRow(ctx, q, groupID, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("op=usage.aggregate_monthly_cost: %w", err)
	}
	return total, nil
}

// AggregateWindow sums a key's request count and tokens since the given
// instant. It backs sliding-window rebuilds when the cache is cold.
func (r *UsageRepo) AggregateWindow(ctx domain.Context, apiKeyID string, since time.Time) (int64, int64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.AggregateWindow")
	defer span.End()
	q := `SELECT COUNT(*), COALESCE(SUM(total_tokens),0) FROM usage_records WHERE api_key_id=$1 AND request_time >= $2`
	var requests, tokens int64
	if err := r.Pool.QueryRow(ctx, q, apiKeyID, since.UTC()).Scan(&requests, &tokens); err != nil {
		return 0, 0, fmt.Errorf("op=usage.aggregate_window: %w", err)
	}
	return requests, tokens, nil
}

// DeleteOlderThan removes usage rows older than the cutoff and reports how
// many went away.
func (r *UsageRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.DeleteOlderThan")
	defer span.End()
	q := `DELETE FROM usage_records WHERE request_time < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=usage.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}
