package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aicarpool/gateway/internal/domain"
)

// BindingRepo loads resource bindings. Groups have at most one binding; a
// miss means the group falls back to the shared default pool.
type BindingRepo struct{ Pool PgxPool }

// NewBindingRepo constructs a BindingRepo with the given pool.
func NewBindingRepo(p PgxPool) *BindingRepo { return &BindingRepo{Pool: p} }

// GetByGroup loads the binding for a group.
func (r *BindingRepo) GetByGroup(ctx domain.Context, groupID string) (domain.ResourceBinding, error) {
	tracer := otel.Tracer("repo.bindings")
	ctx, span := tracer.Start(ctx, "bindings.GetByGroup")
	defer span.End()
	q := `SELECT group_id, mode, daily_token_limit, monthly_budget, priority_level, config, updated_at
	FROM resource_bindings WHERE group_id=$1`
	row := r.Pool.QueryRow(ctx, q, groupID)
	var b domain.ResourceBinding
	err := row.Scan(&b.GroupID, &b.Mode, &b.DailyTokenLimit, &b.MonthlyBudget, &b.PriorityLevel, &b.Config, &b.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ResourceBinding{}, fmt.Errorf("op=binding.get_by_group: %w", domain.ErrNotFound)
		}
		return domain.ResourceBinding{}, fmt.Errorf("op=binding.get_by_group: %w", err)
	}
	return b, nil
}
