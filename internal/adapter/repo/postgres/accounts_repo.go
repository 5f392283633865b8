package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aicarpool/gateway/internal/domain"
)

// AccountRepo persists and loads upstream provider accounts. Pool membership
// lives in the pool_accounts join table so one account can back several
// shared pools.
type AccountRepo struct{ Pool PgxPool }

// NewAccountRepo constructs an AccountRepo with the given pool.
func NewAccountRepo(p PgxPool) *AccountRepo { return &AccountRepo{Pool: p} }

const accountColumns = `a.id, a.name, a.provider_id, a.credentials, a.proxy, a.supported_models, a.cost_per_token, a.current_load, a.status, a.is_enabled, a.total_requests, a.total_tokens, a.total_cost, a.last_used_at, a.created_at, a.updated_at`

func scanAccount(row scanner, a *domain.UpstreamAccount) error {
	return row.Scan(&a.ID, &a.Name, &a.ProviderID, &a.EncryptedCredentials, &a.Proxy,
		&a.SupportedModels, &a.CostPerToken, &a.CurrentLoad, &a.Status, &a.IsEnabled,
		&a.TotalRequests, &a.TotalTokens, &a.TotalCost, &a.LastUsedAt, &a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) list(ctx domain.Context, op, q string, args ...any) ([]domain.UpstreamAccount, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.UpstreamAccount
	for rows.Next() {
		var a domain.UpstreamAccount
		if err := scanAccount(rows, &a); err != nil {
			return nil, fmt.Errorf("op=%s: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	return out, nil
}

// Get loads an account by id.
func (r *AccountRepo) Get(ctx domain.Context, id string) (domain.UpstreamAccount, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.Get")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM upstream_accounts a WHERE a.id=$1`
	var a domain.UpstreamAccount
	if err := scanAccount(r.Pool.QueryRow(ctx, q, id), &a); err != nil {
		if err == pgx.ErrNoRows {
			return domain.UpstreamAccount{}, fmt.Errorf("op=account.get: %w", domain.ErrNotFound)
		}
		return domain.UpstreamAccount{}, fmt.Errorf("op=account.get: %w", err)
	}
	return a, nil
}

// ListActiveByProvider returns the enabled, active accounts for one provider.
func (r *AccountRepo) ListActiveByProvider(ctx domain.Context, providerID string) ([]domain.UpstreamAccount, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListActiveByProvider")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM upstream_accounts a
	WHERE a.provider_id=$1 AND a.is_enabled AND a.status='active'
	ORDER BY a.id`
	return r.list(ctx, "account.list_active_by_provider", q, providerID)
}

// ListByPool returns the enabled, active accounts belonging to a shared pool.
func (r *AccountRepo) ListByPool(ctx domain.Context, poolID string) ([]domain.UpstreamAccount, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListByPool")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM upstream_accounts a
	JOIN pool_accounts pa ON pa.account_id = a.id
	WHERE pa.pool_id=$1 AND a.is_enabled AND a.status='active'
	ORDER BY a.id`
	return r.list(ctx, "account.list_by_pool", q, poolID)
}

// ListPoolMemberships maps account id to shared pool ids for one provider.
// The pool manager folds the result into its snapshots so the router never
// touches the join table.
func (r *AccountRepo) ListPoolMemberships(ctx domain.Context, providerID string) (map[string][]string, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListPoolMemberships")
	defer span.End()
	q := `SELECT pa.account_id, pa.pool_id FROM pool_accounts pa
	JOIN upstream_accounts a ON a.id = pa.account_id
	WHERE a.provider_id=$1
	ORDER BY pa.account_id, pa.pool_id`
	rows, err := r.Pool.Query(ctx, q, providerID)
	if err != nil {
		return nil, fmt.Errorf("op=account.list_pool_memberships: %w", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var accountID, poolID string
		if err := rows.Scan(&accountID, &poolID); err != nil {
			return nil, fmt.Errorf("op=account.list_pool_memberships: %w", err)
		}
		out[accountID] = append(out[accountID], poolID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=account.list_pool_memberships: %w", err)
	}
	return out, nil
}

// ListEnabled returns every enabled account regardless of health; the
// health-check job probes them all.
func (r *AccountRepo) ListEnabled(ctx domain.Context) ([]domain.UpstreamAccount, error) {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ListEnabled")
	defer span.End()
	q := `SELECT ` + accountColumns + ` FROM upstream_accounts a WHERE a.is_enabled ORDER BY a.id`
	return r.list(ctx, "account.list_enabled", q)
}

// AdjustLoad shifts an account's load hint by delta, clamped to [0,100].
func (r *AccountRepo) AdjustLoad(ctx domain.Context, id string, delta int) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.AdjustLoad")
	defer span.End()
	q := `UPDATE upstream_accounts
	SET current_load = LEAST(100, GREATEST(0, current_load + $2)), updated_at = now()
	WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, delta); err != nil {
		return fmt.Errorf("op=account.adjust_load: %w", err)
	}
	return nil
}

// UpdateCredentials swaps an account's sealed credential blob, used by the
// health sweep after an OAuth token refresh.
func (r *AccountRepo) UpdateCredentials(ctx domain.Context, id, encryptedCredentials string) error {
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.UpdateCredentials")
	defer span.End()
	q := `UPDATE upstream_accounts SET credentials=$2, updated_at=now() WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, encryptedCredentials)
	if err != nil {
		return fmt.Errorf("op=account.update_credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=account.update_credentials: %w", domain.ErrNotFound)
	}
	return nil
}

// ApplyTotals folds per-account usage aggregates into the account rows in
// one statement. last_used_at only ever moves forward.
func (r *AccountRepo) ApplyTotals(ctx domain.Context, totals map[string]domain.AccountTotals) error {
	if len(totals) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.accounts")
	ctx, span := tracer.Start(ctx, "accounts.ApplyTotals")
	defer span.End()
	ids := make([]string, 0, len(totals))
	reqs := make([]int64, 0, len(totals))
	toks := make([]int64, 0, len(totals))
	costs := make([]float64, 0, len(totals))
	used := make([]time.Time, 0, len(totals))
	for id, t := range totals {
		ids = append(ids, id)
		reqs = append(reqs, t.Requests)
		toks = append(toks, t.Tokens)
		costs = append(costs, t.Cost)
		used = append(used, t.LastUsedAt.UTC())
	}
	q := `UPDATE upstream_accounts AS a
	SET total_requests = a.total_requests + d.reqs,
	    total_tokens   = a.total_tokens + d.toks,
	    total_cost     = a.total_cost + d.cost,
	    last_used_at   = GREATEST(COALESCE(a.last_used_at, 'epoch'::timestamptz), d.used),
	    updated_at     = now()
	FROM (SELECT unnest($1::text[]) AS id, unnest($2::bigint[]) AS reqs, unnest($3::bigint[]) AS toks,
	             unnest($4::double precision[]) AS cost, unnest($5::timestamptz[]) AS used) AS d
	WHERE a.id = d.id`
	if _, err := r.Pool.Exec(ctx, q, ids, reqs, toks, costs, used); err != nil {
		return fmt.Errorf("op=account.apply_totals: %w", err)
	}
	return nil
}
