package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aicarpool/gateway/internal/domain"
)

// APIKeyRepo persists and loads client API keys.
type APIKeyRepo struct{ Pool PgxPool }

// NewAPIKeyRepo constructs an APIKeyRepo with the given pool.
func NewAPIKeyRepo(p PgxPool) *APIKeyRepo { return &APIKeyRepo{Pool: p} }

const apiKeyColumns = `k.id, k.key_value, k.group_id, k.user_id, k.status, k.quota_limit, k.quota_used, k.expires_at, k.metadata, k.last_used_at, k.created_at, k.updated_at`

func scanAPIKey(row scanner, k *domain.ClientAPIKey) error {
	return row.Scan(&k.ID, &k.KeyValue, &k.GroupID, &k.UserID, &k.Status, &k.QuotaLimit,
		&k.QuotaUsed, &k.ExpiresAt, &k.Metadata, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt)
}

// FindByValue resolves a key secret to the key plus its group and user in a
// single joined query. Deleted keys are treated as absent.
func (r *APIKeyRepo) FindByValue(ctx domain.Context, keyValue string) (domain.ClientAPIKey, domain.Group, domain.User, error) {
	tracer := otel.Tracer("repo.apikeys")
	ctx, span := tracer.Start(ctx, "apikeys.FindByValue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "client_api_keys"),
	)
	q := `SELECT ` + apiKeyColumns + `,
	       g.id, g.name, g.status, g.max_members, g.enterprise_id, g.created_at, g.updated_at,
	       u.id, u.name, u.email
	FROM client_api_keys k
	JOIN groups g ON g.id = k.group_id
	JOIN users u ON u.id = k.user_id
	WHERE k.key_value = $1 AND k.status <> 'deleted'
	LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, keyValue)
	var k domain.ClientAPIKey
	var g domain.Group
	var u domain.User
	err := row.Scan(&k.ID, &k.KeyValue, &k.GroupID, &k.UserID, &k.Status, &k.QuotaLimit,
		&k.QuotaUsed, &k.ExpiresAt, &k.Metadata, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt,
		&g.ID, &g.Name, &g.Status, &g.MaxMembers, &g.EnterpriseID, &g.CreatedAt, &g.UpdatedAt,
		&u.ID, &u.Name, &u.Email)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ClientAPIKey{}, domain.Group{}, domain.User{}, fmt.Errorf("op=apikey.find_by_value: %w", domain.ErrKeyNotFound)
		}
		return domain.ClientAPIKey{}, domain.Group{}, domain.User{}, fmt.Errorf("op=apikey.find_by_value: %w", err)
	}
	return k, g, u, nil
}

// Get loads a key by id.
func (r *APIKeyRepo) Get(ctx domain.Context, id string) (domain.ClientAPIKey, error) {
	tracer := otel.Tracer("repo.apikeys")
	ctx, span := tracer.Start(ctx, "apikeys.Get")
	defer span.End()
	q := `SELECT ` + apiKeyColumns + ` FROM client_api_keys k WHERE k.id=$1`
	var k domain.ClientAPIKey
	if err := scanAPIKey(r.Pool.QueryRow(ctx, q, id), &k); err != nil {
		if err == pgx.ErrNoRows {
			return domain.ClientAPIKey{}, fmt.Errorf("op=apikey.get: %w", domain.ErrKeyNotFound)
		}
		return domain.ClientAPIKey{}, fmt.Errorf("op=apikey.get: %w", err)
	}
	return k, nil
}

// TouchLastUsed stamps the key's last use. Lost updates are acceptable; the
// column is advisory.
func (r *APIKeyRepo) TouchLastUsed(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.apikeys")
	ctx, span := tracer.Start(ctx, "apikeys.TouchLastUsed")
	defer span.End()
	q := `UPDATE client_api_keys SET last_used_at=$2 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, at.UTC()); err != nil {
		return fmt.Errorf("op=apikey.touch_last_used: %w", err)
	}
	return nil
}

// AddQuotaUsed applies per-key token deltas in one statement.
func (r *APIKeyRepo) AddQuotaUsed(ctx domain.Context, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.apikeys")
	ctx, span := tracer.Start(ctx, "apikeys.AddQuotaUsed")
	defer span.End()
	ids := make([]string, 0, len(deltas))
	vals := make([]int64, 0, len(deltas))
	for id, d := range deltas {
		ids = append(ids, id)
		vals = append(vals, d)
	}
	q := `UPDATE client_api_keys AS k
	SET quota_used = k.quota_used + d.delta, updated_at = now()
	FROM (SELECT unnest($1::text[]) AS id, unnest($2::bigint[]) AS delta) AS d
	WHERE k.id = d.id`
	if _, err := r.Pool.Exec(ctx, q, ids, vals); err != nil {
		return fmt.Errorf("op=apikey.add_quota_used: %w", err)
	}
	return nil
}
