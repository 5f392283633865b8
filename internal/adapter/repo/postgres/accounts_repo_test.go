package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicarpool/gateway/internal/adapter/repo/postgres"
	"github.com/aicarpool/gateway/internal/domain"
)

// scanAccountRow fills the sixteen account destinations with fixed values.
func scanAccountRow(id string, load int) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = id
		*(dest[1].(*string)) = "acct " + id
		*(dest[2].(*string)) = domain.ProviderClaude
		*(dest[3].(*string)) = "enc:v1:blob"
		*(dest[7].(*int)) = load
		*(dest[8].(*domain.AccountStatus)) = domain.AccountActive
		*(dest[9].(*bool)) = true
		return nil
	}
}

func TestAccountRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFn: func(_ string, _ []any) pgx.Row {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewAccountRepo(pool)

	_, err := repo.Get(context.Background(), "acct-404")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountRepo_ListActiveByProvider(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryFn: func(_ string, _ []any) (pgx.Rows, error) {
		return &rowsStub{scans: []func(dest ...any) error{
			scanAccountRow("acct-1", 20),
			scanAccountRow("acct-2", 55),
		}}, nil
	}}
	repo := postgres.NewAccountRepo(pool)

	accounts, err := repo.ListActiveByProvider(context.Background(), domain.ProviderClaude)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acct-1", accounts[0].ID)
	assert.Equal(t, 55, accounts[1].CurrentLoad)
	assert.Contains(t, pool.lastSQL, "is_enabled")
	assert.Contains(t, pool.lastSQL, "status='active'")
}

func TestAccountRepo_ListByPool(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryFn: func(_ string, _ []any) (pgx.Rows, error) {
		return &rowsStub{scans: []func(dest ...any) error{scanAccountRow("acct-9", 5)}}, nil
	}}
	repo := postgres.NewAccountRepo(pool)

	accounts, err := repo.ListByPool(context.Background(), "pool-1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Contains(t, pool.lastSQL, "pool_accounts")
	require.Len(t, pool.lastArgs, 1)
	assert.Equal(t, "pool-1", pool.lastArgs[0])
}

func TestAccountRepo_ListPoolMemberships(t *testing.T) {
	t.Parallel()
	pairs := [][2]string{{"acct-1", "pool-a"}, {"acct-1", "pool-b"}, {"acct-2", "pool-a"}}
	i := 0
	pool := &poolStub{queryFn: func(_ string, _ []any) (pgx.Rows, error) {
		scans := make([]func(dest ...any) error, len(pairs))
		for j := range pairs {
			p := pairs[j]
			scans[j] = func(dest ...any) error {
				*(dest[0].(*string)) = p[0]
				*(dest[1].(*string)) = p[1]
				i++
				return nil
			}
		}
		return &rowsStub{scans: scans}, nil
	}}
	repo := postgres.NewAccountRepo(pool)

	members, err := repo.ListPoolMemberships(context.Background(), domain.ProviderClaude)
	require.NoError(t, err)
	assert.Equal(t, []string{"pool-a", "pool-b"}, members["acct-1"])
	assert.Equal(t, []string{"pool-a"}, members["acct-2"])
	assert.Contains(t, pool.lastSQL, "pool_accounts")
}

func TestAccountRepo_AdjustLoad_Clamps(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewAccountRepo(pool)

	require.NoError(t, repo.AdjustLoad(context.Background(), "acct-1", -15))
	assert.Contains(t, pool.lastSQL, "LEAST(100, GREATEST(0,")
	require.Len(t, pool.lastArgs, 2)
	assert.Equal(t, -15, pool.lastArgs[1])
}

func TestAccountRepo_ApplyTotals(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewAccountRepo(pool)

	// Empty totals must not touch the database.
	require.NoError(t, repo.ApplyTotals(context.Background(), nil))
	assert.Equal(t, 0, pool.execCalls)

	now := time.Now()
	err := repo.ApplyTotals(context.Background(), map[string]domain.AccountTotals{
		"acct-1": {Requests: 10, Tokens: 4200, Cost: 0.42, LastUsedAt: now},
		"acct-2": {Requests: 1, Tokens: 100, Cost: 0.01, LastUsedAt: now},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.execCalls)
	require.Len(t, pool.lastArgs, 5)
	assert.Len(t, pool.lastArgs[0].([]string), 2)
	assert.Contains(t, pool.lastSQL, "GREATEST(COALESCE(a.last_used_at")
}
