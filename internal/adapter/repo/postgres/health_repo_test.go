package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aicarpool/gateway/internal/adapter/repo/postgres"
	"github.com/aicarpool/gateway/internal/domain"
)

func TestHealthRepo_Upsert(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewHealthRepo(pool)

	st := domain.AccountHealthStatus{
		AccountID:           "acct-1",
		IsHealthy:           false,
		ResponseTime:        900,
		ConsecutiveFailures: 2,
		LastChecked:         time.Now(),
		LastError:           "dial timeout",
	}
	require.NoError(t, repo.Upsert(context.Background(), st))
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (account_id) DO UPDATE")
	require.Len(t, pool.lastArgs, 6)
	assert.Equal(t, "acct-1", pool.lastArgs[0])
	assert.Equal(t, false, pool.lastArgs[1])
}

func TestHealthRepo_Get_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFn: func(_ string, _ []any) pgx.Row {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewHealthRepo(pool)

	_, err := repo.Get(context.Background(), "acct-404")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHealthRepo_List(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryFn: func(_ string, _ []any) (pgx.Rows, error) {
		return &rowsStub{scans: []func(dest ...any) error{
			func(dest ...any) error {
				*(dest[0].(*string)) = "acct-1"
				*(dest[1].(*bool)) = true
				*(dest[2].(*int64)) = 120
				return nil
			},
		}}, nil
	}}
	repo := postgres.NewHealthRepo(pool)

	list, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsHealthy)
	assert.EqualValues(t, 120, list[0].ResponseTime)
}

func TestBindingRepo_GetByGroup_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFn: func(_ string, _ []any) pgx.Row {
		return rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}
	}}
	repo := postgres.NewBindingRepo(pool)

	_, err := repo.GetByGroup(context.Background(), "grp-unbound")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "op=binding.get_by_group")
}

func TestBindingRepo_GetByGroup(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowFn: func(_ string, _ []any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*string)) = "grp-1"
			*(dest[1].(*domain.BindingMode)) = domain.BindingHybrid
			*(dest[2].(*int64)) = 1_000_000
			*(dest[4].(*domain.Priority)) = domain.PriorityHigh
			*(dest[5].(*domain.BindingConfig)) = domain.BindingConfig{
				PrimaryAccounts: []string{"acct-1"},
				FallbackPools:   []string{"pool-1"},
				HybridRatio:     70,
				AutoFailover:    true,
			}
			return nil
		}}
	}}
	repo := postgres.NewBindingRepo(pool)

	b, err := repo.GetByGroup(context.Background(), "grp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BindingHybrid, b.Mode)
	assert.Equal(t, []string{"acct-1"}, b.Config.PrimaryAccounts)
	assert.True(t, b.Config.AutoFailover)
}

func TestMaintenance_Analyze_ContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	calls := 0
	pool := &poolStub{execFn: func(sql string, _ []any) (pgconn.CommandTag, error) {
		calls++
		if calls == 1 {
			return pgconn.CommandTag{}, assert.AnError
		}
		return pgconn.CommandTag{}, nil
	}}
	repo := postgres.NewMaintenance(pool)

	err := repo.Analyze(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=maintenance.analyze")
	// All four tables are attempted even when the first fails.
	assert.Equal(t, 4, calls)
}
