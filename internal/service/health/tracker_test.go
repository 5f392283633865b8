package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/tasks"
)

type fakeHealthStore struct {
	mu      sync.Mutex
	rows    map[string]domain.AccountHealthStatus
	upserts int
}

func (f *fakeHealthStore) Upsert(_ domain.Context, st domain.AccountHealthStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = map[string]domain.AccountHealthStatus{}
	}
	f.rows[st.AccountID] = st
	f.upserts++
	return nil
}

func (f *fakeHealthStore) Get(_ domain.Context, accountID string) (domain.AccountHealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.rows[accountID]
	if !ok {
		return domain.AccountHealthStatus{}, domain.ErrNotFound
	}
	return st, nil
}

func (f *fakeHealthStore) List(domain.Context) ([]domain.AccountHealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AccountHealthStatus, 0, len(f.rows))
	for _, st := range f.rows {
		out = append(out, st)
	}
	return out, nil
}

func (f *fakeHealthStore) DeleteOlderThan(domain.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeHealthStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func newTracker(t *testing.T) (*Tracker, *fakeHealthStore, *tasks.Pool) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := &fakeHealthStore{}
	pool := tasks.NewPool(time.Second)
	tr := New(config.Config{HealthFailureMax: 3}, rediscache.New(rdb, "aicarpool:"), store, pool, slog.Default())
	return tr, store, pool
}

func TestObserve_FlipsUnhealthyAtThreshold(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	cause := errors.New("connection refused")

	for i := 1; i <= 2; i++ {
		st, err := tr.Observe(ctx, "acct-1", false, 0, cause)
		if err != nil {
			t.Fatalf("Observe %d: %v", i, err)
		}
		if !st.IsHealthy {
			t.Fatalf("account unhealthy after %d failures, threshold is 3", i)
		}
	}

	st, err := tr.Observe(ctx, "acct-1", false, 0, cause)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if st.IsHealthy || st.ConsecutiveFailures != 3 {
		t.Fatalf("expected unhealthy at threshold, got %+v", st)
	}
	if st.LastError == "" {
		t.Fatal("last error not recorded")
	}

	// One success recovers immediately.
	st, err = tr.Observe(ctx, "acct-1", true, 120*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Observe success: %v", err)
	}
	if !st.IsHealthy || st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Fatalf("expected clean recovery, got %+v", st)
	}
	if st.ResponseTime != 120 {
		t.Fatalf("response time = %dms, want 120", st.ResponseTime)
	}
}

func TestReportSuccess_SkipsWriteWhenClean(t *testing.T) {
	tr, store, pool := newTracker(t)
	ctx := context.Background()

	// First success creates the row and the cache projection.
	tr.ReportSuccess(ctx, "acct-1", 50*time.Millisecond)
	pool.Wait()
	if got := store.upsertCount(); got != 1 {
		t.Fatalf("upserts = %d, want 1", got)
	}

	// Subsequent successes find the clean projection and skip the store.
	tr.ReportSuccess(ctx, "acct-1", 60*time.Millisecond)
	tr.ReportSuccess(ctx, "acct-1", 70*time.Millisecond)
	pool.Wait()
	if got := store.upsertCount(); got != 1 {
		t.Fatalf("upserts = %d, want 1 (clean accounts skip writes)", got)
	}
}

func TestReportFailure_CountsStreakAcrossTasks(t *testing.T) {
	tr, store, pool := newTracker(t)
	ctx := context.Background()
	cause := errors.New("upstream 503")

	tr.ReportFailure(ctx, "acct-1", cause)
	pool.Wait()
	tr.ReportFailure(ctx, "acct-1", cause)
	pool.Wait()
	tr.ReportFailure(ctx, "acct-1", cause)
	pool.Wait()

	st, err := store.Get(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.IsHealthy || st.ConsecutiveFailures != 3 {
		t.Fatalf("expected unhealthy streak of 3, got %+v", st)
	}
}
