// Package health maintains per-account availability state. It folds in both
// live-traffic outcomes reported by the router and the scheduled adapter
// probes, and keeps the cache projection the ops tooling reads.
package health

import (
	"errors"
	"log/slog"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/tasks"
)

// cacheTTL bounds the account_health projection; probes refresh it well
// inside this window.
const cacheTTL = 10 * time.Minute

// Tracker implements domain.HealthReporter. Live reports run as detached
// tasks so the request path never waits on a health write.
type Tracker struct {
	failureMax int
	cache      *rediscache.Service
	store      domain.HealthStore
	tasks      *tasks.Pool
	log        *slog.Logger

	now func() time.Time
}

func New(cfg config.Config, cache *rediscache.Service, store domain.HealthStore, pool *tasks.Pool, log *slog.Logger) *Tracker {
	return &Tracker{
		failureMax: cfg.HealthFailureMax,
		cache:      cache,
		store:      store,
		tasks:      pool,
		log:        log,
		now:        time.Now,
	}
}

// Observe folds one outcome into the account's health row. Accounts flip
// unhealthy once consecutive failures reach the threshold and recover on the
// first success. Probes call this directly; live traffic goes through the
// Report methods.
func (t *Tracker) Observe(ctx domain.Context, accountID string, healthy bool, responseTime time.Duration, cause error) (domain.AccountHealthStatus, error) {
	st, err := t.store.Get(ctx, accountID)
	if errors.Is(err, domain.ErrNotFound) {
		st = domain.AccountHealthStatus{AccountID: accountID, IsHealthy: true}
	} else if err != nil {
		return domain.AccountHealthStatus{}, err
	}

	st.AccountID = accountID
	st.ResponseTime = responseTime.Milliseconds()
	st.LastChecked = t.now().UTC()
	if healthy {
		st.ConsecutiveFailures = 0
		st.IsHealthy = true
		st.LastError = ""
	} else {
		st.ConsecutiveFailures++
		if cause != nil {
			st.LastError = truncate(cause.Error(), 512)
		}
		if st.ConsecutiveFailures >= t.failureMax {
			st.IsHealthy = false
		}
	}

	if err := t.store.Upsert(ctx, st); err != nil {
		return st, err
	}
	key := t.cache.Keys().AccountHealth(accountID)
	if err := t.cache.SetJSON(ctx, key, st, cacheTTL); err != nil {
		t.log.Warn("health projection write failed",
			slog.String("account_id", accountID), slog.Any("error", err))
	}
	return st, nil
}

// ReportFailure marks one failed dispatch against the account.
func (t *Tracker) ReportFailure(ctx domain.Context, accountID string, cause error) {
	t.tasks.Go(ctx, "health_report", func(ctx domain.Context) error {
		_, err := t.Observe(ctx, accountID, false, 0, cause)
		return err
	})
}

// ReportSuccess clears the account's failure streak. Accounts that are
// already clean skip the write so steady-state traffic costs one cache read.
func (t *Tracker) ReportSuccess(ctx domain.Context, accountID string, responseTime time.Duration) {
	t.tasks.Go(ctx, "health_report", func(ctx domain.Context) error {
		var cached domain.AccountHealthStatus
		found, err := t.cache.GetJSON(ctx, t.cache.Keys().AccountHealth(accountID), &cached)
		if err == nil && found && cached.IsHealthy && cached.ConsecutiveFailures == 0 {
			return nil
		}
		_, err = t.Observe(ctx, accountID, true, responseTime, nil)
		return err
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
