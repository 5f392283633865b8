package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/adapter/secrets"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
)

const (
	// oauthRefreshWindow: rotate OAuth credentials that expire within it.
	oauthRefreshWindow = 30 * time.Minute
	// reportRetention keeps one week of hourly digests.
	reportRetention = 7 * 24
)

// AdapterResolver maps a provider id to its adapter.
type AdapterResolver interface {
	Get(id string) (domain.ProviderAdapter, error)
}

// HealthObserver folds one probe outcome into an account's health state.
type HealthObserver interface {
	Observe(ctx domain.Context, accountID string, healthy bool, responseTime time.Duration, cause error) (domain.AccountHealthStatus, error)
}

// CredentialWriter persists a re-sealed credential blob after a token
// refresh. The accounts repo implements it.
type CredentialWriter interface {
	UpdateCredentials(ctx domain.Context, accountID, encryptedCredentials string) error
}

// PoolRefresher rebuilds the precomputed account pools.
type PoolRefresher interface {
	RefreshAll(ctx domain.Context) error
}

// DLQDrainer replays parked usage batches.
type DLQDrainer interface {
	DrainDLQ(ctx domain.Context) error
}

// MetricsSource exposes the monitor's latest snapshot.
type MetricsSource interface {
	Metrics() (domain.PerformanceMetrics, bool)
}

// Maintainer runs store maintenance statements.
type Maintainer interface {
	Analyze(ctx domain.Context) error
}

// Deps bundles the collaborators of the standard job set.
type Deps struct {
	Cache    *rediscache.Service
	Accounts domain.AccountStore
	Creds    CredentialWriter
	Usage    domain.UsageStore
	Health   domain.HealthStore
	Tracker  HealthObserver
	Adapters AdapterResolver
	Cipher   *secrets.Cipher
	Pools    PoolRefresher
	Queue    DLQDrainer
	Monitor  MetricsSource
	Maint    Maintainer
	Logger   *slog.Logger
}

type jobSet struct {
	cfg config.Config
	d   Deps
	log *slog.Logger
	now func() time.Time
}

// Defaults builds the gateway's standard job set.
func Defaults(cfg config.Config, d Deps) []Job {
	js := &jobSet{cfg: cfg, d: d, log: d.Logger, now: time.Now}
	return js.jobs()
}

func (js *jobSet) jobs() []Job {
	return []Job{
		{Name: "health-check", Interval: 5 * time.Minute, Run: js.healthCheck},
		{Name: "cache-cleanup", Interval: time.Hour, Run: js.cacheCleanup},
		{Name: "account-pool-refresh", Interval: 2 * time.Minute, Run: js.poolRefresh},
		{Name: "dlq-processing", Interval: 30 * time.Minute, Run: js.dlqProcessing},
		{Name: "performance-report", Interval: time.Hour, Run: js.performanceReport},
		{Name: "stats-cleanup", At: &ClockTime{Hour: 2}, Run: js.statsCleanup},
		{Name: "db-maintenance", At: &ClockTime{Hour: 3}, Run: js.dbMaintenance},
	}
}

// healthCheck probes every enabled account through its adapter and feeds the
// outcomes to the health tracker.
func (js *jobSet) healthCheck(ctx domain.Context) error {
	accounts, err := js.d.Accounts.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("op=jobs.healthCheck: %w", err)
	}
	var unhealthy int
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("op=jobs.healthCheck: %w", err)
		}
		if !js.probe(ctx, acct) {
			unhealthy++
		}
	}
	js.log.Info("health sweep finished",
		slog.Int("accounts", len(accounts)),
		slog.Int("unhealthy", unhealthy))
	return nil
}

func (js *jobSet) probe(ctx domain.Context, acct domain.UpstreamAccount) bool {
	adapter, err := js.d.Adapters.Get(acct.ProviderID)
	if err != nil {
		// A retired provider is not the account's fault; skip without
		// poisoning its health record.
		js.log.Warn("no adapter for account",
			slog.String("account", acct.ID),
			slog.String("provider", acct.ProviderID))
		return true
	}
	creds, err := js.d.Cipher.OpenCredentials(acct.EncryptedCredentials)
	if err != nil {
		js.observe(ctx, acct.ID, false, 0, err)
		return false
	}
	creds = js.maybeRefresh(ctx, adapter, acct, creds)

	start := time.Now()
	healthy, probeErr := adapter.TestConnection(ctx, creds, acct.Proxy)
	took := time.Since(start)
	if probeErr != nil {
		healthy = false
	}
	js.observe(ctx, acct.ID, healthy, took, probeErr)
	return healthy
}

func (js *jobSet) observe(ctx domain.Context, accountID string, healthy bool, took time.Duration, cause error) {
	if _, err := js.d.Tracker.Observe(ctx, accountID, healthy, took, cause); err != nil {
		js.log.Warn("health observation not recorded",
			slog.String("account", accountID),
			slog.Any("error", err))
	}
}

// maybeRefresh rotates OAuth credentials nearing expiry and persists the
// re-sealed blob. On any failure the old credentials stay in place; the
// probe decides whether they still work.
func (js *jobSet) maybeRefresh(ctx domain.Context, adapter domain.ProviderAdapter, acct domain.UpstreamAccount, creds domain.Credentials) domain.Credentials {
	refresher, ok := adapter.(domain.TokenRefresher)
	if !ok || creds.RefreshToken == "" || creds.ExpiresAt == nil {
		return creds
	}
	if js.now().Add(oauthRefreshWindow).Before(*creds.ExpiresAt) {
		return creds
	}
	refreshed, err := refresher.RefreshAccessToken(ctx, creds.RefreshToken, acct.Proxy)
	if err != nil {
		js.log.Warn("token refresh failed",
			slog.String("account", acct.ID),
			slog.Any("error", err))
		return creds
	}
	creds.AccessToken = refreshed.AccessToken
	if refreshed.RefreshToken != "" {
		creds.RefreshToken = refreshed.RefreshToken
	}
	exp := refreshed.ExpiresAt
	creds.ExpiresAt = &exp

	blob, err := js.d.Cipher.SealCredentials(creds)
	if err != nil {
		js.log.Error("refreshed credentials not sealable",
			slog.String("account", acct.ID),
			slog.Any("error", err))
		return creds
	}
	if err := js.d.Creds.UpdateCredentials(ctx, acct.ID, blob); err != nil {
		js.log.Warn("refreshed credentials not persisted",
			slog.String("account", acct.ID),
			slog.Any("error", err))
	} else {
		js.log.Info("oauth credentials rotated", slog.String("account", acct.ID))
	}
	return creds
}

// cacheCleanup drops cached key snapshots whose underlying key has expired.
// Live entries age out via TTL; this sweep only removes snapshots that would
// otherwise serve a dead key until their TTL lapses.
func (js *jobSet) cacheCleanup(ctx domain.Context) error {
	now := js.now()
	var scanned, removed int
	err := js.d.Cache.ScanKeys(ctx, js.d.Cache.Keys().APIKeyPattern(), func(key string) error {
		scanned++
		var snap domain.CachedKey
		found, err := js.d.Cache.GetJSON(ctx, key, &snap)
		if err != nil || !found {
			// Vanished or unreadable between SCAN and GET; leave it to
			// its TTL.
			return nil
		}
		if !snap.Expired(now) {
			return nil
		}
		if err := js.d.Cache.Delete(ctx, key); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=jobs.cacheCleanup: %w", err)
	}
	js.log.Info("cache sweep finished",
		slog.Int("scanned", scanned),
		slog.Int("removed", removed))
	return nil
}

func (js *jobSet) poolRefresh(ctx domain.Context) error {
	return js.d.Pools.RefreshAll(ctx)
}

func (js *jobSet) dlqProcessing(ctx domain.Context) error {
	return js.d.Queue.DrainDLQ(ctx)
}

// perfReport is the digest the hourly report job persists.
type perfReport struct {
	At             time.Time     `json:"at"`
	TotalRequests  int64         `json:"totalRequests"`
	P95Response    time.Duration `json:"p95ResponseTime"`
	ErrorRate      float64       `json:"errorRate"`
	CacheHitRate   float64       `json:"cacheHitRate"`
	AvgQueryTime   time.Duration `json:"avgQueryTime"`
	QueueBacklog   int64         `json:"queueBacklog"`
	MemoryFraction float64       `json:"memoryFraction"`
}

func (js *jobSet) performanceReport(ctx domain.Context) error {
	m, ok := js.d.Monitor.Metrics()
	if !ok {
		js.log.Debug("no metrics snapshot yet, skipping report")
		return nil
	}
	rep := perfReport{
		At:             m.Timestamp,
		TotalRequests:  m.API.TotalRequests,
		P95Response:    m.API.P95ResponseTime,
		ErrorRate:      m.API.ErrorRate,
		CacheHitRate:   m.Cache.HitRate,
		AvgQueryTime:   m.DB.AvgQueryTime,
		QueueBacklog:   m.Queue.Backlog,
		MemoryFraction: m.System.MemoryFraction,
	}
	key := js.d.Cache.Keys().PerfReports()
	if err := js.d.Cache.LPushJSON(ctx, key, rep, 0); err != nil {
		return fmt.Errorf("op=jobs.performanceReport: %w", err)
	}
	if err := js.d.Cache.LTrim(ctx, key, reportRetention); err != nil {
		return fmt.Errorf("op=jobs.performanceReport trim: %w", err)
	}
	js.log.Info("performance report written",
		slog.Int64("requests", rep.TotalRequests),
		slog.Duration("p95", rep.P95Response),
		slog.Float64("errorRate", rep.ErrorRate))
	return nil
}

// statsCleanup deletes usage and health rows past the retention horizon.
// Both deletes run even when the first fails.
func (js *jobSet) statsCleanup(ctx domain.Context) error {
	cutoff := js.now().UTC().Add(-js.cfg.StatsRetention)
	usageRows, usageErr := js.d.Usage.DeleteOlderThan(ctx, cutoff)
	healthRows, healthErr := js.d.Health.DeleteOlderThan(ctx, cutoff)
	if usageErr != nil {
		return fmt.Errorf("op=jobs.statsCleanup usage: %w", usageErr)
	}
	if healthErr != nil {
		return fmt.Errorf("op=jobs.statsCleanup health: %w", healthErr)
	}
	js.log.Info("stats cleanup finished",
		slog.Time("cutoff", cutoff),
		slog.Int64("usageRows", usageRows),
		slog.Int64("healthRows", healthRows))
	return nil
}

func (js *jobSet) dbMaintenance(ctx domain.Context) error {
	return js.d.Maint.Analyze(ctx)
}
