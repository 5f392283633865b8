// Package accountpool maintains the pre-computed, scored candidate lists
// the router selects from. One snapshot per provider lives in the cache;
// refreshing replaces it atomically under a monotonically increasing
// version.
package accountpool

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/tasks"
)

// maxStalenessPenalty caps how much an idle account loses; two days of
// silence weighs the same as two weeks.
const maxStalenessPenalty = 50.0

// Service computes and serves account pools. It implements
// domain.AccountPoolReader.
type Service struct {
	cfg      config.Config
	cache    *rediscache.Service
	accounts domain.AccountStore
	health   domain.HealthStore
	tasks    *tasks.Pool

	mu       sync.Mutex
	inflight map[string]bool // providers with an async refresh running

	now func() time.Time
}

func New(cfg config.Config, cache *rediscache.Service, accounts domain.AccountStore, health domain.HealthStore, pool *tasks.Pool) *Service {
	return &Service{
		cfg:      cfg,
		cache:    cache,
		accounts: accounts,
		health:   health,
		tasks:    pool,
		inflight: make(map[string]bool),
		now:      time.Now,
	}
}

// Score rates one account for selection. Lower load and recent use score
// higher; unhealthy accounts always score zero. The result is clamped to
// [0,100].
func Score(load int, lastUsedAt *time.Time, healthy bool, now time.Time) float64 {
	if !healthy {
		return 0
	}
	staleness := maxStalenessPenalty
	if lastUsedAt != nil {
		ageMinutes := now.Sub(*lastUsedAt).Minutes()
		if ageMinutes < 0 {
			ageMinutes = 0
		}
		staleness = math.Min(ageMinutes/60, maxStalenessPenalty)
	}
	score := 100 - 0.5*float64(load) - staleness
	return math.Max(0, math.Min(100, score))
}

// Pool returns the current snapshot for a provider, computing one on a
// cache miss. A snapshot older than half its TTL is still served, but a
// background refresh is kicked off so the next caller sees a fresh one.
func (s *Service) Pool(ctx domain.Context, providerID string) (domain.AccountPool, error) {
	key := s.cache.Keys().AccountPool(providerID)
	var pool domain.AccountPool
	hit, err := s.cache.GetJSON(ctx, key, &pool)
	observability.RecordCacheOp("account_pool", hit)
	if err != nil {
		// Cache trouble must not stall routing; compute from the store.
		observability.LoggerFromContext(ctx).Warn("account pool cache read failed",
			slog.String("provider", providerID), slog.Any("error", err))
		return s.Refresh(ctx, providerID)
	}
	if !hit {
		return s.Refresh(ctx, providerID)
	}
	if s.now().Sub(pool.LastUpdate) > s.cfg.AccountPoolTTL()/2 {
		s.refreshAsync(ctx, providerID)
	}
	return pool, nil
}

// refreshAsync schedules one background refresh per provider at a time.
func (s *Service) refreshAsync(ctx domain.Context, providerID string) {
	s.mu.Lock()
	if s.inflight[providerID] {
		s.mu.Unlock()
		return
	}
	s.inflight[providerID] = true
	s.mu.Unlock()

	started := s.tasks.Go(ctx, "pool_refresh", func(tctx domain.Context) error {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, providerID)
			s.mu.Unlock()
		}()
		_, err := s.Refresh(tctx, providerID)
		return err
	})
	if !started {
		s.mu.Lock()
		delete(s.inflight, providerID)
		s.mu.Unlock()
	}
}

// Refresh recomputes one provider's snapshot from the store and replaces
// the cached pool. The version counter lives on its own non-expiring key
// so it keeps increasing across snapshot expiry and process restarts.
func (s *Service) Refresh(ctx domain.Context, providerID string) (domain.AccountPool, error) {
	accounts, err := s.accounts.ListActiveByProvider(ctx, providerID)
	if err != nil {
		return domain.AccountPool{}, fmt.Errorf("op=accountpool.Refresh provider=%s: %w", providerID, err)
	}
	memberships, err := s.accounts.ListPoolMemberships(ctx, providerID)
	if err != nil {
		return domain.AccountPool{}, fmt.Errorf("op=accountpool.Refresh provider=%s: %w", providerID, err)
	}
	statuses, err := s.health.List(ctx)
	if err != nil {
		return domain.AccountPool{}, fmt.Errorf("op=accountpool.Refresh provider=%s: %w", providerID, err)
	}
	healthByID := make(map[string]domain.AccountHealthStatus, len(statuses))
	for _, st := range statuses {
		healthByID[st.AccountID] = st
	}

	now := s.now()
	pooled := make([]domain.PooledAccount, 0, len(accounts))
	healthy := 0
	for _, a := range accounts {
		isHealthy := true // never probed counts as healthy
		if st, ok := healthByID[a.ID]; ok {
			isHealthy = st.IsHealthy
		}
		if isHealthy {
			healthy++
		}
		pooled = append(pooled, domain.PooledAccount{
			AccountID:   a.ID,
			CurrentLoad: a.CurrentLoad,
			IsHealthy:   isHealthy,
			Score:       Score(a.CurrentLoad, a.LastUsedAt, isHealthy, now),
			PoolIDs:     memberships[a.ID],
		})
	}
	sort.SliceStable(pooled, func(i, j int) bool {
		if pooled[i].Score != pooled[j].Score {
			return pooled[i].Score > pooled[j].Score
		}
		if pooled[i].CurrentLoad != pooled[j].CurrentLoad {
			return pooled[i].CurrentLoad < pooled[j].CurrentLoad
		}
		return pooled[i].AccountID < pooled[j].AccountID
	})

	version, err := s.nextVersion(ctx, providerID)
	if err != nil {
		return domain.AccountPool{}, err
	}
	pool := domain.AccountPool{
		ProviderID: providerID,
		Accounts:   pooled,
		LastUpdate: now,
		Version:    version,
	}
	if err := s.cache.SetJSON(ctx, s.cache.Keys().AccountPool(providerID), pool, s.cfg.AccountPoolTTL()); err != nil {
		// The computed pool is still good; routing carries on store-backed.
		observability.LoggerFromContext(ctx).Warn("account pool cache write failed",
			slog.String("provider", providerID), slog.Any("error", err))
	}
	observability.RecordPool(providerID, version, healthy)
	observability.LoggerFromContext(ctx).Debug("account pool refreshed",
		slog.String("provider", providerID),
		slog.Int64("version", version),
		slog.Int("accounts", len(pooled)),
		slog.Int("healthy", healthy))
	return pool, nil
}

func (s *Service) nextVersion(ctx domain.Context, providerID string) (int64, error) {
	key := s.cache.Keys().AccountPool(providerID) + ":version"
	version, err := s.cache.Client().Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("op=accountpool.nextVersion provider=%s: %w", providerID, err)
	}
	return version, nil
}

// RefreshAll recomputes the snapshot for every provider that has at least
// one enabled account. The scheduler runs this periodically.
func (s *Service) RefreshAll(ctx domain.Context) error {
	accounts, err := s.accounts.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("op=accountpool.RefreshAll: %w", err)
	}
	providers := map[string]bool{}
	for _, a := range accounts {
		providers[a.ProviderID] = true
	}
	var firstErr error
	for providerID := range providers {
		if _, err := s.Refresh(ctx, providerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
