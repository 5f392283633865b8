// Package validator admits or refuses client requests. The optimized path
// answers from the layered cache in two round trips; the original path goes
// straight to the store and stays available as the rollback target.
package validator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/tasks"
)

// Service validates client API keys. Construct with New.
type Service struct {
	cfg   config.Config
	cache *rediscache.Service
	keys  domain.APIKeyStore
	usage domain.UsageStore
	flags domain.FlagGate
	tasks *tasks.Pool

	now func() time.Time
}

func New(cfg config.Config, cache *rediscache.Service, keys domain.APIKeyStore,
	usage domain.UsageStore, flags domain.FlagGate, pool *tasks.Pool) *Service {
	return &Service{
		cfg:   cfg,
		cache: cache,
		keys:  keys,
		usage: usage,
		flags: flags,
		tasks: pool,
		now:   time.Now,
	}
}

// Validate resolves a secret key value into a Session or an admission
// error. Checks run in a fixed order: existence, status, expiry, group,
// quotas, rate limits. No partial admission exists; an error means nothing
// was dispatched.
func (s *Service) Validate(ctx domain.Context, keyValue string) (domain.Session, error) {
	start := s.now()
	session, err := s.validate(ctx, keyValue, start)
	session.Perf.ValidationTime = s.now().Sub(start)
	outcome := "ok"
	if err != nil {
		outcome = domain.ErrorCode(err)
	}
	observability.RecordValidation(outcome, session.Perf.CacheHit, session.Perf.ValidationTime)
	return session, err
}

func (s *Service) validate(ctx domain.Context, keyValue string, now time.Time) (domain.Session, error) {
	var session domain.Session
	if keyValue == "" {
		return session, fmt.Errorf("op=validator.Validate: %w", domain.ErrKeyNotFound)
	}

	snap, err := s.resolve(ctx, keyValue, now, &session.Perf)
	if err != nil {
		return session, err
	}

	if err := s.checkBasic(snap, now); err != nil {
		return session, err
	}
	if err := s.checkQuota(ctx, snap, now, &session.Perf); err != nil {
		return session, err
	}
	window, err := s.checkRateLimit(ctx, snap, now, &session.Perf)
	if err != nil {
		return session, err
	}

	// Admitted. Touch last-used off the hot path.
	s.tasks.Go(ctx, "key_touch", func(tctx domain.Context) error {
		return s.keys.TouchLastUsed(tctx, snap.ID, now)
	})

	session.APIKeyID = snap.ID
	session.KeyPrefix = snap.KeyPrefix
	session.GroupID = snap.GroupID
	session.UserID = snap.UserID
	session.UserName = snap.UserName
	session.UserEmail = snap.UserEmail
	session.Metadata = snap.Metadata
	if snap.QuotaLimit != nil {
		remaining := *snap.QuotaLimit - snap.QuotaUsed
		if remaining < 0 {
			remaining = 0
		}
		session.RemainingQuota = &remaining
	}
	if window != nil {
		requests := window.MaxRequests - window.RequestCount
		if window.MaxRequests > 0 {
			session.RequestsRemaining = &requests
		}
		tokens := window.MaxTokens - window.TokenCount
		if window.MaxTokens > 0 {
			session.TokensRemaining = &tokens
		}
		reset := window.ResetTime
		session.ResetTime = &reset
	}
	return session, nil
}

// resolve produces the key snapshot, from the cache when the optimization
// is live, from the store otherwise or on a miss.
func (s *Service) resolve(ctx domain.Context, keyValue string, now time.Time, perf *domain.ValidationPerf) (domain.CachedKey, error) {
	useCache := s.flags.IsEnabled(ctx, domain.FlagAPIKeyCache, "") &&
		!s.flags.IsEnabled(ctx, domain.FlagFallbackKeyValidation, "")
	if useCache {
		var snap domain.CachedKey
		hit, err := s.cache.GetJSON(ctx, s.cache.Keys().APIKey(keyValue), &snap)
		observability.RecordCacheOp("api_key", hit && err == nil)
		if err != nil {
			if !s.cfg.CacheFallbackToDB {
				return domain.CachedKey{}, fmt.Errorf("op=validator.resolve: %w: %w", domain.ErrCacheUnavailable, err)
			}
			observability.LoggerFromContext(ctx).Warn("key cache read failed, falling back to store",
				slog.String("key_prefix", domain.KeyPrefixOf(keyValue)), slog.Any("error", err))
		} else if hit {
			perf.CacheHit = true
			return snap, nil
		}
	}

	key, group, user, err := s.keys.FindByValue(ctx, keyValue)
	perf.DBQueries++
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.CachedKey{}, fmt.Errorf("op=validator.resolve: %w", domain.ErrKeyNotFound)
		}
		return domain.CachedKey{}, fmt.Errorf("op=validator.resolve: %w", err)
	}
	snap := domain.SnapshotKey(key, group, user, now)
	if useCache {
		s.tasks.Go(ctx, "key_cache_fill", func(tctx domain.Context) error {
			return s.cache.SetJSON(tctx, s.cache.Keys().APIKey(keyValue), snap, s.cfg.APIKeyTTL())
		})
	}
	return snap, nil
}

// checkBasic enforces status, expiry and group availability. Deleted keys
// are indistinguishable from missing ones on the wire.
func (s *Service) checkBasic(snap domain.CachedKey, now time.Time) error {
	switch snap.Status {
	case domain.KeyActive:
	case domain.KeyDeleted:
		return fmt.Errorf("op=validator.checkBasic: %w", domain.ErrKeyNotFound)
	default:
		return fmt.Errorf("op=validator.checkBasic: %w", domain.ErrKeyDisabled)
	}
	if snap.Expired(now) {
		return fmt.Errorf("op=validator.checkBasic: %w", domain.ErrKeyExpired)
	}
	if snap.GroupStatus != domain.GroupActive {
		return fmt.Errorf("op=validator.checkBasic: %w", domain.ErrGroupUnavailable)
	}
	return nil
}

// checkQuota enforces the daily cost limit when the key carries one, the
// lifetime token quota otherwise. The daily aggregate is cached briefly;
// the usage queue invalidates it after every flush.
func (s *Service) checkQuota(ctx domain.Context, snap domain.CachedKey, now time.Time, perf *domain.ValidationPerf) error {
	if limit := snap.Metadata.DailyCostLimit; limit != nil && *limit > 0 {
		used, err := s.dailyCost(ctx, snap.ID, now, *limit, perf)
		if err != nil {
			return err
		}
		if used >= *limit {
			return fmt.Errorf("op=validator.checkQuota: %w", &domain.QuotaExceededError{Kind: domain.QuotaDaily, Limit: *limit})
		}
		return nil
	}
	if snap.QuotaLimit != nil && *snap.QuotaLimit > 0 && snap.QuotaUsed >= *snap.QuotaLimit {
		return fmt.Errorf("op=validator.checkQuota: %w", &domain.QuotaExceededError{Kind: domain.QuotaTotal, Limit: float64(*snap.QuotaLimit)})
	}
	return nil
}

func (s *Service) dailyCost(ctx domain.Context, apiKeyID string, now time.Time, limit float64, perf *domain.ValidationPerf) (float64, error) {
	day := now.UTC().Format("2006-01-02")
	key := s.cache.Keys().QuotaInfo(apiKeyID)
	var info domain.QuotaInfo
	hit, err := s.cache.GetJSON(ctx, key, &info)
	observability.RecordCacheOp("quota_info", hit && err == nil && info.Date == day)
	if err == nil && hit && info.Date == day {
		return info.DailyUsed, nil
	}
	if err != nil && !s.cfg.CacheFallbackToDB {
		return 0, fmt.Errorf("op=validator.dailyCost: %w: %w", domain.ErrCacheUnavailable, err)
	}

	used, aerr := s.usage.AggregateDailyCost(ctx, apiKeyID, now)
	perf.DBQueries++
	if aerr != nil {
		return 0, fmt.Errorf("op=validator.dailyCost: %w", aerr)
	}
	info = domain.QuotaInfo{APIKeyID: apiKeyID, Date: day, DailyUsed: used, DailyLimit: limit}
	if cerr := s.cache.SetJSON(ctx, key, info, s.cfg.QuotaInfoTTL()); cerr != nil {
		observability.LoggerFromContext(ctx).Warn("quota projection write failed",
			slog.String("api_key_id", apiKeyID), slog.Any("error", cerr))
	}
	return used, nil
}

// checkRateLimit enforces the sliding window when the key carries one and
// returns the post-admission window for the response headers.
func (s *Service) checkRateLimit(ctx domain.Context, snap domain.CachedKey, now time.Time, perf *domain.ValidationPerf) (*domain.RateWindow, error) {
	spec := snap.Metadata.RateLimit
	if spec == nil || spec.WindowMinutes <= 0 || (spec.MaxRequests <= 0 && spec.MaxTokens <= 0) {
		return nil, nil
	}
	key := s.cache.Keys().RateLimit(snap.ID, spec.WindowMinutes)
	var window domain.RateWindow
	hit, err := s.cache.GetJSON(ctx, key, &window)
	if err != nil {
		if !s.cfg.CacheFallbackToDB {
			return nil, fmt.Errorf("op=validator.checkRateLimit: %w: %w", domain.ErrCacheUnavailable, err)
		}
		hit = false
	}
	observability.RecordCacheOp("rate_limit", hit && now.Before(window.ResetTime))

	if !hit || !now.Before(window.ResetTime) {
		// Rebuild from the store so a cache restart cannot reset limits.
		requests, tokens, aerr := s.usage.AggregateWindow(ctx, snap.ID, now.Add(-spec.Window()))
		perf.DBQueries++
		if aerr != nil {
			return nil, fmt.Errorf("op=validator.checkRateLimit: %w", aerr)
		}
		window = domain.RateWindow{
			APIKeyID:      snap.ID,
			WindowMinutes: spec.WindowMinutes,
			WindowStart:   now,
			RequestCount:  requests,
			TokenCount:    tokens,
			MaxRequests:   spec.MaxRequests,
			MaxTokens:     spec.MaxTokens,
			ResetTime:     now.Add(spec.Window()),
		}
	}

	if spec.MaxRequests > 0 && window.RequestCount >= spec.MaxRequests && now.Before(window.ResetTime) {
		return nil, fmt.Errorf("op=validator.checkRateLimit: %w",
			&domain.RateLimitedError{Kind: domain.RateRequests, ResetTime: window.ResetTime})
	}
	if spec.MaxTokens > 0 && window.TokenCount >= spec.MaxTokens && now.Before(window.ResetTime) {
		return nil, fmt.Errorf("op=validator.checkRateLimit: %w",
			&domain.RateLimitedError{Kind: domain.RateTokens, ResetTime: window.ResetTime})
	}

	window.RequestCount++
	if err := s.cache.SetJSON(ctx, key, window, time.Until(window.ResetTime)); err != nil {
		observability.LoggerFromContext(ctx).Warn("rate window write failed",
			slog.String("api_key_id", snap.ID), slog.Any("error", err))
	}
	return &window, nil
}

// ConsumeTokens folds a response's token usage into the key's open rate
// window. The router calls this fire-and-forget after each dispatch; counts
// are eventually consistent within one window.
func (s *Service) ConsumeTokens(ctx domain.Context, apiKeyID string, spec domain.RateLimitSpec, tokens int64) error {
	if spec.WindowMinutes <= 0 || tokens <= 0 {
		return nil
	}
	key := s.cache.Keys().RateLimit(apiKeyID, spec.WindowMinutes)
	var window domain.RateWindow
	hit, err := s.cache.GetJSON(ctx, key, &window)
	if err != nil {
		return fmt.Errorf("op=validator.ConsumeTokens: %w", err)
	}
	if !hit || !s.now().Before(window.ResetTime) {
		return nil // window closed; the rebuild will pick the tokens up from the store
	}
	window.TokenCount += tokens
	if err := s.cache.SetJSON(ctx, key, window, time.Until(window.ResetTime)); err != nil {
		return fmt.Errorf("op=validator.ConsumeTokens: %w", err)
	}
	return nil
}

// Invalidate drops a key's cached snapshot, forcing the next validation to
// re-read the store. The management plane calls this on key mutation.
func (s *Service) Invalidate(ctx domain.Context, keyValue string) error {
	if err := s.cache.Delete(ctx, s.cache.Keys().APIKey(keyValue)); err != nil {
		return fmt.Errorf("op=validator.Invalidate: %w", err)
	}
	return nil
}
