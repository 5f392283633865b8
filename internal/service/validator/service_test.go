package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/tasks"
)

type keyStoreStub struct {
	key     domain.ClientAPIKey
	group   domain.Group
	user    domain.User
	missing bool
	finds   int
	touched []string
}

func (s *keyStoreStub) FindByValue(_ domain.Context, keyValue string) (domain.ClientAPIKey, domain.Group, domain.User, error) {
	s.finds++
	if s.missing || keyValue != s.key.KeyValue {
		return domain.ClientAPIKey{}, domain.Group{}, domain.User{}, domain.ErrNotFound
	}
	return s.key, s.group, s.user, nil
}

func (s *keyStoreStub) Get(_ domain.Context, id string) (domain.ClientAPIKey, error) {
	if id == s.key.ID {
		return s.key, nil
	}
	return domain.ClientAPIKey{}, domain.ErrNotFound
}

func (s *keyStoreStub) TouchLastUsed(_ domain.Context, id string, _ time.Time) error {
	s.touched = append(s.touched, id)
	return nil
}

func (s *keyStoreStub) AddQuotaUsed(domain.Context, map[string]int64) error { return nil }

type usageStoreStub struct {
	dailyCost      float64
	windowRequests int64
	windowTokens   int64
	aggregates     int
}

func (s *usageStoreStub) InsertBatch(domain.Context, []domain.UsageRecord) (int, error) {
	return 0, nil
}
func (s *usageStoreStub) AggregateDailyCost(domain.Context, string, time.Time) (float64, error) {
	s.aggregates++
	return s.dailyCost, nil
}
func (s *usageStoreStub) AggregateDailyTokens(domain.Context, string, time.Time) (int64, error) {
	return 0, nil
}
func (s *usageStoreStub) AggregateMonthlyCost(domain.Context, string, time.Time) (float64, error) {
	return 0, nil
}
func (s *usageStoreStub) AggregateWindow(domain.Context, string, time.Time) (int64, int64, error) {
	s.aggregates++
	return s.windowRequests, s.windowTokens, nil
}
func (s *usageStoreStub) DeleteOlderThan(domain.Context, time.Time) (int64, error) { return 0, nil }

type gateStub struct{ flags map[string]bool }

func (g gateStub) IsEnabled(_ domain.Context, name, _ string) bool { return g.flags[name] }

func optimizedGate() gateStub {
	return gateStub{flags: map[string]bool{domain.FlagAPIKeyCache: true}}
}

func originalGate() gateStub {
	return gateStub{flags: map[string]bool{}}
}

type fixture struct {
	svc   *Service
	keys  *keyStoreStub
	usage *usageStoreStub
	cache *rediscache.Service
	mr    *miniredis.Miniredis
	now   time.Time
}

func activeKey() (domain.ClientAPIKey, domain.Group, domain.User) {
	quota := int64(10_000)
	key := domain.ClientAPIKey{
		ID:         "key-1",
		KeyValue:   "sk-carpool-valid",
		GroupID:    "grp-1",
		UserID:     "usr-1",
		Status:     domain.KeyActive,
		QuotaLimit: &quota,
		QuotaUsed:  400,
	}
	group := domain.Group{ID: "grp-1", Status: domain.GroupActive}
	user := domain.User{ID: "usr-1", Name: "Dana", Email: "dana@example.com"}
	return key, group, user
}

func newFixture(t *testing.T, gate gateStub) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	key, group, user := activeKey()
	f := &fixture{
		keys:  &keyStoreStub{key: key, group: group, user: user},
		usage: &usageStoreStub{},
		cache: rediscache.New(rdb, "aicarpool:"),
		mr:    mr,
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := config.Config{
		CacheTTLAPIKey:    300,
		CacheTTLQuotaInfo: 60,
		CacheFallbackToDB: true,
	}
	f.svc = New(cfg, f.cache, f.keys, f.usage, gate, tasks.NewPool(time.Second))
	f.svc.now = func() time.Time { return f.now }
	return f
}

func TestValidate_CacheMissFallsBackToStoreAndFills(t *testing.T) {
	f := newFixture(t, optimizedGate())
	ctx := context.Background()

	session, err := f.svc.Validate(ctx, "sk-carpool-valid")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if session.Perf.CacheHit {
		t.Fatal("first validation cannot be a cache hit")
	}
	if session.Perf.DBQueries != 1 {
		t.Fatalf("DBQueries = %d, want 1", session.Perf.DBQueries)
	}
	if session.APIKeyID != "key-1" || session.GroupID != "grp-1" || session.UserID != "usr-1" {
		t.Fatalf("session identity wrong: %+v", session)
	}
	if session.RemainingQuota == nil || *session.RemainingQuota != 9600 {
		t.Fatalf("RemainingQuota = %v, want 9600", session.RemainingQuota)
	}

	f.svc.tasks.Wait() // cache fill and touch are detached
	session, err = f.svc.Validate(ctx, "sk-carpool-valid")
	if err != nil {
		t.Fatalf("second Validate: %v", err)
	}
	if !session.Perf.CacheHit {
		t.Fatal("second validation should hit the cache")
	}
	if session.Perf.DBQueries != 0 {
		t.Fatalf("cache hit still queried the store %d times", session.Perf.DBQueries)
	}
	if f.keys.finds != 1 {
		t.Fatalf("store resolved %d times, want 1", f.keys.finds)
	}
}

func TestValidate_UnknownAndDeletedKeysReadAsNotFound(t *testing.T) {
	f := newFixture(t, optimizedGate())
	ctx := context.Background()

	_, err := f.svc.Validate(ctx, "sk-carpool-unknown")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("unknown key error = %v, want ErrKeyNotFound", err)
	}

	f.keys.key.Status = domain.KeyDeleted
	_, err = f.svc.Validate(ctx, "sk-carpool-valid")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("deleted key error = %v, want ErrKeyNotFound", err)
	}

	_, err = f.svc.Validate(ctx, "")
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("empty key error = %v, want ErrKeyNotFound", err)
	}
}

func TestValidate_StatusExpiryAndGroupChecks(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	f.keys.key.Status = domain.KeyInactive
	if _, err := f.svc.Validate(ctx, "sk-carpool-valid"); !errors.Is(err, domain.ErrKeyDisabled) {
		t.Fatalf("inactive key error = %v, want ErrKeyDisabled", err)
	}

	f.keys.key.Status = domain.KeyActive
	expires := f.now // boundary: expiresAt == now counts as expired
	f.keys.key.ExpiresAt = &expires
	if _, err := f.svc.Validate(ctx, "sk-carpool-valid"); !errors.Is(err, domain.ErrKeyExpired) {
		t.Fatalf("expired key error = %v, want ErrKeyExpired", err)
	}

	future := f.now.Add(time.Hour)
	f.keys.key.ExpiresAt = &future
	f.keys.group.Status = domain.GroupInactive
	if _, err := f.svc.Validate(ctx, "sk-carpool-valid"); !errors.Is(err, domain.ErrGroupUnavailable) {
		t.Fatalf("inactive group error = %v, want ErrGroupUnavailable", err)
	}
}

func TestValidate_TotalQuotaExhaustion(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	f.keys.key.QuotaUsed = 10_000 // equals the limit
	_, err := f.svc.Validate(ctx, "sk-carpool-valid")
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("error = %v, want QuotaExceededError", err)
	}
	if quotaErr.Kind != domain.QuotaTotal || quotaErr.Limit != 10_000 {
		t.Fatalf("quota error = %+v", quotaErr)
	}
}

func TestValidate_DailyCostLimitWinsOverTotalQuota(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	limit := 5.0
	f.keys.key.Metadata.DailyCostLimit = &limit
	f.usage.dailyCost = 5.0

	_, err := f.svc.Validate(ctx, "sk-carpool-valid")
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("error = %v, want QuotaExceededError", err)
	}
	if quotaErr.Kind != domain.QuotaDaily {
		t.Fatalf("kind = %s, want daily", quotaErr.Kind)
	}

	// The aggregate is projected into the cache; the next refusal must not
	// re-aggregate.
	before := f.usage.aggregates
	if _, err := f.svc.Validate(ctx, "sk-carpool-valid"); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("second validate error = %v", err)
	}
	if f.usage.aggregates != before {
		t.Fatal("daily cost projection was not reused")
	}
}

func TestValidate_RateLimitBoundary(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	f.keys.key.Metadata.RateLimit = &domain.RateLimitSpec{WindowMinutes: 1, MaxRequests: 2}

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Validate(ctx, "sk-carpool-valid"); err != nil {
			t.Fatalf("request %d refused: %v", i+1, err)
		}
	}
	_, err := f.svc.Validate(ctx, "sk-carpool-valid")
	var rateErr *domain.RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("error = %v, want RateLimitedError", err)
	}
	if rateErr.Kind != domain.RateRequests {
		t.Fatalf("kind = %s, want requests", rateErr.Kind)
	}
	if !rateErr.ResetTime.After(f.now) {
		t.Fatalf("reset %v not after now %v", rateErr.ResetTime, f.now)
	}
}

func TestValidate_RateWindowRebuildsFromStore(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	f.keys.key.Metadata.RateLimit = &domain.RateLimitSpec{WindowMinutes: 5, MaxRequests: 10}
	f.usage.windowRequests = 10 // cache restart: the store still remembers

	_, err := f.svc.Validate(ctx, "sk-carpool-valid")
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited after rebuild", err)
	}
}

func TestValidate_TokenRateLimit(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	f.keys.key.Metadata.RateLimit = &domain.RateLimitSpec{WindowMinutes: 5, MaxTokens: 1000}
	f.usage.windowTokens = 1000

	_, err := f.svc.Validate(ctx, "sk-carpool-valid")
	var rateErr *domain.RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("error = %v, want RateLimitedError", err)
	}
	if rateErr.Kind != domain.RateTokens {
		t.Fatalf("kind = %s, want tokens", rateErr.Kind)
	}
}

func TestValidate_SessionCarriesRateHeadroom(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	f.keys.key.Metadata.RateLimit = &domain.RateLimitSpec{WindowMinutes: 1, MaxRequests: 10, MaxTokens: 500}
	session, err := f.svc.Validate(ctx, "sk-carpool-valid")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if session.RequestsRemaining == nil || *session.RequestsRemaining != 9 {
		t.Fatalf("RequestsRemaining = %v, want 9", session.RequestsRemaining)
	}
	if session.TokensRemaining == nil || *session.TokensRemaining != 500 {
		t.Fatalf("TokensRemaining = %v, want 500", session.TokensRemaining)
	}
	if session.ResetTime == nil || !session.ResetTime.Equal(f.now.Add(time.Minute)) {
		t.Fatalf("ResetTime = %v", session.ResetTime)
	}
}

func TestValidate_CacheOutage(t *testing.T) {
	f := newFixture(t, optimizedGate())
	ctx := context.Background()
	f.mr.Close() // cache gone

	// Fallback enabled: the store still answers.
	session, err := f.svc.Validate(ctx, "sk-carpool-valid")
	if err != nil {
		t.Fatalf("Validate with fallback: %v", err)
	}
	if session.Perf.CacheHit {
		t.Fatal("dead cache cannot produce a hit")
	}

	// Fallback disabled: admission refuses rather than hammering the store.
	f.svc.cfg.CacheFallbackToDB = false
	_, err = f.svc.Validate(ctx, "sk-carpool-valid")
	if !errors.Is(err, domain.ErrCacheUnavailable) {
		t.Fatalf("error = %v, want ErrCacheUnavailable", err)
	}
}

func TestValidate_OriginalPathSkipsCacheEntirely(t *testing.T) {
	f := newFixture(t, gateStub{flags: map[string]bool{
		domain.FlagAPIKeyCache:           true,
		domain.FlagFallbackKeyValidation: true, // emergency override wins
	}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		session, err := f.svc.Validate(ctx, "sk-carpool-valid")
		if err != nil {
			t.Fatalf("Validate: %v", err)
		}
		if session.Perf.CacheHit {
			t.Fatal("fallback path must not read the cache")
		}
	}
	f.svc.tasks.Wait()
	if f.keys.finds != 2 {
		t.Fatalf("store resolved %d times, want 2 (no cache fill)", f.keys.finds)
	}
	if f.mr.Exists("aicarpool:api_key:sk-carpool-valid") {
		t.Fatal("fallback path wrote a cache snapshot")
	}
}

func TestConsumeTokens_FoldsIntoOpenWindow(t *testing.T) {
	f := newFixture(t, originalGate())
	ctx := context.Background()

	spec := domain.RateLimitSpec{WindowMinutes: 5, MaxRequests: 10, MaxTokens: 10_000}
	f.keys.key.Metadata.RateLimit = &spec
	if _, err := f.svc.Validate(ctx, "sk-carpool-valid"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.svc.ConsumeTokens(ctx, "key-1", spec, 256); err != nil {
		t.Fatalf("ConsumeTokens: %v", err)
	}

	var window domain.RateWindow
	hit, err := f.cache.GetJSON(ctx, f.cache.Keys().RateLimit("key-1", 5), &window)
	if err != nil || !hit {
		t.Fatalf("window missing: hit=%v err=%v", hit, err)
	}
	if window.TokenCount != 256 {
		t.Fatalf("TokenCount = %d, want 256", window.TokenCount)
	}
	if window.RequestCount != 1 {
		t.Fatalf("RequestCount = %d, want 1", window.RequestCount)
	}
}

func TestValidate_TouchesLastUsedDetached(t *testing.T) {
	f := newFixture(t, originalGate())
	if _, err := f.svc.Validate(context.Background(), "sk-carpool-valid"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	f.svc.tasks.Wait()
	if len(f.keys.touched) != 1 || f.keys.touched[0] != "key-1" {
		t.Fatalf("touched = %v, want [key-1]", f.keys.touched)
	}
}
