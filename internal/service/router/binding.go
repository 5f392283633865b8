package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/accountpool"
)

const (
	// Projection TTLs. Keys carry the UTC day/month, so a long TTL only
	// keeps the current period warm; old periods age out on their own.
	dailyQuotaTTL    = 48 * time.Hour
	monthlyBudgetTTL = 45 * 24 * time.Hour
)

// binding resolves the group's resource binding, cache first. A group
// without a binding row routes as unrestricted shared; tenancy data is
// provisioned by the management plane and its absence means "no
// restriction", not "no service".
func (s *Service) binding(ctx domain.Context, groupID string, skipCache bool) (domain.ResourceBinding, error) {
	key := s.cache.Keys().GroupBinding(groupID)
	if !skipCache {
		var b domain.ResourceBinding
		found, err := s.cache.GetJSON(ctx, key, &b)
		if err != nil {
			s.log.Warn("binding cache read failed",
				slog.String("group_id", groupID), slog.Any("error", err))
		}
		observability.RecordCacheOp("group_binding", found)
		if found {
			return b, nil
		}
	}

	b, err := s.bindings.GetByGroup(ctx, groupID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ResourceBinding{GroupID: groupID, Mode: domain.BindingShared}, nil
	}
	if err != nil {
		return domain.ResourceBinding{}, fmt.Errorf("op=router.binding group=%s: %w", groupID, err)
	}

	if !skipCache {
		ttl := s.cfg.BindingTTL()
		s.tasks.Go(ctx, "binding_cache_fill", func(ctx domain.Context) error {
			return s.cache.SetJSON(ctx, key, b, ttl)
		})
	}
	return b, nil
}

// admit enforces the binding's daily token limit and monthly budget. The
// daily counter arrives with the concurrent fetch; the monthly spend is only
// read for groups that actually carry a budget.
func (s *Service) admit(ctx domain.Context, groupID string, f fetched) error {
	if f.binding.DailyTokenLimit > 0 && f.dailyUsed >= f.binding.DailyTokenLimit {
		return &domain.QuotaExceededError{Kind: domain.QuotaGroup, Limit: float64(f.binding.DailyTokenLimit)}
	}
	if f.binding.MonthlyBudget != nil && *f.binding.MonthlyBudget > 0 {
		spend, err := s.monthlySpend(ctx, groupID)
		if err != nil {
			s.log.Warn("monthly budget read failed",
				slog.String("group_id", groupID), slog.Any("error", err))
			return nil
		}
		if spend >= *f.binding.MonthlyBudget {
			return &domain.QuotaExceededError{Kind: domain.QuotaBudget, Limit: *f.binding.MonthlyBudget}
		}
	}
	return nil
}

// dailyTokens returns the group's token usage for the current UTC day. On a
// cache miss the counter is seeded from the store so a cache restart cannot
// reset a group's budget.
func (s *Service) dailyTokens(ctx domain.Context, groupID string) (int64, error) {
	now := s.now()
	key := s.cache.Keys().DailyQuota(groupID, now)
	raw, err := s.cache.Client().Get(ctx, key).Result()
	if err == nil {
		used, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return 0, fmt.Errorf("op=router.dailyTokens parse: %w", perr)
		}
		return used, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("op=router.dailyTokens: %w", err)
	}

	used, err := s.usage.AggregateDailyTokens(ctx, groupID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=router.dailyTokens aggregate: %w", err)
	}
	// SetNX so a concurrent seeder or projector cannot be overwritten.
	if err := s.cache.Client().SetNX(ctx, key, strconv.FormatInt(used, 10), dailyQuotaTTL).Err(); err != nil {
		s.log.Warn("daily quota seed failed", slog.String("group_id", groupID), slog.Any("error", err))
	}
	return used, nil
}

// monthlySpend mirrors dailyTokens for the monthly cost counter.
func (s *Service) monthlySpend(ctx domain.Context, groupID string) (float64, error) {
	now := s.now()
	key := s.cache.Keys().MonthlyBudget(groupID, now)
	raw, err := s.cache.Client().Get(ctx, key).Result()
	if err == nil {
		spend, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			return 0, fmt.Errorf("op=router.monthlySpend parse: %w", perr)
		}
		return spend, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("op=router.monthlySpend: %w", err)
	}

	spend, err := s.usage.AggregateMonthlyCost(ctx, groupID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=router.monthlySpend aggregate: %w", err)
	}
	if err := s.cache.Client().SetNX(ctx, key, strconv.FormatFloat(spend, 'f', -1, 64), monthlyBudgetTTL).Err(); err != nil {
		s.log.Warn("monthly budget seed failed", slog.String("group_id", groupID), slog.Any("error", err))
	}
	return spend, nil
}

// project folds one dispatch into the admission counters. Runs detached
// after every successful dispatch; losses under-count briefly and heal at
// the next cache-miss reseed.
func (s *Service) project(ctx domain.Context, groupID string, tokens int64, cost float64) error {
	// Ensure both counters exist before incrementing, otherwise an INCR on
	// a missing key would start the period at zero and hide usage recorded
	// before a cache restart.
	if _, err := s.dailyTokens(ctx, groupID); err != nil {
		return err
	}
	if _, err := s.monthlySpend(ctx, groupID); err != nil {
		return err
	}

	now := s.now()
	keys := s.cache.Keys()
	pipe := s.cache.Client().TxPipeline()
	day := keys.DailyQuota(groupID, now)
	pipe.IncrBy(ctx, day, tokens)
	pipe.Expire(ctx, day, dailyQuotaTTL)
	if cost > 0 {
		month := keys.MonthlyBudget(groupID, now)
		pipe.IncrByFloat(ctx, month, cost)
		pipe.Expire(ctx, month, monthlyBudgetTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=router.project group=%s: %w", groupID, err)
	}
	return nil
}

// candidatePool returns the scored accounts for the provider. The optimized
// path reads the precomputed pool; otherwise the pool is rebuilt from the
// store for this one request, which is the pre-optimization behavior the
// fallback flags restore.
func (s *Service) candidatePool(ctx domain.Context, providerID string, usePool bool) (domain.AccountPool, string, error) {
	if usePool {
		pool, err := s.pool.Pool(ctx, providerID)
		if err != nil {
			return domain.AccountPool{}, "", err
		}
		return pool, "precomputed", nil
	}

	accounts, err := s.accounts.ListActiveByProvider(ctx, providerID)
	if err != nil {
		return domain.AccountPool{}, "", err
	}
	memberships, err := s.accounts.ListPoolMemberships(ctx, providerID)
	if err != nil {
		return domain.AccountPool{}, "", err
	}
	now := s.now()
	pool := domain.AccountPool{ProviderID: providerID, LastUpdate: now}
	for _, a := range accounts {
		// The store query already excludes disabled and errored rows.
		pool.Accounts = append(pool.Accounts, domain.PooledAccount{
			AccountID:   a.ID,
			CurrentLoad: a.CurrentLoad,
			IsHealthy:   true,
			Score:       accountpool.Score(a.CurrentLoad, a.LastUsedAt, true, now),
			PoolIDs:     memberships[a.ID],
		})
	}
	sort.SliceStable(pool.Accounts, func(i, j int) bool {
		if pool.Accounts[i].Score != pool.Accounts[j].Score {
			return pool.Accounts[i].Score > pool.Accounts[j].Score
		}
		if pool.Accounts[i].CurrentLoad != pool.Accounts[j].CurrentLoad {
			return pool.Accounts[i].CurrentLoad < pool.Accounts[j].CurrentLoad
		}
		return pool.Accounts[i].AccountID < pool.Accounts[j].AccountID
	})
	return pool, "store", nil
}

// eligible narrows the pool to the accounts the binding permits, in score
// order. All modes share the health and load gate.
func (s *Service) eligible(binding domain.ResourceBinding, pool domain.AccountPool, providerID string) []domain.PooledAccount {
	usable := make([]domain.PooledAccount, 0, len(pool.Accounts))
	for _, a := range pool.Accounts {
		if a.IsHealthy && a.CurrentLoad < s.cfg.MaxAccountLoad {
			usable = append(usable, a)
		}
	}

	switch binding.Mode {
	case domain.BindingDedicated:
		ids := map[string]bool{}
		for _, d := range binding.Config.DedicatedAccounts {
			if d.ProviderID == providerID {
				for _, id := range d.AccountIDs {
					ids[id] = true
				}
			}
		}
		cand := intersectByID(usable, ids)
		if len(cand) == 0 && binding.Config.AutoFailover {
			return s.sharedCandidates(binding, usable, providerID)
		}
		return cand

	case domain.BindingHybrid:
		if s.draw() < binding.Config.HybridRatio {
			primary := map[string]bool{}
			for _, id := range binding.Config.PrimaryAccounts {
				primary[id] = true
			}
			cand := intersectByID(usable, primary)
			if len(cand) > 0 {
				return cand
			}
			if !binding.Config.AutoFailover {
				return nil
			}
		}
		return poolMembers(usable, binding.Config.FallbackPools)

	default: // shared, or a group without an explicit binding
		return s.sharedCandidates(binding, usable, providerID)
	}
}

// sharedCandidates resolves the shared pool references. An empty reference
// list means the whole provider pool. Pools whose members average above
// maxUsagePercent are skipped this round so overloaded pools shed traffic.
func (s *Service) sharedCandidates(binding domain.ResourceBinding, usable []domain.PooledAccount, providerID string) []domain.PooledAccount {
	refs := make([]domain.SharedPoolRef, 0, len(binding.Config.SharedPools))
	for _, ref := range binding.Config.SharedPools {
		if ref.ProviderID == "" || ref.ProviderID == providerID {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return usable
	}

	allowed := map[string]bool{}
	for _, ref := range refs {
		members := poolMembers(usable, []string{ref.PoolID})
		if len(members) == 0 {
			continue
		}
		if ref.MaxUsagePercent > 0 && avgLoad(members) > float64(ref.MaxUsagePercent) {
			s.log.Debug("shared pool over usage cap, skipping",
				slog.String("pool_id", ref.PoolID),
				slog.Int("max_usage_percent", ref.MaxUsagePercent))
			continue
		}
		allowed[ref.PoolID] = true
	}
	if len(allowed) == 0 {
		return nil
	}

	out := make([]domain.PooledAccount, 0, len(usable))
	for _, a := range usable {
		for _, poolID := range a.PoolIDs {
			if allowed[poolID] {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// intersectByID keeps the accounts whose id is in the set, preserving score
// order.
func intersectByID(accounts []domain.PooledAccount, ids map[string]bool) []domain.PooledAccount {
	if len(ids) == 0 {
		return nil
	}
	out := make([]domain.PooledAccount, 0, len(ids))
	for _, a := range accounts {
		if ids[a.AccountID] {
			out = append(out, a)
		}
	}
	return out
}

// poolMembers keeps the accounts belonging to any of the given shared
// pools. An empty pool list keeps everything.
func poolMembers(accounts []domain.PooledAccount, poolIDs []string) []domain.PooledAccount {
	if len(poolIDs) == 0 {
		return accounts
	}
	want := map[string]bool{}
	for _, id := range poolIDs {
		want[id] = true
	}
	out := make([]domain.PooledAccount, 0, len(accounts))
	for _, a := range accounts {
		for _, poolID := range a.PoolIDs {
			if want[poolID] {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func avgLoad(accounts []domain.PooledAccount) float64 {
	if len(accounts) == 0 {
		return 0
	}
	var sum int
	for _, a := range accounts {
		sum += a.CurrentLoad
	}
	return float64(sum) / float64(len(accounts))
}
