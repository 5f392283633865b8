// Package flags manages the rollout switches that gate every optimized hot
// path. Flags live in Redis so all gateway instances agree; each instance
// keeps a short-lived local copy so the per-request gate costs no round trip.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/domain"
)

const localTTL = 60 * time.Second

type cachedFlag struct {
	flag      domain.FeatureFlag
	fetchedAt time.Time
}

// Service is the flag registry. It satisfies domain.FlagGate.
type Service struct {
	cache *rediscache.Service

	mu    sync.RWMutex
	local map[string]cachedFlag

	now func() time.Time
}

// New constructs the flag service on top of the shared cache.
func New(cache *rediscache.Service) *Service {
	return &Service{
		cache: cache,
		local: make(map[string]cachedFlag),
		now:   time.Now,
	}
}

// InitDefaults writes initial flag states for any flag that is absent from
// the registry. Existing states always win so a process restart never undoes
// an operator's rollout or an emergency rollback.
func (s *Service) InitDefaults(ctx context.Context, initial map[string]bool) error {
	for name, enabled := range initial {
		flag := domain.FeatureFlag{
			Name:      name,
			Enabled:   enabled,
			Phase:     domain.PhaseDisabled,
			UpdatedAt: s.now().UTC(),
		}
		if enabled {
			flag.Phase = domain.PhaseFull
			flag.RolloutPercentage = 100
		}
		payload, err := json.Marshal(flag)
		if err != nil {
			return fmt.Errorf("op=flags.InitDefaults name=%s: %w", name, err)
		}
		ok, err := s.cache.Client().SetNX(ctx, s.cache.Keys().FeatureFlag(name), payload, 0).Result()
		if err != nil {
			return fmt.Errorf("op=flags.InitDefaults name=%s: %w", name, err)
		}
		if ok {
			slog.Info("feature flag initialized", slog.String("flag", name), slog.Bool("enabled", enabled))
		}
	}
	return nil
}

// Get returns one flag, serving from the local copy when fresh. Unknown
// flags read as disabled.
func (s *Service) Get(ctx context.Context, name string) (domain.FeatureFlag, error) {
	s.mu.RLock()
	entry, ok := s.local[name]
	s.mu.RUnlock()
	if ok && s.now().Sub(entry.fetchedAt) < localTTL {
		return entry.flag, nil
	}

	var flag domain.FeatureFlag
	found, err := s.cache.GetJSON(ctx, s.cache.Keys().FeatureFlag(name), &flag)
	if err != nil {
		// Serve the stale local copy over failing; a flapping Redis must not
		// flip every gate at once.
		if ok {
			return entry.flag, nil
		}
		return domain.FeatureFlag{}, fmt.Errorf("op=flags.Get name=%s: %w", name, err)
	}
	if !found {
		flag = domain.FeatureFlag{Name: name, Enabled: false, Phase: domain.PhaseDisabled}
	}

	s.mu.Lock()
	s.local[name] = cachedFlag{flag: flag, fetchedAt: s.now()}
	s.mu.Unlock()
	return flag, nil
}

// List returns every flag present in the registry.
func (s *Service) List(ctx context.Context) ([]domain.FeatureFlag, error) {
	var out []domain.FeatureFlag
	err := s.cache.ScanKeys(ctx, s.cache.Keys().FeatureFlagPattern(), func(key string) error {
		var flag domain.FeatureFlag
		found, err := s.cache.GetJSON(ctx, key, &flag)
		if err != nil {
			return err
		}
		if found {
			out = append(out, flag)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=flags.List: %w", err)
	}
	return out, nil
}

// IsEnabled answers the rollout gate for one flag and user. Decisions are
// stable: the same user stays in or out of a percentage until the rollout
// changes.
func (s *Service) IsEnabled(ctx context.Context, name, userID string) bool {
	flag, err := s.Get(ctx, name)
	if err != nil {
		return false
	}
	if !flag.Enabled {
		return false
	}
	for _, u := range flag.UserBlacklist {
		if u == userID {
			return false
		}
	}
	for _, u := range flag.UserWhitelist {
		if u == userID {
			return true
		}
	}
	if flag.RolloutPercentage >= 100 {
		return true
	}
	if flag.RolloutPercentage <= 0 {
		return false
	}
	return bucketOf(name, userID) < flag.RolloutPercentage
}

// bucketOf maps a flag/user pair onto [0,100).
func bucketOf(name, userID string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(userID))
	return float64(h.Sum32()) / float64(math.MaxUint32) * 100
}

func (s *Service) save(ctx context.Context, op string, flag domain.FeatureFlag) error {
	flag.UpdatedAt = s.now().UTC()
	if err := s.cache.SetJSON(ctx, s.cache.Keys().FeatureFlag(flag.Name), flag, 0); err != nil {
		return fmt.Errorf("op=flags.%s name=%s: %w", op, flag.Name, err)
	}
	s.mu.Lock()
	s.local[flag.Name] = cachedFlag{flag: flag, fetchedAt: s.now()}
	s.mu.Unlock()
	return nil
}

// EnableFeature turns a flag on at the given phase, preserving its user
// lists.
func (s *Service) EnableFeature(ctx context.Context, name string, phase domain.FlagPhase) error {
	flag, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	flag.Name = name
	flag.Enabled = true
	flag.Phase = phase
	flag.RolloutPercentage = phase.RolloutPercent()
	if err := s.save(ctx, "EnableFeature", flag); err != nil {
		return err
	}
	slog.Info("feature flag enabled", slog.String("flag", name), slog.String("phase", string(phase)))
	return nil
}

// DisableFeature turns a flag off.
func (s *Service) DisableFeature(ctx context.Context, name string) error {
	flag, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	flag.Name = name
	flag.Enabled = false
	flag.Phase = domain.PhaseDisabled
	flag.RolloutPercentage = 0
	if err := s.save(ctx, "DisableFeature", flag); err != nil {
		return err
	}
	slog.Info("feature flag disabled", slog.String("flag", name))
	return nil
}

// PromoteFeature advances a flag one phase up the ladder.
func (s *Service) PromoteFeature(ctx context.Context, name string) error {
	flag, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	next := flag.Phase.NextPhase()
	return s.EnableFeature(ctx, name, next)
}

// RollbackFeature retreats a flag one phase down the ladder; the ladder is
// symmetric, so a rollback right after a promotion restores the previous
// rollout.
func (s *Service) RollbackFeature(ctx context.Context, name string) error {
	flag, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	prev := flag.Phase.PrevPhase()
	if prev == domain.PhaseDisabled {
		return s.DisableFeature(ctx, name)
	}
	if err := s.EnableFeature(ctx, name, prev); err != nil {
		return err
	}
	slog.Warn("feature flag rolled back", slog.String("flag", name), slog.String("phase", string(prev)))
	return nil
}

// SetRollout overrides the percentage without moving the phase. Operators
// use it to inch between ladder steps.
func (s *Service) SetRollout(ctx context.Context, name string, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("op=flags.SetRollout name=%s: %w", name, domain.ErrInvalidArgument)
	}
	flag, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	flag.Name = name
	flag.Enabled = percent > 0
	flag.RolloutPercentage = percent
	return s.save(ctx, "SetRollout", flag)
}

// SetUserLists replaces a flag's whitelist and blacklist.
func (s *Service) SetUserLists(ctx context.Context, name string, whitelist, blacklist []string) error {
	flag, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	flag.Name = name
	flag.UserWhitelist = whitelist
	flag.UserBlacklist = blacklist
	return s.save(ctx, "SetUserLists", flag)
}

// EmergencyDisableAllOptimizations is the panic button: every optimization
// flag goes dark and both fallback overrides come on at full, in one atomic
// pipeline, so no request observes a half-switched state.
func (s *Service) EmergencyDisableAllOptimizations(ctx context.Context) error {
	states := make(map[string]domain.FeatureFlag)
	for _, name := range domain.OptimizationFlags() {
		states[name] = domain.FeatureFlag{Name: name, Enabled: false, Phase: domain.PhaseDisabled}
	}
	for _, name := range domain.FallbackFlags() {
		states[name] = domain.FeatureFlag{Name: name, Enabled: true, Phase: domain.PhaseFull, RolloutPercentage: 100}
	}
	if err := s.writeAtomically(ctx, "EmergencyDisableAllOptimizations", states); err != nil {
		return err
	}
	slog.Error("emergency rollback engaged: all optimizations disabled")
	return nil
}

// RestoreAllOptimizations lifts the emergency state. Optimizations re-enter
// at canary so the recovery is observed before the rollout widens again.
func (s *Service) RestoreAllOptimizations(ctx context.Context) error {
	states := make(map[string]domain.FeatureFlag)
	for _, name := range domain.OptimizationFlags() {
		states[name] = domain.FeatureFlag{
			Name:              name,
			Enabled:           true,
			Phase:             domain.PhaseCanary,
			RolloutPercentage: domain.PhaseCanary.RolloutPercent(),
		}
	}
	for _, name := range domain.FallbackFlags() {
		states[name] = domain.FeatureFlag{Name: name, Enabled: false, Phase: domain.PhaseDisabled}
	}
	if err := s.writeAtomically(ctx, "RestoreAllOptimizations", states); err != nil {
		return err
	}
	slog.Info("optimizations restored at canary")
	return nil
}

func (s *Service) writeAtomically(ctx context.Context, op string, states map[string]domain.FeatureFlag) error {
	now := s.now().UTC()
	payloads := make(map[string][]byte, len(states))
	for name, flag := range states {
		flag.UpdatedAt = now
		raw, err := json.Marshal(flag)
		if err != nil {
			return fmt.Errorf("op=flags.%s name=%s: %w", op, name, err)
		}
		payloads[s.cache.Keys().FeatureFlag(name)] = raw
	}
	_, err := s.cache.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, raw := range payloads {
			pipe.Set(ctx, key, raw, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=flags.%s: %w", op, err)
	}
	s.mu.Lock()
	for name, flag := range states {
		flag.UpdatedAt = now
		s.local[name] = cachedFlag{flag: flag, fetchedAt: now}
	}
	s.mu.Unlock()
	return nil
}
