package flags

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/domain"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := New(rediscache.New(rdb, "aicarpool:"))
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return svc, mr, cleanup
}

// dropLocal clears the in-process copy so the next read hits Redis.
func dropLocal(svc *Service) {
	svc.mu.Lock()
	svc.local = make(map[string]cachedFlag)
	svc.mu.Unlock()
}

func TestInitDefaults_DoesNotOverwrite(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	if err := svc.InitDefaults(ctx, map[string]bool{domain.FlagAPIKeyCache: true}); err != nil {
		t.Fatalf("InitDefaults: %v", err)
	}
	flag, err := svc.Get(ctx, domain.FlagAPIKeyCache)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !flag.Enabled || flag.Phase != domain.PhaseFull {
		t.Fatalf("expected enabled full flag, got %+v", flag)
	}

	// An operator disables the flag; a restart must not re-enable it.
	if err := svc.DisableFeature(ctx, domain.FlagAPIKeyCache); err != nil {
		t.Fatalf("DisableFeature: %v", err)
	}
	if err := svc.InitDefaults(ctx, map[string]bool{domain.FlagAPIKeyCache: true}); err != nil {
		t.Fatalf("InitDefaults again: %v", err)
	}
	dropLocal(svc)
	flag, err = svc.Get(ctx, domain.FlagAPIKeyCache)
	if err != nil {
		t.Fatalf("Get after re-init: %v", err)
	}
	if flag.Enabled {
		t.Fatalf("restart overwrote the operator's disable: %+v", flag)
	}
}

func TestGet_UnknownFlagReadsDisabled(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()

	flag, err := svc.Get(context.Background(), "SOME_UNKNOWN_FLAG")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if flag.Enabled {
		t.Fatalf("unknown flag must read disabled")
	}
	if svc.IsEnabled(context.Background(), "SOME_UNKNOWN_FLAG", "user-1") {
		t.Fatalf("unknown flag must gate to false")
	}
}

func TestIsEnabled_ListsAndPercentage(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	if err := svc.EnableFeature(ctx, domain.FlagSmartRouter, domain.PhaseCanary); err != nil {
		t.Fatalf("EnableFeature: %v", err)
	}
	if err := svc.SetUserLists(ctx, domain.FlagSmartRouter, []string{"vip"}, []string{"banned"}); err != nil {
		t.Fatalf("SetUserLists: %v", err)
	}

	if !svc.IsEnabled(ctx, domain.FlagSmartRouter, "vip") {
		t.Fatalf("whitelisted user must be in")
	}
	if svc.IsEnabled(ctx, domain.FlagSmartRouter, "banned") {
		t.Fatalf("blacklisted user must be out")
	}

	// At 5 percent roughly one user in twenty is in; whatever the outcome,
	// it must be stable for the same user.
	first := svc.IsEnabled(ctx, domain.FlagSmartRouter, "user-42")
	for i := 0; i < 10; i++ {
		if svc.IsEnabled(ctx, domain.FlagSmartRouter, "user-42") != first {
			t.Fatalf("rollout decision flapped for the same user")
		}
	}

	// Full phase admits everyone.
	if err := svc.EnableFeature(ctx, domain.FlagSmartRouter, domain.PhaseFull); err != nil {
		t.Fatalf("EnableFeature full: %v", err)
	}
	if !svc.IsEnabled(ctx, domain.FlagSmartRouter, "user-42") {
		t.Fatalf("full phase must admit everyone")
	}
}

func TestIsEnabled_CanaryAdmitsRoughlyFivePercent(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	if err := svc.EnableFeature(ctx, domain.FlagPrecomputedPool, domain.PhaseCanary); err != nil {
		t.Fatalf("EnableFeature: %v", err)
	}
	in := 0
	const users = 2000
	for i := 0; i < users; i++ {
		if svc.IsEnabled(ctx, domain.FlagPrecomputedPool, fmt.Sprintf("user-%d", i)) {
			in++
		}
	}
	// fnv over 2000 distinct ids should land near 5 percent; allow slack.
	if in == 0 || in > users/5 {
		t.Fatalf("canary admitted %d of %d users", in, users)
	}
}

func TestPromoteThenRollbackRestoresPhase(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	if err := svc.EnableFeature(ctx, domain.FlagAsyncUsageRecording, domain.PhaseGradual); err != nil {
		t.Fatalf("EnableFeature: %v", err)
	}
	if err := svc.PromoteFeature(ctx, domain.FlagAsyncUsageRecording); err != nil {
		t.Fatalf("PromoteFeature: %v", err)
	}
	flag, _ := svc.Get(ctx, domain.FlagAsyncUsageRecording)
	if flag.Phase != domain.PhaseMajority {
		t.Fatalf("expected majority after promote, got %s", flag.Phase)
	}
	if err := svc.RollbackFeature(ctx, domain.FlagAsyncUsageRecording); err != nil {
		t.Fatalf("RollbackFeature: %v", err)
	}
	flag, _ = svc.Get(ctx, domain.FlagAsyncUsageRecording)
	if flag.Phase != domain.PhaseGradual || flag.RolloutPercentage != 25 {
		t.Fatalf("rollback did not restore gradual: %+v", flag)
	}

	// Rolling back from canary disables entirely.
	if err := svc.EnableFeature(ctx, domain.FlagAsyncUsageRecording, domain.PhaseCanary); err != nil {
		t.Fatalf("EnableFeature canary: %v", err)
	}
	if err := svc.RollbackFeature(ctx, domain.FlagAsyncUsageRecording); err != nil {
		t.Fatalf("RollbackFeature from canary: %v", err)
	}
	flag, _ = svc.Get(ctx, domain.FlagAsyncUsageRecording)
	if flag.Enabled {
		t.Fatalf("rollback from canary must disable, got %+v", flag)
	}
}

func TestEmergencyDisableAndRestore(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	for _, name := range domain.OptimizationFlags() {
		if err := svc.EnableFeature(ctx, name, domain.PhaseFull); err != nil {
			t.Fatalf("EnableFeature %s: %v", name, err)
		}
	}

	if err := svc.EmergencyDisableAllOptimizations(ctx); err != nil {
		t.Fatalf("EmergencyDisableAllOptimizations: %v", err)
	}
	dropLocal(svc)
	for _, name := range domain.OptimizationFlags() {
		if svc.IsEnabled(ctx, name, "any-user") {
			t.Fatalf("optimization %s still enabled after emergency", name)
		}
	}
	for _, name := range domain.FallbackFlags() {
		if !svc.IsEnabled(ctx, name, "any-user") {
			t.Fatalf("fallback %s not enabled after emergency", name)
		}
	}

	if err := svc.RestoreAllOptimizations(ctx); err != nil {
		t.Fatalf("RestoreAllOptimizations: %v", err)
	}
	dropLocal(svc)
	for _, name := range domain.FallbackFlags() {
		if svc.IsEnabled(ctx, name, "any-user") {
			t.Fatalf("fallback %s still enabled after restore", name)
		}
	}
	flag, err := svc.Get(ctx, domain.FlagAPIKeyCache)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !flag.Enabled || flag.Phase != domain.PhaseCanary {
		t.Fatalf("restore must re-enter at canary, got %+v", flag)
	}
}

func TestIsEnabled_RedisDownServesStaleLocal(t *testing.T) {
	svc, mr, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	if err := svc.EnableFeature(ctx, domain.FlagAPIKeyCache, domain.PhaseFull); err != nil {
		t.Fatalf("EnableFeature: %v", err)
	}
	// Warm the local copy, then take Redis away and age the copy past its
	// freshness window.
	if !svc.IsEnabled(ctx, domain.FlagAPIKeyCache, "user-1") {
		t.Fatalf("expected enabled before outage")
	}
	mr.Close()
	svc.now = func() time.Time { return time.Now().Add(2 * localTTL) }
	if !svc.IsEnabled(ctx, domain.FlagAPIKeyCache, "user-1") {
		t.Fatalf("stale local copy must keep serving during an outage")
	}
}

func TestList(t *testing.T) {
	svc, _, cleanup := newTestService(t)
	defer cleanup()
	ctx := context.Background()

	if err := svc.InitDefaults(ctx, map[string]bool{
		domain.FlagAPIKeyCache: true,
		domain.FlagSmartRouter: false,
	}); err != nil {
		t.Fatalf("InitDefaults: %v", err)
	}
	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 flags, got %d", len(list))
	}
}
