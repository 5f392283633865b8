// Package router picks an upstream account for each validated request,
// honoring the group's resource binding, dispatches through the provider
// adapter, and fans out the bookkeeping (usage record, load, quota
// projections) as detached tasks.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aicarpool/gateway/internal/adapter/cache/rediscache"
	"github.com/aicarpool/gateway/internal/adapter/observability"
	"github.com/aicarpool/gateway/internal/adapter/secrets"
	"github.com/aicarpool/gateway/internal/config"
	"github.com/aicarpool/gateway/internal/domain"
	"github.com/aicarpool/gateway/internal/service/tasks"
	"github.com/aicarpool/gateway/internal/service/tokenest"
)

// AdapterResolver maps a provider id to its adapter.
type AdapterResolver interface {
	Get(id string) (domain.ProviderAdapter, error)
}

// TokenConsumer folds actual token usage back into a key's open rate
// window. The validator implements it.
type TokenConsumer interface {
	ConsumeTokens(ctx domain.Context, apiKeyID string, spec domain.RateLimitSpec, tokens int64) error
}

// breakerCooldown is how long a tripped account breaker blocks dispatch
// before it lets a probe request through.
const breakerCooldown = 30 * time.Second

// Deps bundles the router's collaborators.
type Deps struct {
	Catalog   config.ModelCatalog
	Cache     *rediscache.Service
	Bindings  domain.BindingStore
	Accounts  domain.AccountStore
	Usage     domain.UsageStore
	Adapters  AdapterResolver
	Cipher    *secrets.Cipher
	Pool      domain.AccountPoolReader
	Sink      domain.UsageSink
	Health    domain.HealthReporter
	Flags     domain.FlagGate
	Tokens    TokenConsumer
	Estimator *tokenest.Estimator
	Tasks     *tasks.Pool
	Logger    *slog.Logger
}

// Service routes validated requests to upstream accounts. It is stateless
// apart from the load-decay queue; adapters and their HTTP clients are owned
// by the registry.
type Service struct {
	cfg     config.Config
	catalog config.ModelCatalog

	cache    *rediscache.Service
	bindings domain.BindingStore
	accounts domain.AccountStore
	usage    domain.UsageStore
	adapters AdapterResolver
	cipher   *secrets.Cipher
	pool     domain.AccountPoolReader
	sink     domain.UsageSink
	health   domain.HealthReporter
	flags    domain.FlagGate
	tokens   TokenConsumer
	est      *tokenest.Estimator
	tasks    *tasks.Pool
	decay    *loadDecay
	log      *slog.Logger

	// One breaker per upstream account; a tripped account is skipped at
	// dispatch until the cooldown admits a probe.
	breakers    *observability.CircuitBreakerManager
	breakerTrip int

	now  func() time.Time
	draw func() int // hybrid draw in [0,100)
}

func New(cfg config.Config, d Deps) *Service {
	trip := cfg.HealthFailureMax
	if trip <= 0 {
		trip = 3
	}
	return &Service{
		cfg:         cfg,
		catalog:     d.Catalog,
		cache:       d.Cache,
		bindings:    d.Bindings,
		accounts:    d.Accounts,
		usage:       d.Usage,
		adapters:    d.Adapters,
		cipher:      d.Cipher,
		pool:        d.Pool,
		sink:        d.Sink,
		health:      d.Health,
		flags:       d.Flags,
		tokens:      d.Tokens,
		est:         d.Estimator,
		tasks:       d.Tasks,
		decay:       newLoadDecay(d.Accounts, cfg.LoadDecayDelay, d.Logger),
		log:         d.Logger,
		breakers:    observability.NewCircuitBreakerManager(),
		breakerTrip: trip,
		now:         time.Now,
		draw:        func() int { return rand.Intn(100) },
	}
}

// Stop applies every pending load decrement so counters do not leak across a
// graceful shutdown.
func (s *Service) Stop(ctx domain.Context) {
	s.decay.Stop(ctx)
}

// fetched is the result of the concurrent pre-dispatch reads.
type fetched struct {
	binding    domain.ResourceBinding
	pool       domain.AccountPool
	dailyUsed  int64
	poolSource string
}

// Route delivers the request through some eligible upstream account and
// returns the provider response with the gateway performance block filled.
func (s *Service) Route(ctx domain.Context, sess domain.Session, req domain.AIRequest) (domain.AIResponse, error) {
	start := s.now()

	providerID := strings.ToLower(strings.TrimSpace(req.ProviderID))
	if providerID == "" {
		providerID = s.cfg.DefaultProvider
	}
	if providerID == "" {
		providerID = domain.DefaultProvider
	}
	if !sess.Metadata.PermitsProvider(providerID) {
		return domain.AIResponse{}, &domain.PermissionDeniedError{Provider: providerID}
	}
	if req.Model == "" {
		req.Model = s.catalog.DefaultModelFor(providerID)
	}

	adapter, err := s.adapters.Get(providerID)
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=router.Route provider=%s: %w", providerID, domain.ErrNoAccount)
	}

	// The fallback flag wins over the optimization flag: while it is up,
	// every read goes straight to the store.
	original := s.flags.IsEnabled(ctx, domain.FlagFallbackRouter, sess.UserID) ||
		!s.flags.IsEnabled(ctx, domain.FlagSmartRouter, sess.UserID)
	usePool := !original && s.flags.IsEnabled(ctx, domain.FlagPrecomputedPool, sess.UserID)

	f, err := s.fetch(ctx, sess.GroupID, providerID, original, usePool)
	if err != nil {
		return domain.AIResponse{}, err
	}
	if err := s.admit(ctx, sess.GroupID, f); err != nil {
		return domain.AIResponse{}, err
	}

	candidates := s.eligible(f.binding, f.pool, providerID)
	if len(candidates) == 0 {
		return domain.AIResponse{}, fmt.Errorf("op=router.Route provider=%s mode=%s: %w",
			providerID, f.binding.Mode, domain.ErrNoAccount)
	}

	resp, acct, cand, execTime, failovers, err := s.dispatch(ctx, adapter, providerID, candidates, req)
	if err != nil {
		return domain.AIResponse{}, err
	}

	if resp.Usage.TotalTokens == 0 {
		resp.Usage = s.est.EstimateUsage(req, resp.Content)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	cost := s.computeCost(acct, resp.Model, resp.Usage)
	s.settle(ctx, sess, acct, providerID, resp, req, cost, start, execTime)

	resp.AccountUsed = domain.AccountRef{ID: acct.ID, Name: acct.Name, ProviderID: acct.ProviderID}
	total := s.now().Sub(start)
	resp.Performance = domain.RequestPerformance{
		ValidationTime: sess.Perf.ValidationTime,
		ExecutionTime:  execTime,
		TotalTime:      sess.Perf.ValidationTime + total,
		CacheHit:       sess.Perf.CacheHit,
		DBQueries:      sess.Perf.DBQueries,
		AccountScore:   cand.Score,
		Failovers:      failovers,
	}
	return resp, nil
}

// fetch gathers the binding, the daily-usage counter and the candidate pool
// concurrently. The original path bypasses every projection and reads the
// store directly.
func (s *Service) fetch(ctx domain.Context, groupID, providerID string, original, usePool bool) (fetched, error) {
	var f fetched
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b, err := s.binding(gctx, groupID, original)
		if err != nil {
			return err
		}
		f.binding = b
		return nil
	})
	g.Go(func() error {
		used, err := s.dailyTokens(gctx, groupID)
		if err != nil {
			// Admission fails open on projection trouble; the batch
			// writer still enforces the authoritative aggregates.
			s.log.Warn("daily quota read failed",
				slog.String("group_id", groupID), slog.Any("error", err))
			used = 0
		}
		f.dailyUsed = used
		return nil
	})
	g.Go(func() error {
		pool, src, err := s.candidatePool(gctx, providerID, usePool)
		if err != nil {
			return fmt.Errorf("op=router.fetch provider=%s: %w", providerID, err)
		}
		f.pool = pool
		f.poolSource = src
		return nil
	})

	if err := g.Wait(); err != nil {
		return fetched{}, err
	}
	return f, nil
}

// dispatch walks the scored candidates until one adapter call succeeds. A
// candidate that vanished from the store, is disabled, or whose breaker is
// open is skipped without counting as a failover; adapter failures fail over
// only while retryable.
func (s *Service) dispatch(ctx domain.Context, adapter domain.ProviderAdapter, providerID string,
	candidates []domain.PooledAccount, req domain.AIRequest) (domain.AIResponse, *domain.UpstreamAccount, domain.PooledAccount, time.Duration, int, error) {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RouteDeadline)
		defer cancel()
	}

	failovers := 0
	var lastErr error
	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		acct, err := s.accounts.Get(ctx, cand.AccountID)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.log.Warn("candidate account read failed",
					slog.String("account_id", cand.AccountID), slog.Any("error", err))
			}
			continue
		}
		if !acct.IsEnabled || acct.Status != domain.AccountActive {
			continue
		}
		creds, err := s.cipher.OpenCredentials(acct.EncryptedCredentials)
		if err != nil {
			s.log.Error("credential decrypt failed",
				slog.String("account_id", acct.ID), slog.Any("error", err))
			continue
		}

		br := s.breakers.GetOrCreate(acct.ID, s.breakerTrip, breakerCooldown)
		t0 := s.now()
		var resp domain.AIResponse
		err = br.Call(func() error {
			var callErr error
			resp, callErr = adapter.ExecuteRequest(ctx, domain.DispatchAccount{Account: &acct, Credentials: creds}, req)
			return callErr
		})
		execTime := s.now().Sub(t0)
		if errors.Is(err, observability.ErrCircuitOpen) {
			// Nothing reached the upstream, so no health report and no
			// failover count.
			s.log.Debug("account breaker open, skipping",
				slog.String("provider", providerID),
				slog.String("account_id", acct.ID))
			continue
		}
		if err == nil {
			s.health.ReportSuccess(ctx, acct.ID, execTime)
			observability.RecordDispatch(providerID, "ok", execTime)
			return resp, &acct, cand, execTime, failovers, nil
		}

		s.health.ReportFailure(ctx, acct.ID, err)
		observability.RecordDispatch(providerID, "error", execTime)
		s.log.Warn("upstream dispatch failed",
			slog.String("provider", providerID),
			slog.String("account_id", acct.ID),
			slog.Int("failovers", failovers),
			slog.Any("error", err))
		lastErr = err

		var ae *domain.AdapterError
		if !errors.As(err, &ae) || !ae.Retryable() || ctx.Err() != nil {
			return domain.AIResponse{}, nil, cand, 0, failovers, upstreamFailure(providerID, err)
		}
		failovers++
		observability.RecordFailover(providerID)
	}

	if lastErr != nil {
		return domain.AIResponse{}, nil, domain.PooledAccount{}, 0, failovers, upstreamFailure(providerID, lastErr)
	}
	return domain.AIResponse{}, nil, domain.PooledAccount{}, 0, failovers,
		fmt.Errorf("op=router.dispatch provider=%s: %w", providerID, domain.ErrNoAccount)
}

// settle fans out the post-response bookkeeping. Each item is detached and
// must never delay or fail the response.
func (s *Service) settle(ctx domain.Context, sess domain.Session, acct *domain.UpstreamAccount,
	providerID string, resp domain.AIResponse, req domain.AIRequest, cost float64, start time.Time, execTime time.Duration) {

	rec := domain.UsageRecord{
		ID:             uuid.NewString(),
		GroupID:        sess.GroupID,
		UserID:         sess.UserID,
		AccountID:      acct.ID,
		APIKeyID:       sess.APIKeyID,
		ProviderID:     providerID,
		ModelName:      resp.Model,
		RequestTokens:  resp.Usage.RequestTokens,
		ResponseTokens: resp.Usage.ResponseTokens,
		TotalTokens:    resp.Usage.TotalTokens,
		Cost:           cost,
		RequestTime:    start.UTC(),
		ResponseTime:   s.now().UTC(),
	}
	s.tasks.Go(ctx, "usage_enqueue", func(ctx domain.Context) error {
		return s.sink.Add(ctx, rec)
	})

	delta := loadDelta(execTime)
	s.tasks.Go(ctx, "account_load", func(ctx domain.Context) error {
		return s.decay.bump(ctx, acct.ID, delta)
	})

	s.tasks.Go(ctx, "quota_projection", func(ctx domain.Context) error {
		return s.project(ctx, sess.GroupID, rec.TotalTokens, cost)
	})

	if sess.Metadata.RateLimit != nil {
		spec := *sess.Metadata.RateLimit
		s.tasks.Go(ctx, "rate_window", func(ctx domain.Context) error {
			return s.tokens.ConsumeTokens(ctx, sess.APIKeyID, spec, rec.TotalTokens)
		})
	}
}

// loadDelta converts execution time into a load bump: one point per 200ms,
// at least 1, at most 10.
func loadDelta(execTime time.Duration) int {
	d := int(math.Ceil(float64(execTime.Milliseconds()) / 200))
	if d < 1 {
		d = 1
	}
	if d > 10 {
		d = 10
	}
	return d
}

// computeCost prices the usage: the account's flat per-token rate when set,
// otherwise the catalog's per-million input/output pricing.
func (s *Service) computeCost(acct *domain.UpstreamAccount, model string, usage domain.TokenUsage) float64 {
	if acct.CostPerToken > 0 {
		return float64(usage.TotalTokens) * acct.CostPerToken
	}
	for _, m := range s.catalog.ModelsFor(acct.ProviderID) {
		if m.ID == model {
			return float64(usage.RequestTokens)*m.InputPrice/1e6 +
				float64(usage.ResponseTokens)*m.OutputPrice/1e6
		}
	}
	return 0
}

func upstreamFailure(providerID string, err error) error {
	var ae *domain.AdapterError
	if errors.As(err, &ae) {
		return &domain.UpstreamFailure{
			Provider:   providerID,
			Category:   domain.UpstreamCategoryOf(ae),
			StatusCode: ae.StatusCode,
			Cause:      err,
		}
	}
	return &domain.UpstreamFailure{Provider: providerID, Category: domain.UpstreamGeneric, Cause: err}
}
