package domain

import "time"

// Store ports. The core issues narrow queries and batch writes only; the
// management plane owns everything else. Group rows are read through the
// key join, never on their own.

type APIKeyStore interface {
	// FindByValue resolves a secret to the key plus its group and user in
	// one query.
	FindByValue(ctx Context, keyValue string) (ClientAPIKey, Group, User, error)
	Get(ctx Context, id string) (ClientAPIKey, error)
	TouchLastUsed(ctx Context, id string, at time.Time) error
	// AddQuotaUsed applies per-key token deltas in one statement.
	AddQuotaUsed(ctx Context, deltas map[string]int64) error
}

// AccountTotals is the per-account aggregate a usage batch applies.
type AccountTotals struct {
	Requests   int64
	Tokens     int64
	Cost       float64
	LastUsedAt time.Time
}

type AccountStore interface {
	Get(ctx Context, id string) (UpstreamAccount, error)
	ListActiveByProvider(ctx Context, providerID string) ([]UpstreamAccount, error)
	ListByPool(ctx Context, poolID string) ([]UpstreamAccount, error)
	ListEnabled(ctx Context) ([]UpstreamAccount, error)
	// ListPoolMemberships maps account id to the shared pools it belongs
	// to, for one provider.
	ListPoolMemberships(ctx Context, providerID string) (map[string][]string, error)
	AdjustLoad(ctx Context, id string, delta int) error
	ApplyTotals(ctx Context, totals map[string]AccountTotals) error
}

type BindingStore interface {
	GetByGroup(ctx Context, groupID string) (ResourceBinding, error)
}

type UsageStore interface {
	// InsertBatch writes records skipping duplicate ids; it returns the
	// number actually inserted.
	InsertBatch(ctx Context, records []UsageRecord) (int, error)
	// AggregateDailyCost sums one key's cost over a UTC day.
	AggregateDailyCost(ctx Context, apiKeyID string, day time.Time) (float64, error)
	// AggregateDailyTokens sums one group's tokens over a UTC day.
	AggregateDailyTokens(ctx Context, groupID string, day time.Time) (int64, error)
	// AggregateMonthlyCost sums one group's cost over a UTC month.
	AggregateMonthlyCost(ctx Context, groupID string, month time.Time) (float64, error)
	// AggregateWindow sums a key's requests and tokens since the given
	// instant.
	AggregateWindow(ctx Context, apiKeyID string, since time.Time) (requests, tokens int64, err error)
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

type HealthStore interface {
	Upsert(ctx Context, st AccountHealthStatus) error
	Get(ctx Context, accountID string) (AccountHealthStatus, error)
	List(ctx Context) ([]AccountHealthStatus, error)
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

// Thin collaboration interfaces. They break the cycles between router,
// pool manager and usage queue; each side depends on the capability, not
// the concrete service.

type AccountPoolReader interface {
	Pool(ctx Context, providerID string) (AccountPool, error)
}

type UsageSink interface {
	Add(ctx Context, rec UsageRecord) error
}

type HealthReporter interface {
	ReportFailure(ctx Context, accountID string, cause error)
	ReportSuccess(ctx Context, accountID string, responseTime time.Duration)
}

// FlagGate answers rollout decisions on the hot path.
type FlagGate interface {
	IsEnabled(ctx Context, name, userID string) bool
}

// PerfSink ingests timed events. Implementations must not block; the hot
// path calls this inline.
type PerfSink interface {
	RecordEvent(ev PerfEvent)
}
