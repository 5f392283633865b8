package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error taxonomy (sentinels). Admission errors surface to clients with the
// wire codes below; background errors are logged and counted only.
var (
	ErrKeyNotFound      = errors.New("api key not found")
	ErrKeyDisabled      = errors.New("api key disabled")
	ErrKeyExpired       = errors.New("api key expired")
	ErrGroupUnavailable = errors.New("group unavailable")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrRateLimited      = errors.New("rate limited")
	ErrPermissionDenied = errors.New("service permission denied")
	ErrNoAccount        = errors.New("no eligible upstream account")
	ErrUpstream         = errors.New("upstream error")
	ErrCacheUnavailable = errors.New("cache unavailable")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInternal         = errors.New("internal error")

	// ErrNotFound is the generic storage miss. It never reaches the wire;
	// callers translate it into the admission error that fits.
	ErrNotFound = errors.New("not found")
)

// Stable machine codes used on the wire and by monitors.
const (
	CodeKeyNotFound      = "KEY_NOT_FOUND"
	CodeKeyDisabled      = "KEY_DISABLED"
	CodeKeyExpired       = "KEY_EXPIRED"
	CodeGroupUnavailable = "GROUP_UNAVAILABLE"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeRateLimited      = "RATE_LIMITED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeNoAccount        = "NO_ACCOUNT"
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeCacheUnavailable = "CACHE_UNAVAILABLE"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeInternal         = "INTERNAL"
)

type QuotaKind string

const (
	QuotaDaily  QuotaKind = "daily"  // metadata.dailyCostLimit
	QuotaTotal  QuotaKind = "total"  // key quotaLimit in tokens
	QuotaGroup  QuotaKind = "group"  // binding dailyTokenLimit
	QuotaBudget QuotaKind = "budget" // binding monthlyBudget
)

// QuotaExceededError marks admission refused on a spent budget.
type QuotaExceededError struct {
	Kind  QuotaKind
	Limit float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: kind=%s limit=%g", e.Kind, e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

type RateKind string

const (
	RateRequests RateKind = "requests"
	RateTokens   RateKind = "tokens"
)

// RateLimitedError carries the window boundary so clients can back off.
type RateLimitedError struct {
	Kind      RateKind
	ResetTime time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: kind=%s reset=%s", e.Kind, e.ResetTime.Format(time.RFC3339))
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// PermissionDeniedError names the provider the key may not reach.
type PermissionDeniedError struct {
	Provider string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("service permission denied: provider=%s", e.Provider)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// Upstream error categories, derived from adapter errors before a response
// leaves the router. Raw provider payloads never surface.
const (
	UpstreamAuth        = "auth"
	UpstreamQuota       = "quota"
	UpstreamUnavailable = "unavailable"
	UpstreamNetwork     = "network"
	UpstreamGeneric     = "generic"
)

type UpstreamFailure struct {
	Provider   string
	Category   string
	StatusCode int
	Cause      error
}

func (e *UpstreamFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("upstream error: provider=%s category=%s: %v", e.Provider, e.Category, e.Cause)
	}
	return fmt.Sprintf("upstream error: provider=%s category=%s", e.Provider, e.Category)
}

func (e *UpstreamFailure) Unwrap() error { return e.Cause }

func (e *UpstreamFailure) Is(target error) bool { return target == ErrUpstream }

// ErrorCode maps any error to its stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrKeyNotFound):
		return CodeKeyNotFound
	case errors.Is(err, ErrKeyDisabled):
		return CodeKeyDisabled
	case errors.Is(err, ErrKeyExpired):
		return CodeKeyExpired
	case errors.Is(err, ErrGroupUnavailable):
		return CodeGroupUnavailable
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrNoAccount):
		return CodeNoAccount
	case errors.Is(err, ErrUpstream):
		return CodeUpstreamError
	case errors.Is(err, ErrCacheUnavailable):
		return CodeCacheUnavailable
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// HTTPStatusFor maps a wire code to the status the gateway responds with.
func HTTPStatusFor(code string) int {
	switch code {
	case CodeKeyNotFound, CodeKeyDisabled:
		return http.StatusUnauthorized
	case CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case CodeKeyExpired, CodeGroupUnavailable, CodePermissionDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamError:
		return http.StatusBadGateway
	case CodeNoAccount, CodeCacheUnavailable:
		return http.StatusServiceUnavailable
	case CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
