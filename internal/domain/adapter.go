package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one turn of a chat request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AIRequest is the logical request the router dispatches. ProviderID and
// Model are optional; the router fills in defaults.
type AIRequest struct {
	Messages    []Message `json:"messages"`
	ProviderID  string    `json:"providerId,omitempty"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type TokenUsage struct {
	RequestTokens  int64 `json:"requestTokens"`
	ResponseTokens int64 `json:"responseTokens"`
	TotalTokens    int64 `json:"totalTokens"`
}

// AccountRef is the non-secret slice of the account a response used.
type AccountRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ProviderID string `json:"providerId"`
}

// RequestPerformance is attached to every routed response.
type RequestPerformance struct {
	ValidationTime time.Duration `json:"validationTime"`
	ExecutionTime  time.Duration `json:"executionTime"`
	TotalTime      time.Duration `json:"totalTime"`
	CacheHit       bool          `json:"cacheHit"`
	DBQueries      int           `json:"dbQueries"`
	AccountScore   float64       `json:"accountScore"`
	Failovers      int           `json:"failovers"`
}

// AIResponse carries the provider-native body (Raw) for pass-through plus
// the extracted text and usage the gateway accounts with.
type AIResponse struct {
	ID          string             `json:"id"`
	Model       string             `json:"model"`
	Content     string             `json:"content"`
	Raw         json.RawMessage    `json:"raw,omitempty"`
	Usage       TokenUsage         `json:"usage"`
	AccountUsed AccountRef         `json:"accountUsed"`
	Performance RequestPerformance `json:"performance"`
}

// DispatchAccount pairs an account with its decrypted credentials for one
// adapter call. Credentials never outlive the dispatch.
type DispatchAccount struct {
	Account     *UpstreamAccount
	Credentials Credentials
}

type CredentialCheck struct {
	IsValid      bool              `json:"isValid"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

type ServiceHealth string

const (
	ServiceActive      ServiceHealth = "active"
	ServiceError       ServiceHealth = "error"
	ServiceMaintenance ServiceHealth = "maintenance"
	ServiceWarning     ServiceHealth = "warning"
)

type ServiceStatus struct {
	IsHealthy    bool          `json:"isHealthy"`
	Status       ServiceHealth `json:"status"`
	ResponseTime int64         `json:"responseTime"` // milliseconds
	ErrorMessage string        `json:"errorMessage,omitempty"`
	LastChecked  time.Time     `json:"lastChecked"`
}

type ModelInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	ContextLength int     `json:"contextLength,omitempty"`
	InputPrice    float64 `json:"inputPrice,omitempty"`
	OutputPrice   float64 `json:"outputPrice,omitempty"`
	IsAvailable   bool    `json:"isAvailable"`
}

type UsageStats struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalTokens  int64   `json:"totalTokens"`
	Requests     int64   `json:"requests"`
	Cost         float64 `json:"cost"`
	Errors       int64   `json:"errors"`
}

type TokenRefresh struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ProviderAdapter is the contract every provider integration satisfies.
// Adapters are stateless apart from a cached HTTP client and are safe for
// concurrent use. Retry policy belongs to the caller.
type ProviderAdapter interface {
	PlatformID() string
	PlatformName() string
	ValidateCredentials(ctx Context, creds Credentials, proxy *ProxyConfig) (CredentialCheck, error)
	GetServiceStatus(ctx Context, creds Credentials, proxy *ProxyConfig) (ServiceStatus, error)
	GetAvailableModels(ctx Context, creds Credentials, proxy *ProxyConfig) ([]ModelInfo, error)
	TestConnection(ctx Context, creds Credentials, proxy *ProxyConfig) (bool, error)
	// FormatError turns a raw adapter failure into a single human-readable line.
	FormatError(err error) string
	ExecuteRequest(ctx Context, acct DispatchAccount, req AIRequest) (AIResponse, error)
}

// UsageStatsProvider is implemented by adapters whose platform exposes an
// aggregated usage API.
type UsageStatsProvider interface {
	GetUsageStats(ctx Context, creds Credentials, from, to time.Time, proxy *ProxyConfig) (UsageStats, error)
}

// TokenRefresher is implemented by OAuth-credential adapters.
type TokenRefresher interface {
	RefreshAccessToken(ctx Context, refreshToken string, proxy *ProxyConfig) (TokenRefresh, error)
}

type AdapterErrorCode string

const (
	AdapterNetwork     AdapterErrorCode = "NETWORK_ERROR"
	AdapterAuth        AdapterErrorCode = "AUTHENTICATION_ERROR"
	AdapterQuota       AdapterErrorCode = "QUOTA_EXCEEDED"
	AdapterUnavailable AdapterErrorCode = "SERVICE_UNAVAILABLE"
	AdapterGeneric     AdapterErrorCode = "ADAPTER_ERROR"
)

// AdapterError tags a failed adapter call. StatusCode is zero for pure
// network failures.
type AdapterError struct {
	Code       AdapterErrorCode
	StatusCode int
	Message    string
	Cause      error
}

func (e *AdapterError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("adapter: %s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("adapter: %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("adapter: %s", e.Code)
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// Retryable reports whether the failure may succeed against another
// account. Network errors, 5xx and 429 qualify; other 4xx do not.
func (e *AdapterError) Retryable() bool {
	if e.Code == AdapterNetwork {
		return true
	}
	if e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}

// UpstreamCategoryOf maps an adapter error to the category surfaced on the
// wire.
func UpstreamCategoryOf(e *AdapterError) string {
	switch {
	case e == nil:
		return UpstreamGeneric
	case e.Code == AdapterNetwork:
		return UpstreamNetwork
	case e.Code == AdapterAuth:
		return UpstreamAuth
	case e.Code == AdapterQuota || e.StatusCode == 429:
		return UpstreamQuota
	case e.Code == AdapterUnavailable || e.StatusCode >= 500:
		return UpstreamUnavailable
	default:
		return UpstreamGeneric
	}
}
