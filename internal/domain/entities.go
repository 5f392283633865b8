// Package domain holds the entities, ports and error taxonomy shared by
// every gateway component. It stays free of transport and storage concerns.
package domain

import (
	"context"
	"time"
)

// Provider identifiers. The router defaults to Claude when a request does
// not name a provider.
const (
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderQwen   = "qwen"
	ProviderGLM    = "glm"
	ProviderKimi   = "kimi"
	ProviderWenxin = "wenxin"
	ProviderSpark  = "spark"
)

// DefaultProvider is used when an AIRequest leaves ProviderID empty.
const DefaultProvider = ProviderClaude

type GroupStatus string

const (
	GroupActive   GroupStatus = "active"
	GroupInactive GroupStatus = "inactive"
)

type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyInactive KeyStatus = "inactive"
	KeyDeleted  KeyStatus = "deleted"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountError    AccountStatus = "error"
)

// Group is the tenant boundary. Inactive groups reject all traffic.
type Group struct {
	ID           string
	Name         string
	Status       GroupStatus
	MaxMembers   int
	EnterpriseID *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// User carries the identity attached to a client key; the validator only
// needs id, name and email.
type User struct {
	ID    string
	Name  string
	Email string
}

// ClientAPIKey is the unit of admission control. KeyValue is the secret;
// it never leaves the validator except as a prefix.
type ClientAPIKey struct {
	ID         string
	KeyValue   string
	GroupID    string
	UserID     string
	Status     KeyStatus
	QuotaLimit *int64
	QuotaUsed  int64
	ExpiresAt  *time.Time
	Metadata   KeyMetadata
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpstreamAccount holds provider credentials plus the load/health hints the
// router scores on. CurrentLoad is a hint in [0,100], not a hard bound.
type UpstreamAccount struct {
	ID                   string
	Name                 string
	ProviderID           string
	EncryptedCredentials string
	Proxy                *ProxyConfig
	SupportedModels      []string
	CostPerToken         float64
	CurrentLoad          int
	Status               AccountStatus
	IsEnabled            bool
	TotalRequests        int64
	TotalTokens          int64
	TotalCost            float64
	LastUsedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Credentials is the decrypted form of an account's credential blob.
type Credentials struct {
	APIKey       string     `json:"apiKey,omitempty"`
	AccessToken  string     `json:"accessToken,omitempty"`
	RefreshToken string     `json:"refreshToken,omitempty"`
	BaseURL      string     `json:"baseUrl,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

type ProxyConfig struct {
	Type     string `json:"type"` // http or socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type BindingMode string

const (
	BindingDedicated BindingMode = "dedicated"
	BindingShared    BindingMode = "shared"
	BindingHybrid    BindingMode = "hybrid"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ResourceBinding restricts which upstream accounts a group may use.
// Exactly one binding exists per group.
type ResourceBinding struct {
	GroupID         string        `json:"groupId"`
	Mode            BindingMode   `json:"mode"`
	DailyTokenLimit int64         `json:"dailyTokenLimit"`
	MonthlyBudget   *float64      `json:"monthlyBudget,omitempty"`
	PriorityLevel   Priority      `json:"priorityLevel"`
	Config          BindingConfig `json:"config"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// BindingConfig is the per-mode detail. Dedicated mode reads
// DedicatedAccounts, shared mode reads SharedPools, hybrid mode draws from
// PrimaryAccounts with probability HybridRatio/100 and otherwise resolves
// FallbackPools.
type BindingConfig struct {
	DedicatedAccounts []DedicatedAccounts `json:"dedicatedAccounts,omitempty"`
	SharedPools       []SharedPoolRef     `json:"sharedPools,omitempty"`
	PrimaryAccounts   []string            `json:"primaryAccounts,omitempty"`
	FallbackPools     []string            `json:"fallbackPools,omitempty"`
	HybridRatio       int                 `json:"hybridRatio,omitempty"`
	AutoFailover      bool                `json:"autoFailover"`
	CostOptimization  bool                `json:"costOptimization"`
}

type DedicatedAccounts struct {
	ProviderID string   `json:"providerId"`
	AccountIDs []string `json:"accountIds"`
}

type SharedPoolRef struct {
	PoolID          string `json:"poolId"`
	ProviderID      string `json:"providerId"`
	MaxUsagePercent int    `json:"maxUsagePercent,omitempty"`
}

// UsageRecord is the at-least-once billing unit. ID is globally unique and
// deduplicated on insert. JSON tags match the durable queue payloads.
type UsageRecord struct {
	ID             string            `json:"id"`
	GroupID        string            `json:"groupId"`
	UserID         string            `json:"userId"`
	AccountID      string            `json:"accountId"`
	APIKeyID       string            `json:"apiKeyId,omitempty"`
	ProviderID     string            `json:"providerId"`
	ModelName      string            `json:"modelName"`
	RequestTokens  int64             `json:"requestTokens"`
	ResponseTokens int64             `json:"responseTokens"`
	TotalTokens    int64             `json:"totalTokens"`
	Cost           float64           `json:"cost"`
	RequestTime    time.Time         `json:"requestTime"`
	ResponseTime   time.Time         `json:"responseTime"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// AccountPool is the pre-computed, scored candidate list for one provider.
// Version increases on every refresh.
type AccountPool struct {
	ProviderID string          `json:"providerId"`
	Accounts   []PooledAccount `json:"accounts"`
	LastUpdate time.Time       `json:"lastUpdate"`
	Version    int64           `json:"version"`
}

// PooledAccount carries the routing hints for one account. PoolIDs lists
// the shared pools the account is a member of so binding modes can narrow
// the candidate set without extra queries.
type PooledAccount struct {
	AccountID   string   `json:"accountId"`
	CurrentLoad int      `json:"currentLoad"`
	IsHealthy   bool     `json:"isHealthy"`
	Score       float64  `json:"score"`
	PoolIDs     []string `json:"poolIds,omitempty"`
}

// AccountHealthStatus is produced by the health-check job.
// ConsecutiveFailures at or above the threshold forces IsHealthy=false
// until a successful probe.
type AccountHealthStatus struct {
	AccountID           string    `json:"accountId"`
	IsHealthy           bool      `json:"isHealthy"`
	ResponseTime        int64     `json:"responseTime"` // milliseconds
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastChecked         time.Time `json:"lastChecked"`
	LastError           string    `json:"lastError,omitempty"`
}

// RateWindow tracks one key's sliding window. On expiry the window is
// re-created, never merged.
type RateWindow struct {
	APIKeyID      string    `json:"apiKeyId"`
	WindowMinutes int       `json:"windowMinutes"`
	WindowStart   time.Time `json:"windowStart"`
	RequestCount  int64     `json:"requestCount"`
	TokenCount    int64     `json:"tokenCount"`
	MaxRequests   int64     `json:"maxRequests"`
	MaxTokens     int64     `json:"maxTokens"`
	ResetTime     time.Time `json:"resetTime"`
}

// DailyQuota is the per-group token budget projection for one UTC day.
type DailyQuota struct {
	GroupID string `json:"groupId"`
	Date    string `json:"date"` // YYYY-MM-DD, UTC
	Used    int64  `json:"used"`
	Limit   int64  `json:"limit"`
}

// QuotaInfo is the cached daily-cost aggregate for one key.
type QuotaInfo struct {
	APIKeyID   string  `json:"apiKeyId"`
	Date       string  `json:"date"`
	DailyUsed  float64 `json:"dailyUsed"`
	DailyLimit float64 `json:"dailyLimit"`
}

// Session is the validator's successful output. It carries everything the
// router and handlers need without re-reading the key.
type Session struct {
	APIKeyID          string
	KeyPrefix         string
	GroupID           string
	UserID            string
	UserName          string
	UserEmail         string
	Metadata          KeyMetadata
	RemainingQuota    *int64
	RequestsRemaining *int64
	TokensRemaining   *int64
	ResetTime         *time.Time
	Perf              ValidationPerf
}

// ValidationPerf records how a single validation was served.
type ValidationPerf struct {
	ValidationTime time.Duration
	CacheHit       bool
	DBQueries      int
}

// Context is an alias so domain signatures stay decoupled from the std
// context package at the call sites; adapters pass context.Context through.
type Context = context.Context
