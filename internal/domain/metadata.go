package domain

import (
	"strings"
	"time"
)

// PermissionAll grants a key access to every provider.
const PermissionAll = "all"

// KeyMetadata is the typed form of the JSON metadata column on client keys.
type KeyMetadata struct {
	RateLimit          *RateLimitSpec `json:"rateLimit,omitempty"`
	ServicePermissions []string       `json:"servicePermissions,omitempty"`
	ResourceBinding    BindingMode    `json:"resourceBinding,omitempty"`
	DailyCostLimit     *float64       `json:"dailyCostLimit,omitempty"`
}

// RateLimitSpec bounds one key's traffic inside a sliding window.
type RateLimitSpec struct {
	WindowMinutes int   `json:"windowMinutes"`
	MaxRequests   int64 `json:"maxRequests"`
	MaxTokens     int64 `json:"maxTokens"`
}

// Window returns the configured window as a duration.
func (r RateLimitSpec) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// PermitsProvider reports whether the metadata allows dispatch to the given
// provider. Empty permissions permit everything, as does the "all" marker.
// Matching is an exact, case-insensitive set membership test.
func (m KeyMetadata) PermitsProvider(providerID string) bool {
	if len(m.ServicePermissions) == 0 {
		return true
	}
	for _, p := range m.ServicePermissions {
		if strings.EqualFold(p, PermissionAll) || strings.EqualFold(p, providerID) {
			return true
		}
	}
	return false
}

// CachedKey is the validation snapshot stored under api_key:{keyValue}.
// It bundles the key with its group status and user identity so a cache hit
// needs no store round-trip. Field names are part of the cache contract.
type CachedKey struct {
	ID          string      `json:"id"`
	KeyPrefix   string      `json:"keyPrefix"`
	GroupID     string      `json:"groupId"`
	UserID      string      `json:"userId"`
	UserName    string      `json:"userName,omitempty"`
	UserEmail   string      `json:"userEmail,omitempty"`
	Status      KeyStatus   `json:"status"`
	QuotaLimit  *int64      `json:"quotaLimit,omitempty"`
	QuotaUsed   int64       `json:"quotaUsed"`
	ExpiresAt   *time.Time  `json:"expiresAt,omitempty"`
	Metadata    KeyMetadata `json:"metadata"`
	GroupStatus GroupStatus `json:"groupStatus"`
	CachedAt    time.Time   `json:"cachedAt"`
}

// Expired reports whether the snapshot's key was expired at t.
func (c CachedKey) Expired(t time.Time) bool {
	return c.ExpiresAt != nil && !t.Before(*c.ExpiresAt)
}

// KeyPrefixOf returns the loggable prefix of a secret key value.
func KeyPrefixOf(keyValue string) string {
	const n = 8
	if len(keyValue) <= n {
		return keyValue
	}
	return keyValue[:n] + "..."
}

// SnapshotKey builds the cacheable projection of a key, its group and user.
func SnapshotKey(key ClientAPIKey, group Group, user User, at time.Time) CachedKey {
	return CachedKey{
		ID:          key.ID,
		KeyPrefix:   KeyPrefixOf(key.KeyValue),
		GroupID:     key.GroupID,
		UserID:      user.ID,
		UserName:    user.Name,
		UserEmail:   user.Email,
		Status:      key.Status,
		QuotaLimit:  key.QuotaLimit,
		QuotaUsed:   key.QuotaUsed,
		ExpiresAt:   key.ExpiresAt,
		Metadata:    key.Metadata,
		GroupStatus: group.Status,
		CachedAt:    at,
	}
}
