// Package rediscache wraps the shared cache connection with the typed key
// families and JSON helpers the gateway components build on.
package rediscache

import (
	"fmt"
	"time"
)

// Keys builds the structured key families under the gateway prefix. Key
// shapes are part of the ops contract; tooling greps for them.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	return Keys{prefix: prefix}
}

func (k Keys) APIKey(keyValue string) string {
	return k.prefix + "api_key:" + keyValue
}

// APIKeyPattern matches every cached key snapshot; used only by the
// cleanup job, which iterates with SCAN.
func (k Keys) APIKeyPattern() string {
	return k.prefix + "api_key:*"
}

func (k Keys) QuotaInfo(apiKeyID string) string {
	return k.prefix + "quota_info:" + apiKeyID
}

func (k Keys) RateLimit(apiKeyID string, windowMinutes int) string {
	return fmt.Sprintf("%srate_limit:%s:%dm", k.prefix, apiKeyID, windowMinutes)
}

func (k Keys) GroupBinding(groupID string) string {
	return k.prefix + "group_binding:" + groupID
}

func (k Keys) AccountHealth(accountID string) string {
	return k.prefix + "account_health:" + accountID
}

func (k Keys) AccountPool(providerID string) string {
	return k.prefix + "account_pool:" + providerID
}

// DailyQuota keys carry the UTC day so stale projections age out naturally.
func (k Keys) DailyQuota(groupID string, day time.Time) string {
	return k.prefix + "daily_quota:" + groupID + ":" + day.UTC().Format("2006-01-02")
}

func (k Keys) MonthlyBudget(groupID string, day time.Time) string {
	return k.prefix + "monthly_budget:" + groupID + ":" + day.UTC().Format("2006-01")
}

func (k Keys) UsageQueue() string { return k.prefix + "usage_queue" }
func (k Keys) UsageDLQ() string   { return k.prefix + "usage_dlq" }
func (k Keys) UsageStats() string { return k.prefix + "usage_stats" }

// PerfEvents buckets raw monitor events per type and minute.
func (k Keys) PerfEvents(eventType string, minute time.Time) string {
	return k.prefix + "performance:events:" + eventType + ":" + minute.UTC().Format("200601021504")
}

// PerfMetrics holds one aggregated snapshot per minute.
func (k Keys) PerfMetrics(minute time.Time) string {
	return k.prefix + "performance:metrics:" + minute.UTC().Format("200601021504")
}

func (k Keys) PerfAlerts() string { return k.prefix + "performance:alerts" }

// PerfReports holds the hourly digests written by the report job.
func (k Keys) PerfReports() string { return k.prefix + "performance:reports" }

func (k Keys) FeatureFlag(name string) string {
	return k.prefix + "feature_flags:" + name
}

func (k Keys) FeatureFlagPattern() string {
	return k.prefix + "feature_flags:*"
}
