// Feature flags gate the optimized hot paths and allow instant rollback to
// the original ones.
package domain

import "time"

type FlagPhase string

const (
	PhaseDisabled FlagPhase = "disabled"
	PhaseCanary   FlagPhase = "canary"
	PhaseGradual  FlagPhase = "gradual"
	PhaseMajority FlagPhase = "majority"
	PhaseFull     FlagPhase = "full"
)

// RolloutPercent returns the default percentage a phase implies.
func (p FlagPhase) RolloutPercent() float64 {
	switch p {
	case PhaseCanary:
		return 5
	case PhaseGradual:
		return 25
	case PhaseMajority:
		return 75
	case PhaseFull:
		return 100
	default:
		return 0
	}
}

// NextPhase returns the phase a promotion advances to; full promotes to
// itself.
func (p FlagPhase) NextPhase() FlagPhase {
	switch p {
	case PhaseDisabled:
		return PhaseCanary
	case PhaseCanary:
		return PhaseGradual
	case PhaseGradual:
		return PhaseMajority
	default:
		return PhaseFull
	}
}

// PrevPhase returns the phase a rollback retreats to.
func (p FlagPhase) PrevPhase() FlagPhase {
	switch p {
	case PhaseFull:
		return PhaseMajority
	case PhaseMajority:
		return PhaseGradual
	case PhaseGradual:
		return PhaseCanary
	default:
		return PhaseDisabled
	}
}

// Optimization flags and their emergency fallbacks. The fallback flags win:
// while one is enabled, the corresponding optimized path is bypassed even
// if its optimization flag reports enabled.
const (
	FlagAPIKeyCache           = "ENABLE_API_KEY_CACHE"
	FlagSmartRouter           = "ENABLE_SMART_ROUTER_OPTIMIZATION"
	FlagPrecomputedPool       = "ENABLE_PRECOMPUTED_ACCOUNT_POOL"
	FlagAsyncUsageRecording   = "ENABLE_ASYNC_USAGE_RECORDING"
	FlagFallbackRouter        = "FALLBACK_TO_ORIGINAL_ROUTER"
	FlagFallbackKeyValidation = "FALLBACK_TO_ORIGINAL_API_KEY_VALIDATION"
)

// OptimizationFlags lists every flag the emergency switch disables.
func OptimizationFlags() []string {
	return []string{
		FlagAPIKeyCache,
		FlagSmartRouter,
		FlagPrecomputedPool,
		FlagAsyncUsageRecording,
	}
}

// FallbackFlags lists the overrides the emergency switch enables.
func FallbackFlags() []string {
	return []string{
		FlagFallbackRouter,
		FlagFallbackKeyValidation,
	}
}

type FeatureFlag struct {
	Name              string            `json:"name"`
	Enabled           bool              `json:"enabled"`
	Phase             FlagPhase         `json:"phase"`
	RolloutPercentage float64           `json:"rolloutPercentage"`
	UserWhitelist     []string          `json:"userWhitelist,omitempty"`
	UserBlacklist     []string          `json:"userBlacklist,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}
