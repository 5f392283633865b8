package domain

import "testing"

func TestPhaseLadder(t *testing.T) {
	tests := []struct {
		phase   FlagPhase
		percent float64
		next    FlagPhase
		prev    FlagPhase
	}{
		{PhaseDisabled, 0, PhaseCanary, PhaseDisabled},
		{PhaseCanary, 5, PhaseGradual, PhaseDisabled},
		{PhaseGradual, 25, PhaseMajority, PhaseCanary},
		{PhaseMajority, 75, PhaseFull, PhaseGradual},
		{PhaseFull, 100, PhaseFull, PhaseMajority},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			if got := tt.phase.RolloutPercent(); got != tt.percent {
				t.Errorf("RolloutPercent = %g, want %g", got, tt.percent)
			}
			if got := tt.phase.NextPhase(); got != tt.next {
				t.Errorf("NextPhase = %s, want %s", got, tt.next)
			}
			if got := tt.phase.PrevPhase(); got != tt.prev {
				t.Errorf("PrevPhase = %s, want %s", got, tt.prev)
			}
		})
	}
}

func TestPromoteThenRollbackRestoresPhase(t *testing.T) {
	for _, phase := range []FlagPhase{PhaseDisabled, PhaseCanary, PhaseGradual, PhaseMajority} {
		promoted := phase.NextPhase()
		if got := promoted.PrevPhase(); got != phase {
			t.Errorf("promote %s then rollback = %s, want %s", phase, got, phase)
		}
	}
}

func TestFlagGroupsDisjoint(t *testing.T) {
	fallback := map[string]bool{}
	for _, f := range FallbackFlags() {
		fallback[f] = true
	}
	for _, f := range OptimizationFlags() {
		if fallback[f] {
			t.Errorf("flag %s is both optimization and fallback", f)
		}
	}
}
