package api

import (
	"fmt"

	"dispatchloop/internal/model"
)

func validateStartRequest(mode string, intervalMinutes int) error {
	if mode != model.ModeStatic && mode != model.ModeDynamic {
		return fmt.Errorf("invalid mode: %s (allowed: static, dynamic)", mode)
	}
	if intervalMinutes < 0 || intervalMinutes > 1440 {
		return fmt.Errorf("intervalMinutes must be in [0,1440]")
	}
	return nil
}

func validateSolverParams(p *model.SolverParams) error {
	if p.Iterations < 0 {
		return fmt.Errorf("iterations must be >= 0")
	}
	if p.MaxNonImproving < 0 {
		return fmt.Errorf("maxNonImproving must be >= 0")
	}
	if p.TimeLimitSeconds < 0 {
		return fmt.Errorf("timeLimitSeconds must be >= 0")
	}
	if p.Acceptance != "" && p.Acceptance != "sa" && p.Acceptance != "rtr" && p.Acceptance != "greedy" {
		return fmt.Errorf("invalid acceptance: %s", p.Acceptance)
	}
	if p.MinDestroyFraction < 0 || p.MaxDestroyFraction > 1 {
		return fmt.Errorf("destroy fractions must be in [0,1]")
	}
	if p.MaxDestroyFraction > 0 && p.MinDestroyFraction > p.MaxDestroyFraction {
		return fmt.Errorf("minDestroyFraction must not exceed maxDestroyFraction")
	}
	return nil
}
