package hitlflow

import "fmt"

// RouterFunc picks the next stage from the outputs persisted so far. It must
// be a pure function of its argument.
type RouterFunc func(outputs *StageOutputs) (Stage, error)

// Registered router names, as referenced from YAML graph files.
const (
	RouterAfterMatch    = "after_match"
	RouterAfterDecision = "after_decision"
)

// DefaultRouters returns the routers available to YAML graph files.
func DefaultRouters() map[string]RouterFunc {
	return map[string]RouterFunc{
		RouterAfterMatch:    RouteAfterMatch,
		RouterAfterDecision: RouteAfterDecision,
	}
}

// RouteAfterMatch sends a FAILED two-way match to human review and anything
// else to reconciliation. A missing or non-string match_result is an error.
func RouteAfterMatch(outputs *StageOutputs) (Stage, error) {
	out, ok := outputs.Get(StageMatchTwoWay)
	if !ok {
		return "", fmt.Errorf("%s has not produced an output", StageMatchTwoWay)
	}
	result, ok := out["match_result"].(string)
	if !ok {
		return "", fmt.Errorf("%s.match_result is missing or not a string", StageMatchTwoWay)
	}
	if result == "FAILED" {
		return StageCheckpointHITL, nil
	}
	return StageReconcile, nil
}

// RouteAfterDecision routes on the reviewer verdict. REJECT and CLARIFY both
// ask the vendor for clarification; an unrecognized verdict ends the run.
func RouteAfterDecision(outputs *StageOutputs) (Stage, error) {
	out, _ := outputs.Get(StageHITLDecision)
	switch DecisionValue(out.String("human_decision")) {
	case DecisionAccept:
		return StageReconcile, nil
	case DecisionReject, DecisionClarify:
		return StageClarify, nil
	}
	return StageEnd, nil
}
