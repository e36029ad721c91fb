package hitlflow

import "fmt"

// StageOutputs holds the last output produced by each stage. Each stage owns
// exactly one field; merging a stage's result is a plain field assignment.
// A nil field means the stage has never completed.
type StageOutputs struct {
	Intake         Output `json:"INTAKE,omitempty"`
	Understand     Output `json:"UNDERSTAND,omitempty"`
	Prepare        Output `json:"PREPARE,omitempty"`
	Retrieve       Output `json:"RETRIEVE,omitempty"`
	MatchTwoWay    Output `json:"MATCH_TWO_WAY,omitempty"`
	CheckpointHITL Output `json:"CHECKPOINT_HITL,omitempty"`
	HITLDecision   Output `json:"HITL_DECISION,omitempty"`
	Reconcile      Output `json:"RECONCILE,omitempty"`
	Approve        Output `json:"APPROVE,omitempty"`
	Posting        Output `json:"POSTING,omitempty"`
	Notify         Output `json:"NOTIFY,omitempty"`
	Complete       Output `json:"COMPLETE,omitempty"`
	Clarify        Output `json:"CLARIFY,omitempty"`
}

func (s *StageOutputs) field(stage Stage) *Output {
	switch stage {
	case StageIntake:
		return &s.Intake
	case StageUnderstand:
		return &s.Understand
	case StagePrepare:
		return &s.Prepare
	case StageRetrieve:
		return &s.Retrieve
	case StageMatchTwoWay:
		return &s.MatchTwoWay
	case StageCheckpointHITL:
		return &s.CheckpointHITL
	case StageHITLDecision:
		return &s.HITLDecision
	case StageReconcile:
		return &s.Reconcile
	case StageApprove:
		return &s.Approve
	case StagePosting:
		return &s.Posting
	case StageNotify:
		return &s.Notify
	case StageComplete:
		return &s.Complete
	case StageClarify:
		return &s.Clarify
	}
	return nil
}

// Get returns the output last written by stage.
func (s *StageOutputs) Get(stage Stage) (Output, bool) {
	f := s.field(stage)
	if f == nil || *f == nil {
		return nil, false
	}
	return *f, true
}

// Set overwrites the output of stage. Empty outputs are rejected so that a
// set field always survives a JSON round trip.
func (s *StageOutputs) Set(stage Stage, out Output) error {
	f := s.field(stage)
	if f == nil {
		return fmt.Errorf("stage %q has no output slot", stage)
	}
	if len(out) == 0 {
		return fmt.Errorf("stage %q produced an empty output", stage)
	}
	*f = out
	return nil
}

// Completed returns the stages holding an output, in pipeline order.
func (s *StageOutputs) Completed() []Stage {
	var stages []Stage
	for _, stage := range AllStages {
		if _, ok := s.Get(stage); ok {
			stages = append(stages, stage)
		}
	}
	return stages
}
