package hitlflow

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Node configures one stage of the graph. A node has exactly one of a fixed
// list of successors, a router, or conditional edges.
type Node struct {
	Stage Stage   `json:"name" yaml:"name"`
	Next  []Stage `json:"next,omitempty" yaml:"next,omitempty"`

	// Edges are checked in order; the first whose condition holds is the
	// single successor.
	Edges []*Edge `json:"edges,omitempty" yaml:"edges,omitempty"`

	// Router picks the single successor from the accumulated outputs.
	Router RouterFunc `json:"-" yaml:"-"`

	// RouterName resolves Router from a registry when loading from YAML.
	RouterName string `json:"router,omitempty" yaml:"router,omitempty"`

	// Gated nodes halt the run until a decision is submitted.
	Gated bool `json:"gated,omitempty" yaml:"gated,omitempty"`

	// ReasonFrom names the stage whose "paused_reason" output explains the
	// pause at a gated node.
	ReasonFrom Stage `json:"reason_from,omitempty" yaml:"reason_from,omitempty"`

	// EndStatus is the run status applied when this node routes to END.
	// Defaults to COMPLETED.
	EndStatus RunStatus `json:"end_status,omitempty" yaml:"end_status,omitempty"`
}

// GraphOptions are used to configure a graph.
type GraphOptions struct {
	Name  string  `json:"name" yaml:"name"`
	Start Stage   `json:"start" yaml:"start"`
	Nodes []*Node `json:"stages" yaml:"stages"`
}

// Graph is the stage table the engine drives: stage name to successors,
// router and gating. Cycles are ordinary edges.
type Graph struct {
	name   string
	start  Stage
	nodes  map[Stage]*Node
	stages []Stage
}

// NewGraph validates the options and returns the graph.
func NewGraph(opts GraphOptions) (*Graph, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidGraph)
	}
	if len(opts.Nodes) == 0 {
		return nil, fmt.Errorf("%w: stages required", ErrInvalidGraph)
	}
	nodes := make(map[Stage]*Node, len(opts.Nodes))
	stages := make([]Stage, 0, len(opts.Nodes))
	for _, node := range opts.Nodes {
		if node == nil || node.Stage == "" {
			return nil, fmt.Errorf("%w: stage name required", ErrInvalidGraph)
		}
		if !node.Stage.Valid() {
			return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidGraph, node.Stage)
		}
		if node.Stage == StageEnd {
			return nil, fmt.Errorf("%w: %s cannot be declared", ErrInvalidGraph, StageEnd)
		}
		if _, ok := nodes[node.Stage]; ok {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrInvalidGraph, node.Stage)
		}
		nodes[node.Stage] = node
		stages = append(stages, node.Stage)
	}
	start := opts.Start
	if start == "" {
		start = opts.Nodes[0].Stage
	}
	if _, ok := nodes[start]; !ok {
		return nil, fmt.Errorf("%w: start stage %q not found", ErrInvalidGraph, start)
	}
	if err := validateNodes(nodes); err != nil {
		return nil, err
	}
	return &Graph{name: opts.Name, start: start, nodes: nodes, stages: stages}, nil
}

func validateNodes(nodes map[Stage]*Node) error {
	for _, node := range nodes {
		kinds := 0
		for _, set := range []bool{node.Router != nil, len(node.Next) > 0, len(node.Edges) > 0} {
			if set {
				kinds++
			}
		}
		if kinds > 1 {
			return fmt.Errorf("%w: stage %q mixes fixed edges, conditional edges and a router", ErrInvalidGraph, node.Stage)
		}
		if kinds == 0 {
			return fmt.Errorf("%w: stage %q has no outgoing edge", ErrInvalidGraph, node.Stage)
		}
		for _, edge := range node.Edges {
			if edge == nil {
				return fmt.Errorf("%w: stage %q has an empty edge", ErrInvalidGraph, node.Stage)
			}
			if err := edge.compile(context.Background()); err != nil {
				return fmt.Errorf("%w: stage %q edge to %q: %v", ErrInvalidGraph, node.Stage, edge.Stage, err)
			}
			if err := checkTarget(nodes, edge.Stage); err != nil {
				return err
			}
		}
		if node.ReasonFrom != "" {
			if _, ok := nodes[node.ReasonFrom]; !ok {
				return fmt.Errorf("%w: stage %q takes its reason from unknown stage %q", ErrInvalidGraph, node.Stage, node.ReasonFrom)
			}
		}
		if node.EndStatus != "" && !node.EndStatus.Terminal() {
			return fmt.Errorf("%w: stage %q has non-terminal end status %q", ErrInvalidGraph, node.Stage, node.EndStatus)
		}
		for _, next := range node.Next {
			if err := checkTarget(nodes, next); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkTarget(nodes map[Stage]*Node, target Stage) error {
	if target == StageEnd {
		return nil
	}
	if _, ok := nodes[target]; !ok {
		return fmt.Errorf("%w: edge to stage %q not found", ErrInvalidGraph, target)
	}
	return nil
}

// Name returns the workflow name
func (g *Graph) Name() string {
	return g.name
}

// Start returns the first stage of every run
func (g *Graph) Start() Stage {
	return g.start
}

// Stages returns the declared stages in declaration order
func (g *Graph) Stages() []Stage {
	return append([]Stage(nil), g.stages...)
}

// Node returns the node for a stage
func (g *Graph) Node(stage Stage) (*Node, bool) {
	node, ok := g.nodes[stage]
	return node, ok
}

// Successors computes the stages scheduled after stage completes. The result
// depends only on the persisted outputs.
func (g *Graph) Successors(ctx context.Context, stage Stage, outputs *StageOutputs) ([]Stage, error) {
	node, ok := g.nodes[stage]
	if !ok {
		return nil, fmt.Errorf("stage %q not found", stage)
	}
	switch {
	case node.Router != nil:
		next, err := node.Router(outputs)
		if err != nil {
			return nil, err
		}
		if next != StageEnd {
			if _, ok := g.nodes[next]; !ok {
				return nil, fmt.Errorf("router for %q returned unknown stage %q", stage, next)
			}
		}
		return []Stage{next}, nil
	case len(node.Edges) > 0:
		state, err := conditionState(outputs)
		if err != nil {
			return nil, err
		}
		for _, edge := range node.Edges {
			ok, err := edge.matches(ctx, state)
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", stage, err)
			}
			if ok {
				return []Stage{edge.Stage}, nil
			}
		}
		return nil, fmt.Errorf("no edge condition of stage %q matched", stage)
	}
	return append([]Stage(nil), node.Next...), nil
}

// LoadGraphFile loads a graph from a YAML file, resolving router names
// against routers.
func LoadGraphFile(path string, routers map[string]RouterFunc) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return LoadGraphString(string(data), routers)
}

// LoadGraphString loads a graph from a YAML string
func LoadGraphString(data string, routers map[string]RouterFunc) (*Graph, error) {
	var opts GraphOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	for _, node := range opts.Nodes {
		if node == nil || node.RouterName == "" {
			continue
		}
		router, ok := routers[node.RouterName]
		if !ok {
			return nil, fmt.Errorf("%w: stage %q uses unknown router %q", ErrInvalidGraph, node.Stage, node.RouterName)
		}
		node.Router = router
	}
	return NewGraph(opts)
}

// IsInvalidGraph reports whether err came from graph validation.
func IsInvalidGraph(err error) bool {
	return errors.Is(err, ErrInvalidGraph)
}

// InvoiceGraph returns the invoice processing graph:
//
//	INTAKE → UNDERSTAND → PREPARE → RETRIEVE → MATCH_TWO_WAY
//	MATCH_TWO_WAY → CHECKPOINT_HITL | RECONCILE
//	CHECKPOINT_HITL → HITL_DECISION (gated)
//	HITL_DECISION → RECONCILE | CLARIFY | END
//	CLARIFY → CHECKPOINT_HITL
//	RECONCILE → APPROVE → POSTING → NOTIFY → COMPLETE → END
func InvoiceGraph(name string) *Graph {
	g, err := NewGraph(GraphOptions{
		Name:  name,
		Start: StageIntake,
		Nodes: []*Node{
			{Stage: StageIntake, Next: []Stage{StageUnderstand}},
			{Stage: StageUnderstand, Next: []Stage{StagePrepare}},
			{Stage: StagePrepare, Next: []Stage{StageRetrieve}},
			{Stage: StageRetrieve, Next: []Stage{StageMatchTwoWay}},
			{Stage: StageMatchTwoWay, Router: RouteAfterMatch, RouterName: RouterAfterMatch},
			{Stage: StageCheckpointHITL, Next: []Stage{StageHITLDecision}},
			{
				Stage:      StageHITLDecision,
				Router:     RouteAfterDecision,
				RouterName: RouterAfterDecision,
				Gated:      true,
				ReasonFrom: StageCheckpointHITL,
				EndStatus:  RunStatusManualHandling,
			},
			{Stage: StageReconcile, Next: []Stage{StageApprove}},
			{Stage: StageApprove, Next: []Stage{StagePosting}},
			{Stage: StagePosting, Next: []Stage{StageNotify}},
			{Stage: StageNotify, Next: []Stage{StageComplete}},
			{Stage: StageComplete, Next: []Stage{StageEnd}},
			{Stage: StageClarify, Next: []Stage{StageCheckpointHITL}},
		},
	})
	if err != nil {
		panic(err)
	}
	return g
}
