package hitlflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// conditionBuiltins are the risor builtins visible to edge conditions. All
// are deterministic and free of side effects.
var conditionBuiltins = map[string]bool{
	"all":      true,
	"any":      true,
	"bool":     true,
	"coalesce": true,
	"float":    true,
	"int":      true,
	"keys":     true,
	"len":      true,
	"math":     true,
	"sorted":   true,
	"string":   true,
	"strings":  true,
	"type":     true,
}

// Edge is a conditional successor. Condition is a risor expression over
// outputs, the persisted stage outputs keyed by stage name, e.g.
// `outputs.MATCH_TWO_WAY.match_result == "FAILED"`. An empty condition always
// matches.
type Edge struct {
	Stage     Stage  `json:"stage" yaml:"stage"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	code *compiler.Code
}

func conditionGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if conditionBuiltins[name] {
			globals[name] = value
		}
	}
	return globals
}

func (e *Edge) compile(ctx context.Context) error {
	if e.Condition == "" {
		return nil
	}
	ast, err := parser.Parse(ctx, e.Condition)
	if err != nil {
		return err
	}
	names := []string{"outputs"}
	for name := range conditionGlobals() {
		names = append(names, name)
	}
	sort.Strings(names)
	code, err := compiler.Compile(ast, compiler.WithGlobalNames(names))
	if err != nil {
		return err
	}
	e.code = code
	return nil
}

func (e *Edge) matches(ctx context.Context, state map[string]any) (bool, error) {
	if e.Condition == "" {
		return true, nil
	}
	if e.code == nil {
		return false, fmt.Errorf("condition %q was not compiled", e.Condition)
	}
	globals := conditionGlobals()
	globals["outputs"] = object.FromGoType(state)
	result, err := risor.EvalCode(ctx, e.code, risor.WithGlobals(globals))
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", e.Condition, err)
	}
	return result.IsTruthy(), nil
}

// conditionState returns the outputs as JSON values, the view a run reloaded
// from the store would give.
func conditionState(outputs *StageOutputs) (map[string]any, error) {
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, err
	}
	state := map[string]any{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return state, nil
}
