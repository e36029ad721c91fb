package tools

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Tool is a named operation exposed by a tool server.
type Tool interface {
	Name() string
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// CallToolFunc is the signature of a function-backed tool.
type CallToolFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

type toolFunction struct {
	name string
	fn   CallToolFunc
}

// NewToolFunction returns a Tool for the given function.
func NewToolFunction(name string, fn CallToolFunc) Tool {
	return &toolFunction{name: name, fn: fn}
}

func (t *toolFunction) Name() string {
	return t.name
}

func (t *toolFunction) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return t.fn(ctx, args)
}

// TypedToolFunction wraps a function taking and returning structs. Arguments
// are decoded with mapstructure tags; the result is encoded back to a map
// using the same tags.
func TypedToolFunction[TArgs, TResult any](name string, fn func(ctx context.Context, args TArgs) (TResult, error)) Tool {
	return &typedTool[TArgs, TResult]{name: name, fn: fn}
}

type typedTool[TArgs, TResult any] struct {
	name string
	fn   func(ctx context.Context, args TArgs) (TResult, error)
}

func (t *typedTool[TArgs, TResult]) Name() string {
	return t.name
}

func (t *typedTool[TArgs, TResult]) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	var typedArgs TArgs
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &typedArgs,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(args); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %q: %w", t.name, err)
	}
	result, err := t.fn(ctx, typedArgs)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := mapstructure.Decode(result, &out); err != nil {
		return nil, fmt.Errorf("invalid result from tool %q: %w", t.name, err)
	}
	return out, nil
}
