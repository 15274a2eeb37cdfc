package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// FuncTool adapts a typed Go function into a Tool. The parameter schema is
// reflected from T.
type FuncTool[T any] struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, args T) (string, error)
}

// NewFuncTool creates a tool named name that decodes its arguments into T
// and calls fn. Struct tags on T drive the schema: `json` for property
// names and `jsonschema` for descriptions and constraints.
func NewFuncTool[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (*FuncTool[T], error) {
	if fn == nil {
		return nil, fmt.Errorf("func tool %q: nil function", name)
	}
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(new(T))
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("func tool %q: reflect schema: %w", name, err)
	}
	return &FuncTool[T]{name: name, description: description, schema: raw, fn: fn}, nil
}

func (t *FuncTool[T]) Name() string            { return t.name }
func (t *FuncTool[T]) Description() string     { return t.description }
func (t *FuncTool[T]) Schema() json.RawMessage { return t.schema }

// Execute decodes params and runs the function. Errors returned by the
// function become error results.
func (t *FuncTool[T]) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	var args T
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}
	out, err := t.fn(ctx, args)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &ToolResult{Content: out}, nil
}
