package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Limits on what a model may send to a tool.
const (
	MaxToolNameLength = 256
	MaxToolParamsSize = 10 << 20 // bytes of argument JSON
)

// ToolRegistry holds the tools offered to the model. It is safe for
// concurrent use.
//
// Names are unique: the first registration of a name wins and later ones are
// dropped with a warning. Registration order is preserved so the model always
// sees tools in a stable order.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	order   []string
	schemas sync.Map // tool name -> *jsonschema.Schema
	logger  *slog.Logger
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry(logger *slog.Logger) *ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolRegistry{
		tools:  map[string]Tool{},
		logger: logger.With("component", "tools"),
	}
}

// BuildToolSet merges static and dynamically discovered tools into one
// registry. Earlier sources take precedence on name collisions.
func BuildToolSet(logger *slog.Logger, sources ...[]Tool) *ToolRegistry {
	r := NewToolRegistry(logger)
	for _, src := range sources {
		for _, t := range src {
			_ = r.Register(t)
		}
	}
	return r
}

// Register adds a tool. It reports an error, and keeps the existing tool,
// when the name is already taken.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register tool: nil tool")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("register tool: invalid name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("duplicate tool name, keeping first registration", "tool", name)
		return fmt.Errorf("register tool: %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Unregister drops the named tool; unknown names are ignored.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	r.schemas.Delete(name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks a tool up by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools returns all registered tools in registration order.
func (r *ToolRegistry) Tools() []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateArguments checks params against the tool's JSON schema. Tools
// with an empty or uncompilable schema accept any JSON object.
func (r *ToolRegistry) ValidateArguments(tool Tool, params json.RawMessage) error {
	if len(params) > MaxToolParamsSize {
		return fmt.Errorf("%w: parameters exceed maximum size of %d bytes", ErrInvalidArguments, MaxToolParamsSize)
	}

	var decoded any
	if len(params) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("%w: arguments are not valid JSON: %v", ErrInvalidArguments, err)
	}

	schema := r.compiledSchema(tool)
	if schema == nil {
		return nil
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func (r *ToolRegistry) compiledSchema(tool Tool) *jsonschema.Schema {
	name := tool.Name()
	if cached, ok := r.schemas.Load(name); ok {
		schema, _ := cached.(*jsonschema.Schema)
		return schema
	}

	raw := tool.Schema()
	var compiled *jsonschema.Schema
	if len(raw) > 0 {
		schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			r.logger.Warn("tool schema does not compile, skipping argument validation", "tool", name, "error", err)
		} else {
			compiled = schema
		}
	}
	r.schemas.Store(name, compiled)
	return compiled
}
