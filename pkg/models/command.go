package models

import "encoding/json"

// OutputKind selects how the final answer is shaped.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputStructured OutputKind = "structured"
)

// OutputFormat describes the desired shape of the final answer.
// Schema is a JSON schema and is only consulted for OutputStructured.
type OutputFormat struct {
	Kind   OutputKind      `json:"kind"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Command is the immutable input to one execution.
type Command struct {
	CallerID       string            `json:"caller_id"`
	TenantID       string            `json:"tenant_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Channel        string            `json:"channel,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	UserText       string            `json:"user_text"`
	History        []Message         `json:"history,omitempty"`
	MaxToolCalls   int               `json:"max_tool_calls,omitempty"`
	Temperature    *float64          `json:"temperature,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OutputFormat   OutputFormat      `json:"output_format,omitempty"`
}

// WithUserText returns a copy of c carrying text as the user input.
func (c Command) WithUserText(text string) Command {
	c.UserText = text
	return c
}

// WithMetadata returns a copy of c with key set in its metadata.
// The receiver's map is never written to.
func (c Command) WithMetadata(key, value string) Command {
	md := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		md[k] = v
	}
	md[key] = value
	c.Metadata = md
	return c
}

// Structured reports whether the command asks for schema-constrained output.
func (c Command) Structured() bool {
	return c.OutputFormat.Kind == OutputStructured && len(c.OutputFormat.Schema) > 0
}
