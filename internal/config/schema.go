package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of the configuration file, for
// editor completion and for `agentrt config schema`.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag: "yaml",
			Mapper:       schemaOverrides,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "agentrt configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// schemaOverrides describes types whose YAML form differs from their Go
// form. Durations are written as strings such as "30s" or "5m".
func schemaOverrides(t reflect.Type) *jsonschema.Schema {
	if t == reflect.TypeOf(time.Duration(0)) {
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     `^(\d+(\.\d+)?(ns|us|µs|ms|s|m|h))+$`,
			Description: "Go duration, e.g. 30s or 1h30m",
		}
	}
	return nil
}
