// internal/appconfig/schema.go
package appconfig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema describes the accepted shape of the configuration file.
// Unknown keys are rejected so typos surface at startup instead of being
// silently ignored.
var configSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"backendUrl"},
	"properties": map[string]any{
		"backendUrl":      map[string]any{"type": "string", "minLength": 1},
		"projectId":       map[string]any{"type": "string"},
		"debug":           map[string]any{"type": "boolean"},
		"timeout":         map[string]any{"type": "integer", "minimum": 0},
		"logFile":         map[string]any{"type": "string"},
		"sessionMode":     map[string]any{"type": "boolean"},
		"persistSessions": map[string]any{"type": "boolean"},
		"normalize": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"maxBlankLines":            map[string]any{"type": "integer", "minimum": 0},
				"removeRepeatedShortLines": map[string]any{"type": "boolean"},
			},
		},
		"chunking": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"maxChars":     map[string]any{"type": "integer", "minimum": 1},
				"minChars":     map[string]any{"type": "integer", "minimum": 1},
				"overlapChars": map[string]any{"type": "integer", "minimum": 0},
			},
		},
		"retrieval": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"topK":             map[string]any{"type": "integer", "minimum": 1},
				"denseTopK":        map[string]any{"type": "integer", "minimum": 1},
				"sparseTopK":       map[string]any{"type": "integer", "minimum": 1},
				"denseWeight":      map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"rerankCandidates": map[string]any{"type": "integer", "minimum": 0},
				"rerankModel":      map[string]any{"type": "string"},
				"historyWindow":    map[string]any{"type": "integer", "minimum": 0},
			},
		},
		"models": map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"chunk":   map[string]any{"type": "string"},
				"context": map[string]any{"type": "string"},
				"chat":    map[string]any{"type": "string"},
			},
		},
	},
}

// ValidateRaw checks raw config JSON against the embedded schema.
func ValidateRaw(raw []byte) error {
	schemaLoader := gojsonschema.NewGoLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return errors.New(strings.Join(problems, "; "))
}
