package compiler

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lprior-repo/manifest/internal/model"
)

// Response schemas. Validation happens before any field is trusted, so a
// model that returns the wrong shape fails here rather than deep in the
// pipeline.

var parseSchema = mustSchema(`{
	"type": "object",
	"required": ["core", "done_when"],
	"properties": {
		"core": {"type": "string", "minLength": 1},
		"must": {"type": "array", "items": {"type": "string"}},
		"must_not": {"type": "array", "items": {"type": "string"}},
		"done_when": {"type": "array", "items": {"type": "string"}},
		"unclear": {"type": "array", "items": {"type": "string"}},
		"scope": {"type": "string"}
	}
}`)

var analyzeSchema = mustSchema(`{
	"type": "object",
	"required": ["relevant_files"],
	"properties": {
		"relevant_files": {"type": "array", "items": {"type": "string"}},
		"patterns": {"type": "array", "items": {"type": "string"}},
		"forbidden_zones": {"type": "array", "items": {"type": "string"}},
		"integration_points": {"type": "array", "items": {"type": "string"}}
	}
}`)

var specSchema = mustSchema(`{
	"type": "object",
	"required": ["assertions", "test_suite"],
	"properties": {
		"assertions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["description", "test"],
				"properties": {
					"description": {"type": "string"},
					"test": {"type": "string", "minLength": 1},
					"weight": {"type": "integer"}
				}
			}
		},
		"test_suite": {"type": "string", "minLength": 1},
		"type_contract": {"type": "string"},
		"new_files": {"type": "array", "items": {"type": "string"}}
	}
}`)

func mustSchema(src string) *jsonschema.Schema {
	return jsonschema.MustCompileString("response.json", src)
}

// decodeValidated strips code fences, validates against the schema, and
// unmarshals into out. Any failure is a malformed_ai_response.
func decodeValidated(phase model.IntentStatus, raw string, schema *jsonschema.Schema, out any) error {
	text := stripFences(raw)
	var generic any
	if err := json.Unmarshal([]byte(text), &generic); err != nil {
		return &model.PipelineError{Kind: model.ErrMalformedAIResponse, Phase: phase,
			Message: "response is not JSON", Err: err}
	}
	if err := schema.Validate(generic); err != nil {
		return &model.PipelineError{Kind: model.ErrMalformedAIResponse, Phase: phase,
			Message: "response shape invalid", Err: err}
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return &model.PipelineError{Kind: model.ErrMalformedAIResponse, Phase: phase,
			Message: "response decode failed", Err: err}
	}
	return nil
}

// stripFences unwraps a markdown code block if the model added one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
