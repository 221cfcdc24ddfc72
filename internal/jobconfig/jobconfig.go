// Package jobconfig validates the per-job configuration blob on write.
package jobconfig

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mkarlsen/pdfbatch/internal/core"
)

// schemaJSON bounds the known configuration knobs; unknown keys are allowed
// so clients can carry tool-specific options through.
const schemaJSON = `{
  "type": "object",
  "properties": {
    "dpi":        {"type": "integer", "minimum": 72, "maximum": 1200},
    "quality":    {"type": "integer", "minimum": 1, "maximum": 100},
    "page_range": {"type": "string", "pattern": "^[0-9]+(-[0-9]+)?(,[0-9]+(-[0-9]+)?)*$"},
    "ocr":        {"type": "boolean"},
    "grayscale":  {"type": "boolean"},
    "password":   {"type": "string", "maxLength": 256}
  }
}`

var schema = jsonschema.MustCompileString("jobconfig.json", schemaJSON)

// Validate checks a raw config blob against the schema. An empty blob is
// valid. Schema violations surface as validation errors (400 at the edge).
func Validate(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > core.MaxConfigSize {
		return core.Invalid("config exceeds %d bytes", core.MaxConfigSize)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return core.Invalid("config is not valid JSON: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return core.Invalid("config does not match schema: %s", summarize(err))
	}
	return nil
}

// summarize flattens the validator's multi-line output into one message.
func summarize(err error) string {
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + leaf.Message
	}
	return strings.ReplaceAll(err.Error(), "\n", "; ")
}
