package indexd

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// recordSchemaJSON describes the fields of an indexd record the mapper depends on.
// Everything else indexd returns is accepted as-is.
const recordSchemaJSON = `{
	"type": "object",
	"required": ["did", "file_name", "size"],
	"properties": {
		"did": {"type": "string", "minLength": 1},
		"file_name": {"type": "string", "minLength": 1},
		"size": {"type": "integer", "minimum": 0},
		"rev": {"type": ["string", "null"]},
		"created_date": {"type": ["string", "null"]},
		"updated_date": {"type": ["string", "null"]},
		"hashes": {"type": ["object", "null"], "additionalProperties": {"type": "string"}},
		"urls": {"type": ["array", "null"], "items": {"type": "string"}},
		"metadata": {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
	}
}`

// listSchemaJSON describes the indexd list payload; "ids" may be absent.
const listSchemaJSON = `{
	"type": "object",
	"properties": {
		"ids": {"type": ["array", "null"], "items": {"type": "string"}}
	}
}`

// validate checks body against schema and folds all violations into one error.
func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
