package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const maxBodyBytes = 64 << 10

const startSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "maxLength": 8192},
    "callbackUrl": {"type": "string", "format": "uri", "maxLength": 2048}
  },
  "additionalProperties": false
}`

const navigateSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1, "maxLength": 8192}
  },
  "required": ["url"],
  "additionalProperties": false
}`

var (
	startRequestSchema    = mustSchema(startSchema)
	navigateRequestSchema = mustSchema(navigateSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid request schema: %v", err))
	}
	return schema
}

// validationError lists every schema violation of a request body
type validationError struct {
	problems []string
}

func (e *validationError) Error() string {
	return "validation errors: " + strings.Join(e.problems, "; ")
}

// readBody reads and validates the request body. An empty body is treated as
// an empty object.
func readBody(r *http.Request, schema *gojsonschema.Schema) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, &validationError{problems: []string{"body too large"}}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, &validationError{problems: []string{"malformed JSON: " + err.Error()}}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, &validationError{problems: problems}
	}
	return body, nil
}
