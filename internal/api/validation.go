package api

import (
	"github.com/xeipuuv/gojsonschema"
)

// submitSchema is the JSON Schema the submit body must satisfy. Only
// what the workflow needs is enforced: identity of the applicant and a
// positive amount with a known shape.
const submitSchema = `{
	"type": "object",
	"required": ["firstName", "lastName", "email", "applicationData"],
	"properties": {
		"applicationId": {"type": "string", "minLength": 1},
		"firstName": {"type": "string", "minLength": 1},
		"lastName": {"type": "string", "minLength": 1},
		"email": {"type": "string", "minLength": 3},
		"applicationData": {
			"type": "object",
			"required": ["type", "amount"],
			"properties": {
				"type": {"type": "string", "minLength": 1},
				"amount": {"type": "integer", "minimum": 1},
				"documents": {
					"type": "array",
					"items": {"type": "string"}
				}
			}
		}
	}
}`

var compiledSubmitSchema = gojsonschema.NewStringLoader(submitSchema)

// ValidateSubmit checks a raw submit body against the schema and returns
// a human-readable error string, empty when valid.
func ValidateSubmit(body []byte) string {
	result, err := gojsonschema.Validate(compiledSubmitSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "invalid json"
	}
	if result.Valid() {
		return ""
	}
	// Report the first violation; one actionable error beats a wall.
	for _, desc := range result.Errors() {
		return desc.String()
	}
	return "invalid request"
}
