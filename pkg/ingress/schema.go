package ingress

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// exchangeSchema validates the exchange payload shape before the request
// reaches the session manager.
const exchangeSchema = `{
	"type": "object",
	"properties": {
		"user_message": {
			"type": "string",
			"minLength": 1
		},
		"assistant_response": {
			"type": "string",
			"minLength": 1
		},
		"assistant_name": {
			"type": "string"
		}
	},
	"required": ["user_message", "assistant_response"],
	"additionalProperties": false
}`

// validateExchangePayload validates a raw exchange body against the schema.
func validateExchangePayload(body []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(body)
	schemaLoader := gojsonschema.NewStringLoader(exchangeSchema)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, verr := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += verr.String()
		}
		return fmt.Errorf("invalid exchange payload: %s", errMsg)
	}

	return nil
}
