package relaychat

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookSchema is the wire contract for inbound webhook envelopes. It gates
// shape only; semantic checks (supported triggers, platforms) happen in the
// router so they can answer with the right outcome instead of a 400.
const webhookSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenantId", "body"],
  "properties": {
    "tenantId": {"type": "string", "minLength": 1},
    "body": {
      "type": "object",
      "required": ["trigger", "appUser"],
      "properties": {
        "trigger": {"type": "string", "minLength": 1},
        "app": {
          "type": "object",
          "properties": {"id": {"type": "string"}}
        },
        "appUser": {
          "type": "object",
          "required": ["id"],
          "properties": {
            "id": {"type": "string", "minLength": 1},
            "integrationId": {"type": "string"}
          }
        },
        "client": {"$ref": "#/$defs/endpoint"},
        "destination": {"$ref": "#/$defs/endpoint"},
        "messages": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {"type": "string", "minLength": 1},
              "text": {"type": "string"},
              "mediaUrl": {"type": "string"},
              "mediaType": {"type": "string"},
              "received": {"type": "number"}
            }
          }
        },
        "activity": {
          "type": "object",
          "properties": {"type": {"type": "string"}}
        },
        "postbacks": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["actionId"],
            "properties": {
              "actionId": {"type": "string", "minLength": 1},
              "payload": {"type": "string"},
              "text": {"type": "string"}
            }
          }
        },
        "error": {
          "type": "object",
          "required": ["code"],
          "properties": {
            "code": {"type": "string", "minLength": 1},
            "message": {"type": "string"},
            "messageId": {"type": "string"}
          }
        },
        "timestamp": {"type": "number"}
      }
    }
  },
  "$defs": {
    "endpoint": {
      "type": "object",
      "properties": {
        "platform": {"type": "string"},
        "integrationId": {"type": "string"}
      }
    }
  }
}`

var (
	webhookSchemaOnce     sync.Once
	webhookSchemaCompiled *jsonschema.Schema
	webhookSchemaErr      error
)

func compiledWebhookSchema() (*jsonschema.Schema, error) {
	webhookSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchema))
		if err != nil {
			webhookSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("webhook.json", doc); err != nil {
			webhookSchemaErr = err
			return
		}
		webhookSchemaCompiled, webhookSchemaErr = compiler.Compile("webhook.json")
	})
	return webhookSchemaCompiled, webhookSchemaErr
}

// ValidateWebhookPayload checks a raw envelope against the wire schema.
// Violations come back wrapped in ErrInvalidInput.
func ValidateWebhookPayload(raw []byte) error {
	schema, err := compiledWebhookSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
