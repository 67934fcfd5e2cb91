package executor

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Payload schemas for the supported action types. Unknown action types
// are rejected before schema lookup.
var payloadSchemas = map[string]string{
	v1.ActionTranscriptUpsert: `{
		"type": "object",
		"required": ["sessionId", "entry"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"entry": {
				"type": "object",
				"required": ["turnId"],
				"properties": {
					"turnId": {"type": "string", "minLength": 1}
				}
			}
		}
	}`,
	v1.ActionApprovalDecide: `{
		"type": "object",
		"required": ["approvalId", "decision"],
		"properties": {
			"approvalId": {"type": "string", "minLength": 1},
			"decision": {"type": "string", "enum": ["approve", "deny"]}
		}
	}`,
	v1.ActionTurnSteerCreate: `{
		"type": "object",
		"required": ["sessionId", "turnId"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"turnId": {"type": "string", "minLength": 1},
			"instruction": {"type": "string"}
		}
	}`,
	v1.ActionQueueEnqueue: `{
		"type": "object",
		"required": ["type", "projectId"],
		"properties": {
			"type": {"type": "string", "minLength": 1},
			"projectId": {"type": "string", "minLength": 1},
			"sourceSessionId": {"type": "string"},
			"priority": {"type": "string", "enum": ["interactive", "background"]},
			"dedupeKey": {"type": "string"},
			"payload": {"type": "object"}
		}
	}`,
}

func compilePayloadSchemas() (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for actionType, raw := range payloadSchemas {
		var doc any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", actionType, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("payload.json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", actionType, err)
		}
		schema, err := c.Compile("payload.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", actionType, err)
		}
		compiled[actionType] = schema
	}
	return compiled, nil
}
