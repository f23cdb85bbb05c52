package pulse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/flow/runtime/workflow"
)

// streamEventSchema is the fixed wire schema for stream events. Envelopes
// that fail validation are dropped on the consumer side.
const streamEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_id", "tenant", "event_type", "event_name"],
  "properties": {
    "event_id":     {"type": "string", "minLength": 1},
    "execution_id": {"type": "string"},
    "tenant":       {"type": "string", "minLength": 1},
    "event_type":   {"type": "string", "minLength": 1},
    "event_name":   {"type": "string", "minLength": 1},
    "payload":      {"type": ["object", "null"]}
  },
  "additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(streamEventSchema)))
		if err != nil {
			schemaErr = fmt.Errorf("parse stream event schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("stream_event.json", doc); err != nil {
			schemaErr = fmt.Errorf("add stream event schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("stream_event.json")
	})
	return schema, schemaErr
}

// encodeEnvelope serializes a stream event for publication.
func encodeEnvelope(ev workflow.StreamEvent) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode stream event %s: %w", ev.EventID, err)
	}
	return raw, nil
}

// decodeEnvelope parses and schema-validates a raw payload read from the
// stream. Malformed or schema-violating envelopes yield a validation error.
func decodeEnvelope(raw []byte) (workflow.StreamEvent, error) {
	sch, err := compiledSchema()
	if err != nil {
		return workflow.StreamEvent{}, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return workflow.StreamEvent{}, workflow.Validationf("malformed stream envelope: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return workflow.StreamEvent{}, workflow.Validationf("invalid stream envelope: %v", err)
	}
	var ev workflow.StreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return workflow.StreamEvent{}, workflow.Validationf("decode stream envelope: %v", err)
	}
	return ev, nil
}
