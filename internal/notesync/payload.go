package notesync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Mutation payloads are validated before they ever reach the wire; a schema
// violation is a payload-class failure and terminal, the same as a server 422.

const createPayloadSchema = `{
	"type": "object",
	"required": ["content", "clientId"],
	"properties": {
		"content": {"type": "string", "minLength": 1, "maxLength": 100000},
		"title": {"type": "string", "maxLength": 512},
		"clientId": {"type": "string", "minLength": 1}
	}
}`

const updatePayloadSchema = `{
	"type": "object",
	"required": ["noteId"],
	"properties": {
		"noteId": {"type": "string", "minLength": 1},
		"content": {"type": "string", "maxLength": 100000},
		"title": {"type": "string", "maxLength": 512},
		"isRescued": {"type": "boolean"},
		"clientId": {"type": "string"}
	}
}`

const deletePayloadSchema = `{
	"type": "object",
	"required": ["noteId"],
	"properties": {
		"noteId": {"type": "string", "minLength": 1}
	}
}`

var payloadSchemas = mustCompilePayloadSchemas()

func mustCompilePayloadSchemas() map[MutationType]*jsonschema.Schema {
	sources := map[MutationType]string{
		MutationCreate: createPayloadSchema,
		MutationUpdate: updatePayloadSchema,
		MutationDelete: deletePayloadSchema,
	}
	compiler := jsonschema.NewCompiler()
	for mutation, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(source)))
		if err != nil {
			panic(fmt.Sprintf("notesync: bad %s payload schema: %v", mutation, err))
		}
		if err := compiler.AddResource(string(mutation)+".json", doc); err != nil {
			panic(fmt.Sprintf("notesync: add %s payload schema: %v", mutation, err))
		}
	}
	compiled := make(map[MutationType]*jsonschema.Schema, len(sources))
	for mutation := range sources {
		schema, err := compiler.Compile(string(mutation) + ".json")
		if err != nil {
			panic(fmt.Sprintf("notesync: compile %s payload schema: %v", mutation, err))
		}
		compiled[mutation] = schema
	}
	return compiled
}

// ValidatePayload checks a queued mutation against its schema. A violation
// comes back as a classified payload error.
func ValidatePayload(item OutboxItem) *ClassifiedError {
	schema, ok := payloadSchemas[item.Type]
	if !ok {
		return newClassified(NetworkPayload, fmt.Errorf("unknown mutation type %q", item.Type), ErrorDetails{})
	}
	raw, err := json.Marshal(item.Payload)
	if err != nil {
		return newClassified(NetworkPayload, err, ErrorDetails{})
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return newClassified(NetworkPayload, err, ErrorDetails{})
	}
	if err := schema.Validate(value); err != nil {
		return newClassified(NetworkPayload, err, ErrorDetails{})
	}
	return nil
}
