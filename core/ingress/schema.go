package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/xeipuuv/gojsonschema"
)

var (
	schemaOnce   sync.Once
	schemaJSON   []byte
	schemaLoader gojsonschema.JSONLoader
	compiled     *gojsonschema.Schema
	schemaErr    error
)

func loadSchema() {
	reflector := jsonschema.Reflector{DoNotReference: true, AllowAdditionalProperties: true}
	schema := reflector.Reflect(&blocks.SourceEvent{})
	// gojsonschema validates up to draft-07.
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.ID = ""
	schema.Title = "SourceEvent"
	schema.Description = "Activity reported by a narrated source"

	schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	if schemaErr != nil {
		return
	}
	schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)
	compiled, schemaErr = gojsonschema.NewSchema(schemaLoader)
}

// SourceEventSchema returns the JSON schema every ingress payload must match.
func SourceEventSchema() ([]byte, error) {
	schemaOnce.Do(loadSchema)
	return schemaJSON, schemaErr
}

// ValidatePayload checks a raw JSON payload against the SourceEvent schema
// and decodes it. Schema violations wrap ErrInvalidEvent.
func ValidatePayload(raw []byte) (blocks.SourceEvent, error) {
	schemaOnce.Do(loadSchema)
	if schemaErr != nil {
		return blocks.SourceEvent{}, fmt.Errorf("source event schema unavailable: %w", schemaErr)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return blocks.SourceEvent{}, &FieldError{Field: "body", Reason: "malformed json: " + err.Error()}
	}
	if !result.Valid() {
		violations := result.Errors()
		reasons := make([]string, 0, len(violations))
		for _, violation := range violations {
			reasons = append(reasons, violation.Description())
		}
		return blocks.SourceEvent{}, &FieldError{Field: violations[0].Field(), Reason: strings.Join(reasons, "; ")}
	}

	var event blocks.SourceEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return blocks.SourceEvent{}, &FieldError{Field: typeErr.Field, Reason: err.Error()}
		}
		return blocks.SourceEvent{}, &FieldError{Field: "body", Reason: err.Error()}
	}
	return event, nil
}
