package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a Go args struct into the Anthropic-style
// input_schema every Tool.Schema must return, using `json` tags for
// parameter names and `jsonschema:"required,description=...,enum=a,enum=b"`
// tags for the rest. Grounded on
// kadirpekel-hector/pkg/tool/functiontool/schema.go's reflector settings:
// required-from-tags, no $ref indirection, no $schema/$id noise.
func GenerateSchema[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", *new(T), err))
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		panic(fmt.Sprintf("tools: decode reflected schema for %T: %v", *new(T), err))
	}
	delete(asMap, "$schema")
	delete(asMap, "$id")

	out, err := json.Marshal(asMap)
	if err != nil {
		panic(fmt.Sprintf("tools: re-encode schema for %T: %v", *new(T), err))
	}
	return out
}
