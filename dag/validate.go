package dag

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcpgate/gateway/errorkind"
)

// compileSchema turns a tool's raw JSON schema map into a validator. A nil
// or empty schema is treated as "accept anything" — not every tool
// declares an input schema.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Internal, err, "marshal schema")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Validation, err, "decode schema")
	}

	const resourceURL = "mem://task-input-schema"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, errorkind.Wrap(errorkind.Validation, err, "add schema resource")
	}
	sch, err := c.Compile(resourceURL)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Validation, err, "compile schema")
	}
	return sch, nil
}

// validateAgainstSchema validates resolved args against a tool's input
// schema (spec §4.4 domain stack: schema mismatches become VALIDATION
// errors rather than silent coercion). A nil schema always passes.
func validateAgainstSchema(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return errorkind.New(errorkind.Validation, fmt.Sprintf("input schema validation failed: %v", err))
	}
	return nil
}
