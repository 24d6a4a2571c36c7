package toolexecutor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var schemaTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

// InputSchema builds the JSON schema object for def's parameters. Unknown
// properties are rejected.
func InputSchema(def ToolDefinition) map[string]interface{} {
	props := make(map[string]interface{}, len(def.Parameters))
	var required []string
	for _, p := range def.Parameters {
		prop := map[string]interface{}{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return nil, fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return nil, fmt.Errorf("tool handler cannot be nil")
	}
	for _, p := range def.Parameters {
		switch {
		case p.Name == "":
			return nil, fmt.Errorf("parameter name cannot be empty")
		case !schemaTypes[p.Type]:
			return nil, fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		case p.Description == "":
			return nil, fmt.Errorf("parameter description cannot be empty for %s", p.Name)
		}
	}
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(InputSchema(def)))
}

// checkParams validates params against schema and joins every violation
// into one error.
func checkParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	res, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
