package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jsonschemav6 "github.com/santhosh-tekuri/jsonschema/v6"
)

// GenerateArgsSchema derives a JSON schema document from a Go argument type
// using its json/jsonschema struct tags. Tools register the returned schema
// on their ToolSpec so providers can surface it as a function-calling
// signature.
func GenerateArgsSchema[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference:           true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(zero)
	out, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: generate schema: %w", err)
	}
	return out, nil
}

// schemaCache memoizes compiled validators keyed by the schema document bytes,
// since compilation is not free and the same ToolSpec is validated repeatedly.
var schemaCache sync.Map

// ValidateArgs checks payload against the tool's declared JSON schema,
// returning FieldIssues the caller can turn into a RetryHint. A nil schema
// is treated as "no constraints" and always validates.
func ValidateArgs(schema json.RawMessage, payload []byte) ([]FieldIssue, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return []FieldIssue{{Field: "", Constraint: "json", Format: "invalid JSON payload"}}, nil
	}

	if err := compiled.Validate(decoded); err != nil {
		return issuesFromValidationError(err), nil
	}
	return nil, nil
}

func compileSchema(schema json.RawMessage) (*jsonschemav6.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschemav6.Schema); ok {
			return compiled, nil
		}
	}

	compiler := jsonschemav6.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, err
	}
	const resourceName = "tool-args.json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// issuesFromValidationError flattens a jsonschema validation error tree into
// FieldIssues suitable for RetryHint construction.
func issuesFromValidationError(err error) []FieldIssue {
	verr, ok := err.(*jsonschemav6.ValidationError)
	if !ok {
		return []FieldIssue{{Constraint: "schema", Format: err.Error()}}
	}
	var issues []FieldIssue
	var walk func(*jsonschemav6.ValidationError)
	walk = func(v *jsonschemav6.ValidationError) {
		if len(v.Causes) == 0 {
			field := ""
			if len(v.InstanceLocation) > 0 {
				field = v.InstanceLocation[len(v.InstanceLocation)-1]
			}
			issues = append(issues, FieldIssue{Field: field, Constraint: "schema", Format: v.Error()})
			return
		}
		for _, c := range v.Causes {
			walk(c)
		}
	}
	walk(verr)
	return issues
}
