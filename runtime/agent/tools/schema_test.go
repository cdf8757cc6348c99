package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query    string `json:"query" jsonschema:"required"`
	MaxItems int    `json:"maxItems,omitempty"`
}

func TestGenerateArgsSchema(t *testing.T) {
	schema, err := GenerateArgsSchema[searchArgs]()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(schema, &doc))
	require.Equal(t, "object", doc["type"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, props, "query")
	require.Contains(t, props, "maxItems")
}

func TestValidateArgs_NilSchemaAlwaysValid(t *testing.T) {
	issues, err := ValidateArgs(nil, []byte(`{"anything": true}`))
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidateArgs_ValidPayload(t *testing.T) {
	schema, err := GenerateArgsSchema[searchArgs]()
	require.NoError(t, err)

	issues, err := ValidateArgs(schema, []byte(`{"query": "hello"}`))
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidateArgs_MissingRequiredField(t *testing.T) {
	schema, err := GenerateArgsSchema[searchArgs]()
	require.NoError(t, err)

	issues, err := ValidateArgs(schema, []byte(`{}`))
	require.NoError(t, err)
	require.NotEmpty(t, issues)
}

func TestValidateArgs_InvalidJSONPayload(t *testing.T) {
	schema, err := GenerateArgsSchema[searchArgs]()
	require.NoError(t, err)

	issues, err := ValidateArgs(schema, []byte(`{not json`))
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, "json", issues[0].Constraint)
}

func TestValidateArgs_CompiledSchemaIsCached(t *testing.T) {
	schema, err := GenerateArgsSchema[searchArgs]()
	require.NoError(t, err)

	first, err := compileSchema(schema)
	require.NoError(t, err)
	second, err := compileSchema(schema)
	require.NoError(t, err)
	require.Same(t, first, second)
}
