package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseSchema(t *testing.T, src string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(src), &m))
	return m
}

func TestNormalizeSchemaStrictRewrite(t *testing.T) {
	in := parseSchema(t, `{
		"type": "object",
		"properties": {
			"q": {"type": "string", "format": "uri"}
		}
	}`)

	out := NormalizeSchema(in)

	assert.Equal(t, false, out["additionalProperties"])
	assert.Equal(t, []interface{}{"q"}, out["required"])

	q := out["properties"].(map[string]interface{})["q"].(map[string]interface{})
	_, hasFormat := q["format"]
	assert.False(t, hasFormat, "uri format should be stripped")
	assert.Equal(t, "string", q["type"])
}

func TestNormalizeSchemaDoesNotMutateInput(t *testing.T) {
	in := parseSchema(t, `{
		"type": "object",
		"properties": {"a": {"type": "string", "format": "uri"}}
	}`)
	before, err := json.Marshal(in)
	require.NoError(t, err)

	_ = NormalizeSchema(in)

	after, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestNormalizeSchemaRecursesNestedSchemas(t *testing.T) {
	in := parseSchema(t, `{
		"type": "object",
		"properties": {
			"inner": {
				"type": "object",
				"properties": {"x": {"type": "number"}}
			},
			"list": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {"y": {"type": "string", "format": "uri"}}
				}
			}
		}
	}`)

	out := NormalizeSchema(in)

	props := out["properties"].(map[string]interface{})
	inner := props["inner"].(map[string]interface{})
	assert.Equal(t, false, inner["additionalProperties"])
	assert.Equal(t, []interface{}{"x"}, inner["required"])

	items := props["list"].(map[string]interface{})["items"].(map[string]interface{})
	assert.Equal(t, false, items["additionalProperties"])
	assert.Equal(t, []interface{}{"y"}, items["required"])
	y := items["properties"].(map[string]interface{})["y"].(map[string]interface{})
	_, hasFormat := y["format"]
	assert.False(t, hasFormat)
}

func TestNormalizeSchemaMergesExistingRequired(t *testing.T) {
	in := parseSchema(t, `{
		"type": "object",
		"properties": {"b": {"type": "string"}, "a": {"type": "string"}},
		"required": ["a", "legacy"]
	}`)

	out := NormalizeSchema(in)

	assert.Equal(t, []interface{}{"a", "b", "legacy"}, out["required"])
}

func TestNormalizeSchemaIdempotent(t *testing.T) {
	in := parseSchema(t, `{
		"type": "object",
		"properties": {
			"q": {"type": "string", "format": "uri"},
			"nested": {
				"type": "object",
				"properties": {"z": {"type": "boolean"}}
			}
		}
	}`)

	once := NormalizeSchema(in)
	twice := NormalizeSchema(once)

	onceJSON, err := json.Marshal(once)
	require.NoError(t, err)
	twiceJSON, err := json.Marshal(twice)
	require.NoError(t, err)
	assert.JSONEq(t, string(onceJSON), string(twiceJSON))
}

func TestNormalizeSchemaTypelessPropertiesTreatedAsObject(t *testing.T) {
	// Hand-written tool schemas often omit "type": "object".
	in := parseSchema(t, `{"properties": {"cmd": {"type": "string"}}}`)

	out := NormalizeSchema(in)

	assert.Equal(t, false, out["additionalProperties"])
	assert.Equal(t, []interface{}{"cmd"}, out["required"])
}

func TestNormalizeSchemaKeepsAcceptedFormats(t *testing.T) {
	in := parseSchema(t, `{
		"type": "object",
		"properties": {"when": {"type": "string", "format": "date-time"}}
	}`)

	out := NormalizeSchema(in)

	when := out["properties"].(map[string]interface{})["when"].(map[string]interface{})
	assert.Equal(t, "date-time", when["format"])
}

func TestNormalizeSchemaToleratesOddShapes(t *testing.T) {
	assert.Nil(t, NormalizeSchema(nil))

	// Non-object schema nodes pass through untouched.
	in := parseSchema(t, `{"type": "string", "format": "uri"}`)
	out := NormalizeSchema(in)
	_, hasFormat := out["format"]
	assert.False(t, hasFormat)
	_, hasAdditional := out["additionalProperties"]
	assert.False(t, hasAdditional, "non-object nodes gain no object keywords")

	// Schemas using anyOf still get their branches rewritten.
	branched := parseSchema(t, `{
		"anyOf": [
			{"type": "object", "properties": {"a": {"type": "string"}}},
			{"type": "string"}
		]
	}`)
	outB := NormalizeSchema(branched)
	first := outB["anyOf"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, false, first["additionalProperties"])
	assert.Equal(t, []interface{}{"a"}, first["required"])
}
