// Package translate converts between the downstream Messages shapes and the
// upstream Responses shapes: tool schemas (strict-mode rewrite), requests
// (messages to input items) and complete responses (output items to content
// blocks).
package translate

import "sort"

// rejectedFormats lists JSON Schema "format" values the upstream refuses
// under strict mode.
var rejectedFormats = map[string]bool{
	"uri": true,
}

// NormalizeSchema rewrites a tool's JSON Schema so the upstream accepts it
// with strict:true: every object node requires all of its properties and
// forbids additional ones, and rejected format annotations are stripped.
// The input is never mutated; the result is a deep copy. Applying the
// normalization twice yields the same schema as applying it once.
func NormalizeSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	cloned := cloneJSONValue(schema).(map[string]interface{})
	normalizeNode(cloned)
	return cloned
}

func cloneJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = cloneJSONValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = cloneJSONValue(val)
		}
		return s
	default:
		return t
	}
}

func normalizeNode(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		if isObjectSchema(node) {
			if props, ok := node["properties"].(map[string]interface{}); ok {
				node["required"] = requiredUnion(node["required"], props)
			}
			node["additionalProperties"] = false
		}
		if format, ok := node["format"].(string); ok && rejectedFormats[format] {
			delete(node, "format")
		}
		for _, child := range node {
			normalizeNode(child)
		}
	case []interface{}:
		for _, child := range node {
			normalizeNode(child)
		}
	}
}

// isObjectSchema reports whether a node describes an object: an explicit
// "object" type, or no type at all but a properties map (common in
// hand-written tool schemas).
func isObjectSchema(node map[string]interface{}) bool {
	switch t := node["type"].(type) {
	case string:
		return t == "object"
	case []interface{}:
		for _, v := range t {
			if s, ok := v.(string); ok && s == "object" {
				return true
			}
		}
		return false
	}
	_, hasProps := node["properties"].(map[string]interface{})
	return hasProps
}

// requiredUnion merges the node's existing required list with every property
// name, sorted for a deterministic wire form.
func requiredUnion(existing interface{}, props map[string]interface{}) []interface{} {
	seen := make(map[string]bool, len(props))
	if list, ok := existing.([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				seen[s] = true
			}
		}
	}
	for name := range props {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]interface{}, len(names))
	for i, name := range names {
		out[i] = name
	}
	return out
}
