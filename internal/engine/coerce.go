package engine

import (
	"encoding/json"
	"strconv"
)

// CoerceToSchema converts string leaves of value to the numeric and
// boolean types the schema declares. Workflow authors and agents routinely
// write "42" where a tool wants 42; tools reject that, so coercion runs
// before every tool call. Values that do not parse are left untouched and
// surface as tool-side validation errors.
func CoerceToSchema(value any, rawSchema json.RawMessage) any {
	if len(rawSchema) == 0 {
		return value
	}
	var node map[string]any
	if err := json.Unmarshal(rawSchema, &node); err != nil {
		return value
	}
	return coerce(value, node)
}

func coerce(value any, node map[string]any) any {
	if node == nil {
		return value
	}
	typ, _ := node["type"].(string)

	switch v := value.(type) {
	case string:
		switch typ {
		case "number":
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return n
			}
		case "integer":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		case "boolean":
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
		}
		return v
	case map[string]any:
		props, _ := node["properties"].(map[string]any)
		if typ != "object" && props == nil {
			return v
		}
		out := make(map[string]any, len(v))
		for k, elem := range v {
			if propNode, ok := props[k].(map[string]any); ok {
				out[k] = coerce(elem, propNode)
			} else {
				out[k] = elem
			}
		}
		return out
	case []any:
		items, ok := node["items"].(map[string]any)
		if !ok {
			return v
		}
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = coerce(elem, items)
		}
		return out
	default:
		return value
	}
}

// FilterToSchema projects an object down to the properties an output
// schema declares. Non-objects and schemas without properties pass
// through unchanged.
func FilterToSchema(value any, rawSchema json.RawMessage) any {
	if len(rawSchema) == 0 {
		return value
	}
	var node map[string]any
	if err := json.Unmarshal(rawSchema, &node); err != nil {
		return value
	}
	props, _ := node["properties"].(map[string]any)
	if props == nil {
		return value
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	out := make(map[string]any, len(props))
	for k := range props {
		if v, exists := obj[k]; exists {
			out[k] = v
		}
	}
	return out
}
