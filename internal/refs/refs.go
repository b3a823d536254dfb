// Package refs parses and substitutes @step / @input tokens embedded in
// step input objects. A token is a string value that is, in its entirety,
// "@name" or "@name.path.to.value"; substitution preserves the type of the
// looked-up value ("@input.id" resolving to the number 42 yields 42, not
// "42"). Unresolvable paths resolve to nil, not an error: the step executor
// is expected to fail naturally if required fields are missing.
package refs

import (
	"strconv"
	"strings"
)

// RefType classifies an @ token.
type RefType string

const (
	RefTypeStep  RefType = "step"
	RefTypeInput RefType = "input"
	RefTypeItem  RefType = "item"  // current forEach item
	RefTypeIndex RefType = "index" // current forEach iteration index
)

// Reserved namespaces that never name a step.
const (
	nsInput = "input"
	nsItem  = "item"
	nsIndex = "index"
)

// Ref is a parsed @ token.
type Ref struct {
	Type     RefType
	StepName string // set when Type == RefTypeStep
	Path     string // dot-delimited path below the root, "" for the whole value
}

// Scope holds the data available for resolution. Item and Index are used
// only inside forEach iterations.
type Scope struct {
	WorkflowInput map[string]any
	StepOutputs   map[string]any // step name -> completed output
	Item          any
	Index         *int
}

// ParseAtRef classifies a token. Returns false when the string is not a
// ref (does not start with '@', or is bare "@").
func ParseAtRef(token string) (Ref, bool) {
	if len(token) < 2 || token[0] != '@' {
		return Ref{}, false
	}
	body := token[1:]
	name, path, _ := strings.Cut(body, ".")
	if name == "" {
		return Ref{}, false
	}
	switch name {
	case nsInput:
		return Ref{Type: RefTypeInput, Path: path}, true
	case nsItem:
		return Ref{Type: RefTypeItem, Path: path}, true
	case nsIndex:
		return Ref{Type: RefTypeIndex, Path: path}, true
	default:
		return Ref{Type: RefTypeStep, StepName: name, Path: path}, true
	}
}

// ExtractRefs returns the distinct tokens found anywhere in value,
// in first-seen order. Used by the DAG builder to infer dependencies.
func ExtractRefs(value any) []string {
	seen := make(map[string]bool)
	var out []string
	walkStrings(value, func(s string) {
		if _, ok := ParseAtRef(s); ok && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	})
	return out
}

// StepDeps returns the distinct step names referenced in value.
func StepDeps(value any) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range ExtractRefs(value) {
		ref, _ := ParseAtRef(tok)
		if ref.Type == RefTypeStep && !seen[ref.StepName] {
			seen[ref.StepName] = true
			out = append(out, ref.StepName)
		}
	}
	return out
}

// Resolve produces a structurally identical copy of value with every ref
// token replaced by the looked-up value.
func Resolve(value any, scope *Scope) any {
	switch v := value.(type) {
	case string:
		if ref, ok := ParseAtRef(v); ok {
			return resolveRef(ref, scope)
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = Resolve(elem, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Resolve(elem, scope)
		}
		return out
	default:
		return v
	}
}

// ResolveToken resolves a single token string (e.g. a forEach ref).
// Non-token strings are returned unchanged.
func ResolveToken(token string, scope *Scope) any {
	ref, ok := ParseAtRef(token)
	if !ok {
		return token
	}
	return resolveRef(ref, scope)
}

func resolveRef(ref Ref, scope *Scope) any {
	if scope == nil {
		return nil
	}
	switch ref.Type {
	case RefTypeInput:
		if ref.Path == "" {
			return scope.WorkflowInput
		}
		return traverse(scope.WorkflowInput, ref.Path)
	case RefTypeItem:
		if ref.Path == "" {
			return scope.Item
		}
		return traverse(scope.Item, ref.Path)
	case RefTypeIndex:
		if scope.Index == nil {
			return nil
		}
		return *scope.Index
	case RefTypeStep:
		out, ok := scope.StepOutputs[ref.StepName]
		if !ok {
			return nil
		}
		if ref.Path == "" {
			return out
		}
		return traverse(out, ref.Path)
	}
	return nil
}

// traverse navigates nested maps and slices using a dot-delimited path.
// Numeric segments index into slices. Any miss yields nil.
func traverse(root any, path string) any {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

func walkStrings(value any, fn func(string)) {
	switch v := value.(type) {
	case string:
		fn(v)
	case map[string]any:
		for _, elem := range v {
			walkStrings(elem, fn)
		}
	case []any:
		for _, elem := range v {
			walkStrings(elem, fn)
		}
	}
}
