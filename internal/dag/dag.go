// Package dag validates the step graph implied by @ref dependencies and
// groups steps into parallel execution levels. The level grouping is a
// planning utility; the runtime orchestrator recomputes readiness from
// persisted state instead.
package dag

import (
	"sort"
	"strings"

	"github.com/mcpstudio/engine/internal/refs"
	"github.com/mcpstudio/engine/pkg/schema"
)

// ValidationResult reports the outcome of ValidateNoCycles.
type ValidationResult struct {
	IsValid bool
	Error   *schema.EngineError
}

// Dependencies returns the dependency map (step name -> dependency step
// names) inferred from @step refs inside each step's input and from its
// forEach ref. Dependency order within a step is deterministic.
func Dependencies(steps []schema.Step) map[string][]string {
	deps := make(map[string][]string, len(steps))
	for _, step := range steps {
		names := refs.StepDeps(step.Input)
		if step.ForEach != nil {
			if ref, ok := refs.ParseAtRef(step.ForEach.Ref); ok && ref.Type == refs.RefTypeStep {
				names = appendUnique(names, ref.StepName)
			}
		}
		sort.Strings(names)
		deps[step.Name] = names
	}
	return deps
}

// ValidateNoCycles checks that step names are unique, every referenced step
// exists, and the dependency graph is acyclic. The error names an offending
// step.
func ValidateNoCycles(steps []schema.Step) ValidationResult {
	byName := make(map[string]bool, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return invalid(schema.NewError(schema.ErrCodeValidation, "step with empty name"))
		}
		if byName[step.Name] {
			return invalid(schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name: %s", step.Name).WithStep(step.Name))
		}
		byName[step.Name] = true
	}

	deps := Dependencies(steps)
	for name, stepDeps := range deps {
		for _, dep := range stepDeps {
			if !byName[dep] {
				return invalid(schema.NewErrorf(schema.ErrCodeValidation,
					"step %s references non-existent step: %s", name, dep).WithStep(name))
			}
			if dep == name {
				return invalid(schema.NewErrorf(schema.ErrCodeCycleDetected,
					"step %s depends on itself", name).WithStep(name))
			}
		}
	}

	// Kahn's algorithm; whatever is left unsorted is part of a cycle.
	inDegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for name, stepDeps := range deps {
		inDegree[name] = len(stepDeps)
		for _, dep := range stepDeps {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		next := append([]string(nil), dependents[node]...)
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(deps) {
		var members []string
		for name, deg := range inDegree {
			if deg > 0 {
				members = append(members, name)
			}
		}
		sort.Strings(members)
		return invalid(schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a cycle involving: %s", strings.Join(members, ", ")).WithStep(members[0]))
	}

	return ValidationResult{IsValid: true}
}

// GroupStepsByLevel returns an ordered sequence of levels; each level holds
// steps whose dependencies are fully contained in earlier levels. Assumes a
// validated (acyclic) step set.
func GroupStepsByLevel(steps []schema.Step) [][]schema.Step {
	deps := Dependencies(steps)

	depth := make(map[string]int, len(steps))
	var resolve func(name string) int
	resolve = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		maxDep := -1
		for _, dep := range deps[name] {
			if d := resolve(dep); d > maxDep {
				maxDep = d
			}
		}
		depth[name] = maxDep + 1
		return maxDep + 1
	}

	maxLevel := 0
	for _, step := range steps {
		if d := resolve(step.Name); d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]schema.Step, maxLevel+1)
	for _, step := range steps {
		d := depth[step.Name]
		levels[d] = append(levels[d], step)
	}
	return levels
}

// Ready returns the names of steps whose dependencies are all completed and
// which are neither completed nor claimed themselves. This is the runtime
// readiness predicate the orchestrator recomputes after every completion.
func Ready(steps []schema.Step, completed, claimed map[string]bool) []string {
	deps := Dependencies(steps)
	var ready []string
	for _, step := range steps {
		if completed[step.Name] || claimed[step.Name] {
			continue
		}
		ok := true
		for _, dep := range deps[step.Name] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, step.Name)
		}
	}
	sort.Strings(ready)
	return ready
}

func invalid(err *schema.EngineError) ValidationResult {
	return ValidationResult{IsValid: false, Error: err}
}

func appendUnique(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}
