// Package graph validates a workflow's task dependency graph and lays it out
// into topologically ordered waves for parallel dispatch.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/basket/browserwf/internal/model"
)

// Validate checks that every task name is unique, every depends_on entry
// names a task that exists, and the dependency graph is acyclic. It returns
// an *model.Error of kind ErrInvalidDefinition naming the offending tasks.
func Validate(def model.Definition) error {
	if len(def.Tasks) == 0 {
		return model.NewError(model.ErrInvalidDefinition, "definition has no tasks")
	}

	seen := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		if t.Name == "" {
			return model.NewError(model.ErrInvalidDefinition, "task has empty name")
		}
		if seen[t.Name] {
			return model.NewError(model.ErrInvalidDefinition, "duplicate task name %q", t.Name)
		}
		if t.AgentType == "" || t.Action == "" {
			return model.NewError(model.ErrInvalidDefinition, "task %q must set agent_type and action", t.Name)
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return model.NewError(model.ErrInvalidDefinition, "task %q depends on unknown or not-yet-declared task %q", t.Name, dep)
			}
		}
		seen[t.Name] = true
	}

	if cycle := findCycle(def); len(cycle) > 0 {
		return model.NewError(model.ErrInvalidDefinition, "cycle detected among tasks: %s", strings.Join(cycle, " -> "))
	}

	return nil
}

// findCycle returns the names of tasks participating in a dependency cycle,
// in cycle order, or nil if the graph is acyclic. Depth-first with a
// recursion stack, reported deterministically by walking tasks in
// definition order.
func findCycle(def model.Definition) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(def.Tasks))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		stack = append(stack, name)

		t, _ := def.TaskByName(name)
		for _, dep := range t.DependsOn {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cyc := append([]string{}, stack[start:]...)
				return append(cyc, dep)
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, t := range def.Tasks {
		if color[t.Name] == white {
			if cyc := visit(t.Name); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// Waves groups a validated definition's tasks into topologically ordered
// waves: wave 0 has no dependencies, wave 1 depends only on wave 0, and so
// on. Call Validate first; Waves assumes the graph is acyclic and its
// dependency references resolve.
func Waves(def model.Definition) [][]model.TaskSpec {
	processed := make(map[string]bool, len(def.Tasks))
	var waves [][]model.TaskSpec

	for len(processed) < len(def.Tasks) {
		var wave []model.TaskSpec
		for _, t := range def.Tasks {
			if processed[t.Name] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			// Validate should have already rejected this; guard against
			// misuse rather than loop forever.
			return waves
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].Name < wave[j].Name })
		waves = append(waves, wave)
		for _, t := range wave {
			processed[t.Name] = true
		}
	}
	return waves
}

// Fingerprint returns a stable string identifying the graph shape, used by
// callers that want to detect whether two definitions have the same task
// topology regardless of parameter values.
func Fingerprint(def model.Definition) string {
	var b strings.Builder
	names := make([]string, 0, len(def.Tasks))
	for _, t := range def.Tasks {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	for _, n := range names {
		t, _ := def.TaskByName(n)
		deps := append([]string{}, t.DependsOn...)
		sort.Strings(deps)
		fmt.Fprintf(&b, "%s<%s>;", n, strings.Join(deps, ","))
	}
	return b.String()
}
