// Package dag compiles task declarations into layered execution plans and
// runs them with bounded concurrency, resolving inter-task output
// references and supporting pause/resume/replan (spec §4.4).
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/errorkind"
)

// Plan is a compiled, layered DAG: tasks grouped so every task in layer i
// depends only on tasks in layers 0..i-1.
type Plan struct {
	Tasks  map[string]api.TaskSpec
	Layers [][]string
}

// Compile validates task references, rejects cycles and self-dependencies,
// and computes Kahn layers with stable (declared-id) ordering within a
// layer (spec §4.4.1).
func Compile(tasks []api.TaskSpec) (*Plan, error) {
	byID := make(map[string]api.TaskSpec, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, errorkind.New(errorkind.Validation, "duplicate task id: "+t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return nil, errorkind.New(errorkind.Validation, "task depends on itself: "+t.ID)
			}
			if _, ok := byID[dep]; !ok {
				return nil, errorkind.New(errorkind.Validation, fmt.Sprintf("task %s depends on undeclared task %s", t.ID, dep))
			}
		}
		if err := validateReferences(t, byID); err != nil {
			return nil, err
		}
	}

	layers, err := layerByKahn(tasks, byID)
	if err != nil {
		return nil, err
	}

	return &Plan{Tasks: byID, Layers: layers}, nil
}

// validateReferences walks t's InputArgs tree and checks every "$tid" whole
// reference and every embedded "${tid}" reference names a task in the
// transitive closure of t.DependsOn (spec §4.4.1 step 1, spec §6 "Output
// references").
func validateReferences(t api.TaskSpec, byID map[string]api.TaskSpec) error {
	reachable := transitiveDeps(t.ID, byID)
	var walk func(v any) error
	walk = func(v any) error {
		switch x := v.(type) {
		case string:
			for _, tid := range referencedIDsIn(x) {
				if _, ok := byID[tid]; !ok {
					return errorkind.New(errorkind.Validation, fmt.Sprintf("task %s references undeclared task %s", t.ID, tid))
				}
				if !reachable[tid] {
					return errorkind.New(errorkind.Validation, fmt.Sprintf("task %s references %s which is not in its dependsOn closure", t.ID, tid))
				}
			}
		case map[string]any:
			for _, vv := range x {
				if err := walk(vv); err != nil {
					return err
				}
			}
		case []any:
			for _, vv := range x {
				if err := walk(vv); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, v := range t.InputArgs {
		if err := walk(v); err != nil {
			return err
		}
	}
	return nil
}

func transitiveDeps(id string, byID map[string]api.TaskSpec) map[string]bool {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(tid string) {
		t, ok := byID[tid]
		if !ok {
			return
		}
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(id)
	return seen
}

// layerByKahn computes layers via Kahn's algorithm: layer 0 is every task
// with no deps, layer k+1 is every remaining task whose deps all lie in
// layers 0..k. A task left unplaced after no progress indicates a cycle.
func layerByKahn(tasks []api.TaskSpec, byID map[string]api.TaskSpec) ([][]string, error) {
	remaining := make(map[string]api.TaskSpec, len(byID))
	for id, t := range byID {
		remaining[id] = t
	}
	placed := make(map[string]bool, len(byID))

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		for id, t := range remaining {
			ready := true
			for _, dep := range t.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, errorkind.New(errorkind.Validation, "dependency cycle detected among: "+remainingIDs(remaining))
		}
		sort.Strings(layer)
		for _, id := range layer {
			placed[id] = true
			delete(remaining, id)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

func remainingIDs(remaining map[string]api.TaskSpec) string {
	ids := make([]string, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}
