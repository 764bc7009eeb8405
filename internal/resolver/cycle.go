package resolver

import (
	"sort"
	"strings"
)

// CircularDependencies scans every known operation for dependency
// cycles. A cycle means the involved operations can never apply; the
// result is diagnostic only, the engine does not break cycles.
//
// Each cycle is reported as an id list starting at the operation where
// the walk re-entered its own path, e.g. [a b c a] minus the closing
// repeat: [a b c].
func (e *Engine) CircularDependencies() [][]string {
	const (
		white = iota // unvisited
		gray         // on the current walk
		black        // fully explored
	)
	color := make(map[string]int, len(e.ops))
	var stack []string
	var cycles [][]string
	seen := make(map[string]struct{})

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		if op, ok := e.ops[id]; ok {
			for _, dep := range op.DependsOn {
				if _, known := e.ops[dep]; !known {
					continue
				}
				switch color[dep] {
				case white:
					visit(dep)
				case gray:
					cycle := extractCycle(stack, dep)
					if key := cycleKey(cycle); key != "" {
						if _, dup := seen[key]; !dup {
							seen[key] = struct{}{}
							cycles = append(cycles, cycle)
						}
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	ids := make([]string, 0, len(e.ops))
	for id := range e.ops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// extractCycle slices the walk stack from the repeated id onward.
func extractCycle(stack []string, repeated string) []string {
	for i, id := range stack {
		if id == repeated {
			cycle := make([]string, len(stack)-i)
			copy(cycle, stack[i:])
			return cycle
		}
	}
	return nil
}

// cycleKey canonicalizes a cycle so the same loop found from two entry
// points reports once.
func cycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	sorted := make([]string, len(cycle))
	copy(sorted, cycle)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}
