// Package planner turns a validated workflow into an ordered wave schedule,
// per spec.md §4.1. Grounded on the teacher's in-degree bookkeeping in
// dag_engine.go's buildDAG/executeDAG, generalized from "roots only" to full
// longest-path layering and given real cycle-path reconstruction.
package planner

import (
	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/model"
)

// Wave is a set of task ids that become runnable together.
type Wave struct {
	TaskIDs []string
	Always  bool // every member's condition is literally "always()"
}

// Plan is the finite ordered sequence of waves produced for a workflow.
type Plan struct {
	Waves []Wave
}

// WaveOf returns the zero-based wave index containing id, or -1.
func (p Plan) WaveOf(id string) int {
	for i, w := range p.Waves {
		for _, t := range w.TaskIDs {
			if t == id {
				return i
			}
		}
	}
	return -1
}

// Build computes the execution plan for a workflow, or a *errs.CircularDependency
// if the task graph has a cycle. The workflow is assumed closed (every
// depends_on reference resolves) — Workflow.Validate should be called first.
func Build(wf model.Workflow) (Plan, error) {
	if cyclePath := detectCycle(wf); cyclePath != nil {
		return Plan{}, &errs.CircularDependency{Path: cyclePath}
	}

	order := make(map[string]int, len(wf.Tasks))
	for i, t := range wf.Tasks {
		order[t.ID] = i
	}

	wave := make(map[string]int, len(wf.Tasks))
	// Iterative longest-path layering: repeatedly relax until fixed point.
	// Safe because the graph is acyclic (checked above) and finite.
	changed := true
	for changed {
		changed = false
		for _, t := range wf.Tasks {
			w := 0
			for _, dep := range t.DependsOn {
				if wave[dep]+1 > w {
					w = wave[dep] + 1
				}
			}
			if wave[t.ID] != w {
				wave[t.ID] = w
				changed = true
			}
		}
	}

	maxWave := 0
	for _, w := range wave {
		if w > maxWave {
			maxWave = w
		}
	}

	buckets := make([][]string, maxWave+1)
	for _, t := range wf.Tasks {
		w := wave[t.ID]
		buckets[w] = append(buckets[w], t.ID)
	}
	for _, b := range buckets {
		sortByDeclarationOrder(b, order)
	}

	waves := make([]Wave, len(buckets))
	for i, ids := range buckets {
		waves[i] = Wave{TaskIDs: ids, Always: allAlways(wf, ids)}
	}

	return Plan{Waves: waves}, nil
}

func allAlways(wf model.Workflow, ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		t, ok := wf.TaskByID(id)
		if !ok || t.If != "always()" {
			return false
		}
	}
	return true
}

func sortByDeclarationOrder(ids []string, order map[string]int) {
	// Insertion sort: wave sizes are small in practice and this keeps the
	// tie-breaker (declaration order) trivially stable and obvious.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && order[ids[j-1]] > order[ids[j]]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// detectCycle runs a 3-color DFS and returns a concrete cycle path if one
// exists, else nil.
func detectCycle(wf model.Workflow) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Tasks))
	for _, t := range wf.Tasks {
		color[t.ID] = white
	}

	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)

		t, _ := wf.TaskByID(id)
		for _, dep := range t.DependsOn {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				// Found a back-edge to a gray node: reconstruct the cycle
				// from the recursion stack starting at dep.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, t := range wf.Tasks {
		if color[t.ID] == white {
			if visit(t.ID) {
				return cycle
			}
		}
	}
	return nil
}
