// Package pipeline validates step graphs and produces the execution order
// the executor walks.
package pipeline

import (
	"container/heap"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"backupflow/backend/internal/problems"
	"backupflow/backend/pkg/models"
)

// ValidatedGraph is a pipeline that passed Validate together with its
// deterministic topological order and resolved producers.
type ValidatedGraph struct {
	Pipeline *models.Pipeline
	// Order lists step ids so that every step follows all of its producers.
	// Ties are broken by ascending step id.
	Order []string
	Start string

	steps      map[string]models.Step
	upstream   map[string][]string
	downstream map[string][]string
}

// Step returns the step with the given id.
func (g *ValidatedGraph) Step(id string) (models.Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Upstream returns the producers of id in ascending id order.
func (g *ValidatedGraph) Upstream(id string) []string { return g.upstream[id] }

// Downstream returns the consumers of id in ascending id order.
func (g *ValidatedGraph) Downstream(id string) []string { return g.downstream[id] }

// Terminal returns the steps nothing consumes, in topological order.
func (g *ValidatedGraph) Terminal() []string {
	var out []string
	for _, id := range g.Order {
		if len(g.downstream[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("steptype", func(fl validator.FieldLevel) bool {
		return models.StepType(fl.Field().String()).Valid()
	})
	return v
}

// Validate checks p and returns its validated graph. It has no side effects
// and must be re-run whenever steps or references change.
func Validate(p *models.Pipeline) (*ValidatedGraph, error) {
	if p == nil {
		return nil, problems.New(problems.InvalidDefinition, "pipeline is nil")
	}
	if err := checkDefinition(p); err != nil {
		return nil, err
	}

	steps := make(map[string]models.Step, len(p.Steps))
	for _, s := range p.Steps {
		steps[s.ID] = s
	}

	// Only references whose endpoints both exist count towards structure;
	// dangling ones are reported after the starting step is settled.
	type edge struct{ from, to string }
	seen := make(map[edge]bool)
	upstream := make(map[string][]string)
	downstream := make(map[string][]string)
	var dangling []string
	for i, ref := range p.References {
		_, fromOK := steps[ref.From]
		_, toOK := steps[ref.To]
		if !fromOK {
			dangling = append(dangling, fmt.Sprintf("references[%d].from", i))
		}
		if !toOK {
			dangling = append(dangling, fmt.Sprintf("references[%d].to", i))
		}
		if !fromOK || !toOK {
			continue
		}
		e := edge{ref.From, ref.To}
		if seen[e] {
			continue
		}
		seen[e] = true
		upstream[ref.To] = append(upstream[ref.To], ref.From)
		downstream[ref.From] = append(downstream[ref.From], ref.To)
	}
	for id := range upstream {
		sort.Strings(upstream[id])
	}
	for id := range downstream {
		sort.Strings(downstream[id])
	}

	var starts []string
	var startPaths []string
	for i, s := range p.Steps {
		if len(upstream[s.ID]) == 0 {
			starts = append(starts, s.ID)
			startPaths = append(startPaths, fmt.Sprintf("steps[%d]", i))
		}
	}
	switch {
	case len(starts) == 0:
		return nil, problems.New(problems.MissingStartingStep, "every step consumes another step's output").
			WithPaths("references")
	case len(starts) > 1:
		return nil, problems.New(problems.TooManyStartingSteps, "%d steps have no producer: %s", len(starts), strings.Join(starts, ", ")).
			WithPaths(startPaths...)
	}

	if len(dangling) > 0 {
		return nil, problems.New(problems.InvalidStepReferences, "references name steps that do not exist").
			WithPaths(dangling...)
	}

	order, err := topoOrder(p.Steps, upstream, downstream)
	if err != nil {
		return nil, err
	}

	start := starts[0]
	if unreachable := unreachableFrom(start, p.Steps, downstream); len(unreachable) > 0 {
		paths := make([]string, 0, len(unreachable))
		for _, i := range unreachable {
			paths = append(paths, fmt.Sprintf("steps[%d]", i))
		}
		return nil, problems.New(problems.InvalidStructure, "steps are not reachable from starting step %q", start).
			WithPaths(paths...)
	}

	return &ValidatedGraph{
		Pipeline:   p,
		Order:      order,
		Start:      start,
		steps:      steps,
		upstream:   upstream,
		downstream: downstream,
	}, nil
}

func checkDefinition(p *models.Pipeline) error {
	var paths []string
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return problems.Wrap(problems.InvalidDefinition, err, "pipeline definition")
		}
		for _, fe := range verrs {
			paths = append(paths, propertyPath(fe.Namespace()))
		}
	}

	ids := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			continue
		}
		if _, dup := ids[s.ID]; dup {
			paths = append(paths, fmt.Sprintf("steps[%d].id", i))
			continue
		}
		ids[s.ID] = i
	}

	if len(paths) > 0 {
		return problems.New(problems.InvalidDefinition, "pipeline definition has invalid fields").
			WithPaths(paths...)
	}
	return nil
}

// propertyPath strips the root struct name validator puts in front of a
// namespace ("Pipeline.steps[0].id" -> "steps[0].id").
func propertyPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// topoOrder runs Kahn's algorithm with a min-heap so ready steps are emitted
// in ascending id order. Steps left over belong to a cycle.
func topoOrder(steps []models.Step, upstream, downstream map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	ready := &idHeap{}
	for _, s := range steps {
		indegree[s.ID] = len(upstream[s.ID])
		if indegree[s.ID] == 0 {
			heap.Push(ready, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, next := range downstream[id] {
			indegree[next]--
			if indegree[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	if len(order) < len(steps) {
		var paths, cyclic []string
		for i, s := range steps {
			if indegree[s.ID] > 0 {
				cyclic = append(cyclic, s.ID)
				paths = append(paths, fmt.Sprintf("steps[%d]", i))
			}
		}
		return nil, problems.New(problems.InvalidStructure, "references form a cycle through %s", strings.Join(cyclic, ", ")).
			WithPaths(paths...)
	}
	return order, nil
}

func unreachableFrom(start string, steps []models.Step, downstream map[string][]string) []int {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range downstream[id] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	var out []int
	for i, s := range steps {
		if !visited[s.ID] {
			out = append(out, i)
		}
	}
	return out
}

type idHeap []string

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(string)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
