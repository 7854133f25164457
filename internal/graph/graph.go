// Package graph provides the task dependency graph for one workflow.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

var (
	// ErrDuplicateTaskID indicates a task id was registered twice.
	ErrDuplicateTaskID = fmt.Errorf("%w: duplicate task id", models.ErrInvalidGraph)
	// ErrUnknownDependency indicates a dependency names a task that does not exist.
	ErrUnknownDependency = fmt.Errorf("%w: unknown dependency", models.ErrInvalidGraph)
	// ErrSelfDependency indicates a task lists itself as a dependency.
	ErrSelfDependency = fmt.Errorf("%w: task depends on itself", models.ErrInvalidGraph)
	// ErrCyclicDependency indicates a circular dependency was found.
	ErrCyclicDependency = fmt.Errorf("%w: cyclic dependency", models.ErrInvalidGraph)
	// ErrSealed indicates the graph was validated and cannot change.
	ErrSealed = errors.New("graph is sealed")
)

// GraphError describes a structural problem with the graph.
type GraphError struct {
	Kind  error
	Msg   string
	Cycle []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func graphErrorf(kind error, format string, args ...any) error {
	return &GraphError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// TaskGraph is a directed acyclic graph of task definitions.
// Edges point from a task to the tasks it depends on.
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to its definition.
	nodes map[string]models.TaskSpec
	// order is the task declaration order.
	order []string
	// edges maps task ID to the IDs it depends on, in declaration order.
	edges map[string][]string
	// dependents maps task ID to the IDs that depend on it.
	dependents map[string][]string
	sealed     bool
	debugLog   func(format string, args ...interface{})
}

// New creates an empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		nodes:      make(map[string]models.TaskSpec),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *TaskGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddTask registers a task. Every dependency must already be present.
func (g *TaskGraph) AddTask(spec models.TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrSealed
	}
	if err := g.checkNewLocked(spec); err != nil {
		return err
	}
	for _, dep := range spec.Dependencies {
		if _, ok := g.nodes[dep]; !ok {
			return graphErrorf(ErrUnknownDependency, "task %s depends on unknown task %s", spec.ID, dep)
		}
	}
	g.insertLocked(spec)
	return nil
}

// Build registers every spec and validates the result. Unlike AddTask,
// specs may reference tasks declared later in the slice.
func (g *TaskGraph) Build(specs []models.TaskSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ErrSealed
	}

	g.debugLog("[graph.Build] building graph from %d tasks", len(specs))

	ids := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := g.checkNewLocked(spec); err != nil {
			return err
		}
		if ids[spec.ID] {
			return graphErrorf(ErrDuplicateTaskID, "task %s declared twice", spec.ID)
		}
		ids[spec.ID] = true
	}
	for _, spec := range specs {
		for _, dep := range spec.Dependencies {
			if _, ok := g.nodes[dep]; !ok && !ids[dep] {
				return graphErrorf(ErrUnknownDependency, "task %s depends on unknown task %s", spec.ID, dep)
			}
		}
	}
	for _, spec := range specs {
		g.insertLocked(spec)
	}

	return g.validateLocked()
}

func (g *TaskGraph) checkNewLocked(spec models.TaskSpec) error {
	if spec.ID == "" {
		return graphErrorf(models.ErrInvalidGraph, "task id is empty")
	}
	if _, exists := g.nodes[spec.ID]; exists {
		return graphErrorf(ErrDuplicateTaskID, "task %s already exists", spec.ID)
	}
	seen := make(map[string]bool, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		if dep == spec.ID {
			return graphErrorf(ErrSelfDependency, "task %s", spec.ID)
		}
		if seen[dep] {
			return graphErrorf(models.ErrInvalidGraph, "task %s lists dependency %s twice", spec.ID, dep)
		}
		seen[dep] = true
	}
	return nil
}

func (g *TaskGraph) insertLocked(spec models.TaskSpec) {
	g.debugLog("[graph] adding task: id=%s depends_on=%v priority=%d", spec.ID, spec.Dependencies, spec.Priority)
	g.nodes[spec.ID] = spec
	g.order = append(g.order, spec.ID)
	g.edges[spec.ID] = append([]string(nil), spec.Dependencies...)
	for _, dep := range spec.Dependencies {
		g.dependents[dep] = append(g.dependents[dep], spec.ID)
	}
}

// Validate checks the graph for cycles and seals it on success.
func (g *TaskGraph) Validate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validateLocked()
}

func (g *TaskGraph) validateLocked() error {
	if cycle := g.findCycleLocked(); cycle != nil {
		return &GraphError{
			Kind:  ErrCyclicDependency,
			Msg:   strings.Join(cycle, " -> "),
			Cycle: cycle,
		}
	}
	g.sealed = true
	g.debugLog("[graph] validated %d tasks", len(g.nodes))
	return nil
}

// findCycleLocked returns the first cycle found, closed by repeating its
// first node, or nil. Traversal follows declaration order so the reported
// cycle is stable for a given input.
func (g *TaskGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (on stack), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case 1:
				// Back edge: the cycle is the stack suffix starting at dep.
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						break
					}
				}
				return true
			case 0:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// Sealed reports whether Validate has succeeded.
func (g *TaskGraph) Sealed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sealed
}

// ReadySet returns pending tasks whose dependencies are all completed,
// ordered by descending priority then ascending id. Tasks absent from
// statuses are treated as pending.
func (g *TaskGraph) ReadySet(statuses map[string]models.TaskStatus) []models.TaskSpec {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []models.TaskSpec
	for _, id := range g.order {
		status, ok := statuses[id]
		if ok && status != models.TaskStatusPending && status != models.TaskStatusReady {
			continue
		}
		if g.depsCompletedLocked(id, statuses) {
			ready = append(ready, g.nodes[id])
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	g.debugLog("[graph.ReadySet] %d ready of %d", len(ready), len(g.nodes))
	return ready
}

// DependenciesCompleted reports whether every dependency of id is completed.
func (g *TaskGraph) DependenciesCompleted(id string, statuses map[string]models.TaskStatus) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.depsCompletedLocked(id, statuses)
}

func (g *TaskGraph) depsCompletedLocked(id string, statuses map[string]models.TaskStatus) bool {
	return AllCompleted(g.edges[id], statuses)
}

// AllCompleted reports whether every id in deps is completed in statuses.
func AllCompleted(deps []string, statuses map[string]models.TaskStatus) bool {
	for _, dep := range deps {
		if statuses[dep] != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// TopologicalOrder returns task IDs so that dependencies precede dependents.
// Among tasks that become available together, declaration order wins.
func (g *TaskGraph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, &GraphError{Kind: ErrCyclicDependency, Msg: strings.Join(cycle, " -> "), Cycle: cycle}
	}

	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.edges[id])
	}

	result := make([]string, 0, len(g.order))
	emitted := make(map[string]bool, len(g.order))
	for len(result) < len(g.order) {
		progressed := false
		for _, id := range g.order {
			if emitted[id] || indegree[id] > 0 {
				continue
			}
			emitted[id] = true
			result = append(result, id)
			for _, dependent := range g.dependents[id] {
				indegree[dependent]--
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return result, nil
}

// Task returns the definition for id.
func (g *TaskGraph) Task(id string) (models.TaskSpec, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	spec, ok := g.nodes[id]
	return spec, ok
}

// IDs returns task IDs in declaration order.
func (g *TaskGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Size returns the number of tasks in the graph.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs the given task depends on.
func (g *TaskGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// Dependents returns the IDs that depend directly on the given task.
func (g *TaskGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// Descendants returns every task that transitively depends on id, sorted.
func (g *TaskGraph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// FromTasks rebuilds a sealed graph from persisted tasks, as on resume.
func FromTasks(tasks []models.Task) (*TaskGraph, error) {
	specs := make([]models.TaskSpec, len(tasks))
	for i, t := range tasks {
		specs[i] = t.Spec()
	}
	g := New()
	if err := g.Build(specs); err != nil {
		return nil, err
	}
	return g, nil
}
