package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vk/devgrid/internal/task"
)

// ErrUnknownTask is returned when a plan or an edge names a task that was
// never registered.
var ErrUnknownTask = errors.New("unknown task")

// New builds the graph from the given tasks and validates it: names must be
// unique, every edge must reference a registered task, no task may depend
// on itself and the union of hard and ordering edges must be acyclic.
func New(tasks ...*task.Task) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*node, len(tasks))}

	for i, t := range tasks {
		if t == nil || t.Name == "" {
			return nil, fmt.Errorf("task #%d has no name", i)
		}
		if _, ok := g.nodes[t.Name]; ok {
			return nil, fmt.Errorf("duplicate task definition: %s", t.Name)
		}
		g.nodes[t.Name] = &node{
			task:       t,
			deps:       make(map[string]*node),
			after:      make(map[string]*node),
			dependents: make(map[string]*node),
			index:      i,
		}
		g.order = append(g.order, t.Name)
	}

	for _, name := range g.order {
		n := g.nodes[name]
		for _, dep := range n.task.Deps {
			if err := g.addEdge(dep, name, n.deps); err != nil {
				return nil, err
			}
		}
		for _, dep := range n.task.After {
			if err := g.addEdge(dep, name, n.after); err != nil {
				return nil, err
			}
		}
	}

	if err := g.DetectCycles(); err != nil {
		return nil, fmt.Errorf("error validating task graph: %w", err)
	}
	return g, nil
}

// addEdge records that toID waits for fromID, storing the predecessor in set.
func (g *Graph) addEdge(fromID, toID string, set map[string]*node) error {
	if fromID == toID {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", fromID, fromID)
	}
	fromNode, ok := g.nodes[fromID]
	if !ok {
		return fmt.Errorf("task %q depends on %w %q", toID, ErrUnknownTask, fromID)
	}
	toNode := g.nodes[toID]
	set[fromID] = fromNode
	fromNode.dependents[toID] = toNode
	return nil
}

// Names returns all registered task names in registration order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Task returns the registered task with the given name.
func (g *Graph) Task(name string) (*task.Task, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return nil, false
	}
	return n.task, true
}

// DetectCycles checks the graph for any cycles over both edge kinds. It
// returns a non-nil error naming the first node found on a cycle.
func (g *Graph) DetectCycles() error {
	// permanent: nodes fully visited and known not to be on a cycle.
	// temporary: nodes on the current recursion stack.
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(n *node) error
	visit = func(n *node) error {
		name := n.task.Name
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return fmt.Errorf("cycle detected involving task '%s'", name)
		}

		temporary[name] = true
		for _, id := range sortedKeys(n.dependents) {
			if err := visit(n.dependents[id]); err != nil {
				return err
			}
		}
		delete(temporary, name)
		permanent[name] = true
		return nil
	}

	for _, name := range g.order {
		if err := visit(g.nodes[name]); err != nil {
			return err
		}
	}
	return nil
}

// Plan resolves the transitive hard dependencies of target and orders them
// topologically. Ties are broken by registration order so that the same
// target always yields the same plan.
func (g *Graph) Plan(target string) (*Plan, error) {
	root, ok := g.nodes[target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, target)
	}

	included := make(map[string]*node)
	var collect func(n *node)
	collect = func(n *node) {
		if _, seen := included[n.task.Name]; seen {
			return
		}
		included[n.task.Name] = n
		for _, dep := range n.deps {
			collect(dep)
		}
	}
	collect(root)

	preds := make(map[string][]string, len(included))
	indegree := make(map[string]int, len(included))
	for name, n := range included {
		var p []string
		for dep := range n.deps {
			p = append(p, dep)
		}
		for dep := range n.after {
			if _, ok := included[dep]; ok {
				p = append(p, dep)
			}
		}
		sort.Strings(p)
		preds[name] = p
		indegree[name] = len(p)
	}

	var ready []*node
	for _, n := range included {
		if indegree[n.task.Name] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]string, 0, len(included))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].index < ready[j].index })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n.task.Name)
		for id, dependent := range n.dependents {
			if _, ok := included[id]; !ok {
				continue
			}
			if !contains(preds[id], n.task.Name) {
				continue
			}
			indegree[id]--
			if indegree[id] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(included) {
		// Unreachable after DetectCycles, kept as an internal consistency check.
		return nil, fmt.Errorf("plan for %q is not acyclic", target)
	}

	return &Plan{Target: target, Order: order, graph: g, preds: preds}, nil
}

// Predecessors returns the in-plan tasks the named task waits for.
func (p *Plan) Predecessors(name string) []string {
	return append([]string(nil), p.preds[name]...)
}

// Contains reports whether the plan includes the named task.
func (p *Plan) Contains(name string) bool {
	_, ok := p.preds[name]
	return ok
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
