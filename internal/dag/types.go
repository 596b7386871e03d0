package dag

import (
	"sync"
	"sync/atomic"

	"github.com/vk/devgrid/internal/task"
)

// Graph is the immutable set of registered tasks and the edges between them.
// It is built once by New and only read afterwards.
type Graph struct {
	// nodes stores all nodes in the graph, keyed by task name.
	nodes map[string]*node
	// order is the registration order, used to keep plans deterministic.
	order []string
}

// node represents a single vertex in the graph. It is un-exported to
// enforce interaction with the graph via the public API (using task names).
type node struct {
	task *task.Task
	// deps holds hard dependencies (predecessors that are pulled into a plan).
	deps map[string]*node
	// after holds ordering-only predecessors.
	after map[string]*node
	// dependents holds every successor over both edge kinds.
	dependents map[string]*node
	// index is the registration position.
	index int
}

// Plan is the resolved, topologically ordered set of tasks for one target.
type Plan struct {
	// Target is the task the plan was resolved for.
	Target string
	// Order lists task names so that every task follows all of its
	// in-plan predecessors.
	Order []string

	graph *Graph
	// preds maps each planned task to the planned tasks it must wait for.
	preds map[string][]string
}

// State is the execution state of one planned task.
type State int32

const (
	Pending State = iota
	Running
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// run is the per-execution bookkeeping for one planned task.
type run struct {
	name       string
	task       *task.Task
	dependents []*run
	depCount   atomic.Int32
	state      atomic.Int32
	err        error
	skipOnce   sync.Once
}
