// Package task defines the unit of work the orchestrator schedules.
package task

import "context"

// Func is the body of a task. It must honour cancellation of ctx.
type Func func(ctx context.Context) error

// Task is a named, typed unit of work with an explicit dependency list.
type Task struct {
	// Name is the unique name used on the command line (e.g. "build").
	Name string
	// Description is shown in the CLI usage text.
	Description string
	// Deps are hard dependencies: running this task pulls them into the plan
	// and waits for them to succeed.
	Deps []string
	// After lists ordering-only constraints. They are honoured when both tasks
	// are part of the same plan and ignored otherwise, so "style" can run on
	// its own but still waits for "clean" when a plan contains both.
	After []string
	// Run is the task body. A nil Run makes the task a pure grouping node.
	Run Func
}

// Execute runs the task body, treating a nil body as a no-op.
func (t *Task) Execute(ctx context.Context) error {
	if t.Run == nil {
		return nil
	}
	return t.Run(ctx)
}
