// Package dag is the execution layer of the orchestrator. It takes the set of
// typed tasks registered by the application, builds a directed acyclic graph
// of them once at startup, resolves the plan for a requested target and runs
// the plan concurrently according to its dependencies.
//
// Two kinds of edges exist. Hard dependencies (task.Task.Deps) pull the
// dependency into every plan that contains the dependent. Ordering edges
// (task.Task.After) only constrain the order when both ends already belong to
// the plan. Cycles are rejected over the union of both kinds, so any plan is
// guaranteed to be acyclic.
//
// Every task in a plan runs at most once per Executor.Run.
package dag
