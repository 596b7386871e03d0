// Package app wires the pipeline together: it loads the project, builds the
// task graph, runs the requested command and keeps the long-running services
// of the watch session alive until the process is asked to stop.
package app
