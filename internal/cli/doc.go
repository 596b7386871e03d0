// Package cli turns the command line into an app.Config. Usage errors are
// reported as *ExitError values carrying the process exit code.
package cli
