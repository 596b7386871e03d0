package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/devgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("devgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
devgrid - Build pipeline and development server for a single-page app.

Usage:
  devgrid [options] [COMMAND] [options]

Commands:
`)
		for _, name := range append(append([]string(nil), app.PipelineCommands...), app.CommandBackend, app.CommandReload) {
			fmt.Fprintf(output, "  %-9s %s\n", name, app.Descriptions[name])
		}
		fmt.Fprint(output, "\nOptions:\n")
		flagSet.PrintDefaults()
	}

	devFlag := flagSet.Bool("dev", false, "Development build: source maps, no minification.")
	syncFlag := flagSet.Bool("browsersync", false, "Front the backend with the live-reload proxy.")
	dirFlag := flagSet.String("dir", ".", "Project directory.")
	configFlag := flagSet.String("config", "", "Project file. Defaults to devgrid.hcl in the project directory.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent workers for the task executor.")
	urlFlag := flagSet.String("url", "http://localhost:8877", "Sync proxy address used by the reload command.")

	parse := func(args []string) (bool, error) {
		if err := flagSet.Parse(args); err != nil {
			if err == flag.ErrHelp {
				return true, nil
			}
			return false, &ExitError{Code: 2, Message: err.Error()}
		}
		return false, nil
	}
	if exit, err := parse(args); exit || err != nil {
		return nil, exit, err
	}

	// Flags may also follow the command.
	command := ""
	if flagSet.NArg() > 0 {
		command = strings.ToLower(flagSet.Arg(0))
		if exit, err := parse(flagSet.Args()[1:]); exit || err != nil {
			return nil, exit, err
		}
	}
	if flagSet.NArg() > 0 {
		return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("expected at most one command, got %q", append([]string{command}, flagSet.Args()...))}
	}
	slog.Debug("Arguments parsed successfully.")
	slog.Debug("Command determined.", "command", command)

	config, err := app.NewConfig(app.Config{
		Command:         command,
		Production:      !*devFlag,
		BrowserSync:     *syncFlag,
		ProjectDir:      *dirFlag,
		ConfigPath:      *configFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       strings.ToLower(*logFormatFlag),
		LogLevel:        strings.ToLower(*logLevelFlag),
		WorkerCount:     *workersFlag,
		ReloadURL:       *urlFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
