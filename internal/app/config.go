package app

import (
	"errors"
	"fmt"
	"slices"
)

// Pipeline commands, in the order they are listed in usage output.
const (
	CommandClean   = "clean"
	CommandStyle   = "style"
	CommandBundle  = "bundle"
	CommandBuild   = "build"
	CommandServe   = "serve"
	CommandStart   = "start"
	CommandWatch   = "watch"
	CommandDefault = "default"
)

// Commands that run outside the task graph.
const (
	CommandBackend = "backend"
	CommandReload  = "reload"
)

// PipelineCommands lists every task name accepted on the command line.
var PipelineCommands = []string{
	CommandClean, CommandStyle, CommandBundle, CommandBuild,
	CommandServe, CommandStart, CommandWatch, CommandDefault,
}

// Descriptions are the one-line help texts of the commands.
var Descriptions = map[string]string{
	CommandClean:   "Delete and recreate the public directory.",
	CommandStyle:   "Compile style sheets.",
	CommandBundle:  "Bundle the application and its vendors.",
	CommandBuild:   "Run style and bundle.",
	CommandServe:   "Build, then run the backend under supervision.",
	CommandStart:   "Clean, then serve.",
	CommandWatch:   "Start, then rebuild styles on change.",
	CommandDefault: "Same as watch. Used when no command is given.",
	CommandBackend: "Serve the application shell (run by the supervisor).",
	CommandReload:  "Reload every browser connected to a running sync proxy.",
}

var (
	ErrUnknownCommand   = errors.New("unknown command")
	ErrInvalidWorkers   = errors.New("worker count must be at least 1")
	ErrInvalidLogLevel  = errors.New("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	ErrInvalidLogFormat = errors.New("invalid log-format: must be 'text' or 'json'")
	ErrInvalidPort      = errors.New("healthcheck port must be between 0 and 65535")
)

// Config is the build configuration of one invocation. It is created once by
// NewConfig and not modified afterwards.
type Config struct {
	Command     string
	Production  bool
	BrowserSync bool
	// Watch is derived from Command by NewConfig.
	Watch bool

	ProjectDir string
	// ConfigPath is the project file; empty means devgrid.hcl in ProjectDir.
	ConfigPath string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	WorkerCount     int

	// ReloadURL is the sync proxy the reload command talks to.
	ReloadURL string
}

// NewConfig validates cfg, fills defaults and derives Watch.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.Command == "" {
		cfg.Command = CommandDefault
	}
	if !slices.Contains(PipelineCommands, cfg.Command) && cfg.Command != CommandBackend && cfg.Command != CommandReload {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cfg.Command)
	}
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = "."
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, ErrInvalidLogLevel
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, ErrInvalidLogFormat
	}
	if cfg.WorkerCount < 1 {
		return nil, ErrInvalidWorkers
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, ErrInvalidPort
	}
	if cfg.ReloadURL == "" {
		cfg.ReloadURL = "http://localhost:8877"
	}

	cfg.Watch = cfg.Command == CommandWatch || cfg.Command == CommandDefault
	return &cfg, nil
}

// Pipeline reports whether the command runs the task graph.
func (c *Config) Pipeline() bool {
	return slices.Contains(PipelineCommands, c.Command)
}
