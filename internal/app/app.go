package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vk/devgrid/internal/bundle"
	"github.com/vk/devgrid/internal/ctxlog"
	"github.com/vk/devgrid/internal/dag"
	"github.com/vk/devgrid/internal/devserver"
	"github.com/vk/devgrid/internal/project"
	"github.com/vk/devgrid/internal/reload"
	"github.com/vk/devgrid/internal/style"
)

// App holds everything one invocation needs. Components are built once in
// NewApp and shared by the tasks of the plan.
type App struct {
	cfg    *Config
	outW   io.Writer
	logger *slog.Logger
	runID  string

	project *project.Project
	styles  *style.Compiler
	bundler *bundle.Bundler
	machine *devserver.Machine
	bridge  reload.Bridge
	graph   *dag.Graph

	backendCommand []string
	services       *services
}

// Option customises an App.
type Option func(*options)

type options struct {
	transpiler     style.Transpiler
	backendCommand []string
}

// WithTranspiler replaces the Dart Sass transpiler.
func WithTranspiler(t style.Transpiler) Option {
	return func(o *options) { o.transpiler = t }
}

// WithBackendCommand overrides the backend command of the project file.
func WithBackendCommand(cmd ...string) Option {
	return func(o *options) { o.backendCommand = cmd }
}

// NewApp loads the project file and builds the components and the task graph
// for cfg.
func NewApp(outW io.Writer, cfg *Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	runID := uuid.NewString()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW).With("run_id", runID)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	proj, err := project.NewLoader().Load(ctx, cfg.ProjectDir, cfg.ConfigPath, project.Vars{
		Command:     cfg.Command,
		Production:  cfg.Production,
		Watch:       cfg.Watch,
		BrowserSync: cfg.BrowserSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if cfg.BrowserSync && proj.Server.Port == proj.Sync.Port {
		return nil, fmt.Errorf("server port and sync port are both %d", proj.Sync.Port)
	}
	logger.Debug("Project loaded.", "dir", proj.Dir, "file", proj.File)

	a := &App{
		cfg:     cfg,
		outW:    outW,
		logger:  logger,
		runID:   runID,
		project: proj,
		machine: devserver.NewMachine(logger),
		bridge:  reload.Nop{},
	}

	if !cfg.Pipeline() {
		return a, nil
	}

	if o.transpiler == nil {
		o.transpiler = style.NewDartSass("")
	}
	a.styles, err = style.NewCompiler(style.Options{
		SourceDir:  proj.Style.SourceDir,
		OutDir:     proj.Style.OutDir,
		Browsers:   proj.Style.Browsers,
		Production: cfg.Production,
	}, o.transpiler)
	if err != nil {
		return nil, fmt.Errorf("failed to set up style compiler: %w", err)
	}

	a.bundler = bundle.New(bundle.Options{
		Dir:         proj.Dir,
		Entry:       proj.Bundle.Entry,
		OutDir:      proj.Bundle.OutDir,
		OutFile:     proj.Bundle.OutFile,
		VendorFile:  proj.Bundle.VendorFile,
		External:    proj.Bundle.External,
		JSXFactory:  proj.Bundle.JSXFactory,
		JSXFragment: proj.Bundle.JSXFragment,
		Production:  cfg.Production,
	})

	a.backendCommand = o.backendCommand
	if len(a.backendCommand) == 0 {
		a.backendCommand = proj.Server.Command
	}
	if len(a.backendCommand) == 0 {
		a.backendCommand, err = a.selfBackendCommand()
		if err != nil {
			return nil, err
		}
	}

	if cfg.BrowserSync {
		a.bridge = reload.NewSocketBridge(ctx)
	}
	a.machine.ReloadOn(a.bridge)

	a.graph, err = dag.New(a.tasks()...)
	if err != nil {
		// The task set is fixed; a broken graph is a programming error.
		panic(err)
	}
	logger.Debug("Task graph built.", "tasks", a.graph.Names())
	return a, nil
}

// selfBackendCommand re-executes the running binary with the backend command
// and the same project.
func (a *App) selfBackendCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving devgrid executable: %w", err)
	}
	cmd := []string{exe, "-dir", a.project.Dir}
	if a.cfg.ConfigPath != "" {
		path := a.cfg.ConfigPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.project.Dir, path)
		}
		cmd = append(cmd, "-config", path)
	}
	cmd = append(cmd, "-log-level", a.cfg.LogLevel, "-log-format", a.cfg.LogFormat, CommandBackend)
	return cmd, nil
}

// Project returns the resolved project. This is primarily for testing.
func (a *App) Project() *project.Project {
	return a.project
}

// State is the current watch session state.
func (a *App) State() devserver.State {
	return a.machine.State()
}

// Bridge returns the live-reload bridge in use.
func (a *App) Bridge() reload.Bridge {
	return a.bridge
}

func (a *App) close() error {
	var errs []error
	if a.bundler != nil {
		a.bundler.Dispose()
	}
	if a.styles != nil {
		errs = append(errs, a.styles.Close())
	}
	errs = append(errs, a.bridge.Close())
	return errors.Join(errs...)
}
