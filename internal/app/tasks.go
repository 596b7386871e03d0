package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/vk/devgrid/internal/bundle"
	"github.com/vk/devgrid/internal/ctxlog"
	"github.com/vk/devgrid/internal/devserver"
	"github.com/vk/devgrid/internal/fsutil"
	"github.com/vk/devgrid/internal/reload"
	"github.com/vk/devgrid/internal/style"
	"github.com/vk/devgrid/internal/task"
	"github.com/vk/devgrid/internal/watch"
)

// tasks is the fixed pipeline:
//
//	clean
//	style, bundle   (after clean when both are planned)
//	build  -> style, bundle
//	serve  -> build
//	start  -> clean, serve
//	watch  -> start
//	default -> watch
func (a *App) tasks() []*task.Task {
	return []*task.Task{
		{Name: CommandClean, Description: Descriptions[CommandClean], Run: a.runClean},
		{Name: CommandStyle, Description: Descriptions[CommandStyle], After: []string{CommandClean}, Run: a.runStyle},
		{Name: CommandBundle, Description: Descriptions[CommandBundle], After: []string{CommandClean}, Run: a.runBundle},
		{Name: CommandBuild, Description: Descriptions[CommandBuild], Deps: []string{CommandStyle, CommandBundle}},
		{Name: CommandServe, Description: Descriptions[CommandServe], Deps: []string{CommandBuild}, Run: a.runServe},
		{Name: CommandStart, Description: Descriptions[CommandStart], Deps: []string{CommandClean, CommandServe}},
		{Name: CommandWatch, Description: Descriptions[CommandWatch], Deps: []string{CommandStart}, Run: a.runWatch},
		{Name: CommandDefault, Description: Descriptions[CommandDefault], Deps: []string{CommandWatch}},
	}
}

func (a *App) runClean(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	kept, err := fsutil.Clean(a.project.Clean.Dir, a.project.Dir, a.project.Clean.Keep...)
	if err != nil {
		return fmt.Errorf("clean: %w", err)
	}
	logger.Info("🧹 Public directory cleaned.", "dir", a.project.Clean.Dir, "kept", len(kept))
	return nil
}

func (a *App) runStyle(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	written, err := a.styles.CompileAll(ctx)
	if err != nil {
		return a.reportError(ctx, CommandStyle, err)
	}
	logger.Info("🎨 Style sheets compiled.", "count", len(written), "out_dir", a.project.Style.OutDir)
	return nil
}

func (a *App) runBundle(ctx context.Context) error {
	if err := a.bundler.Build(ctx); err != nil {
		// A watch session logs the failure and still starts the watcher, so
		// fixing the source rebuilds the bundle.
		if err := a.reportError(ctx, CommandBundle, err); err != nil {
			return err
		}
	}
	if !a.cfg.Watch {
		return nil
	}

	logger := ctxlog.FromContext(ctx)
	a.services.Go("bundle-watch", true, func(ctx context.Context) error {
		err := a.bundler.Watch(ctx, func(err error) {
			if err != nil {
				logBuildError(logger, CommandBundle, err)
				return
			}
			a.bridge.Reload(reload.KindFull)
		})
		if err != nil {
			logBuildError(logger, CommandBundle, err)
			return nil
		}
		<-ctx.Done()
		return nil
	})
	return nil
}

// reportError applies the build error policy: a watch session logs the error
// and carries on, any other run fails.
func (a *App) reportError(ctx context.Context, name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if a.cfg.Watch {
		logBuildError(ctxlog.FromContext(ctx), name, err)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (a *App) runServe(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	tr, err := a.machine.Fire(devserver.EventBuilt)
	if err != nil {
		return err
	}
	if tr.First && a.cfg.BrowserSync {
		if err := a.startProxy(ctx); err != nil {
			return err
		}
	}

	srv := a.project.Server
	sup, err := devserver.NewSupervisor(devserver.Options{
		Command:      a.backendCommand,
		Dir:          a.project.Dir,
		Port:         srv.Port,
		WatchRoots:   srv.Watch,
		Extensions:   srv.Extensions,
		ReadyPattern: srv.ReadyPattern,
		Stdout:       a.outW,
		OnReady: func(int) {
			_, _ = a.machine.Fire(devserver.EventReady)
		},
		OnChange: func([]string) {
			_, _ = a.machine.Fire(devserver.EventBackendChanged)
		},
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.services.Go("supervisor", true, sup.Run)
	logger.Debug("Backend supervisor scheduled.", "command", a.backendCommand, "port", srv.Port)
	return nil
}

func (a *App) startProxy(ctx context.Context) error {
	target, err := url.Parse("http://localhost:" + strconv.Itoa(a.project.Server.Port))
	if err != nil {
		return err
	}
	proxy, err := devserver.NewProxy(ctx, devserver.ProxyOptions{
		Port:    a.project.Sync.Port,
		Backend: target,
		Bridge:  a.bridge,
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.services.Go("proxy", true, proxy.Run)
	return nil
}

func (a *App) runWatch(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	patterns := a.project.Style.Watch
	w, err := watch.New(watch.Options{
		Name:   CommandStyle,
		Roots:  watch.GlobRoots(patterns...),
		Filter: watch.Globs(patterns...),
	})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	a.services.Go("style-watch", true, func(ctx context.Context) error {
		return w.Run(ctx, a.rebuildStyles)
	})
	logger.Info("👀 Watching style sources.", "patterns", patterns)
	printNotice(a.outW, "Watching for changes...")
	return nil
}

// rebuildStyles is the style watcher handler. The machine turns the finished
// rebuild into a css reload.
func (a *App) rebuildStyles(ctx context.Context, paths []string) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("🎨 Style sources changed, recompiling.", "paths", paths)
	_, _ = a.machine.Fire(devserver.EventStyleChanged)
	if _, err := a.styles.CompileAll(ctx); err != nil {
		logBuildError(logger, CommandStyle, err)
	}
	_, _ = a.machine.Fire(devserver.EventStyleDone)
}

func logBuildError(logger *slog.Logger, name string, err error) {
	var compileErr *style.CompileError
	var buildErr *bundle.BuildError
	switch {
	case errors.As(err, &compileErr):
		logger.Error("❌ Style sheet failed to compile.", "task", name, "file", compileErr.File, "error", compileErr.Err)
	case errors.As(err, &buildErr):
		logger.Error("❌ Bundle failed to build.", "task", name, "bundle", buildErr.Bundle, "error", buildErr.Error())
	default:
		logger.Error("❌ Task failed.", "task", name, "error", err)
	}
}
