package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/vk/devgrid/internal/backend"
	"github.com/vk/devgrid/internal/ctxlog"
	"github.com/vk/devgrid/internal/dag"
	"github.com/vk/devgrid/internal/devserver"
	"github.com/vk/devgrid/internal/reload"
)

// Version is reported by the backend when the project has no package.json.
var Version = "0.1.0"

// Run executes the configured command. Pipeline commands that start
// long-running services return only after ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.", "command", a.cfg.Command)

	switch a.cfg.Command {
	case CommandBackend:
		return a.runBackend(ctx)
	case CommandReload:
		return a.runReload(ctx)
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Warn("Failed to release resources.", "error", err)
		}
	}()

	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()
	a.services = newServices(svcCtx)
	if a.cfg.HealthcheckPort > 0 {
		a.services.Go("healthcheck", false, a.runHealthcheck)
	}

	plan, err := a.graph.Plan(a.cfg.Command)
	if err != nil {
		return fmt.Errorf("failed to plan %q: %w", a.cfg.Command, err)
	}
	if plan.Contains(CommandServe) {
		if _, err := a.machine.Fire(devserver.EventStart); err != nil {
			return err
		}
	}

	a.logger.Info("🚀 Starting concurrent execution...", "command", a.cfg.Command, "tasks", plan.Order, "workers", a.cfg.WorkerCount)
	result, err := dag.NewExecutor(a.cfg.WorkerCount).Run(a.services.ctx, plan)
	if err != nil {
		stopServices()
		svcErr := a.services.Wait()
		switch {
		case ctx.Err() != nil:
			return nil
		case svcErr != nil && errors.Is(err, context.Canceled):
			return svcErr
		}
		return fmt.Errorf("execution failed: %w", err)
	}
	a.logger.Info("🏁 Execution finished.", "tasks", len(result.States))

	if !a.services.KeepAlive() {
		stopServices()
		return a.services.Wait()
	}

	<-a.services.Done()
	stopServices()
	if err := a.services.Wait(); err != nil {
		return err
	}
	a.logger.Info("👋 Session stopped.")
	return nil
}

// runBackend serves the application shell. It runs as the supervised child
// of a watch session or on its own in production.
func (a *App) runBackend(ctx context.Context) error {
	env, err := backend.ConfigFromEnv()
	if err != nil {
		return err
	}
	srv := a.project.Server
	server, err := backend.New(ctx, backend.Options{
		Manifest:     backend.ReadManifest(a.project.Dir, backend.Manifest{Name: "devgrid", Version: Version}),
		PublicDir:    srv.PublicDir,
		TemplatesDir: srv.TemplatesDir,
		Template:     srv.Template,
		Title:        srv.Title,
		Env:          env,
		Stdout:       os.Stdout,
	})
	if err != nil {
		return err
	}
	return server.Run(ctx)
}

// runReload asks a running sync proxy to reload every connected browser.
func (a *App) runReload(ctx context.Context) error {
	if err := reload.Trigger(ctx, a.cfg.ReloadURL, reload.KindFull); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("reload: %w", err)
	}
	a.logger.Info("🔄 Browsers reloaded.", "url", a.cfg.ReloadURL)
	return nil
}
