package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/vk/devgrid/internal/ctxlog"
)

// services runs the long-lived parts of a session next to the task plan.
// The first service to fail stops the others.
type services struct {
	g   *errgroup.Group
	ctx context.Context
	// running counts services that keep the session alive.
	running atomic.Int32
}

func newServices(ctx context.Context) *services {
	g, gctx := errgroup.WithContext(ctx)
	return &services{g: g, ctx: gctx}
}

// Go starts fn under the service context. A keepAlive service makes Run wait
// for a stop signal once the plan has finished.
func (s *services) Go(name string, keepAlive bool, fn func(ctx context.Context) error) {
	if keepAlive {
		s.running.Add(1)
	}
	ctx := ctxlog.With(s.ctx, "service", name)
	s.g.Go(func() error {
		ctxlog.FromContext(ctx).Debug("Service started.")
		if err := fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		ctxlog.FromContext(ctx).Debug("Service stopped.")
		return nil
	})
}

// KeepAlive reports whether any keep-alive service was started.
func (s *services) KeepAlive() bool {
	return s.running.Load() > 0
}

// Done is closed when the services are asked to stop or one of them failed.
func (s *services) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *services) Wait() error {
	return s.g.Wait()
}
