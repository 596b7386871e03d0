package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vk/devgrid/internal/ctxlog"
)

// healthHandler answers OK with the watch state and the run id.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
	fmt.Fprintf(w, "state=%s run_id=%s\n", a.machine.State(), a.runID)
}

func (a *App) healthRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", a.healthHandler)
	return r
}

// runHealthcheck serves the health check until ctx is done.
func (a *App) runHealthcheck(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	addr := fmt.Sprintf(":%d", a.cfg.HealthcheckPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: a.healthRouter(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))

	select {
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("Health check server failed", "error", err)
		return err
	}
}
