// Package backend is the HTTP process that serves the built application:
// static assets from the public directory and one HTML shell rendered for
// every other GET request.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vk/devgrid/internal/ctxlog"
)

// Options configures a Server.
type Options struct {
	Manifest     Manifest
	PublicDir    string
	TemplatesDir string
	Template     string
	Title        string
	Env          Env
	// Stdout receives the readiness line. Defaults to os.Stdout.
	Stdout io.Writer
}

// Server renders the application shell and serves static assets.
type Server struct {
	opts   Options
	tmpl   *template.Template
	router chi.Router
}

// New parses the page template and builds the router.
func New(ctx context.Context, opts Options) (*Server, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	file := filepath.Join(opts.TemplatesDir, opts.Template)
	tmpl, err := template.ParseFiles(file)
	if err != nil {
		return nil, fmt.Errorf("parsing page template %s: %w", file, err)
	}

	s := &Server{opts: opts, tmpl: tmpl}
	s.router = s.routes(ctxlog.FromContext(ctx))
	return s, nil
}

func (s *Server) routes(logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/*", s.handlePage)
	r.Head("/*", s.handlePage)
	return r
}

// Handler returns the HTTP handler of the backend.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handlePage serves an existing public file or renders the page shell.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if s.serveStatic(w, r) {
		return
	}

	var buf bytes.Buffer
	data := map[string]any{"title": s.opts.Title}
	if err := s.tmpl.ExecuteTemplate(&buf, filepath.Base(s.opts.Template), data); err != nil {
		ctxlog.FromContext(r.Context()).Error("Failed to render page.", "template", s.opts.Template, "error", err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) bool {
	clean := path.Clean("/" + r.URL.Path)
	if clean == "/" {
		return false
	}
	full := filepath.Join(s.opts.PublicDir, filepath.FromSlash(clean))
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	f, err := os.Open(full)
	if err != nil {
		return false
	}
	defer f.Close()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

// Run listens on the configured port, announces readiness and serves until
// ctx is done. Open connections are dropped on shutdown.
func (s *Server) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Env.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.opts.Env.Port, err)
	}
	return s.Serve(ctx, ln, logger)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	port := s.opts.Env.Port
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	fmt.Fprintln(s.opts.Stdout, ReadyLine(s.opts.Manifest.Name, s.opts.Manifest.Version, port))
	if err := SignalReady(); err != nil {
		logger.Warn("Failed to signal readiness.", "error", err)
	}
	logger.Debug("Backend serving.", "port", port, "host", s.opts.Env.Host, "development", s.opts.Env.Development())

	select {
	case <-ctx.Done():
		_ = srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("backend server: %w", err)
	}
}
