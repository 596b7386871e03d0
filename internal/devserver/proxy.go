package devserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vk/devgrid/internal/ctxlog"
	"github.com/vk/devgrid/internal/reload"
)

// unavailablePage is served while the backend is down. It carries the
// reload client so the tab refreshes once the backend is back.
const unavailablePage = `<!doctype html>
<html><head><title>Restarting…</title></head>
<body><p>The backend is restarting.</p></body></html>
`

// ProxyOptions configures a Proxy.
type ProxyOptions struct {
	Port    int
	Backend *url.URL
	Bridge  reload.Bridge
}

// Proxy is the browser-sync layer in front of the backend.
type Proxy struct {
	opts   ProxyOptions
	router chi.Router
}

// NewProxy builds the proxy router.
func NewProxy(ctx context.Context, opts ProxyOptions) (*Proxy, error) {
	if opts.Backend == nil {
		return nil, errors.New("proxy backend URL is required")
	}
	if opts.Bridge == nil {
		opts.Bridge = reload.Nop{}
	}
	logger := ctxlog.FromContext(ctx).With("component", "proxy")

	p := &Proxy{opts: opts}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(reload.SocketPath+"*", opts.Bridge.Handler())
	r.Method(http.MethodGet, reload.ScriptPath, reload.ScriptHandler())
	r.Handle("/*", p.reverseProxy(logger))
	p.router = r
	return p, nil
}

// Handler returns the proxy's HTTP handler.
func (p *Proxy) Handler() http.Handler {
	return p.router
}

func (p *Proxy) reverseProxy(logger *slog.Logger) http.Handler {
	rp := httputil.NewSingleHostReverseProxy(p.opts.Backend)
	director := rp.Director
	rp.Director = func(r *http.Request) {
		director(r)
		// Bodies are rewritten, so ask the backend for identity encoding.
		r.Header.Del("Accept-Encoding")
	}
	rp.ModifyResponse = injectReloadScript
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debug("Backend unavailable.", "path", r.URL.Path, "error", err)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write(reload.InjectScript([]byte(unavailablePage)))
	}
	return rp
}

func injectReloadScript(resp *http.Response) error {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/html" || resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	body = reload.InjectScript(body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// Run serves the proxy on its port until ctx is done.
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.opts.Port))
	if err != nil {
		return fmt.Errorf("listening on sync port %d: %w", p.opts.Port, err)
	}
	return p.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	logger := ctxlog.FromContext(ctx)
	srv := &http.Server{
		Handler:           p.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("🌐 Browser sync proxy listening.", "addr", ln.Addr().String(), "backend", p.opts.Backend.String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("sync proxy: %w", err)
	}
}
