package reload

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"

	"github.com/vk/devgrid/internal/ctxlog"
)

// SocketBridge is a socket.io server broadcasting reload events.
type SocketBridge struct {
	io      *socket.Server
	handler http.Handler
	logger  *slog.Logger
	clients atomic.Int64
	reloads atomic.Int64
}

// NewSocketBridge starts a socket.io server. Its handler must be mounted at
// SocketPath.
func NewSocketBridge(ctx context.Context) *SocketBridge {
	logger := ctxlog.FromContext(ctx).With("component", "reload")

	opts := socket.DefaultServerOptions()
	opts.SetServeClient(false)
	opts.SetCors(&types.Cors{Origin: "*", Credentials: true})

	b := &SocketBridge{logger: logger}
	b.io = socket.NewServer(nil, opts)
	b.handler = b.io.ServeHandler(opts)

	b.io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		n := b.clients.Add(1)
		logger.Debug("Browser connected.", "sid", client.Id(), "clients", n)

		client.On(EventTrigger, func(args ...any) {
			kind := kindFromArgs(args)
			logger.Debug("Reload requested by client.", "sid", client.Id(), "kind", kind)
			b.Reload(kind)
			client.Emit(EventTriggered, map[string]any{"kind": string(kind)})
		})

		client.On("disconnect", func(...any) {
			n := b.clients.Add(-1)
			logger.Debug("Browser disconnected.", "sid", client.Id(), "clients", n)
		})
	})
	return b
}

// Reload implements Bridge.
func (b *SocketBridge) Reload(kind Kind) {
	b.reloads.Add(1)
	b.io.Emit(EventReload, map[string]any{"kind": string(kind)})
	b.logger.Info("🔄 Reloading browsers.", "kind", kind, "clients", b.clients.Load())
}

// Handler implements Bridge.
func (b *SocketBridge) Handler() http.Handler {
	return b.handler
}

// Clients is the number of connected sockets.
func (b *SocketBridge) Clients() int64 {
	return b.clients.Load()
}

// Reloads is the number of reloads pushed so far.
func (b *SocketBridge) Reloads() int64 {
	return b.reloads.Load()
}

// Close disconnects every client and stops the server.
func (b *SocketBridge) Close() error {
	b.io.Close(nil)
	return nil
}

func kindFromArgs(args []any) Kind {
	if len(args) == 0 {
		return KindFull
	}
	switch v := args[0].(type) {
	case string:
		return ParseKind(v)
	case map[string]any:
		if s, ok := v["kind"].(string); ok {
			return ParseKind(s)
		}
	}
	return KindFull
}
