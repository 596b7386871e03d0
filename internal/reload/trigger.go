package reload

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/devgrid/internal/ctxlog"
)

// TriggerTimeout bounds how long Trigger waits for the bridge.
const TriggerTimeout = 10 * time.Second

// Trigger connects to the bridge behind rawURL, asks it to broadcast a reload
// of the given kind and waits for the acknowledgement.
func Trigger(ctx context.Context, rawURL string, kind Kind) error {
	logger := ctxlog.FromContext(ctx).With("url", rawURL)

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("URL %q must be absolute", rawURL)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(SocketPath)
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket("/", opts)
	defer io.Disconnect()

	connected := make(chan error, 1)
	done := make(chan struct{}, 1)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Connected to reload bridge.", "sid", io.Id())
		connected <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		if len(errs) > 0 {
			if err, ok := errs[0].(error); ok {
				connected <- err
				return
			}
		}
		connected <- fmt.Errorf("connect error")
	})
	io.Once(types.EventName(EventTriggered), func(...any) {
		done <- struct{}{}
	})

	io.Connect()

	timeout := time.After(TriggerTimeout)
	select {
	case err := <-connected:
		if err != nil {
			return fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("timed out after %v waiting for socket.io connection", TriggerTimeout)
	}

	io.Emit(EventTrigger, map[string]any{"kind": string(kind)})

	select {
	case <-done:
		logger.Info("🔄 Reload triggered.", "kind", kind)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("timed out after %v waiting for %q", TriggerTimeout, EventTriggered)
	}
}
