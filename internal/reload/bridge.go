// Package reload tells connected browser tabs to refresh.
//
// A Bridge is mounted on the sync proxy. Browsers load the embedded client
// script, hold a socket.io connection open and either reload the page or
// re-fetch their style sheets when told to.
package reload

import (
	"bytes"
	_ "embed"
	"net/http"
)

// Kind selects what a browser refreshes.
type Kind string

const (
	// KindFull reloads the whole page.
	KindFull Kind = "full"
	// KindCSS re-fetches linked style sheets without a page reload.
	KindCSS Kind = "css"
)

// ParseKind maps a wire value to a Kind. Unknown values become KindFull.
func ParseKind(s string) Kind {
	if Kind(s) == KindCSS {
		return KindCSS
	}
	return KindFull
}

// Event names on the socket.
const (
	EventReload    = "reload"
	EventTrigger   = "trigger"
	EventTriggered = "triggered"
)

// Paths served next to the proxied application.
const (
	SocketPath = "/socket.io/"
	ScriptPath = "/__devgrid/reload.js"
)

// Bridge pushes reload notifications to browsers.
type Bridge interface {
	Reload(kind Kind)
	Handler() http.Handler
	Close() error
}

// Nop is the bridge used when browser sync is off.
type Nop struct{}

func (Nop) Reload(Kind) {}

func (Nop) Handler() http.Handler { return http.NotFoundHandler() }

func (Nop) Close() error { return nil }

//go:embed client.js
var clientScript []byte

// ClientScript returns the browser client source.
func ClientScript() []byte {
	return clientScript
}

// ScriptHandler serves the browser client.
func ScriptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(clientScript)
	})
}

var scriptTag = []byte(`<script src="` + ScriptPath + `" async></script>`)

// InjectScript inserts the client script tag before the last </body>, or
// appends it when the document has none. Documents that already carry the
// tag are returned unchanged.
func InjectScript(html []byte) []byte {
	if bytes.Contains(html, scriptTag) {
		return html
	}
	idx := bytes.LastIndex(bytes.ToLower(html), []byte("</body>"))
	if idx == -1 {
		out := make([]byte, 0, len(html)+len(scriptTag))
		out = append(out, html...)
		return append(out, scriptTag...)
	}
	out := make([]byte, 0, len(html)+len(scriptTag))
	out = append(out, html[:idx]...)
	out = append(out, scriptTag...)
	return append(out, html[idx:]...)
}
