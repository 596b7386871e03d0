// Package bundle builds the browser bundles of the UI component tree with
// esbuild: the application bundle, rebuilt incrementally in watch mode, and a
// vendor bundle holding the shared external packages, built once.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/vk/devgrid/internal/ctxlog"
)

// RegistryGlobal is the global object the vendor bundle publishes its
// packages on. The vendor bundle also installs globalThis.require over it so
// the external require calls left in the app bundle resolve at runtime.
const RegistryGlobal = "__devgrid_modules"

// Options configures a Bundler.
type Options struct {
	// Dir is the directory packages are resolved from (node_modules lives here).
	Dir         string
	Entry       string
	OutDir      string
	OutFile     string
	VendorFile  string
	External    []string
	JSXFactory  string
	JSXFragment string
	Production  bool
}

// BuildError carries the esbuild messages of a failed build.
type BuildError struct {
	Bundle   string
	Messages []api.Message
}

func (e *BuildError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("bundle %s failed", e.Bundle)
	}
	lines := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		if loc := m.Location; loc != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", loc.File, loc.Line, loc.Column, m.Text))
		} else {
			lines = append(lines, m.Text)
		}
	}
	return fmt.Sprintf("bundle %s failed: %s", e.Bundle, strings.Join(lines, "; "))
}

// RebuildFunc is called after every incremental rebuild of the app bundle.
// err is a *BuildError when the rebuild failed.
type RebuildFunc func(err error)

// Bundler owns the esbuild contexts of one project.
type Bundler struct {
	opts Options

	mu        sync.Mutex
	app       api.BuildContext
	onRebuild RebuildFunc
	vendorN   int
	appN      int
	watching  bool
	disposed  bool
}

// New creates a bundler. No build runs until Build is called.
func New(opts Options) *Bundler {
	if opts.JSXFactory == "" {
		opts.JSXFactory = "React.createElement"
	}
	if opts.JSXFragment == "" {
		opts.JSXFragment = "React.Fragment"
	}
	return &Bundler{opts: opts}
}

// AppPath is the output path of the application bundle.
func (b *Bundler) AppPath() string {
	return filepath.Join(b.opts.OutDir, b.opts.OutFile)
}

// VendorPath is the output path of the vendor bundle.
func (b *Bundler) VendorPath() string {
	return filepath.Join(b.opts.OutDir, b.opts.VendorFile)
}

// Builds reports how often the vendor and app bundles were built.
func (b *Bundler) Builds() (vendor, app int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vendorN, b.appN
}

// Build writes the vendor bundle (first call only) and the app bundle.
func (b *Bundler) Build(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	b.mu.Lock()
	needVendor := b.vendorN == 0
	b.mu.Unlock()

	if needVendor {
		start := time.Now()
		if err := b.buildVendor(); err != nil {
			return err
		}
		logger.Info("📦 Vendor bundle written.", "path", b.VendorPath(), "packages", len(b.opts.External), "duration", time.Since(start))
	}

	start := time.Now()
	if err := b.Rebuild(ctx); err != nil {
		return err
	}
	logger.Info("📦 App bundle written.", "path", b.AppPath(), "duration", time.Since(start))
	return nil
}

// Rebuild rebuilds only the app bundle.
func (b *Bundler) Rebuild(ctx context.Context) error {
	app, err := b.appContext(ctx)
	if err != nil {
		return err
	}
	res := app.Rebuild()
	if len(res.Errors) > 0 {
		return &BuildError{Bundle: b.opts.OutFile, Messages: res.Errors}
	}
	logWarnings(ctx, res.Warnings)
	return nil
}

// Watch starts esbuild's watcher on the app bundle. onRebuild runs after each
// incremental rebuild. Watch returns immediately; the watcher stops when ctx
// is done or Dispose is called.
func (b *Bundler) Watch(ctx context.Context, onRebuild RebuildFunc) error {
	logger := ctxlog.FromContext(ctx)

	b.mu.Lock()
	b.onRebuild = onRebuild
	b.mu.Unlock()

	app, err := b.appContext(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.watching {
		b.mu.Unlock()
		return nil
	}
	b.watching = true
	b.mu.Unlock()

	if err := app.Watch(api.WatchOptions{}); err != nil {
		return fmt.Errorf("watching %s: %w", b.opts.Entry, err)
	}
	logger.Info("👀 Watching app bundle sources.", "entry", b.opts.Entry)

	go func() {
		<-ctx.Done()
		b.Dispose()
	}()
	return nil
}

// Dispose releases the esbuild contexts.
func (b *Bundler) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	app := b.app
	b.app = nil
	b.mu.Unlock()

	// Dispose waits for a running build whose OnEnd callback takes b.mu.
	if app != nil {
		app.Dispose()
	}
}

func (b *Bundler) appContext(ctx context.Context) (api.BuildContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil, fmt.Errorf("bundler disposed")
	}
	if b.app != nil {
		return b.app, nil
	}

	opts := b.baseOptions()
	opts.EntryPoints = []string{b.opts.Entry}
	opts.Outfile = b.AppPath()
	opts.External = b.opts.External
	opts.Plugins = []api.Plugin{b.rebuildPlugin(ctx)}

	app, cerr := api.Context(opts)
	if cerr != nil {
		return nil, &BuildError{Bundle: b.opts.OutFile, Messages: cerr.Errors}
	}
	b.app = app
	return app, nil
}

// rebuildPlugin counts app builds and, once esbuild's watcher is running,
// reports the outcome of every rebuild. Builds before that are reported by
// Build and Rebuild themselves.
func (b *Bundler) rebuildPlugin(ctx context.Context) api.Plugin {
	return api.Plugin{
		Name: "devgrid-rebuild",
		Setup: func(build api.PluginBuild) {
			build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				b.mu.Lock()
				watching := b.watching
				cb := b.onRebuild
				if len(result.Errors) == 0 {
					b.appN++
				}
				b.mu.Unlock()
				if !watching {
					return api.OnEndResult{}, nil
				}

				logger := ctxlog.FromContext(ctx)
				var err error
				if len(result.Errors) > 0 {
					err = &BuildError{Bundle: b.opts.OutFile, Messages: result.Errors}
				} else {
					logWarnings(ctx, result.Warnings)
					logger.Info("📦 App bundle rebuilt.", "path", b.AppPath())
				}
				if cb != nil {
					cb(err)
				}
				return api.OnEndResult{}, nil
			})
		},
	}
}

func (b *Bundler) buildVendor() error {
	opts := b.baseOptions()
	opts.Stdin = &api.StdinOptions{
		Contents:   VendorSource(b.opts.External),
		ResolveDir: b.opts.Dir,
		Sourcefile: "devgrid-vendors.js",
		Loader:     api.LoaderJS,
	}
	opts.Outfile = b.VendorPath()

	res := api.Build(opts)
	if len(res.Errors) > 0 {
		return &BuildError{Bundle: b.opts.VendorFile, Messages: res.Errors}
	}
	b.mu.Lock()
	b.vendorN++
	b.mu.Unlock()
	return nil
}

func (b *Bundler) baseOptions() api.BuildOptions {
	opts := api.BuildOptions{
		AbsWorkingDir: b.opts.Dir,
		Bundle:        true,
		Write:         true,
		Format:        api.FormatIIFE,
		Platform:      api.PlatformBrowser,
		Target:        api.ES2020,
		JSX:           api.JSXTransform,
		JSXFactory:    b.opts.JSXFactory,
		JSXFragment:   b.opts.JSXFragment,
		Loader: map[string]api.Loader{
			".js":  api.LoaderJSX,
			".jsx": api.LoaderJSX,
		},
		LogLevel: api.LogLevelSilent,
	}
	nodeEnv := "development"
	if b.opts.Production {
		nodeEnv = "production"
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
	} else {
		opts.Sourcemap = api.SourceMapLinked
		opts.SourcesContent = api.SourcesContentInclude
	}
	opts.Define = map[string]string{"process.env.NODE_ENV": `"` + nodeEnv + `"`}
	return opts
}

// VendorSource generates the entry module of the vendor bundle.
func VendorSource(packages []string) string {
	pkgs := append([]string(nil), packages...)
	sort.Strings(pkgs)

	var sb strings.Builder
	sb.WriteString("var registry = globalThis." + RegistryGlobal + " = globalThis." + RegistryGlobal + " || {};\n")
	for _, p := range pkgs {
		name, _ := json.Marshal(p)
		fmt.Fprintf(&sb, "registry[%s] = require(%s);\n", name, name)
	}
	sb.WriteString(`var previous = globalThis.require;
globalThis.require = function (name) {
  if (Object.prototype.hasOwnProperty.call(registry, name)) {
    return registry[name];
  }
  if (typeof previous === "function") {
    return previous(name);
  }
  throw new Error("module not found: " + name);
};
`)
	return sb.String()
}

func logWarnings(ctx context.Context, warnings []api.Message) {
	logger := ctxlog.FromContext(ctx)
	for _, w := range warnings {
		if w.Location != nil {
			logger.Warn("Bundler warning.", "file", w.Location.File, "line", w.Location.Line, "text", w.Text)
			continue
		}
		logger.Warn("Bundler warning.", "text", w.Text)
	}
}
