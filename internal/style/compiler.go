// Package style compiles the project's entry style sheets into prefixed CSS.
//
// Each sheet runs through a Transpiler (Dart Sass in production use) and then
// through a Prefixer that adds vendor prefixes for the configured browsers.
// Development builds keep expanded output and carry an inline source map;
// production builds are compressed and minified.
package style

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/devgrid/internal/ctxlog"
	"github.com/vk/devgrid/internal/fsutil"
)

// Extensions lists the sheet extensions compiled as entry points.
var Extensions = []string{".scss", ".sass", ".css"}

// Options configures a Compiler.
type Options struct {
	SourceDir  string
	OutDir     string
	Browsers   []string
	Production bool
}

// CompileError reports a sheet that failed to compile.
type CompileError struct {
	File string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("style %s: %v", e.File, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Compiler compiles entry sheets from SourceDir into OutDir.
type Compiler struct {
	opts       Options
	transpiler Transpiler
	prefixer   *Prefixer
}

// NewCompiler creates a compiler backed by the given transpiler. The compiler
// owns the transpiler and closes it in Close.
func NewCompiler(opts Options, t Transpiler) (*Compiler, error) {
	if t == nil {
		panic("style: transpiler is required")
	}
	p, err := NewPrefixer(opts.Browsers)
	if err != nil {
		return nil, err
	}
	return &Compiler{opts: opts, transpiler: t, prefixer: p}, nil
}

// CompileAll compiles every entry sheet and returns the written files. It
// stops at the first failing sheet.
func (c *Compiler) CompileAll(ctx context.Context) ([]string, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.FindEntryFiles(c.opts.SourceDir, Extensions...)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("Style source directory does not exist, nothing to compile.", "dir", c.opts.SourceDir)
			return nil, nil
		}
		return nil, fmt.Errorf("listing style sheets: %w", err)
	}

	written := make([]string, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		out, err := c.Compile(ctx, file)
		if err != nil {
			return written, err
		}
		written = append(written, out)
	}
	logger.Debug("Style sheets compiled.", "count", len(written), "production", c.opts.Production)
	return written, nil
}

// Compile compiles one sheet and writes <OutDir>/<base>.css.
func (c *Compiler) Compile(ctx context.Context, file string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	src, err := os.ReadFile(file)
	if err != nil {
		return "", &CompileError{File: file, Err: err}
	}

	css, err := c.Render(string(src), file)
	if err != nil {
		return "", err
	}

	base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	out := filepath.Join(c.opts.OutDir, base+".css")
	if err := fsutil.WriteFile(out, []byte(css)); err != nil {
		return "", fmt.Errorf("writing %s: %w", out, err)
	}
	logger.Debug("Style sheet written.", "src", file, "out", out, "bytes", len(css))
	return out, nil
}

// Render compiles source named file to its final CSS without touching disk.
func (c *Compiler) Render(source, file string) (string, error) {
	req := Request{
		Source:       source,
		URL:          "file://" + filepath.ToSlash(file),
		Syntax:       syntaxOf(file),
		IncludePaths: []string{c.opts.SourceDir},
		Compressed:   c.opts.Production,
		SourceMap:    !c.opts.Production,
	}
	res, err := c.transpiler.Transpile(req)
	if err != nil {
		return "", &CompileError{File: file, Err: err}
	}

	css := res.CSS
	sourceMap := !c.opts.Production && res.SourceMap != ""
	if sourceMap {
		// The prefixer picks this map up and maps its output back to the
		// Sass sources.
		css = strings.TrimRight(css, "\n") + "\n/*# sourceMappingURL=data:application/json;base64," +
			base64.StdEncoding.EncodeToString([]byte(res.SourceMap)) + " */\n"
	}

	css, err = c.prefixer.Process(css, file, c.opts.Production, sourceMap)
	if err != nil {
		return "", &CompileError{File: file, Err: err}
	}
	return css, nil
}

// Close releases the transpiler.
func (c *Compiler) Close() error {
	return c.transpiler.Close()
}

func syntaxOf(file string) Syntax {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".sass":
		return SyntaxSass
	case ".css":
		return SyntaxCSS
	default:
		return SyntaxSCSS
	}
}
