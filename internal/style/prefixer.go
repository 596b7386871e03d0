package style

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"safari":  api.EngineSafari,
	"ios":     api.EngineIOS,
	"opera":   api.EngineOpera,
}

// Prefixer adds the vendor prefixes needed by a fixed browser target set and
// optionally minifies the result.
type Prefixer struct {
	engines []api.Engine
}

// NewPrefixer parses browser targets of the form "<browser> <version>".
func NewPrefixer(browsers []string) (*Prefixer, error) {
	p := &Prefixer{}
	for _, b := range browsers {
		fields := strings.Fields(b)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid browser target %q, want \"<browser> <version>\"", b)
		}
		name, ok := engineNames[strings.ToLower(fields[0])]
		if !ok {
			return nil, fmt.Errorf("unknown browser %q in target %q", fields[0], b)
		}
		p.engines = append(p.engines, api.Engine{Name: name, Version: fields[1]})
	}
	return p, nil
}

// Process runs css through the prefixer. file names the sheet in messages.
// With sourceMap set the output carries an inline map; an inline map already
// present in css is composed into it.
func (p *Prefixer) Process(css, file string, minify, sourceMap bool) (string, error) {
	opts := api.TransformOptions{
		Loader:           api.LoaderCSS,
		Engines:          p.engines,
		Sourcefile:       file,
		MinifyWhitespace: minify,
		MinifySyntax:     minify,
		LogLevel:         api.LogLevelSilent,
	}
	if sourceMap {
		opts.Sourcemap = api.SourceMapInline
		opts.SourcesContent = api.SourcesContentInclude
	}
	res := api.Transform(css, opts)
	if len(res.Errors) > 0 {
		return "", messagesError(res.Errors)
	}
	return string(res.Code), nil
}

func messagesError(msgs []api.Message) error {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		lines = append(lines, m.Text)
	}
	return errors.New(strings.Join(lines, "\n"))
}
