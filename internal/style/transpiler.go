package style

import (
	"fmt"
	"sync"

	"github.com/bep/godartsass/v2"
)

// Syntax is the input syntax of a style sheet.
type Syntax int

const (
	SyntaxSCSS Syntax = iota
	SyntaxSass
	SyntaxCSS
)

// Request is one style sheet handed to a Transpiler.
type Request struct {
	Source       string
	URL          string
	Syntax       Syntax
	IncludePaths []string
	Compressed   bool
	SourceMap    bool
}

// Response is the plain CSS produced for a Request.
type Response struct {
	CSS       string
	SourceMap string
}

// Transpiler turns preprocessor sources into plain CSS.
type Transpiler interface {
	Transpile(req Request) (Response, error)
	Close() error
}

// DartSass transpiles through the Dart Sass embedded protocol. The
// sass-embedded binary is started on first use.
type DartSass struct {
	// Binary overrides the dart-sass executable looked up in PATH.
	Binary string

	mu sync.Mutex
	t  *godartsass.Transpiler
}

// NewDartSass returns a transpiler using the given dart-sass binary. An empty
// binary means the one found in PATH.
func NewDartSass(binary string) *DartSass {
	return &DartSass{Binary: binary}
}

func (d *DartSass) start() (*godartsass.Transpiler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		return d.t, nil
	}
	t, err := godartsass.Start(godartsass.Options{DartSassEmbeddedFilename: d.Binary})
	if err != nil {
		return nil, fmt.Errorf("starting dart-sass: %w", err)
	}
	d.t = t
	return t, nil
}

// Transpile implements Transpiler.
func (d *DartSass) Transpile(req Request) (Response, error) {
	t, err := d.start()
	if err != nil {
		return Response{}, err
	}

	args := godartsass.Args{
		Source:                  req.Source,
		URL:                     req.URL,
		IncludePaths:            req.IncludePaths,
		OutputStyle:             godartsass.OutputStyleExpanded,
		EnableSourceMap:         req.SourceMap,
		SourceMapIncludeSources: req.SourceMap,
	}
	if req.Compressed {
		args.OutputStyle = godartsass.OutputStyleCompressed
	}
	switch req.Syntax {
	case SyntaxSass:
		args.SourceSyntax = godartsass.SourceSyntaxSASS
	case SyntaxCSS:
		args.SourceSyntax = godartsass.SourceSyntaxCSS
	default:
		args.SourceSyntax = godartsass.SourceSyntaxSCSS
	}

	res, err := t.Execute(args)
	if err != nil {
		return Response{}, err
	}
	return Response{CSS: res.CSS, SourceMap: res.SourceMap}, nil
}

// Close stops the dart-sass process if it was started.
func (d *DartSass) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t == nil {
		return nil
	}
	err := d.t.Close()
	d.t = nil
	return err
}
