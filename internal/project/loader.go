// Package project loads the devgrid.hcl project file that describes where the
// pipeline reads sources from and writes assets to.
package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/devgrid/internal/backend"
	"github.com/vk/devgrid/internal/ctxlog"
)

// DefaultFile is the project file name looked up in the project directory.
const DefaultFile = "devgrid.hcl"

// Default ports. The backend takes the public
// port unless the sync proxy fronts it.
const (
	DefaultPort         = 8877
	DefaultInternalPort = 8878
)

// DefaultBrowsers is the fixed vendor-prefixing target set ("last 2 versions").
var DefaultBrowsers = []string{"chrome 127", "edge 127", "firefox 128", "safari 17.5", "ios 17.5"}

// fileRoot decodes every top-level block a project file may contain.
type fileRoot struct {
	Clean  *Clean  `hcl:"clean,block"`
	Style  *Style  `hcl:"style,block"`
	Bundle *Bundle `hcl:"bundle,block"`
	Server *Server `hcl:"server,block"`
	Sync   *Sync   `hcl:"sync,block"`
}

// Loader reads project files.
type Loader struct{}

// NewLoader creates a new project file loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads the project file at path (or DefaultFile under dir when path is
// empty), evaluates it with vars and fills every omitted setting with its
// default. A missing file is not an error: the defaults describe the
// conventional layout.
func (l *Loader) Load(ctx context.Context, dir, path string, vars Vars) (*Project, error) {
	logger := ctxlog.FromContext(ctx)

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project dir %s: %w", dir, err)
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(absDir, DefaultFile)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(absDir, path)
	}

	root := fileRoot{}
	p := &Project{Dir: absDir}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return nil, fmt.Errorf("error accessing project file %s: %w", path, err)
		}
		logger.Debug("No project file found, using defaults.", "path", path)
	} else {
		parser := hclparse.NewParser()
		file, diags := parser.ParseHCLFile(path)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse project file %s: %w", path, diags)
		}
		diags = gohcl.DecodeBody(file.Body, evalContext(vars), &root)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode project file %s: %w", path, diags)
		}
		p.File = path
		logger.Debug("Project file loaded.", "path", path)
	}

	if root.Clean != nil {
		p.Clean = *root.Clean
	}
	if root.Style != nil {
		p.Style = *root.Style
	}
	if root.Bundle != nil {
		p.Bundle = *root.Bundle
	}
	if root.Server != nil {
		p.Server = *root.Server
	}
	if root.Sync != nil {
		p.Sync = *root.Sync
	}

	p.applyDefaults(vars)
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.resolvePaths()
	return p, nil
}

// evalContext exposes the build flags and the env() function to expressions.
func evalContext(vars Vars) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"production":  cty.BoolVal(vars.Production),
			"watch":       cty.BoolVal(vars.Watch),
			"browsersync": cty.BoolVal(vars.BrowserSync),
			"command":     cty.StringVal(vars.Command),
		},
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}
}

// envFunc implements env(name, [default]).
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	VarParam: &function.Parameter{Name: "default", Type: cty.String},
	Type:     function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		if v, ok := os.LookupEnv(args[0].AsString()); ok {
			return cty.StringVal(v), nil
		}
		if len(args) > 1 {
			return args[1], nil
		}
		return cty.StringVal(""), nil
	},
})

func (p *Project) applyDefaults(vars Vars) {
	orString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	orList := func(v *[]string, def ...string) {
		if *v == nil {
			*v = def
		}
	}

	orString(&p.Clean.Dir, "public")
	orList(&p.Clean.Keep, ".gitignore")

	orString(&p.Style.SourceDir, filepath.Join("src", "assets", "scss"))
	orString(&p.Style.OutDir, filepath.Join("public", "css"))
	orList(&p.Style.Watch, filepath.ToSlash(p.Style.SourceDir)+"/**/*.scss")
	orList(&p.Style.Browsers, DefaultBrowsers...)

	orString(&p.Bundle.Entry, filepath.Join("src", "app", "app.jsx"))
	orString(&p.Bundle.OutDir, filepath.Join("public", "js"))
	orString(&p.Bundle.OutFile, "app.js")
	orString(&p.Bundle.VendorFile, "vendors.js")
	orList(&p.Bundle.External, "react")
	orString(&p.Bundle.JSXFactory, "React.createElement")
	orString(&p.Bundle.JSXFragment, "React.Fragment")

	orList(&p.Server.Watch, filepath.Join("src", "server"), filepath.Join("src", "templates"))
	orList(&p.Server.Extensions, "go", "html")
	if p.Server.Port == 0 {
		p.Server.Port = DefaultPort
		if vars.BrowserSync {
			p.Server.Port = DefaultInternalPort
		}
	}
	orString(&p.Server.PublicDir, "public")
	orString(&p.Server.TemplatesDir, filepath.Join("src", "templates"))
	orString(&p.Server.Template, "index.html")
	orString(&p.Server.Title, "App")
	orString(&p.Server.ReadyPattern, backend.ReadyPhrase)

	if p.Sync.Port == 0 {
		p.Sync.Port = DefaultPort
	}
}

func (p *Project) validate() error {
	if p.Server.Port < 1 || p.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", p.Server.Port)
	}
	if p.Sync.Port < 1 || p.Sync.Port > 65535 {
		return fmt.Errorf("sync port %d out of range", p.Sync.Port)
	}
	if p.Bundle.OutFile == p.Bundle.VendorFile {
		return fmt.Errorf("bundle out_file and vendor_file must differ, both are %q", p.Bundle.OutFile)
	}
	return nil
}

func (p *Project) resolvePaths() {
	abs := func(v *string) {
		if !filepath.IsAbs(*v) {
			*v = filepath.Join(p.Dir, *v)
		}
	}
	absList := func(list []string) {
		for i := range list {
			abs(&list[i])
		}
	}

	abs(&p.Clean.Dir)
	abs(&p.Style.SourceDir)
	abs(&p.Style.OutDir)
	absList(p.Style.Watch)
	abs(&p.Bundle.Entry)
	abs(&p.Bundle.OutDir)
	absList(p.Server.Watch)
	abs(&p.Server.PublicDir)
	abs(&p.Server.TemplatesDir)
}
