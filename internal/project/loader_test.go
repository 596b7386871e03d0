package project

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/devgrid/internal/backend"
	"github.com/vk/devgrid/internal/testutil"
)

func TestLoad_DefaultsWithoutProjectFile(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir := t.TempDir()

	p, err := NewLoader().Load(ctx, dir, "", Vars{Command: "build"})
	require.NoError(t, err)

	assert.Empty(t, p.File)
	assert.Equal(t, filepath.Join(dir, "public"), p.Clean.Dir)
	assert.Equal(t, []string{".gitignore"}, p.Clean.Keep)
	assert.Equal(t, filepath.Join(dir, "src", "assets", "scss"), p.Style.SourceDir)
	assert.Equal(t, filepath.Join(dir, "public", "css"), p.Style.OutDir)
	assert.Equal(t, filepath.Join(dir, "src", "app", "app.jsx"), p.Bundle.Entry)
	assert.Equal(t, filepath.Join(dir, "public", "js"), p.Bundle.OutDir)
	assert.Equal(t, "app.js", p.Bundle.OutFile)
	assert.Equal(t, "vendors.js", p.Bundle.VendorFile)
	assert.Equal(t, backend.ReadyPhrase, p.Server.ReadyPattern)
	assert.Equal(t, []string{"react"}, p.Bundle.External)
	assert.Equal(t, DefaultPort, p.Server.Port)
	assert.Equal(t, DefaultPort, p.Sync.Port)
	assert.Equal(t, "App", p.Server.Title)
	assert.Equal(t, DefaultBrowsers, p.Style.Browsers)
}

func TestLoad_BrowserSyncMovesBackendPort(t *testing.T) {
	ctx, _ := testutil.Context(t)

	p, err := NewLoader().Load(ctx, t.TempDir(), "", Vars{BrowserSync: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultInternalPort, p.Server.Port)
	assert.Equal(t, DefaultPort, p.Sync.Port)
}

func TestLoad_EvaluatesExpressions(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir := t.TempDir()
	t.Setenv("DEVGRID_TEST_TITLE", "Storefront")
	testutil.WriteFiles(t, dir, map[string]string{
		DefaultFile: `
style {
  source_dir = "styles"
  out_dir    = production ? "dist/css" : "public/css"
}

bundle {
  entry    = "web/main.jsx"
  external = ["react", "react-dom"]
}

server {
  port  = 9000
  title = env("DEVGRID_TEST_TITLE", "Fallback")
}
`,
	})

	p, err := NewLoader().Load(ctx, dir, "", Vars{Production: true})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, DefaultFile), p.File)
	assert.Equal(t, filepath.Join(dir, "styles"), p.Style.SourceDir)
	assert.Equal(t, filepath.Join(dir, "dist", "css"), p.Style.OutDir)
	assert.Equal(t, []string{filepath.Join(dir, "styles") + "/**/*.scss"}, p.Style.Watch)
	assert.Equal(t, filepath.Join(dir, "web", "main.jsx"), p.Bundle.Entry)
	assert.Equal(t, []string{"react", "react-dom"}, p.Bundle.External)
	assert.Equal(t, 9000, p.Server.Port)
	assert.Equal(t, "Storefront", p.Server.Title)

	p, err = NewLoader().Load(ctx, dir, "", Vars{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "public", "css"), p.Style.OutDir)
}

func TestLoad_EnvFallsBackToDefault(t *testing.T) {
	ctx, _ := testutil.Context(t)
	dir := t.TempDir()
	testutil.WriteFiles(t, dir, map[string]string{
		"custom.hcl": `server { title = env("DEVGRID_SURELY_UNSET_VAR", "Fallback") }`,
	})

	p, err := NewLoader().Load(ctx, dir, "custom.hcl", Vars{})
	require.NoError(t, err)
	assert.Equal(t, "Fallback", p.Server.Title)
}

func TestLoad_Errors(t *testing.T) {
	ctx, _ := testutil.Context(t)

	testCases := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{name: "missing explicit file", file: "nope.hcl", wantErr: "error accessing project file"},
		{name: "syntax error", file: DefaultFile, content: `style {`, wantErr: "failed to parse"},
		{name: "type error", file: DefaultFile, content: `sync { port = "abc" }`, wantErr: "failed to decode"},
		{name: "unknown block", file: DefaultFile, content: `styles {}`, wantErr: "failed to decode"},
		{name: "port out of range", file: DefaultFile, content: `sync { port = 70000 }`, wantErr: "out of range"},
		{name: "same bundle names", file: DefaultFile, content: `bundle { out_file = "vendors.js" }`, wantErr: "must differ"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			if tc.content != "" {
				testutil.WriteFiles(t, dir, map[string]string{tc.file: tc.content})
			}
			path := ""
			if tc.file != DefaultFile {
				path = tc.file
			}
			_, err := NewLoader().Load(ctx, dir, path, Vars{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
