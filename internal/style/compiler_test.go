package style

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/devgrid/internal/project"
	"github.com/vk/devgrid/internal/testutil"
)

// passthrough is a Transpiler that treats every source as plain CSS.
type passthrough struct {
	mu       sync.Mutex
	requests []Request
	err      error
	closed   bool
}

func (p *passthrough) Transpile(req Request) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return Response{}, p.err
	}
	res := Response{CSS: req.Source}
	if req.SourceMap {
		res.SourceMap = `{"version":3,"sources":["` + req.URL + `"],"mappings":""}`
	}
	return res, nil
}

func (p *passthrough) Close() error {
	p.closed = true
	return nil
}

const sheet = `.card {
  user-select: none;
  color: red;
}
`

func newTestCompiler(t *testing.T, production bool, tr Transpiler) (*Compiler, string, string) {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "scss")
	out := filepath.Join(root, "public", "css")
	testutil.WriteFiles(t, src, map[string]string{
		"main.scss":       sheet,
		"_variables.scss": "$unused: 1px;",
	})
	c, err := NewCompiler(Options{
		SourceDir:  src,
		OutDir:     out,
		Browsers:   project.DefaultBrowsers,
		Production: production,
	}, tr)
	require.NoError(t, err)
	return c, src, out
}

func TestCompileAll_WritesPrefixedEntrySheets(t *testing.T) {
	ctx, _ := testutil.Context(t)
	tr := &passthrough{}
	c, _, out := newTestCompiler(t, false, tr)

	written, err := c.CompileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(out, "main.css")}, written)
	require.Len(t, tr.requests, 1, "partials must not be compiled on their own")

	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	css := string(data)
	assert.Contains(t, css, "-webkit-user-select: none")
	assert.Contains(t, css, "user-select: none")
	assert.Contains(t, css, "sourceMappingURL=data:application/json;base64,")
	assert.False(t, tr.requests[0].Compressed)
	assert.True(t, tr.requests[0].SourceMap)
}

const vlqChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func vlqEncode(values ...int) string {
	var sb strings.Builder
	for _, n := range values {
		v := n << 1
		if n < 0 {
			v = (-n << 1) | 1
		}
		for {
			digit := v & 31
			v >>= 5
			if v > 0 {
				digit |= 32
			}
			sb.WriteByte(vlqChars[digit])
			if v == 0 {
				break
			}
		}
	}
	return sb.String()
}

func vlqDecode(segment string) []int {
	var values []int
	v, shift := 0, 0
	for i := 0; i < len(segment); i++ {
		digit := strings.IndexByte(vlqChars, segment[i])
		v |= (digit & 31) << shift
		if digit&32 != 0 {
			shift += 5
			continue
		}
		if v&1 != 0 {
			values = append(values, -(v >> 1))
		} else {
			values = append(values, v>>1)
		}
		v, shift = 0, 0
	}
	return values
}

// lineDropper is a Transpiler that drops "//" comment lines, like Sass does,
// and maps every kept line back to its source line.
type lineDropper struct{}

func (lineDropper) Transpile(req Request) (Response, error) {
	var kept []string
	var mappings []string
	prev := 0
	for i, line := range strings.Split(req.Source, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		kept = append(kept, line)
		mappings = append(mappings, vlqEncode(0, 0, i-prev, 0))
		prev = i
	}
	m, err := json.Marshal(map[string]any{
		"version":  3,
		"sources":  []string{req.URL},
		"mappings": strings.Join(mappings, ";"),
	})
	if err != nil {
		return Response{}, err
	}
	return Response{CSS: strings.Join(kept, "\n"), SourceMap: string(m)}, nil
}

func (lineDropper) Close() error { return nil }

// originalLine returns the source line the first mapping on generated line
// gen points at.
func originalLine(t *testing.T, mappings string, gen int) int {
	t.Helper()
	srcLine := 0
	for i, line := range strings.Split(mappings, ";") {
		for j, seg := range strings.Split(line, ",") {
			if seg == "" {
				continue
			}
			v := vlqDecode(seg)
			require.GreaterOrEqual(t, len(v), 4, "segment %q", seg)
			srcLine += v[2]
			if i == gen && j == 0 {
				return srcLine
			}
		}
	}
	t.Fatalf("no mapping on generated line %d", gen)
	return 0
}

func TestRender_SourceMapPointsAtSassSource(t *testing.T) {
	c, src, _ := newTestCompiler(t, false, lineDropper{})
	source := strings.Join([]string{
		"// colors",
		"// and more",
		".first {",
		"  color: red;",
		"}",
		"// the later rule",
		".later {",
		"  user-select: none;",
		"}",
	}, "\n")

	css, err := c.Render(source, filepath.Join(src, "main.scss"))
	require.NoError(t, err)

	const marker = "/*# sourceMappingURL=data:application/json;base64,"
	start := strings.Index(css, marker)
	require.GreaterOrEqual(t, start, 0, "inline map missing:\n%s", css)
	assert.Equal(t, 1, strings.Count(css, marker))
	encoded := css[start+len(marker):]
	encoded = encoded[:strings.Index(encoded, " */")]
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var m struct {
		Sources  []string `json:"sources"`
		Mappings string   `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Len(t, m.Sources, 1)
	assert.True(t, strings.HasSuffix(m.Sources[0], "main.scss"), m.Sources[0])

	gen := -1
	for i, line := range strings.Split(css, "\n") {
		if strings.HasPrefix(line, ".later") {
			gen = i
			break
		}
	}
	require.GreaterOrEqual(t, gen, 0, css)
	assert.Equal(t, 6, originalLine(t, m.Mappings, gen))
}

func TestCompileAll_ProductionIsMinifiedWithoutMap(t *testing.T) {
	ctx, _ := testutil.Context(t)
	tr := &passthrough{}
	c, _, out := newTestCompiler(t, true, tr)

	_, err := c.CompileAll(ctx)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(out, "main.css"))
	require.NoError(t, err)
	css := strings.TrimSpace(string(data))
	assert.NotContains(t, css, "sourceMappingURL")
	assert.NotContains(t, css, "\n")
	assert.Contains(t, css, "-webkit-user-select:none")
	assert.True(t, tr.requests[0].Compressed)
}

func TestCompileAll_IsDeterministic(t *testing.T) {
	ctx, _ := testutil.Context(t)
	for _, production := range []bool{false, true} {
		c, _, out := newTestCompiler(t, production, &passthrough{})

		_, err := c.CompileAll(ctx)
		require.NoError(t, err)
		first, err := os.ReadFile(filepath.Join(out, "main.css"))
		require.NoError(t, err)

		_, err = c.CompileAll(ctx)
		require.NoError(t, err)
		second, err := os.ReadFile(filepath.Join(out, "main.css"))
		require.NoError(t, err)

		assert.Equal(t, string(first), string(second), "production=%v", production)
	}
}

func TestCompileAll_TranspileErrorIsCompileError(t *testing.T) {
	ctx, _ := testutil.Context(t)
	boom := errors.New("expected \"{\"")
	c, src, _ := newTestCompiler(t, false, &passthrough{err: boom})

	_, err := c.CompileAll(ctx)
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, filepath.Join(src, "main.scss"), ce.File)
	assert.ErrorIs(t, err, boom)
}

func TestCompileAll_MissingSourceDir(t *testing.T) {
	ctx, _ := testutil.Context(t)
	c, err := NewCompiler(Options{
		SourceDir: filepath.Join(t.TempDir(), "nope"),
		OutDir:    t.TempDir(),
		Browsers:  project.DefaultBrowsers,
	}, &passthrough{})
	require.NoError(t, err)

	written, err := c.CompileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestNewPrefixer_RejectsBadTargets(t *testing.T) {
	_, err := NewPrefixer([]string{"chrome"})
	assert.ErrorContains(t, err, "invalid browser target")

	_, err = NewPrefixer([]string{"netscape 4"})
	assert.ErrorContains(t, err, "unknown browser")
}

func TestClose_ClosesTranspiler(t *testing.T) {
	tr := &passthrough{}
	c, _, _ := newTestCompiler(t, false, tr)
	require.NoError(t, c.Close())
	assert.True(t, tr.closed)
}

func TestDartSass_CompilesNesting(t *testing.T) {
	if _, err := exec.LookPath("sass"); err != nil {
		t.Skip("dart-sass binary not found in PATH")
	}
	ctx, _ := testutil.Context(t)
	root := t.TempDir()
	testutil.WriteFiles(t, root, map[string]string{
		"_colors.scss": "$brand: #336699;",
		"main.scss":    "@use 'colors';\n.nav { a { color: colors.$brand; user-select: none; } }\n",
	})
	c, err := NewCompiler(Options{
		SourceDir:  root,
		OutDir:     filepath.Join(root, "out"),
		Browsers:   project.DefaultBrowsers,
		Production: true,
	}, NewDartSass(""))
	require.NoError(t, err)
	defer c.Close()

	written, err := c.CompileAll(ctx)
	require.NoError(t, err)
	require.Len(t, written, 1)

	data, err := os.ReadFile(written[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), ".nav a{")
	assert.Contains(t, string(data), "#369")
}
