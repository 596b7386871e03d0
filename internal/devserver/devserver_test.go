//go:build unix

package devserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/devgrid/internal/backend"
	"github.com/vk/devgrid/internal/reload"
	"github.com/vk/devgrid/internal/testutil"
)

const childModeEnv = "DEVGRID_TEST_CHILD"

// TestMain turns the test binary into a fake backend when re-executed by a
// supervisor under test.
func TestMain(m *testing.M) {
	if mode := os.Getenv(childModeEnv); mode != "" {
		os.Exit(runChild(mode))
	}
	os.Exit(m.Run())
}

func runChild(mode string) int {
	sigs := make(chan os.Signal, 1)
	if mode == "stubborn" {
		signal.Ignore(syscall.SIGTERM)
	} else {
		signal.Notify(sigs, syscall.SIGTERM)
	}

	switch mode {
	case "crash":
		fmt.Println("starting and failing")
		return 3
	case "fd":
		_ = backend.SignalReady()
	case "stdout", "stubborn":
		fmt.Println(backend.ReadyLine("fake", "0.0.0", 1))
	case "both":
		_ = backend.SignalReady()
		fmt.Println(backend.ReadyLine("fake", "0.0.0", 1))
	case "late":
		// Ready only once asked to stop.
		fmt.Println("waiting for a signal")
		<-sigs
		fmt.Println(backend.ReadyLine("fake", "0.0.0", 1))
		return 0
	}

	if mode == "stubborn" {
		select {}
	}
	<-sigs
	return 0
}

// readyLog records the generations reported ready.
type readyLog struct {
	mu   sync.Mutex
	gens []int
}

func (r *readyLog) add(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens = append(r.gens, gen)
}

func (r *readyLog) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.gens...)
}

type countingBridge struct {
	mu    sync.Mutex
	kinds []reload.Kind
}

func (b *countingBridge) Reload(kind reload.Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kinds = append(b.kinds, kind)
}

func (b *countingBridge) Handler() http.Handler { return http.NotFoundHandler() }
func (b *countingBridge) Close() error          { return nil }

func (b *countingBridge) snapshot() []reload.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]reload.Kind(nil), b.kinds...)
}

func childOptions(t *testing.T, mode string, onReady func(int)) Options {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return Options{
		Command:     []string{exe},
		Env:         []string{childModeEnv + "=" + mode},
		Port:        1,
		GracePeriod: 500 * time.Millisecond,
		Debounce:    20 * time.Millisecond,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
		OnReady:     onReady,
	}
}

// runSupervisor runs s in the background. The returned stop cancels it and
// waits for Run to return; it is also registered as test cleanup.
func runSupervisor(t *testing.T, s *Supervisor) (stop func() error) {
	t.Helper()
	ctx, _ := testutil.Context(t)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(10 * time.Second):
				t.Error("supervisor did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func TestSupervisor_OneReadinessPerGeneration(t *testing.T) {
	for _, mode := range []string{"fd", "stdout", "both"} {
		t.Run(mode, func(t *testing.T) {
			ready := &readyLog{}
			s, err := NewSupervisor(childOptions(t, mode, ready.add))
			require.NoError(t, err)
			runSupervisor(t, s)

			require.Eventually(t, func() bool { return len(ready.snapshot()) == 1 }, 10*time.Second, 10*time.Millisecond)
			s.Restart()
			require.Eventually(t, func() bool { return len(ready.snapshot()) == 2 }, 10*time.Second, 10*time.Millisecond)
			s.Restart()
			require.Eventually(t, func() bool { return len(ready.snapshot()) == 3 }, 10*time.Second, 10*time.Millisecond)

			// Give a late duplicate signal the chance to show up.
			time.Sleep(200 * time.Millisecond)
			assert.Equal(t, []int{1, 2, 3}, ready.snapshot())
			assert.Equal(t, 3, s.Generation())
		})
	}
}

func TestSupervisor_RestartsReloadBrowsersOncePerRestart(t *testing.T) {
	m := NewMachine(nil)
	bridge := &countingBridge{}
	m.ReloadOn(bridge)

	_, err := m.Fire(EventStart)
	require.NoError(t, err)
	_, err = m.Fire(EventBuilt)
	require.NoError(t, err)

	ready := &readyLog{}
	s, err := NewSupervisor(childOptions(t, "both", func(gen int) {
		ready.add(gen)
		_, _ = m.Fire(EventReady)
	}))
	require.NoError(t, err)
	runSupervisor(t, s)

	require.Eventually(t, func() bool { return len(ready.snapshot()) == 1 }, 10*time.Second, 10*time.Millisecond)
	assert.Empty(t, bridge.snapshot(), "the first backend start must not reload")

	for i := 2; i <= 3; i++ {
		_, err := m.Fire(EventBackendChanged)
		require.NoError(t, err)
		s.Restart()
		want := i
		require.Eventually(t, func() bool { return len(ready.snapshot()) == want }, 10*time.Second, 10*time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(bridge.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, []reload.Kind{reload.KindFull, reload.KindFull}, bridge.snapshot())
	assert.Equal(t, StateServing, m.State())
}

func TestSupervisor_IgnoresReadinessOfStoppingChild(t *testing.T) {
	m := NewMachine(nil)
	bridge := &countingBridge{}
	m.ReloadOn(bridge)
	_, err := m.Fire(EventStart)
	require.NoError(t, err)
	_, err = m.Fire(EventBuilt)
	require.NoError(t, err)

	ready := &readyLog{}
	out := &testutil.SafeBuffer{}
	opts := childOptions(t, "late", func(gen int) {
		ready.add(gen)
		_, _ = m.Fire(EventReady)
	})
	opts.Stdout = out
	s, err := NewSupervisor(opts)
	require.NoError(t, err)
	runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "waiting for a signal")
	}, 10*time.Second, 10*time.Millisecond)

	_, err = m.Fire(EventBackendChanged)
	require.NoError(t, err)
	s.Restart()

	// The first child prints its ready line while stopping, before the second
	// one starts.
	require.Eventually(t, func() bool { return s.Generation() == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), DefaultReadyPattern)
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, ready.snapshot())
	assert.Equal(t, StateRestarting, m.State())
	assert.Empty(t, bridge.snapshot())
}

func TestSupervisor_RestartsOnSourceChange(t *testing.T) {
	dir := t.TempDir()
	ready := &readyLog{}
	opts := childOptions(t, "fd", ready.add)
	opts.WatchRoots = []string{dir}
	opts.Extensions = []string{"go", "html"}

	var changed sync.WaitGroup
	changed.Add(1)
	var once sync.Once
	opts.OnChange = func([]string) { once.Do(changed.Done) }

	s, err := NewSupervisor(opts)
	require.NoError(t, err)
	runSupervisor(t, s)

	require.Eventually(t, func() bool { return len(ready.snapshot()) == 1 }, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<p>"), 0o644))

	require.Eventually(t, func() bool { return len(ready.snapshot()) == 2 }, 10*time.Second, 10*time.Millisecond)
	changed.Wait()
}

func TestSupervisor_CrashWaitsForNextChange(t *testing.T) {
	ctx, buf := testutil.Context(t)
	s, err := NewSupervisor(childOptions(t, "crash", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "Backend exited") &&
			strings.Contains(buf.String(), "Waiting for changes")
	}, 10*time.Second, 10*time.Millisecond)
	assert.Contains(t, buf.String(), "exit_code=3")
	assert.Equal(t, 1, s.Generation())

	s.Restart()
	require.Eventually(t, func() bool { return s.Generation() == 2 }, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_StopKillsChild(t *testing.T) {
	for _, mode := range []string{"fd", "stubborn"} {
		t.Run(mode, func(t *testing.T) {
			ready := &readyLog{}
			s, err := NewSupervisor(childOptions(t, mode, ready.add))
			require.NoError(t, err)
			stop := runSupervisor(t, s)

			require.Eventually(t, func() bool { return len(ready.snapshot()) == 1 }, 10*time.Second, 10*time.Millisecond)
			pid := s.PID()
			require.NotZero(t, pid)

			require.NoError(t, stop())
			assert.Zero(t, s.PID())
			assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "child must be gone")
		})
	}
}

func TestNewSupervisor_RequiresCommand(t *testing.T) {
	_, err := NewSupervisor(Options{})
	assert.Error(t, err)
}

func TestReadyWriter_MatchesSplitWrites(t *testing.T) {
	var matches int
	var out strings.Builder
	w := &readyWriter{out: &out, pattern: []byte(DefaultReadyPattern), onMatch: func() { matches++ }}

	_, _ = w.Write([]byte("compiling\nshop 1.0.0 up and "))
	assert.Zero(t, matches)
	_, _ = w.Write([]byte("running on 8878\nmore\n"))
	assert.Equal(t, 1, matches)
	assert.Equal(t, "compiling\nshop 1.0.0 up and running on 8878\nmore\n", out.String())
}

func TestProxy_InjectsScriptAndMountsBridge(t *testing.T) {
	ctx, _ := testutil.Context(t)
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/js/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "console.log('</body>')")
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<html><head><title>App</title></head><body><div id=app></div></body></html>")
		}
	}))
	defer backendSrv.Close()

	target, err := url.Parse(backendSrv.URL)
	require.NoError(t, err)
	p, err := NewProxy(ctx, ProxyOptions{Backend: target, Bridge: reload.Nop{}})
	require.NoError(t, err)
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/some/page")
	require.NoError(t, err)
	defer resp.Body.Close()
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "App", doc.Find("title").Text())
	src, ok := doc.Find("body script").Attr("src")
	require.True(t, ok)
	assert.Equal(t, reload.ScriptPath, src)

	resp, err = http.Get(srv.URL + "/js/app.js")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "console.log('</body>')", string(body))

	resp, err = http.Get(srv.URL + reload.ScriptPath)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, reload.ClientScript(), body)
}

func TestProxy_BackendDown(t *testing.T) {
	ctx, _ := testutil.Context(t)
	target, err := url.Parse("http://127.0.0.1:1")
	require.NoError(t, err)
	p, err := NewProxy(ctx, ProxyOptions{Backend: target})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), reload.ScriptPath)
}
