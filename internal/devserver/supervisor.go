// Package devserver runs the backend during development: it supervises the
// backend process, restarts it when server sources change, tracks the watch
// session state and fronts the backend with the browser-sync proxy.
package devserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vk/devgrid/internal/backend"
	"github.com/vk/devgrid/internal/ctxlog"
	"github.com/vk/devgrid/internal/watch"
)

// DefaultReadyPattern is the stdout text that marks a backend as ready.
const DefaultReadyPattern = backend.ReadyPhrase

// DefaultGracePeriod is how long a stopping child gets before SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// readyFD is the descriptor number of the ready pipe inside the child.
const readyFD = 3

const maxPartialLine = 64 << 10

// Options configures a Supervisor.
type Options struct {
	Command []string
	Dir     string
	// Env is appended to the inherited environment.
	Env          []string
	Port         int
	WatchRoots   []string
	Extensions   []string
	ReadyPattern string
	GracePeriod  time.Duration
	Debounce     time.Duration
	Stdout       io.Writer
	Stderr       io.Writer

	// OnReady runs once per child generation, on whichever readiness signal
	// arrives first. A child already being replaced is never reported.
	OnReady func(generation int)
	// OnChange runs before a restart caused by a source change.
	OnChange func(paths []string)
}

// Supervisor keeps one backend child running.
type Supervisor struct {
	opts    Options
	restart chan struct{}

	mu    sync.Mutex
	gen   int
	child *child
}

// NewSupervisor validates opts and returns a supervisor. Nothing starts
// until Run.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("backend command is required")
	}
	if opts.ReadyPattern == "" {
		opts.ReadyPattern = DefaultReadyPattern
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Supervisor{opts: opts, restart: make(chan struct{}, 1)}, nil
}

// Restart asks Run to replace the running child. Requests made while a
// restart is pending are merged.
func (s *Supervisor) Restart() {
	s.retire()
	select {
	case s.restart <- struct{}{}:
	default:
	}
}

// retire marks the running child as stopping so late readiness from it is
// dropped.
func (s *Supervisor) retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil {
		s.child.stopping = true
	}
}

// Generation is the number of the most recently started child, from 1.
func (s *Supervisor) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// PID of the running child, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil || s.child.cmd.Process == nil {
		return 0
	}
	return s.child.cmd.Process.Pid
}

// Run starts the child and restarts it on source changes and Restart calls
// until ctx is done. It returns once the last child has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx).With("component", "supervisor")

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watchDone := make(chan struct{})
	if len(s.opts.WatchRoots) > 0 {
		w, err := watch.New(watch.Options{
			Name:     "backend",
			Roots:    s.opts.WatchRoots,
			Filter:   watch.Extensions(s.opts.Extensions...),
			Debounce: s.opts.Debounce,
		})
		if err != nil {
			return err
		}
		go func() {
			defer close(watchDone)
			_ = w.Run(watchCtx, func(_ context.Context, paths []string) {
				logger.Info("🔁 Server sources changed, restarting backend.", "paths", paths)
				s.retire()
				if s.opts.OnChange != nil {
					s.opts.OnChange(paths)
				}
				s.Restart()
			})
		}()
	} else {
		close(watchDone)
	}
	defer func() { <-watchDone }()

	for {
		c, err := s.start(ctx, logger)
		if err != nil {
			logger.Error("Failed to start backend.", "command", s.opts.Command, "error", err)
		}

		var exited <-chan struct{}
		if c != nil {
			exited = c.exited
		}

		select {
		case <-ctx.Done():
			s.stop(c, logger)
			logger.Debug("Supervisor stopped.")
			return nil
		case <-s.restart:
			s.stop(c, logger)
			continue
		case <-exited:
			logCrash(logger, c)
		}

		// The child is gone; wait for a reason to try again.
		logger.Info("Waiting for changes before restarting backend.")
		select {
		case <-ctx.Done():
			return nil
		case <-s.restart:
		}
	}
}

func (s *Supervisor) start(ctx context.Context, logger *slog.Logger) (*child, error) {
	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Dir = s.opts.Dir
	cmd.Env = append(os.Environ(), s.opts.Env...)
	cmd.Env = append(cmd.Env, "NODE_ENV=development", fmt.Sprintf("PORT=%d", s.opts.Port))
	cmd.Stderr = s.opts.Stderr
	setProcessGroup(cmd)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	c := &child{gen: gen, cmd: cmd, exited: make(chan struct{})}
	s.child = c
	s.mu.Unlock()
	abandon := func() {
		s.mu.Lock()
		s.child = nil
		s.mu.Unlock()
	}

	onReady := func(source string) {
		c.readyOnce.Do(func() {
			// Held across OnReady so a concurrent retire orders before or
			// after the whole report.
			s.mu.Lock()
			defer s.mu.Unlock()
			if c.stopping || s.gen != gen {
				logger.Debug("Ignoring readiness of a replaced backend.", "generation", gen, "signal", source)
				return
			}
			logger.Info("✅ Backend ready.", "generation", gen, "signal", source, "port", s.opts.Port)
			if s.opts.OnReady != nil {
				s.opts.OnReady(gen)
			}
		})
	}
	cmd.Stdout = &readyWriter{
		out:     s.opts.Stdout,
		pattern: []byte(s.opts.ReadyPattern),
		onMatch: func() { onReady("stdout") },
	}

	var readyR *os.File
	if readyFDSupported {
		r, w, err := os.Pipe()
		if err != nil {
			abandon()
			return nil, fmt.Errorf("creating ready pipe: %w", err)
		}
		readyR = r
		cmd.ExtraFiles = []*os.File{w}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", backend.ReadyFDEnv, readyFD))
		defer w.Close()
	}

	if err := cmd.Start(); err != nil {
		if readyR != nil {
			readyR.Close()
		}
		abandon()
		return nil, err
	}
	logger.Info("🚀 Backend started.", "generation", gen, "pid", cmd.Process.Pid, "command", strings.Join(s.opts.Command, " "))

	if readyR != nil {
		go func() {
			defer readyR.Close()
			line, err := bufio.NewReader(readyR).ReadString('\n')
			if err == nil && line == backend.ReadySentinel {
				onReady("fd")
			}
		}()
	}

	go func() {
		c.err = cmd.Wait()
		close(c.exited)
	}()
	return c, nil
}

// stop terminates c's process group and waits for it to exit, escalating to
// SIGKILL after the grace period.
func (s *Supervisor) stop(c *child, logger *slog.Logger) {
	if c == nil {
		return
	}
	defer func() {
		s.mu.Lock()
		if s.child == c {
			s.child = nil
		}
		s.mu.Unlock()
	}()

	s.mu.Lock()
	c.stopping = true
	s.mu.Unlock()

	select {
	case <-c.exited:
		return
	default:
	}

	if err := terminate(c.cmd); err != nil {
		logger.Debug("Failed to signal backend.", "pid", c.cmd.Process.Pid, "error", err)
	}
	select {
	case <-c.exited:
	case <-time.After(s.opts.GracePeriod):
		logger.Warn("Backend did not stop in time, killing it.", "pid", c.cmd.Process.Pid, "grace", s.opts.GracePeriod)
		_ = kill(c.cmd)
		<-c.exited
	}
	logger.Debug("Backend stopped.", "generation", c.gen)
}

func logCrash(logger *slog.Logger, c *child) {
	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	logger.Error("💥 Backend exited.", "generation", c.gen, "exit_code", code, "error", c.err)
}

type child struct {
	gen       int
	cmd       *exec.Cmd
	exited    chan struct{}
	err       error
	readyOnce sync.Once
	// stopping is guarded by Supervisor.mu.
	stopping bool
}

// readyWriter forwards the child's stdout and watches complete lines for the
// readiness pattern.
type readyWriter struct {
	out     io.Writer
	pattern []byte
	onMatch func()
	partial []byte
}

func (w *readyWriter) Write(p []byte) (int, error) {
	if _, err := w.out.Write(p); err != nil {
		return 0, err
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		if bytes.Contains(w.partial[:i], w.pattern) {
			w.onMatch()
		}
		w.partial = w.partial[i+1:]
	}
	// A pattern on an unterminated line still counts.
	if len(w.partial) > 0 && bytes.Contains(w.partial, w.pattern) {
		w.onMatch()
		w.partial = w.partial[:0]
	}
	if len(w.partial) > maxPartialLine {
		w.partial = append(w.partial[:0], w.partial[len(w.partial)-len(w.pattern):]...)
	}
	return len(p), nil
}
