package buildtool

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskd/internal/cancel"
	"github.com/msageha/taskd/internal/model"
	"github.com/msageha/taskd/internal/process"
)

const diagnosticLines = 20

// Wrapper drives a build through the project's wrapper script (gradlew on
// posix, gradlew.bat on windows), one child process per invocation.
type Wrapper struct {
	command     process.PlatformCommand
	defaultArgs []string
	env         []string
	bufferSize  int
	logger      *zap.SugaredLogger
}

func NewWrapper(cfg model.BuildConfig, logger *zap.SugaredLogger) *Wrapper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var env []string
	if cfg.JavaHome != "" {
		env = append(env, "JAVA_HOME="+cfg.JavaHome)
	}
	return &Wrapper{
		command: process.PlatformCommand{
			Windows: cfg.WrapperWindows,
			Posix:   cfg.WrapperPosix,
		},
		defaultArgs: cfg.DefaultArgs,
		env:         env,
		bufferSize:  cfg.OutputBuffer,
		logger:      logger,
	}
}

func (w *Wrapper) ListTasks(tok cancel.Token, inv ListTasksInvocation, sink Sink) ([]model.TaskDescriptor, error) {
	var stdout []string
	args := append([]string{"tasks", "--all"}, inv.Args...)
	err := w.invoke(tok.Context(), inv.ProjectDir, args, func(stream model.Stream, line string) {
		if desc, ok := progressDescription(line); ok {
			sink.Progress(model.ProgressEvent{Description: desc})
		}
		if stream == model.StreamStdout {
			stdout = append(stdout, line)
		}
	})
	if err != nil {
		return nil, err
	}
	return ParseTasks(stdout, inv.ProjectDir), nil
}

func (w *Wrapper) RunTask(tok cancel.Token, inv RunTaskInvocation, sink Sink) error {
	args := append([]string{inv.Task}, inv.Args...)
	return w.invoke(tok.Context(), inv.ProjectDir, args, func(stream model.Stream, line string) {
		if desc, ok := progressDescription(line); ok {
			sink.Progress(model.ProgressEvent{Description: desc})
		}
		sink.Output(model.OutputEvent{Stream: stream, Line: line})
	})
}

func (w *Wrapper) DaemonStatus(ctx context.Context, projectDir string) ([]model.DaemonRecord, error) {
	var stdout []string
	err := w.invoke(ctx, projectDir, []string{"--status"}, func(stream model.Stream, line string) {
		if stream == model.StreamStdout {
			stdout = append(stdout, line)
		}
	})
	if err != nil {
		return nil, err
	}
	return ParseDaemonStatus(stdout), nil
}

func (w *Wrapper) StopDaemons(ctx context.Context, projectDir string) error {
	return w.invoke(ctx, projectDir, []string{"--stop"}, func(stream model.Stream, line string) {
		w.logger.Debugw("stop daemons output", "dir", projectDir, "stream", stream, "line", line)
	})
}

// invoke runs the wrapper to completion, calling onLine from one goroutine
// per stream. A signalled ctx interrupts the child; the caller decides what
// that means for the result.
func (w *Wrapper) invoke(ctx context.Context, dir string, args []string, onLine func(model.Stream, string)) error {
	p := process.New(process.WithBufferSize(w.bufferSize), process.WithEnv(w.env...))
	defer p.Close()

	if err := p.Configure(dir, w.command); err != nil {
		return err
	}
	full := append(append([]string{}, w.defaultArgs...), args...)
	if err := p.Start(full...); err != nil {
		return err
	}
	w.logger.Debugw("build tool started", "dir", dir, "args", full, "pid", p.PID())

	stop := context.AfterFunc(ctx, func() {
		if err := p.Interrupt(); err != nil {
			w.logger.Warnw("interrupt build tool", "pid", p.PID(), "error", err)
		}
	})
	defer stop()

	tail := newTail(diagnosticLines)
	var g errgroup.Group
	g.Go(func() error {
		for line := range p.Stdout() {
			onLine(model.StreamStdout, line)
		}
		return nil
	})
	g.Go(func() error {
		for line := range p.Stderr() {
			tail.add(line)
			onLine(model.StreamStderr, line)
		}
		return nil
	})
	_ = g.Wait()

	code, err := p.Wait()
	if err != nil {
		return err
	}
	w.logger.Debugw("build tool exited", "dir", dir, "code", code)
	if code != 0 {
		return &ExitError{Code: code, Diagnostic: tail.String()}
	}
	return nil
}

// tail keeps the last n stderr lines for failure diagnostics.
type tail struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

var _ Tool = (*Wrapper)(nil)
