// Package process supervises one external build-tool child process per
// instance and relays its stdout and stderr as lines.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/msageha/taskd/internal/linesplit"
)

// Sentinel errors for process package.
var (
	// ErrConfiguration is returned when no command is set for the host OS.
	ErrConfiguration = errors.New("process not configured for this platform")

	// ErrLaunch is returned when the OS refuses to spawn the process.
	ErrLaunch = errors.New("process launch failed")

	// ErrTermination is returned when kill-by-PID fails at the OS level.
	ErrTermination = errors.New("process termination failed")

	// ErrAlreadyStarted is returned by a second Start on the same instance.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrNotStarted is returned when an operation requires a started process.
	ErrNotStarted = errors.New("process not started")
)

// PlatformCommand names the executable per OS family.
type PlatformCommand struct {
	Windows string
	Posix   string
}

// For returns the command configured for goos, or "" if none is set.
func (c PlatformCommand) For(goos string) string {
	if goos == "windows" {
		return c.Windows
	}
	return c.Posix
}

// Option configures a Process.
type Option func(*Process)

// WithBufferSize sets how many lines each output channel buffers.
func WithBufferSize(n int) Option {
	return func(p *Process) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithEnv appends KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) Option {
	return func(p *Process) {
		p.env = append(p.env, env...)
	}
}

// WithSeparator overrides the line separator byte.
func WithSeparator(sep byte) Option {
	return func(p *Process) {
		p.sep = sep
	}
}

// Process owns one OS child process. Configure, Start and Close are
// serialised by an internal mutex; Stdout and Stderr must be drained by the
// caller or the pumps (and Wait) block.
type Process struct {
	mu         sync.Mutex
	goos       string
	workingDir string
	command    string
	env        []string
	sep        byte
	bufferSize int

	cmd     *exec.Cmd
	pipes   []io.Closer
	stdout  chan string
	stderr  chan string
	quit    chan struct{}
	pumps   sync.WaitGroup
	started bool
	closed  bool

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

func New(opts ...Option) *Process {
	p := &Process{
		goos:       runtime.GOOS,
		sep:        linesplit.DefaultSeparator,
		bufferSize: 256,
		quit:       make(chan struct{}),
		exitCode:   -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stdout = make(chan string, p.bufferSize)
	p.stderr = make(chan string, p.bufferSize)
	return p
}

// Configure selects the executable for the host OS family.
func (p *Process) Configure(workingDir string, command PlatformCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	name := command.For(p.goos)
	if name == "" {
		return fmt.Errorf("%w: no command for %s", ErrConfiguration, p.goos)
	}
	p.workingDir = workingDir
	p.command = name
	return nil
}

// Start spawns the process and returns without waiting for it.
func (p *Process) Start(args ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.command == "" {
		return ErrConfiguration
	}
	if p.closed {
		return fmt.Errorf("%w: process closed", ErrLaunch)
	}

	cmd := exec.Command(p.resolve(), args...)
	cmd.Dir = p.workingDir
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: create stdout pipe: %v", ErrLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return fmt.Errorf("%w: create stderr pipe: %v", ErrLaunch, err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("%w: %s: %v", ErrLaunch, p.command, err)
	}

	p.cmd = cmd
	p.pipes = []io.Closer{stdout, stderr}
	p.started = true

	p.pumps.Add(2)
	go p.pump(stdout, p.stdout)
	go p.pump(stderr, p.stderr)
	return nil
}

// resolve prefers an executable sitting in the working directory (a build
// wrapper script) over a PATH lookup.
func (p *Process) resolve() string {
	if filepath.IsAbs(p.command) {
		return p.command
	}
	candidate := filepath.Join(p.workingDir, p.command)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return p.command
}

func (p *Process) pump(r io.Reader, out chan<- string) {
	defer p.pumps.Done()
	defer close(out)

	// Lines still pending when Close runs are dropped.
	stopped := false
	for line, err := range linesplit.Lines(r, p.sep) {
		if err != nil || stopped {
			continue
		}
		select {
		case out <- line:
		case <-p.quit:
			stopped = true
		}
	}
}

// Stdout yields stdout lines and is closed once the stream ends.
func (p *Process) Stdout() <-chan string { return p.stdout }

// Stderr yields stderr lines and is closed once the stream ends.
func (p *Process) Stderr() <-chan string { return p.stderr }

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Wait blocks until both output streams are exhausted and the process has
// exited. A non-zero exit is reported through the exit code, not the error.
func (p *Process) Wait() (int, error) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return -1, ErrNotStarted
	}

	p.waitOnce.Do(func() {
		p.pumps.Wait()
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.exitCode = 0
		case errors.As(err, &exitErr):
			p.exitCode = exitErr.ExitCode()
		default:
			p.exitCode = -1
			p.waitErr = fmt.Errorf("wait %s: %w", p.command, err)
		}
	})
	return p.exitCode, p.waitErr
}

// Interrupt asks the process to stop. It is cooperative where the platform
// supports it and falls back to a hard kill otherwise.
func (p *Process) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return ErrNotStarted
	}
	err := p.cmd.Process.Signal(os.Interrupt)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupt %s: %w", p.command, err)
	}
	return nil
}

// Close releases both output pipes. It is idempotent and safe after exit.
func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.quit)

	for _, c := range p.pipes {
		_ = c.Close()
	}
	p.pipes = nil
	if !p.started {
		close(p.stdout)
		close(p.stderr)
	}
	return nil
}
