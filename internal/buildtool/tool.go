// Package buildtool is the boundary to the external build engine. The core
// only spawns and cancels it and consumes its output and progress.
package buildtool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/taskd/internal/cancel"
	"github.com/msageha/taskd/internal/model"
)

// ErrExecution marks a build invocation that ran but reported failure.
var ErrExecution = errors.New("build invocation failed")

// ExitError is returned when the build tool exits non-zero. Diagnostic holds
// the tail of its stderr verbatim.
type ExitError struct {
	Code       int
	Diagnostic string
}

func (e *ExitError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("build tool exited with code %d", e.Code)
	}
	return fmt.Sprintf("build tool exited with code %d: %s", e.Code, e.Diagnostic)
}

func (e *ExitError) Unwrap() error { return ErrExecution }

// Sink receives events while an invocation runs. Implementations must be
// safe for concurrent use: stdout and stderr are relayed from separate
// goroutines.
type Sink interface {
	Progress(model.ProgressEvent)
	Output(model.OutputEvent)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Progress(model.ProgressEvent) {}
func (discard) Output(model.OutputEvent)     {}

type ListTasksInvocation struct {
	ProjectDir string
	Args       []string
}

type RunTaskInvocation struct {
	ProjectDir string
	Task       string
	Args       []string
}

// Tool is the external collaborator. Cancellable calls receive the token and
// must treat its signal as a request to stop, not a guarantee.
type Tool interface {
	ListTasks(tok cancel.Token, inv ListTasksInvocation, sink Sink) ([]model.TaskDescriptor, error)
	RunTask(tok cancel.Token, inv RunTaskInvocation, sink Sink) error
	DaemonStatus(ctx context.Context, projectDir string) ([]model.DaemonRecord, error)
	StopDaemons(ctx context.Context, projectDir string) error
}

// progressDescription reports whether line is a progress marker in plain
// console output and returns its description.
func progressDescription(line string) (string, bool) {
	for _, prefix := range []string{"> Task ", "> Configure project ", "> Transform ", "> Evaluating settings"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimPrefix(line, "> "), true
		}
	}
	return "", false
}
