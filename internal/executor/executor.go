// Package executor runs one logical operation at a time per request: it
// validates the request, holds a cancellation lease for the operation's
// lifetime, drives the build tool and converts every outcome into exactly one
// terminal result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	psprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskd/internal/buildtool"
	"github.com/msageha/taskd/internal/cancel"
	"github.com/msageha/taskd/internal/events"
	"github.com/msageha/taskd/internal/model"
	"github.com/msageha/taskd/internal/process"
)

// ErrCallerGone is the cancellation cause used when the request context ends
// before the operation does.
var ErrCallerGone = errors.New("caller went away")

type ListTasksRequest struct {
	Key        string   `json:"key,omitempty"`
	ProjectDir string   `json:"project_dir"`
	Args       []string `json:"args,omitempty"`
}

type RunTaskRequest struct {
	Key        string   `json:"key,omitempty"`
	ProjectDir string   `json:"project_dir"`
	Task       string   `json:"task"`
	Args       []string `json:"args,omitempty"`
}

type DaemonStatusRequest struct {
	ProjectDir string `json:"project_dir"`
}

type StopDaemonRequest struct {
	PID int `json:"pid"`
}

type StopAllDaemonsRequest struct {
	ProjectDir string `json:"project_dir"`
}

// PIDChecker reports whether a process with pid exists.
type PIDChecker func(ctx context.Context, pid int32) (bool, error)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus publishes operation lifecycle events on b.
func WithBus(b *events.Bus) Option {
	return func(s *Service) {
		s.bus = b
	}
}

// WithPIDChecker replaces the gopsutil lookup used before stop_daemon.
func WithPIDChecker(fn PIDChecker) Option {
	return func(s *Service) {
		if fn != nil {
			s.pidExists = fn
		}
	}
}

// WithStatusTimeout bounds one shared daemon status query.
func WithStatusTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.statusTimeout = d
		}
	}
}

// Service is the task execution service. It is safe for concurrent use; the
// registry is the only state shared between operations.
type Service struct {
	registry  *cancel.Registry
	tool      buildtool.Tool
	killer    process.Killer
	logger    *zap.SugaredLogger
	bus       *events.Bus
	pidExists PIDChecker

	status        singleflight.Group
	statusTimeout time.Duration
}

// New builds a Service. The PID check defaults to gopsutil.
func New(registry *cancel.Registry, tool buildtool.Tool, killer process.Killer, opts ...Option) *Service {
	s := &Service{
		registry:  registry,
		tool:      tool,
		killer:    killer,
		logger:    zap.NewNop().Sugar(),
		pidExists: psprocess.PidExistsWithContext,

		statusTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListTasks enumerates the tasks of a build, streaming progress to sink.
func (s *Service) ListTasks(ctx context.Context, req ListTasksRequest, sink buildtool.Sink) model.Result {
	key, err := operationKey(req.Key, model.IDTypeList)
	if err != nil {
		return s.reject(model.KindListTasks, req.Key, model.NewError(model.CategoryInternal, "generate operation key", err))
	}
	if verr := validateDir(req.ProjectDir); verr != nil {
		return s.reject(model.KindListTasks, key, verr)
	}

	return s.runCancellable(ctx, model.KindListTasks, key, sink, func(tok cancel.Token, sink buildtool.Sink) (model.Result, error) {
		tasks, err := s.tool.ListTasks(tok, buildtool.ListTasksInvocation{
			ProjectDir: req.ProjectDir,
			Args:       req.Args,
		}, sink)
		if err != nil {
			return model.Result{}, err
		}
		if tasks == nil {
			tasks = []model.TaskDescriptor{}
		}
		return model.Succeeded(
			fmt.Sprintf("found %d tasks", len(tasks)),
			model.ListTasksPayload{Tasks: tasks},
		), nil
	})
}

// RunTask executes one task, streaming output and progress to sink.
func (s *Service) RunTask(ctx context.Context, req RunTaskRequest, sink buildtool.Sink) model.Result {
	key, err := operationKey(req.Key, model.IDTypeRun)
	if err != nil {
		return s.reject(model.KindRunTask, req.Key, model.NewError(model.CategoryInternal, "generate operation key", err))
	}
	if verr := validateDir(req.ProjectDir); verr != nil {
		return s.reject(model.KindRunTask, key, verr)
	}
	if req.Task == "" {
		return s.reject(model.KindRunTask, key, model.Errorf(model.CategoryInvalidRequest, "task name is required"))
	}

	return s.runCancellable(ctx, model.KindRunTask, key, sink, func(tok cancel.Token, sink buildtool.Sink) (model.Result, error) {
		err := s.tool.RunTask(tok, buildtool.RunTaskInvocation{
			ProjectDir: req.ProjectDir,
			Task:       req.Task,
			Args:       req.Args,
		}, sink)
		if err != nil {
			return model.Result{}, err
		}
		return model.Succeeded(
			fmt.Sprintf("task %s completed", req.Task),
			model.RunTaskPayload{Task: req.Task},
		), nil
	})
}

// runCancellable owns the lease for one cancellable operation. The lease is
// released on every return path, including a panic inside fn.
func (s *Service) runCancellable(
	ctx context.Context,
	kind model.OperationKind,
	key string,
	sink buildtool.Sink,
	fn func(cancel.Token, buildtool.Sink) (model.Result, error),
) model.Result {
	op := newOperation(kind, key)

	lease, err := s.registry.Acquire(kind, key)
	if err != nil {
		category := model.CategoryInternal
		if errors.Is(err, cancel.ErrKeyInUse) {
			category = model.CategoryInvalidRequest
		}
		return s.reject(kind, key, model.NewError(category, "acquire cancellation handle", err))
	}
	defer lease.Release()

	stop := context.AfterFunc(ctx, func() {
		lease.Cancel(fmt.Errorf("%w: %v", ErrCallerGone, context.Cause(ctx)))
	})
	defer stop()

	s.start(op)

	tok := lease.Token()
	guarded := &guardedSink{inner: sink, logger: s.logger}
	res, err := s.invoke(func() (model.Result, error) { return fn(tok, guarded) })

	switch {
	case tok.Cancelled():
		res = model.Cancelled(cancelReason(tok.Cause()))
	case guarded.failure() != nil:
		res = model.Failed(model.Errorf(model.CategoryInternal, "relaying events: %v", guarded.failure()))
	case err != nil:
		res = model.Failed(classify(err))
	}
	return s.finish(op, res)
}

// invoke runs fn and turns a panic into an internal error.
func (s *Service) invoke(fn func() (model.Result, error)) (res model.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("operation panicked", "panic", r)
			err = model.Errorf(model.CategoryInternal, "operation panicked: %v", r)
		}
	}()
	return fn()
}

// DaemonStatus lists the build daemons for a project root. Concurrent calls
// for the same root share one build tool invocation.
func (s *Service) DaemonStatus(ctx context.Context, req DaemonStatusRequest) model.Result {
	if verr := validateDir(req.ProjectDir); verr != nil {
		return s.reject(model.KindDaemonStatus, req.ProjectDir, verr)
	}
	op := newOperation(model.KindDaemonStatus, req.ProjectDir)
	s.start(op)

	// The shared query outlives any single caller; each caller waits on its
	// own context.
	ch := s.status.DoChan(req.ProjectDir, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.statusTimeout)
		defer cancel()
		return s.tool.DaemonStatus(callCtx, req.ProjectDir)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return s.finish(op, model.Cancelled(cancelReason(context.Cause(ctx))))
	}
	if r.Err != nil {
		return s.finish(op, model.Failed(classify(r.Err)))
	}
	if r.Shared {
		s.logger.Debugw("daemon status shared", "project_dir", req.ProjectDir)
	}
	daemons, _ := r.Val.([]model.DaemonRecord)
	if daemons == nil {
		daemons = []model.DaemonRecord{}
	}
	return s.finish(op, model.Succeeded(
		fmt.Sprintf("%d daemons", len(daemons)),
		model.DaemonStatusPayload{Daemons: daemons},
	))
}

// StopDaemon forcibly kills one daemon by PID. The target does not have to
// be a process this server started.
func (s *Service) StopDaemon(ctx context.Context, req StopDaemonRequest) model.Result {
	key := fmt.Sprint(req.PID)
	if !process.ValidPID(req.PID) {
		return s.reject(model.KindStopDaemon, key, model.Errorf(model.CategoryInvalidRequest, "invalid pid %d", req.PID))
	}
	op := newOperation(model.KindStopDaemon, key)
	s.start(op)

	// Nothing is killed unless the PID is confirmed to exist.
	exists, err := s.pidExists(ctx, int32(req.PID))
	if err != nil {
		s.logger.Warnw("pid lookup failed", "pid", req.PID, "error", err)
		return s.finish(op, model.Failed(model.NewError(model.CategoryTermination, fmt.Sprintf("cannot verify pid %d", req.PID), err)))
	}
	if !exists {
		return s.finish(op, model.Failed(model.Errorf(model.CategoryNotFound, "no process with pid %d", req.PID)))
	}

	if err := s.killer.Kill(req.PID); err != nil {
		return s.finish(op, model.Failed(classify(err)))
	}
	s.publish(events.Event{Type: events.EventDaemonStopped, Kind: model.KindStopDaemon, Key: key, PID: req.PID})
	return s.finish(op, model.Succeeded(fmt.Sprintf("daemon %d stopped", req.PID), nil))
}

// StopAllDaemons asks the build tool to stop every daemon it knows about.
func (s *Service) StopAllDaemons(ctx context.Context, req StopAllDaemonsRequest) model.Result {
	if verr := validateDir(req.ProjectDir); verr != nil {
		return s.reject(model.KindStopAllDaemons, req.ProjectDir, verr)
	}
	op := newOperation(model.KindStopAllDaemons, req.ProjectDir)
	s.start(op)

	if err := s.tool.StopDaemons(ctx, req.ProjectDir); err != nil {
		return s.finish(op, model.Failed(classify(err)))
	}
	return s.finish(op, model.Succeeded("all daemons stopped", nil))
}

// Cancel requests cancellation of the live operation at (kind, key).
func (s *Service) Cancel(kind model.OperationKind, key string) error {
	if !kind.Cancellable() {
		return model.Errorf(model.CategoryInvalidRequest, "%s operations cannot be cancelled", kind)
	}
	if err := s.registry.CancelOne(kind, key, cancel.ErrCancelled); err != nil {
		if errors.Is(err, cancel.ErrNotRunning) {
			return model.NewError(model.CategoryNotRunning, fmt.Sprintf("no running %s operation %q", kind, key), nil)
		}
		return model.NewError(model.CategoryInternal, "cancel", err)
	}
	return nil
}

// CancelAll signals every live operation of kind and returns how many.
func (s *Service) CancelAll(kind model.OperationKind) (int, error) {
	if !kind.Cancellable() {
		return 0, model.Errorf(model.CategoryInvalidRequest, "%s operations cannot be cancelled", kind)
	}
	return s.registry.CancelAll(kind, cancel.ErrCancelled), nil
}

// Operations returns the keys of live cancellable operations by kind.
func (s *Service) Operations() map[model.OperationKind][]string {
	out := make(map[model.OperationKind][]string)
	for _, kind := range model.AllKinds {
		if !kind.Cancellable() {
			continue
		}
		keys := s.registry.Keys(kind)
		if keys == nil {
			keys = []string{}
		}
		out[kind] = keys
	}
	return out
}

func (s *Service) start(op *operation) {
	if err := op.transition(model.StatusRunning); err != nil {
		s.logger.Errorw("state transition rejected", "from", op.current(), "to", model.StatusRunning, "error", err)
	}
	s.logger.Infow("operation started", "kind", op.kind, "key", op.key)
	s.publish(events.Event{Type: events.EventOperationStarted, Kind: op.kind, Key: op.key, Status: model.StatusRunning})
}

func (s *Service) finish(op *operation, res model.Result) model.Result {
	if err := op.transition(res.Status); err != nil {
		s.logger.Errorw("state transition rejected", "from", op.current(), "to", res.Status, "error", err)
	}
	res.Key = op.key

	fields := []any{"kind", op.kind, "key", op.key, "status", res.Status}
	if res.Err != nil {
		fields = append(fields, "category", res.Err.Category, "error", res.Err.Error())
	}
	switch res.Status {
	case model.StatusFailed:
		s.logger.Warnw("operation finished", fields...)
	default:
		s.logger.Infow("operation finished", fields...)
	}
	s.publish(events.Event{
		Type:    events.EventOperationFinished,
		Kind:    op.kind,
		Key:     op.key,
		Status:  res.Status,
		Message: res.Message,
	})
	return res
}

// reject ends a request that failed validation. It never held a lease and
// never ran.
func (s *Service) reject(kind model.OperationKind, key string, err *model.Error) model.Result {
	op := newOperation(kind, key)
	res := model.Failed(err)
	if terr := op.transition(res.Status); terr != nil {
		s.logger.Errorw("state transition rejected", "error", terr)
	}
	res.Key = key
	s.logger.Infow("request rejected", "kind", kind, "key", key, "error", err.Error())
	return res
}

func (s *Service) publish(e events.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func operationKey(key string, idType model.IDType) (string, error) {
	if key != "" {
		return key, nil
	}
	return model.GenerateID(idType)
}

func validateDir(dir string) *model.Error {
	if dir == "" {
		return model.Errorf(model.CategoryInvalidRequest, "project directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Errorf(model.CategoryInvalidRequest, "project directory %q does not exist", dir)
		}
		return model.NewError(model.CategoryInvalidRequest, fmt.Sprintf("project directory %q", dir), err)
	}
	if !info.IsDir() {
		return model.Errorf(model.CategoryInvalidRequest, "%q is not a directory", dir)
	}
	return nil
}

// classify maps an error from the build tool or the OS into a category.
func classify(err error) *model.Error {
	var merr *model.Error
	switch {
	case errors.As(err, &merr):
		return merr
	case errors.Is(err, process.ErrConfiguration):
		return model.NewError(model.CategoryConfiguration, "build tool not configured", err)
	case errors.Is(err, process.ErrLaunch):
		return model.NewError(model.CategoryLaunch, "build tool failed to start", err)
	case errors.Is(err, process.ErrTermination):
		return model.NewError(model.CategoryTermination, "", err)
	default:
		return model.NewError(model.CategoryExecution, "", err)
	}
}

func cancelReason(cause error) string {
	if cause == nil {
		return cancel.ErrCancelled.Error()
	}
	return cause.Error()
}
