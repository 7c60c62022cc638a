//go:build unix

package buildtool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskd/internal/cancel"
	"github.com/msageha/taskd/internal/model"
	"github.com/msageha/taskd/internal/process"
)

const fakeWrapper = `#!/bin/sh
for a in "$@"; do
  case "$a" in
    --console=plain) ;;
    --status)
      echo "   PID STATUS   INFO"
      echo " 4242 IDLE     8.5"
      echo " 4343 BUSY     8.5"
      exit 0 ;;
    --stop)
      echo "Stopping Daemon(s)"
      exit 0 ;;
    tasks)
      echo "Build tasks"
      echo "-----------"
      echo "build - Assembles and tests this project."
      echo "app:jar - Assembles a jar archive."
      exit 0 ;;
    build)
      echo "> Task :compileJava"
      echo "compiling"
      echo "warning: deprecated" >&2
      echo "BUILD SUCCESSFUL"
      exit 0 ;;
    fail)
      echo "> Task :fail"
      echo "FAILURE: Build failed with an exception." >&2
      exit 1 ;;
    slow)
      trap 'echo "Build cancelled" >&2; exit 1' INT
      echo "> Task :slow"
      while true; do sleep 0.05; done ;;
  esac
done
echo "unexpected args: $*" >&2
exit 2
`

type recordingSink struct {
	mu       sync.Mutex
	progress []string
	output   []model.OutputEvent
	seen     chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan string, 64)}
}

func (s *recordingSink) Progress(e model.ProgressEvent) {
	s.mu.Lock()
	s.progress = append(s.progress, e.Description)
	s.mu.Unlock()
	select {
	case s.seen <- e.Description:
	default:
	}
}

func (s *recordingSink) Output(e model.OutputEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = append(s.output, e)
}

func (s *recordingSink) lines(stream model.Stream) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.output {
		if e.Stream == stream {
			out = append(out, e.Line)
		}
	}
	return out
}

func newTestWrapper(t *testing.T) (*Wrapper, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gradlew"), []byte(fakeWrapper), 0755))
	cfg := model.DefaultConfig().Build
	return NewWrapper(cfg, nil), dir
}

func liveToken(t *testing.T, kind model.OperationKind) (*cancel.Registry, *cancel.Lease) {
	t.Helper()
	r := cancel.NewRegistry()
	lease, err := r.Acquire(kind, t.Name())
	require.NoError(t, err)
	t.Cleanup(lease.Release)
	return r, lease
}

func TestWrapper_ListTasks(t *testing.T) {
	w, dir := newTestWrapper(t)
	_, lease := liveToken(t, model.KindListTasks)

	tasks, err := w.ListTasks(lease.Token(), ListTasksInvocation{ProjectDir: dir}, Discard)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "build", tasks[0].Name)
	assert.Equal(t, filepath.Base(dir), tasks[0].Project)
	assert.Equal(t, ":app:jar", tasks[1].Path)
	assert.Equal(t, "app", tasks[1].Project)
}

func TestWrapper_RunTaskRelaysOutputAndProgress(t *testing.T) {
	w, dir := newTestWrapper(t)
	_, lease := liveToken(t, model.KindRunTask)
	sink := newRecordingSink()

	err := w.RunTask(lease.Token(), RunTaskInvocation{ProjectDir: dir, Task: "build"}, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"Task :compileJava"}, sink.progress)
	assert.Equal(t, []string{"> Task :compileJava", "compiling", "BUILD SUCCESSFUL"}, sink.lines(model.StreamStdout))
	assert.Equal(t, []string{"warning: deprecated"}, sink.lines(model.StreamStderr))
}

func TestWrapper_RunTaskFailurePreservesDiagnostic(t *testing.T) {
	w, dir := newTestWrapper(t)
	_, lease := liveToken(t, model.KindRunTask)

	err := w.RunTask(lease.Token(), RunTaskInvocation{ProjectDir: dir, Task: "fail"}, newRecordingSink())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 1, exitErr.Code)
	assert.Equal(t, "FAILURE: Build failed with an exception.", exitErr.Diagnostic)
}

func TestWrapper_RunTaskInterruptedByToken(t *testing.T) {
	w, dir := newTestWrapper(t)
	r, lease := liveToken(t, model.KindRunTask)
	sink := newRecordingSink()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.RunTask(lease.Token(), RunTaskInvocation{ProjectDir: dir, Task: "slow"}, sink)
	}()

	select {
	case <-sink.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("slow task never reported progress")
	}
	require.NoError(t, r.CancelOne(model.KindRunTask, t.Name(), nil))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrExecution)
		assert.Contains(t, sink.lines(model.StreamStderr), "Build cancelled")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestWrapper_MissingWrapperIsLaunchError(t *testing.T) {
	w := NewWrapper(model.BuildConfig{WrapperPosix: "./gradlew", WrapperWindows: "gradlew.bat"}, nil)
	_, lease := liveToken(t, model.KindRunTask)

	err := w.RunTask(lease.Token(), RunTaskInvocation{ProjectDir: t.TempDir(), Task: "build"}, Discard)
	assert.ErrorIs(t, err, process.ErrLaunch)
}

func TestWrapper_UnconfiguredPlatform(t *testing.T) {
	w := NewWrapper(model.BuildConfig{}, nil)
	_, lease := liveToken(t, model.KindRunTask)

	err := w.RunTask(lease.Token(), RunTaskInvocation{ProjectDir: t.TempDir(), Task: "build"}, Discard)
	assert.ErrorIs(t, err, process.ErrConfiguration)
}

func TestWrapper_DaemonStatusAndStop(t *testing.T) {
	w, dir := newTestWrapper(t)

	daemons, err := w.DaemonStatus(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []model.DaemonRecord{
		{PID: 4242, Status: "IDLE", Info: "8.5"},
		{PID: 4343, Status: "BUSY", Info: "8.5"},
	}, daemons)

	assert.NoError(t, w.StopDaemons(context.Background(), dir))
}
