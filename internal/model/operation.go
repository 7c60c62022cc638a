package model

import "fmt"

// OperationKind selects the cancellation bucket an operation lives in.
type OperationKind string

const (
	KindListTasks      OperationKind = "list_tasks"
	KindRunTask        OperationKind = "run_task"
	KindDaemonStatus   OperationKind = "get_daemon_status"
	KindStopDaemon     OperationKind = "stop_daemon"
	KindStopAllDaemons OperationKind = "stop_all_daemons"
)

// AllKinds lists every operation kind in a stable order.
var AllKinds = []OperationKind{
	KindListTasks,
	KindRunTask,
	KindDaemonStatus,
	KindStopDaemon,
	KindStopAllDaemons,
}

// Cancellable reports whether callers may cancel operations of this kind.
// Daemon queries and stops are point-in-time and never hold a token.
func (k OperationKind) Cancellable() bool {
	return k == KindListTasks || k == KindRunTask
}

func (k OperationKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

func ParseOperationKind(s string) (OperationKind, error) {
	k := OperationKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", s)
	}
	return k, nil
}

// Stream identifies the process output stream a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

type OutputEvent struct {
	Stream Stream `json:"stream"`
	Line   string `json:"line"`
}

type ProgressEvent struct {
	Description string `json:"description"`
}

// TaskDescriptor describes one task discovered in a build.
type TaskDescriptor struct {
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	Path        string `json:"path"`
	Project     string `json:"project"`
	Description string `json:"description,omitempty"`
}

// DaemonRecord is one background build daemon reported by the build tool.
type DaemonRecord struct {
	PID    int    `json:"pid"`
	Status string `json:"status"`
	Info   string `json:"info,omitempty"`
}
