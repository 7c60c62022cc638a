package executor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/msageha/taskd/internal/buildtool"
	"github.com/msageha/taskd/internal/model"
)

// operation tracks one request through pending → running → terminal.
type operation struct {
	mu     sync.Mutex
	kind   model.OperationKind
	key    string
	status model.Status
}

func newOperation(kind model.OperationKind, key string) *operation {
	return &operation{kind: kind, key: key, status: model.StatusPending}
}

func (o *operation) transition(to model.Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := model.ValidateOperationTransition(o.status, to); err != nil {
		return fmt.Errorf("%s %q: %w", o.kind, o.key, err)
	}
	o.status = to
	return nil
}

func (o *operation) current() model.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// guardedSink shields the build tool's relay goroutines from a panicking
// caller sink. The first panic is kept and turns the operation into an
// internal failure; later events are dropped.
type guardedSink struct {
	inner  buildtool.Sink
	logger *zap.SugaredLogger

	mu       sync.Mutex
	panicked any
}

func (g *guardedSink) Progress(e model.ProgressEvent) {
	g.deliver(func() { g.inner.Progress(e) })
}

func (g *guardedSink) Output(e model.OutputEvent) {
	g.deliver(func() { g.inner.Output(e) })
}

func (g *guardedSink) deliver(fn func()) {
	if g.failure() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.mu.Lock()
			if g.panicked == nil {
				g.panicked = r
			}
			g.mu.Unlock()
			g.logger.Errorw("sink panicked", "panic", r)
		}
	}()
	fn()
}

func (g *guardedSink) failure() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.panicked
}
