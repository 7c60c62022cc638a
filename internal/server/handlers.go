package server

import (
	"context"
	"os"
	"time"

	"github.com/msageha/taskd/internal/events"
	"github.com/msageha/taskd/internal/executor"
	"github.com/msageha/taskd/internal/model"
	"github.com/msageha/taskd/internal/rpc"
)

// Command names understood by the server.
const (
	CmdPing            = "ping"
	CmdListTasks       = "list_tasks"
	CmdRunTask         = "run_task"
	CmdDaemonStatus    = "get_daemon_status"
	CmdStopDaemon      = "stop_daemon"
	CmdStopAllDaemons  = "stop_all_daemons"
	CmdCancelRunTask   = "cancel_run_task"
	CmdCancelListTasks = "cancel_list_tasks"
	CmdCancelAll       = "cancel_all"
	CmdOperations      = "operations"
	CmdSubscribe       = "subscribe"
	CmdShutdown        = "shutdown"
)

// CancelParams names the operation to cancel.
type CancelParams struct {
	Key string `json:"key"`
}

// CancelAllParams limits cancel_all to one kind; empty means every
// cancellable kind.
type CancelAllParams struct {
	Kind string `json:"kind,omitempty"`
}

// SubscribeParams selects event types; empty means all.
type SubscribeParams struct {
	Types []events.EventType `json:"types,omitempty"`
}

type PingReply struct {
	Status    string `json:"status"`
	PID       int    `json:"pid"`
	UptimeSec int64  `json:"uptime_sec"`
}

type CancelReply struct {
	Status string `json:"status"`
	Key    string `json:"key,omitempty"`
	Count  int    `json:"count"`
}

func (s *Server) registerHandlers() {
	s.rpc.Handle(CmdPing, func(context.Context, *rpc.Request, *rpc.Stream) *rpc.Response {
		return rpc.SuccessResponse(PingReply{
			Status:    "ok",
			PID:       os.Getpid(),
			UptimeSec: int64(time.Since(s.started).Seconds()),
		})
	})

	s.rpc.Handle(CmdListTasks, func(ctx context.Context, req *rpc.Request, stream *rpc.Stream) *rpc.Response {
		var p executor.ListTasksRequest
		if err := req.DecodeParams(&p); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		return rpc.ResultResponse(s.service.ListTasks(ctx, p, stream))
	})

	s.rpc.Handle(CmdRunTask, func(ctx context.Context, req *rpc.Request, stream *rpc.Stream) *rpc.Response {
		var p executor.RunTaskRequest
		if err := req.DecodeParams(&p); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		return rpc.ResultResponse(s.service.RunTask(ctx, p, stream))
	})

	s.rpc.Handle(CmdDaemonStatus, func(ctx context.Context, req *rpc.Request, _ *rpc.Stream) *rpc.Response {
		var p executor.DaemonStatusRequest
		if err := req.DecodeParams(&p); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		return rpc.ResultResponse(s.service.DaemonStatus(ctx, p))
	})

	s.rpc.Handle(CmdStopDaemon, func(ctx context.Context, req *rpc.Request, _ *rpc.Stream) *rpc.Response {
		var p executor.StopDaemonRequest
		if err := req.DecodeParams(&p); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		return rpc.ResultResponse(s.service.StopDaemon(ctx, p))
	})

	s.rpc.Handle(CmdStopAllDaemons, func(ctx context.Context, req *rpc.Request, _ *rpc.Stream) *rpc.Response {
		var p executor.StopAllDaemonsRequest
		if err := req.DecodeParams(&p); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		return rpc.ResultResponse(s.service.StopAllDaemons(ctx, p))
	})

	s.rpc.Handle(CmdCancelRunTask, s.cancelHandler(model.KindRunTask))
	s.rpc.Handle(CmdCancelListTasks, s.cancelHandler(model.KindListTasks))
	s.rpc.Handle(CmdCancelAll, s.handleCancelAll)

	s.rpc.Handle(CmdOperations, func(context.Context, *rpc.Request, *rpc.Stream) *rpc.Response {
		return rpc.SuccessResponse(s.service.Operations())
	})

	s.rpc.Handle(CmdSubscribe, s.handleSubscribe)

	s.rpc.Handle(CmdShutdown, func(context.Context, *rpc.Request, *rpc.Stream) *rpc.Response {
		s.log.Infow("shutdown requested via rpc")
		go s.Shutdown()
		return rpc.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (s *Server) cancelHandler(kind model.OperationKind) rpc.HandlerFunc {
	return func(_ context.Context, req *rpc.Request, _ *rpc.Stream) *rpc.Response {
		var p CancelParams
		if err := req.DecodeParams(&p); err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		if p.Key == "" {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, "key is required")
		}
		if err := s.service.Cancel(kind, p.Key); err != nil {
			return rpc.ErrorFrom(err)
		}
		return rpc.SuccessResponse(CancelReply{Status: "cancel_requested", Key: p.Key, Count: 1})
	}
}

func (s *Server) handleCancelAll(_ context.Context, req *rpc.Request, _ *rpc.Stream) *rpc.Response {
	var p CancelAllParams
	if err := req.DecodeParams(&p); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	}

	kinds := []model.OperationKind{model.KindListTasks, model.KindRunTask}
	if p.Kind != "" {
		kind, err := model.ParseOperationKind(p.Kind)
		if err != nil {
			return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
		}
		kinds = []model.OperationKind{kind}
	}

	total := 0
	for _, kind := range kinds {
		n, err := s.service.CancelAll(kind)
		if err != nil {
			return rpc.ErrorFrom(err)
		}
		total += n
	}
	return rpc.SuccessResponse(CancelReply{Status: "cancel_requested", Count: total})
}

// handleSubscribe relays lifecycle events until the caller disconnects or the
// server shuts down.
func (s *Server) handleSubscribe(ctx context.Context, req *rpc.Request, stream *rpc.Stream) *rpc.Response {
	var p SubscribeParams
	if err := req.DecodeParams(&p); err != nil {
		return rpc.ErrorResponse(rpc.ErrCodeValidation, err.Error())
	}

	unsubscribe := s.bus.Subscribe(func(e events.Event) {
		if err := stream.Event(e); err != nil {
			s.log.Debugw("subscriber dropped event", "id", stream.ID(), "error", err)
		}
	}, p.Types...)
	defer unsubscribe()

	select {
	case <-ctx.Done():
	case <-s.quit:
	}
	return rpc.SuccessResponse(map[string]string{"status": "closed"})
}
