// Package server wires the execution service to the rpc transport and owns
// the lifetime of one taskd server process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskd/internal/buildtool"
	"github.com/msageha/taskd/internal/cancel"
	"github.com/msageha/taskd/internal/config"
	"github.com/msageha/taskd/internal/events"
	"github.com/msageha/taskd/internal/executor"
	"github.com/msageha/taskd/internal/lock"
	"github.com/msageha/taskd/internal/logging"
	"github.com/msageha/taskd/internal/model"
	"github.com/msageha/taskd/internal/process"
	"github.com/msageha/taskd/internal/rpc"
)

// ErrShuttingDown is the cancellation cause given to operations still
// running when the server stops.
var ErrShuttingDown = errors.New("server shutting down")

type Option func(*Server)

// WithTool replaces the build tool wrapper.
func WithTool(t buildtool.Tool) Option {
	return func(s *Server) { s.tool = t }
}

// WithKiller replaces the platform kill strategy.
func WithKiller(k process.Killer) Option {
	return func(s *Server) { s.killer = k }
}

// WithLoader enables hot reload of the log level from the loader's file.
func WithLoader(l *config.Loader) Option {
	return func(s *Server) { s.loader = l }
}

// WithExecutorOptions passes extra options to the execution service.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(s *Server) { s.execOpts = append(s.execOpts, opts...) }
}

// Server is one running taskd instance.
type Server struct {
	cfg     model.Config
	logger  *logging.Logger
	log     *zap.SugaredLogger
	loader  *config.Loader
	started time.Time

	tool     buildtool.Tool
	killer   process.Killer
	execOpts []executor.Option

	fileLock *lock.FileLock
	registry *cancel.Registry
	bus      *events.Bus
	service  *executor.Service
	rpc      *rpc.Server

	quit     chan struct{}
	done     chan struct{}
	shutdown sync.Once
}

func New(cfg model.Config, logger *logging.Logger, opts ...Option) (*Server, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	policy, err := cancel.ParseConflictPolicy(cfg.Registry.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		log:    logger.Named("server"),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tool == nil {
		s.tool = buildtool.NewWrapper(cfg.Build, logger.Named("buildtool"))
	}
	if s.killer == nil {
		s.killer = process.NewKiller(runtime.GOOS)
	}

	s.registry = cancel.NewRegistry(
		cancel.WithLogger(logger.Named("registry")),
		cancel.WithConflictPolicy(policy),
	)
	s.bus = events.NewBus(cfg.Events.BufferSize)
	s.service = executor.New(s.registry, s.tool, s.killer, append([]executor.Option{
		executor.WithLogger(logger.Named("executor")),
		executor.WithBus(s.bus),
	}, s.execOpts...)...)

	network, address := Address(cfg.Server)
	s.rpc = rpc.NewServer(network, address,
		rpc.WithServerLogger(logger.Named("rpc")),
		rpc.WithWriteTimeout(time.Duration(cfg.Server.WriteTimeoutSec)*time.Second),
	)
	s.fileLock = lock.NewFileLock(LockPath(cfg.Server))
	return s, nil
}

// Address returns the listener network and address for cfg.
func Address(cfg model.ServerConfig) (string, string) {
	if cfg.Network == "unix" {
		return "unix", cfg.SocketPath
	}
	return "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

// LockPath is the single-instance lock file for cfg.
func LockPath(cfg model.ServerConfig) string {
	if cfg.Network == "unix" {
		return cfg.SocketPath + ".lock"
	}
	dir := cfg.StateDir
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("taskd-%d.lock", cfg.Port))
}

// Start takes the instance lock and begins serving. It does not block.
func (s *Server) Start() error {
	if dir := filepath.Dir(s.fileLock.Path()); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure state dir %s: %w", dir, err)
		}
	}
	if err := s.fileLock.TryLock(); err != nil {
		if pid, perr := lock.Holder(s.fileLock.Path()); perr == nil {
			return fmt.Errorf("server lock: %w (held by pid %d)", err, pid)
		}
		return fmt.Errorf("server lock: %w", err)
	}
	s.started = time.Now()
	s.log.Infow("server starting", "pid", os.Getpid())

	s.registerHandlers()

	if err := s.rpc.Start(); err != nil {
		_ = s.fileLock.Unlock()
		return fmt.Errorf("start rpc server: %w", err)
	}

	if s.loader != nil {
		s.loader.Watch(s.reload, func(err error) {
			s.log.Warnw("config reload rejected", "error", err)
		})
	}
	s.log.Infow("server ready", "address", s.rpc.Addr().String())
	return nil
}

// Run starts the server and blocks until it has shut down.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.waitSignals()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.rpc.Addr()
}

// Done is closed once shutdown has completed.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) reload(cfg model.Config) {
	if err := s.logger.SetLevel(cfg.Logging.Level); err != nil {
		s.log.Warnw("config reload: bad log level", "level", cfg.Logging.Level, "error", err)
		return
	}
	s.log.Infow("config reloaded", "log_level", cfg.Logging.Level)
}

// waitSignals blocks until a shutdown signal arrives or shutdown was
// requested over the wire.
func (s *Server) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.log.Infow("received signal, initiating graceful shutdown", "signal", sig.String())
		// Second signal → force exit
		go func() {
			<-sigCh
			s.log.Warnw("received second signal, forcing exit")
			os.Exit(1)
		}()
		s.Shutdown()
	case <-s.done:
	}
}

// Shutdown stops accepting connections, cancels every live operation, drains
// in-flight requests and releases the instance lock. It is idempotent.
func (s *Server) Shutdown() {
	s.shutdown.Do(func() {
		s.log.Infow("shutdown started")
		close(s.quit)

		if n := s.registry.CancelEverything(ErrShuttingDown); n > 0 {
			s.log.Infow("cancelled running operations", "count", n)
		}

		timeout := s.cfg.Server.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
		defer cancel()
		if err := s.rpc.Shutdown(ctx); err != nil {
			s.log.Warnw("shutdown timeout, some operations may be incomplete", "timeout_sec", timeout, "error", err)
		} else {
			s.log.Infow("all requests drained")
		}

		s.bus.Close()
		if err := s.fileLock.Unlock(); err != nil {
			s.log.Warnw("release lock", "error", err)
		}
		s.log.Infow("server stopped")
		_ = s.logger.Sync()
		close(s.done)
	})
}
