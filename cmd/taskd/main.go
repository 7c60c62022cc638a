package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/msageha/taskd/internal/config"
	"github.com/msageha/taskd/internal/logging"
	"github.com/msageha/taskd/internal/server"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "cancel-all":
		runCancelAll(os.Args[2:])
	case "operations":
		runOperations(os.Args[2:])
	case "daemons":
		runDaemons(os.Args[2:])
	case "stop-daemon":
		runStopDaemon(os.Args[2:])
	case "stop-daemons":
		runStopDaemons(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "ping":
		runPing(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version":
		fmt.Printf("taskd %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runServe starts the server. A leading numeric argument overrides the port.
func runServe(args []string) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", os.Getenv("TASKD_CONFIG"), "path to YAML config file")
	network := fs.String("network", "", "listener network: tcp or unix")
	socket := fs.String("socket", "", "unix socket path (implies --network unix)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}

	loader := config.NewLoader(*configPath)
	if rest := fs.Args(); len(rest) > 0 {
		port, err := strconv.Atoi(rest[0])
		if err != nil || port < 0 || port > 65535 {
			fmt.Fprintf(os.Stderr, "serve: invalid port %q\nusage: taskd serve [port] [flags]\n", rest[0])
			os.Exit(1)
		}
		loader.Set("server.port", port)
	}
	if *socket != "" {
		loader.Set("server.network", "unix")
		loader.Set("server.socket_path", *socket)
	} else if *network != "" {
		loader.Set("server.network", *network)
	}
	if *logLevel != "" {
		loader.Set("logging.level", *logLevel)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}

	opts := []server.Option{}
	if *configPath != "" {
		opts = append(opts, server.WithLoader(loader))
	}
	s, err := server.New(cfg, logger, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create server: %v\n", err)
		os.Exit(1)
	}

	if err := s.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func runConfig(args []string) {
	if len(args) < 1 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "usage: taskd config init [path] [--force]")
		os.Exit(1)
	}
	fs := pflag.NewFlagSet("config init", pflag.ContinueOnError)
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "config init: %v\n", err)
		os.Exit(1)
	}
	path := "taskd.yaml"
	if rest := fs.Args(); len(rest) > 0 {
		path = rest[0]
	}
	if err := config.WriteDefault(path, *force); err != nil {
		fmt.Fprintf(os.Stderr, "config init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n", path)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskd %s - build task execution server

Usage: taskd <command> [options]

Server:
  serve [port] [flags]         Run the server (default 127.0.0.1:8887)
  shutdown                     Stop a running server
  ping                         Check that the server is up
  config init [path]           Write the default config file

Tasks:
  tasks <dir>                  List the tasks of a build
  run <dir> <task> [-- args]   Run a task and stream its output
  cancel <key> [--list]        Cancel a running task (or task listing)
  cancel-all [--kind k]        Cancel every running operation
  operations                   Show running operation keys
  watch                        Stream operation lifecycle events

Daemons:
  daemons <dir>                Show build daemons for a project
  stop-daemon <pid>            Kill one build daemon
  stop-daemons <dir>           Stop all build daemons for a project

Client flags:
  --addr host:port             Server address (default 127.0.0.1:8887)
  --socket path                Connect over a unix socket instead
  --json                       Print raw JSON results

Utilities:
  version                      Show version
  help                         Show this help

`, version)
}
