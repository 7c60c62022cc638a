package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/msageha/taskd/internal/events"
	"github.com/msageha/taskd/internal/executor"
	"github.com/msageha/taskd/internal/model"
	"github.com/msageha/taskd/internal/rpc"
	"github.com/msageha/taskd/internal/server"
)

// exitCancelled matches the shell convention for an interrupted command.
const exitCancelled = 130

type clientFlags struct {
	fs      *pflag.FlagSet
	addr    string
	socket  string
	json    bool
	timeout time.Duration
}

func newClientFlags(name string) *clientFlags {
	cf := &clientFlags{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	defaultAddr := net.JoinHostPort(model.DefaultHost, strconv.Itoa(model.DefaultPort))
	if env := os.Getenv("TASKD_ADDR"); env != "" {
		defaultAddr = env
	}
	cf.fs.StringVar(&cf.addr, "addr", defaultAddr, "server address host:port")
	cf.fs.StringVar(&cf.socket, "socket", os.Getenv("TASKD_SOCKET"), "unix socket path")
	cf.fs.BoolVar(&cf.json, "json", false, "print raw JSON results")
	cf.fs.DurationVar(&cf.timeout, "timeout", 30*time.Second, "timeout for non-streaming commands")
	return cf
}

// parse parses args and exits on error; it returns the positional args.
func (cf *clientFlags) parse(args []string, usage string, positional int) []string {
	if err := cf.fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\nusage: %s\n", err, usage)
		os.Exit(1)
	}
	rest := cf.fs.Args()
	if len(rest) < positional {
		fmt.Fprintf(os.Stderr, "usage: %s\n", usage)
		os.Exit(1)
	}
	return rest
}

func (cf *clientFlags) client() *rpc.Client {
	var c *rpc.Client
	if cf.socket != "" {
		c = rpc.NewClient("unix", cf.socket)
	} else {
		c = rpc.NewClient("tcp", cf.addr)
	}
	c.SetTimeout(cf.timeout)
	return c
}

func (cf *clientFlags) dial(ctx context.Context) (*rpc.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cf.timeout)
	defer cancel()
	if cf.socket != "" {
		return rpc.Dial(dialCtx, "unix", cf.socket)
	}
	return rpc.Dial(dialCtx, "tcp", cf.addr)
}

// send runs a non-streaming command and prints its data, or exits on error.
func (cf *clientFlags) send(label, command string, params any) json.RawMessage {
	resp, err := cf.client().SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
		os.Exit(1)
	}
	if !resp.Success {
		exitFailure(label, resp)
	}
	if cf.json {
		printJSON(resp.Data)
	}
	return resp.Data
}

func exitFailure(label string, resp *rpc.Response) {
	code := ""
	msg := "unknown error"
	if resp.Error != nil {
		code = resp.Error.Code
		msg = resp.Error.Message
	}
	fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", label, code, msg)
	if code == rpc.ErrCodeCancelled {
		os.Exit(exitCancelled)
	}
	os.Exit(1)
}

func printJSON(data json.RawMessage) {
	out, _ := json.MarshalIndent(data, "", "  ")
	fmt.Println(string(out))
}

func absDir(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// interruptible watches for SIGINT and SIGTERM. The first signal runs
// onFirst, or cancels the returned context when onFirst is nil. A second
// signal exits.
func interruptible(onFirst func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		if onFirst != nil {
			onFirst()
		} else {
			cancel()
		}
		select {
		case <-sigCh:
			os.Exit(exitCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func printProgress(f *rpc.Frame) {
	if f.Type == rpc.FrameProgress && f.Progress != nil {
		fmt.Fprintf(os.Stderr, "> %s\n", f.Progress.Description)
	}
}

func runTasks(args []string) {
	cf := newClientFlags("tasks")
	key := cf.fs.String("key", "", "operation key used for cancellation")
	rest := cf.parse(args, "taskd tasks <dir> [--key k] [-- build args]", 1)

	req := executor.ListTasksRequest{Key: *key, ProjectDir: absDir(rest[0]), Args: rest[1:]}
	if req.Key == "" {
		req.Key, _ = model.GenerateID(model.IDTypeList)
	}

	conn, err := cf.dial(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "tasks: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// The first interrupt asks the server to cancel; the result still arrives.
	ctx, stop := interruptible(func() {
		fmt.Fprintf(os.Stderr, "cancelling %s\n", req.Key)
		_, _ = conn.Call(context.Background(), server.CmdCancelListTasks, server.CancelParams{Key: req.Key}, nil)
	})
	defer stop()

	resp, err := conn.Call(ctx, server.CmdListTasks, req, printProgress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tasks: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		exitFailure("tasks", resp)
	}
	if cf.json {
		printJSON(resp.Data)
		return
	}

	var res struct {
		Payload model.ListTasksPayload `json:"payload"`
	}
	if err := json.Unmarshal(resp.Data, &res); err != nil {
		fmt.Fprintf(os.Stderr, "tasks: decode result: %v\n", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tGROUP\tDESCRIPTION")
	for _, t := range res.Payload.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Path, t.Group, t.Description)
	}
	_ = w.Flush()
}

func runRun(args []string) {
	cf := newClientFlags("run")
	key := cf.fs.String("key", "", "operation key used for cancellation")
	rest := cf.parse(args, "taskd run <dir> <task> [--key k] [-- build args]", 2)

	req := executor.RunTaskRequest{
		Key:        *key,
		ProjectDir: absDir(rest[0]),
		Task:       rest[1],
		Args:       rest[2:],
	}
	if req.Key == "" {
		req.Key, _ = model.GenerateID(model.IDTypeRun)
	}

	conn, err := cf.dial(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// The first interrupt asks the server to cancel; the result still arrives.
	ctx, stop := interruptible(func() {
		fmt.Fprintf(os.Stderr, "cancelling %s\n", req.Key)
		_, _ = conn.Call(context.Background(), server.CmdCancelRunTask, server.CancelParams{Key: req.Key}, nil)
	})
	defer stop()

	resp, err := conn.Call(ctx, server.CmdRunTask, req, func(f *rpc.Frame) {
		switch f.Type {
		case rpc.FrameOutput:
			if f.Output.Stream == model.StreamStderr {
				fmt.Fprintln(os.Stderr, f.Output.Line)
			} else {
				fmt.Println(f.Output.Line)
			}
		case rpc.FrameProgress:
			printProgress(f)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		exitFailure("run "+req.Task, resp)
	}
	if cf.json {
		printJSON(resp.Data)
	}
}

func runCancel(args []string) {
	cf := newClientFlags("cancel")
	list := cf.fs.Bool("list", false, "cancel a task listing instead of a task run")
	rest := cf.parse(args, "taskd cancel <key> [--list]", 1)

	command := server.CmdCancelRunTask
	if *list {
		command = server.CmdCancelListTasks
	}
	cf.send("cancel", command, server.CancelParams{Key: rest[0]})
	if !cf.json {
		fmt.Printf("cancel requested for %s\n", rest[0])
	}
}

func runCancelAll(args []string) {
	cf := newClientFlags("cancel-all")
	kind := cf.fs.String("kind", "", "only cancel operations of this kind (run_task or list_tasks)")
	cf.parse(args, "taskd cancel-all [--kind k]", 0)

	data := cf.send("cancel-all", server.CmdCancelAll, server.CancelAllParams{Kind: *kind})
	if !cf.json {
		var reply server.CancelReply
		_ = json.Unmarshal(data, &reply)
		fmt.Printf("cancel requested for %d operations\n", reply.Count)
	}
}

func runOperations(args []string) {
	cf := newClientFlags("operations")
	cf.parse(args, "taskd operations", 0)

	data := cf.send("operations", server.CmdOperations, nil)
	if cf.json {
		return
	}
	var ops map[model.OperationKind][]string
	_ = json.Unmarshal(data, &ops)
	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tKEY\tAGE")
	for _, kind := range model.AllKinds {
		for _, key := range ops[kind] {
			age := "-"
			if g, ok := model.ParseID(key); ok {
				age = g.Age(now).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", kind, key, age)
		}
	}
	_ = w.Flush()
}

func runDaemons(args []string) {
	cf := newClientFlags("daemons")
	rest := cf.parse(args, "taskd daemons <dir>", 1)

	data := cf.send("daemons", server.CmdDaemonStatus, executor.DaemonStatusRequest{ProjectDir: absDir(rest[0])})
	if cf.json {
		return
	}
	var res struct {
		Payload model.DaemonStatusPayload `json:"payload"`
	}
	_ = json.Unmarshal(data, &res)
	if len(res.Payload.Daemons) == 0 {
		fmt.Println("no build daemons running")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tSTATUS\tINFO")
	for _, d := range res.Payload.Daemons {
		fmt.Fprintf(w, "%d\t%s\t%s\n", d.PID, d.Status, d.Info)
	}
	_ = w.Flush()
}

func runStopDaemon(args []string) {
	cf := newClientFlags("stop-daemon")
	rest := cf.parse(args, "taskd stop-daemon <pid>", 1)

	pid, err := strconv.Atoi(rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stop-daemon: invalid pid %q\n", rest[0])
		os.Exit(1)
	}
	cf.send("stop-daemon", server.CmdStopDaemon, executor.StopDaemonRequest{PID: pid})
	if !cf.json {
		fmt.Printf("daemon %d stopped\n", pid)
	}
}

func runStopDaemons(args []string) {
	cf := newClientFlags("stop-daemons")
	rest := cf.parse(args, "taskd stop-daemons <dir>", 1)

	cf.send("stop-daemons", server.CmdStopAllDaemons, executor.StopAllDaemonsRequest{ProjectDir: absDir(rest[0])})
	if !cf.json {
		fmt.Println("all daemons stopped")
	}
}

func runWatch(args []string) {
	cf := newClientFlags("watch")
	cf.parse(args, "taskd watch", 0)

	ctx, stop := interruptible(nil)
	defer stop()

	conn, err := cf.dial(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	_, err = conn.Call(ctx, server.CmdSubscribe, server.SubscribeParams{}, func(f *rpc.Frame) {
		if cf.json {
			fmt.Println(string(f.Event))
			return
		}
		var e events.Event
		if err := json.Unmarshal(f.Event, &e); err != nil {
			return
		}
		switch e.Type {
		case events.EventDaemonStopped:
			fmt.Printf("%s  %-18s pid=%d\n", e.Timestamp.Format(time.RFC3339), e.Type, e.PID)
		default:
			fmt.Printf("%s  %-18s %s %s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Kind, e.Key, e.Status)
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

func runPing(args []string) {
	cf := newClientFlags("ping")
	cf.parse(args, "taskd ping", 0)

	data := cf.send("ping", server.CmdPing, nil)
	if !cf.json {
		var reply server.PingReply
		_ = json.Unmarshal(data, &reply)
		fmt.Printf("taskd ok (pid %d, up %ds)\n", reply.PID, reply.UptimeSec)
	}
}

func runShutdown(args []string) {
	cf := newClientFlags("shutdown")
	cf.parse(args, "taskd shutdown", 0)

	cf.send("shutdown", server.CmdShutdown, nil)
	if !cf.json {
		fmt.Println("shutdown accepted")
	}
}
