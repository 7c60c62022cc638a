package rpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msageha/taskd/internal/model"
)

func startTestServer(t *testing.T, handlers map[string]HandlerFunc) *Server {
	t.Helper()
	server := NewServer("tcp", "127.0.0.1:0")
	for name, h := range handlers {
		server.Handle(name, h)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dialTestServer(t *testing.T, server *Server) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestFraming_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req, err := NewRequest("abc", "test", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf.Bytes()[:4]); int(got) != buf.Len()-4 {
		t.Fatalf("length prefix %d, payload %d", got, buf.Len()-4)
	}

	var decoded Request
	if err := ReadFrame(&buf, &decoded); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if decoded.ID != "abc" || decoded.Command != "test" || decoded.ProtocolVersion != ProtocolVersion {
		t.Errorf("unexpected request: %+v", decoded)
	}
	var params map[string]string
	if err := decoded.DecodeParams(&params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params["k"] != "v" {
		t.Errorf("params: got %v", params)
	}
}

func TestFraming_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(maxFrameSize+1))

	var req Request
	err := ReadFrame(&buf, &req)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFraming_LargePayload(t *testing.T) {
	server := startTestServer(t, map[string]HandlerFunc{
		"echo": func(_ context.Context, req *Request, _ *Stream) *Response {
			var params map[string]string
			if err := req.DecodeParams(&params); err != nil {
				return ErrorResponse(ErrCodeValidation, err.Error())
			}
			return SuccessResponse(map[string]int{"length": len(params["content"])})
		},
	})
	conn := dialTestServer(t, server)

	content := strings.Repeat("x", 1024*1024)
	resp, err := conn.Call(context.Background(), "echo", map[string]string{"content": content}, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var data map[string]int
	_ = json.Unmarshal(resp.Data, &data)
	if data["length"] != len(content) {
		t.Errorf("length: got %d", data["length"])
	}
}

func TestServer_ProtocolVersionMismatch(t *testing.T) {
	server := startTestServer(t, nil)

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := &Request{ProtocolVersion: 99, ID: "x", Command: "ping"}
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var f Frame
	if err := ReadFrame(conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.ID != "x" || f.Type != FrameResult {
		t.Fatalf("unexpected frame: %+v", f)
	}
	if f.Result.Success || f.Result.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected PROTOCOL_MISMATCH, got %+v", f.Result.Error)
	}
}

func TestServer_MissingID(t *testing.T) {
	server := startTestServer(t, map[string]HandlerFunc{
		"ping": func(context.Context, *Request, *Stream) *Response { return SuccessResponse(nil) },
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, &Request{ProtocolVersion: ProtocolVersion, Command: "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var f Frame
	if err := ReadFrame(conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Result == nil || f.Result.Error == nil || f.Result.Error.Code != ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %+v", f.Result)
	}
}

func TestServer_DuplicateRequestIDRejected(t *testing.T) {
	release := make(chan struct{})
	server := startTestServer(t, map[string]HandlerFunc{
		"slow": func(ctx context.Context, req *Request, _ *Stream) *Response {
			var p struct{ Who string }
			_ = req.DecodeParams(&p)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return SuccessResponse(p.Who)
		},
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(who string) {
		t.Helper()
		req, err := NewRequest("same-id", "slow", map[string]string{"Who": who})
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if err := WriteFrame(conn, req); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() Frame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f Frame
		if err := ReadFrame(conn, &f); err != nil {
			t.Fatalf("read: %v", err)
		}
		return f
	}

	send("A")
	send("B")
	f := read()
	if f.ID != "same-id" || f.Result == nil || f.Result.Error == nil || f.Result.Error.Code != ErrCodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for the duplicate, got %+v", f.Result)
	}

	close(release)
	f = read()
	var who string
	if f.Result == nil || !f.Result.Success {
		t.Fatalf("expected success for the first request, got %+v", f.Result)
	}
	_ = json.Unmarshal(f.Result.Data, &who)
	if who != "A" {
		t.Fatalf("result came from %q, want A", who)
	}

	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra Frame
	if err := ReadFrame(conn, &extra); err == nil {
		t.Fatalf("unexpected extra frame: %+v", extra)
	}

	// The id is free again once its result has been written.
	send("C")
	f = read()
	_ = json.Unmarshal(f.Result.Data, &who)
	if !f.Result.Success || who != "C" {
		t.Fatalf("reused id: got %+v", f.Result)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server := startTestServer(t, nil)
	conn := dialTestServer(t, server)

	resp, err := conn.Call(context.Background(), "nonexistent", nil, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("expected UNKNOWN_COMMAND, got %+v", resp.Error)
	}
}

func TestServer_StreamsEventsBeforeResult(t *testing.T) {
	server := startTestServer(t, map[string]HandlerFunc{
		"build": func(_ context.Context, _ *Request, stream *Stream) *Response {
			stream.Progress(model.ProgressEvent{Description: "Task :compileJava"})
			for i := 0; i < 3; i++ {
				stream.Output(model.OutputEvent{Stream: model.StreamStdout, Line: fmt.Sprintf("line %d", i)})
			}
			if err := stream.Event(map[string]string{"hello": "world"}); err != nil {
				t.Errorf("event: %v", err)
			}
			return SuccessResponse(map[string]string{"task": "build"})
		},
	})
	conn := dialTestServer(t, server)

	var frames []*Frame
	resp, err := conn.Call(context.Background(), "build", nil, func(f *Frame) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp.Error)
	}
	if len(frames) != 5 {
		t.Fatalf("expected 5 event frames, got %d", len(frames))
	}
	if frames[0].Type != FrameProgress || frames[0].Progress.Description != "Task :compileJava" {
		t.Errorf("first frame: %+v", frames[0])
	}
	for i := 0; i < 3; i++ {
		f := frames[i+1]
		if f.Type != FrameOutput || f.Output.Line != fmt.Sprintf("line %d", i) {
			t.Errorf("frame %d: %+v", i+1, f)
		}
	}
	if frames[4].Type != FrameEvent || !strings.Contains(string(frames[4].Event), "world") {
		t.Errorf("event frame: %+v", frames[4])
	}
}

func TestServer_ConcurrentCallsOnOneConnection(t *testing.T) {
	server := startTestServer(t, map[string]HandlerFunc{
		"emit": func(_ context.Context, req *Request, stream *Stream) *Response {
			var p struct{ Name string }
			_ = req.DecodeParams(&p)
			for i := 0; i < 100; i++ {
				stream.Output(model.OutputEvent{Stream: model.StreamStdout, Line: fmt.Sprintf("%s-%d", p.Name, i)})
			}
			return SuccessResponse(p)
		},
	})
	conn := dialTestServer(t, server)

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("op%d", i)
			seen := 0
			resp, err := conn.Call(context.Background(), "emit", map[string]string{"Name": name}, func(f *Frame) {
				want := fmt.Sprintf("%s-%d", name, seen)
				if f.Output == nil || f.Output.Line != want {
					errs <- fmt.Errorf("%s: got %+v, want %s", name, f.Output, want)
				}
				seen++
			})
			if err != nil {
				errs <- err
				return
			}
			if !resp.Success || seen != 100 {
				errs <- fmt.Errorf("%s: success=%v seen=%d", name, resp.Success, seen)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestServer_HandlerPanic(t *testing.T) {
	server := startTestServer(t, map[string]HandlerFunc{
		"boom": func(context.Context, *Request, *Stream) *Response { panic("kaboom") },
		"ping": func(context.Context, *Request, *Stream) *Response { return SuccessResponse("pong") },
	})
	conn := dialTestServer(t, server)

	resp, err := conn.Call(context.Background(), "boom", nil, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeInternal {
		t.Errorf("expected INTERNAL_ERROR, got %+v", resp)
	}

	resp, err = conn.Call(context.Background(), "ping", nil, nil)
	if err != nil || !resp.Success {
		t.Fatalf("connection should survive a handler panic: %v %+v", err, resp)
	}
}

func TestServer_ConnectionCloseCancelsHandler(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	server := startTestServer(t, map[string]HandlerFunc{
		"wait": func(ctx context.Context, _ *Request, _ *Stream) *Response {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return ErrorResponse(ErrCodeCancelled, "caller went away")
		},
	})

	conn, err := Dial(context.Background(), "tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _, _ = conn.Call(context.Background(), "wait", nil, nil) }()
	<-started
	_ = conn.Close()

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not cancelled after client disconnect")
	}
}

func TestServer_ShutdownDrainsInFlight(t *testing.T) {
	started := make(chan struct{})
	server := NewServer("tcp", "127.0.0.1:0")
	server.Handle("slow", func(context.Context, *Request, *Stream) *Response {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return SuccessResponse("done")
	})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := dialTestServer(t, server)

	result := make(chan *Response, 1)
	go func() {
		resp, _ := conn.Call(context.Background(), "slow", nil, nil)
		result <- resp
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	resp := <-result
	if resp == nil || !resp.Success {
		t.Fatalf("in-flight request should complete, got %+v", resp)
	}
}

func TestServer_ShutdownTimeoutCancelsHandlers(t *testing.T) {
	started := make(chan struct{})
	server := NewServer("tcp", "127.0.0.1:0")
	server.Handle("stuck", func(ctx context.Context, _ *Request, _ *Stream) *Response {
		close(started)
		<-ctx.Done()
		return ErrorResponse(ErrCodeCancelled, "shutdown")
	})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn := dialTestServer(t, server)
	go func() { _, _ = conn.Call(context.Background(), "stuck", nil, nil) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := server.Shutdown(ctx); err == nil {
		t.Fatal("expected drain timeout error")
	}
}

func TestClient_ServerNotRunning(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	client := NewClient("tcp", addr)
	client.SetTimeout(1 * time.Second)

	_, err = client.SendCommand("ping", nil)
	if err == nil {
		t.Fatal("expected error when server not running")
	}
	if !strings.Contains(err.Error(), "failed to connect to taskd") {
		t.Errorf("expected connection error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "taskd serve") {
		t.Errorf("expected hint about 'taskd serve', got: %v", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := startTestServer(t, map[string]HandlerFunc{
		"wait": func(ctx context.Context, _ *Request, _ *Stream) *Response {
			<-ctx.Done()
			return nil
		},
	})
	client := NewClient("tcp", server.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Stream(ctx, "wait", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestServer_UnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}
	// Use /tmp directly to avoid the macOS socket path length limit (104 bytes)
	dir, err := os.MkdirTemp("/tmp", "taskd-rpc-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "t.sock")

	server := NewServer("unix", sockPath)
	server.Handle("ping", func(context.Context, *Request, *Stream) *Response { return SuccessResponse("pong") })
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	info, err := os.Stat(sockPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected permissions 0600, got %04o", perm)
	}

	client := NewClient("unix", sockPath)
	resp, err := client.SendCommand("ping", nil)
	if err != nil || !resp.Success {
		t.Fatalf("ping: %v %+v", err, resp)
	}

	_ = server.Stop()
	if _, err := os.Stat(sockPath); !os.IsNotExist(err) {
		t.Error("socket should be removed after stop")
	}
}

func TestResultResponse(t *testing.T) {
	ok := ResultResponse(model.Succeeded("task build completed", model.RunTaskPayload{Task: "build"}))
	if !ok.Success || ok.Error != nil {
		t.Fatalf("expected success, got %+v", ok)
	}
	var data model.Result
	_ = json.Unmarshal(ok.Data, &data)
	if data.Status != model.StatusSucceeded {
		t.Errorf("status: got %q", data.Status)
	}

	tests := []struct {
		res  model.Result
		code string
	}{
		{model.Cancelled("operation cancelled"), ErrCodeCancelled},
		{model.Failed(model.Errorf(model.CategoryInvalidRequest, "bad dir")), ErrCodeValidation},
		{model.Failed(model.Errorf(model.CategoryLaunch, "no exec")), ErrCodeExecutionFailed},
		{model.Failed(model.Errorf(model.CategoryExecution, "exit 1")), ErrCodeExecutionFailed},
		{model.Failed(model.Errorf(model.CategoryTermination, "EPERM")), ErrCodeTerminationFailed},
		{model.Failed(model.Errorf(model.CategoryNotFound, "pid")), ErrCodeNotFound},
		{model.Failed(model.Errorf(model.CategoryInternal, "oops")), ErrCodeInternal},
	}
	for _, tt := range tests {
		resp := ResultResponse(tt.res)
		if resp.Success {
			t.Errorf("%s: expected failure", tt.code)
			continue
		}
		if resp.Error.Code != tt.code {
			t.Errorf("code: got %q, want %q", resp.Error.Code, tt.code)
		}
		if resp.Error.Message != tt.res.Message {
			t.Errorf("message: got %q, want %q", resp.Error.Message, tt.res.Message)
		}
	}
}

func TestErrorFrom(t *testing.T) {
	resp := ErrorFrom(model.Errorf(model.CategoryNotRunning, "no running run_task operation %q", "k"))
	if resp.Error.Code != ErrCodeNotRunning {
		t.Errorf("code: got %q", resp.Error.Code)
	}
	resp = ErrorFrom(errors.New("plain"))
	if resp.Error.Code != ErrCodeInternal {
		t.Errorf("code: got %q", resp.Error.Code)
	}
}

func TestSuccessResponse_NilData(t *testing.T) {
	resp := SuccessResponse(nil)
	if !resp.Success {
		t.Error("expected success")
	}
	if resp.Data != nil {
		t.Errorf("expected nil data, got %s", string(resp.Data))
	}
}
