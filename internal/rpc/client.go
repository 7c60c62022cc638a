package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnClosed is returned for calls on a connection whose read loop ended.
var ErrConnClosed = errors.New("connection closed")

// EventFunc receives the non-result frames of one call, in arrival order.
type EventFunc func(*Frame)

type call struct {
	frames chan *Frame
	gone   chan struct{}
}

// Conn is a multiplexed client connection. Calls may run concurrently; a
// single read loop routes each frame to the call that owns its id.
type Conn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*call
	err     error
	done    chan struct{}
}

// Dial connects to a taskd server.
func Dial(ctx context.Context, network, address string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to taskd at %s: %w\n"+
				"Is the server running? Start it with: taskd serve",
			address, err,
		)
	}
	c := &Conn{
		conn:    nc,
		pending: make(map[string]*call),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		c.pending = nil
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var f Frame
		if err = ReadFrame(c.conn, &f); err != nil {
			return
		}
		c.mu.Lock()
		cl, ok := c.pending[f.ID]
		if ok && f.Type == FrameResult {
			delete(c.pending, f.ID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case cl.frames <- &f:
		case <-cl.gone:
		}
	}
}

// Call sends command with params and blocks until its result frame arrives.
// onEvent, if set, sees every progress, output and event frame first.
func (c *Conn) Call(ctx context.Context, command string, params any, onEvent EventFunc) (*Response, error) {
	id := uuid.NewString()
	req, err := NewRequest(id, command, params)
	if err != nil {
		return nil, err
	}

	cl := &call{frames: make(chan *Frame, 64), gone: make(chan struct{})}
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[id] = cl
	c.mu.Unlock()
	defer c.forget(id, cl)

	c.writeMu.Lock()
	err = WriteFrame(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	for {
		select {
		case f := <-cl.frames:
			if f.Type == FrameResult {
				if f.Result == nil {
					return nil, fmt.Errorf("result frame for %s has no body", id)
				}
				return f.Result, nil
			}
			if onEvent != nil {
				onEvent(f)
			}
		case <-c.done:
			// Frames queued before the loop ended are still ours.
			select {
			case f := <-cl.frames:
				if f.Type == FrameResult && f.Result != nil {
					return f.Result, nil
				}
			default:
			}
			return nil, c.closedErr()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Conn) forget(id string, cl *call) {
	close(cl.gone)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		delete(c.pending, id)
	}
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, c.err)
	}
	return ErrConnClosed
}

func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Client opens one connection per call.
type Client struct {
	network string
	address string
	timeout time.Duration
}

func NewClient(network, address string) *Client {
	return &Client{
		network: network,
		address: address,
		timeout: 30 * time.Second,
	}
}

// SetTimeout bounds dialing and, for SendCommand, the whole call.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Stream runs one call and relays its events to onEvent. Only ctx bounds the
// call itself, so long builds are not cut off.
func (c *Client) Stream(ctx context.Context, command string, params any, onEvent EventFunc) (*Response, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	conn, err := Dial(dialCtx, c.network, c.address)
	cancel()
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	return conn.Call(ctx, command, params, onEvent)
}

// SendCommand runs a call that produces no events within the client timeout.
func (c *Client) SendCommand(command string, params any) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.Stream(ctx, command, params, nil)
}
