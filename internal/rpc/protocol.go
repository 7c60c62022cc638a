// Package rpc implements the length-prefixed JSON protocol spoken between the
// taskd CLI and server. One connection carries any number of concurrent
// requests; every frame names the request it belongs to.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/msageha/taskd/internal/model"
)

const ProtocolVersion = 1

// maxFrameSize bounds a single frame on the wire.
const maxFrameSize = 10 * 1024 * 1024

var ErrFrameTooLarge = errors.New("frame too large")

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	ID              string          `json:"id"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeProtocolMismatch  = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand    = "UNKNOWN_COMMAND"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeExecutionFailed   = "EXECUTION_FAILED"
	ErrCodeNotRunning        = "NOT_RUNNING"
	ErrCodeTerminationFailed = "TERMINATION_FAILED"
)

// FrameType tags what a server frame carries.
type FrameType string

const (
	FrameProgress FrameType = "progress"
	FrameOutput   FrameType = "output"
	FrameEvent    FrameType = "event"
	FrameResult   FrameType = "result"
)

// Frame is one server-to-client message. A request receives zero or more
// progress, output or event frames followed by exactly one result frame.
type Frame struct {
	ID       string               `json:"id"`
	Type     FrameType            `json:"type"`
	Progress *model.ProgressEvent `json:"progress,omitempty"`
	Output   *model.OutputEvent   `json:"output,omitempty"`
	Event    json.RawMessage      `json:"event,omitempty"`
	Result   *Response            `json:"result,omitempty"`
}

// NewRequest builds a request at the current protocol version.
func NewRequest(id, command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		ID:              id,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams unmarshals the request parameters into v. Missing params
// leave v untouched.
func (r *Request) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Command, err)
	}
	return nil
}

// SuccessResponse wraps data; nil data leaves the data field empty.
func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorResponse(ErrCodeInternal, fmt.Sprintf("marshal response: %v", err))
		}
		resp.Data = raw
	}
	return resp
}

// ErrorResponse builds a failed response with a wire error code.
func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// CodeFor maps an error category to its wire code.
func CodeFor(c model.Category) string {
	switch c {
	case model.CategoryInvalidRequest:
		return ErrCodeValidation
	case model.CategoryConfiguration, model.CategoryLaunch, model.CategoryExecution:
		return ErrCodeExecutionFailed
	case model.CategoryCancelled:
		return ErrCodeCancelled
	case model.CategoryNotRunning:
		return ErrCodeNotRunning
	case model.CategoryTermination:
		return ErrCodeTerminationFailed
	case model.CategoryNotFound:
		return ErrCodeNotFound
	default:
		return ErrCodeInternal
	}
}

// ErrorFrom converts err into an error response using its category.
func ErrorFrom(err error) *Response {
	return ErrorResponse(CodeFor(model.CategoryOf(err)), err.Error())
}

// ResultResponse converts a terminal operation result into a response. The
// whole result, including the operation key, travels as data so the caller
// can tell a cancelled run from a failed one.
func ResultResponse(res model.Result) *Response {
	if res.Status == model.StatusSucceeded {
		return SuccessResponse(res)
	}
	resp := SuccessResponse(res)
	resp.Success = false
	code := ErrCodeInternal
	if res.Err != nil {
		code = CodeFor(res.Err.Category)
	}
	resp.Error = &ErrorDetail{Code: code, Message: res.Message}
	return resp
}

// WriteFrame writes a length-prefixed JSON frame.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > maxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
