package cancel

import (
	"context"
	"errors"
)

// ErrCancelled is the cause recorded when a token is signalled without a
// more specific reason.
var ErrCancelled = errors.New("operation cancelled")

// Token is the read-only side of a cancel-source. An operation holds only a
// Token and therefore cannot cancel itself.
type Token struct {
	ctx context.Context
}

// Done is closed once the source has been signalled.
func (t Token) Done() <-chan struct{} {
	if t.ctx == nil {
		return nil
	}
	return t.ctx.Done()
}

func (t Token) Cancelled() bool {
	return t.ctx != nil && t.ctx.Err() != nil
}

// Cause returns the reason passed to the source, or nil while live.
func (t Token) Cause() error {
	if t.ctx == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Context exposes the token as a context for APIs that take one.
func (t Token) Context() context.Context {
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

// source is the signalling side, owned by the registry.
type source struct {
	token  Token
	cancel context.CancelCauseFunc
}

func newSource() *source {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &source{token: Token{ctx: ctx}, cancel: cancel}
}

// signal is idempotent; only the first cause is kept.
func (s *source) signal(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	s.cancel(cause)
}
