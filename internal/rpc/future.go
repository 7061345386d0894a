package rpc

import (
	"context"
	"sync"
)

// Future is the single-resolve completion handle returned by SendAsync and
// held internally for sync and streaming waiters. It resolves exactly once
// with a response or an error, whichever wins.
type Future struct {
	id   string
	done chan struct{}
	once sync.Once

	resp *Response
	err  error

	cancel func(reason error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// complete resolves the future. Only the first call takes effect.
func (f *Future) complete(resp *Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}

// CorrelationID returns the id the pending request was registered under.
func (f *Future) CorrelationID() string {
	return f.id
}

// Done is closed when the future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future resolves or ctx is cancelled. Cancellation of
// ctx cancels the operation itself, so a late response is dropped.
func (f *Future) Get(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		f.Cancel()
		// the cancel raced a completion; report whichever won
		<-f.done
		return f.resp, f.err
	}
}

// Cancel removes the pending operation and resolves the future with
// ErrCancelled unless it already resolved.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel(ErrCancelled)
	}
}

// Err returns the resolution error without blocking; nil while pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
