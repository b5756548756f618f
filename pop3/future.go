package pop3

import (
	"context"
	"sync"
)

// Future is the single-assignment completion handle for one session
// operation: the connect handshake, one executed command, or a
// disconnect. It is resolved exactly once by the session goroutine;
// a second resolution would mean two owners raced for the same command
// slot, so it panics instead of silently overwriting the result.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	resp      *Response
	err       error
	callbacks []func(*Response, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future with a response.
func (f *Future) resolve(resp *Response) { f.complete(resp, nil) }

// fail completes the future with an error.
func (f *Future) fail(err error) { f.complete(nil, err) }

func (f *Future) complete(resp *Response, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		panic("pop3: future resolved twice")
	}
	f.completed = true
	f.resp = resp
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(resp, err)
	}
}

// Done returns a channel that is closed once the future is resolved.
// After it is closed, Result returns immediately.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the resolution of the future, or (nil, nil) if it has
// not been resolved yet. Use Await or Done to wait for resolution.
func (f *Future) Result() (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// Await blocks until the future is resolved or ctx is done. A ctx
// failure does not resolve the future; the command stays in flight and
// resolves later through the session.
func (f *Future) Await(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnComplete registers a callback invoked with the resolution. If the
// future is already resolved the callback runs immediately on the
// calling goroutine; otherwise it runs on the session goroutine that
// resolves the future.
func (f *Future) OnComplete(cb func(*Response, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	resp, err := f.resp, f.err
	f.mu.Unlock()
	cb(resp, err)
}
