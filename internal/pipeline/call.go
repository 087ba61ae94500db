package pipeline

import "context"

// Call is the handle of one asynchronous stage request. Seq is the request's
// sequence number within its mode; a response whose Seq is no longer the latest
// resolves with ErrStaleResponse.
type Call[T any] struct {
	Seq uint64

	done   chan struct{}
	result T
	err    error
}

func newCall[T any](seq uint64) *Call[T] {
	return &Call[T]{Seq: seq, done: make(chan struct{})}
}

func (c *Call[T]) finish(v T, err error) {
	c.result, c.err = v, err
	close(c.done)
}

// Done is closed once the call has resolved.
func (c *Call[T]) Done() <-chan struct{} { return c.done }

// Wait blocks until the call resolves or ctx ends. Ending ctx does not cancel the
// underlying request.
func (c *Call[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
