package browser

import (
	"context"
	"time"
)

// CombineContext derives from primary, which carries values such as a CDP
// target, and additionally cancels when secondary, which carries the caller's
// deadline, is done.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancelCause(primary)
	stop := context.AfterFunc(secondary, func() {
		cancel(context.Cause(secondary))
	})
	return combined, func() {
		stop()
		cancel(context.Canceled)
	}
}

// valueOnlyContext keeps a parent's values but drops its cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that inherits values from ctx but is not canceled
// with it. Cleanup that must outlive the caller's deadline runs under it.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
