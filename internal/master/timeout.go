package master

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var errReadTimeout = errors.New("no data received within the per-operation timeout")

// bind derives a request context from ctx that is also cancelled, with the
// session's cause, when the session context ends. release must be called
// once the request and its body are done.
func bind(ctx, session context.Context) (context.Context, context.CancelCauseFunc, func()) {
	rctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(session, func() {
		cancel(context.Cause(session))
	})
	return rctx, cancel, func() {
		stop()
		cancel(nil)
	}
}

// classify marks err with ErrTimeout when a deadline or a per-operation
// timeout caused it.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, errReadTimeout) {
			return errors.Mark(errors.Wrap(err, cause.Error()), ErrTimeout)
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Mark(err, ErrTimeout)
	}
	return err
}

// timeoutBody fails a read that makes no progress within timeout and
// releases the request context on Close.
type timeoutBody struct {
	body    io.ReadCloser
	ctx     context.Context
	timer   *time.Timer
	timeout time.Duration
	release func()
	once    sync.Once
}

func newTimeoutBody(body io.ReadCloser, ctx context.Context, cancel context.CancelCauseFunc,
	timeout time.Duration, release func()) *timeoutBody {
	b := &timeoutBody{
		body:    body,
		ctx:     ctx,
		timeout: timeout,
		release: release,
	}
	b.timer = time.AfterFunc(timeout, func() { cancel(errReadTimeout) })
	b.timer.Stop()
	return b
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	b.timer.Stop()
	if err != nil && err != io.EOF {
		err = classify(b.ctx, err)
	}
	return n, err
}

func (b *timeoutBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.once.Do(b.release)
	return err
}
