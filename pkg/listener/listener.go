package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
	errInputClosed     = errors.New("listener input closed")
)

// Listener runs handler for every value received from in on a single
// goroutine, so handlers never overlap. It stops when ctx is cancelled, Stop
// is called or in is closed.
type Listener[T any] struct {
	handler     func(ctx context.Context, input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	once   sync.Once
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped), errors.Is(err, errInputClosed):
				return
			case err != nil:
				// handler failures are reported, the loop keeps serving input
				slog.Warn("listener handler failed", "error", err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errInputClosed
		}
		return l.handler(ctx, inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

// Stop cancels the loop, waits for an in-flight handler to return and then
// runs the stop handler once.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.once.Do(l.stopHandler)
}

// Wait blocks until the loop has exited on its own (closed input or
// cancelled parent context).
func (l *Listener[T]) Wait() {
	l.wg.Wait()
}
