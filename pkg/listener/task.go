package listener

import (
	"context"
	"time"
)

// Task is a debounced job. Any number of Schedule calls made while the job is
// waiting or running collapse into a single follow-up run, and runs never
// overlap.
type Task struct {
	*Listener[struct{}]

	fn      func(ctx context.Context)
	delay   time.Duration
	trigger chan struct{}
}

// NewTask returns a Task that runs fn at most once per delay window.
func NewTask(delay time.Duration, fn func(ctx context.Context)) *Task {
	t := &Task{
		fn:      fn,
		delay:   delay,
		trigger: make(chan struct{}, 1),
	}
	t.Listener = New(t.trigger, t.run)
	return t
}

// Schedule requests a run. It never blocks.
func (t *Task) Schedule() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

func (t *Task) run(ctx context.Context, _ struct{}) error {
	if t.delay > 0 {
		timer := time.NewTimer(t.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
	// triggers that arrived during the delay are served by this run
	select {
	case <-t.trigger:
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	t.fn(ctx)
	return nil
}
