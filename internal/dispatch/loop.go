package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Poster is anything that can schedule work on the main loop.
type Poster interface {
	Post(fn func()) bool
}

// Loop is the single "main thread" every session callback runs on.
// Work posted from any goroutine runs one item at a time, in post order.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// NewLoop creates a loop whose queue holds up to buffer pending items
// before Post falls back to a detached send.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Post schedules fn. It never blocks the caller, so it is safe to call from
// inside a running item. Returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.queue <- fn:
	default:
		// Queue full: hand off without blocking. Ordering against items
		// posted afterwards is no longer guaranteed.
		go func() {
			select {
			case l.queue <- fn:
			case <-l.done:
			}
		}()
	}
	return true
}

// Run executes posted work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	log.Info().Msg("[Dispatch] Main loop started.")
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("[Dispatch] Main loop stopped.")
			return
		case fn := <-l.queue:
			l.invoke(fn)
		}
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return context.Canceled
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("[Dispatch] Recovered panic in posted work.")
		}
	}()
	fn()
}

func (l *Loop) stop() {
	l.once.Do(func() { close(l.done) })
}
