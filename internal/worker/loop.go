// Package worker provides the single goroutine that owns all capture state.
// Every mutation of a session or request is posted here and runs in arrival
// order, so the owned state needs no locks of its own.
package worker

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/rs/zerolog"
)

// Loop is a FIFO task runner backed by one goroutine
type Loop struct {
	name string
	log  *zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a loop goroutine
func New(name string) *Loop {
	l := &Loop{
		name: name,
		log:  logger.WithComponent("worker"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn. It never blocks and is safe to call from inside a task.
// It returns false once the loop has been closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting tasks. Already queued tasks still run, then the
// goroutine exits and Done is closed. Close does not wait.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Done is closed after the loop goroutine has exited
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, fn := range batch {
			l.exec(fn)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Str("loop", l.name).
				Interface("panic", r).
				Msg("Task panicked, worker continues")
		}
	}()
	fn()
}

// Timer is a deadline whose callback runs on the loop
type Timer struct {
	t *time.Timer
}

// AfterFunc posts fn to the loop once d has elapsed. If the loop is closed
// by then, fn is dropped.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { l.Post(fn) })}
}

// Stop prevents the timer from posting. It reports whether it did so.
func (t *Timer) Stop() bool {
	if t == nil || t.t == nil {
		return false
	}
	return t.t.Stop()
}
