package bridge

import (
	"context"
	"sync"
	"time"
)

// Loop is the controlling thread: a single goroutine running posted funcs in
// FIFO order. Post never blocks, so funcs may post further work.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	timers  map[*time.Timer]struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Post enqueues fn. It reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
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

// PostDelayed posts fn after d. The returned func cancels it if it has not fired.
func (l *Loop) PostDelayed(d time.Duration, fn func()) (cancel func()) {
	var t *time.Timer
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return func() {}
	}
	t = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.Post(fn)
	})
	l.timers[t] = struct{}{}
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		t.Stop()
	}
}

// Run drains the queue until ctx is done or Stop is called. Work still queued
// at that point is dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
			if l.isStopped() {
				return
			}
		}
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.wake:
			if l.isStopped() {
				return
			}
		}
	}
}

// Stop rejects further posts and cancels delayed work. Safe to call from
// inside a posted func.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.queue = nil
	for t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}
