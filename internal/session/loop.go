package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Loop serialises every event of a node: signaling messages, peer data,
// timer callbacks and local commands all run one at a time on Run's
// goroutine. Post never blocks, so callbacks may post from anywhere,
// including from the loop itself.
type Loop struct {
	clock clock.Clock

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func NewLoop(c clock.Clock) *Loop {
	if c == nil {
		c = clock.New()
	}
	return &Loop{clock: c, wake: make(chan struct{}, 1)}
}

func (l *Loop) Clock() clock.Clock { return l.clock }

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Schedule runs fn on the loop after d. The returned cancel must be
// called from the loop; once it returns fn will not run.
func (l *Loop) Schedule(d time.Duration, fn func()) (cancel func()) {
	var stopped atomic.Bool
	t := l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if !stopped.Load() {
				fn()
			}
		})
	})
	return func() {
		stopped.Store(true)
		t.Stop()
	}
}

// Drain runs everything queued so far and reports how many ran.
func (l *Loop) Drain() int {
	n := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
		n++
	}
}

// Run processes events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}
