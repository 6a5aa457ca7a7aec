// Package channel adapts the two update sources of a tracked view, periodic
// polling and a push subscription, behind one Channel interface.
package channel

import (
	"context"
	"errors"
	"sync"

	"settletrack/tracking"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("channel: already started")
	// ErrStopped is returned when Start is called after Stop.
	ErrStopped = errors.New("channel: stopped")
)

// UpdateFunc receives one partial update from a channel.
type UpdateFunc func(update tracking.Update)

// ErrorFunc receives a non-fatal channel failure.
type ErrorFunc func(err error)

// Channel is one source of updates for a tracked identifier. Callbacks run on
// the channel's goroutine and must not call Stop. No callback runs after Stop
// returns.
type Channel interface {
	Start(ctx context.Context, onUpdate UpdateFunc, onError ErrorFunc) error
	Stop()
	Source() tracking.Source
}

// loop owns the goroutine behind a channel and makes Stop idempotent and
// synchronous.
type loop struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

func (l *loop) start(parent context.Context, run func(ctx context.Context)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if l.started {
		return ErrAlreadyStarted
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = true
	done := l.done
	go func() {
		defer close(done)
		run(ctx)
	}()
	return nil
}

func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func nopUpdate(tracking.Update) {}

func nopError(error) {}
