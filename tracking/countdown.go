package tracking

import (
	"sync"
	"time"
)

// Clock abstracts time so countdowns can be driven by tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Countdown projects a locally ticking estimate between authoritative eta
// updates. It is safe for concurrent use.
type Countdown struct {
	clock Clock

	mu         sync.Mutex
	status     Status
	eta        *int
	anchor     time.Time
	suppressed bool
}

// NewCountdown constructs a countdown driven by clock. A nil clock uses the
// wall clock.
func NewCountdown(clock Clock) *Countdown {
	if clock == nil {
		clock = SystemClock()
	}
	return &Countdown{clock: clock}
}

// Observe feeds the latest authoritative eta reported for status. The local
// counter resets when the status or the eta value differs from the last
// authoritative pair, so a repeated snapshot keeps counting down. Once
// terminal the counter is suppressed.
func (c *Countdown) Observe(status Status, eta *int, terminal bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if terminal {
		c.suppressed = true
		c.eta = nil
		return
	}
	c.suppressed = false
	if eta == nil || *eta < 0 {
		return
	}
	status = status.Normalize()
	if c.eta != nil && *c.eta == *eta && c.status == status {
		return
	}
	value := *eta
	c.eta = &value
	c.status = status
	c.anchor = c.clock.Now()
}

// Remaining returns the projected seconds left, or nil when unknown or
// suppressed. The value stays within [0, last authoritative eta].
func (c *Countdown) Remaining() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suppressed || c.eta == nil {
		return nil
	}
	left := project(*c.eta, c.anchor, c.clock.Now())
	return &left
}

// Project returns the remaining seconds for eta observed at anchor.
func Project(eta *int, anchor time.Time, clock Clock) *int {
	if eta == nil || *eta < 0 {
		return nil
	}
	if clock == nil {
		clock = SystemClock()
	}
	left := project(*eta, anchor, clock.Now())
	return &left
}

func project(eta int, anchor, now time.Time) int {
	elapsed := now.Sub(anchor)
	if elapsed < 0 {
		elapsed = 0
	}
	left := eta - int(elapsed/time.Second)
	if left < 0 {
		return 0
	}
	return left
}
