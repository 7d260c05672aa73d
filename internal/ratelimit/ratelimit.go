// Package ratelimit provides the windowed bandwidth limiter used by the
// transfer engine.
//
// A Limiter never sleeps on its own. Callers record transferred bytes with
// AddBytes and ask Delay how long to pause before moving the next chunk.
// The server keeps one limiter per direction globally and one per direction
// for every session; a chunk waits for the longest delay of all of them.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Window is the length of one accounting window.
const Window = time.Second

// Limiter tracks the bytes moved during the current accounting window and
// derives the pause needed to stay under the configured maximum speed.
//
// The maximum speed lives in its own atomic word so administrative updates
// never contend with the per-chunk accounting.
type Limiter struct {
	maxSpeed atomic.Int64 // bytes per second, 0 = unlimited

	mu          sync.Mutex
	windowStart time.Time
	bytes       int64
	speed       float64

	now func() time.Time
}

// New creates a limiter capped at maxSpeed bytes per second.
// A maxSpeed of zero (or less) means unlimited; the limiter still accounts
// bytes so that Speed reports a meaningful value.
func New(maxSpeed int64) *Limiter {
	l := &Limiter{now: time.Now}
	l.SetMaxSpeed(maxSpeed)
	l.windowStart = l.now()
	return l
}

// SetMaxSpeed changes the cap. Safe to call while transfers are running.
func (l *Limiter) SetMaxSpeed(maxSpeed int64) {
	if l == nil {
		return
	}
	if maxSpeed < 0 {
		maxSpeed = 0
	}
	l.maxSpeed.Store(maxSpeed)
}

// MaxSpeed returns the current cap in bytes per second.
func (l *Limiter) MaxSpeed() int64 {
	if l == nil {
		return 0
	}
	return l.maxSpeed.Load()
}

// AddBytes records n bytes transferred now.
// The window restarts when more than Window has elapsed since it began.
func (l *Limiter) AddBytes(n int) {
	if l == nil || n <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) > Window {
		l.windowStart = now
		l.bytes = 0
	}
	l.bytes += int64(n)

	if elapsed := now.Sub(l.windowStart).Seconds(); elapsed > 0 {
		l.speed = float64(l.bytes) / elapsed
	}
}

// Delay returns how long the caller must wait before transferring more data.
// It is zero when the limiter is unlimited or the window is under its budget.
func (l *Limiter) Delay() time.Duration {
	if l == nil {
		return 0
	}
	maxSpeed := l.maxSpeed.Load()
	if maxSpeed <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := l.now().Sub(l.windowStart)
	// Time the window's bytes should have taken at maxSpeed.
	budget := time.Duration(float64(l.bytes) / float64(maxSpeed) * float64(time.Second))
	if budget <= elapsed {
		return 0
	}

	d := budget - elapsed
	if d > Window {
		d = Window
	}
	return d
}

// Speed returns the estimated throughput of the current window in bytes
// per second.
func (l *Limiter) Speed() float64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.now().Sub(l.windowStart) > Window {
		return 0
	}
	return l.speed
}

// Reset clears the window, e.g. when a new transfer starts on a session.
func (l *Limiter) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.windowStart = l.now()
	l.bytes = 0
	l.speed = 0
	l.mu.Unlock()
}

// Set is a group of limiters applied to the same chunks, typically the
// global and the per-session limiter of one direction.
// Nil entries are ignored.
type Set []*Limiter

// AddBytes records n bytes on every limiter of the set.
func (s Set) AddBytes(n int) {
	for _, l := range s {
		l.AddBytes(n)
	}
}

// Delay returns the longest delay of the set, so the most restrictive
// limiter wins.
func (s Set) Delay() time.Duration {
	var d time.Duration
	for _, l := range s {
		if ld := l.Delay(); ld > d {
			d = ld
		}
	}
	return d
}

// Wait sleeps for the set's current delay or until ctx is done.
func (s Set) Wait(ctx context.Context) error {
	d := s.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
