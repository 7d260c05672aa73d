package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(maxSpeed int64) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := &Limiter{now: clock.Now}
	l.SetMaxSpeed(maxSpeed)
	l.windowStart = clock.Now()
	return l, clock
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		maxSpeed int64
		want     int64
	}{
		{"Valid rate", 1024, 1024},
		{"Zero rate (unlimited)", 0, 0},
		{"Negative rate (unlimited)", -1, 0},
		{"High rate", 10 * 1024 * 1024, 10 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.maxSpeed)
			if l == nil {
				t.Fatal("Expected non-nil limiter")
			}
			if got := l.MaxSpeed(); got != tt.want {
				t.Errorf("MaxSpeed() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLimiter_NilSafe(t *testing.T) {
	var l *Limiter
	l.AddBytes(100)
	l.SetMaxSpeed(10)
	l.Reset()
	if d := l.Delay(); d != 0 {
		t.Errorf("nil limiter Delay() = %v, want 0", d)
	}
	if s := l.Speed(); s != 0 {
		t.Errorf("nil limiter Speed() = %v, want 0", s)
	}
}

func TestLimiter_UnlimitedNeverThrottles(t *testing.T) {
	l, clock := newTestLimiter(0)
	for i := 0; i < 1000; i++ {
		l.AddBytes(64 * 1024)
		if d := l.Delay(); d != 0 {
			t.Fatalf("unlimited limiter asked for a pause of %v", d)
		}
		clock.Advance(time.Millisecond)
	}
	if l.Speed() == 0 {
		t.Error("unlimited limiter should still estimate speed")
	}
}

func TestLimiter_DelayOverBudget(t *testing.T) {
	l, clock := newTestLimiter(1000)

	clock.Advance(100 * time.Millisecond)
	l.AddBytes(500)

	// 500 bytes at 1000 B/s should take 500ms; 100ms elapsed.
	if got, want := l.Delay(), 400*time.Millisecond; got != want {
		t.Errorf("Delay() = %v, want %v", got, want)
	}

	clock.Advance(400 * time.Millisecond)
	if got := l.Delay(); got != 0 {
		t.Errorf("Delay() after waiting = %v, want 0", got)
	}
}

func TestLimiter_DelayCappedAtWindow(t *testing.T) {
	l, _ := newTestLimiter(10)
	l.AddBytes(10_000)
	if got := l.Delay(); got != Window {
		t.Errorf("Delay() = %v, want cap %v", got, Window)
	}
}

func TestLimiter_WindowResetsOnlyAtBoundary(t *testing.T) {
	l, clock := newTestLimiter(1 << 20)

	l.AddBytes(100)
	clock.Advance(Window / 2)
	l.AddBytes(100)
	if l.bytes != 200 {
		t.Fatalf("bytes within window = %d, want 200", l.bytes)
	}

	clock.Advance(Window)
	l.AddBytes(50)
	if l.bytes != 50 {
		t.Errorf("bytes after window boundary = %d, want 50", l.bytes)
	}
}

func TestLimiter_SetMaxSpeedConcurrent(t *testing.T) {
	l := New(1024)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.SetMaxSpeed(int64(j * i))
				_ = l.Delay()
				l.AddBytes(1)
			}
		}(i)
	}
	wg.Wait()
}

// TestLimiter_Boundedness drives the limiter the way the transfer engine
// does: wait for Delay, then move one chunk. Over any simulated period the
// bytes accepted must not exceed maxSpeed*T by more than one chunk.
func TestLimiter_Boundedness(t *testing.T) {
	tests := []struct {
		name     string
		maxSpeed int64
		chunk    int
		period   time.Duration
	}{
		{"small chunks", 1000, 100, 5 * time.Second},
		{"chunk equals rate", 4096, 4096, 3 * time.Second},
		{"odd sizes", 7777, 1234, 10 * time.Second},
		{"sub-second period", 8192, 512, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, clock := newTestLimiter(tt.maxSpeed)
			start := clock.Now()
			var total int64

			for {
				if d := l.Delay(); d > 0 {
					clock.Advance(d)
				}
				elapsed := clock.Now().Sub(start)
				if elapsed > tt.period {
					break
				}
				l.AddBytes(tt.chunk)
				total += int64(tt.chunk)

				// One byte of slack absorbs nanosecond truncation of the delays.
				limit := float64(tt.maxSpeed)*elapsed.Seconds() + float64(tt.chunk) + 1
				if float64(total) > limit {
					t.Fatalf("after %v accepted %d bytes, limit %.0f", elapsed, total, limit)
				}
				// Small gap between chunks, as real I/O takes time.
				clock.Advance(time.Millisecond)
			}
		})
	}
}

func TestSet_MostRestrictiveWins(t *testing.T) {
	fast, clock := newTestLimiter(1 << 20)
	slow := &Limiter{now: clock.Now}
	slow.SetMaxSpeed(100)
	slow.windowStart = clock.Now()

	set := Set{fast, nil, slow}
	set.AddBytes(100)

	if fast.bytes != 100 || slow.bytes != 100 {
		t.Fatalf("AddBytes not applied to every limiter: fast=%d slow=%d", fast.bytes, slow.bytes)
	}
	if got, want := set.Delay(), slow.Delay(); got != want {
		t.Errorf("Set.Delay() = %v, want slowest %v", got, want)
	}
}

func TestSet_WaitCancelled(t *testing.T) {
	l := New(1)
	l.AddBytes(1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := (Set{l}).Wait(ctx); err == nil {
		t.Error("Wait() on cancelled context should fail")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Wait() ignored cancellation")
	}
}

func TestSet_WaitUnlimited(t *testing.T) {
	if err := (Set{New(0)}).Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v, want nil", err)
	}
}

func BenchmarkLimiter_AddBytesDelay(b *testing.B) {
	l := New(1 << 30)
	for i := 0; i < b.N; i++ {
		l.AddBytes(8 * 1024)
		_ = l.Delay()
	}
}

func TestLimiter_ResetStartsFreshWindow(t *testing.T) {
	l, clock := newTestLimiter(1000)

	clock.Advance(100 * time.Millisecond)
	l.AddBytes(1000)
	if l.Delay() == 0 || l.Speed() == 0 {
		t.Fatalf("over budget before Reset: delay %v, speed %v", l.Delay(), l.Speed())
	}

	l.Reset()
	if d := l.Delay(); d != 0 {
		t.Errorf("Delay() after Reset = %v, want 0", d)
	}
	if s := l.Speed(); s != 0 {
		t.Errorf("Speed() after Reset = %v, want 0", s)
	}

	clock.Advance(500 * time.Millisecond)
	l.AddBytes(250)
	if s := l.Speed(); s != 500 {
		t.Errorf("Speed() in the new window = %v, want 500", s)
	}
}
