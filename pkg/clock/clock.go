package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall and monotonic time so lifecycle logic can be tested
// without sleeping.
type Clock interface {
	// Now returns the current wall time (UTC).
	Now() time.Time

	// Monotonic returns a reading that only moves forward, suitable for
	// TTL/expiry arithmetic inside a single process.
	Monotonic() time.Duration

	// Since returns the elapsed wall time since t.
	Since(t time.Time) time.Duration
}

// Real is the production clock.
type Real struct {
	start time.Time
}

// NewReal returns a Clock backed by the system clock.
func NewReal() *Real {
	return &Real{start: time.Now()}
}

func (r *Real) Now() time.Time { return time.Now().UTC() }

func (r *Real) Monotonic() time.Duration { return time.Since(r.start) }

func (r *Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu   sync.Mutex
	now  time.Time
	mono time.Duration
}

// NewFake returns a Fake clock pinned at now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Monotonic() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

func (f *Fake) Since(t time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.mono += d
}
