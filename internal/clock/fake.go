package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time advances only when Advance or
// Set is called; tickers fire synchronously during the advance.
//
// FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch       chan time.Time
	next     time.Time
	interval time.Duration
	stopped  bool
}

// Fake returns a FakeClock initialized to the given time.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker registers a ticker that fires whenever the clock is advanced
// past its next deadline.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTicker{
		ch:       make(chan time.Time, 1),
		next:     c.current.Add(d),
		interval: d,
	}
	c.tickers = append(c.tickers, ft)
	return &Ticker{
		C: ft.ch,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ft.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires due tickers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(c.current.Add(d))
}

// Set moves the clock to t. Moving backwards does not fire tickers.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(t)
}

func (c *FakeClock) setLocked(t time.Time) {
	c.current = t

	live := c.tickers[:0]
	for _, ft := range c.tickers {
		if ft.stopped {
			continue
		}
		if !ft.next.After(t) {
			select {
			case ft.ch <- t:
			default:
			}
			for !ft.next.After(t) {
				ft.next = ft.next.Add(ft.interval)
			}
		}
		live = append(live, ft)
	}
	c.tickers = live
}
