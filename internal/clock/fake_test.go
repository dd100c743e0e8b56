package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	assert.Equal(t, start, c.Now())
	c.Advance(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}

func TestFakeClock_Ticker(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)

	c.Advance(500 * time.Millisecond)
	select {
	case <-tk.C:
		t.Fatal("ticker fired early")
	default:
	}

	c.Advance(600 * time.Millisecond)
	select {
	case <-tk.C:
	default:
		t.Fatal("ticker did not fire")
	}

	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	<-tk.C
}
