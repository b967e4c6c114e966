package backoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock records scheduled callbacks so tests fire them explicitly.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.delays = append(c.delays, d)
	c.timers = append(c.timers, t)
	return t
}

// fireLast runs the most recently scheduled callback.
func (c *fakeClock) fireLast(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	require.NotEmpty(t, c.timers)
	timer := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	require.False(t, timer.stopped, "timer was cancelled")
	timer.f()
}

func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func TestDelayDoublesFromBase(t *testing.T) {
	s := New(Config{Base: time.Second}, nil)
	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 2*time.Second, s.Delay(2))
	assert.Equal(t, 4*time.Second, s.Delay(3))
	assert.Equal(t, 8*time.Second, s.Delay(4))
	assert.Equal(t, maxDelay, s.Delay(64))
}

func TestSupervisorBacksOffUntilDegraded(t *testing.T) {
	clock := &fakeClock{}
	var degradedAfter int
	attempts := 0
	s := New(Config{
		Base:        time.Second,
		MaxAttempts: 5,
		AfterFunc:   clock.AfterFunc,
		Hooks: Hooks{
			Degraded: func(n int, _ error) { degradedAfter = n },
		},
	}, func(context.Context) error {
		attempts++
		return errors.New("connection refused")
	})

	s.Trigger()
	for i := 0; i < 5; i++ {
		clock.fireLast(t)
	}

	assert.Equal(t, 5, attempts)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, clock.scheduled())
	assert.True(t, s.Degraded())
	assert.Equal(t, 5, degradedAfter)
	assert.False(t, s.Pending())

	// Degraded adapters stay put until explicitly re-enabled.
	s.Trigger()
	assert.Len(t, clock.scheduled(), 5)

	s.Enable()
	assert.False(t, s.Degraded())
	s.Trigger()
	assert.Equal(t, time.Second, clock.scheduled()[5])
}

func TestSupervisorResetsAfterSuccess(t *testing.T) {
	clock := &fakeClock{}
	fail := true
	recovered := false
	s := New(Config{
		Base:      10 * time.Millisecond,
		AfterFunc: clock.AfterFunc,
		Hooks:     Hooks{Recovered: func(int) { recovered = true }},
	}, func(context.Context) error {
		if fail {
			return errors.New("timeout")
		}
		return nil
	})

	s.Trigger()
	clock.fireLast(t)
	assert.Equal(t, 2, s.Attempt())

	fail = false
	clock.fireLast(t)
	assert.True(t, recovered)
	assert.Equal(t, 0, s.Attempt())
	assert.False(t, s.Pending())
}

func TestSupervisorNonRetryableDegradesImmediately(t *testing.T) {
	clock := &fakeClock{}
	s := New(Config{
		AfterFunc: clock.AfterFunc,
		Retryable: func(error) bool { return false },
	}, func(context.Context) error { return errors.New("bad token") })

	s.Trigger()
	clock.fireLast(t)
	assert.True(t, s.Degraded())
	assert.Len(t, clock.scheduled(), 1)
}

func TestSupervisorCancelAndClose(t *testing.T) {
	clock := &fakeClock{}
	calls := 0
	s := New(Config{AfterFunc: clock.AfterFunc}, func(context.Context) error {
		calls++
		return nil
	})

	s.Trigger()
	s.Trigger()
	assert.Len(t, clock.scheduled(), 1, "only one retry may be pending")

	s.Cancel()
	assert.False(t, s.Pending())
	clock.timers[0].f()
	assert.Equal(t, 0, calls, "cancelled timer must not reconnect")

	s.Close()
	s.Trigger()
	assert.Len(t, clock.scheduled(), 1)
}

func TestSupervisorRealTimer(t *testing.T) {
	done := make(chan struct{})
	s := New(Config{Base: 5 * time.Millisecond}, func(context.Context) error {
		close(done)
		return nil
	})
	t.Cleanup(s.Close)

	s.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconnect never ran")
	}
}
