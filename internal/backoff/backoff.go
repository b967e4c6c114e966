// Package backoff drives reconnection of a single adapter.
//
// A Supervisor holds the cancellable timer state for one adapter: at most one
// reconnect is pending at any time, delays grow as base*2^(attempt-1), and
// after MaxAttempts consecutive failures the adapter is marked degraded and
// nothing more is scheduled until Enable is called.
package backoff

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBase        = time.Second
	DefaultMaxAttempts = 5
	// maxDelay caps the computed delay so large attempt counts cannot overflow.
	maxDelay = 10 * time.Minute
)

// Stopper is the part of *time.Timer the supervisor needs.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a fake clock.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// ReconnectFunc performs one reconnect attempt.
type ReconnectFunc func(ctx context.Context) error

// Hooks observe supervisor decisions. All fields are optional.
type Hooks struct {
	// Scheduled fires when a retry is armed.
	Scheduled func(attempt int, delay time.Duration)
	// Attempt fires right before a retry runs.
	Attempt func(attempt int)
	// Failed fires after an attempt returns an error.
	Failed func(attempt int, err error)
	// Recovered fires after an attempt succeeds.
	Recovered func(attempt int)
	// Degraded fires once MaxAttempts is exhausted.
	Degraded func(attempts int, err error)
}

type Config struct {
	Base        time.Duration
	MaxAttempts int
	// Retryable decides whether an error may be retried. Non-retryable
	// errors degrade the adapter immediately. Nil retries everything.
	Retryable func(error) bool
	AfterFunc AfterFunc
	Hooks     Hooks
	Logger    *slog.Logger
}

type Supervisor struct {
	cfg       Config
	reconnect ReconnectFunc

	mu       sync.Mutex
	attempt  int
	timer    Stopper
	gen      uint64
	degraded bool
	closed   bool
	running  bool
}

func New(cfg Config, reconnect ReconnectFunc) *Supervisor {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, reconnect: reconnect}
}

// Delay returns the wait before the given 1-based attempt.
func (s *Supervisor) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Trigger reports a disconnect and arms the next retry. It is a no-op while
// a retry is already pending or running, when degraded, or after Close.
func (s *Supervisor) Trigger() {
	s.mu.Lock()
	if s.timer != nil || s.running {
		s.mu.Unlock()
		return
	}
	attempt, delay, ok := s.scheduleLocked()
	s.mu.Unlock()
	if ok {
		s.scheduled(attempt, delay)
	}
}

func (s *Supervisor) scheduleLocked() (int, time.Duration, bool) {
	if s.degraded || s.closed {
		return 0, 0, false
	}
	s.attempt++
	attempt := s.attempt
	delay := s.Delay(attempt)
	s.gen++
	gen := s.gen
	s.timer = s.cfg.AfterFunc(delay, func() { s.fire(gen, attempt) })
	return attempt, delay, true
}

func (s *Supervisor) scheduled(attempt int, delay time.Duration) {
	s.cfg.Logger.Info("Reconnect scheduled", "attempt", attempt, "max_attempts", s.cfg.MaxAttempts, "delay", delay)
	if h := s.cfg.Hooks.Scheduled; h != nil {
		h(attempt, delay)
	}
}

func (s *Supervisor) fire(gen uint64, attempt int) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.running = true
	s.mu.Unlock()

	if h := s.cfg.Hooks.Attempt; h != nil {
		h(attempt)
	}
	err := s.reconnect(context.Background())

	s.mu.Lock()
	s.running = false
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.attempt = 0
		s.mu.Unlock()
		s.cfg.Logger.Info("Reconnected", "attempt", attempt)
		if h := s.cfg.Hooks.Recovered; h != nil {
			h(attempt)
		}
		return
	}

	retryable := s.cfg.Retryable == nil || s.cfg.Retryable(err)
	if !retryable || attempt >= s.cfg.MaxAttempts {
		s.degraded = true
		s.mu.Unlock()
		if h := s.cfg.Hooks.Failed; h != nil {
			h(attempt, err)
		}
		s.cfg.Logger.Error("Reconnect attempts exhausted, adapter degraded", "attempts", attempt, "error", err)
		if h := s.cfg.Hooks.Degraded; h != nil {
			h(attempt, err)
		}
		return
	}
	next, delay, ok := s.scheduleLocked()
	s.mu.Unlock()

	if h := s.cfg.Hooks.Failed; h != nil {
		h(attempt, err)
	}
	s.cfg.Logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
	if ok {
		s.scheduled(next, delay)
	}
}

// Reset clears the attempt counter and cancels a pending retry, e.g. after
// a manual reconnect succeeded.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.attempt = 0
}

// Cancel drops a pending retry without touching the attempt counter.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Supervisor) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	// Invalidate any timer callback already in flight.
	s.gen++
}

// Enable clears the degraded state so Trigger may schedule again.
func (s *Supervisor) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.degraded = false
	s.attempt = 0
}

// Close cancels any pending retry permanently.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.closed = true
}

func (s *Supervisor) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}
