package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/john/streamhub/internal/backoff"
	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/metrics"
)

// BackoffConfig is the reconnect policy applied to every adapter.
type BackoffConfig struct {
	Base        time.Duration
	MaxAttempts int
	// ConnectTimeout bounds one initialize+connect attempt.
	ConnectTimeout time.Duration
	// AfterFunc replaces time.AfterFunc in tests.
	AfterFunc backoff.AfterFunc
}

type entry struct {
	adapter    Adapter
	supervisor *backoff.Supervisor
}

// Registry owns every adapter by name together with its reconnect state.
// Adapters are created once and re-initialized in place on reconnect.
type Registry struct {
	cfg     BackoffConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	closed  bool
}

func NewRegistry(cfg BackoffConfig, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("register adapter %q: already registered", name)
	}

	core := a.core()
	log := r.logger.With("platform", name)
	sup := backoff.New(backoff.Config{
		Base:        r.cfg.Base,
		MaxAttempts: r.cfg.MaxAttempts,
		Retryable:   errs.IsRetryable,
		AfterFunc:   r.cfg.AfterFunc,
		Logger:      log,
		Hooks: backoff.Hooks{
			Scheduled: func(attempt int, _ time.Duration) { core.markBackoff(attempt) },
			Attempt:   func(int) { core.markRetrying() },
			Failed: func(int, error) {
				r.metrics.Reconnect(name, "failed")
			},
			Recovered: func(int) {
				r.metrics.Reconnect(name, "ok")
				core.markRecovered()
			},
			Degraded: func(_ int, err error) { core.markDegraded(err) },
		},
	}, func(ctx context.Context) error {
		return r.connect(ctx, a)
	})
	core.setLostHook(func(error) { sup.Trigger() })

	r.entries[name] = &entry{adapter: a, supervisor: sup}
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// All returns adapters in registration order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].adapter)
	}
	return out
}

// Streamable returns enabled streamable adapters in registration order.
func (r *Registry) Streamable() []Adapter {
	var out []Adapter
	for _, a := range r.All() {
		if a.Capabilities().Streamable && a.Settings().Enabled {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) Statuses() []Status {
	adapters := r.All()
	out := make([]Status, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Status())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start connects every enabled chattable adapter concurrently. Adapters
// without credentials are disabled; transient failures hand over to backoff.
// Start never fails as a whole.
func (r *Registry) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range r.All() {
		if !a.Capabilities().Chattable || !a.Settings().Enabled {
			continue
		}
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			r.startOne(ctx, a)
		}(a)
	}
	wg.Wait()
}

func (r *Registry) startOne(ctx context.Context, a Adapter) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Adapter panicked during start", "platform", a.Name(), "panic", p)
			a.core().fail(errs.Protocol(a.Name(), "start", fmt.Errorf("panic: %v", p)))
		}
	}()
	if !a.HasRequiredCredentials() {
		r.logger.Warn("Chat disabled: missing credentials", "platform", a.Name())
		a.core().markDisabled(true)
		return
	}
	if err := r.connect(ctx, a); err != nil {
		r.handleConnectError(a, err)
	}
}

func (r *Registry) handleConnectError(a Adapter, err error) {
	if !errs.IsRetryable(err) {
		r.logger.Error("Chat disabled", "platform", a.Name(), "error", err)
		a.core().markDisabled(true)
		return
	}
	if e := r.entry(a.Name()); e != nil {
		e.supervisor.Trigger()
	}
}

// connect runs one initialize+connect attempt on the same adapter instance.
func (r *Registry) connect(ctx context.Context, a Adapter) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	if err := a.Initialize(ctx); err != nil {
		return err
	}
	return a.ConnectChat(ctx)
}

// Reconnect cancels pending backoff and reconnects now. On transient
// failure the backoff cycle starts again.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	e := r.entry(name)
	if e == nil {
		return fmt.Errorf("reconnect %q: %w", name, errs.ErrNotFound)
	}
	a := e.adapter
	if !a.Capabilities().Chattable {
		return errs.Configuration(name, "reconnect", errs.ErrNotChattable)
	}
	if e.supervisor.Degraded() {
		return errs.Configuration(name, "reconnect", errs.ErrDegraded)
	}
	e.supervisor.Cancel()
	_ = a.DisconnectChat(ctx)
	if err := r.connect(ctx, a); err != nil {
		r.handleConnectError(a, err)
		return err
	}
	e.supervisor.Reset()
	a.core().markRecovered()
	return nil
}

// Enable re-arms an adapter that was degraded or disabled and reconnects it.
func (r *Registry) Enable(ctx context.Context, name string) error {
	e := r.entry(name)
	if e == nil {
		return fmt.Errorf("enable %q: %w", name, errs.ErrNotFound)
	}
	e.supervisor.Enable()
	e.adapter.core().markDisabled(false)
	if !e.adapter.Capabilities().Chattable {
		return nil
	}
	return r.Reconnect(ctx, name)
}

// Close cancels every backoff timer, disconnects chat and rejects queued
// outbound items. Safe to call more than once.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, r.entries[name])
	}
	r.mu.Unlock()

	var closeErr error
	for _, e := range entries {
		e.supervisor.Close()
		if err := e.adapter.DisconnectChat(ctx); err != nil {
			closeErr = errors.Join(closeErr, err)
		}
		e.adapter.Close()
	}
	return closeErr
}

func (r *Registry) entry(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}
