// Package stream fans one inbound media source out to every enabled
// streaming destination, one relay process per destination.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/event"
	"github.com/john/streamhub/internal/metrics"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/relay"
)

const DefaultHealthInterval = 30 * time.Second

var errShutDown = errors.New("supervisor is shut down")

// Targets supplies the enabled streamable adapters. platform.Registry
// implements it.
type Targets interface {
	Streamable() []platform.Adapter
}

type Config struct {
	Launcher relay.Launcher
	// Spec holds codec defaults; input and output are filled per relay.
	Spec           relay.Spec
	HealthInterval time.Duration
	ErrorLogSize   int
	StopGrace      time.Duration
	Logger         *slog.Logger
	Emitter        event.Emitter
	Metrics        *metrics.Metrics
}

// StartOptions narrows or tunes a single session.
type StartOptions struct {
	// Targets limits the session to these adapter names. Empty means all.
	Targets []string
	// Spec overrides codec settings for every relay in the session.
	Spec relay.Spec
}

type Supervisor struct {
	cfg     Config
	targets Targets
	logger  *slog.Logger
	emitter event.Emitter
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	relays sync.WaitGroup
}

func New(targets Targets, cfg Config) *Supervisor {
	if cfg.Launcher == nil {
		cfg.Launcher = relay.FFmpeg{}
	}
	cfg.Spec = cfg.Spec.Merge(relay.DefaultSpec())
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.ErrorLogSize <= 0 {
		cfg.ErrorLogSize = defaultErrorLogSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = event.Discard
	}
	return &Supervisor{
		cfg:      cfg,
		targets:  targets,
		logger:   cfg.Logger,
		emitter:  cfg.Emitter,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*session),
	}
}

// StartSession starts one relay per enabled target. Individual target
// failures are recorded in the session error log; the call fails only when
// no relay starts, and then leaves no session behind.
func (s *Supervisor) StartSession(ctx context.Context, streamID, input string, opts StartOptions) (Snapshot, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" || strings.TrimSpace(input) == "" {
		return Snapshot{}, errs.Configuration("", "start session", errors.New("stream id and input are required"))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("start session %q: %w", streamID, errShutDown)
	}
	if _, exists := s.sessions[streamID]; exists {
		s.mu.Unlock()
		return Snapshot{}, fmt.Errorf("start session %q: %w", streamID, errs.ErrDuplicateSession)
	}
	sess := newSession(streamID, input, s.cfg.ErrorLogSize)
	s.sessions[streamID] = sess
	s.mu.Unlock()

	log := s.logger.With("stream", streamID)
	adapters := selectTargets(s.targets.Streamable(), opts.Targets)
	if len(adapters) == 0 {
		s.remove(sess)
		return Snapshot{}, fmt.Errorf("start session %q: %w", streamID, errs.ErrNoTargetsConfigured)
	}

	type result struct {
		member member
		phase  string
		err    error
	}
	results := make([]result, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a platform.Adapter) {
			defer wg.Done()
			m, phase, err := s.launch(ctx, sess, a, opts.Spec)
			results[i] = result{member: m, phase: phase, err: err}
		}(i, a)
	}
	wg.Wait()

	var members []member
	var failures error
	for i, r := range results {
		if r.err != nil {
			name := adapters[i].Name()
			log.Warn("Relay failed to start", "target", name, "phase", r.phase, "error", r.err)
			sess.recordError(name, r.phase, r.err)
			s.metrics.RelayFailed(name, r.phase)
			failures = errors.Join(failures, r.err)
			continue
		}
		members = append(members, r.member)
	}

	if len(members) == 0 {
		s.remove(sess)
		ev := event.New(event.Error, "stream")
		ev.StreamID = streamID
		ev.Error = failures.Error()
		s.emitter.Emit(ev)
		return Snapshot{}, fmt.Errorf("start session %q: %w: %w", streamID, errs.ErrNoRelaysStarted, failures)
	}

	sess.mu.Lock()
	sess.targets = len(adapters)
	sess.members = members
	stoppedEarly := sess.status == Stopped
	if !stoppedEarly {
		sess.status = Active
	}
	sess.mu.Unlock()

	if stoppedEarly {
		// StopSession ran while relays were launching.
		for _, m := range members {
			m.relay.Stop()
		}
		return sess.snapshot(), fmt.Errorf("start session %q: stopped during start", streamID)
	}

	for _, m := range members {
		if _, err := m.adapter.StartStream(ctx); err != nil {
			log.Warn("Adapter refused stream start", "target", m.adapter.Name(), "error", err)
		}
	}
	sess.refresh()
	s.updateMetrics()

	snap := sess.snapshot()
	log.Info("Session started", "input", input, "active", snap.ActiveRelays, "targets", snap.Targets)
	ev := event.New(event.SessionStarted, "stream")
	ev.StreamID = streamID
	ev.Status = string(snap.Status)
	s.emitter.Emit(ev)

	s.stopIfAllDown(sess)
	return snap, nil
}

func (s *Supervisor) launch(ctx context.Context, sess *session, a platform.Adapter, override relay.Spec) (member, string, error) {
	target, err := a.StreamTarget()
	if err != nil {
		return member{}, "target", err
	}
	defaults := s.cfg.Spec
	if target.VideoBitrate != "" {
		defaults.VideoBitrate = target.VideoBitrate
		defaults.MaxRate = target.VideoBitrate
	}
	if target.AudioBitrate != "" {
		defaults.AudioBitrate = target.AudioBitrate
	}
	spec := override.Merge(defaults)
	spec.Input = sess.input
	spec.Output = target.OutputURL

	if !s.track() {
		return member{}, "launch", errShutDown
	}
	r, err := relay.Start(ctx, relay.Config{
		ID:        uuid.NewString(),
		Target:    a.Name(),
		Spec:      spec,
		Launcher:  s.cfg.Launcher,
		Logger:    s.logger.With("stream", sess.id),
		StopGrace: s.cfg.StopGrace,
		OnExit: func(snap relay.Snapshot) {
			defer s.relays.Done()
			s.relayExited(sess, a, snap)
		},
	})
	if err != nil {
		s.relays.Done()
		return member{}, "launch", err
	}
	return member{adapter: a, relay: r}, "", nil
}

// track reserves a slot in the relay wait group unless Shutdown has begun.
func (s *Supervisor) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.relays.Add(1)
	return true
}

func (s *Supervisor) relayExited(sess *session, a platform.Adapter, snap relay.Snapshot) {
	if _, err := a.StopStream(context.Background()); err != nil {
		s.logger.Warn("Adapter stop stream failed", "target", a.Name(), "error", err)
	}
	if snap.State == relay.Failed {
		sess.recordError(a.Name(), "relay", errors.New(snap.Error))
		s.metrics.RelayFailed(a.Name(), "exit")
	}
	ev := event.New(event.RelayStatus, a.Name())
	ev.StreamID = sess.id
	ev.Status = string(snap.State)
	ev.Error = snap.Error
	s.emitter.Emit(ev)

	sess.refresh()
	s.updateMetrics()
	s.stopIfAllDown(sess)
}

// stopIfAllDown stops a running session once every relay has exited.
func (s *Supervisor) stopIfAllDown(sess *session) {
	sess.mu.RLock()
	running := sess.status == Active || sess.status == Degraded
	down := len(sess.members) > 0
	for _, m := range sess.members {
		if !m.relay.State().Terminal() {
			down = false
			break
		}
	}
	sess.mu.RUnlock()
	if running && down {
		s.autoStop(sess, "all relays ended")
	}
}

// StopSession signals every relay of the session and returns without
// waiting for the processes to exit.
func (s *Supervisor) StopSession(ctx context.Context, streamID string) (Snapshot, error) {
	s.mu.Lock()
	sess, ok := s.sessions[streamID]
	if ok {
		delete(s.sessions, streamID)
	}
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("stop session %q: %w", streamID, errs.ErrNotFound)
	}
	return s.stop(ctx, sess, "stopped"), nil
}

func (s *Supervisor) autoStop(sess *session, reason string) {
	if !s.remove(sess) {
		return
	}
	s.logger.Warn("Auto-stopping session", "stream", sess.id, "reason", reason)
	s.stop(context.Background(), sess, reason)
}

func (s *Supervisor) stop(ctx context.Context, sess *session, reason string) Snapshot {
	sess.mu.Lock()
	if sess.status == Stopped {
		sess.mu.Unlock()
		return sess.snapshot()
	}
	sess.status = Stopped
	members := append([]member(nil), sess.members...)
	sess.mu.Unlock()

	for _, m := range members {
		m.relay.Stop()
		if _, err := m.adapter.StopStream(ctx); err != nil {
			s.logger.Warn("Adapter stop stream failed", "target", m.adapter.Name(), "error", err)
		}
	}
	s.updateMetrics()

	s.logger.Info("Session stopped", "stream", sess.id, "reason", reason)
	ev := event.New(event.SessionStopped, "stream")
	ev.StreamID = sess.id
	ev.Status = reason
	s.emitter.Emit(ev)
	return sess.snapshot()
}

func (s *Supervisor) Status(streamID string) (Snapshot, error) {
	s.mu.Lock()
	sess, ok := s.sessions[streamID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("session %q: %w", streamID, errs.ErrNotFound)
	}
	return sess.snapshot(), nil
}

// List returns all sessions, oldest first.
func (s *Supervisor) List() []Snapshot {
	out := make([]Snapshot, 0)
	for _, sess := range s.all() {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StreamID < out[j].StreamID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// HealthCheck stops every running session without a connected relay and
// returns the ids it stopped. Failed relays are not restarted.
//
// Relay exits normally stop their session right away; this catches sessions
// whose exit handling was cut short, such as by a panicking adapter.
func (s *Supervisor) HealthCheck() []string {
	var stopped []string
	for _, sess := range s.all() {
		sess.mu.RLock()
		running := sess.status == Active || sess.status == Degraded
		sess.mu.RUnlock()
		if !running {
			continue
		}
		if sess.refresh() == 0 {
			s.autoStop(sess, "no connected relays")
			stopped = append(stopped, sess.id)
		}
	}
	s.updateMetrics()
	return stopped
}

// Run performs health checks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := s.HealthCheck(); len(ids) > 0 {
				s.logger.Info("Health check stopped sessions", "streams", ids)
			}
		}
	}
}

// Shutdown stops every session and waits for relay processes to exit or
// ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.stop(ctx, sess, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for relays: %w", ctx.Err())
	}
}

func (s *Supervisor) all() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// remove deletes sess if it is still the registered session for its id.
func (s *Supervisor) remove(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.id] != sess {
		return false
	}
	delete(s.sessions, sess.id)
	return true
}

func (s *Supervisor) updateMetrics() {
	if s.metrics == nil {
		return
	}
	sessions := s.all()
	relays := 0
	for _, sess := range sessions {
		relays += sess.connected()
	}
	s.metrics.SetSessions(len(sessions), relays)
}

func selectTargets(all []platform.Adapter, names []string) []platform.Adapter {
	if len(names) == 0 {
		return all
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(strings.TrimSpace(n))] = true
	}
	var out []platform.Adapter
	for _, a := range all {
		if want[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}
