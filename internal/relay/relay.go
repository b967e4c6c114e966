// Package relay runs one transcoder process per destination and tracks its
// lifecycle: starting, connected, then error or ended.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/john/streamhub/internal/errs"
)

type State string

const (
	Starting  State = "starting"
	Connected State = "connected"
	Failed    State = "error"
	Ended     State = "ended"
)

// Terminal reports whether the relay process has exited.
func (s State) Terminal() bool { return s == Failed || s == Ended }

const (
	defaultStopGrace = 5 * time.Second
	tailLines        = 5
)

// Stats is the latest progress reported by the transcoder.
type Stats struct {
	Frame     int64     `json:"frame"`
	FPS       float64   `json:"fps"`
	Bitrate   string    `json:"bitrate,omitempty"`
	Speed     string    `json:"speed,omitempty"`
	Time      string    `json:"time,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

type Snapshot struct {
	ID        string     `json:"id"`
	Target    string     `json:"target"`
	State     State      `json:"status"`
	PID       int        `json:"pid,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Stats     Stats      `json:"stats"`
	Error     string     `json:"error,omitempty"`
}

type Config struct {
	ID       string
	Target   string
	Spec     Spec
	Launcher Launcher
	Logger   *slog.Logger
	// StopGrace is how long Stop waits after terminate before killing.
	StopGrace time.Duration
	// OnExit runs once, after the process exits.
	OnExit func(Snapshot)
}

type Relay struct {
	id        string
	target    string
	proc      Process
	logger    *slog.Logger
	stopGrace time.Duration
	onExit    func(Snapshot)
	done      chan struct{}

	mu        sync.RWMutex
	state     State
	stats     Stats
	errMsg    string
	startedAt time.Time
	endedAt   time.Time
	stopping  bool
	tail      []string
}

// Start launches the transcoder. A launch failure leaves nothing running.
func Start(ctx context.Context, cfg Config) (*Relay, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	r := &Relay{
		id:        cfg.ID,
		target:    cfg.Target,
		logger:    cfg.Logger.With("relay", cfg.ID, "target", cfg.Target),
		stopGrace: cfg.StopGrace,
		onExit:    cfg.OnExit,
		done:      make(chan struct{}),
		state:     Starting,
		startedAt: time.Now(),
	}

	proc, err := cfg.Launcher.Launch(ctx, cfg.Spec)
	if err != nil {
		return nil, errs.Connection(cfg.Target, "launch relay", err)
	}

	r.mu.Lock()
	r.proc = proc
	r.state = Connected
	r.mu.Unlock()
	r.logger.Info("Relay started", "pid", proc.Pid())

	go r.watch()
	return r, nil
}

func (r *Relay) ID() string     { return r.id }
func (r *Relay) Target() string { return r.target }

// Done is closed once the process has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Relay) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		ID:        r.id,
		Target:    r.target,
		State:     r.state,
		StartedAt: r.startedAt,
		Stats:     r.stats,
		Error:     r.errMsg,
	}
	if r.proc != nil {
		s.PID = r.proc.Pid()
	}
	if !r.endedAt.IsZero() {
		ended := r.endedAt
		s.EndedAt = &ended
	}
	return s
}

// Stop asks the process to terminate and returns without waiting. If the
// process outlives the grace period it is killed.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopping || r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	r.mu.Unlock()

	if err := r.proc.Terminate(); err != nil {
		r.logger.Warn("Terminate relay failed", "error", err)
	}
	go func() {
		select {
		case <-r.done:
		case <-time.After(r.stopGrace):
			r.logger.Warn("Relay ignored terminate, killing", "grace", r.stopGrace)
			if err := r.proc.Kill(); err != nil {
				r.logger.Warn("Kill relay failed", "error", err)
			}
		}
	}()
}

func (r *Relay) watch() {
	for line := range r.proc.Stderr() {
		if stats, ok := ParseProgress(line); ok {
			stats.UpdatedAt = time.Now()
			r.mu.Lock()
			r.stats = stats
			r.mu.Unlock()
			continue
		}
		r.logger.Debug("ffmpeg", "line", line)
		r.mu.Lock()
		r.tail = append(r.tail, line)
		if len(r.tail) > tailLines {
			r.tail = r.tail[len(r.tail)-tailLines:]
		}
		r.mu.Unlock()
	}

	waitErr := r.proc.Wait()

	r.mu.Lock()
	r.endedAt = time.Now()
	switch {
	case r.stopping:
		r.state = Ended
	case waitErr != nil:
		r.state = Failed
		r.errMsg = exitMessage(waitErr, r.tail)
	default:
		r.state = Ended
	}
	state, msg := r.state, r.errMsg
	r.mu.Unlock()

	if state == Failed {
		r.logger.Error("Relay exited", "error", msg)
	} else {
		r.logger.Info("Relay ended")
	}
	close(r.done)
	if r.onExit != nil {
		r.notifyExit()
	}
}

func (r *Relay) notifyExit() {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Relay exit hook panicked", "panic", p)
		}
	}()
	r.onExit(r.Snapshot())
}

func exitMessage(err error, tail []string) string {
	msg := err.Error()
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		msg = "exit code " + strconv.Itoa(coded.ExitCode())
	}
	if len(tail) > 0 {
		msg += ": " + tail[len(tail)-1]
	}
	return msg
}

var progressField = regexp.MustCompile(`(\w+)=\s*(\S+)`)

// ParseProgress extracts stats from an ffmpeg progress line such as
// "frame=  120 fps= 30 q=28.0 size=  1024kB time=00:00:04.00 bitrate=2097.2kbits/s speed=1.0x".
func ParseProgress(line string) (Stats, bool) {
	if !strings.Contains(line, "time=") || !strings.Contains(line, "bitrate=") {
		return Stats{}, false
	}
	var s Stats
	for _, m := range progressField.FindAllStringSubmatch(line, -1) {
		switch m[1] {
		case "frame":
			s.Frame, _ = strconv.ParseInt(m[2], 10, 64)
		case "fps":
			s.FPS, _ = strconv.ParseFloat(m[2], 64)
		case "bitrate":
			s.Bitrate = m[2]
		case "speed":
			s.Speed = m[2]
		case "time":
			s.Time = m[2]
		}
	}
	return s, true
}
