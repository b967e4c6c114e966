package stream

import (
	"sync"
	"time"

	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/relay"
)

type Status string

const (
	Starting Status = "starting"
	Active   Status = "active"
	Degraded Status = "degraded"
	Stopped  Status = "stopped"
)

const defaultErrorLogSize = 10

// ErrorEntry is one line of a session's bounded error log.
type ErrorEntry struct {
	Time   time.Time `json:"time"`
	Target string    `json:"target"`
	Phase  string    `json:"phase"`
	Error  string    `json:"error"`
}

// Snapshot is the status view of a session.
type Snapshot struct {
	StreamID     string           `json:"stream_id"`
	Input        string           `json:"input"`
	StartTime    time.Time        `json:"start_time"`
	Status       Status           `json:"status"`
	Targets      int              `json:"targets"`
	ActiveRelays int              `json:"active_relays"`
	Relays       []relay.Snapshot `json:"relays"`
	Errors       []ErrorEntry     `json:"errors"`
}

type member struct {
	adapter platform.Adapter
	relay   *relay.Relay
}

type session struct {
	id        string
	input     string
	startTime time.Time
	targets   int

	mu      sync.RWMutex
	status  Status
	members []member
	errLog  []ErrorEntry
	logCap  int
}

func newSession(id, input string, logCap int) *session {
	return &session{
		id:        id,
		input:     input,
		startTime: time.Now().UTC(),
		status:    Starting,
		logCap:    logCap,
	}
}

// recordError appends to the error log, evicting the oldest entries.
func (s *session) recordError(target, phase string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErrorLocked(ErrorEntry{Time: time.Now().UTC(), Target: target, Phase: phase, Error: err.Error()})
}

func (s *session) recordErrorLocked(e ErrorEntry) {
	s.errLog = append(s.errLog, e)
	if over := len(s.errLog) - s.logCap; over > 0 {
		s.errLog = append(s.errLog[:0:0], s.errLog[over:]...)
	}
}

// connected counts relays in the connected state.
func (s *session) connected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedLocked()
}

func (s *session) connectedLocked() int {
	n := 0
	for _, m := range s.members {
		if m.relay.State() == relay.Connected {
			n++
		}
	}
	return n
}

// refresh recomputes active/degraded from relay states. It returns the
// number of connected relays.
func (s *session) refresh() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.connectedLocked()
	if s.status == Stopped || s.status == Starting {
		return n
	}
	if n == len(s.members) {
		s.status = Active
	} else {
		s.status = Degraded
	}
	return n
}

func (s *session) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		StreamID:  s.id,
		Input:     s.input,
		StartTime: s.startTime,
		Status:    s.status,
		Targets:   s.targets,
		Relays:    make([]relay.Snapshot, 0, len(s.members)),
		Errors:    append([]ErrorEntry(nil), s.errLog...),
	}
	for _, m := range s.members {
		rs := m.relay.Snapshot()
		if rs.State == relay.Connected {
			snap.ActiveRelays++
		}
		snap.Relays = append(snap.Relays, rs)
	}
	return snap
}
