// Package relaytest provides an in-memory transcoder launcher.
package relaytest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/john/streamhub/internal/relay"
)

// Launcher records launches and fails any spec whose output contains one
// of the configured substrings.
type Launcher struct {
	mu        sync.Mutex
	failOn    []string
	processes []*Process
	specs     []relay.Spec
	nextPID   int
}

func (l *Launcher) FailOutput(substr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failOn = append(l.failOn, substr)
}

func (l *Launcher) Launch(_ context.Context, spec relay.Spec) (relay.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	for _, s := range l.failOn {
		if strings.Contains(spec.Output, s) {
			return nil, errors.New("exec: ffmpeg: connection refused")
		}
	}
	l.nextPID++
	p := NewProcess(1000 + l.nextPID)
	p.Output = spec.Output
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.processes...)
}

func (l *Launcher) Specs() []relay.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]relay.Spec(nil), l.specs...)
}

// Running counts processes that have not exited.
func (l *Launcher) Running() int {
	n := 0
	for _, p := range l.Processes() {
		if !p.Exited() {
			n++
		}
	}
	return n
}

// Process is a fake transcoder. It exits on Terminate, Kill or Exit.
type Process struct {
	Output string

	pid      int
	lines    chan string
	exited   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	signals  []string
	stubborn bool
}

func NewProcess(pid int) *Process {
	return &Process{pid: pid, lines: make(chan string, 16), exited: make(chan struct{})}
}

// IgnoreTerminate makes the process survive Terminate until killed.
func (p *Process) IgnoreTerminate() {
	p.mu.Lock()
	p.stubborn = true
	p.mu.Unlock()
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Stderr() <-chan string { return p.lines }

// Emit writes a stderr line.
func (p *Process) Emit(line string) { p.lines <- line }

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.signals = append(p.signals, "terminate")
	stubborn := p.stubborn
	p.mu.Unlock()
	if !stubborn {
		p.Exit(nil)
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.signals = append(p.signals, "kill")
	p.mu.Unlock()
	p.Exit(errors.New("signal: killed"))
	return nil
}

// Exit ends the process with err; later calls are ignored.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.lines)
		close(p.exited)
	})
}

func (p *Process) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *Process) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}
