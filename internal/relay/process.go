package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// Spec is the transcode contract for one relay: where to read, where to
// push, and the codec parameters.
type Spec struct {
	Input        string
	Output       string
	Copy         bool
	VideoCodec   string
	VideoBitrate string
	MaxRate      string
	BufSize      string
	Preset       string
	GOP          int
	AudioCodec   string
	AudioBitrate string
	AudioRate    int
	Format       string
	ExtraArgs    []string
}

// DefaultSpec returns the codec settings used when none are configured.
func DefaultSpec() Spec {
	return Spec{
		VideoCodec:   "libx264",
		VideoBitrate: "3000k",
		MaxRate:      "3000k",
		BufSize:      "6000k",
		Preset:       "veryfast",
		GOP:          60,
		AudioCodec:   "aac",
		AudioBitrate: "160k",
		AudioRate:    44100,
		Format:       "flv",
	}
}

// Merge fills zero fields of s from defaults.
func (s Spec) Merge(defaults Spec) Spec {
	if s.VideoCodec == "" {
		s.VideoCodec = defaults.VideoCodec
	}
	if s.VideoBitrate == "" {
		s.VideoBitrate = defaults.VideoBitrate
	}
	if s.MaxRate == "" {
		s.MaxRate = defaults.MaxRate
	}
	if s.BufSize == "" {
		s.BufSize = defaults.BufSize
	}
	if s.Preset == "" {
		s.Preset = defaults.Preset
	}
	if s.GOP == 0 {
		s.GOP = defaults.GOP
	}
	if s.AudioCodec == "" {
		s.AudioCodec = defaults.AudioCodec
	}
	if s.AudioBitrate == "" {
		s.AudioBitrate = defaults.AudioBitrate
	}
	if s.AudioRate == 0 {
		s.AudioRate = defaults.AudioRate
	}
	if s.Format == "" {
		s.Format = defaults.Format
	}
	if !s.Copy {
		s.Copy = defaults.Copy
	}
	if len(s.ExtraArgs) == 0 {
		s.ExtraArgs = defaults.ExtraArgs
	}
	return s
}

// Args renders the ffmpeg command line for the spec.
func (s Spec) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "info", "-re", "-i", s.Input}
	if s.Copy {
		args = append(args, "-c", "copy")
	} else {
		args = append(args,
			"-c:v", s.VideoCodec,
			"-preset", s.Preset,
			"-b:v", s.VideoBitrate,
			"-maxrate", s.MaxRate,
			"-bufsize", s.BufSize,
			"-pix_fmt", "yuv420p",
			"-g", strconv.Itoa(s.GOP),
			"-c:a", s.AudioCodec,
			"-b:a", s.AudioBitrate,
			"-ar", strconv.Itoa(s.AudioRate),
			"-ac", "2",
		)
	}
	args = append(args, s.ExtraArgs...)
	return append(args, "-f", s.Format, s.Output)
}

// Process is a running transcoder owned by exactly one relay.
type Process interface {
	Pid() int
	// Stderr yields diagnostic lines until the process exits, then closes.
	Stderr() <-chan string
	// Terminate asks the process to finish; Kill forces it.
	Terminate() error
	Kill() error
	// Wait blocks until exit and returns the exit error, if any.
	Wait() error
}

// Launcher spawns transcoder processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// FFmpeg launches the ffmpeg binary as a subprocess.
type FFmpeg struct {
	Binary string
}

func (f FFmpeg) Launch(_ context.Context, spec Spec) (Process, error) {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if spec.Input == "" || spec.Output == "" {
		return nil, fmt.Errorf("launch %s: input and output are required", bin)
	}
	cmd := exec.Command(bin, spec.Args()...)
	cmd.Stdin = nil
	cmd.Stdout = io.Discard
	configureProcess(cmd)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	p := &execProcess{
		cmd:     cmd,
		lines:   make(chan string, 64),
		scanned: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go p.scan(stderr)
	go func() {
		<-p.scanned
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	lines   chan string
	scanned chan struct{}
	exited  chan struct{}
	err     error
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Stderr() <-chan string { return p.lines }

// scan splits on CR as well as LF since ffmpeg rewrites its progress line
// with carriage returns.
func (p *execProcess) scan(r io.Reader) {
	defer close(p.scanned)
	defer close(p.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	scanner.Split(scanLinesCR)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		select {
		case p.lines <- line:
		default:
			// Reader fell behind; progress lines are disposable.
		}
	}
}

func (p *execProcess) Terminate() error { return ignoreDone(signalGroup(p.cmd, false)) }

func (p *execProcess) Kill() error { return ignoreDone(signalGroup(p.cmd, true)) }

func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() error {
	<-p.exited
	return p.err
}

func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}
