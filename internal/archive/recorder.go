// Package archive records normalized chat messages to rotating JSONL files
// and ships the completed files to S3-compatible object storage.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/john/streamhub/internal/event"
	"github.com/john/streamhub/internal/message"
)

const (
	fileTimeLayout = "20060102_150405"

	DefaultBufferSize    = 50
	DefaultRotateEvery   = time.Hour
	DefaultRotateBytes   = 50 << 20
	DefaultCheckInterval = time.Minute
)

// fileWriter manages a single JSONL file
type fileWriter struct {
	file      *os.File
	writer    *bufio.Writer
	createdAt time.Time
	written   int64
	buffer    []message.ChatMessage
	platform  string
	channel   string
	path      string
}

type RecorderConfig struct {
	Dir           string
	BufferSize    int
	RotateEvery   time.Duration
	RotateBytes   int64
	CheckInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Recorder buffers chat messages per platform and channel and writes them
// to disk. Rotated files are handed to the upload channel.
type Recorder struct {
	cfg    RecorderConfig
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*fileWriter // key: "platform_channel"
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.RotateEvery <= 0 {
		cfg.RotateEvery = DefaultRotateEvery
	}
	if cfg.RotateBytes <= 0 {
		cfg.RotateBytes = DefaultRotateBytes
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recorder{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "recorder"),
		files:  make(map[string]*fileWriter),
	}
}

// Run records chat message events until ctx is cancelled or events closes,
// then flushes and closes every open file.
func (r *Recorder) Run(ctx context.Context, events <-chan event.Event, uploads chan<- string) error {
	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				r.flushAll(uploads)
				return nil
			}
			if ev.Kind != event.ChatMessage || ev.Message == nil {
				continue
			}
			if err := r.Record(*ev.Message); err != nil {
				r.logger.Error("Failed to record message", "platform", ev.Message.Platform, "error", err)
			}

		case <-ticker.C:
			r.checkRotation(uploads)

		case <-ctx.Done():
			r.logger.Info("Recorder shutting down, flushing buffers")
			r.flushAll(uploads)
			return nil
		}
	}
}

// Record buffers one message, flushing its file when the buffer is full.
func (r *Recorder) Record(msg message.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	channel := sanitize(msg.Channel)
	key := msg.Platform + "_" + channel
	fw := r.files[key]
	if fw == nil {
		var err error
		fw, err = r.createFileWriter(msg.Platform, channel)
		if err != nil {
			return fmt.Errorf("create file writer: %w", err)
		}
		r.files[key] = fw
	}

	fw.buffer = append(fw.buffer, msg)
	if len(fw.buffer) >= r.cfg.BufferSize {
		if err := r.flushFileWriter(fw); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}
	return nil
}

func (r *Recorder) createFileWriter(platform, channel string) (*fileWriter, error) {
	now := r.cfg.Now().UTC()
	stamp := now.Format(fileTimeLayout)

	var (
		file *os.File
		path string
		err  error
	)
	// Rotations inside the same second get a numeric suffix.
	for n := 0; n < 100; n++ {
		suffix := stamp
		if n > 0 {
			suffix = fmt.Sprintf("%s-%d", stamp, n)
		}
		path = filepath.Join(r.cfg.Dir, fmt.Sprintf("%s_%s_%s.jsonl", platform, channel, suffix))
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if !errors.Is(err, fs.ErrExist) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	r.logger.Info("Created new log file", "file", filepath.Base(path))
	return &fileWriter{
		file:      file,
		writer:    bufio.NewWriter(file),
		createdAt: now,
		buffer:    make([]message.ChatMessage, 0, r.cfg.BufferSize),
		platform:  platform,
		channel:   channel,
		path:      path,
	}, nil
}

func (r *Recorder) flushFileWriter(fw *fileWriter) error {
	for _, msg := range fw.buffer {
		data, err := json.Marshal(msg)
		if err != nil {
			r.logger.Error("Failed to marshal message", "error", err)
			continue
		}
		n, err := fw.writer.Write(append(data, '\n'))
		fw.written += int64(n)
		if err != nil {
			return fmt.Errorf("write message: %w", err)
		}
	}
	fw.buffer = fw.buffer[:0]
	return fw.writer.Flush()
}

func (r *Recorder) checkRotation(uploads chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.cfg.Now().UTC()
	for key, fw := range r.files {
		switch {
		case now.Sub(fw.createdAt) >= r.cfg.RotateEvery:
			r.logger.Info("Rotating file", "file", filepath.Base(fw.path), "reason", "time")
		case fw.written+pending(fw) >= r.cfg.RotateBytes:
			r.logger.Info("Rotating file", "file", filepath.Base(fw.path), "reason", "size")
		default:
			continue
		}
		r.rotateFile(key, fw, uploads)
	}
}

// pending estimates the bytes still sitting in the message buffer.
func pending(fw *fileWriter) int64 {
	var n int64
	for _, msg := range fw.buffer {
		n += int64(len(msg.Message) + 128)
	}
	return n
}

// rotateFile closes the current file and opens a fresh one for the key.
func (r *Recorder) rotateFile(key string, fw *fileWriter, uploads chan<- string) {
	r.closeFileWriter(fw, uploads)

	next, err := r.createFileWriter(fw.platform, fw.channel)
	if err != nil {
		r.logger.Error("Failed to create new file writer", "error", err)
		delete(r.files, key)
		return
	}
	r.files[key] = next
}

func (r *Recorder) closeFileWriter(fw *fileWriter, uploads chan<- string) {
	if err := r.flushFileWriter(fw); err != nil {
		r.logger.Error("Failed to flush file", "file", fw.path, "error", err)
	}
	if err := fw.file.Close(); err != nil {
		r.logger.Error("Failed to close file", "file", fw.path, "error", err)
	}
	if uploads == nil {
		return
	}
	select {
	case uploads <- fw.path:
		r.logger.Debug("Queued file for upload", "file", filepath.Base(fw.path))
	default:
		r.logger.Warn("Upload queue full, file will be uploaded on next start", "file", filepath.Base(fw.path))
	}
}

func (r *Recorder) flushAll(uploads chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, fw := range r.files {
		r.closeFileWriter(fw, uploads)
		delete(r.files, key)
	}
	r.logger.Info("All files flushed and closed")
}

// sanitize makes a channel name safe for use inside a file name.
func sanitize(channel string) string {
	channel = strings.TrimLeft(strings.TrimSpace(channel), "#")
	if channel == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':', '.':
			return '-'
		}
		return r
	}, channel)
}
