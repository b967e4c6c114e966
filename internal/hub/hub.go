// Package hub wires adapters, the chat router, the stream supervisor and the
// ambient services into one running service.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/john/streamhub/internal/archive"
	"github.com/john/streamhub/internal/backoff"
	"github.com/john/streamhub/internal/chat"
	"github.com/john/streamhub/internal/config"
	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/event"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/metrics"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/relay"
	"github.com/john/streamhub/internal/responder"
	"github.com/john/streamhub/internal/stream"
)

const uploadQueueSize = 100

// Options carries collaborators that tests replace.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Launcher relay.Launcher
	// Adapters replaces the adapters built from configuration.
	Adapters   func(platform.Options) []platform.Adapter
	HTTPClient *http.Client
	AfterFunc  backoff.AfterFunc
	Version    string
}

type Hub struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	bus       *event.Bus[event.Event]
	registry  *platform.Registry
	responder *responder.Client
	router    *chat.Router
	streams   *stream.Supervisor

	mu           sync.Mutex
	startedAt    time.Time
	cancel       context.CancelFunc
	cancelUpload context.CancelFunc
	uploader     *archive.Uploader
	wg           sync.WaitGroup
	stopped      bool
}

// Status is the aggregate view served by the status endpoint.
type Status struct {
	Version   string            `json:"version,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Uptime    string            `json:"uptime"`
	Sessions  []stream.Snapshot `json:"sessions"`
	Platforms []platform.Status `json:"platforms"`
	Chat      ChatStatus        `json:"chat"`
	Events    EventStatus       `json:"events"`
}

type ChatStatus struct {
	History           int  `json:"history"`
	HistoryCap        int  `json:"history_capacity"`
	ResponderEnabled  bool `json:"responder_enabled"`
	ResponderSessions int  `json:"responder_sessions"`
}

type EventStatus struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// New builds every component from cfg. Nothing connects until Start.
func New(cfg *config.Config, opts Options) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = relay.FFmpeg{Binary: cfg.Stream.FFmpegPath}
	}
	if opts.Adapters == nil {
		opts.Adapters = func(po platform.Options) []platform.Adapter { return BuildAdapters(cfg, po) }
	}

	h := &Hub{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		bus: event.NewBus[event.Event](context.Background(), event.BusOptions{
			Name:        "events",
			HistorySize: cfg.Events.BusHistory,
			Logger:      opts.Logger,
		}),
	}

	h.registry = platform.NewRegistry(platform.BackoffConfig{
		Base:           cfg.Backoff.Base,
		MaxAttempts:    cfg.Backoff.MaxAttempts,
		ConnectTimeout: cfg.Backoff.ConnectTimeout,
		AfterFunc:      opts.AfterFunc,
	}, opts.Logger, opts.Metrics)

	adapterOpts := platform.Options{Emitter: h.bus, Logger: opts.Logger, Metrics: opts.Metrics}
	for _, a := range opts.Adapters(adapterOpts) {
		if err := h.registry.Register(a); err != nil {
			return nil, err
		}
	}

	rc := cfg.Responder
	h.responder = responder.New(responder.Config{
		URL:                    rc.URL,
		Timeout:                rc.Timeout,
		Threshold:              rc.Threshold,
		FallbackText:           rc.FallbackText,
		CacheTTL:               rc.CacheTTL,
		SessionIdle:            rc.SessionIdle,
		QuickResponses:         rc.QuickResponses,
		TrustMissingConfidence: rc.TrustMissingConfidence,
		HTTPClient:             opts.HTTPClient,
		Logger:                 opts.Logger,
		Metrics:                opts.Metrics,
	})
	h.router = chat.NewRouter(h.registry, chat.Config{
		History:      chat.NewHistory(cfg.Chat.HistorySize),
		Responder:    h.responder,
		SendFallback: cfg.Chat.SendFallback,
		Logger:       opts.Logger.With("component", "router"),
		Emitter:      h.bus,
		Metrics:      opts.Metrics,
	})

	sc := cfg.Stream
	h.streams = stream.New(h.registry, stream.Config{
		Launcher: opts.Launcher,
		Spec: relay.Spec{
			Copy:         sc.Copy,
			VideoCodec:   sc.VideoCodec,
			VideoBitrate: sc.VideoBitrate,
			MaxRate:      sc.MaxRate,
			BufSize:      sc.BufSize,
			Preset:       sc.Preset,
			GOP:          sc.GOP,
			AudioCodec:   sc.AudioCodec,
			AudioBitrate: sc.AudioBitrate,
			AudioRate:    sc.AudioRate,
			Format:       sc.Format,
			ExtraArgs:    sc.ExtraArgs,
		},
		HealthInterval: sc.HealthInterval,
		ErrorLogSize:   sc.ErrorLogSize,
		StopGrace:      sc.StopGrace,
		Logger:         opts.Logger.With("component", "streams"),
		Emitter:        h.bus,
		Metrics:        opts.Metrics,
	})
	return h, nil
}

// Start launches the background services and connects every enabled chat
// adapter. Individual adapter failures never fail Start.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return errors.New("hub already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	uploadCtx, cancelUpload := context.WithCancel(context.Background())
	h.cancel = cancel
	h.cancelUpload = cancelUpload
	h.startedAt = time.Now()
	h.mu.Unlock()

	if url := h.cfg.Events.NATSURL; url != "" {
		sink, err := event.DialNATS(url, h.cfg.Events.SubjectPrefix, h.logger.With("component", "nats"))
		if err != nil {
			h.logger.Warn("Event forwarding to NATS disabled", "error", err)
		} else {
			events, unsubscribe := h.bus.Subscribe()
			h.goRun(func() {
				defer unsubscribe()
				sink.Run(runCtx, events)
			})
		}
	}

	if h.cfg.Archive.Enabled {
		h.startArchive(ctx, runCtx, uploadCtx)
	}

	h.goRun(func() { h.router.Run(runCtx) })
	h.goRun(func() { h.streams.Run(runCtx) })

	h.registry.Start(ctx)
	h.logger.Info("Hub started", "adapters", len(h.registry.All()))
	return nil
}

func (h *Hub) startArchive(ctx, runCtx, uploadCtx context.Context) {
	ac := h.cfg.Archive
	var uploads chan string
	if ac.S3.Bucket != "" {
		up, err := archive.NewUploader(ctx, archive.UploaderConfig{
			Bucket:          ac.S3.Bucket,
			Region:          ac.S3.Region,
			Endpoint:        ac.S3.Endpoint,
			RoleARN:         ac.S3.RoleARN,
			TokenFile:       ac.S3.TokenFile,
			AccessKeyID:     ac.S3.AccessKeyID,
			SecretAccessKey: ac.S3.SecretAccessKey,
			DeleteAfter:     ac.S3.DeleteAfterUpload(),
			MaxRetries:      ac.S3.MaxRetries,
			Logger:          h.logger,
		})
		if err != nil {
			h.logger.Error("Archive upload disabled", "error", err)
		} else {
			h.mu.Lock()
			h.uploader = up
			h.mu.Unlock()
			if err := up.ScanAndUploadExisting(uploadCtx, ac.OutputDir); err != nil {
				h.logger.Warn("Failed to scan for existing files", "error", err)
			}
			uploads = make(chan string, uploadQueueSize)
			go up.Run(uploadCtx, uploads)
		}
	}

	rec := archive.NewRecorder(archive.RecorderConfig{
		Dir:         ac.OutputDir,
		BufferSize:  ac.BufferSize,
		RotateEvery: time.Duration(ac.RotateMinutes) * time.Minute,
		RotateBytes: int64(ac.RotateMegabytes) << 20,
		Logger:      h.logger,
	})
	events, unsubscribe := h.bus.SubscribeFiltered(event.KindFilter(event.ChatMessage))
	h.goRun(func() {
		defer unsubscribe()
		var sink chan<- string
		if uploads != nil {
			sink = uploads
			defer close(uploads)
		}
		if err := rec.Run(runCtx, events, sink); err != nil {
			h.logger.Error("Recorder stopped", "error", err)
		}
	})
}

func (h *Hub) goRun(f func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		f()
	}()
}

// Shutdown stops every session, disconnects chat and drains the archive.
// It returns ctx.Err() when the deadline cuts the drain short.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	cancel, cancelUpload, up := h.cancel, h.cancelUpload, h.uploader
	h.mu.Unlock()

	var errList []error
	if err := h.streams.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("stop sessions: %w", err))
	}
	if err := h.registry.Close(ctx); err != nil {
		errList = append(errList, fmt.Errorf("close adapters: %w", err))
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		if up != nil {
			up.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errList = append(errList, ctx.Err())
	}
	if cancelUpload != nil {
		cancelUpload()
	}
	h.bus.Close()
	h.logger.Info("Hub stopped")
	return errors.Join(errList...)
}

// StartStream starts a session. An empty input uses the configured template.
func (h *Hub) StartStream(ctx context.Context, streamID, input string, opts stream.StartOptions) (stream.Snapshot, error) {
	if input == "" {
		input = h.InputFor(streamID)
	}
	return h.streams.StartSession(ctx, streamID, input, opts)
}

func (h *Hub) StopStream(ctx context.Context, streamID string) (stream.Snapshot, error) {
	return h.streams.StopSession(ctx, streamID)
}

// Publish handles an ingest server announcing a new stream.
func (h *Hub) Publish(ctx context.Context, streamID string) (stream.Snapshot, error) {
	return h.StartStream(ctx, streamID, "", stream.StartOptions{})
}

// Unpublish handles an ingest server announcing a stream ended. Unknown
// streams are ignored.
func (h *Hub) Unpublish(ctx context.Context, streamID string) error {
	_, err := h.streams.StopSession(ctx, streamID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	return err
}

func (h *Hub) InputFor(streamID string) string {
	return strings.ReplaceAll(h.cfg.Stream.InputTemplate, "{stream_id}", streamID)
}

func (h *Hub) Stream(streamID string) (stream.Snapshot, error) {
	return h.streams.Status(streamID)
}

func (h *Hub) Streams() []stream.Snapshot {
	return h.streams.List()
}

func (h *Hub) Platforms() []platform.Status {
	return h.registry.Statuses()
}

func (h *Hub) Platform(name string) (platform.Status, error) {
	a, ok := h.registry.Get(strings.ToLower(name))
	if !ok {
		return platform.Status{}, fmt.Errorf("platform %q: %w", name, errs.ErrNotFound)
	}
	return a.Status(), nil
}

func (h *Hub) Send(ctx context.Context, name, text string) error {
	return h.router.Send(ctx, strings.ToLower(name), text)
}

func (h *Hub) Broadcast(ctx context.Context, text string, exclude ...string) map[string]error {
	return h.router.Broadcast(ctx, text, exclude...)
}

func (h *Hub) Reconnect(ctx context.Context, name string) error {
	return h.registry.Reconnect(ctx, strings.ToLower(name))
}

func (h *Hub) Enable(ctx context.Context, name string) error {
	return h.registry.Enable(ctx, strings.ToLower(name))
}

// Ingest feeds a chat event through the router as if an adapter received it.
func (h *Hub) Ingest(ctx context.Context, in message.Inbound) (message.ChatMessage, []chat.Delivery, error) {
	return h.router.Ingest(ctx, in)
}

// History returns up to limit recent messages, optionally for one platform.
func (h *Hub) History(platformName string, limit int) []message.ChatMessage {
	if platformName == "" {
		return h.router.History().Last(limit)
	}
	return h.router.History().Filter(strings.ToLower(platformName), limit)
}

// Subscribe streams live events. Recent events retained by the bus are
// returned separately so late subscribers can catch up.
func (h *Hub) Subscribe(kinds ...event.Kind) (recent []event.Event, events <-chan event.Event, cancel func()) {
	var filter func(event.Event) bool
	if len(kinds) > 0 {
		filter = event.KindFilter(kinds...)
	}
	return h.bus.SubscribeWithHistory(filter)
}

func (h *Hub) Status() Status {
	h.mu.Lock()
	started := h.startedAt
	h.mu.Unlock()

	var uptime string
	if !started.IsZero() {
		uptime = time.Since(started).Truncate(time.Second).String()
	}
	history := h.router.History()
	return Status{
		Version:   h.opts.Version,
		StartedAt: started,
		Uptime:    uptime,
		Sessions:  h.streams.List(),
		Platforms: h.registry.Statuses(),
		Chat: ChatStatus{
			History:           history.Len(),
			HistoryCap:        history.Cap(),
			ResponderEnabled:  h.cfg.Responder.URL != "",
			ResponderSessions: h.responder.Sessions(),
		},
		Events: EventStatus{Published: h.bus.Published(), Dropped: h.bus.Dropped()},
	}
}

// HealthCheck runs one stream health pass immediately.
func (h *Hub) HealthCheck() []string {
	return h.streams.HealthCheck()
}
