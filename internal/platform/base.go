package platform

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/event"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/metrics"
	"github.com/john/streamhub/internal/queue"
)

const defaultInboundBuffer = 256

// Options carries the collaborators shared by every adapter.
type Options struct {
	Emitter       event.Emitter
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	InboundBuffer int
}

// Base implements Adapter on top of a Driver. Platform packages embed it.
type Base struct {
	settings Settings
	caps     Capabilities
	driver   Driver
	emitter  event.Emitter
	logger   *slog.Logger
	metrics  *metrics.Metrics
	queue    *queue.Queue
	inbound  chan message.Inbound

	mu            sync.RWMutex
	state         ConnState
	chatConnected bool
	streaming     bool
	degraded      bool
	disabled      bool
	attempt       int
	retrying      bool
	lastErr       string
	lastSend      time.Time
	gen           uint64
	onLost        func(error)
	closed        bool
}

// NewBase wires a driver into a full adapter. The settings name is used as
// the adapter name and lower-cased.
func NewBase(settings Settings, caps Capabilities, driver Driver, opts Options) *Base {
	settings.Name = strings.ToLower(strings.TrimSpace(settings.Name))
	if opts.Emitter == nil {
		opts.Emitter = event.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InboundBuffer <= 0 {
		opts.InboundBuffer = defaultInboundBuffer
	}
	b := &Base{
		settings: settings,
		caps:     caps,
		driver:   driver,
		emitter:  opts.Emitter,
		logger:   opts.Logger.With("platform", settings.Name),
		metrics:  opts.Metrics,
		inbound:  make(chan message.Inbound, opts.InboundBuffer),
	}
	b.queue = queue.New(settings.RateLimit, b.deliver)
	return b
}

func (b *Base) core() *Base { return b }

func (b *Base) Name() string               { return b.settings.Name }
func (b *Base) Capabilities() Capabilities { return b.caps }
func (b *Base) Settings() Settings         { return b.settings }

// Logger returns the adapter-scoped logger for drivers.
func (b *Base) Logger() *slog.Logger { return b.logger }

func (b *Base) HasRequiredCredentials() bool {
	return b.driver.HasRequiredCredentials()
}

func (b *Base) Initialize(ctx context.Context) error {
	if !b.driver.HasRequiredCredentials() {
		err := errs.Configuration(b.Name(), "initialize", errs.ErrMissingCredentials)
		b.fail(err)
		return err
	}
	if err := b.driver.Init(ctx); err != nil {
		err = classify(b.Name(), "initialize", err, errs.KindConnection)
		b.fail(err)
		return err
	}
	return nil
}

func (b *Base) StreamTarget() (Target, error) {
	if !b.caps.Streamable {
		return Target{}, errs.Configuration(b.Name(), "stream target", errs.ErrNotStreamable)
	}
	if b.settings.StreamKey == "" {
		return Target{}, errs.Configuration(b.Name(), "stream target", errs.ErrMissingCredentials)
	}
	if b.settings.IngestURL == "" {
		return Target{}, errs.Configuration(b.Name(), "stream target", errors.New("no ingest url configured"))
	}
	return Target{
		Name:         b.Name(),
		OutputURL:    strings.TrimRight(b.settings.IngestURL, "/") + "/" + b.settings.StreamKey,
		VideoBitrate: b.settings.VideoBitrate,
		AudioBitrate: b.settings.AudioBitrate,
	}, nil
}

func (b *Base) StartStream(_ context.Context) (bool, error) {
	if !b.caps.Streamable {
		return false, nil
	}
	b.mu.Lock()
	already := b.streaming
	b.streaming = true
	b.mu.Unlock()
	if !already {
		b.emitter.Emit(event.New(event.StreamStarted, b.Name()))
	}
	return true, nil
}

func (b *Base) StopStream(_ context.Context) (bool, error) {
	if !b.caps.Streamable {
		return false, nil
	}
	b.mu.Lock()
	was := b.streaming
	b.streaming = false
	b.mu.Unlock()
	if was {
		b.emitter.Emit(event.New(event.StreamStopped, b.Name()))
	}
	return true, nil
}

func (b *Base) ConnectChat(ctx context.Context) error {
	if !b.caps.Chattable {
		return errs.Configuration(b.Name(), "connect chat", errs.ErrNotChattable)
	}

	b.mu.Lock()
	if b.chatConnected {
		b.mu.Unlock()
		return nil
	}
	b.gen++
	gen := b.gen
	b.setStateLocked(Connecting)
	b.mu.Unlock()

	if err := b.driver.Dial(ctx, &link{base: b, gen: gen}); err != nil {
		b.mu.Lock()
		if gen == b.gen && !b.retrying {
			b.setStateLocked(Disconnected)
		}
		b.mu.Unlock()
		err = classify(b.Name(), "connect chat", err, errs.KindConnection)
		b.fail(err)
		return err
	}

	b.mu.Lock()
	if gen != b.gen {
		// DisconnectChat ran while dialing.
		b.mu.Unlock()
		_ = b.driver.Hangup(ctx)
		return errs.Connection(b.Name(), "connect chat", errs.ErrNotConnected)
	}
	b.chatConnected = true
	b.lastErr = ""
	b.setStateLocked(Connected)
	b.mu.Unlock()

	b.logger.Info("Chat connected")
	b.emitter.Emit(event.New(event.Connected, b.Name()))
	return nil
}

func (b *Base) DisconnectChat(ctx context.Context) error {
	if !b.caps.Chattable {
		return nil
	}
	b.mu.Lock()
	was := b.chatConnected
	b.gen++
	b.chatConnected = false
	b.setStateLocked(Disconnected)
	b.mu.Unlock()

	if !was {
		return nil
	}
	err := b.driver.Hangup(ctx)
	b.logger.Info("Chat disconnected")
	b.emitter.Emit(event.New(event.Disconnected, b.Name()))
	if err != nil {
		return classify(b.Name(), "disconnect chat", err, errs.KindProtocol)
	}
	return nil
}

func (b *Base) SendMessage(ctx context.Context, text string, opts queue.Options) error {
	return b.SendMessageAsync(text, opts).Wait(ctx)
}

func (b *Base) SendMessageAsync(text string, opts queue.Options) *queue.Pending {
	if !b.caps.Chattable {
		return queue.Rejected(text, errs.Configuration(b.Name(), "send", errs.ErrNotChattable))
	}
	if b.caps.ReadOnlyChat {
		return queue.Rejected(text, errs.ErrSendUnsupported)
	}
	return b.queue.Enqueue(text, opts)
}

func (b *Base) Inbound() <-chan message.Inbound {
	return b.inbound
}

func (b *Base) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Status{
		Name:              b.Name(),
		Capabilities:      b.caps,
		Enabled:           b.settings.Enabled,
		HasCredentials:    b.driver.HasRequiredCredentials(),
		State:             b.state,
		ChatConnected:     b.chatConnected,
		Streaming:         b.streaming,
		Degraded:          b.degraded,
		Disabled:          b.disabled,
		ReconnectAttempt:  b.attempt,
		RateLimitMS:       b.queue.Interval().Milliseconds(),
		LastSend:          b.lastSend,
		QueueLength:       b.queue.Len(),
		AutoResponse:      b.settings.AutoResponse,
		AllowSelfResponse: b.settings.AllowSelfResponse,
		LastError:         b.lastErr,
	}
}

func (b *Base) ChatConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chatConnected
}

func (b *Base) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.inbound)
	b.mu.Unlock()
	b.queue.Close()
}

// deliver is the queue's send function.
func (b *Base) deliver(ctx context.Context, item queue.Item) error {
	if !b.ChatConnected() {
		b.metrics.Sent(b.Name(), errs.ErrNotConnected)
		return errs.Connection(b.Name(), "send", errs.ErrNotConnected)
	}
	err := b.driver.Deliver(ctx, item)
	b.metrics.Sent(b.Name(), err)
	if err == nil {
		b.mu.Lock()
		b.lastSend = time.Now()
		b.mu.Unlock()
		return nil
	}
	if errors.Is(err, errs.ErrSendUnsupported) || errors.Is(err, context.Canceled) {
		return err
	}
	err = classify(b.Name(), "send", err, errs.KindProtocol)
	b.fail(err)
	return err
}

func (b *Base) receive(gen uint64, in message.Inbound) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || gen != b.gen {
		return
	}
	if in.Platform == "" {
		in.Platform = b.Name()
	}
	select {
	case b.inbound <- in:
	default:
		b.metrics.ChatMessage(b.Name(), "dropped")
		b.logger.Warn("Inbound buffer full, dropping chat message", "user", in.Username)
	}
}

func (b *Base) lost(gen uint64, cause error) {
	b.mu.Lock()
	if gen != b.gen || !b.chatConnected {
		b.mu.Unlock()
		return
	}
	b.gen++
	b.chatConnected = false
	b.setStateLocked(Disconnected)
	if cause != nil {
		b.lastErr = cause.Error()
	}
	hook := b.onLost
	b.mu.Unlock()

	ev := event.New(event.Disconnected, b.Name())
	if cause != nil {
		ev.Error = cause.Error()
	}
	b.logger.Warn("Chat connection lost", "error", cause)
	b.emitter.Emit(ev)
	if hook != nil {
		hook(cause)
	}
}

// fail records err and emits an error event. It never panics or propagates.
func (b *Base) fail(err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
	ev := event.New(event.Error, b.Name())
	ev.Error = err.Error()
	ev.Status = errs.KindOf(err).String()
	b.logger.Error("Adapter error", "kind", errs.KindOf(err).String(), "error", err)
	b.emitter.Emit(ev)
}

func (b *Base) setStateLocked(s ConnState) {
	b.state = s
	b.metrics.SetAdapterState(b.Name(), int(s))
}

func (b *Base) setLostHook(f func(error)) {
	b.mu.Lock()
	b.onLost = f
	b.mu.Unlock()
}

func (b *Base) markBackoff(attempt int) {
	b.mu.Lock()
	b.attempt = attempt
	b.retrying = false
	if !b.chatConnected {
		b.setStateLocked(Backoff)
	}
	b.mu.Unlock()
}

// markRetrying moves a backed-off adapter to connecting for the attempt.
// A failed attempt goes back to backoff or, once degraded, to disconnected.
func (b *Base) markRetrying() {
	b.mu.Lock()
	b.retrying = true
	if b.state == Backoff {
		b.setStateLocked(Connecting)
	}
	b.mu.Unlock()
}

func (b *Base) markRecovered() {
	b.mu.Lock()
	b.attempt = 0
	b.degraded = false
	b.retrying = false
	b.mu.Unlock()
}

func (b *Base) markDegraded(cause error) {
	b.mu.Lock()
	b.degraded = true
	b.retrying = false
	if !b.chatConnected {
		b.setStateLocked(Disconnected)
	}
	b.mu.Unlock()
	ev := event.New(event.Degraded, b.Name())
	if cause != nil {
		ev.Error = cause.Error()
	}
	b.emitter.Emit(ev)
}

func (b *Base) markDisabled(disabled bool) {
	b.mu.Lock()
	b.disabled = disabled
	if !disabled {
		b.degraded = false
		b.attempt = 0
	}
	b.mu.Unlock()
}

type link struct {
	base *Base
	gen  uint64
}

func (l *link) Receive(in message.Inbound) { l.base.receive(l.gen, in) }
func (l *link) Lost(err error)             { l.base.lost(l.gen, err) }

// classify wraps unclassified errors with the given kind.
func classify(platform, op string, err error, fallback errs.Kind) error {
	if errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	return errs.New(fallback, platform, op, err)
}
