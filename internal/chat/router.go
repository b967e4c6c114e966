// Package chat merges inbound chat from every adapter into one normalized
// stream, keeps a bounded history and fans generated replies back out.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/event"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/metrics"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
	"github.com/john/streamhub/internal/responder"
)

// Adapters is the subset of platform.Registry the router needs.
type Adapters interface {
	All() []platform.Adapter
	Get(name string) (platform.Adapter, bool)
}

// Responder generates replies. *responder.Client implements it.
type Responder interface {
	Respond(ctx context.Context, key message.SessionKey, text string, metadata map[string]any) responder.Reply
}

type Config struct {
	History *History
	// Responder is optional; without it messages are only recorded.
	Responder Responder
	// SendFallback fans out fallback replies too.
	SendFallback bool
	Logger       *slog.Logger
	Emitter      event.Emitter
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Delivery is one queued reply to one adapter.
type Delivery struct {
	Platform string
	Pending  *queue.Pending
}

type Router struct {
	adapters Adapters
	cfg      Config
	logger   *slog.Logger
	emitter  event.Emitter
}

func NewRouter(adapters Adapters, cfg Config) *Router {
	if cfg.History == nil {
		cfg.History = NewHistory(DefaultHistorySize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = event.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{adapters: adapters, cfg: cfg, logger: cfg.Logger, emitter: cfg.Emitter}
}

func (r *Router) History() *History { return r.cfg.History }

// Run reads every chattable adapter's inbound channel until ctx is done or
// the adapters close.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range r.adapters.All() {
		if !a.Capabilities().Chattable {
			continue
		}
		wg.Add(1)
		go func(a platform.Adapter) {
			defer wg.Done()
			r.consume(ctx, a)
		}(a)
	}
	wg.Wait()
}

func (r *Router) consume(ctx context.Context, a platform.Adapter) {
	in := a.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if _, _, err := r.Ingest(ctx, msg); err != nil {
				r.logger.Debug("Dropped inbound message", "platform", a.Name(), "error", err)
			}
		}
	}
}

// Ingest normalizes one inbound message, records it, publishes it and, when
// a responder is configured, queues the reply on every eligible adapter.
// The returned deliveries complete asynchronously.
func (r *Router) Ingest(ctx context.Context, in message.Inbound) (message.ChatMessage, []Delivery, error) {
	msg, err := message.Normalize(in, r.cfg.Now())
	if err != nil {
		r.cfg.Metrics.ChatMessage(in.Platform, "invalid")
		return message.ChatMessage{}, nil, errs.Protocol(in.Platform, "ingest", err)
	}
	r.cfg.History.Add(msg)
	r.cfg.Metrics.ChatMessage(msg.Platform, "received")

	ev := event.New(event.ChatMessage, msg.Platform)
	published := msg.Clone()
	ev.Message = &published
	r.emitter.Emit(ev)

	if r.cfg.Responder == nil {
		return msg, nil, nil
	}
	reply := r.cfg.Responder.Respond(ctx, msg.Key(), msg.Message, metadataFor(msg))
	if reply.Text == "" {
		return msg, nil, nil
	}
	if reply.Fallback && !r.cfg.SendFallback {
		r.logger.Debug("Suppressing fallback reply", "platform", msg.Platform, "user", msg.Username)
		return msg, nil, nil
	}
	return msg, r.Respond(msg.Platform, reply.Text), nil
}

// Eligible reports whether a reply to a message from origin goes to a.
func Eligible(a platform.Adapter, origin string) bool {
	if !a.Capabilities().CanSend() {
		return false
	}
	st := a.Status()
	if !st.ChatConnected || !st.AutoResponse || st.Disabled {
		return false
	}
	return a.Name() != origin || st.AllowSelfResponse
}

// Respond queues text on every adapter eligible for replies to origin. A
// failing adapter is logged and never affects the others.
func (r *Router) Respond(origin, text string) []Delivery {
	var out []Delivery
	for _, a := range r.adapters.All() {
		if !Eligible(a, origin) {
			continue
		}
		p := a.SendMessageAsync(text, queue.Options{})
		out = append(out, Delivery{Platform: a.Name(), Pending: p})
		go r.await(a.Name(), origin, p)
	}
	return out
}

func (r *Router) await(platformName, origin string, p *queue.Pending) {
	<-p.Done()
	if err := p.Err(); err != nil {
		r.logger.Warn("Reply delivery failed", "platform", platformName, "origin", origin, "error", err)
		return
	}
	ev := event.New(event.ResponseSent, platformName)
	ev.Status = origin
	r.emitter.Emit(ev)
}

// Send delivers text to one named adapter and waits for the result.
func (r *Router) Send(ctx context.Context, name, text string) error {
	a, ok := r.adapters.Get(name)
	if !ok {
		return fmt.Errorf("send to %q: %w", name, errs.ErrNotFound)
	}
	return a.SendMessage(ctx, text, queue.Options{})
}

// Broadcast sends text to every chat-connected adapter that can send and is
// not in exclude, and returns per-adapter results.
func (r *Router) Broadcast(ctx context.Context, text string, exclude ...string) map[string]error {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	type sent struct {
		name    string
		pending *queue.Pending
	}
	var pending []sent
	for _, a := range r.adapters.All() {
		if skip[a.Name()] || !a.Capabilities().CanSend() || !a.Status().ChatConnected {
			continue
		}
		pending = append(pending, sent{name: a.Name(), pending: a.SendMessageAsync(text, queue.Options{})})
	}
	results := make(map[string]error, len(pending))
	for _, s := range pending {
		results[s.name] = s.pending.Wait(ctx)
	}
	return results
}

func metadataFor(m message.ChatMessage) map[string]any {
	md := map[string]any{
		"platform":      m.Platform,
		"username":      m.Username,
		"is_moderator":  m.IsModerator,
		"is_subscriber": m.IsSubscriber,
	}
	if m.Channel != "" {
		md["channel"] = m.Channel
	}
	if m.MessageID != "" {
		md["message_id"] = m.MessageID
	}
	return md
}
