// Package kick is the Kick adapter: RTMPS ingest for streaming and a
// read-only chat feed over the Pusher websocket.
package kick

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	kickchat "github.com/johanvandegriff/kick-chat-wrapper"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

const (
	Name             = "kick"
	DefaultIngestURL = "rtmps://fa723fc1b171.global-contribute.live-video.net:443/app"
	DefaultRateLimit = time.Second
)

// ChannelConfig is a channel to follow. A zero ChatroomID is resolved
// through the API on initialize.
type ChannelConfig struct {
	Slug       string
	ChatroomID int
}

type Credentials struct {
	Channels []ChannelConfig
}

type chatClient interface {
	JoinChannelByID(id int) error
	ListenForMessages() <-chan kickchat.ChatMessage
	Close()
}

type wsClient struct{ c *kickchat.Client }

func (w wsClient) JoinChannelByID(id int) error { return w.c.JoinChannelByID(id) }
func (w wsClient) ListenForMessages() <-chan kickchat.ChatMessage {
	return w.c.ListenForMessages()
}
func (w wsClient) Close() { w.c.Close() }

type resolver interface {
	Resolve(ctx context.Context, slug string) (Channel, error)
}

type Adapter struct {
	*platform.Base
	d *driver
}

type driver struct {
	creds     Credentials
	resolver  resolver
	newClient func() (chatClient, error)
	base      *platform.Base

	mu       sync.Mutex
	idToSlug map[int]string
	client   chatClient
	hungUp   bool
}

func New(settings platform.Settings, creds Credentials, opts platform.Options) *Adapter {
	settings.Name = Name
	if settings.IngestURL == "" {
		settings.IngestURL = DefaultIngestURL
	}
	if settings.RateLimit <= 0 {
		settings.RateLimit = DefaultRateLimit
	}
	d := &driver{
		creds:    creds,
		resolver: NewResolver(),
		newClient: func() (chatClient, error) {
			c, err := kickchat.NewClient()
			if err != nil {
				return nil, err
			}
			return wsClient{c: c}, nil
		},
		idToSlug: make(map[int]string),
	}
	a := &Adapter{
		Base: platform.NewBase(settings, platform.Capabilities{Streamable: true, Chattable: true, ReadOnlyChat: true}, d, opts),
		d:    d,
	}
	d.base = a.Base
	return a
}

func (d *driver) HasRequiredCredentials() bool {
	return len(d.creds.Channels) > 0
}

// Init resolves chatroom ids. Channels that fail to resolve are skipped;
// init fails only when none resolve.
func (d *driver) Init(ctx context.Context) error {
	log := d.base.Logger()
	resolved := make(map[int]string, len(d.creds.Channels))
	var failures error
	for _, ch := range d.creds.Channels {
		if ch.ChatroomID > 0 {
			resolved[ch.ChatroomID] = ch.Slug
			continue
		}
		info, err := d.resolver.Resolve(ctx, ch.Slug)
		if err != nil {
			log.Warn("Failed to resolve Kick channel, skipping", "channel", ch.Slug, "error", err)
			failures = errors.Join(failures, err)
			continue
		}
		log.Info("Resolved Kick channel", "channel", info.Slug, "chatroom_id", info.ChatroomID)
		resolved[info.ChatroomID] = info.Slug
	}
	if len(resolved) == 0 {
		return errs.Connection(Name, "resolve channels", fmt.Errorf("no channel could be resolved: %w", failures))
	}
	d.mu.Lock()
	d.idToSlug = resolved
	d.mu.Unlock()
	return nil
}

func (d *driver) Dial(_ context.Context, link platform.Link) error {
	client, err := d.newClient()
	if err != nil {
		return errs.Connection(Name, "connect chat", err)
	}
	log := d.base.Logger()

	d.mu.Lock()
	rooms := make(map[int]string, len(d.idToSlug))
	for id, slug := range d.idToSlug {
		rooms[id] = slug
	}
	d.mu.Unlock()

	joined := 0
	for id, slug := range rooms {
		if err := client.JoinChannelByID(id); err != nil {
			log.Warn("Failed to join Kick chatroom", "channel", slug, "chatroom_id", id, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		client.Close()
		return errs.Connection(Name, "connect chat", errors.New("no chatroom joined"))
	}

	d.mu.Lock()
	d.client = client
	d.hungUp = false
	d.mu.Unlock()

	messages := client.ListenForMessages()
	go func() {
		for msg := range messages {
			in, ok := convert(msg, rooms)
			if !ok {
				log.Debug("Message from unknown chatroom", "chatroom_id", msg.ChatroomID)
				continue
			}
			link.Receive(in)
		}
		d.mu.Lock()
		hungUp := d.hungUp
		d.mu.Unlock()
		if !hungUp {
			link.Lost(errors.New("kick chat stream closed"))
		}
	}()
	return nil
}

func (d *driver) Hangup(context.Context) error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.hungUp = true
	d.mu.Unlock()
	if client != nil {
		client.Close()
	}
	return nil
}

// Deliver always fails: the chat feed is read-only.
func (d *driver) Deliver(context.Context, queue.Item) error {
	return errs.ErrSendUnsupported
}

func convert(msg kickchat.ChatMessage, rooms map[int]string) (message.Inbound, bool) {
	slug, ok := rooms[msg.ChatroomID]
	if !ok {
		return message.Inbound{}, false
	}
	in := message.Inbound{
		Platform:  Name,
		Channel:   slug,
		UserID:    strconv.Itoa(msg.Sender.ID),
		Username:  msg.Sender.Username,
		Text:      msg.Content,
		Timestamp: msg.CreatedAt,
	}
	for _, b := range msg.Sender.Identity.Badges {
		switch strings.ToLower(b.Type) {
		case "moderator", "broadcaster":
			in.IsModerator = true
		case "subscriber", "founder":
			in.IsSubscriber = true
		}
		if b.Text != "" {
			in.Badges = append(in.Badges, b.Type+":"+b.Text)
		} else {
			in.Badges = append(in.Badges, b.Type)
		}
	}
	return in, true
}
