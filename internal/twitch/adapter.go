// Package twitch is the Twitch adapter: RTMP ingest for streaming and IRC
// for chat.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

const (
	Name             = "twitch"
	DefaultIngestURL = "rtmp://live.twitch.tv/app"
	DefaultRateLimit = 1500 * time.Millisecond
)

// Credentials for the chat side.
type Credentials struct {
	Username string
	OAuth    string
	Channels []string
}

// ircClient is the part of *twitch.Client the adapter uses.
type ircClient interface {
	OnPrivateMessage(func(twitch.PrivateMessage))
	OnConnect(func())
	OnReconnectMessage(func(twitch.ReconnectMessage))
	Join(channels ...string)
	Say(channel, text string)
	Reply(channel, parentMsgID, text string)
	Connect() error
	Disconnect() error
}

type Adapter struct {
	*platform.Base
	d *driver
}

type driver struct {
	creds     Credentials
	newClient func(username, oauth string) ircClient
	base      *platform.Base

	mu     sync.Mutex
	client ircClient
}

func New(settings platform.Settings, creds Credentials, opts platform.Options) *Adapter {
	settings.Name = Name
	if settings.IngestURL == "" {
		settings.IngestURL = DefaultIngestURL
	}
	if settings.RateLimit <= 0 {
		settings.RateLimit = DefaultRateLimit
	}
	for i, ch := range creds.Channels {
		creds.Channels[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
	}
	if creds.OAuth != "" && !strings.HasPrefix(creds.OAuth, "oauth:") {
		creds.OAuth = "oauth:" + creds.OAuth
	}
	d := &driver{
		creds: creds,
		newClient: func(username, oauth string) ircClient {
			return twitch.NewClient(username, oauth)
		},
	}
	a := &Adapter{
		Base: platform.NewBase(settings, platform.Capabilities{Streamable: true, Chattable: true}, d, opts),
		d:    d,
	}
	d.base = a.Base
	return a
}

func (d *driver) HasRequiredCredentials() bool {
	return d.creds.Username != "" && d.creds.OAuth != "" && len(d.creds.Channels) > 0
}

// Init has nothing to prepare; IRC authenticates during Dial.
func (d *driver) Init(context.Context) error { return nil }

func (d *driver) Dial(ctx context.Context, link platform.Link) error {
	client := d.newClient(d.creds.Username, d.creds.OAuth)
	log := d.base.Logger()

	connected := make(chan struct{})
	var once sync.Once
	client.OnConnect(func() {
		once.Do(func() { close(connected) })
	})
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		log.Info("Twitch requested reconnect")
	})
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		link.Receive(convert(msg))
	})
	client.Join(d.creds.Channels...)

	failed := make(chan error, 1)
	go func() {
		err := client.Connect()
		if errors.Is(err, twitch.ErrClientDisconnected) {
			return
		}
		select {
		case failed <- err:
		default:
		}
		link.Lost(err)
	}()

	select {
	case <-connected:
	case err := <-failed:
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return errs.Configuration(Name, "connect chat", fmt.Errorf("%w: %v", errs.ErrAuthFailure, err))
		}
		return errs.Connection(Name, "connect chat", err)
	case <-ctx.Done():
		_ = client.Disconnect()
		return errs.Connection(Name, "connect chat", ctx.Err())
	}

	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	log.Info("Joined Twitch channels", "channels", d.creds.Channels)
	return nil
}

func (d *driver) Hangup(context.Context) error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Disconnect()
}

func (d *driver) Deliver(_ context.Context, item queue.Item) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return errs.ErrNotConnected
	}
	channel := item.Options.Channel
	if channel == "" {
		channel = d.creds.Channels[0]
	}
	if item.Options.ReplyTo != "" {
		client.Reply(channel, item.Options.ReplyTo, item.Text)
		return nil
	}
	client.Say(channel, item.Text)
	return nil
}

func convert(msg twitch.PrivateMessage) message.Inbound {
	username := msg.User.DisplayName
	if username == "" {
		username = msg.User.Name
	}
	_, mod := msg.User.Badges["moderator"]
	_, owner := msg.User.Badges["broadcaster"]
	_, sub := msg.User.Badges["subscriber"]
	_, founder := msg.User.Badges["founder"]
	return message.Inbound{
		Platform:     Name,
		Channel:      msg.Channel,
		UserID:       msg.User.ID,
		Username:     username,
		Text:         msg.Message,
		Timestamp:    msg.Time,
		MessageID:    msg.ID,
		IsModerator:  mod || owner,
		IsSubscriber: sub || founder,
		Badges:       formatBadges(msg.User.Badges),
		Emotes:       convertEmotes(msg.Emotes),
	}
}

// formatBadges renders badges as sorted "name/version" strings.
func formatBadges(badges map[string]int) []string {
	if len(badges) == 0 {
		return nil
	}
	parts := make([]string, 0, len(badges))
	for badge, version := range badges {
		parts = append(parts, badge+"/"+strconv.Itoa(version))
	}
	sort.Strings(parts)
	return parts
}

func convertEmotes(emotes []*twitch.Emote) []message.Emote {
	var out []message.Emote
	for _, e := range emotes {
		if e == nil {
			continue
		}
		out = append(out, message.Emote{ID: e.ID, Name: e.Name, Count: e.Count})
	}
	return out
}
