// Package discord is the Discord chat adapter, built on a bot session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

const (
	Name             = "discord"
	DefaultRateLimit = time.Second
)

type Credentials struct {
	Token string
	// ChannelIDs limits which channels are read. The first is the default
	// destination for outbound messages.
	ChannelIDs []string
}

type Adapter struct {
	*platform.Base
	d *driver
}

type driver struct {
	creds Credentials
	base  *platform.Base

	mu      sync.Mutex
	session *discordgo.Session
	remove  []func()
}

func New(settings platform.Settings, creds Credentials, opts platform.Options) *Adapter {
	settings.Name = Name
	if settings.RateLimit <= 0 {
		settings.RateLimit = DefaultRateLimit
	}
	d := &driver{creds: creds}
	a := &Adapter{
		Base: platform.NewBase(settings, platform.Capabilities{Chattable: true}, d, opts),
		d:    d,
	}
	d.base = a.Base
	return a
}

func (d *driver) HasRequiredCredentials() bool {
	return d.creds.Token != "" && len(d.creds.ChannelIDs) > 0
}

func (d *driver) Init(context.Context) error {
	token := d.creds.Token
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return errs.Configuration(Name, "initialize", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	// Reconnects go through the registry's backoff instead.
	s.ShouldReconnectOnError = false

	d.mu.Lock()
	old := d.session
	d.session = s
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (d *driver) Dial(ctx context.Context, link platform.Link) error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return errs.Connection(Name, "connect chat", errors.New("not initialized"))
	}

	allowed := make(map[string]bool, len(d.creds.ChannelIDs))
	for _, id := range d.creds.ChannelIDs {
		allowed[id] = true
	}
	removeMsg := s.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		self := ""
		if s.State != nil && s.State.User != nil {
			self = s.State.User.ID
		}
		in, ok := convert(m, self, allowed)
		if ok {
			link.Receive(in)
		}
	})
	removeDisc := s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		link.Lost(errors.New("discord gateway disconnected"))
	})

	opened := make(chan error, 1)
	go func() { opened <- s.Open() }()
	select {
	case err := <-opened:
		if err != nil {
			removeMsg()
			removeDisc()
			return classifyOpen(err)
		}
	case <-ctx.Done():
		removeMsg()
		removeDisc()
		go func() {
			if err := <-opened; err == nil {
				_ = s.Close()
			}
		}()
		return errs.Connection(Name, "connect chat", ctx.Err())
	}

	d.mu.Lock()
	d.remove = []func(){removeMsg, removeDisc}
	d.mu.Unlock()
	if s.State != nil && s.State.User != nil {
		d.base.Logger().Info("Discord session open", "bot", s.State.User.Username)
	}
	return nil
}

func classifyOpen(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == 401 {
		return errs.Configuration(Name, "connect chat", fmt.Errorf("%w: %v", errs.ErrAuthFailure, err))
	}
	if strings.Contains(err.Error(), "4004") || strings.Contains(strings.ToLower(err.Error()), "authentication failed") {
		return errs.Configuration(Name, "connect chat", fmt.Errorf("%w: %v", errs.ErrAuthFailure, err))
	}
	return errs.Connection(Name, "connect chat", err)
}

func (d *driver) Hangup(context.Context) error {
	d.mu.Lock()
	s := d.session
	remove := d.remove
	d.remove = nil
	d.mu.Unlock()
	for _, f := range remove {
		f()
	}
	if s == nil {
		return nil
	}
	return s.Close()
}

func (d *driver) Deliver(ctx context.Context, item queue.Item) error {
	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s == nil {
		return errs.ErrNotConnected
	}
	channel := item.Options.Channel
	if channel == "" {
		channel = d.creds.ChannelIDs[0]
	}
	var err error
	if item.Options.ReplyTo != "" {
		ref := &discordgo.MessageReference{MessageID: item.Options.ReplyTo, ChannelID: channel}
		_, err = s.ChannelMessageSendReply(channel, item.Text, ref, discordgo.WithContext(ctx))
	} else {
		_, err = s.ChannelMessageSend(channel, item.Text, discordgo.WithContext(ctx))
	}
	return err
}

// convert maps a gateway message. Messages from bots, from ourselves and
// from channels outside the allow list are dropped.
func convert(m *discordgo.MessageCreate, selfID string, allowed map[string]bool) (message.Inbound, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return message.Inbound{}, false
	}
	if m.Author.Bot || m.Author.ID == selfID {
		return message.Inbound{}, false
	}
	if len(allowed) > 0 && !allowed[m.ChannelID] {
		return message.Inbound{}, false
	}
	username := m.Author.GlobalName
	if username == "" {
		username = m.Author.Username
	}
	in := message.Inbound{
		Platform:  Name,
		Channel:   m.ChannelID,
		UserID:    m.Author.ID,
		Username:  username,
		Text:      m.Content,
		Timestamp: m.Timestamp,
		MessageID: m.ID,
	}
	if m.Member != nil {
		in.Badges = append(in.Badges, m.Member.Roles...)
		in.IsSubscriber = m.Member.PremiumSince != nil
	}
	return in, true
}
