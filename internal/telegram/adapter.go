// Package telegram is the Telegram chat adapter using the Bot API with
// long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

const (
	Name             = "telegram"
	DefaultRateLimit = 500 * time.Millisecond
	pollTimeout      = 30
	// requestTimeout bounds every Bot API call, long polls included.
	requestTimeout = (pollTimeout + 15) * time.Second
)

type Credentials struct {
	Token string
	// ChatIDs limits which chats are read. The first is the default
	// destination; without one, replies go to the last active chat.
	ChatIDs []int64
	// APIEndpoint overrides tgbotapi.APIEndpoint.
	APIEndpoint string
}

type Adapter struct {
	*platform.Base
	d *driver
}

type driver struct {
	creds Credentials
	base  *platform.Base

	mu        sync.Mutex
	bot       *tgbotapi.BotAPI
	receiving bool
	lastChat  int64
}

var setLogger sync.Once

func New(settings platform.Settings, creds Credentials, opts platform.Options) *Adapter {
	settings.Name = Name
	if settings.RateLimit <= 0 {
		settings.RateLimit = DefaultRateLimit
	}
	if creds.APIEndpoint == "" {
		creds.APIEndpoint = tgbotapi.APIEndpoint
	}
	d := &driver{creds: creds}
	a := &Adapter{
		Base: platform.NewBase(settings, platform.Capabilities{Chattable: true}, d, opts),
		d:    d,
	}
	d.base = a.Base
	setLogger.Do(func() {
		_ = tgbotapi.SetLogger(botLogger{a.Logger()})
	})
	return a
}

func (d *driver) HasRequiredCredentials() bool {
	return d.creds.Token != ""
}

// Init authenticates with getMe. The call is bound to ctx; later calls
// use a client limited by requestTimeout.
func (d *driver) Init(ctx context.Context) error {
	client := &http.Client{Timeout: requestTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(d.creds.Token, d.creds.APIEndpoint, boundClient{ctx: ctx, client: client})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errs.Connection(Name, "initialize", ctxErr)
		}
		return classify("initialize", err)
	}
	bot.Client = client
	d.mu.Lock()
	old, oldReceiving := d.bot, d.receiving
	d.bot = bot
	d.receiving = false
	d.mu.Unlock()
	if old != nil && oldReceiving {
		old.StopReceivingUpdates()
	}
	d.base.Logger().Info("Telegram bot authorized", "bot", bot.Self.UserName)
	return nil
}

// boundClient attaches ctx to every request it sends.
type boundClient struct {
	ctx    context.Context
	client *http.Client
}

func (c boundClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

func classify(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 404) {
		return errs.Configuration(Name, op, fmt.Errorf("%w: %v", errs.ErrAuthFailure, err))
	}
	msg := err.Error()
	if strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "Not Found") {
		return errs.Configuration(Name, op, fmt.Errorf("%w: %v", errs.ErrAuthFailure, err))
	}
	return errs.Connection(Name, op, err)
}

func (d *driver) Dial(_ context.Context, link platform.Link) error {
	d.mu.Lock()
	bot := d.bot
	if bot == nil {
		d.mu.Unlock()
		return errs.Connection(Name, "connect chat", errors.New("not initialized"))
	}
	d.receiving = true
	d.mu.Unlock()

	allowed := make(map[int64]bool, len(d.creds.ChatIDs))
	for _, id := range d.creds.ChatIDs {
		allowed[id] = true
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := bot.GetUpdatesChan(u)

	go func() {
		for update := range updates {
			in, chatID, ok := convert(update, bot.Self.ID, allowed)
			if !ok {
				continue
			}
			d.mu.Lock()
			d.lastChat = chatID
			d.mu.Unlock()
			link.Receive(in)
		}
		d.mu.Lock()
		stopped := d.bot != bot || !d.receiving
		d.mu.Unlock()
		if !stopped {
			link.Lost(errors.New("telegram update channel closed"))
		}
	}()
	return nil
}

func (d *driver) Hangup(context.Context) error {
	d.mu.Lock()
	bot := d.bot
	receiving := d.receiving
	d.receiving = false
	d.mu.Unlock()
	if bot != nil && receiving {
		bot.StopReceivingUpdates()
	}
	return nil
}

func (d *driver) Deliver(_ context.Context, item queue.Item) error {
	d.mu.Lock()
	bot := d.bot
	last := d.lastChat
	d.mu.Unlock()
	if bot == nil {
		return errs.ErrNotConnected
	}

	chatID, err := d.destination(item.Options.Channel, last)
	if err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, item.Text)
	if item.Options.ReplyTo != "" {
		if id, err := strconv.Atoi(item.Options.ReplyTo); err == nil {
			msg.ReplyToMessageID = id
		}
	}
	if _, err := bot.Send(msg); err != nil {
		return classify("send", err)
	}
	return nil
}

func (d *driver) destination(channel string, last int64) (int64, error) {
	if channel != "" {
		id, err := strconv.ParseInt(channel, 10, 64)
		if err != nil {
			return 0, errs.Configuration(Name, "send", fmt.Errorf("invalid chat id %q", channel))
		}
		return id, nil
	}
	if len(d.creds.ChatIDs) > 0 {
		return d.creds.ChatIDs[0], nil
	}
	if last != 0 {
		return last, nil
	}
	return 0, errs.Configuration(Name, "send", errors.New("no chat id configured and no chat seen yet"))
}

func convert(update tgbotapi.Update, selfID int64, allowed map[int64]bool) (message.Inbound, int64, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil || m.Text == "" {
		return message.Inbound{}, 0, false
	}
	if m.From.IsBot || m.From.ID == selfID {
		return message.Inbound{}, 0, false
	}
	if len(allowed) > 0 && !allowed[m.Chat.ID] {
		return message.Inbound{}, 0, false
	}
	username := m.From.UserName
	if username == "" {
		username = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	}
	return message.Inbound{
		Platform:  Name,
		Channel:   strconv.FormatInt(m.Chat.ID, 10),
		UserID:    strconv.FormatInt(m.From.ID, 10),
		Username:  username,
		Text:      m.Text,
		Timestamp: m.Time(),
		MessageID: strconv.Itoa(m.MessageID),
	}, m.Chat.ID, true
}

// botLogger routes the library's logging into slog.
type botLogger struct{ logger *slog.Logger }

func (l botLogger) Println(v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l botLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
