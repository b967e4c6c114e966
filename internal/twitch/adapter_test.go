package twitch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gempir/go-twitch-irc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

type fakeIRC struct {
	mu        sync.Mutex
	onMessage func(twitch.PrivateMessage)
	onConnect func()
	joined    []string
	said      []string
	connErr   error
	stop      chan struct{}
}

func newFakeIRC() *fakeIRC { return &fakeIRC{stop: make(chan struct{})} }

func (f *fakeIRC) OnPrivateMessage(cb func(twitch.PrivateMessage))  { f.onMessage = cb }
func (f *fakeIRC) OnConnect(cb func())                              { f.onConnect = cb }
func (f *fakeIRC) OnReconnectMessage(func(twitch.ReconnectMessage)) {}
func (f *fakeIRC) Join(channels ...string)                          { f.joined = append(f.joined, channels...) }

func (f *fakeIRC) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+": "+text)
}

func (f *fakeIRC) Reply(channel, parent, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+" re "+parent+": "+text)
}

func (f *fakeIRC) Connect() error {
	if f.connErr != nil {
		return f.connErr
	}
	f.onConnect()
	<-f.stop
	return twitch.ErrClientDisconnected
}

func (f *fakeIRC) Disconnect() error {
	close(f.stop)
	return nil
}

func (f *fakeIRC) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

func newTestAdapter(fake *fakeIRC) *Adapter {
	a := New(platform.Settings{Enabled: true, AutoResponse: true, RateLimit: time.Nanosecond},
		Credentials{Username: "streamhub", OAuth: "abc", Channels: []string{"#StreamerName"}},
		platform.Options{})
	a.d.newClient = func(username, oauth string) ircClient {
		return fake
	}
	return a
}

func TestTwitchChatRoundTrip(t *testing.T) {
	fake := newFakeIRC()
	a := newTestAdapter(fake)
	t.Cleanup(a.Close)

	assert.Equal(t, "oauth:abc", a.d.creds.OAuth)
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.ConnectChat(context.Background()))
	assert.Equal(t, []string{"streamername"}, fake.joined)

	fake.onMessage(twitch.PrivateMessage{
		User:    twitch.User{ID: "99", Name: "viewer", DisplayName: "Viewer", Badges: map[string]int{"subscriber": 12, "moderator": 1}},
		Channel: "streamername",
		Message: "hi",
		ID:      "msg-1",
		Time:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Emotes:  []*twitch.Emote{{ID: "25", Name: "Kappa", Count: 2}},
	})
	select {
	case in := <-a.Inbound():
		assert.Equal(t, "Viewer", in.Username)
		assert.True(t, in.IsModerator)
		assert.True(t, in.IsSubscriber)
		assert.Equal(t, []string{"moderator/1", "subscriber/12"}, in.Badges)
		assert.Equal(t, "Kappa", in.Emotes[0].Name)
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}

	require.NoError(t, a.SendMessage(context.Background(), "welcome", queue.Options{}))
	require.NoError(t, a.SendMessage(context.Background(), "thanks", queue.Options{ReplyTo: "msg-1"}))
	assert.Equal(t, []string{"streamername: welcome", "streamername re msg-1: thanks"}, fake.lines())

	require.NoError(t, a.DisconnectChat(context.Background()))
}

func TestTwitchAuthFailureIsConfiguration(t *testing.T) {
	fake := newFakeIRC()
	fake.connErr = twitch.ErrLoginAuthenticationFailed
	a := newTestAdapter(fake)
	t.Cleanup(a.Close)

	err := a.ConnectChat(context.Background())
	require.ErrorIs(t, err, errs.ErrAuthFailure)
	assert.False(t, errs.IsRetryable(err))
}

func TestTwitchStreamTarget(t *testing.T) {
	a := New(platform.Settings{StreamKey: "live_1"}, Credentials{}, platform.Options{})
	t.Cleanup(a.Close)
	assert.False(t, a.HasRequiredCredentials())

	target, err := a.StreamTarget()
	require.NoError(t, err)
	assert.Equal(t, "rtmp://live.twitch.tv/app/live_1", target.OutputURL)
	assert.Equal(t, DefaultRateLimit.Milliseconds(), a.Status().RateLimitMS)
}
