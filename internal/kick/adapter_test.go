package kick

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	kickchat "github.com/johanvandegriff/kick-chat-wrapper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

func TestResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/channels/xqc":
			assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
			_, _ = w.Write([]byte(`{"id":668,"slug":"xqc","chatroom":{"id":668123}}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	r := &Resolver{BaseURL: srv.URL, Client: srv.Client()}

	ch, err := r.Resolve(context.Background(), " XQC ")
	require.NoError(t, err)
	assert.Equal(t, Channel{Slug: "xqc", ChannelID: 668, ChatroomID: 668123}, ch)

	_, err = r.Resolve(context.Background(), "nobody")
	assert.ErrorContains(t, err, "status 404")
}

type stubResolver map[string]int

func (s stubResolver) Resolve(_ context.Context, slug string) (Channel, error) {
	id, ok := s[slug]
	if !ok {
		return Channel{}, errors.New("status 404")
	}
	return Channel{Slug: slug, ChatroomID: id}, nil
}

type fakeChat struct {
	joined   []int
	messages chan kickchat.ChatMessage
	closed   bool
}

func (f *fakeChat) JoinChannelByID(id int) error {
	f.joined = append(f.joined, id)
	return nil
}
func (f *fakeChat) ListenForMessages() <-chan kickchat.ChatMessage { return f.messages }
func (f *fakeChat) Close() {
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
}

func newTestAdapter(t *testing.T, fake *fakeChat, channels ...ChannelConfig) *Adapter {
	t.Helper()
	a := New(platform.Settings{Enabled: true}, Credentials{Channels: channels}, platform.Options{})
	a.d.resolver = stubResolver{"xqc": 668123}
	a.d.newClient = func() (chatClient, error) { return fake, nil }
	t.Cleanup(a.Close)
	return a
}

func TestKickReadOnlyChat(t *testing.T) {
	fake := &fakeChat{messages: make(chan kickchat.ChatMessage, 1)}
	a := newTestAdapter(t, fake, ChannelConfig{Slug: "xqc"}, ChannelConfig{Slug: "ghost"}, ChannelConfig{Slug: "known", ChatroomID: 42})

	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.ConnectChat(context.Background()))
	assert.ElementsMatch(t, []int{668123, 42}, fake.joined)

	var msg kickchat.ChatMessage
	msg.ChatroomID = 668123
	msg.Content = "W stream"
	msg.CreatedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg.Sender.ID = 77
	msg.Sender.Username = "chatter"
	msg.Sender.Identity.Badges = []kickchat.Badge{{Type: "subscriber", Text: "Subscriber"}, {Type: "moderator"}}
	fake.messages <- msg

	select {
	case in := <-a.Inbound():
		assert.Equal(t, "xqc", in.Channel)
		assert.Equal(t, "77", in.UserID)
		assert.True(t, in.IsModerator)
		assert.True(t, in.IsSubscriber)
		assert.Equal(t, []string{"subscriber:Subscriber", "moderator"}, in.Badges)
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}

	assert.False(t, a.Capabilities().CanSend())
	err := a.SendMessage(context.Background(), "hello", queue.Options{})
	assert.ErrorIs(t, err, errs.ErrSendUnsupported)
	assert.Zero(t, a.Status().QueueLength)

	require.NoError(t, a.DisconnectChat(context.Background()))
	assert.True(t, fake.closed)
	assert.Equal(t, platform.Disconnected, a.Status().State)
}

func TestKickInitFailsWhenNothingResolves(t *testing.T) {
	a := newTestAdapter(t, &fakeChat{messages: make(chan kickchat.ChatMessage)}, ChannelConfig{Slug: "ghost"})
	err := a.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestKickLostWhenFeedCloses(t *testing.T) {
	fake := &fakeChat{messages: make(chan kickchat.ChatMessage)}
	a := newTestAdapter(t, fake, ChannelConfig{Slug: "known", ChatroomID: 42})
	require.NoError(t, a.Initialize(context.Background()))
	require.NoError(t, a.ConnectChat(context.Background()))

	close(fake.messages)
	fake.closed = true
	require.Eventually(t, func() bool { return !a.Status().ChatConnected }, time.Second, 5*time.Millisecond)
	assert.Contains(t, a.Status().LastError, "closed")
}
