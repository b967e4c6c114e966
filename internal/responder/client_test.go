package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/streamhub/internal/message"
)

var alice = message.SessionKey{Platform: "telegram", UserID: "42"}

type engine struct {
	calls   atomic.Int32
	last    atomic.Value
	reply   string
	status  int
	latency time.Duration
}

func (e *engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.calls.Add(1)
	var req engineRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	e.last.Store(req)
	if e.latency > 0 {
		time.Sleep(e.latency)
	}
	if e.status != 0 {
		w.WriteHeader(e.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(e.reply))
}

func newEngine(t *testing.T, e *engine) string {
	t.Helper()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestQuickResponseSkipsEngine(t *testing.T) {
	e := &engine{reply: `[]`}
	c := New(Config{URL: newEngine(t, e)})

	r := c.Respond(context.Background(), alice, "  Hi! ", nil)
	assert.Equal(t, "Hello! 👋 Welcome to the stream!", r.Text)
	assert.Equal(t, 1.0, r.Confidence)
	assert.True(t, r.Cached)
	assert.False(t, r.Fallback)
	assert.Zero(t, e.calls.Load())
}

func TestEngineReplyIsCached(t *testing.T) {
	e := &engine{reply: `[{"text":"We stream weekdays at 9 UTC","confidence":0.93,"intent":"ask_schedule"}]`}
	c := New(Config{URL: newEngine(t, e)})

	md := map[string]any{"platform": "telegram"}
	first := c.Respond(context.Background(), alice, "When do you stream?", md)
	assert.Equal(t, "We stream weekdays at 9 UTC", first.Text)
	assert.Equal(t, "ask_schedule", first.Intent)
	assert.False(t, first.Cached)

	req := e.last.Load().(engineRequest)
	assert.Equal(t, "telegram:42", req.Sender)
	assert.Equal(t, "When do you stream?", req.Message)
	assert.Equal(t, "telegram", req.Metadata["platform"])

	second := c.Respond(context.Background(), message.SessionKey{Platform: "twitch", UserID: "7"}, "when do you stream", nil)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.EqualValues(t, 1, e.calls.Load())
}

func TestLowConfidenceFallsBackAndIsNotCached(t *testing.T) {
	e := &engine{reply: `[{"text":"maybe?","confidence":0.4}]`}
	c := New(Config{URL: newEngine(t, e), FallbackText: "fallback"})

	for i := 0; i < 2; i++ {
		r := c.Respond(context.Background(), alice, "what is this", nil)
		assert.True(t, r.Fallback)
		assert.Equal(t, "fallback", r.Text)
		assert.Zero(t, r.Confidence)
	}
	assert.EqualValues(t, 2, e.calls.Load())
}

func TestMissingConfidence(t *testing.T) {
	e := &engine{reply: `[{"text":"first"},{"text":"second"}]`}

	strict := New(Config{URL: newEngine(t, e)})
	assert.True(t, strict.Respond(context.Background(), alice, "tell me", nil).Fallback)

	trusting := New(Config{URL: newEngine(t, e), TrustMissingConfidence: true})
	r := trusting.Respond(context.Background(), alice, "tell me", nil)
	assert.False(t, r.Fallback)
	assert.Equal(t, "first\nsecond", r.Text)
}

func TestEngineFailuresFallBack(t *testing.T) {
	tests := []struct {
		name   string
		engine *engine
	}{
		{"server error", &engine{status: http.StatusInternalServerError}},
		{"bad json", &engine{reply: `{not json`}},
		{"empty", &engine{reply: `[]`}},
		{"timeout", &engine{reply: `[{"text":"late","confidence":1}]`, latency: 200 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(Config{URL: newEngine(t, tt.engine), Timeout: 50 * time.Millisecond})
			r := c.Respond(context.Background(), alice, "status?", nil)
			assert.True(t, r.Fallback)
			assert.Equal(t, DefaultFallbackText, r.Text)
		})
	}
}

func TestUnreachableEngine(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1/webhook", Timeout: 200 * time.Millisecond})
	r := c.Respond(context.Background(), alice, "anyone?", nil)
	assert.True(t, r.Fallback)
}

func TestLongInputsAreNotCached(t *testing.T) {
	e := &engine{reply: `[{"text":"ok","confidence":1}]`}
	c := New(Config{URL: newEngine(t, e)})
	long := "this is a rather long question that keeps going well past the cache limit for inputs"
	require.Greater(t, len(long), maxCacheableRunes)

	c.Respond(context.Background(), alice, long, nil)
	r := c.Respond(context.Background(), alice, long, nil)
	assert.False(t, r.Cached)
	assert.EqualValues(t, 2, e.calls.Load())
}

func TestSessionsTrackActivity(t *testing.T) {
	c := New(Config{SessionIdle: 50 * time.Millisecond})

	c.Respond(context.Background(), alice, "hi", nil)
	c.Respond(context.Background(), alice, "hello", nil)
	s, ok := c.Session(alice)
	require.True(t, ok)
	assert.Equal(t, 2, s.MessageCount)

	assert.Eventually(t, func() bool {
		_, ok := c.Session(alice)
		return !ok
	}, time.Second, 10*time.Millisecond, "idle sessions expire")
}

func TestNoEngineConfigured(t *testing.T) {
	c := New(Config{})
	assert.True(t, c.Respond(context.Background(), alice, "question", nil).Fallback)
	assert.False(t, c.Respond(context.Background(), alice, "hey", nil).Fallback)
}
