package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/streamhub/internal/api"
	"github.com/john/streamhub/internal/config"
	"github.com/john/streamhub/internal/event"
	"github.com/john/streamhub/internal/hub"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/metrics"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/platform/platformtest"
	"github.com/john/streamhub/internal/relay/relaytest"
)

type testServer struct {
	*httptest.Server
	hub   *hub.Hub
	fakes map[string]*platformtest.Adapter
	token string
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	cfg, err := config.Parse([]byte("stream:\n  stop_grace: 50ms\n  input_template: rtmp://ingest/live/{stream_id}\n"))
	require.NoError(t, err)

	fakes := make(map[string]*platformtest.Adapter)
	build := func(opts platform.Options) []platform.Adapter {
		fakes["twitch"] = platformtest.New(platform.Settings{Name: "twitch", Enabled: true, RateLimit: 1,
			IngestURL: "rtmp://live.twitch.tv/app", StreamKey: "live_1"},
			platform.Capabilities{Streamable: true, Chattable: true}, opts)
		fakes["discord"] = platformtest.Chat("discord", opts)
		fakes["telegram"] = platformtest.Chat("telegram", opts)
		fakes["youtube"] = platformtest.New(platform.Settings{Name: "youtube", Enabled: true,
			IngestURL: "rtmp://a.rtmp.youtube.com/live2", StreamKey: "yt"}, platform.Capabilities{Streamable: true}, opts)
		return []platform.Adapter{fakes["twitch"], fakes["discord"], fakes["telegram"], fakes["youtube"]}
	}

	m := metrics.New()
	h, err := hub.New(cfg, hub.Options{Launcher: &relaytest.Launcher{}, Adapters: build, Metrics: m, Version: "test"})
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	srv := api.New("", h, api.Options{Token: token, Metrics: m.Handler()})
	ts := &testServer{Server: httptest.NewServer(srv.Handler()), hub: h, fakes: fakes, token: token}
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (ts *testServer) json(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	ct := ""
	if body != "" {
		ct = "application/json"
	}
	status, data := ts.do(t, method, path, ct, body)
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return status
}

type streamView struct {
	StreamID     string `json:"stream_id"`
	Input        string `json:"input"`
	Status       string `json:"status"`
	Targets      int    `json:"targets"`
	ActiveRelays int    `json:"active_relays"`
}

type platformView struct {
	IsConnected bool   `json:"isConnected"`
	IsStreaming bool   `json:"isStreaming"`
	Enabled     bool   `json:"enabled"`
	State       string `json:"state"`
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, "")

	status, body := ts.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", string(body))

	status, body = ts.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "stream_active_sessions")
}

func TestStreamsCRUD(t *testing.T) {
	ts := newTestServer(t, "")

	var list struct{ Data []streamView }
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/streams", "", &list))
	assert.NotNil(t, list.Data)
	assert.Empty(t, list.Data)

	var created struct{ Data streamView }
	require.Equal(t, http.StatusCreated, ts.json(t, http.MethodPost, "/api/streams", `{"stream_id":"demo"}`, &created))
	assert.Equal(t, "demo", created.Data.StreamID)
	assert.Equal(t, "rtmp://ingest/live/demo", created.Data.Input)
	assert.Equal(t, "active", created.Data.Status)
	assert.Equal(t, 2, created.Data.Targets)
	assert.Equal(t, 2, created.Data.ActiveRelays)

	assert.Equal(t, http.StatusConflict, ts.json(t, http.MethodPost, "/api/streams", `{"stream_id":"demo"}`, nil))
	assert.Equal(t, http.StatusBadRequest, ts.json(t, http.MethodPost, "/api/streams", `{}`, nil))
	assert.Equal(t, http.StatusBadRequest, ts.json(t, http.MethodPost, "/api/streams", `{"stream_id":`, nil))

	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/streams", "", &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "active", list.Data[0].Status)

	var one struct{ Data streamView }
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/streams/demo", "", &one))
	assert.Equal(t, "demo", one.Data.StreamID)

	var stopped struct{ Data streamView }
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodDelete, "/api/streams/demo", "", &stopped))
	assert.Equal(t, "stopped", stopped.Data.Status)

	var errBody struct{ Error string }
	assert.Equal(t, http.StatusNotFound, ts.json(t, http.MethodDelete, "/api/streams/demo", "", &errBody))
	assert.NotEmpty(t, errBody.Error)
	assert.Equal(t, http.StatusNotFound, ts.json(t, http.MethodGet, "/api/streams/nope", "", nil))
}

func TestPublishHooks(t *testing.T) {
	ts := newTestServer(t, "")
	form := "application/x-www-form-urlencoded"

	status, body := ts.do(t, http.MethodPost, "/api/hooks/publish", form, url.Values{"name": {"demo"}}.Encode())
	require.Equal(t, http.StatusOK, status)
	var res struct {
		StreamID string `json:"stream_id"`
		Started  bool   `json:"started"`
		Error    string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "demo", res.StreamID)
	assert.True(t, res.Started)

	status, body = ts.do(t, http.MethodPost, "/api/hooks/publish", form, url.Values{"name": {"demo"}}.Encode())
	require.Equal(t, http.StatusOK, status, "a duplicate publish is reported in the body")
	res.Started = true
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Started)
	assert.NotEmpty(t, res.Error)

	status, _ = ts.do(t, http.MethodPost, "/api/hooks/publish", form, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, "/api/hooks/unpublish", "application/json", `{"stream_id":"demo"}`)
	assert.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodPost, "/api/hooks/unpublish", form, "name=demo")
	assert.Equal(t, http.StatusOK, status, "unknown streams are ignored")
	assert.Empty(t, ts.hub.Streams())
}

func TestSocialPlatforms(t *testing.T) {
	ts := newTestServer(t, "")

	var out struct{ Data map[string]platformView }
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/social/platforms", "", &out))
	require.Len(t, out.Data, 4)
	assert.True(t, out.Data["discord"].IsConnected)
	assert.True(t, out.Data["discord"].Enabled)
	assert.False(t, out.Data["youtube"].IsConnected)
	assert.False(t, out.Data["youtube"].IsStreaming)

	_, err := ts.hub.Publish(context.Background(), "live")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/social/platforms", "", &out))
	assert.True(t, out.Data["youtube"].IsStreaming)
	assert.True(t, out.Data["twitch"].IsStreaming)
	assert.False(t, out.Data["discord"].IsStreaming)
}

func TestSocialCommands(t *testing.T) {
	ts := newTestServer(t, "")

	require.Equal(t, http.StatusOK, ts.json(t, http.MethodPost, "/api/social/discord/send", `{"message":"hello"}`, nil))
	assert.Equal(t, []string{"hello"}, ts.fakes["discord"].Driver.Sent())

	status, _ := ts.do(t, http.MethodPost, "/api/social/telegram/send", "application/x-www-form-urlencoded", "text=form+body")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"form body"}, ts.fakes["telegram"].Driver.Sent())

	assert.Equal(t, http.StatusBadRequest, ts.json(t, http.MethodPost, "/api/social/discord/send", `{"message":"  "}`, nil))
	assert.Equal(t, http.StatusNotFound, ts.json(t, http.MethodPost, "/api/social/myspace/send", `{"message":"x"}`, nil))
	assert.Equal(t, http.StatusNotImplemented, ts.json(t, http.MethodPost, "/api/social/youtube/send", `{"message":"x"}`, nil))

	var results struct {
		Data map[string]struct {
			Sent  bool   `json:"sent"`
			Error string `json:"error"`
		}
	}
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodPost, "/api/social/broadcast", `{"message":"all","exclude":["twitch"]}`, &results))
	assert.Len(t, results.Data, 2)
	assert.True(t, results.Data["discord"].Sent)
	assert.True(t, results.Data["telegram"].Sent)
	assert.Empty(t, ts.fakes["twitch"].Driver.Sent())

	var view struct{ Data platformView }
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodPost, "/api/social/telegram/reconnect", "", &view))
	assert.True(t, view.Data.IsConnected)
	_, dials, _ := ts.fakes["telegram"].Driver.Counts()
	assert.Equal(t, 2, dials)

	require.Equal(t, http.StatusOK, ts.json(t, http.MethodPost, "/api/social/youtube/enable", "", &view))
	assert.True(t, view.Data.Enabled)
	assert.Equal(t, http.StatusNotFound, ts.json(t, http.MethodPost, "/api/social/myspace/reconnect", "", nil))
}

func TestChatHistory(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	for _, in := range []message.Inbound{
		{Platform: "telegram", UserID: "1", Username: "alice", Text: "first"},
		{Platform: "discord", UserID: "2", Username: "bob", Text: "second"},
		{Platform: "telegram", UserID: "1", Username: "alice", Text: "third"},
	} {
		_, _, err := ts.hub.Ingest(ctx, in)
		require.NoError(t, err)
	}

	var out struct{ Data []message.ChatMessage }
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/chat/history", "", &out))
	assert.Len(t, out.Data, 3)

	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/chat/history?platform=telegram&limit=1", "", &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "third", out.Data[0].Message)

	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/chat/history?platform=kick", "", &out))
	assert.NotNil(t, out.Data)
	assert.Empty(t, out.Data)

	assert.Equal(t, http.StatusBadRequest, ts.json(t, http.MethodGet, "/api/chat/history?limit=many", "", nil))
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	var st struct {
		Version   string
		Platforms []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		}
		Chat hub.ChatStatus
	}
	require.Equal(t, http.StatusOK, ts.json(t, http.MethodGet, "/api/status", "", &st))
	assert.Equal(t, "test", st.Version)
	require.Len(t, st.Platforms, 4)
	assert.NotEmpty(t, st.Platforms[0].State)
	assert.Equal(t, 100, st.Chat.HistoryCap)
}

func TestTokenAuth(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = ts.Client().Get(ts.URL + "/api/status?token=s3cret")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ := ts.do(t, http.MethodGet, "/api/status", "", "")
	assert.Equal(t, http.StatusOK, status)

	resp, err = ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays open")
}

func TestEventsWebsocket(t *testing.T) {
	ts := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?types=session_started"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	_, err = ts.hub.Publish(context.Background(), "demo")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev event.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, event.SessionStarted, ev.Kind)
	assert.Equal(t, "demo", ev.StreamID)
}
