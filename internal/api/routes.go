package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/stream"
)

const defaultHistoryLimit = 50

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	route := func(pattern string, h apiHandler) {
		mux.HandleFunc(pattern, s.authorized(s.handle(h)))
	}
	route("GET /api/status", s.status)
	route("GET /api/streams", s.listStreams)
	route("POST /api/streams", s.startStream)
	route("GET /api/streams/{id}", s.getStream)
	route("DELETE /api/streams/{id}", s.stopStream)
	route("POST /api/hooks/publish", s.publish)
	route("POST /api/hooks/unpublish", s.unpublish)
	route("GET /api/social/platforms", s.platforms)
	route("POST /api/social/broadcast", s.broadcast)
	route("POST /api/social/{name}/send", s.send)
	route("POST /api/social/{name}/reconnect", s.reconnect)
	route("POST /api/social/{name}/enable", s.enable)
	route("GET /api/chat/history", s.history)
	mux.HandleFunc("GET /api/events", s.authorized(s.events))

	return mux
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) *apiError {
	writeJSON(w, http.StatusOK, s.svc.Status())
	return nil
}

func (s *Server) listStreams(w http.ResponseWriter, _ *http.Request) *apiError {
	streams := s.svc.Streams()
	if streams == nil {
		streams = []stream.Snapshot{}
	}
	writeData(w, http.StatusOK, streams)
	return nil
}

type startStreamRequest struct {
	StreamID string   `json:"stream_id"`
	Input    string   `json:"input"`
	Targets  []string `json:"targets"`
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) *apiError {
	var req startStreamRequest
	if err := decodeBody(w, r, &req, map[string]*string{"stream_id": &req.StreamID, "input": &req.Input}); err != nil {
		return err
	}
	if strings.TrimSpace(req.StreamID) == "" {
		return badRequest("stream_id is required")
	}
	snap, err := s.svc.StartStream(r.Context(), req.StreamID, req.Input, stream.StartOptions{Targets: req.Targets})
	if err != nil {
		return fromError(err)
	}
	writeData(w, http.StatusCreated, snap)
	return nil
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) *apiError {
	snap, err := s.svc.Stream(r.PathValue("id"))
	if err != nil {
		return fromError(err)
	}
	writeData(w, http.StatusOK, snap)
	return nil
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) *apiError {
	snap, err := s.svc.StopStream(r.Context(), r.PathValue("id"))
	if err != nil {
		return fromError(err)
	}
	writeData(w, http.StatusOK, snap)
	return nil
}

type hookRequest struct {
	Name     string `json:"name"`
	StreamID string `json:"stream_id"`
}

func (req hookRequest) id() string {
	if req.StreamID != "" {
		return req.StreamID
	}
	return req.Name
}

func (s *Server) decodeHook(w http.ResponseWriter, r *http.Request) (string, *apiError) {
	var req hookRequest
	if err := decodeBody(w, r, &req, map[string]*string{"name": &req.Name, "stream_id": &req.StreamID}); err != nil {
		return "", err
	}
	id := strings.TrimSpace(req.id())
	if id == "" {
		return "", badRequest("name or stream_id is required")
	}
	return id, nil
}

// publish always answers 200 for a well-formed hook so the ingest server
// keeps accepting the stream; relay problems are reported in the body.
func (s *Server) publish(w http.ResponseWriter, r *http.Request) *apiError {
	id, apiErr := s.decodeHook(w, r)
	if apiErr != nil {
		return apiErr
	}
	snap, err := s.svc.Publish(r.Context(), id)
	if err != nil {
		s.logger.Warn("Publish hook could not start session", "stream_id", id, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"stream_id": id, "started": false, "error": err.Error()})
		return nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"stream_id": id, "started": true, "data": snap})
	return nil
}

func (s *Server) unpublish(w http.ResponseWriter, r *http.Request) *apiError {
	id, apiErr := s.decodeHook(w, r)
	if apiErr != nil {
		return apiErr
	}
	if err := s.svc.Unpublish(r.Context(), id); err != nil {
		return fromError(err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"stream_id": id, "stopped": true})
	return nil
}

// platformView is the per-platform shape the response engine's actions read.
type platformView struct {
	IsConnected  bool                  `json:"isConnected"`
	IsStreaming  bool                  `json:"isStreaming"`
	Enabled      bool                  `json:"enabled"`
	State        platform.ConnState    `json:"state"`
	Capabilities platform.Capabilities `json:"capabilities"`
	Degraded     bool                  `json:"degraded"`
	Disabled     bool                  `json:"disabled"`
	QueueLength  int                   `json:"queueLength"`
	LastError    string                `json:"lastError,omitempty"`
}

func viewOf(st platform.Status) platformView {
	return platformView{
		IsConnected:  st.ChatConnected,
		IsStreaming:  st.Streaming,
		Enabled:      st.Enabled,
		State:        st.State,
		Capabilities: st.Capabilities,
		Degraded:     st.Degraded,
		Disabled:     st.Disabled,
		QueueLength:  st.QueueLength,
		LastError:    st.LastError,
	}
}

func (s *Server) platforms(w http.ResponseWriter, _ *http.Request) *apiError {
	out := make(map[string]platformView)
	for _, st := range s.svc.Platforms() {
		out[st.Name] = viewOf(st)
	}
	writeData(w, http.StatusOK, out)
	return nil
}

type sendRequest struct {
	Message string   `json:"message"`
	Text    string   `json:"text"`
	Exclude []string `json:"exclude"`
}

func (req sendRequest) text() string {
	if req.Message != "" {
		return req.Message
	}
	return req.Text
}

func (s *Server) decodeSend(w http.ResponseWriter, r *http.Request) (sendRequest, *apiError) {
	var req sendRequest
	if err := decodeBody(w, r, &req, map[string]*string{"message": &req.Message, "text": &req.Text}); err != nil {
		return req, err
	}
	if strings.TrimSpace(req.text()) == "" {
		return req, badRequest("message is required")
	}
	return req, nil
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) *apiError {
	req, apiErr := s.decodeSend(w, r)
	if apiErr != nil {
		return apiErr
	}
	name := r.PathValue("name")
	if err := s.svc.Send(r.Context(), name, req.text()); err != nil {
		return fromError(err)
	}
	writeData(w, http.StatusOK, map[string]any{"platform": name, "sent": true})
	return nil
}

type sendResult struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) *apiError {
	req, apiErr := s.decodeSend(w, r)
	if apiErr != nil {
		return apiErr
	}
	results := s.svc.Broadcast(r.Context(), req.text(), req.Exclude...)
	out := make(map[string]sendResult, len(results))
	for name, err := range results {
		res := sendResult{Sent: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		out[name] = res
	}
	writeData(w, http.StatusOK, out)
	return nil
}

func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) *apiError {
	return s.platformCommand(w, r, s.svc.Reconnect)
}

func (s *Server) enable(w http.ResponseWriter, r *http.Request) *apiError {
	return s.platformCommand(w, r, s.svc.Enable)
}

func (s *Server) platformCommand(w http.ResponseWriter, r *http.Request, cmd func(context.Context, string) error) *apiError {
	name := r.PathValue("name")
	if err := cmd(r.Context(), name); err != nil {
		return fromError(err)
	}
	st, err := s.svc.Platform(name)
	if err != nil {
		return fromError(err)
	}
	writeData(w, http.StatusOK, viewOf(st))
	return nil
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) *apiError {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest("invalid limit %q", v)
		}
		limit = n
	}
	msgs := s.svc.History(r.URL.Query().Get("platform"), limit)
	if msgs == nil {
		writeData(w, http.StatusOK, []any{})
		return nil
	}
	writeData(w, http.StatusOK, msgs)
	return nil
}
