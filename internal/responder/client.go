// Package responder asks an external conversational engine for chat
// replies. Failures never surface to callers; they get a fallback reply.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/metrics"
)

const (
	DefaultTimeout      = 5 * time.Second
	DefaultThreshold    = 0.7
	DefaultCacheTTL     = 5 * time.Minute
	DefaultSessionIdle  = 30 * time.Minute
	DefaultFallbackText = "Thanks for your message! 💬 A moderator will get back to you soon."

	defaultCacheSize   = 512
	defaultMaxSessions = 10000
	// Only short inputs are cached; long ones rarely repeat verbatim.
	maxCacheableRunes = 64
)

// Reply is the outcome of one Respond call. Cached is set when the reply
// was served locally without an engine round-trip.
type Reply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Intent     string  `json:"intent,omitempty"`
	Cached     bool    `json:"cached,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
}

type Config struct {
	// URL of the engine webhook. Empty disables engine calls.
	URL          string
	Timeout      time.Duration
	Threshold    float64
	FallbackText string
	CacheTTL     time.Duration
	CacheSize    int
	SessionIdle  time.Duration
	MaxSessions  int
	// QuickResponses maps normalized inputs to canned replies. Nil uses
	// DefaultQuickResponses; an empty map disables them.
	QuickResponses map[string]string
	// TrustMissingConfidence treats engine replies without a confidence
	// as certain.
	TrustMissingConfidence bool
	HTTPClient             *http.Client
	Logger                 *slog.Logger
	Metrics                *metrics.Metrics
}

// Session tracks one (platform, user) conversation for context only.
type Session struct {
	Key          message.SessionKey `json:"key"`
	LastActivity time.Time          `json:"last_activity"`
	MessageCount int                `json:"message_count"`
}

type Client struct {
	cfg      Config
	http     *http.Client
	cache    *expirable.LRU[string, Reply]
	sessions *expirable.LRU[string, Session]
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func DefaultQuickResponses() map[string]string {
	greeting := "Hello! 👋 Welcome to the stream!"
	return map[string]string{
		"hi":      greeting,
		"hello":   greeting,
		"hey":     greeting,
		"hiya":    greeting,
		"gm":      "Good morning! ☀️ Glad you're here!",
		"gn":      "Good night! 🌙 Thanks for hanging out!",
		"bye":     "See you next time! 👋",
		"goodbye": "See you next time! 👋",
		"thanks":  "You're welcome! 💖",
		"ty":      "You're welcome! 💖",
	}
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = DefaultSessionIdle
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.QuickResponses == nil {
		cfg.QuickResponses = DefaultQuickResponses()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:      cfg,
		http:     httpClient,
		cache:    expirable.NewLRU[string, Reply](cfg.CacheSize, nil, cfg.CacheTTL),
		sessions: expirable.NewLRU[string, Session](cfg.MaxSessions, nil, cfg.SessionIdle),
		logger:   cfg.Logger.With("component", "responder"),
		metrics:  cfg.Metrics,
	}
}

// Respond returns a reply for text from the user identified by key.
func (c *Client) Respond(ctx context.Context, key message.SessionKey, text string, metadata map[string]any) Reply {
	sess := c.touch(key)
	norm := normalize(text)

	if canned, ok := c.cfg.QuickResponses[norm]; ok {
		c.metrics.Responder("quick")
		return Reply{Text: canned, Confidence: 1, Intent: "quick_response", Cached: true}
	}
	if cacheable(norm) {
		if r, ok := c.cache.Get(norm); ok {
			c.metrics.Responder("cache")
			r.Cached = true
			return r
		}
	}
	if c.cfg.URL == "" {
		c.metrics.Responder("disabled")
		return c.fallback()
	}

	r, err := c.ask(ctx, key, sess, text, metadata)
	if err != nil {
		c.metrics.Responder("error")
		c.logger.Warn("Response engine unavailable", "session", key.String(), "error", err)
		return c.fallback()
	}
	if r.Text == "" || r.Confidence < c.cfg.Threshold {
		c.metrics.Responder("low_confidence")
		c.logger.Debug("Low confidence reply", "session", key.String(), "intent", r.Intent, "confidence", r.Confidence)
		return c.fallback()
	}
	c.metrics.Responder("engine")
	if cacheable(norm) {
		c.cache.Add(norm, r)
	}
	return r
}

// Session returns the tracked session for key, if it has not idled out.
func (c *Client) Session(key message.SessionKey) (Session, bool) {
	return c.sessions.Peek(key.String())
}

func (c *Client) Sessions() int { return c.sessions.Len() }

// Purge drops cached replies and sessions.
func (c *Client) Purge() {
	c.cache.Purge()
	c.sessions.Purge()
}

func (c *Client) touch(key message.SessionKey) Session {
	s, ok := c.sessions.Get(key.String())
	if !ok {
		s = Session{Key: key}
	}
	s.LastActivity = time.Now()
	s.MessageCount++
	// Re-adding restarts the idle timer.
	c.sessions.Add(key.String(), s)
	return s
}

func (c *Client) fallback() Reply {
	return Reply{Text: c.cfg.FallbackText, Confidence: 0, Intent: "fallback", Fallback: true}
}

type engineRequest struct {
	Sender   string         `json:"sender"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type engineReply struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
	Intent     string   `json:"intent"`
}

func (c *Client) ask(ctx context.Context, key message.SessionKey, sess Session, text string, metadata map[string]any) (Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	md := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["message_count"] = sess.MessageCount

	body, err := json.Marshal(engineRequest{Sender: key.String(), Message: text, Metadata: md})
	if err != nil {
		return Reply{}, errs.ResponseEngine("encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, errs.ResponseEngine("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, errs.ResponseEngine("post", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reply{}, errs.ResponseEngine("post", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}

	var replies []engineReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&replies); err != nil {
		return Reply{}, errs.ResponseEngine("decode reply", err)
	}
	return c.combine(replies)
}

// combine joins the text of every engine message. The first explicit
// confidence and intent win.
func (c *Client) combine(replies []engineReply) (Reply, error) {
	var texts []string
	var out Reply
	haveConfidence := false
	for _, r := range replies {
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		texts = append(texts, r.Text)
		if !haveConfidence && r.Confidence != nil {
			out.Confidence = *r.Confidence
			haveConfidence = true
		}
		if out.Intent == "" {
			out.Intent = r.Intent
		}
	}
	if len(texts) == 0 {
		return Reply{}, errs.ResponseEngine("decode reply", errors.New("no text in reply"))
	}
	if !haveConfidence && c.cfg.TrustMissingConfidence {
		out.Confidence = 1
	}
	out.Text = strings.Join(texts, "\n")
	return out, nil
}

func normalize(text string) string {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRight(text, "!?.,~ ")
}

func cacheable(norm string) bool {
	return norm != "" && utf8.RuneCountInString(norm) <= maxCacheableRunes
}
