// Package platform defines the contract every external platform adapter
// implements and the shared machinery behind it.
//
// A concrete platform only supplies a Driver (credentials check, init, dial,
// hangup, deliver). Base turns a Driver into a full Adapter: it tracks the
// connection state, owns the outbound queue, forwards inbound chat to a
// per-adapter channel and emits lifecycle events. Adding a platform means
// adding a Driver; the orchestrator does not change.
package platform

import (
	"context"
	"encoding/json"
	"time"

	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/queue"
)

// Capabilities are the feature flags of an adapter.
type Capabilities struct {
	Streamable bool `json:"streamable"`
	Chattable  bool `json:"chattable"`
	// ReadOnlyChat marks a chat feed that can be read but not written to.
	ReadOnlyChat bool `json:"read_only_chat,omitempty"`
}

// CanSend reports whether outbound chat messages can be delivered.
func (c Capabilities) CanSend() bool {
	return c.Chattable && !c.ReadOnlyChat
}

// ConnState is the chat connection state of an adapter.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Backoff
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

func (s ConnState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Target is where a relay pushes the transcoded stream for one adapter.
type Target struct {
	Name      string `json:"name"`
	OutputURL string `json:"-"`
	// Codec overrides for this target; zero values use the session defaults.
	VideoBitrate string `json:"video_bitrate,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
}

// Adapter is the uniform lifecycle contract of a platform.
//
// Chat state and stream state are independent: an adapter may be streaming
// with chat disconnected and vice versa.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Settings() Settings
	HasRequiredCredentials() bool

	// Initialize verifies credentials and prepares the platform client.
	// Fails with errs.ErrMissingCredentials or errs.ErrAuthFailure.
	Initialize(ctx context.Context) error

	// StreamTarget resolves the relay destination of a streamable adapter.
	StreamTarget() (Target, error)
	// StartStream and StopStream flip the streaming flag and emit the
	// matching event. Both return false without error when not streamable.
	StartStream(ctx context.Context) (bool, error)
	StopStream(ctx context.Context) (bool, error)

	ConnectChat(ctx context.Context) error
	// DisconnectChat is idempotent.
	DisconnectChat(ctx context.Context) error

	// SendMessage enqueues text on the outbound queue and waits for the
	// outcome. SendMessageAsync returns the completion handle instead.
	SendMessage(ctx context.Context, text string, opts queue.Options) error
	SendMessageAsync(text string, opts queue.Options) *queue.Pending

	// Inbound delivers raw chat events received by this adapter.
	Inbound() <-chan message.Inbound

	Status() Status
	// Close rejects queued outbound items and releases the adapter.
	Close()

	core() *Base
}

// Status is a point-in-time snapshot of an adapter.
type Status struct {
	Name              string       `json:"name"`
	Capabilities      Capabilities `json:"capabilities"`
	Enabled           bool         `json:"enabled"`
	HasCredentials    bool         `json:"has_credentials"`
	State             ConnState    `json:"state"`
	ChatConnected     bool         `json:"chat_connected"`
	Streaming         bool         `json:"streaming"`
	Degraded          bool         `json:"degraded"`
	Disabled          bool         `json:"disabled"`
	ReconnectAttempt  int          `json:"reconnect_attempt"`
	RateLimitMS       int64        `json:"rate_limit_ms"`
	LastSend          time.Time    `json:"last_send,omitempty"`
	QueueLength       int          `json:"queue_length"`
	AutoResponse      bool         `json:"auto_response"`
	AllowSelfResponse bool         `json:"allow_self_response"`
	LastError         string       `json:"last_error,omitempty"`
}

// Settings is the per-adapter configuration shared by every platform.
type Settings struct {
	Name              string
	Enabled           bool
	RateLimit         time.Duration
	AutoResponse      bool
	AllowSelfResponse bool
	// IngestURL is the RTMP(S) base the stream key is appended to.
	IngestURL    string
	StreamKey    string
	VideoBitrate string
	AudioBitrate string
}

// Driver is the platform-specific part of an adapter.
type Driver interface {
	// HasRequiredCredentials reports whether chat credentials are present.
	HasRequiredCredentials() bool
	// Init prepares the platform client. Called on every (re)connect cycle
	// on the same driver instance.
	Init(ctx context.Context) error
	// Dial opens the chat connection. Inbound messages and unexpected
	// connection loss are reported through the Link.
	Dial(ctx context.Context, link Link) error
	// Hangup closes the chat connection.
	Hangup(ctx context.Context) error
	// Deliver transmits one outbound message.
	Deliver(ctx context.Context, item queue.Item) error
}

// Link is how a driver reports back to its adapter.
type Link interface {
	Receive(in message.Inbound)
	Lost(err error)
}
