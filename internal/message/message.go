package message

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalidMessage is returned when an inbound event lacks a required field.
var ErrInvalidMessage = errors.New("invalid chat message")

// Emote is a platform emote occurrence inside a message.
type Emote struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

// Inbound is the raw shape an adapter hands to the router. Adapters fill in
// whatever their platform provides; Normalize decides what is usable.
type Inbound struct {
	Platform     string
	Channel      string
	UserID       string
	Username     string
	Text         string
	Timestamp    time.Time
	MessageID    string
	IsModerator  bool
	IsSubscriber bool
	Badges       []string
	Emotes       []Emote
}

// ChatMessage represents a normalized chat message from any platform
// (Twitch, Kick, Discord, Telegram, ...). Treat values as immutable: the
// slices are private copies and accessors return copies again.
type ChatMessage struct {
	Platform     string    `json:"platform"`
	Channel      string    `json:"channel,omitempty"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	MessageID    string    `json:"message_id,omitempty"`
	IsModerator  bool      `json:"is_moderator"`
	IsSubscriber bool      `json:"is_subscriber"`
	Badges       []string  `json:"badges,omitempty"`
	Emotes       []Emote   `json:"emotes,omitempty"`
}

// Normalize validates an inbound event and converts it to a ChatMessage.
// A zero timestamp is replaced with now.
func Normalize(in Inbound, now time.Time) (ChatMessage, error) {
	platform := strings.ToLower(strings.TrimSpace(in.Platform))
	userID := strings.TrimSpace(in.UserID)
	username := strings.TrimSpace(in.Username)
	text := strings.TrimSpace(in.Text)

	var missing []string
	if platform == "" {
		missing = append(missing, "platform")
	}
	if userID == "" {
		missing = append(missing, "userId")
	}
	if username == "" {
		missing = append(missing, "username")
	}
	if text == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return ChatMessage{}, fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = now
	}

	return ChatMessage{
		Platform:     platform,
		Channel:      strings.TrimPrefix(strings.TrimSpace(in.Channel), "#"),
		UserID:       userID,
		Username:     username,
		Message:      text,
		Timestamp:    ts.UTC(),
		MessageID:    in.MessageID,
		IsModerator:  in.IsModerator,
		IsSubscriber: in.IsSubscriber,
		Badges:       slices.Clone(in.Badges),
		Emotes:       slices.Clone(in.Emotes),
	}, nil
}

// Clone returns a copy that shares no slices with m.
func (m ChatMessage) Clone() ChatMessage {
	m.Badges = slices.Clone(m.Badges)
	m.Emotes = slices.Clone(m.Emotes)
	return m
}

// Key returns the conversation key of the message author.
func (m ChatMessage) Key() SessionKey {
	return SessionKey{Platform: m.Platform, UserID: m.UserID}
}

// SessionKey identifies one user on one platform.
type SessionKey struct {
	Platform string
	UserID   string
}

func (k SessionKey) String() string {
	return k.Platform + ":" + k.UserID
}
