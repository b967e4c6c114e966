package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	badges := []string{"moderator/1"}

	msg, err := Normalize(Inbound{
		Platform:    " Twitch ",
		Channel:     "#streamer",
		UserID:      "42",
		Username:    "alice",
		Text:        "  hi  ",
		IsModerator: true,
		Badges:      badges,
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "twitch", msg.Platform)
	assert.Equal(t, "streamer", msg.Channel)
	assert.Equal(t, "hi", msg.Message)
	assert.Equal(t, now, msg.Timestamp)
	assert.True(t, msg.IsModerator)

	badges[0] = "changed"
	assert.Equal(t, []string{"moderator/1"}, msg.Badges, "badges must be copied")
}

func TestNormalizeKeepsPlatformTimestamp(t *testing.T) {
	sent := time.Date(2025, 3, 1, 11, 59, 0, 0, time.FixedZone("x", 3600))
	msg, err := Normalize(Inbound{Platform: "kick", UserID: "1", Username: "bob", Text: "yo", Timestamp: sent}, time.Now())
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.Equal(sent))
	assert.Equal(t, time.UTC, msg.Timestamp.Location())
}

func TestNormalizeRejectsMissingFields(t *testing.T) {
	_, err := Normalize(Inbound{Platform: "discord", Username: "carol", Text: "   "}, time.Now())
	require.ErrorIs(t, err, ErrInvalidMessage)
	assert.Contains(t, err.Error(), "userId")
	assert.Contains(t, err.Error(), "message")
}

func TestSessionKey(t *testing.T) {
	msg := ChatMessage{Platform: "telegram", UserID: "alice"}
	assert.Equal(t, "telegram:alice", msg.Key().String())
}
