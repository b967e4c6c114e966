package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  addr: ":9000"
log:
  level: debug
  format: json
stream:
  health_interval: 10s
  video_bitrate: 4500k
platforms:
  twitch:
    enabled: true
    username: hubbot
    channels: ["#Ludwig"]
    rate_limit: 2s
  kick:
    enabled: true
    channels:
      - slug: xqc
      - chatroom_id: 668
  discord:
    enabled: true
    auto_response: false
    channel_ids: ["123"]
  telegram:
    enabled: true
    allow_self_response: true
    chat_ids: [-100]
  youtube:
    enabled: true
  custom:
    - name: backup
      enabled: true
      ingest_url: rtmp://backup.example.com/live
      stream_key: abc
chat:
  history_size: 50
  send_fallback: true
responder:
  url: http://rasa:5005/webhooks/rest/webhook
  threshold: 0.5
archive:
  enabled: true
  s3:
    bucket: chat-logs
    region: us-east-1
    delete_after_upload: false
events:
  nats_url: nats://localhost:4222
`

func TestParse(t *testing.T) {
	t.Setenv("TWITCH_OAUTH", "secret")
	t.Setenv("YOUTUBE_STREAM_KEY", "yt-key")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10*time.Second, cfg.Stream.HealthInterval)
	assert.Equal(t, "4500k", cfg.Stream.VideoBitrate)

	tw := cfg.Platforms.Twitch
	assert.True(t, tw.Enabled)
	assert.Equal(t, "secret", tw.OAuth)
	assert.Equal(t, 2*time.Second, tw.RateLimit)
	assert.True(t, tw.AutoResponds())

	assert.Equal(t, []KickChannel{{Slug: "xqc"}, {ChatroomID: 668}}, cfg.Platforms.Kick.Channels)
	assert.False(t, cfg.Platforms.Discord.AutoResponds())
	assert.True(t, cfg.Platforms.Telegram.AllowSelfResponse)
	assert.Equal(t, []int64{-100}, cfg.Platforms.Telegram.ChatIDs)
	assert.Equal(t, "yt-key", cfg.Platforms.YouTube.StreamKey)

	require.Len(t, cfg.Platforms.Custom, 1)
	assert.Equal(t, "backup", cfg.Platforms.Custom[0].Name)
	assert.Equal(t, "abc", cfg.Platforms.Custom[0].StreamKey)

	assert.Equal(t, 50, cfg.Chat.HistorySize)
	assert.True(t, cfg.Chat.SendFallback)
	assert.Equal(t, 0.5, cfg.Responder.Threshold)
	assert.False(t, cfg.Archive.S3.DeleteAfterUpload())
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
	assert.Equal(t, []string{"twitch", "kick", "discord", "telegram", "youtube", "backup"}, cfg.Platforms.EnabledNames())
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "ffmpeg", cfg.Stream.FFmpegPath)
	assert.Equal(t, 30*time.Second, cfg.Stream.HealthInterval)
	assert.Equal(t, 10, cfg.Stream.ErrorLogSize)
	assert.Equal(t, 5, cfg.Backoff.MaxAttempts)
	assert.Equal(t, 100, cfg.Chat.HistorySize)
	assert.False(t, cfg.Chat.SendFallback)
	assert.Equal(t, 0.7, cfg.Responder.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Responder.CacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.Responder.SessionIdle)
	assert.True(t, cfg.Archive.S3.DeleteAfterUpload())
	assert.Equal(t, "streamhub.events", cfg.Events.SubjectPrefix)
}

func TestMissingCredentialsAreNotFatal(t *testing.T) {
	cfg, err := Parse([]byte("platforms:\n  twitch:\n    enabled: true\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Platforms.Twitch.OAuth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "log:\n  level: loud\n", "log.level"},
		{"negative history", "chat:\n  history_size: -1\n", "chat.history_size"},
		{"threshold", "responder:\n  threshold: 1.5\n", "responder.threshold"},
		{"negative rate", "platforms:\n  kick:\n    rate_limit: -1s\n", "platforms.kick.rate_limit"},
		{"kick channel", "platforms:\n  kick:\n    channels:\n      - chatroom_id: 0\n", "slug or chatroom_id"},
		{"custom clash", "platforms:\n  custom:\n    - name: twitch\n", "clashes"},
		{"custom url", "platforms:\n  custom:\n    - name: b\n      enabled: true\n", "ingest_url"},
		{"s3 region", "archive:\n  s3:\n    bucket: x\n", "archive.s3.region"},
		{"s3 secret", "archive:\n  s3:\n    bucket: x\n    region: r\n    access_key_id: k\n", "secret_access_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBadDuration(t *testing.T) {
	_, err := Parse([]byte("stream:\n  health_interval: soon\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: :1234\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Server.Addr)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
