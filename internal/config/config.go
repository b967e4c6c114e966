package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Stream    StreamConfig    `yaml:"stream"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Chat      ChatConfig      `yaml:"chat"`
	Responder ResponderConfig `yaml:"responder"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `yaml:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StreamConfig holds the relay defaults. Empty codec fields fall back to
// the built-in transcoder profile.
type StreamConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
	// InputTemplate builds the relay input for a published stream;
	// {stream_id} is replaced with the stream id.
	InputTemplate  string        `yaml:"input_template"`
	HealthInterval time.Duration `yaml:"health_interval"`
	ErrorLogSize   int           `yaml:"error_log_size"`
	StopGrace      time.Duration `yaml:"stop_grace"`

	Copy         bool     `yaml:"copy"`
	VideoCodec   string   `yaml:"video_codec"`
	VideoBitrate string   `yaml:"video_bitrate"`
	MaxRate      string   `yaml:"max_rate"`
	BufSize      string   `yaml:"buf_size"`
	Preset       string   `yaml:"preset"`
	GOP          int      `yaml:"gop"`
	AudioCodec   string   `yaml:"audio_codec"`
	AudioBitrate string   `yaml:"audio_bitrate"`
	AudioRate    int      `yaml:"audio_rate"`
	Format       string   `yaml:"format"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// Common holds the settings every platform block shares.
type Common struct {
	Enabled           bool          `yaml:"enabled"`
	RateLimit         time.Duration `yaml:"rate_limit"`
	AutoResponse      *bool         `yaml:"auto_response"` // default true
	AllowSelfResponse bool          `yaml:"allow_self_response"`
	StreamKey         string        `yaml:"stream_key"`
	IngestURL         string        `yaml:"ingest_url"`
	VideoBitrate      string        `yaml:"video_bitrate"`
	AudioBitrate      string        `yaml:"audio_bitrate"`
}

// AutoResponds reports the effective auto_response flag.
func (c Common) AutoResponds() bool {
	return c.AutoResponse == nil || *c.AutoResponse
}

type PlatformsConfig struct {
	Twitch   TwitchConfig   `yaml:"twitch"`
	Kick     KickConfig     `yaml:"kick"`
	Discord  DiscordConfig  `yaml:"discord"`
	Telegram TelegramConfig `yaml:"telegram"`
	YouTube  Common         `yaml:"youtube"`
	Facebook Common         `yaml:"facebook"`
	Custom   []CustomTarget `yaml:"custom"`
}

// EnabledNames lists the enabled platforms in adapter order.
func (p PlatformsConfig) EnabledNames() []string {
	var names []string
	for _, c := range []struct {
		name string
		on   bool
	}{
		{"twitch", p.Twitch.Enabled},
		{"kick", p.Kick.Enabled},
		{"discord", p.Discord.Enabled},
		{"telegram", p.Telegram.Enabled},
		{"youtube", p.YouTube.Enabled},
		{"facebook", p.Facebook.Enabled},
	} {
		if c.on {
			names = append(names, c.name)
		}
	}
	for _, t := range p.Custom {
		if t.Enabled {
			names = append(names, strings.ToLower(t.Name))
		}
	}
	return names
}

// TwitchConfig holds Twitch-specific configuration
type TwitchConfig struct {
	Common   `yaml:",inline"`
	Username string   `yaml:"username"`
	OAuth    string   `yaml:"oauth"`
	Channels []string `yaml:"channels"`
}

type KickConfig struct {
	Common   `yaml:",inline"`
	Channels []KickChannel `yaml:"channels"`
}

// KickChannel names a channel by slug. A known chatroom id skips the
// lookup against the Kick API.
type KickChannel struct {
	Slug       string `yaml:"slug"`
	ChatroomID int    `yaml:"chatroom_id"`
}

type DiscordConfig struct {
	Common     `yaml:",inline"`
	Token      string   `yaml:"token"`
	ChannelIDs []string `yaml:"channel_ids"`
}

type TelegramConfig struct {
	Common      `yaml:",inline"`
	Token       string  `yaml:"token"`
	ChatIDs     []int64 `yaml:"chat_ids"`
	APIEndpoint string  `yaml:"api_endpoint"`
}

// CustomTarget is an extra stream-only RTMP destination.
type CustomTarget struct {
	Name   string `yaml:"name"`
	Common `yaml:",inline"`
}

type BackoffConfig struct {
	Base           time.Duration `yaml:"base"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type ChatConfig struct {
	HistorySize  int  `yaml:"history_size"`
	SendFallback bool `yaml:"send_fallback"`
}

type ResponderConfig struct {
	URL                    string            `yaml:"url"`
	Timeout                time.Duration     `yaml:"timeout"`
	Threshold              float64           `yaml:"threshold"`
	FallbackText           string            `yaml:"fallback_text"`
	CacheTTL               time.Duration     `yaml:"cache_ttl"`
	SessionIdle            time.Duration     `yaml:"session_idle"`
	TrustMissingConfidence bool              `yaml:"trust_missing_confidence"`
	QuickResponses         map[string]string `yaml:"quick_responses"`
}

// ArchiveConfig holds recorder configuration and the S3 upload target.
// Without a bucket, files stay on local disk.
type ArchiveConfig struct {
	Enabled         bool     `yaml:"enabled"`
	OutputDir       string   `yaml:"output_dir"`
	RotateMinutes   int      `yaml:"rotate_minutes"`
	RotateMegabytes int      `yaml:"rotate_megabytes"`
	BufferSize      int      `yaml:"buffer_size"`
	S3              S3Config `yaml:"s3"`
}

// S3Config holds S3 upload configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	RoleARN         string `yaml:"role_arn"`   // IAM role ARN for OIDC authentication
	TokenFile       string `yaml:"token_file"` // web identity token; default is the Fly.io socket
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"` // For S3-compatible services
	DeleteAfter     *bool  `yaml:"delete_after_upload"`
	MaxRetries      int    `yaml:"max_retries"`
}

// DeleteAfterUpload defaults to true.
func (c S3Config) DeleteAfterUpload() bool {
	return c.DeleteAfter == nil || *c.DeleteAfter
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	BusHistory    int    `yaml:"bus_history"`
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse applies environment overrides and defaults to a YAML document and
// validates the result. Missing platform credentials are not an error.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Platforms.Twitch.OAuth, "TWITCH_OAUTH")
	set(&c.Platforms.Twitch.StreamKey, "TWITCH_STREAM_KEY")
	set(&c.Platforms.Kick.StreamKey, "KICK_STREAM_KEY")
	set(&c.Platforms.YouTube.StreamKey, "YOUTUBE_STREAM_KEY")
	set(&c.Platforms.Facebook.StreamKey, "FACEBOOK_STREAM_KEY")
	set(&c.Platforms.Discord.Token, "DISCORD_TOKEN")
	set(&c.Platforms.Telegram.Token, "TELEGRAM_TOKEN")
	set(&c.Archive.S3.RoleARN, "AWS_ROLE_ARN")
	set(&c.Archive.S3.AccessKeyID, "S3_ACCESS_KEY_ID")
	set(&c.Archive.S3.SecretAccessKey, "S3_SECRET_ACCESS_KEY")
	set(&c.Responder.URL, "RESPONDER_URL")
	set(&c.Events.NATSURL, "NATS_URL")
	set(&c.Server.Token, "API_TOKEN")
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Stream.FFmpegPath == "" {
		c.Stream.FFmpegPath = "ffmpeg"
	}
	if c.Stream.InputTemplate == "" {
		c.Stream.InputTemplate = "rtmp://127.0.0.1:1935/live/{stream_id}"
	}
	if c.Stream.HealthInterval == 0 {
		c.Stream.HealthInterval = 30 * time.Second
	}
	if c.Stream.ErrorLogSize == 0 {
		c.Stream.ErrorLogSize = 10
	}
	if c.Stream.StopGrace == 0 {
		c.Stream.StopGrace = 5 * time.Second
	}

	if c.Backoff.Base == 0 {
		c.Backoff.Base = 2 * time.Second
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = 5
	}
	if c.Backoff.ConnectTimeout == 0 {
		c.Backoff.ConnectTimeout = 30 * time.Second
	}

	if c.Chat.HistorySize == 0 {
		c.Chat.HistorySize = 100
	}

	if c.Responder.Timeout == 0 {
		c.Responder.Timeout = 5 * time.Second
	}
	if c.Responder.Threshold == 0 {
		c.Responder.Threshold = 0.7
	}
	if c.Responder.CacheTTL == 0 {
		c.Responder.CacheTTL = 5 * time.Minute
	}
	if c.Responder.SessionIdle == 0 {
		c.Responder.SessionIdle = 30 * time.Minute
	}

	if c.Archive.OutputDir == "" {
		c.Archive.OutputDir = "./data"
	}
	if c.Archive.RotateMinutes == 0 {
		c.Archive.RotateMinutes = 60
	}
	if c.Archive.RotateMegabytes == 0 {
		c.Archive.RotateMegabytes = 100
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = 100
	}
	if c.Archive.S3.MaxRetries == 0 {
		c.Archive.S3.MaxRetries = 3
	}

	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "streamhub.events"
	}
	if c.Events.BusHistory == 0 {
		c.Events.BusHistory = 100
	}
}

var builtinTargets = map[string]bool{
	"twitch": true, "kick": true, "discord": true, "telegram": true, "youtube": true, "facebook": true,
}

// Validate checks the structure of the configuration. It reports every
// problem found, joined.
func (c *Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		check(false, "log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		check(false, "log.format %q is not one of text, json", c.Log.Format)
	}

	check(c.Stream.HealthInterval > 0, "stream.health_interval must be positive")
	check(c.Stream.ErrorLogSize > 0, "stream.error_log_size must be positive")
	check(c.Stream.StopGrace > 0, "stream.stop_grace must be positive")
	check(c.Stream.GOP >= 0, "stream.gop must not be negative")
	check(c.Stream.AudioRate >= 0, "stream.audio_rate must not be negative")

	check(c.Backoff.Base > 0, "backoff.base must be positive")
	check(c.Backoff.MaxAttempts > 0, "backoff.max_attempts must be positive")
	check(c.Backoff.ConnectTimeout > 0, "backoff.connect_timeout must be positive")

	check(c.Chat.HistorySize > 0, "chat.history_size must be positive")

	check(c.Responder.Timeout > 0, "responder.timeout must be positive")
	check(c.Responder.Threshold > 0 && c.Responder.Threshold <= 1, "responder.threshold must be in (0, 1]")
	check(c.Responder.CacheTTL > 0, "responder.cache_ttl must be positive")
	check(c.Responder.SessionIdle > 0, "responder.session_idle must be positive")

	p := c.Platforms
	for name, common := range map[string]Common{
		"twitch":   p.Twitch.Common,
		"kick":     p.Kick.Common,
		"discord":  p.Discord.Common,
		"telegram": p.Telegram.Common,
		"youtube":  p.YouTube,
		"facebook": p.Facebook,
	} {
		check(common.RateLimit >= 0, "platforms.%s.rate_limit must not be negative", name)
	}
	for _, ch := range p.Kick.Channels {
		check(ch.Slug != "" || ch.ChatroomID > 0, "platforms.kick.channels entries need a slug or chatroom_id")
	}
	seen := make(map[string]bool)
	for i, t := range p.Custom {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		check(name != "", "platforms.custom[%d].name is required", i)
		check(!builtinTargets[name], "platforms.custom[%d].name %q clashes with a built-in platform", i, name)
		check(!seen[name], "platforms.custom[%d].name %q is duplicated", i, name)
		check(!t.Enabled || t.IngestURL != "", "platforms.custom[%d].ingest_url is required", i)
		check(t.RateLimit >= 0, "platforms.custom[%d].rate_limit must not be negative", i)
		seen[name] = true
	}

	a := c.Archive
	check(a.RotateMinutes > 0, "archive.rotate_minutes must be positive")
	check(a.RotateMegabytes > 0, "archive.rotate_megabytes must be positive")
	check(a.BufferSize > 0, "archive.buffer_size must be positive")
	check(a.S3.MaxRetries >= 0, "archive.s3.max_retries must not be negative")
	if a.S3.Bucket != "" {
		check(a.S3.Region != "", "archive.s3.region is required when a bucket is set")
		// If using static credentials, both key and secret are required
		check(a.S3.AccessKeyID == "" || a.S3.SecretAccessKey != "",
			"archive.s3.secret_access_key is required when using access_key_id")
	}

	check(c.Events.BusHistory >= 0, "events.bus_history must not be negative")

	return errors.Join(problems...)
}
