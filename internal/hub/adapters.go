package hub

import (
	"github.com/john/streamhub/internal/config"
	"github.com/john/streamhub/internal/discord"
	"github.com/john/streamhub/internal/kick"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/rtmp"
	"github.com/john/streamhub/internal/telegram"
	"github.com/john/streamhub/internal/twitch"
)

// BuildAdapters creates one adapter per configured platform. Disabled
// platforms are built too so their status stays visible.
func BuildAdapters(cfg *config.Config, opts platform.Options) []platform.Adapter {
	p := cfg.Platforms

	kickChannels := make([]kick.ChannelConfig, 0, len(p.Kick.Channels))
	for _, ch := range p.Kick.Channels {
		kickChannels = append(kickChannels, kick.ChannelConfig{Slug: ch.Slug, ChatroomID: ch.ChatroomID})
	}

	adapters := []platform.Adapter{
		twitch.New(settings(twitch.Name, p.Twitch.Common), twitch.Credentials{
			Username: p.Twitch.Username,
			OAuth:    p.Twitch.OAuth,
			Channels: p.Twitch.Channels,
		}, opts),
		kick.New(settings(kick.Name, p.Kick.Common), kick.Credentials{Channels: kickChannels}, opts),
		discord.New(settings(discord.Name, p.Discord.Common), discord.Credentials{
			Token:      p.Discord.Token,
			ChannelIDs: p.Discord.ChannelIDs,
		}, opts),
		telegram.New(settings(telegram.Name, p.Telegram.Common), telegram.Credentials{
			Token:       p.Telegram.Token,
			ChatIDs:     p.Telegram.ChatIDs,
			APIEndpoint: p.Telegram.APIEndpoint,
		}, opts),
		rtmp.New(settings("youtube", p.YouTube), opts),
		rtmp.New(settings("facebook", p.Facebook), opts),
	}
	for _, t := range p.Custom {
		adapters = append(adapters, rtmp.New(settings(t.Name, t.Common), opts))
	}
	return adapters
}

func settings(name string, c config.Common) platform.Settings {
	return platform.Settings{
		Name:              name,
		Enabled:           c.Enabled,
		RateLimit:         c.RateLimit,
		AutoResponse:      c.AutoResponds(),
		AllowSelfResponse: c.AllowSelfResponse,
		IngestURL:         c.IngestURL,
		StreamKey:         c.StreamKey,
		VideoBitrate:      c.VideoBitrate,
		AudioBitrate:      c.AudioBitrate,
	}
}
