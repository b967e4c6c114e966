// Package rtmp provides stream-only adapters for destinations reached by a
// plain RTMP(S) ingest URL and stream key, such as YouTube and Facebook.
package rtmp

import (
	"context"
	"strings"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

// Known ingest endpoints by adapter name.
var Presets = map[string]string{
	"youtube":  "rtmp://a.rtmp.youtube.com/live2",
	"facebook": "rtmps://live-api-s.facebook.com:443/rtmp",
	"twitter":  "rtmp://va.pscp.tv:80/x",
	"trovo":    "rtmp://livepush.trovo.live/live",
}

type Adapter struct {
	*platform.Base
}

type driver struct {
	key string
}

// New builds a stream-only adapter. The ingest URL defaults to the preset
// for the adapter name.
func New(settings platform.Settings, opts platform.Options) *Adapter {
	settings.Name = strings.ToLower(strings.TrimSpace(settings.Name))
	if settings.IngestURL == "" {
		settings.IngestURL = Presets[settings.Name]
	}
	d := &driver{key: settings.StreamKey}
	return &Adapter{Base: platform.NewBase(settings, platform.Capabilities{Streamable: true}, d, opts)}
}

func (d *driver) HasRequiredCredentials() bool { return d.key != "" }

func (d *driver) Init(context.Context) error { return nil }

func (d *driver) Dial(context.Context, platform.Link) error { return errs.ErrNotChattable }

func (d *driver) Hangup(context.Context) error { return nil }

func (d *driver) Deliver(context.Context, queue.Item) error { return errs.ErrNotChattable }
