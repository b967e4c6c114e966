package relay_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/streamhub/internal/errs"
	"github.com/john/streamhub/internal/relay"
	"github.com/john/streamhub/internal/relay/relaytest"
)

func startRelay(t *testing.T, l *relaytest.Launcher, exits chan relay.Snapshot) *relay.Relay {
	t.Helper()
	r, err := relay.Start(context.Background(), relay.Config{
		ID:        "r1",
		Target:    "twitch",
		Spec:      relay.Spec{Input: "rtmp://localhost/live/demo", Output: "rtmp://live.twitch.tv/app/key"},
		Launcher:  l,
		StopGrace: 50 * time.Millisecond,
		OnExit:    func(s relay.Snapshot) { exits <- s },
	})
	require.NoError(t, err)
	return r
}

func waitExit(t *testing.T, exits chan relay.Snapshot) relay.Snapshot {
	t.Helper()
	select {
	case s := <-exits:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not exit")
		return relay.Snapshot{}
	}
}

func TestRelayConnectedThenStopped(t *testing.T) {
	l := &relaytest.Launcher{}
	exits := make(chan relay.Snapshot, 1)
	r := startRelay(t, l, exits)

	assert.Equal(t, relay.Connected, r.State())
	proc := l.Processes()[0]
	proc.Emit("frame=  120 fps= 30 q=28.0 size=  1024kB time=00:00:04.00 bitrate=2097.2kbits/s speed=1.0x")

	require.Eventually(t, func() bool { return r.Snapshot().Stats.Frame == 120 }, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
	s := waitExit(t, exits)
	assert.Equal(t, relay.Ended, s.State)
	assert.NotNil(t, s.EndedAt)
	assert.Equal(t, []string{"terminate"}, proc.Signals())
}

func TestRelayUnexpectedExitIsError(t *testing.T) {
	l := &relaytest.Launcher{}
	exits := make(chan relay.Snapshot, 1)
	r := startRelay(t, l, exits)

	proc := l.Processes()[0]
	proc.Emit("rtmp://live.twitch.tv/app/key: Broken pipe")
	proc.Exit(errors.New("exit status 1"))

	s := waitExit(t, exits)
	assert.Equal(t, relay.Failed, s.State)
	assert.Contains(t, s.Error, "Broken pipe")
	assert.True(t, r.State().Terminal())
}

func TestRelayKilledAfterGrace(t *testing.T) {
	l := &relaytest.Launcher{}
	exits := make(chan relay.Snapshot, 1)
	r := startRelay(t, l, exits)
	proc := l.Processes()[0]
	proc.IgnoreTerminate()

	r.Stop()
	s := waitExit(t, exits)
	assert.Equal(t, relay.Ended, s.State)
	assert.Equal(t, []string{"terminate", "kill"}, proc.Signals())
}

func TestRelayLaunchFailure(t *testing.T) {
	l := &relaytest.Launcher{}
	l.FailOutput("youtube")
	_, err := relay.Start(context.Background(), relay.Config{
		Target:   "youtube",
		Spec:     relay.Spec{Input: "in", Output: "rtmp://a.rtmp.youtube.com/live2/x"},
		Launcher: l,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnection, errs.KindOf(err))
	assert.Zero(t, l.Running())
}

func TestParseProgress(t *testing.T) {
	s, ok := relay.ParseProgress("frame= 4521 fps= 30 q=23.0 size=   40960kB time=00:02:30.70 bitrate=2226.4kbits/s speed=1.00x")
	require.True(t, ok)
	assert.Equal(t, int64(4521), s.Frame)
	assert.InDelta(t, 30.0, s.FPS, 0.001)
	assert.Equal(t, "2226.4kbits/s", s.Bitrate)
	assert.Equal(t, "1.00x", s.Speed)
	assert.Equal(t, "00:02:30.70", s.Time)

	_, ok = relay.ParseProgress("Input #0, flv, from 'rtmp://localhost/live/demo':")
	assert.False(t, ok)
}

func TestSpecArgs(t *testing.T) {
	spec := relay.Spec{Input: "in", Output: "out"}.Merge(relay.DefaultSpec())
	args := spec.Args()
	assert.Equal(t, []string{"-f", "flv", "out"}, args[len(args)-3:])
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "veryfast")

	copyArgs := relay.Spec{Input: "in", Output: "out", Copy: true}.Merge(relay.DefaultSpec()).Args()
	assert.Contains(t, copyArgs, "copy")
	assert.NotContains(t, copyArgs, "libx264")
}
