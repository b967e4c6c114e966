// Package platformtest provides an in-memory adapter for tests. It runs the
// real platform.Base so state, queueing and events behave as in production.
package platformtest

import (
	"context"
	"sync"

	"github.com/john/streamhub/internal/message"
	"github.com/john/streamhub/internal/platform"
	"github.com/john/streamhub/internal/queue"
)

// Driver is a scriptable platform.Driver.
type Driver struct {
	mu         sync.Mutex
	creds      bool
	initErr    []error
	dialErr    []error
	deliverErr error
	sent       []queue.Item
	link       platform.Link
	inits      int
	dials      int
	hangups    int
}

// Adapter is a fake platform adapter.
type Adapter struct {
	*platform.Base
	Driver *Driver
}

// New builds a fake adapter with credentials present.
func New(settings platform.Settings, caps platform.Capabilities, opts platform.Options) *Adapter {
	d := &Driver{creds: true}
	return &Adapter{Base: platform.NewBase(settings, caps, d, opts), Driver: d}
}

// Chat returns an enabled, chat-only fake with auto-response on.
func Chat(name string, opts platform.Options) *Adapter {
	return New(platform.Settings{
		Name:         name,
		Enabled:      true,
		RateLimit:    1,
		AutoResponse: true,
	}, platform.Capabilities{Chattable: true}, opts)
}

func (d *Driver) SetCredentials(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = ok
}

// FailInit makes the next len(errs) Init calls fail in order.
func (d *Driver) FailInit(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initErr = append(d.initErr, errs...)
}

// FailDial makes the next len(errs) Dial calls fail in order.
func (d *Driver) FailDial(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = append(d.dialErr, errs...)
}

func (d *Driver) FailDeliver(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliverErr = err
}

func (d *Driver) HasRequiredCredentials() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds
}

func (d *Driver) Init(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inits++
	return pop(&d.initErr)
}

func (d *Driver) Dial(_ context.Context, link platform.Link) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := pop(&d.dialErr); err != nil {
		return err
	}
	d.link = link
	return nil
}

func (d *Driver) Hangup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups++
	d.link = nil
	return nil
}

func (d *Driver) Deliver(_ context.Context, item queue.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deliverErr != nil {
		return d.deliverErr
	}
	d.sent = append(d.sent, item)
	return nil
}

// Receive simulates an inbound chat message on the live connection.
func (d *Driver) Receive(in message.Inbound) {
	d.mu.Lock()
	link := d.link
	d.mu.Unlock()
	if link != nil {
		link.Receive(in)
	}
}

// Drop simulates the platform closing the connection.
func (d *Driver) Drop(err error) {
	d.mu.Lock()
	link := d.link
	d.link = nil
	d.mu.Unlock()
	if link != nil {
		link.Lost(err)
	}
}

func (d *Driver) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, item := range d.sent {
		out = append(out, item.Text)
	}
	return out
}

func (d *Driver) Counts() (inits, dials, hangups int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inits, d.dials, d.hangups
}

func pop(list *[]error) error {
	if len(*list) == 0 {
		return nil
	}
	err := (*list)[0]
	*list = (*list)[1:]
	return err
}
