// Package queue implements the per-adapter outbound message queue.
//
// Every adapter owns exactly one Queue. Items are delivered strictly in
// enqueue order with at most one send in flight, and consecutive sends are
// spaced at least Interval apart. A failed send only fails its own item.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/john/streamhub/internal/errs"
)

// DefaultInterval is the minimum gap between sends when none is configured.
const DefaultInterval = time.Second

// SendFunc transmits one message to the platform.
type SendFunc func(ctx context.Context, item Item) error

// Options are per-message send options passed through to the platform.
type Options struct {
	// Channel overrides the adapter's default destination (channel name,
	// chat id, ...). Empty means the adapter default.
	Channel string
	// ReplyTo is the platform message id to reply to, if supported.
	ReplyTo string
}

// Item is one queued outbound message.
type Item struct {
	Text       string
	Options    Options
	EnqueuedAt time.Time
}

// Pending is the completion handle of an enqueued item.
type Pending struct {
	item Item
	done chan struct{}
	err  error
	sent time.Time
}

func newPending(item Item) *Pending {
	return &Pending{item: item, done: make(chan struct{})}
}

// Rejected returns an already-failed handle.
func Rejected(text string, err error) *Pending {
	p := newPending(Item{Text: text, EnqueuedAt: time.Now()})
	p.resolve(err)
	return p
}

func (p *Pending) resolve(err error) {
	p.err = err
	p.sent = time.Now()
	close(p.done)
}

// Done is closed once the item has been sent, failed, or rejected.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the outcome. Only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// CompletedAt is when the item resolved. Zero until Done is closed.
func (p *Pending) CompletedAt() time.Time {
	select {
	case <-p.done:
		return p.sent
	default:
		return time.Time{}
	}
}

func (p *Pending) Item() Item {
	return p.item
}

// Wait blocks until the item resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue is a FIFO outbound queue drained by a single worker.
type Queue struct {
	send     SendFunc
	limiter  *rate.Limiter
	interval time.Duration

	mu      sync.Mutex
	items   []*Pending
	closed  bool
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New starts a queue that delivers through send with at least interval
// between sends. A non-positive interval uses DefaultInterval.
func New(interval time.Duration, send SendFunc) *Queue {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		send:     send,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) Interval() time.Duration {
	return q.interval
}

// Enqueue appends a message and returns its completion handle. After Close
// the handle is already rejected with errs.ErrQueueClosed.
func (q *Queue) Enqueue(text string, opts Options) *Pending {
	p := newPending(Item{Text: text, Options: opts, EnqueuedAt: time.Now()})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		p.resolve(errs.ErrQueueClosed)
		return p
	}
	q.items = append(q.items, p)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return p
}

// Len reports items waiting to be sent, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the worker and rejects every queued-but-undelivered item.
// An in-flight send is cancelled through its context. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	for _, p := range pending {
		p.resolve(errs.ErrQueueClosed)
	}
	<-q.stopped
}

func (q *Queue) next() (*Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		p, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.ctx.Done():
				return
			}
		}

		if err := q.limiter.Wait(q.ctx); err != nil {
			p.resolve(errs.ErrQueueClosed)
			return
		}
		p.resolve(q.deliver(p.item))
	}
}

func (q *Queue) deliver(item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Protocol("", "send", fmt.Errorf("panic: %v", r))
		}
	}()
	return q.send(q.ctx, item)
}
