package event

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBufferSize = 128

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	HistorySize          int
	Logger               *slog.Logger
}

// Bus fans published values out to subscriber channels. A slow subscriber
// never blocks publishers: when its buffer is full the value is dropped for
// that subscriber only.
type Bus[T any] struct {
	mu           sync.Mutex
	subscribers  map[uint64]subscription[T]
	nextSubID    uint64
	closed       bool
	options      BusOptions
	logger       *slog.Logger
	published    atomic.Int64
	dropped      atomic.Int64
	history      []T
	historyNext  int
	historyCount int
}

type subscription[T any] struct {
	ch     chan T
	filter func(T) bool
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		logger:      logger.With("bus", opts.Name),
	}
	if opts.HistorySize > 0 {
		bus.history = make([]T, opts.HistorySize)
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeFiltered returns a channel receiving values accepted by filter
// and a cancel func that unsubscribes and closes the channel.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	_, ch, cancel := b.subscribe(filter, false)
	return ch, cancel
}

// SubscribeWithHistory is SubscribeFiltered that also returns the retained
// values accepted by filter. Each value is either in recent or delivered on
// the channel, never both.
func (b *Bus[T]) SubscribeWithHistory(filter func(T) bool) (recent []T, ch <-chan T, cancel func()) {
	return b.subscribe(filter, true)
}

func (b *Bus[T]) subscribe(filter func(T) bool, withHistory bool) ([]T, <-chan T, func()) {
	ch := make(chan T, b.options.SubscriberBufferSize)

	b.mu.Lock()
	var recent []T
	if withHistory {
		for _, v := range b.historyLocked() {
			if filter == nil || filter(v) {
				recent = append(recent, v)
			}
		}
	}
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return recent, ch, func() {}
	}
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = subscription[T]{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	return recent, ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.appendHistoryLocked(value)
	b.published.Add(1)

	for _, sub := range b.subscribers {
		if sub.filter != nil && !sub.filter(value) {
			continue
		}
		select {
		case sub.ch <- value:
		default:
			if b.dropped.Add(1)%100 == 1 {
				b.logger.Warn("Subscriber buffer full, dropping events", "dropped_total", b.dropped.Load())
			}
		}
	}
}

// Emit is Publish under the Emitter name.
func (b *Bus[T]) Emit(value T) {
	b.Publish(value)
}

// History returns the retained values, oldest first.
func (b *Bus[T]) History() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.historyLocked()
}

func (b *Bus[T]) historyLocked() []T {
	if b.historyCount == 0 {
		return nil
	}
	out := make([]T, 0, b.historyCount)
	start := (b.historyNext - b.historyCount + len(b.history)) % len(b.history)
	for i := 0; i < b.historyCount; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}

func (b *Bus[T]) Published() int64 {
	return b.published.Load()
}

func (b *Bus[T]) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
}

func (b *Bus[T]) appendHistoryLocked(value T) {
	if len(b.history) == 0 {
		return
	}
	b.history[b.historyNext] = value
	b.historyNext = (b.historyNext + 1) % len(b.history)
	if b.historyCount < len(b.history) {
		b.historyCount++
	}
}

// KindFilter matches events whose kind is one of kinds.
func KindFilter(kinds ...Kind) func(Event) bool {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Kind]
		return ok
	}
}
