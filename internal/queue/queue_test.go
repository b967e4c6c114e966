package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/streamhub/internal/errs"
)

type recorder struct {
	mu    sync.Mutex
	texts []string
	times []time.Time
	fail  map[string]error
	block chan struct{}
}

func (r *recorder) send(ctx context.Context, item Item) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, item.Text)
	r.times = append(r.times, time.Now())
	return r.fail[item.Text]
}

func waitAll(t *testing.T, pending ...*Pending) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range pending {
		select {
		case <-p.Done():
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %q", p.Item().Text)
		}
	}
}

func TestQueueThrottlesFIFO(t *testing.T) {
	const interval = 40 * time.Millisecond
	rec := &recorder{}
	q := New(interval, rec.send)
	t.Cleanup(q.Close)

	start := time.Now()
	var pending []*Pending
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		pending = append(pending, q.Enqueue(text, Options{}))
	}
	waitAll(t, pending...)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, rec.texts)

	// First send is immediate, the rest follow at interval multiples.
	assert.Less(t, rec.times[0].Sub(start), interval/2)
	const slack = 5 * time.Millisecond
	for i := 1; i < len(rec.times); i++ {
		gap := rec.times[i].Sub(rec.times[i-1])
		assert.GreaterOrEqual(t, gap, interval-slack, "send %d came too early", i)
	}
	total := rec.times[4].Sub(rec.times[0])
	assert.Less(t, total, 4*interval+4*interval/2)
}

func TestQueueFailureIsolatedToItem(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{fail: map[string]error{"bad": boom}}
	q := New(5*time.Millisecond, rec.send)
	t.Cleanup(q.Close)

	first := q.Enqueue("bad", Options{})
	second := q.Enqueue("good", Options{})
	waitAll(t, first, second)

	assert.ErrorIs(t, first.Err(), boom)
	assert.NoError(t, second.Err())
	assert.False(t, second.CompletedAt().IsZero())
}

func TestQueueCloseRejectsPending(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	q := New(time.Millisecond, rec.send)

	inFlight := q.Enqueue("one", Options{})
	queued := q.Enqueue("two", Options{})
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, time.Millisecond)

	q.Close()
	q.Close()

	waitAll(t, inFlight, queued)
	assert.ErrorIs(t, queued.Err(), errs.ErrQueueClosed)
	assert.ErrorIs(t, inFlight.Err(), context.Canceled)

	late := q.Enqueue("three", Options{})
	assert.ErrorIs(t, late.Wait(context.Background()), errs.ErrQueueClosed)
}

func TestQueueRecoversPanickingSend(t *testing.T) {
	calls := 0
	q := New(time.Millisecond, func(context.Context, Item) error {
		calls++
		if calls == 1 {
			panic("adapter bug")
		}
		return nil
	})
	t.Cleanup(q.Close)

	first := q.Enqueue("x", Options{})
	second := q.Enqueue("y", Options{})
	waitAll(t, first, second)

	assert.Equal(t, errs.KindProtocol, errs.KindOf(first.Err()))
	assert.NoError(t, second.Err())
}

func TestRejected(t *testing.T) {
	p := Rejected("hi", errs.ErrNotConnected)
	assert.ErrorIs(t, p.Wait(context.Background()), errs.ErrNotConnected)
}
