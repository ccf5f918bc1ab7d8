package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/livepeer/video-compositor-api/internal/log"
	"github.com/livepeer/video-compositor-api/internal/metrics"
)

// Handler processes one delivered event. A returned error triggers the
// subscription's own retry policy (spec.md §4.1: "each handler executes
// with its own retry budget").
type Handler func(ctx context.Context, e Event) error

// RetryPolicy controls a subscription's handler-retry budget, grounded on
// the teacher's cenkalti/backoff usage in pipeline/coordinator.go.
type RetryPolicy struct {
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p.MaxRetries == 0 && p.BackoffMin == 0 {
		return RetryPolicy{MaxRetries: 2, BackoffMin: 50 * time.Millisecond, BackoffMax: 2 * time.Second}
	}
	return p
}

func (p RetryPolicy) backoffFor() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BackoffMin
	b.MaxInterval = p.BackoffMax
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}

type SubscribeOptions struct {
	Filter      *Filter
	Priority    int // recorded with the subscription; Publish does not reorder by it, handlers always run in subscribe order
	RetryPolicy RetryPolicy
	DeadLetter  bool
}

type subscription struct {
	id       string
	types    map[Kind]struct{}
	all      bool
	handler  Handler
	opts     SubscribeOptions
	seq      int // subscribe order
}

type deadLetterEntry struct {
	Event       Event
	OriginalType Kind
	Error       string
	FailedAt    time.Time
}

// Bus is the single-process pub/sub broker of spec.md §4.1.
type Bus struct {
	mu            sync.Mutex
	subs          []*subscription // copy-on-write: publish reads a snapshot taken under mu
	nextSeq       int
	history       []Event
	historyLimit  int
	historyMu     sync.Mutex

	deadLetterMu  sync.Mutex
	deadLetter    []deadLetterEntry
	deadLetterCap int

	waitersMu sync.Mutex
	waiters   []*waiter
}

type waiter struct {
	kind   Kind
	filter *Filter
	ch     chan Event
}

func New(historyLimit, deadLetterCap int) *Bus {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	if deadLetterCap <= 0 {
		deadLetterCap = 256
	}
	return &Bus{historyLimit: historyLimit, deadLetterCap: deadLetterCap}
}

// Subscribe registers handler for the given types ("*" via SubscribeAll).
// Returns a subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(types []Kind, handler Handler, opts SubscribeOptions) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(map[Kind]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	b.nextSeq++
	sub := &subscription{
		id:      uuid.NewString(),
		types:   set,
		handler: handler,
		opts:    opts,
		seq:     b.nextSeq,
	}
	b.subs = append(append([]*subscription{}, b.subs...), sub)
	return sub.id
}

func (b *Bus) SubscribeAll(handler Handler, opts SubscribeOptions) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSeq++
	sub := &subscription{id: uuid.NewString(), all: true, handler: handler, opts: opts, seq: b.nextSeq}
	b.subs = append(append([]*subscription{}, b.subs...), sub)
	return sub.id
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	b.subs = out
}

// Publish dispatches e synchronously to every matching subscription, in
// subscription order, then records it in history and notifies waiters. A
// handler's failure never prevents other handlers from running.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	snapshot := b.subs // copy-on-write: safe to read without copying again
	b.mu.Unlock()

	metrics.Metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()

	for _, sub := range snapshot {
		if !sub.all {
			if _, ok := sub.types[e.Type]; !ok {
				continue
			}
		}
		if !sub.opts.Filter.Matches(e) {
			continue
		}
		b.dispatch(ctx, sub, e)
	}

	b.recordHistory(e)
	b.notifyWaiters(e)
}

func (b *Bus) dispatch(ctx context.Context, sub *subscription, e Event) {
	policy := sub.opts.RetryPolicy.orDefault()
	err := backoff.Retry(func() error {
		return sub.handler(ctx, e)
	}, policy.backoffFor())
	if err != nil {
		log.LogNoRequestID("event handler failed after retries", "type", string(e.Type), "subscription", sub.id, "err", err)
		if sub.opts.DeadLetter {
			b.addDeadLetter(e, err)
		}
	}
}

func (b *Bus) addDeadLetter(e Event, err error) {
	b.deadLetterMu.Lock()
	defer b.deadLetterMu.Unlock()
	entry := deadLetterEntry{
		Event:        e,
		OriginalType: e.Type,
		Error:        err.Error(),
		FailedAt:     time.Now().UTC(),
	}
	entry.Event.Type = KindDeadLetter
	b.deadLetter = append(b.deadLetter, entry)
	if len(b.deadLetter) > b.deadLetterCap {
		b.deadLetter = b.deadLetter[len(b.deadLetter)-b.deadLetterCap:]
	}
	metrics.Metrics.EventsDeadLettered.Inc()
}

func (b *Bus) recordHistory(e Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, e)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
}

// PublishBatch publishes each event in order.
func (b *Bus) PublishBatch(ctx context.Context, events []Event) {
	for _, e := range events {
		b.Publish(ctx, e)
	}
}

// GetEventHistory returns the most recent retained events matching filter.
func (b *Bus) GetEventHistory(filter *Filter) []Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]Event, 0, len(b.history))
	for _, e := range b.history {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (b *Bus) GetDeadLetterQueue() []deadLetterEntry {
	b.deadLetterMu.Lock()
	defer b.deadLetterMu.Unlock()
	out := make([]deadLetterEntry, len(b.deadLetter))
	copy(out, b.deadLetter)
	return out
}

// ReprocessDeadLetter re-publishes the original event (by ID) from the
// dead-letter queue and removes it on success.
func (b *Bus) ReprocessDeadLetter(ctx context.Context, id string) error {
	b.deadLetterMu.Lock()
	idx := -1
	var entry deadLetterEntry
	for i, e := range b.deadLetter {
		if e.Event.ID == id {
			idx = i
			entry = e
			break
		}
	}
	if idx >= 0 {
		b.deadLetter = append(b.deadLetter[:idx], b.deadLetter[idx+1:]...)
	}
	b.deadLetterMu.Unlock()

	if idx < 0 {
		return fmt.Errorf("dead letter %q not found", id)
	}
	replay := entry.Event
	replay.Type = entry.OriginalType
	b.Publish(ctx, replay)
	return nil
}

// WaitForEvent blocks until an event of kind matching filter is published,
// or timeout elapses.
func (b *Bus) WaitForEvent(ctx context.Context, kind Kind, timeout time.Duration, filter *Filter) (Event, error) {
	w := &waiter{kind: kind, filter: filter, ch: make(chan Event, 1)}
	b.waitersMu.Lock()
	b.waiters = append(b.waiters, w)
	b.waitersMu.Unlock()
	defer b.removeWaiter(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case e := <-w.ch:
		return e, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("timed out waiting for event type %q", kind)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (b *Bus) removeWaiter(target *waiter) {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	out := make([]*waiter, 0, len(b.waiters))
	for _, w := range b.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	b.waiters = out
}

func (b *Bus) notifyWaiters(e Event) {
	b.waitersMu.Lock()
	defer b.waitersMu.Unlock()
	for _, w := range b.waiters {
		if w.kind != e.Type {
			continue
		}
		if !w.filter.Matches(e) {
			continue
		}
		select {
		case w.ch <- e:
		default:
		}
	}
}
