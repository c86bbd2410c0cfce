// Package events provides an ordered, replayable log of applied PatchSets
// that any number of subscribers read from their own cursor.
package events

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/livesync/livesync/internal/metrics"
	"github.com/livesync/livesync/internal/models"
)

var (
	// ErrResyncRequired means the cursor is outside the retained history;
	// the subscriber must fetch a full snapshot and start over.
	ErrResyncRequired = errors.New("resync required")
	// ErrTimeout means no message arrived before the read timeout.
	ErrTimeout = errors.New("timed out waiting for messages")
	// ErrClosed is returned by reads on a closed Subscription.
	ErrClosed = errors.New("subscription closed")
)

// Message is one appended PatchSet. Messages are immutable.
type Message struct {
	Sequence  uint64          `json:"sequence"`
	PatchSet  models.PatchSet `json:"patchSet"`
	Timestamp time.Time       `json:"timestamp"`
}

// Options bounds retention. Zero values fall back to the defaults.
type Options struct {
	MaxMessages int
	MaxAge      time.Duration
	Now         func() time.Time
}

const (
	DefaultMaxMessages = 1000
	DefaultMaxAge      = 10 * time.Minute
)

// Broadcaster is a multi-consumer log. Reading never removes messages;
// only retention does.
type Broadcaster struct {
	opts Options

	mu          sync.RWMutex
	messages    []Message // contiguous, ending at head
	head        uint64
	notify      chan struct{}
	subscribers map[*Subscription]struct{}
}

// NewBroadcaster creates an empty log.
func NewBroadcaster(opts Options) *Broadcaster {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broadcaster{
		opts:        opts,
		notify:      make(chan struct{}),
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Append adds ps as the next message and wakes every blocked reader. It
// must only be called by the single pipeline writer.
func (b *Broadcaster) Append(ps models.PatchSet) uint64 {
	now := b.opts.Now()

	b.mu.Lock()
	b.head++
	b.messages = append(b.messages, Message{Sequence: b.head, PatchSet: ps, Timestamp: now})
	b.pruneLocked(now)
	close(b.notify)
	b.notify = make(chan struct{})
	head, retained := b.head, len(b.messages)
	b.mu.Unlock()

	metrics.SetQueueState(head, retained)
	return head
}

// pruneLocked enforces retention, then flags subscriptions whose cursor
// fell out of the window.
func (b *Broadcaster) pruneLocked(now time.Time) {
	drop := 0
	if excess := len(b.messages) - b.opts.MaxMessages; excess > 0 {
		drop = excess
	}
	cutoff := now.Add(-b.opts.MaxAge)
	for drop < len(b.messages)-1 && b.messages[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	b.messages = slices.Delete(b.messages, 0, drop)

	first := b.firstLocked()
	for sub := range b.subscribers {
		if sub.cursor+1 < first {
			sub.stale = true
		}
	}
}

// firstLocked returns the oldest retained sequence number, or head+1 when
// nothing is retained.
func (b *Broadcaster) firstLocked() uint64 {
	return b.head + 1 - uint64(len(b.messages))
}

// sinceLocked returns the retained messages after cursor.
func (b *Broadcaster) sinceLocked(cursor uint64) ([]Message, error) {
	if cursor > b.head || cursor+1 < b.firstLocked() {
		return nil, ErrResyncRequired
	}
	idx := cursor + 1 - b.firstLocked()
	return slices.Clone(b.messages[idx:]), nil
}

// ReadSince returns every message with a sequence number greater than
// cursor, in order, together with the new cursor. When none exist yet it
// blocks until an Append, the timeout or ctx cancellation, whichever is
// first. A cursor outside the retained window yields ErrResyncRequired.
func (b *Broadcaster) ReadSince(ctx context.Context, cursor uint64, timeout time.Duration) ([]Message, uint64, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.RLock()
		msgs, err := b.sinceLocked(cursor)
		wait := b.notify
		b.mu.RUnlock()

		if err != nil {
			metrics.RecordResync()
			return nil, cursor, err
		}
		if len(msgs) > 0 {
			return msgs, msgs[len(msgs)-1].Sequence, nil
		}
		if expired == nil {
			return nil, cursor, ErrTimeout
		}

		select {
		case <-wait:
		case <-expired:
			return nil, cursor, ErrTimeout
		case <-ctx.Done():
			return nil, cursor, ctx.Err()
		}
	}
}

// Head returns the sequence number of the latest message, zero if none.
func (b *Broadcaster) Head() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// Len returns the number of retained messages.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

// Count returns the number of open subscriptions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Subscription is a registered cursor. Pruning past it marks it stale.
// A Subscription is meant to be used by one goroutine.
type Subscription struct {
	b      *Broadcaster
	cursor uint64
	stale  bool
	closed bool
}

// Subscribe registers a cursor. The caller must Close the subscription.
func (b *Broadcaster) Subscribe(cursor uint64) *Subscription {
	sub := &Subscription{b: b, cursor: cursor}
	b.mu.Lock()
	if cursor > b.head || cursor+1 < b.firstLocked() {
		sub.stale = true
	}
	b.subscribers[sub] = struct{}{}
	count := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSubscriptionsActive(count)
	return sub
}

// Cursor returns the sequence number of the last message delivered.
func (s *Subscription) Cursor() uint64 {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	return s.cursor
}

// Next waits for messages after the subscription's cursor and advances it.
func (s *Subscription) Next(ctx context.Context, timeout time.Duration) ([]Message, error) {
	s.b.mu.RLock()
	cursor, stale, closed := s.cursor, s.stale, s.closed
	s.b.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if stale {
		metrics.RecordResync()
		return nil, ErrResyncRequired
	}

	msgs, next, err := s.b.ReadSince(ctx, cursor, timeout)
	if err != nil {
		return nil, err
	}
	s.b.mu.Lock()
	s.cursor = next
	s.b.mu.Unlock()
	return msgs, nil
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	s.closed = true
	delete(s.b.subscribers, s)
	count := len(s.b.subscribers)
	s.b.mu.Unlock()
	metrics.SetSubscriptionsActive(count)
}
