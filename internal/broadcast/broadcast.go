// Package broadcast implements the Snapshot Broadcaster: a bounded
// fan-out channel carrying the latest reaper-produced snapshot to any
// number of subscribed RPC streams (spec §4.6).
package broadcast

import (
	"sync"

	"github.com/pinholefw/agent/internal/rules"
)

// Snapshot is one reaper pass's view of the active session set.
type Snapshot struct {
	Sessions []rules.Session
}

// subscriber is one monitor stream's inbound queue. A full channel drops
// the oldest queued snapshot and increments skipped, rather than blocking
// Publish — generalizing the dispatcher's teacher-grounded non-blocking
// fan-out to a per-subscriber lag counter (SPEC_FULL.md §10.6).
type subscriber struct {
	ch      chan Snapshot
	mu      sync.Mutex
	skipped uint64
}

// Broadcaster is the Snapshot Broadcaster. The zero value is not usable;
// construct with New.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	capacity    int
}

// New returns a Broadcaster whose per-subscriber channels have the given
// capacity (spec's broadcast_channel_size).
func New(capacity int) *Broadcaster {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster{
		subscribers: make(map[uint64]*subscriber),
		capacity:    capacity,
	}
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	id   uint64
	sub  *subscriber
	b    *Broadcaster
}

// Snapshots returns the channel to receive Snapshots on. The channel is
// closed when Unsubscribe is called.
func (s *Subscription) Snapshots() <-chan Snapshot {
	return s.sub.ch
}

// Skipped returns the number of snapshots dropped for this subscriber due
// to a full channel (i.e. the subscriber falling behind).
func (s *Subscription) Skipped() uint64 {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()
	return s.sub.skipped
}

// Subscribe registers a new monitor stream and returns its Subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Snapshot, b.capacity)}
	b.subscribers[id] = sub

	return &Subscription{id: id, sub: sub, b: b}
}

// Unsubscribe removes the subscription and closes its channel, cleanly
// terminating the subscriber's forwarding loop (spec §4.6, "closed-channel
// signals terminate the subscriber's stream cleanly").
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[s.id]; !ok {
		return
	}
	delete(b.subscribers, s.id)
	close(s.sub.ch)
}

// Publish delivers snap to every current subscriber. A subscriber whose
// channel is full has its oldest queued snapshot dropped to make room; the
// subscriber observes this via Skipped() incrementing, not via an error —
// Publish itself never fails (spec §4.5: publish errors are non-fatal and
// silently dropped; here that degenerate case is "no subscribers", a no-op).
//
// Publish holds b.mu across the whole send loop, serializing it against
// Unsubscribe's close(s.ch): every send below is a non-blocking
// select/default, so there is no risk of this blocking Subscribe or
// Unsubscribe for long, and it rules out sending on a channel a concurrent
// Unsubscribe has already closed.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		select {
		case s.ch <- snap:
		default:
			// Channel full: drop the oldest queued snapshot and retry once.
			select {
			case <-s.ch:
			default:
			}
			s.mu.Lock()
			s.skipped++
			s.mu.Unlock()
			select {
			case s.ch <- snap:
			default:
			}
		}
	}
}
