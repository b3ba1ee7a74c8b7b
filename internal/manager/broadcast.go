// ============================================================================
// localci Notification Broadcast
// ============================================================================
//
// Package: internal/manager
// File: broadcast.go
// Purpose: bounded, drop-oldest fan-out of notifications to any number of
// subscribers - the Go equivalent of tokio::sync::broadcast, which the
// standard library has no counterpart for.
//
// Design:
//   Each Subscriber owns a buffered channel; Publish sends non-blockingly
//   and, on a full channel, drops the oldest queued notification to make
//   room rather than blocking the publisher or the subscriber's channel
//   growing unboundedly (see DESIGN.md, and §9's "Broadcast bounding").
//   The broadcaster itself is a mutex-protected set of subscriber channels,
//   the same single-mutex-guarding-shared-state discipline used throughout
//   this package, applied to a set of subscribers instead of a map of jobs.
// ============================================================================

package manager

import (
	"sync"

	"github.com/localci/localci/pkg/types"
)

const subscriberBufferSize = 4096

// broadcaster fans out notifications to every live Subscriber, dropping the
// oldest buffered notification for a subscriber that has fallen behind.
type broadcaster struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[*Subscriber]struct{})}
}

// Subscriber receives a live stream of notifications. Notifications queued
// before a call to Subscribe are never delivered - this is an at-most-once
// live stream, not a replayable log.
type Subscriber struct {
	ch chan types.Notification
	b  *broadcaster
}

// Notifications returns the channel to range over for this subscriber's
// notifications. The channel is closed when Unsubscribe is called.
func (s *Subscriber) Notifications() <-chan types.Notification {
	return s.ch
}

// Unsubscribe stops delivery to this subscriber and closes its channel.
// Safe to call more than once.
func (s *Subscriber) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; !ok {
		return
	}
	delete(s.b.subs, s)
	close(s.ch)
}

// subscribe registers a new Subscriber.
func (b *broadcaster) subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan types.Notification, subscriberBufferSize), b: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// publish delivers n to every live subscriber, dropping the oldest queued
// notification for any subscriber whose buffer is full.
func (b *broadcaster) publish(n types.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- n:
		default:
			select {
			case old := <-s.ch:
				log.Warnw("notification dropped for lagging subscriber", "testCase", old.TestCase, "status", old.Status)
			default:
			}
			select {
			case s.ch <- n:
			default:
				log.Warnw("notification dropped for lagging subscriber", "testCase", n.TestCase, "status", n.Status)
			}
		}
	}
}
