// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package notify is the process wide broadcast of config change events.
//
// Publishers never block. Each Subscription keeps its own queue of pending
// notifications in which repeats coalesce, since a consumer only needs to
// know that a scope changed, not how many times.
package notify

import (
	"fmt"
	"sync"
)

// Kind is the kind of change being announced.
type Kind uint8

const (
	// UserConfigsChanged means one of the user level domains was mutated.
	UserConfigsChanged Kind = iota
	// GroupConfigsChanged means one of a group's domains was mutated.
	GroupConfigsChanged
	// GroupConfigsDeleted means a group's domains were torn down.
	GroupConfigsDeleted
)

func (k Kind) String() string {
	switch k {
	case UserConfigsChanged:
		return "user_changed"
	case GroupConfigsChanged:
		return "group_changed"
	case GroupConfigsDeleted:
		return "group_deleted"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Notification is a single change event. GroupID is empty for user
// level changes.
type Notification struct {
	Kind    Kind
	GroupID string
}

func (n Notification) String() string {
	if n.GroupID == "" {
		return n.Kind.String()
	}
	return n.Kind.String() + ":" + n.GroupID
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Notification)
}

// Bus fans notifications out to every live Subscription.
type Bus struct {
	sync.RWMutex

	subs map[*Subscription]struct{}
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish queues n on every subscription.
func (b *Bus) Publish(n Notification) {
	b.RLock()
	defer b.RUnlock()
	for s := range b.subs {
		s.enqueue(n)
	}
}

// Subscribe registers a new Subscription, which receives every
// notification published after this call returns.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:     b,
		readyCh: make(chan struct{}, 1),
	}
	b.Lock()
	b.subs[s] = struct{}{}
	b.Unlock()
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.Lock()
	delete(b.subs, s)
	b.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	sync.Mutex

	bus     *Bus
	pending []Notification
	readyCh chan struct{}
}

// Ready returns a channel which receives a value whenever the
// subscription has pending notifications to Drain.
func (s *Subscription) Ready() <-chan struct{} {
	return s.readyCh
}

// Drain returns and clears the pending notifications, oldest first.
func (s *Subscription) Drain() []Notification {
	s.Lock()
	defer s.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) enqueue(n Notification) {
	s.Lock()
	defer s.Unlock()

	switch n.Kind {
	case GroupConfigsDeleted:
		// Pending updates for a group that is going away are moot.
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.Kind == GroupConfigsChanged && p.GroupID == n.GroupID {
				continue
			}
			kept = append(kept, p)
		}
		s.pending = kept
		if !s.hasLocked(n) {
			s.pending = append(s.pending, n)
		}
	default:
		if s.hasLocked(n) {
			return
		}
		s.pending = append(s.pending, n)
	}

	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}

func (s *Subscription) hasLocked(n Notification) bool {
	for _, p := range s.pending {
		if p == n {
			return true
		}
	}
	return false
}
