// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package configsync drives config pushes: it listens for config changes
// and runs at most one push per scope at a time.
package configsync

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/core/worker"
	"github.com/katzenpost/swarmsync/instrument"
	"github.com/katzenpost/swarmsync/notify"
)

// UserPusher pushes the user scope.
type UserPusher interface {
	PlanAndPush(ctx context.Context) error
}

// GroupPusher pushes one group scope.
type GroupPusher interface {
	PlanAndPush(ctx context.Context, groupID string) error
}

type scope struct {
	group bool
	id    string
}

func (s scope) String() string {
	if !s.group {
		return "user"
	}
	return "group " + s.id
}

func (s scope) label() string {
	if !s.group {
		return "user"
	}
	return "group"
}

// scopeState is the exclusion handle of one scope. Only the task that set
// running may clear it.
type scopeState struct {
	running bool
	rerun   bool
}

// Coordinator consumes config change notifications and serializes the
// resulting pushes per scope. Distinct scopes push concurrently.
type Coordinator struct {
	worker.Worker

	log   *logging.Logger
	bus   *notify.Bus
	user  UserPusher
	group GroupPusher

	started atomic.Bool

	sync.Mutex
	scopes map[scope]*scopeState
}

// NewCoordinator returns a Coordinator. Nothing happens until Start.
func NewCoordinator(log *logging.Logger, bus *notify.Bus, user UserPusher, group GroupPusher) *Coordinator {
	c := &Coordinator{
		log:    log,
		bus:    bus,
		user:   user,
		group:  group,
		scopes: make(map[scope]*scopeState),
	}
	c.OnPanic = func(v interface{}, stack []byte) {
		c.log.Errorf("Coordinator task panicked: %v\n%s", v, stack)
	}
	return c
}

// Start subscribes to the bus and begins handling notifications. Every
// notification published after Start returns is seen. Start must be
// called at most once.
func (c *Coordinator) Start() {
	if !c.started.CompareAndSwap(false, true) {
		panic("configsync: BUG: Coordinator started twice")
	}
	sub := c.bus.Subscribe()
	c.Go(func() {
		c.worker(sub)
	})
}

func (c *Coordinator) worker(sub *notify.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-c.HaltCh():
			c.log.Debugf("Terminating gracefully.")
			return
		case <-sub.Ready():
		}
		for _, n := range sub.Drain() {
			c.handle(n)
		}
	}
}

func (c *Coordinator) handle(n notify.Notification) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Failed to handle %v: %v\n%s", n, r, debug.Stack())
		}
	}()

	switch n.Kind {
	case notify.GroupConfigsDeleted:
		c.forget(scope{group: true, id: n.GroupID})
	case notify.GroupConfigsChanged:
		c.schedule(scope{group: true, id: n.GroupID})
	case notify.UserConfigsChanged:
		c.schedule(scope{})
	default:
		c.log.Warningf("Ignoring unknown notification %v", n)
	}
}

// forget drops the scope's handle. A push already running for it finishes
// but is not rerun.
func (c *Coordinator) forget(s scope) {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.scopes[s]; ok {
		c.log.Debugf("Discarding push state of %v", s)
		delete(c.scopes, s)
	}
}

func (c *Coordinator) schedule(s scope) {
	c.Lock()
	st, ok := c.scopes[s]
	if !ok {
		st = new(scopeState)
		c.scopes[s] = st
	}
	if st.running {
		st.rerun = true
		c.Unlock()
		instrument.PushRerun(s.label())
		return
	}
	st.running = true
	c.Unlock()

	c.GoCtx(func(ctx context.Context) {
		c.run(ctx, s, st)
	})
}

func (c *Coordinator) run(ctx context.Context, s scope, st *scopeState) {
	for {
		c.push(ctx, s)

		c.Lock()
		again := st.rerun && c.scopes[s] == st && ctx.Err() == nil
		st.rerun = false
		if !again {
			st.running = false
			c.Unlock()
			return
		}
		c.Unlock()
	}
}

func (c *Coordinator) push(ctx context.Context, s scope) {
	start := time.Now()
	outcome := instrument.OutcomeSuccess
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("Push of %v panicked: %v\n%s", s, r, debug.Stack())
			outcome = instrument.OutcomePanic
		}
		instrument.PushAttempt(s.label(), outcome, time.Since(start))
	}()

	var err error
	if s.group {
		err = c.group.PlanAndPush(ctx, s.id)
	} else {
		err = c.user.PlanAndPush(ctx)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrNoUserAuth):
		outcome = instrument.OutcomeSkipped
		c.log.Noticef("No user identity, %v configs stay dirty", s)
	default:
		outcome = instrument.OutcomeFailure
		c.log.Warningf("Push of %v failed, will retry on next change: %v", s, err)
	}
}
