// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package memswarm is an in-memory storage swarm.
package memswarm

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/swarmsync/namespace"
	"github.com/katzenpost/swarmsync/swarm"
)

// ErrInjected is returned by operations failed through a FailFunc.
var ErrInjected = errors.New("memswarm: injected failure")

// Op is a swarm operation.
type Op uint8

const (
	// OpStore is a store request.
	OpStore Op = iota
	// OpDelete is a delete request.
	OpDelete
)

// Message is a stored message.
type Message struct {
	Owner     string
	Namespace namespace.Namespace
	Hash      string
	Data      []byte
	Timestamp time.Time
	Expiry    time.Time
}

// Call records one request received by the swarm.
type Call struct {
	Op        Op
	Owner     string
	Namespace namespace.Namespace
	Hashes    []string
}

// FailFunc decides whether a request fails.
type FailFunc func(c *Call) error

// Swarm is a swarm.Client holding every message in memory on a single
// node. Requests are verified like a real node would.
type Swarm struct {
	sync.Mutex

	node     *swarm.Node
	messages map[string]*Message

	calls    []Call
	inFlight map[string]int
	maxIn    map[string]int

	// Fail, if set, is consulted before every request.
	Fail FailFunc

	// Delay, if set, is how long each request takes.
	Delay time.Duration

	now func() time.Time
}

// New returns an empty Swarm.
func New() *Swarm {
	return &Swarm{
		node:     &swarm.Node{Address: "memswarm://local"},
		messages: make(map[string]*Message),
		inFlight: make(map[string]int),
		maxIn:    make(map[string]int),
		now:      time.Now,
	}
}

// ResolveNode implements swarm.Client.
func (s *Swarm) ResolveNode(_ context.Context, _ string) (*swarm.Node, error) {
	return s.node, nil
}

// Store implements swarm.Client.
func (s *Swarm) Store(ctx context.Context, node *swarm.Node, req *swarm.StoreRequest) (*swarm.StoreResponse, error) {
	if err := req.Verify(); err != nil {
		return nil, err
	}
	data, err := req.Payload()
	if err != nil {
		return nil, err
	}
	call := &Call{Op: OpStore, Owner: req.PubKey, Namespace: req.Namespace}
	if err := s.begin(ctx, call); err != nil {
		return nil, err
	}
	defer s.end(call)

	h := blake2b.Sum256(append([]byte(req.PubKey), data...))
	msg := &Message{
		Owner:     req.PubKey,
		Namespace: req.Namespace,
		Hash:      base64.RawURLEncoding.EncodeToString(h[:]),
		Data:      data,
		Timestamp: s.now(),
	}
	msg.Expiry = msg.Timestamp.Add(time.Duration(req.TTL) * time.Millisecond)

	s.Lock()
	s.messages[msg.Hash] = msg
	s.Unlock()
	return &swarm.StoreResponse{Hash: msg.Hash, Timestamp: msg.Timestamp.UnixMilli()}, nil
}

// Delete implements swarm.Client. Only messages owned by the requester
// are removed.
func (s *Swarm) Delete(ctx context.Context, node *swarm.Node, req *swarm.DeleteRequest) error {
	if err := req.Verify(); err != nil {
		return err
	}
	call := &Call{Op: OpDelete, Owner: req.PubKey, Hashes: append([]string(nil), req.Messages...)}
	if err := s.begin(ctx, call); err != nil {
		return err
	}
	defer s.end(call)

	s.Lock()
	defer s.Unlock()
	for _, h := range req.Messages {
		if m, ok := s.messages[h]; ok && m.Owner == req.PubKey {
			delete(s.messages, h)
		}
	}
	return nil
}

func (s *Swarm) begin(ctx context.Context, c *Call) error {
	s.Lock()
	s.calls = append(s.calls, *c)
	s.inFlight[c.Owner]++
	if n := s.inFlight[c.Owner]; n > s.maxIn[c.Owner] {
		s.maxIn[c.Owner] = n
	}
	fail, delay := s.Fail, s.Delay
	s.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.end(c)
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(c); err != nil {
			s.end(c)
			return err
		}
	}
	return nil
}

func (s *Swarm) end(c *Call) {
	s.Lock()
	s.inFlight[c.Owner]--
	s.Unlock()
}

// Calls returns every request received so far, in arrival order.
func (s *Swarm) Calls() []Call {
	s.Lock()
	defer s.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls returns how many requests of kind op were received.
func (s *Swarm) CountCalls(op Op) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrent requests seen for
// owner.
func (s *Swarm) MaxInFlight(owner string) int {
	s.Lock()
	defer s.Unlock()
	return s.maxIn[owner]
}

// Messages returns the live messages of owner in namespace, oldest first.
func (s *Swarm) Messages(owner string, ns namespace.Namespace) []*Message {
	s.Lock()
	defer s.Unlock()
	var out []*Message
	now := s.now()
	for _, m := range s.messages {
		if m.Owner == owner && m.Namespace == ns && now.Before(m.Expiry) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Reset clears the recorded calls and concurrency high water marks.
func (s *Swarm) Reset() {
	s.Lock()
	defer s.Unlock()
	s.calls = nil
	s.maxIn = make(map[string]int)
}
