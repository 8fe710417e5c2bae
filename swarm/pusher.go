// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/auth"
	"github.com/katzenpost/swarmsync/configstore"
	"github.com/katzenpost/swarmsync/instrument"
	"github.com/katzenpost/swarmsync/namespace"
)

// Pusher ships config pushes to the swarm.
type Pusher struct {
	log    *logging.Logger
	client Client
	ttl    time.Duration

	// Now returns the request timestamp, time.Now unless overridden.
	Now func() time.Time
}

// NewPusher returns a Pusher storing messages with the given TTL.
func NewPusher(log *logging.Logger, client Client, ttl time.Duration) *Pusher {
	return &Pusher{
		log:    log,
		client: client,
		ttl:    ttl,
		Now:    time.Now,
	}
}

// ResolveNode picks the node responsible for the swarm key.
func (p *Pusher) ResolveNode(ctx context.Context, key string) (*Node, error) {
	return p.client.ResolveNode(ctx, key)
}

// PushConfig stores plan's payload on node in namespace ns, then deletes
// the hashes it supersedes. A failed deletion is logged and otherwise
// ignored, a failed store is returned.
func (p *Pusher) PushConfig(ctx context.Context, signer auth.Signer, node *Node, plan *configstore.PushPlan, ns namespace.Namespace) (*configstore.PushResult, error) {
	result, err := p.store(ctx, signer, node, plan.Payload, ns)
	if err != nil {
		return nil, err
	}

	if len(plan.ObsoleteHashes) > 0 {
		req := NewDeleteRequest(signer, plan.ObsoleteHashes)
		if err := p.client.Delete(ctx, node, req); err != nil {
			instrument.DeleteFailed(ns.String())
			p.log.Warningf("Failed to delete %d obsolete %v messages: %v", len(plan.ObsoleteHashes), ns, err)
		} else {
			p.log.Debugf("Deleted %d obsolete %v messages", len(plan.ObsoleteHashes), ns)
		}
	}
	return result, nil
}

// PushKeys stores a key rotation message. Key messages are never deleted.
func (p *Pusher) PushKeys(ctx context.Context, signer auth.Signer, node *Node, payload []byte, ns namespace.Namespace) (*configstore.PushResult, error) {
	return p.store(ctx, signer, node, payload, ns)
}

func (p *Pusher) store(ctx context.Context, signer auth.Signer, node *Node, payload []byte, ns namespace.Namespace) (*configstore.PushResult, error) {
	req := NewStoreRequest(signer, ns, payload, p.ttl, p.Now())
	resp, err := p.client.Store(ctx, node, req)
	instrument.StoreRequest(ns.String(), err == nil)
	if err != nil {
		return nil, fmt.Errorf("swarm: %v store on %v failed: %w", ns, node, err)
	}
	if resp.Hash == "" {
		return nil, fmt.Errorf("swarm: %v store on %v returned no hash", ns, node)
	}
	p.log.Debugf("Stored %d byte %v message as %v", len(payload), ns, resp.Hash)
	return &configstore.PushResult{
		Hash:      resp.Hash,
		Timestamp: time.UnixMilli(resp.Timestamp),
	}, nil
}
