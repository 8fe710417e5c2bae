// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package configsync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/auth"
	"github.com/katzenpost/swarmsync/configstore"
	"github.com/katzenpost/swarmsync/namespace"
	"github.com/katzenpost/swarmsync/swarm"
)

// ErrNoUserAuth is returned when there is no user identity to push with.
var ErrNoUserAuth = errors.New("configsync: no user authentication")

// Executor ships pushes to the swarm. It is implemented by swarm.Pusher.
type Executor interface {
	ResolveNode(ctx context.Context, key string) (*swarm.Node, error)
	PushConfig(ctx context.Context, signer auth.Signer, node *swarm.Node, plan *configstore.PushPlan, ns namespace.Namespace) (*configstore.PushResult, error)
	PushKeys(ctx context.Context, signer auth.Signer, node *swarm.Node, payload []byte, ns namespace.Namespace) (*configstore.PushResult, error)
}

// GroupPlanner pushes the pending changes of one group.
type GroupPlanner struct {
	log   *logging.Logger
	store *configstore.Store
	auth  auth.Provider
	exec  Executor
}

// NewGroupPlanner returns a GroupPlanner.
func NewGroupPlanner(log *logging.Logger, store *configstore.Store, provider auth.Provider, exec Executor) *GroupPlanner {
	return &GroupPlanner{
		log:   log,
		store: store,
		auth:  provider,
		exec:  exec,
	}
}

// PlanAndPush sends whatever the group's members, info and keys domains
// have pending and confirms the parts that were stored. Only group admins
// push, for everyone else this is a no-op.
func (p *GroupPlanner) PlanAndPush(ctx context.Context, groupID string) error {
	signer, ok := p.auth.GroupAdminSigner(groupID)
	if !ok {
		p.log.Infof("Not an admin of group %v, not pushing its configs", groupID)
		return nil
	}

	set, err := p.store.PendingGroupPushes(groupID)
	switch {
	case errors.Is(err, configstore.ErrUnknownGroup):
		p.log.Debugf("Group %v is gone, nothing to push", groupID)
		return nil
	case err != nil:
		return err
	case set.Empty():
		return nil
	}

	node, err := p.exec.ResolveNode(ctx, groupID)
	if err != nil {
		return fmt.Errorf("configsync: failed to resolve node for group %v: %w", groupID, err)
	}

	// Wait only reports the first failure. Every sub-push keeps its own
	// result so the parts that were stored still confirm.
	var (
		g                            errgroup.Group
		conf                         = set.Confirmation()
		membersErr, infoErr, keysErr error
	)
	if set.Keys != nil {
		g.Go(func() error {
			conf.KeysResult, keysErr = p.exec.PushKeys(ctx, signer, node, set.Keys, configstore.GroupKeys.Namespace())
			return keysErr
		})
	}
	if set.Members != nil {
		conf.Members = &configstore.Pushed{Plan: set.Members}
		g.Go(func() error {
			conf.Members.Result, membersErr = p.exec.PushConfig(ctx, signer, node, set.Members, configstore.GroupMembers.Namespace())
			return membersErr
		})
	}
	if set.Info != nil {
		conf.Info = &configstore.Pushed{Plan: set.Info}
		g.Go(func() error {
			conf.Info.Result, infoErr = p.exec.PushConfig(ctx, signer, node, set.Info, configstore.GroupInfo.Namespace())
			return infoErr
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Debugf("Group %v push partially failed: %v", groupID, err)
	}

	if err := p.store.ConfirmGroupPushed(groupID, conf); err != nil {
		return err
	}
	return errors.Join(membersErr, infoErr, keysErr)
}

// UserPlanner pushes the pending changes of the user level domains.
type UserPlanner struct {
	log   *logging.Logger
	store *configstore.Store
	auth  auth.Provider
	exec  Executor
}

// NewUserPlanner returns a UserPlanner.
func NewUserPlanner(log *logging.Logger, store *configstore.Store, provider auth.Provider, exec Executor) *UserPlanner {
	return &UserPlanner{
		log:   log,
		store: store,
		auth:  provider,
		exec:  exec,
	}
}

// PlanAndPush sends every dirty user level domain, one store each, and
// confirms the ones that were stored.
func (p *UserPlanner) PlanAndPush(ctx context.Context) error {
	plans, err := p.store.PendingUserPushes()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return nil
	}

	signer, ok := p.auth.UserSigner()
	if !ok {
		return ErrNoUserAuth
	}
	node, err := p.exec.ResolveNode(ctx, signer.ID())
	if err != nil {
		return fmt.Errorf("configsync: failed to resolve node for %v: %w", signer.ID(), err)
	}

	// One slot per domain, written only by its own goroutine.
	type outcome struct {
		res *configstore.PushResult
		err error
	}
	var (
		g        errgroup.Group
		outcomes = make([]outcome, len(configstore.UserKinds))
	)
	for i, kind := range configstore.UserKinds {
		plan, ok := plans[kind]
		if !ok {
			continue
		}
		g.Go(func() error {
			res, err := p.exec.PushConfig(ctx, signer, node, plan, kind.Namespace())
			if err != nil {
				err = fmt.Errorf("%v: %w", kind, err)
			}
			outcomes[i] = outcome{res: res, err: err}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Debugf("User push partially failed: %v", err)
	}

	var errs []error
	for i, kind := range configstore.UserKinds {
		o := outcomes[i]
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		if o.res == nil {
			continue
		}
		if err := p.store.ConfirmUserPushed(kind, plans[kind], o.res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
