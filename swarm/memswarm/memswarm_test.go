// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package memswarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/swarmsync/auth"
	"github.com/katzenpost/swarmsync/namespace"
	"github.com/katzenpost/swarmsync/swarm"
)

func testSigner(t *testing.T, id string) auth.Signer {
	key, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return auth.NewSigner(id, key)
}

func TestStoreAndDelete(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := New()

	owner := testSigner(t, "03aa")
	other := testSigner(t, "03bb")
	node, err := s.ResolveNode(ctx, owner.ID())
	require.NoError(err)

	r1, err := s.Store(ctx, node, swarm.NewStoreRequest(owner, namespace.GroupInfo, []byte("v1"), time.Hour, time.Now()))
	require.NoError(err)
	r2, err := s.Store(ctx, node, swarm.NewStoreRequest(owner, namespace.GroupInfo, []byte("v2"), time.Hour, time.Now()))
	require.NoError(err)
	require.NotEqual(r1.Hash, r2.Hash)
	require.Len(s.Messages(owner.ID(), namespace.GroupInfo), 2)
	require.Empty(s.Messages(owner.ID(), namespace.GroupMembers))

	// Someone else cannot delete the owner's messages.
	require.NoError(s.Delete(ctx, node, swarm.NewDeleteRequest(other, []string{r1.Hash})))
	require.Len(s.Messages(owner.ID(), namespace.GroupInfo), 2)

	require.NoError(s.Delete(ctx, node, swarm.NewDeleteRequest(owner, []string{r1.Hash})))
	msgs := s.Messages(owner.ID(), namespace.GroupInfo)
	require.Len(msgs, 1)
	require.Equal([]byte("v2"), msgs[0].Data)

	require.Equal(2, s.CountCalls(OpStore))
	require.Equal(2, s.CountCalls(OpDelete))
	require.Equal(1, s.MaxInFlight(owner.ID()))

	s.Reset()
	require.Empty(s.Calls())
}

func TestRejectsBadSignature(t *testing.T) {
	s := New()
	req := swarm.NewStoreRequest(testSigner(t, "05aa"), namespace.Contacts, []byte("x"), time.Hour, time.Now())
	req.Namespace = namespace.UserProfile
	_, err := s.Store(context.Background(), nil, req)
	require.ErrorIs(t, err, swarm.ErrBadSignature)
	require.Empty(t, s.Calls())
}

func TestFailureInjection(t *testing.T) {
	require := require.New(t)
	s := New()
	s.Fail = func(c *Call) error {
		if c.Op == OpStore && c.Namespace == namespace.GroupMembers {
			return ErrInjected
		}
		return nil
	}
	signer := testSigner(t, "03aa")
	ctx := context.Background()

	_, err := s.Store(ctx, nil, swarm.NewStoreRequest(signer, namespace.GroupMembers, []byte("m"), time.Hour, time.Now()))
	require.ErrorIs(err, ErrInjected)
	_, err = s.Store(ctx, nil, swarm.NewStoreRequest(signer, namespace.GroupInfo, []byte("i"), time.Hour, time.Now()))
	require.NoError(err)
	require.Empty(s.Messages(signer.ID(), namespace.GroupMembers))
	require.Equal(2, s.CountCalls(OpStore))
}

func TestExpiry(t *testing.T) {
	s := New()
	base := time.Now()
	s.now = func() time.Time { return base }
	signer := testSigner(t, "05aa")

	_, err := s.Store(context.Background(), nil, swarm.NewStoreRequest(signer, namespace.Contacts, []byte("x"), time.Minute, base))
	require.NoError(t, err)
	require.Len(t, s.Messages(signer.ID(), namespace.Contacts), 1)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.Empty(t, s.Messages(signer.ID(), namespace.Contacts))
}

func TestContextCancelDuringDelay(t *testing.T) {
	s := New()
	s.Delay = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Store(ctx, nil, swarm.NewStoreRequest(testSigner(t, "05aa"), namespace.Contacts, nil, time.Hour, time.Now()))
	require.ErrorIs(t, err, context.Canceled)
}
