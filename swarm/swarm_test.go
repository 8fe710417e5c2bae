// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/swarmsync/auth"
	"github.com/katzenpost/swarmsync/configstore"
	"github.com/katzenpost/swarmsync/core/log"
	"github.com/katzenpost/swarmsync/namespace"
)

func testSigner(t *testing.T, id string) auth.Signer {
	key, _, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	return auth.NewSigner(id, key)
}

func testLogger(t *testing.T) *logging.Logger {
	backend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return backend.GetLogger(t.Name())
}

func TestStoreRequestSignature(t *testing.T) {
	require := require.New(t)
	signer := testSigner(t, "05aa")
	now := time.UnixMilli(1700000000123)

	req := NewStoreRequest(signer, namespace.Contacts, []byte("payload"), 30*24*time.Hour, now)
	require.Equal("05aa", req.PubKey)
	require.Equal(int64(1700000000123), req.Timestamp)
	require.Equal(int64(2592000000), req.TTL)
	require.Equal([]byte("store31700000000123"), req.signedMessage())
	require.NoError(req.Verify())

	payload, err := req.Payload()
	require.NoError(err)
	require.Equal([]byte("payload"), payload)

	def := NewStoreRequest(signer, namespace.Default, nil, time.Hour, now)
	require.Equal([]byte("store1700000000123"), def.signedMessage())

	neg := NewStoreRequest(signer, namespace.LegacyClosedGroup, nil, time.Hour, now)
	require.Equal([]byte("store-101700000000123"), neg.signedMessage())

	req.Timestamp++
	require.ErrorIs(req.Verify(), ErrBadSignature)
}

func TestDeleteRequestSignature(t *testing.T) {
	require := require.New(t)
	signer := testSigner(t, "03bb")

	req := NewDeleteRequest(signer, []string{"h1", "h2"})
	require.Equal([]byte("deleteh1h2"), req.signedMessage())
	require.NoError(req.Verify())

	req.Messages = append(req.Messages, "h3")
	require.ErrorIs(req.Verify(), ErrBadSignature)

	req.PubKeyEd25519 = "zz"
	require.Error(req.Verify())
}

type fakeClient struct {
	sync.Mutex

	stores    []*StoreRequest
	deletes   []*DeleteRequest
	storeErr  error
	deleteErr error
}

func (c *fakeClient) ResolveNode(context.Context, string) (*Node, error) {
	return &Node{Address: "fake://"}, nil
}

func (c *fakeClient) Store(_ context.Context, _ *Node, req *StoreRequest) (*StoreResponse, error) {
	c.Lock()
	defer c.Unlock()
	c.stores = append(c.stores, req)
	if c.storeErr != nil {
		return nil, c.storeErr
	}
	return &StoreResponse{Hash: "hash-" + req.Data, Timestamp: 1700000000000}, nil
}

func (c *fakeClient) Delete(_ context.Context, _ *Node, req *DeleteRequest) error {
	c.Lock()
	defer c.Unlock()
	c.deletes = append(c.deletes, req)
	return c.deleteErr
}

func TestPushConfig(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	signer := testSigner(t, "03bb")
	node := &Node{Address: "fake://"}

	client := new(fakeClient)
	p := NewPusher(testLogger(t), client, time.Hour)

	// No obsolete hashes, no delete.
	res, err := p.PushConfig(ctx, signer, node, &configstore.PushPlan{SeqNo: 1, Payload: []byte{1}}, namespace.GroupInfo)
	require.NoError(err)
	require.Equal("hash-AQ==", res.Hash)
	require.Equal(time.UnixMilli(1700000000000), res.Timestamp)
	require.Len(client.stores, 1)
	require.Empty(client.deletes)
	require.Equal(namespace.GroupInfo, client.stores[0].Namespace)

	// Obsolete hashes trigger a delete, whose failure is swallowed.
	client.deleteErr = errors.New("node is grumpy")
	plan := &configstore.PushPlan{SeqNo: 2, Payload: []byte{2}, ObsoleteHashes: []string{"old1", "old2"}}
	res, err = p.PushConfig(ctx, signer, node, plan, namespace.GroupInfo)
	require.NoError(err)
	require.NotNil(res)
	require.Len(client.deletes, 1)
	require.Equal([]string{"old1", "old2"}, client.deletes[0].Messages)
	require.NoError(client.deletes[0].Verify())

	// Store failure is fatal and skips the delete.
	client.storeErr = errors.New("timeout")
	_, err = p.PushConfig(ctx, signer, node, plan, namespace.GroupInfo)
	require.ErrorIs(err, client.storeErr)
	require.Len(client.deletes, 1)
}

func TestPushKeysNeverDeletes(t *testing.T) {
	require := require.New(t)
	client := new(fakeClient)
	p := NewPusher(testLogger(t), client, time.Hour)

	res, err := p.PushKeys(context.Background(), testSigner(t, "03bb"), &Node{}, []byte{7}, namespace.GroupKeys)
	require.NoError(err)
	require.NotEmpty(res.Hash)
	require.Len(client.stores, 1)
	require.Empty(client.deletes)
}
