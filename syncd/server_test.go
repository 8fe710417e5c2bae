// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package syncd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/swarmsync/config"
	"github.com/katzenpost/swarmsync/configstore"
	"github.com/katzenpost/swarmsync/namespace"
	"github.com/katzenpost/swarmsync/pushnotify"
	"github.com/katzenpost/swarmsync/swarm/memswarm"
)

const testAccount = "05d871fc80ca007eed9b2f4df72853e2a2d5465a92fcb1889fb5c84aa2833b3b40"

func testConfig(t *testing.T, dataDir string) *config.Config {
	cfg := &config.Config{
		Account: &config.Account{
			AccountID: testAccount,
			DataDir:   dataDir,
		},
		Logging: &config.Logging{Level: "DEBUG"},
		Swarm:   &config.Swarm{InMemory: true},
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func dirty(t *testing.T, s *Server, kind configstore.Kind) bool {
	c, err := s.Store().UserConfig(kind)
	require.NoError(t, err)
	return c.NeedsPush()
}

func TestServerPushesAndRestores(t *testing.T) {
	require := require.New(t)
	dataDir := filepath.Join(t.TempDir(), "data")

	s, err := New(testConfig(t, dataDir))
	require.NoError(err)
	mem := s.Swarm().(*memswarm.Swarm)

	require.NoError(s.Store().MutateUser(configstore.Contacts, func(c configstore.Config) error {
		c.(*configstore.BlobConfig).Set("05aa", []byte("approved"))
		return nil
	}))
	require.Eventually(func() bool { return !dirty(t, s, configstore.Contacts) }, 5*time.Second, 5*time.Millisecond)
	require.Len(mem.Messages(testAccount, namespace.Contacts), 1)

	groupID, err := s.CreateGroup()
	require.NoError(err)
	require.Equal(GroupIDPrefix, groupID[:2])
	require.NoError(s.Store().MutateGroup(groupID, func(g *configstore.GroupConfigs) error {
		g.Info.(*configstore.BlobConfig).Set("name", []byte("Friends"))
		return nil
	}))
	require.Eventually(func() bool {
		c, err := s.Store().GroupConfig(groupID, configstore.GroupInfo)
		return err == nil && !c.NeedsPush()
	}, 5*time.Second, 5*time.Millisecond)
	require.Len(mem.Messages(groupID, namespace.GroupInfo), 1)

	joined := "03feed"
	require.NoError(s.JoinGroup(joined))
	require.NoError(s.LeaveGroup(joined))

	s.Shutdown()
	s.Wait()

	s, err = New(testConfig(t, dataDir))
	require.NoError(err)
	defer s.Shutdown()

	require.Equal([]string{groupID}, s.Store().Groups())
	contacts, err := s.Store().UserConfig(configstore.Contacts)
	require.NoError(err)
	v, ok := contacts.(*configstore.BlobConfig).Get("05aa")
	require.True(ok)
	require.Equal([]byte("approved"), v)
	require.False(contacts.NeedsPush())

	_, ok = s.Keyring().GroupAdminSigner(groupID)
	require.True(ok)
	info, err := s.Store().GroupConfig(groupID, configstore.GroupInfo)
	require.NoError(err)
	require.False(info.NeedsPush())
}

func TestServerNotificationDecoder(t *testing.T) {
	require := require.New(t)
	s, err := New(testConfig(t, filepath.Join(t.TempDir(), "data")))
	require.NoError(err)
	defer s.Shutdown()

	dec, err := s.NotificationDecoder()
	require.NoError(err)
	key, err := s.notifyKeys.Key()
	require.NoError(err)

	payload, err := pushnotify.Encode(key, &pushnotify.Metadata{Account: testAccount, DataLen: 2}, []byte("hi"))
	require.NoError(err)
	n, err := dec.Decode(payload)
	require.NoError(err)
	require.Equal([]byte("hi"), n.Content)
}

type recordingPipeline struct {
	jobs []*pushnotify.ReceiveJob
}

func (p *recordingPipeline) Enqueue(_ context.Context, job *pushnotify.ReceiveJob) error {
	p.jobs = append(p.jobs, job)
	return nil
}

type prefixCodec string

func (c prefixCodec) Unwrap(data []byte) ([]byte, error) {
	return append([]byte(c), data...), nil
}

func (c prefixCodec) DecryptGroupMessage(groupID string, data []byte) ([]byte, error) {
	return append([]byte(groupID+":"), data...), nil
}

type countingNotifier struct {
	n int
}

func (c *countingNotifier) ShowGeneric() {
	c.n++
}

func TestServerNotificationHandler(t *testing.T) {
	require := require.New(t)
	s, err := New(testConfig(t, filepath.Join(t.TempDir(), "data")))
	require.NoError(err)
	defer s.Shutdown()

	pipeline := new(recordingPipeline)
	notifier := new(countingNotifier)
	h, err := s.NotificationHandler(prefixCodec("direct:"), prefixCodec("direct:"), pipeline, notifier)
	require.NoError(err)

	key, err := s.notifyKeys.Key()
	require.NoError(err)
	payload, err := pushnotify.Encode(key, &pushnotify.Metadata{
		Account:   "03c0ffee",
		MsgHash:   "h1",
		Namespace: namespace.ClosedGroupMessages,
		DataLen:   2,
	}, []byte("hi"))
	require.NoError(err)
	require.NoError(h.Handle(context.Background(), payload))

	require.Len(pipeline.jobs, 1)
	require.Equal("03c0ffee", pipeline.jobs[0].GroupID)
	require.Equal([]byte("03c0ffee:hi"), pipeline.jobs[0].Data)
	require.Equal("h1", pipeline.jobs[0].ServerHash)
	require.Zero(notifier.n)

	// A payload sealed under another key falls back to the generic
	// notification.
	other, err := configstore.NewKey()
	require.NoError(err)
	payload, err = pushnotify.Encode(other, &pushnotify.Metadata{DataLen: 2}, []byte("hi"))
	require.NoError(err)
	require.Error(h.Handle(context.Background(), payload))
	require.Equal(1, notifier.n)
	require.Len(pipeline.jobs, 1)
}

func TestServerRejectsBadDataDir(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "file")
	cfg := testConfig(t, f)
	require.NoError(t, os.WriteFile(f, []byte("not a directory"), 0600))
	_, err := New(cfg)
	require.Error(t, err)
}
