// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package configstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/core/log"
	"github.com/katzenpost/swarmsync/notify"
)

const testGroup = "03c0ffee"

func testLogger(t *testing.T) *logging.Logger {
	backend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return backend.GetLogger(t.Name())
}

func newUserConfigs(t *testing.T) map[Kind]Config {
	configs := make(map[Kind]Config)
	for _, kind := range UserKinds {
		configs[kind] = NewBlobConfig(kind, newTestKey(t))
	}
	return configs
}

func newGroupConfigs(t *testing.T) GroupConfigs {
	return GroupConfigs{
		Info:    NewBlobConfig(GroupInfo, newTestKey(t)),
		Members: NewBlobConfig(GroupMembers, newTestKey(t)),
		Keys:    NewBlobKeys(newTestKey(t)),
	}
}

func newTestStore(t *testing.T, persister Persister) (*Store, *notify.Subscription) {
	bus := notify.NewBus()
	sub := bus.Subscribe()
	t.Cleanup(sub.Close)

	s := New(testLogger(t), bus, persister)
	require.NoError(t, s.InitUser(newUserConfigs(t)))
	return s, sub
}

func setValue(k, v string) func(Config) error {
	return func(c Config) error {
		c.(*BlobConfig).Set(k, []byte(v))
		return nil
	}
}

func TestStoreUserScenario(t *testing.T) {
	require := require.New(t)
	s, sub := newTestStore(t, nil)

	require.NoError(s.MutateUser(Contacts, setValue("05aa", "approved")))
	require.NoError(s.MutateUser(UserProfile, setValue("name", "Alice")))
	require.Equal([]notify.Notification{{Kind: notify.UserConfigsChanged}}, sub.Drain())

	for kind, want := range map[Kind]bool{
		UserProfile:       true,
		Contacts:          true,
		ConvoInfoVolatile: false,
		UserGroups:        false,
	} {
		c, err := s.UserConfig(kind)
		require.NoError(err)
		require.Equal(want, c.NeedsPush(), kind.String())
	}

	plans, err := s.PendingUserPushes()
	require.NoError(err)
	require.Len(plans, 2)
	require.Contains(plans, Contacts)
	require.Contains(plans, UserProfile)

	now := time.Now()
	for kind, plan := range plans {
		require.NoError(s.ConfirmUserPushed(kind, plan, &PushResult{Hash: "h-" + kind.String(), Timestamp: now}))
	}
	for _, kind := range UserKinds {
		c, err := s.UserConfig(kind)
		require.NoError(err)
		require.False(c.NeedsPush(), kind.String())
	}

	plans, err = s.PendingUserPushes()
	require.NoError(err)
	require.Empty(plans)

	// A nil result confirms nothing.
	require.NoError(s.MutateUser(Contacts, setValue("05bb", "approved")))
	plans, err = s.PendingUserPushes()
	require.NoError(err)
	require.NoError(s.ConfirmUserPushed(Contacts, plans[Contacts], nil))
	c, err := s.UserConfig(Contacts)
	require.NoError(err)
	require.True(c.NeedsPush())
}

func TestStoreMutationFailureIsSilent(t *testing.T) {
	s, sub := newTestStore(t, nil)
	boom := errors.New("boom")
	require.ErrorIs(t, s.MutateUser(Contacts, func(Config) error { return boom }), boom)
	require.Empty(t, sub.Drain())
}

func TestStoreUnknownDomains(t *testing.T) {
	require := require.New(t)

	s := New(testLogger(t), notify.NewBus(), nil)
	_, err := s.UserConfig(Contacts)
	require.ErrorIs(err, ErrUnknownDomain)
	_, err = s.PendingUserPushes()
	require.ErrorIs(err, ErrUnknownDomain)

	partial := newUserConfigs(t)
	delete(partial, UserGroups)
	require.ErrorIs(s.InitUser(partial), ErrUnknownDomain)

	bad := newUserConfigs(t)
	bad[GroupInfo] = NewBlobConfig(GroupInfo, newTestKey(t))
	require.ErrorIs(s.InitUser(bad), ErrUnknownDomain)

	require.NoError(s.InitUser(newUserConfigs(t)))
	require.Error(s.InitUser(newUserConfigs(t)))

	_, err = s.GroupConfig(testGroup, GroupInfo)
	require.ErrorIs(err, ErrUnknownGroup)
	_, err = s.GroupKeys(testGroup)
	require.ErrorIs(err, ErrUnknownGroup)
	_, err = s.PendingGroupPushes(testGroup)
	require.ErrorIs(err, ErrUnknownGroup)
	require.ErrorIs(s.RemoveGroup(testGroup), ErrUnknownGroup)

	require.NoError(s.AddGroup(testGroup, newGroupConfigs(t)))
	_, err = s.GroupConfig(testGroup, GroupKeys)
	require.ErrorIs(err, ErrUnknownDomain)
	require.Error(s.AddGroup(testGroup, newGroupConfigs(t)))
	require.Error(s.AddGroup("", newGroupConfigs(t)))
	require.Error(s.AddGroup("03other", GroupConfigs{}))
}

func TestStoreGroupScenario(t *testing.T) {
	require := require.New(t)
	s, sub := newTestStore(t, nil)

	configs := newGroupConfigs(t)
	require.NoError(s.AddGroup(testGroup, configs))

	set, err := s.PendingGroupPushes(testGroup)
	require.NoError(err)
	require.True(set.Empty())

	// Key rotation plus an info change, members untouched.
	require.NoError(s.MutateGroup(testGroup, func(g *GroupConfigs) error {
		g.Info.(*BlobConfig).Set("name", []byte("Friends"))
		return g.Keys.(*BlobKeys).Rotate([]byte("k1"))
	}))
	require.Equal([]notify.Notification{{Kind: notify.GroupConfigsChanged, GroupID: testGroup}}, sub.Drain())

	set, err = s.PendingGroupPushes(testGroup)
	require.NoError(err)
	require.Nil(set.Members)
	require.NotNil(set.Info)
	require.NotNil(set.Keys)

	conf := set.Confirmation()
	conf.Info = &Pushed{Plan: set.Info, Result: &PushResult{Hash: "info1"}}
	conf.KeysResult = &PushResult{Hash: "keys1"}
	require.NoError(s.ConfirmGroupPushed(testGroup, conf))

	info, err := s.GroupConfig(testGroup, GroupInfo)
	require.NoError(err)
	require.False(info.NeedsPush())
	require.Equal([]string{"info1"}, info.CurrentHashes())
	keys, err := s.GroupKeys(testGroup)
	require.NoError(err)
	require.Nil(keys.PendingConfig())

	set, err = s.PendingGroupPushes(testGroup)
	require.NoError(err)
	require.True(set.Empty())
}

func TestStorePartialGroupConfirmation(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t, nil)
	require.NoError(s.AddGroup(testGroup, newGroupConfigs(t)))

	require.NoError(s.MutateGroup(testGroup, func(g *GroupConfigs) error {
		g.Info.(*BlobConfig).Set("name", []byte("Friends"))
		g.Members.(*BlobConfig).Set("05aa", []byte("admin"))
		return nil
	}))
	set, err := s.PendingGroupPushes(testGroup)
	require.NoError(err)

	// Members failed, info succeeded.
	conf := set.Confirmation()
	conf.Members = &Pushed{Plan: set.Members}
	conf.Info = &Pushed{Plan: set.Info, Result: &PushResult{Hash: "info1"}}
	require.NoError(s.ConfirmGroupPushed(testGroup, conf))

	members, err := s.GroupConfig(testGroup, GroupMembers)
	require.NoError(err)
	require.True(members.NeedsPush())
	info, err := s.GroupConfig(testGroup, GroupInfo)
	require.NoError(err)
	require.False(info.NeedsPush())
}

func TestStoreRemoveGroup(t *testing.T) {
	require := require.New(t)
	s, sub := newTestStore(t, nil)
	require.NoError(s.AddGroup(testGroup, newGroupConfigs(t)))
	require.NoError(s.AddGroup("03beef", newGroupConfigs(t)))
	require.Equal([]string{"03beef", testGroup}, s.Groups())

	require.NoError(s.MutateGroup(testGroup, func(g *GroupConfigs) error {
		g.Members.(*BlobConfig).Set("05aa", []byte("member"))
		return nil
	}))
	set, err := s.PendingGroupPushes(testGroup)
	require.NoError(err)

	require.NoError(s.RemoveGroup(testGroup))
	require.Equal([]notify.Notification{
		{Kind: notify.GroupConfigsDeleted, GroupID: testGroup},
	}, sub.Drain())
	require.Equal([]string{"03beef"}, s.Groups())

	// The in-flight push finishing after the deletion is harmless.
	conf := set.Confirmation()
	conf.Members = &Pushed{Plan: set.Members, Result: &PushResult{Hash: "m1"}}
	require.NoError(s.ConfirmGroupPushed(testGroup, conf))
	require.ErrorIs(s.MutateGroup(testGroup, func(*GroupConfigs) error { return nil }), ErrUnknownGroup)
}

func TestStoreRejoinIgnoresStaleConfirmation(t *testing.T) {
	require := require.New(t)
	s, _ := newTestStore(t, nil)
	require.NoError(s.AddGroup(testGroup, newGroupConfigs(t)))
	require.NoError(s.MutateGroup(testGroup, func(g *GroupConfigs) error {
		g.Info.(*BlobConfig).Set("name", []byte("Old"))
		return nil
	}))
	old, err := s.PendingGroupPushes(testGroup)
	require.NoError(err)

	// Leave and rejoin under the same id; the new instance plans the same
	// sequence number as the old push.
	require.NoError(s.RemoveGroup(testGroup))
	require.NoError(s.AddGroup(testGroup, newGroupConfigs(t)))
	require.NoError(s.MutateGroup(testGroup, func(g *GroupConfigs) error {
		g.Info.(*BlobConfig).Set("name", []byte("New"))
		return nil
	}))
	cur, err := s.PendingGroupPushes(testGroup)
	require.NoError(err)
	require.Equal(old.Info.SeqNo, cur.Info.SeqNo)

	conf := old.Confirmation()
	conf.Info = &Pushed{Plan: old.Info, Result: &PushResult{Hash: "stale"}}
	require.NoError(s.ConfirmGroupPushed(testGroup, conf))

	info, err := s.GroupConfig(testGroup, GroupInfo)
	require.NoError(err)
	require.True(info.NeedsPush())
	require.Empty(info.CurrentHashes())

	// A hand built confirmation is not bound to any instance.
	require.NoError(s.ConfirmGroupPushed(testGroup, &GroupConfirmation{
		Info: &Pushed{Plan: cur.Info, Result: &PushResult{Hash: "forged"}},
	}))
	require.True(info.NeedsPush())
}

func TestStorePersistsDumps(t *testing.T) {
	require := require.New(t)

	db, err := bolt.Open(filepath.Join(t.TempDir(), "state.db"), 0600, nil)
	require.NoError(err)
	defer db.Close()
	dumps, err := NewDumpDB(db)
	require.NoError(err)

	s, _ := newTestStore(t, dumps)
	require.NoError(s.MutateUser(UserProfile, setValue("name", "Alice")))
	groupCfgs := newGroupConfigs(t)
	require.NoError(s.AddGroup(testGroup, groupCfgs))
	require.NoError(s.MutateGroup(testGroup, func(g *GroupConfigs) error {
		g.Info.(*BlobConfig).Set("name", []byte("Friends"))
		return nil
	}))

	user, err := dumps.LoadUser()
	require.NoError(err)
	require.Contains(user, UserProfile)
	groups, err := dumps.LoadGroups()
	require.NoError(err)
	require.Len(groups[testGroup], 3)

	require.NoError(s.RemoveGroup(testGroup))
	groups, err = dumps.LoadGroups()
	require.NoError(err)
	require.NotContains(groups, testGroup)
}
