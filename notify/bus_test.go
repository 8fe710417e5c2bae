// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	user     = Notification{Kind: UserConfigsChanged}
	groupA   = Notification{Kind: GroupConfigsChanged, GroupID: "03aa"}
	groupB   = Notification{Kind: GroupConfigsChanged, GroupID: "03bb"}
	deletedA = Notification{Kind: GroupConfigsDeleted, GroupID: "03aa"}
)

func TestPublishCoalesces(t *testing.T) {
	require := require.New(t)

	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(user)
	bus.Publish(groupA)
	bus.Publish(user)
	bus.Publish(groupB)
	bus.Publish(groupA)

	<-sub.Ready()
	require.Equal([]Notification{user, groupA, groupB}, sub.Drain())
	require.Empty(sub.Drain())
}

func TestDeletionDropsPendingUpdates(t *testing.T) {
	require := require.New(t)

	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(groupA)
	bus.Publish(groupB)
	bus.Publish(deletedA)
	bus.Publish(deletedA)
	require.Equal([]Notification{groupB, deletedA}, sub.Drain())

	// Rejoining after a deletion must be delivered after it.
	bus.Publish(deletedA)
	bus.Publish(groupA)
	require.Equal([]Notification{deletedA, groupA}, sub.Drain())
}

func TestFanOutAndClose(t *testing.T) {
	require := require.New(t)

	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Publish(user)
	require.Equal([]Notification{user}, a.Drain())
	require.Equal([]Notification{user}, b.Drain())

	b.Close()
	bus.Publish(groupA)
	require.Equal([]Notification{groupA}, a.Drain())
	require.Empty(b.Drain())
	a.Close()
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 1000; i++ {
		bus.Publish(Notification{Kind: GroupConfigsChanged, GroupID: string(rune('a' + i%26))})
	}
	require.Len(t, sub.Drain(), 26)
}

func TestNotificationString(t *testing.T) {
	require.Equal(t, "user_changed", user.String())
	require.Equal(t, "group_deleted:03aa", deletedA.String())
}
