// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package namespace defines the integer tags which partition the storage
// swarm into independent message and config streams.
package namespace

import "fmt"

// Namespace is a swarm namespace tag.
type Namespace int16

const (
	// Default holds direct one-to-one messages.
	Default Namespace = 0

	// UserProfile holds the user profile config.
	UserProfile Namespace = 2
	// Contacts holds the contacts config.
	Contacts Namespace = 3
	// ConvoInfoVolatile holds the volatile conversation metadata config.
	ConvoInfoVolatile Namespace = 4
	// UserGroups holds the list of groups the user belongs to.
	UserGroups Namespace = 5

	// ClosedGroupMessages holds messages sent to a closed group.
	ClosedGroupMessages Namespace = 11
	// GroupKeys holds a closed group's encryption key rotations.
	GroupKeys Namespace = 12
	// GroupInfo holds a closed group's info config.
	GroupInfo Namespace = 13
	// GroupMembers holds a closed group's member list config.
	GroupMembers Namespace = 14

	// LegacyClosedGroup holds messages of pre-config closed groups.
	LegacyClosedGroup Namespace = -10
)

// String returns a human readable name suitable for logs and metric labels.
func (n Namespace) String() string {
	switch n {
	case Default:
		return "default"
	case UserProfile:
		return "user_profile"
	case Contacts:
		return "contacts"
	case ConvoInfoVolatile:
		return "convo_info_volatile"
	case UserGroups:
		return "user_groups"
	case ClosedGroupMessages:
		return "closed_group_messages"
	case GroupKeys:
		return "group_keys"
	case GroupInfo:
		return "group_info"
	case GroupMembers:
		return "group_members"
	case LegacyClosedGroup:
		return "legacy_closed_group"
	default:
		return fmt.Sprintf("namespace(%d)", int16(n))
	}
}
