// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package configstore

import (
	"fmt"

	"github.com/katzenpost/swarmsync/namespace"
)

// Kind identifies a config domain.
type Kind uint8

const (
	UserProfile Kind = iota + 1
	Contacts
	ConvoInfoVolatile
	UserGroups

	GroupInfo
	GroupMembers
	GroupKeys
)

// UserKinds are the domains of the user scope, in push order.
var UserKinds = []Kind{UserProfile, Contacts, ConvoInfoVolatile, UserGroups}

// GroupKinds are the domains of every group scope.
var GroupKinds = []Kind{GroupInfo, GroupMembers, GroupKeys}

// Namespace returns the swarm namespace the domain is pushed to.
func (k Kind) Namespace() namespace.Namespace {
	switch k {
	case UserProfile:
		return namespace.UserProfile
	case Contacts:
		return namespace.Contacts
	case ConvoInfoVolatile:
		return namespace.ConvoInfoVolatile
	case UserGroups:
		return namespace.UserGroups
	case GroupInfo:
		return namespace.GroupInfo
	case GroupMembers:
		return namespace.GroupMembers
	case GroupKeys:
		return namespace.GroupKeys
	default:
		panic(fmt.Sprintf("configstore: BUG: namespace of invalid kind %d", uint8(k)))
	}
}

// IsGroup returns true iff the domain belongs to a group scope.
func (k Kind) IsGroup() bool {
	switch k {
	case UserProfile, Contacts, ConvoInfoVolatile, UserGroups:
		return false
	case GroupInfo, GroupMembers, GroupKeys:
		return true
	default:
		panic(fmt.Sprintf("configstore: BUG: scope of invalid kind %d", uint8(k)))
	}
}

// Valid returns true iff k is a known domain.
func (k Kind) Valid() bool {
	return k >= UserProfile && k <= GroupKeys
}

func (k Kind) String() string {
	switch k {
	case UserProfile:
		return "UserProfile"
	case Contacts:
		return "Contacts"
	case ConvoInfoVolatile:
		return "ConvoInfoVolatile"
	case UserGroups:
		return "UserGroups"
	case GroupInfo:
		return "GroupInfo"
	case GroupMembers:
		return "GroupMembers"
	case GroupKeys:
		return "GroupKeys"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}
