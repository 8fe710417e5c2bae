// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package configstore

import (
	"errors"
	"time"
)

var (
	// ErrNothingToPush is returned by Push when the domain is clean.
	ErrNothingToPush = errors.New("configstore: nothing to push")

	// ErrUnknownDomain is returned when a domain was never initialized.
	ErrUnknownDomain = errors.New("configstore: unknown config domain")

	// ErrUnknownGroup is returned for a group that was never added, or
	// has been removed.
	ErrUnknownGroup = errors.New("configstore: unknown group")
)

// PushPlan is the diff a domain wants on the swarm. It is produced fresh by
// every Push call and is not considered sent until it is confirmed.
type PushPlan struct {
	// SeqNo is the domain sequence number the payload was produced at.
	SeqNo int64

	// Payload is the opaque encrypted message to store.
	Payload []byte

	// ObsoleteHashes are the swarm hashes of messages this push supersedes.
	ObsoleteHashes []string
}

// PushResult is the swarm's receipt for a stored message.
type PushResult struct {
	Hash      string
	Timestamp time.Time
}

// Config is a versioned config domain as produced by the config codec.
// Implementations must be safe for concurrent use.
type Config interface {
	// NeedsPush returns true if local changes have not been confirmed.
	NeedsPush() bool

	// Push produces the plan for the current local state, or
	// ErrNothingToPush. It does not change what is considered committed.
	Push() (*PushPlan, error)

	// ConfirmPushed commits the plan with sequence number seqNo as stored
	// under hash. Repeating a confirmation is a no-op.
	ConfirmPushed(seqNo int64, hash string)

	// CurrentHashes returns the swarm hashes currently holding this
	// domain's state.
	CurrentHashes() []string

	// Dump serializes the full domain for local persistence.
	Dump() ([]byte, error)
}

// Keys is a group's append only key rotation log.
type Keys interface {
	// PendingConfig returns the key rotation message awaiting a push, or
	// nil if there is none.
	PendingConfig() []byte

	// ConfirmPushed records that payload was stored. Repeating a
	// confirmation is a no-op.
	ConfirmPushed(payload []byte, result *PushResult)

	// Dump serializes the key log for local persistence.
	Dump() ([]byte, error)
}

// GroupConfigs are the three domains of a group scope.
type GroupConfigs struct {
	Info    Config
	Members Config
	Keys    Keys
}

// GroupPushSet is an atomic snapshot of what a group needs to send.
type GroupPushSet struct {
	Members *PushPlan
	Info    *PushPlan
	Keys    []byte

	scope *groupScope
}

// Confirmation returns an empty confirmation bound to the group instance
// the set was taken from. It lands only while that instance is current.
func (s *GroupPushSet) Confirmation() *GroupConfirmation {
	return &GroupConfirmation{
		Keys:  s.Keys,
		scope: s.scope,
	}
}

// Empty returns true if nothing in the group needs sending.
func (s *GroupPushSet) Empty() bool {
	return s.Members == nil && s.Info == nil && s.Keys == nil
}

// Pushed pairs a sent plan with its receipt. A nil Result means the push
// failed or was never attempted.
type Pushed struct {
	Plan   *PushPlan
	Result *PushResult
}

func (p *Pushed) ok() bool {
	return p != nil && p.Plan != nil && p.Result != nil
}

// GroupConfirmation carries the outcome of a group push attempt. Obtain
// one from GroupPushSet.Confirmation.
type GroupConfirmation struct {
	Members *Pushed
	Info    *Pushed

	Keys       []byte
	KeysResult *PushResult

	scope *groupScope
}

// Persister stores domain dumps between runs. Group domains are saved
// under the group id, user domains under UserScope.
type Persister interface {
	SaveDump(scope string, kind Kind, dump []byte) error
	DeleteGroup(id string) error
}
