// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package auth resolves the signing authority used to push on behalf of
// the local user or of a group the user administers.
package auth

import (
	"github.com/katzenpost/hpqc/sign/ed25519"
)

// Signer binds a swarm identifier to an Ed25519 signing key.
type Signer interface {
	// ID returns the swarm key the signer pushes under, the account id
	// for the user and the group id for a group.
	ID() string

	// PublicKey returns the raw Ed25519 public key.
	PublicKey() []byte

	// Sign signs msg.
	Sign(msg []byte) []byte
}

// Provider hands out signers. A missing group signer means the local user
// is not an admin of that group.
type Provider interface {
	UserSigner() (Signer, bool)
	GroupAdminSigner(groupID string) (Signer, bool)
}

type edSigner struct {
	id  string
	key *ed25519.PrivateKey
}

// NewSigner returns a Signer pushing under id with key.
func NewSigner(id string, key *ed25519.PrivateKey) Signer {
	return &edSigner{
		id:  id,
		key: key,
	}
}

func (s *edSigner) ID() string {
	return s.id
}

func (s *edSigner) PublicKey() []byte {
	return s.key.PublicKey().Bytes()
}

func (s *edSigner) Sign(msg []byte) []byte {
	return s.key.SignMessage(msg)
}
