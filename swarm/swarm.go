// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package swarm talks to the storage swarm: it signs store and delete
// requests and ships config pushes to a resolved node.
package swarm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/swarmsync/auth"
	"github.com/katzenpost/swarmsync/namespace"
)

var (
	// ErrBadSignature is returned for a request whose signature does not
	// verify.
	ErrBadSignature = errors.New("swarm: signature verification failed")

	// ErrNoNodes is returned by a resolver with nothing to pick from.
	ErrNoNodes = errors.New("swarm: no nodes available")
)

// Node is a storage node.
type Node struct {
	// Address is the node's base URL.
	Address string

	// PublicKey is the node's hex encoded Ed25519 key, informational.
	PublicKey string
}

func (n *Node) String() string {
	return n.Address
}

// Client is a storage network client.
type Client interface {
	// ResolveNode picks the node responsible for the swarm key.
	ResolveNode(ctx context.Context, key string) (*Node, error)

	// Store stores one message.
	Store(ctx context.Context, node *Node, req *StoreRequest) (*StoreResponse, error)

	// Delete removes messages by hash.
	Delete(ctx context.Context, node *Node, req *DeleteRequest) error
}

// StoreRequest is an authenticated store of one message.
type StoreRequest struct {
	PubKey        string              `json:"pubkey"`
	PubKeyEd25519 string              `json:"pubkey_ed25519"`
	Namespace     namespace.Namespace `json:"namespace"`
	Data          string              `json:"data"`
	TTL           int64               `json:"ttl"`
	Timestamp     int64               `json:"timestamp"`
	Signature     string              `json:"signature"`
}

// StoreResponse is a node's receipt of a stored message.
type StoreResponse struct {
	Hash string `json:"hash"`
	// Timestamp is the node's storage time in milliseconds.
	Timestamp int64 `json:"t"`
}

// DeleteRequest is an authenticated removal of messages by hash.
type DeleteRequest struct {
	PubKey        string   `json:"pubkey"`
	PubKeyEd25519 string   `json:"pubkey_ed25519"`
	Messages      []string `json:"messages"`
	Signature     string   `json:"signature"`
}

// NewStoreRequest builds and signs a store of data under signer's key.
func NewStoreRequest(signer auth.Signer, ns namespace.Namespace, data []byte, ttl time.Duration, now time.Time) *StoreRequest {
	req := &StoreRequest{
		PubKey:        signer.ID(),
		PubKeyEd25519: hex.EncodeToString(signer.PublicKey()),
		Namespace:     ns,
		Data:          base64.StdEncoding.EncodeToString(data),
		TTL:           ttl.Milliseconds(),
		Timestamp:     now.UnixMilli(),
	}
	req.Signature = base64.StdEncoding.EncodeToString(signer.Sign(req.signedMessage()))
	return req
}

// The signature covers "store", the namespace unless it is the default
// one, and the timestamp, all in decimal.
func (r *StoreRequest) signedMessage() []byte {
	b := []byte("store")
	if r.Namespace != namespace.Default {
		b = strconv.AppendInt(b, int64(r.Namespace), 10)
	}
	return strconv.AppendInt(b, r.Timestamp, 10)
}

// Verify checks the request signature.
func (r *StoreRequest) Verify() error {
	return verify(r.PubKeyEd25519, r.signedMessage(), r.Signature)
}

// Payload returns the decoded message.
func (r *StoreRequest) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Data)
}

// NewDeleteRequest builds and signs a removal of hashes.
func NewDeleteRequest(signer auth.Signer, hashes []string) *DeleteRequest {
	req := &DeleteRequest{
		PubKey:        signer.ID(),
		PubKeyEd25519: hex.EncodeToString(signer.PublicKey()),
		Messages:      append([]string(nil), hashes...),
	}
	req.Signature = base64.StdEncoding.EncodeToString(signer.Sign(req.signedMessage()))
	return req
}

func (r *DeleteRequest) signedMessage() []byte {
	var b bytes.Buffer
	b.WriteString("delete")
	for _, h := range r.Messages {
		b.WriteString(h)
	}
	return b.Bytes()
}

// Verify checks the request signature.
func (r *DeleteRequest) Verify() error {
	return verify(r.PubKeyEd25519, r.signedMessage(), r.Signature)
}

func verify(hexKey string, msg []byte, b64Sig string) error {
	rawKey, err := hex.DecodeString(hexKey)
	if err != nil {
		return fmt.Errorf("swarm: malformed public key: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(b64Sig)
	if err != nil {
		return fmt.Errorf("swarm: malformed signature: %w", err)
	}
	s := ed25519.Scheme()
	pub, err := s.UnmarshalBinaryPublicKey(rawKey)
	if err != nil {
		return fmt.Errorf("swarm: malformed public key: %w", err)
	}
	if !s.Verify(pub, msg, sig, nil) {
		return ErrBadSignature
	}
	return nil
}
