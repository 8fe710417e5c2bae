// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package pushnotify decodes incoming push notification payloads and
// hands the messages they carry to the receive pipeline.
package pushnotify

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/bencode"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/katzenpost/swarmsync/namespace"
)

const (
	// EncPayloadKey carries an encrypted notification.
	EncPayloadKey = "enc_payload"

	// LegacyKey carries the bare message of a legacy notification.
	LegacyKey = "ENCRYPTED_DATA"

	// KeySize is the size of the notification key.
	KeySize = chacha20poly1305.KeySize
)

var (
	// ErrUnknownFormat is returned for a payload in neither format.
	ErrUnknownFormat = errors.New("pushnotify: unknown notification format")

	// ErrDecode is returned for a malformed notification.
	ErrDecode = errors.New("pushnotify: failed to decode notification")
)

// Metadata describes the message a notification is about.
type Metadata struct {
	// Account is the swarm key the message was stored under.
	Account string `json:"account"`

	// MsgHash is the message's swarm hash.
	MsgHash string `json:"msg_hash"`

	// Namespace is the namespace the message was stored in.
	Namespace namespace.Namespace `json:"namespace"`

	// DataLen is the length of the message.
	DataLen int `json:"data_len"`

	// DataTooLong is set when the message was left out for size.
	DataTooLong bool `json:"data_too_long"`
}

// Notification is a decoded notification.
type Notification struct {
	// Metadata is nil for legacy notifications.
	Metadata *Metadata

	// Content is the message, nil if it was withheld.
	Content []byte
}

// Legacy returns true if n came in the legacy format.
func (n *Notification) Legacy() bool {
	return n.Metadata == nil
}

// Decoder decodes notifications encrypted under one key.
type Decoder struct {
	key [KeySize]byte
}

// NewDecoder returns a Decoder using key.
func NewDecoder(key *[KeySize]byte) *Decoder {
	return &Decoder{key: *key}
}

// Decode decodes the data fields of a push notification.
func (d *Decoder) Decode(payload map[string]string) (*Notification, error) {
	if enc, ok := payload[EncPayloadKey]; ok {
		return d.decodeEncrypted(enc)
	}
	if legacy, ok := payload[LegacyKey]; ok {
		content, err := base64.StdEncoding.DecodeString(legacy)
		if err != nil {
			return nil, fmt.Errorf("%w: legacy payload: %v", ErrDecode, err)
		}
		return &Notification{Content: content}, nil
	}
	return nil, ErrUnknownFormat
}

func (d *Decoder) decodeEncrypted(enc string) (*Notification, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	aead, err := chacha20poly1305.NewX(d.key[:])
	if err != nil {
		return nil, err
	}
	if len(raw) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated payload", ErrDecode)
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed", ErrDecode)
	}
	pt = unpad(pt)

	var parts []string
	if err = bencode.DecodeBytes(pt, &parts); err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", ErrDecode, err)
	}
	if len(parts) < 1 || len(parts) > 2 {
		return nil, fmt.Errorf("%w: body has %d elements", ErrDecode, len(parts))
	}

	md := new(Metadata)
	if err = json.Unmarshal([]byte(parts[0]), md); err != nil {
		return nil, fmt.Errorf("%w: malformed metadata: %v", ErrDecode, err)
	}
	n := &Notification{Metadata: md}
	if len(parts) == 2 {
		n.Content = []byte(parts[1])
	}

	switch {
	case n.Content != nil && len(n.Content) == md.DataLen:
	case n.Content == nil && md.DataTooLong:
	default:
		return nil, fmt.Errorf("%w: content length %d does not match metadata (data_len %d, data_too_long %v)",
			ErrDecode, len(n.Content), md.DataLen, md.DataTooLong)
	}
	return n, nil
}

// unpad strips the zero padding following the last non-zero byte.
func unpad(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}
