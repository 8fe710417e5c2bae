// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package pushnotify

import (
	"encoding/base64"
	"encoding/json"

	"github.com/zeebo/bencode"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/katzenpost/hpqc/rand"
)

// PaddingBlock is the granularity notifications are padded to.
const PaddingBlock = 256

// Encode builds an encrypted notification about md, the way a push server
// does. A nil content is left out of the body.
func Encode(key *[KeySize]byte, md *Metadata, content []byte) (map[string]string, error) {
	rawMD, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	parts := []string{string(rawMD)}
	if content != nil {
		parts = append(parts, string(content))
	}
	body, err := bencode.EncodeBytes(parts)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, (len(body)/PaddingBlock+1)*PaddingBlock)
	copy(padded, body)

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(padded)+aead.Overhead())
	if _, err = rand.Reader.Read(nonce); err != nil {
		return nil, err
	}
	out := aead.Seal(nonce, nonce, padded, nil)
	return map[string]string{
		EncPayloadKey: base64.StdEncoding.EncodeToString(out),
	}, nil
}

// EncodeLegacy builds a legacy notification carrying content.
func EncodeLegacy(content []byte) map[string]string {
	return map[string]string{
		LegacyKey: base64.StdEncoding.EncodeToString(content),
	}
}
