// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package configstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/katzenpost/hpqc/rand"
)

// KeySize is the size of a domain encryption key.
const KeySize = chacha20poly1305.KeySize

var errPayloadDecrypt = errors.New("configstore: failed to decrypt payload")

type blobPayload struct {
	Kind  Kind
	SeqNo int64
	Data  map[string][]byte
}

type blobDump struct {
	Kind  Kind
	SeqNo int64
	Data  map[string][]byte

	Dirty            bool
	Pushing          bool
	MutatedSincePush bool

	Hashes          []string
	Obsolete        []string
	PushingObsolete []string

	ConfirmedSeqNo int64
	ConfirmedHash  string
}

// BlobConfig is the in-tree reference codec: a key/value domain whose
// pushes are XChaCha20-Poly1305 sealed CBOR snapshots of the whole state.
type BlobConfig struct {
	sync.Mutex

	kind Kind
	key  [KeySize]byte
	d    blobDump
}

// NewBlobConfig returns an empty, clean domain of the given kind sealed
// under key.
func NewBlobConfig(kind Kind, key *[KeySize]byte) *BlobConfig {
	c := &BlobConfig{
		kind: kind,
		key:  *key,
	}
	c.d.Kind = kind
	c.d.Data = make(map[string][]byte)
	return c
}

// LoadBlobConfig restores a domain from a Dump.
func LoadBlobConfig(kind Kind, key *[KeySize]byte, dump []byte) (*BlobConfig, error) {
	c := NewBlobConfig(kind, key)
	if err := cbor.Unmarshal(dump, &c.d); err != nil {
		return nil, fmt.Errorf("configstore: corrupted %v dump: %w", kind, err)
	}
	if c.d.Kind != kind {
		return nil, fmt.Errorf("configstore: dump is for %v, not %v", c.d.Kind, kind)
	}
	if c.d.Data == nil {
		c.d.Data = make(map[string][]byte)
	}
	return c, nil
}

// Kind returns the domain kind.
func (c *BlobConfig) Kind() Kind {
	return c.kind
}

// Get returns the value stored under k.
func (c *BlobConfig) Get(k string) ([]byte, bool) {
	c.Lock()
	defer c.Unlock()
	v, ok := c.d.Data[k]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Keys returns the sorted keys present in the domain.
func (c *BlobConfig) Keys() []string {
	c.Lock()
	defer c.Unlock()
	keys := make([]string, 0, len(c.d.Data))
	for k := range c.d.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores v under k, marking the domain dirty if anything changed.
func (c *BlobConfig) Set(k string, v []byte) {
	c.Lock()
	defer c.Unlock()
	if old, ok := c.d.Data[k]; ok && string(old) == string(v) {
		return
	}
	c.d.Data[k] = append([]byte(nil), v...)
	c.markDirtyLocked()
}

// Delete removes k, marking the domain dirty if it was present.
func (c *BlobConfig) Delete(k string) {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.d.Data[k]; !ok {
		return
	}
	delete(c.d.Data, k)
	c.markDirtyLocked()
}

func (c *BlobConfig) markDirtyLocked() {
	c.d.Dirty = true
	if c.d.Pushing {
		c.d.MutatedSincePush = true
	}
}

// NeedsPush implements Config.
func (c *BlobConfig) NeedsPush() bool {
	c.Lock()
	defer c.Unlock()
	return c.d.Dirty
}

// Push implements Config. Retrying an unconfirmed push of unchanged state
// reuses its sequence number.
func (c *BlobConfig) Push() (*PushPlan, error) {
	c.Lock()
	defer c.Unlock()

	if !c.d.Dirty {
		return nil, ErrNothingToPush
	}
	if !c.d.Pushing || c.d.MutatedSincePush {
		c.d.SeqNo++
	}
	c.d.Pushing = true
	c.d.MutatedSincePush = false

	pt, err := cbor.Marshal(&blobPayload{
		Kind:  c.kind,
		SeqNo: c.d.SeqNo,
		Data:  c.d.Data,
	})
	if err != nil {
		return nil, err
	}
	payload, err := seal(&c.key, c.kind, pt)
	if err != nil {
		return nil, err
	}

	c.d.PushingObsolete = append([]string(nil), c.d.Obsolete...)
	return &PushPlan{
		SeqNo:          c.d.SeqNo,
		Payload:        payload,
		ObsoleteHashes: append([]string(nil), c.d.PushingObsolete...),
	}, nil
}

// ConfirmPushed implements Config.
func (c *BlobConfig) ConfirmPushed(seqNo int64, hash string) {
	c.Lock()
	defer c.Unlock()

	switch {
	case seqNo == c.d.ConfirmedSeqNo && hash == c.d.ConfirmedHash:
		return
	case seqNo < c.d.ConfirmedSeqNo, seqNo > c.d.SeqNo:
		return
	}

	for _, h := range c.d.Hashes {
		if h != hash {
			c.d.Obsolete = appendUnique(c.d.Obsolete, h)
		}
	}
	c.d.Hashes = []string{hash}
	c.d.Obsolete = without(c.d.Obsolete, c.d.PushingObsolete)
	c.d.PushingObsolete = nil
	c.d.ConfirmedSeqNo = seqNo
	c.d.ConfirmedHash = hash

	if seqNo == c.d.SeqNo && c.d.Pushing {
		c.d.Pushing = false
		if !c.d.MutatedSincePush {
			c.d.Dirty = false
		}
		c.d.MutatedSincePush = false
	}
}

// CurrentHashes implements Config.
func (c *BlobConfig) CurrentHashes() []string {
	c.Lock()
	defer c.Unlock()
	return append([]string(nil), c.d.Hashes...)
}

// Dump implements Config.
func (c *BlobConfig) Dump() ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	return cbor.Marshal(&c.d)
}

// OpenBlobPayload decrypts a payload produced by a BlobConfig push and
// returns its sequence number and state.
func OpenBlobPayload(kind Kind, key *[KeySize]byte, payload []byte) (int64, map[string][]byte, error) {
	pt, err := open(key, kind, payload)
	if err != nil {
		return 0, nil, err
	}
	p := new(blobPayload)
	if err := cbor.Unmarshal(pt, p); err != nil {
		return 0, nil, err
	}
	if p.Kind != kind {
		return 0, nil, fmt.Errorf("configstore: payload is for %v, not %v", p.Kind, kind)
	}
	return p.SeqNo, p.Data, nil
}

// NewKey returns a fresh random domain key.
func NewKey() (*[KeySize]byte, error) {
	key := new([KeySize]byte)
	if _, err := rand.Reader.Read(key[:]); err != nil {
		return nil, err
	}
	return key, nil
}

func seal(key *[KeySize]byte, kind Kind, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(pt)+aead.Overhead())
	if _, err := rand.Reader.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, pt, []byte{byte(kind)}), nil
}

func open(key *[KeySize]byte, kind Kind, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	if len(ct) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, errPayloadDecrypt
	}
	nonce, body := ct[:chacha20poly1305.NonceSizeX], ct[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, body, []byte{byte(kind)})
	if err != nil {
		return nil, errPayloadDecrypt
	}
	return pt, nil
}

func appendUnique(s []string, v string) []string {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

func without(s, drop []string) []string {
	if len(drop) == 0 {
		return s
	}
	out := s[:0]
	for _, e := range s {
		found := false
		for _, d := range drop {
			if e == d {
				found = true
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}
