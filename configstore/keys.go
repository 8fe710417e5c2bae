// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package configstore

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type keyRotation struct {
	Generation uint64
	Key        []byte
}

type keyRecord struct {
	Generation uint64
	Hash       string
	Timestamp  int64
}

type keysDump struct {
	Generation uint64
	Pending    []byte
	Confirmed  []keyRecord
}

// BlobKeys is the in-tree reference group key log. Every rotation becomes
// one sealed message which is stored once and never superseded.
type BlobKeys struct {
	sync.Mutex

	key [KeySize]byte
	d   keysDump
}

// NewBlobKeys returns an empty key log sealed under key.
func NewBlobKeys(key *[KeySize]byte) *BlobKeys {
	return &BlobKeys{key: *key}
}

// LoadBlobKeys restores a key log from a Dump.
func LoadBlobKeys(key *[KeySize]byte, dump []byte) (*BlobKeys, error) {
	k := NewBlobKeys(key)
	if err := cbor.Unmarshal(dump, &k.d); err != nil {
		return nil, fmt.Errorf("configstore: corrupted %v dump: %w", GroupKeys, err)
	}
	return k, nil
}

// Rotate queues a new group key for distribution, replacing any rotation
// that has not been pushed yet.
func (k *BlobKeys) Rotate(groupKey []byte) error {
	k.Lock()
	defer k.Unlock()

	pt, err := cbor.Marshal(&keyRotation{
		Generation: k.d.Generation + 1,
		Key:        groupKey,
	})
	if err != nil {
		return err
	}
	payload, err := seal(&k.key, GroupKeys, pt)
	if err != nil {
		return err
	}
	k.d.Generation++
	k.d.Pending = payload
	return nil
}

// Generation returns the number of rotations queued so far.
func (k *BlobKeys) Generation() uint64 {
	k.Lock()
	defer k.Unlock()
	return k.d.Generation
}

// PendingConfig implements Keys.
func (k *BlobKeys) PendingConfig() []byte {
	k.Lock()
	defer k.Unlock()
	if k.d.Pending == nil {
		return nil
	}
	return append([]byte(nil), k.d.Pending...)
}

// ConfirmPushed implements Keys.
func (k *BlobKeys) ConfirmPushed(payload []byte, result *PushResult) {
	k.Lock()
	defer k.Unlock()

	if result == nil || k.d.Pending == nil || !bytes.Equal(payload, k.d.Pending) {
		return
	}
	k.d.Pending = nil
	k.d.Confirmed = append(k.d.Confirmed, keyRecord{
		Generation: k.d.Generation,
		Hash:       result.Hash,
		Timestamp:  result.Timestamp.UnixMilli(),
	})
}

// ConfirmedHashes returns the swarm hashes of every confirmed rotation,
// oldest first.
func (k *BlobKeys) ConfirmedHashes() []string {
	k.Lock()
	defer k.Unlock()
	out := make([]string, 0, len(k.d.Confirmed))
	for _, r := range k.d.Confirmed {
		out = append(out, r.Hash)
	}
	return out
}

// LastConfirmed returns when the most recent rotation was stored.
func (k *BlobKeys) LastConfirmed() (time.Time, bool) {
	k.Lock()
	defer k.Unlock()
	if len(k.d.Confirmed) == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(k.d.Confirmed[len(k.d.Confirmed)-1].Timestamp), true
}

// Dump implements Keys.
func (k *BlobKeys) Dump() ([]byte, error) {
	k.Lock()
	defer k.Unlock()
	return cbor.Marshal(&k.d)
}

// OpenKeyRotation decrypts a key rotation message.
func OpenKeyRotation(key *[KeySize]byte, payload []byte) (uint64, []byte, error) {
	pt, err := open(key, GroupKeys, payload)
	if err != nil {
		return 0, nil, err
	}
	r := new(keyRotation)
	if err := cbor.Unmarshal(pt, r); err != nil {
		return 0, nil, err
	}
	return r.Generation, r.Key, nil
}
