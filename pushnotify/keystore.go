// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package pushnotify

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/hpqc/rand"
)

const (
	keyBucket = "pushnotify"
	keyKey    = "notification_key"
)

// KeyStore keeps the notification key in a bolt database, generating it
// on first use.
type KeyStore struct {
	sync.Mutex

	db  *bolt.DB
	key *[KeySize]byte
}

// NewKeyStore returns a KeyStore over db, which the caller keeps
// ownership of.
func NewKeyStore(db *bolt.DB) (*KeyStore, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(keyBucket))
		return err
	}); err != nil {
		return nil, err
	}
	return &KeyStore{db: db}, nil
}

// Key returns the notification key.
func (k *KeyStore) Key() (*[KeySize]byte, error) {
	k.Lock()
	defer k.Unlock()
	if k.key != nil {
		return k.key, nil
	}

	key := new([KeySize]byte)
	if err := k.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keyBucket))
		if b := bkt.Get([]byte(keyKey)); b != nil {
			if len(b) != KeySize {
				return fmt.Errorf("pushnotify: corrupted notification key")
			}
			copy(key[:], b)
			return nil
		}
		if _, err := rand.Reader.Read(key[:]); err != nil {
			return err
		}
		return bkt.Put([]byte(keyKey), key[:])
	}); err != nil {
		return nil, err
	}
	k.key = key
	return key, nil
}
