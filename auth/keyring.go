// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

const (
	metadataBucket = "auth_metadata"
	userBucket     = "auth_user"
	groupsBucket   = "auth_groups"
	versionKey     = "version"
	identityKey    = "identity"
	seedKey        = "domain_seed"

	keyringVersion = 0
	seedSize       = 32
)

// ErrNoIdentity is returned when the user identity was never generated.
var ErrNoIdentity = errors.New("auth: no user identity")

// Keyring is a Provider backed by a bolt database. It holds the user
// identity key, the admin keys of administered groups and the seed the
// local domain encryption keys are derived from.
type Keyring struct {
	sync.RWMutex

	db        *bolt.DB
	accountID string

	user   *ed25519.PrivateKey
	groups map[string]*ed25519.PrivateKey
	seed   []byte
}

// NewKeyring loads the keyring from db, creating the buckets and the
// domain seed on first use. The caller keeps ownership of db.
func NewKeyring(db *bolt.DB, accountID string) (*Keyring, error) {
	k := &Keyring{
		db:        db,
		accountID: accountID,
		groups:    make(map[string]*ed25519.PrivateKey),
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		user, err := tx.CreateBucketIfNotExists([]byte(userBucket))
		if err != nil {
			return err
		}
		groups, err := tx.CreateBucketIfNotExists([]byte(groupsBucket))
		if err != nil {
			return err
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != keyringVersion {
				return fmt.Errorf("auth: incompatible keyring version: %x", b)
			}
		} else if err = meta.Put([]byte(versionKey), []byte{keyringVersion}); err != nil {
			return err
		}

		if b := meta.Get([]byte(seedKey)); b != nil {
			k.seed = append([]byte(nil), b...)
		} else {
			k.seed = make([]byte, seedSize)
			if _, err = rand.Reader.Read(k.seed); err != nil {
				return err
			}
			if err = meta.Put([]byte(seedKey), k.seed); err != nil {
				return err
			}
		}

		if b := user.Get([]byte(identityKey)); b != nil {
			if k.user, err = privateKey(b); err != nil {
				return fmt.Errorf("auth: corrupted identity key: %w", err)
			}
		}
		return groups.ForEach(func(id, b []byte) error {
			key, err := privateKey(b)
			if err != nil {
				return fmt.Errorf("auth: corrupted admin key for group %s: %w", id, err)
			}
			k.groups[string(id)] = key
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return k, nil
}

func privateKey(b []byte) (*ed25519.PrivateKey, error) {
	key := ed25519.NewEmptyPrivateKey()
	if err := key.FromBytes(b); err != nil {
		return nil, err
	}
	return key, nil
}

// EnsureIdentity generates and persists the user identity key if there
// is none yet.
func (k *Keyring) EnsureIdentity() error {
	k.Lock()
	defer k.Unlock()
	if k.user != nil {
		return nil
	}
	key, _, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return err
	}
	if err = k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(userBucket)).Put([]byte(identityKey), key.Bytes())
	}); err != nil {
		return err
	}
	k.user = key
	return nil
}

// UserSigner implements Provider.
func (k *Keyring) UserSigner() (Signer, bool) {
	k.RLock()
	defer k.RUnlock()
	if k.user == nil {
		return nil, false
	}
	return NewSigner(k.accountID, k.user), true
}

// GroupAdminSigner implements Provider.
func (k *Keyring) GroupAdminSigner(groupID string) (Signer, bool) {
	k.RLock()
	defer k.RUnlock()
	key, ok := k.groups[groupID]
	if !ok {
		return nil, false
	}
	return NewSigner(groupID, key), true
}

// NewGroupAdmin creates and stores the admin key of a new group, whose id
// is prefix followed by the hex encoded public key.
func (k *Keyring) NewGroupAdmin(prefix string) (string, error) {
	key, pub, err := ed25519.NewKeypair(rand.Reader)
	if err != nil {
		return "", err
	}
	groupID := prefix + hex.EncodeToString(pub.Bytes())
	if err = k.SetGroupAdmin(groupID, key.Bytes()); err != nil {
		return "", err
	}
	return groupID, nil
}

// SetGroupAdmin stores an admin key received for groupID, replacing any
// previous one.
func (k *Keyring) SetGroupAdmin(groupID string, rawKey []byte) error {
	if groupID == "" {
		return errors.New("auth: empty group id")
	}
	key, err := privateKey(rawKey)
	if err != nil {
		return err
	}

	k.Lock()
	defer k.Unlock()
	if err = k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).Put([]byte(groupID), key.Bytes())
	}); err != nil {
		return err
	}
	k.groups[groupID] = key
	return nil
}

// RemoveGroupAdmin forgets the admin key of groupID.
func (k *Keyring) RemoveGroupAdmin(groupID string) error {
	k.Lock()
	defer k.Unlock()
	if err := k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).Delete([]byte(groupID))
	}); err != nil {
		return err
	}
	delete(k.groups, groupID)
	return nil
}

// DomainKey derives the local symmetric key of the domain named label.
func (k *Keyring) DomainKey(label string) *[32]byte {
	k.RLock()
	defer k.RUnlock()
	h, err := blake2b.New256(k.seed)
	if err != nil {
		panic(err)
	}
	h.Write([]byte("swarmsync domain key: "))
	h.Write([]byte(label))
	key := new([32]byte)
	copy(key[:], h.Sum(nil))
	return key
}
