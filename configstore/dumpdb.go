// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package configstore

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	dumpMetadataBucket = "configs_metadata"
	dumpUserBucket     = "configs_user"
	dumpGroupsBucket   = "configs_groups"
	dumpVersionKey     = "version"

	dumpStorageVersion = 0
)

type dumpEnvelope struct {
	Kind Kind
	Dump []byte
}

// DumpDB persists domain dumps in a bolt database, one bucket for the
// user scope and one nested bucket per group.
type DumpDB struct {
	db *bolt.DB
}

// NewDumpDB prepares the dump buckets in db, which the caller keeps
// ownership of.
func NewDumpDB(db *bolt.DB) (*DumpDB, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(dumpMetadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(dumpUserBucket)); err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(dumpGroupsBucket)); err != nil {
			return err
		}

		if b := meta.Get([]byte(dumpVersionKey)); b != nil {
			if len(b) != 1 || b[0] != dumpStorageVersion {
				return fmt.Errorf("configstore: incompatible dump version: %x", b)
			}
			return nil
		}
		return meta.Put([]byte(dumpVersionKey), []byte{dumpStorageVersion})
	}); err != nil {
		return nil, err
	}
	return &DumpDB{db: db}, nil
}

func kindKey(kind Kind) []byte {
	return []byte{byte(kind)}
}

// SaveDump implements Persister.
func (d *DumpDB) SaveDump(scope string, kind Kind, dump []byte) error {
	raw, err := cbor.Marshal(&dumpEnvelope{Kind: kind, Dump: dump})
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		if !kind.IsGroup() {
			return tx.Bucket([]byte(dumpUserBucket)).Put(kindKey(kind), raw)
		}
		bkt, err := tx.Bucket([]byte(dumpGroupsBucket)).CreateBucketIfNotExists([]byte(scope))
		if err != nil {
			return err
		}
		return bkt.Put(kindKey(kind), raw)
	})
}

// DeleteGroup implements Persister. Deleting an unknown group is not an
// error.
func (d *DumpDB) DeleteGroup(id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(dumpGroupsBucket)).DeleteBucket([]byte(id))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// LoadUser returns the saved user level dumps.
func (d *DumpDB) LoadUser() (map[Kind][]byte, error) {
	out := make(map[Kind][]byte)
	err := d.db.View(func(tx *bolt.Tx) error {
		return loadBucket(tx.Bucket([]byte(dumpUserBucket)), out)
	})
	return out, err
}

// LoadGroups returns the saved dumps of every group, keyed by group id.
func (d *DumpDB) LoadGroups() (map[string]map[Kind][]byte, error) {
	out := make(map[string]map[Kind][]byte)
	err := d.db.View(func(tx *bolt.Tx) error {
		groups := tx.Bucket([]byte(dumpGroupsBucket))
		return groups.ForEach(func(k, v []byte) error {
			if v != nil {
				return fmt.Errorf("configstore: stray key %x in groups bucket", k)
			}
			dumps := make(map[Kind][]byte)
			if err := loadBucket(groups.Bucket(k), dumps); err != nil {
				return err
			}
			out[string(k)] = dumps
			return nil
		})
	})
	return out, err
}

func loadBucket(bkt *bolt.Bucket, out map[Kind][]byte) error {
	return bkt.ForEach(func(k, v []byte) error {
		env := new(dumpEnvelope)
		if err := cbor.Unmarshal(v, env); err != nil {
			return err
		}
		if len(k) != 1 || Kind(k[0]) != env.Kind || !env.Kind.Valid() {
			return fmt.Errorf("configstore: dump key %x does not match kind %v", k, env.Kind)
		}
		// bolt owns v; the envelope was decoded into fresh memory.
		out[env.Kind] = env.Dump
		return nil
	})
}
