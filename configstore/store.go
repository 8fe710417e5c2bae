// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package configstore holds the local, mutable copy of every synchronized
// config domain and hands out consistent push snapshots of them.
//
// Domains are grouped into scopes: one user scope holding UserProfile,
// Contacts, ConvoInfoVolatile and UserGroups, and one scope per closed
// group holding GroupInfo, GroupMembers and GroupKeys. Every mutation made
// through the Store announces the changed scope on the notification bus.
package configstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/notify"
)

// UserScope is the persistence scope name of the user level domains.
const UserScope = "user"

type groupScope struct {
	sync.Mutex

	id      string
	configs GroupConfigs
	removed bool
}

func (g *groupScope) config(kind Kind) (Config, error) {
	switch kind {
	case GroupInfo:
		return g.configs.Info, nil
	case GroupMembers:
		return g.configs.Members, nil
	default:
		return nil, fmt.Errorf("%w: %v is not a versioned group config", ErrUnknownDomain, kind)
	}
}

// Store is the set of all config domains known to this device.
type Store struct {
	log       *logging.Logger
	bus       notify.Publisher
	persister Persister

	userMu sync.Mutex
	user   map[Kind]Config

	groupsMu sync.RWMutex
	groups   map[string]*groupScope
}

// New returns an empty Store publishing on bus. The persister may be nil.
func New(log *logging.Logger, bus notify.Publisher, persister Persister) *Store {
	return &Store{
		log:       log,
		bus:       bus,
		persister: persister,
		groups:    make(map[string]*groupScope),
	}
}

// InitUser installs the user level domains. All four must be present.
func (s *Store) InitUser(configs map[Kind]Config) error {
	for _, kind := range UserKinds {
		if configs[kind] == nil {
			return fmt.Errorf("%w: missing %v", ErrUnknownDomain, kind)
		}
	}
	for kind := range configs {
		if !kind.Valid() || kind.IsGroup() {
			return fmt.Errorf("%w: %v is not a user config", ErrUnknownDomain, kind)
		}
	}

	s.userMu.Lock()
	defer s.userMu.Unlock()
	if s.user != nil {
		return errors.New("configstore: user configs already initialized")
	}
	s.user = make(map[Kind]Config, len(configs))
	for kind, c := range configs {
		s.user[kind] = c
	}
	return nil
}

// UserConfig returns the user level domain of the given kind.
func (s *Store) UserConfig(kind Kind) (Config, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	return s.userConfigLocked(kind)
}

func (s *Store) userConfigLocked(kind Kind) (Config, error) {
	c, ok := s.user[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownDomain, kind)
	}
	return c, nil
}

// MutateUser runs fn against a user level domain and announces the
// change. Nothing is announced if fn fails.
func (s *Store) MutateUser(kind Kind, fn func(Config) error) error {
	s.userMu.Lock()
	c, err := s.userConfigLocked(kind)
	if err == nil {
		err = fn(c)
	}
	if err == nil {
		s.saveLocked(UserScope, kind, c)
	}
	s.userMu.Unlock()
	if err != nil {
		return err
	}

	s.bus.Publish(notify.Notification{Kind: notify.UserConfigsChanged})
	return nil
}

// PendingUserPushes returns a plan for every dirty user level domain,
// taken under one lock so the set is consistent.
func (s *Store) PendingUserPushes() (map[Kind]*PushPlan, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	if s.user == nil {
		return nil, fmt.Errorf("%w: user configs not initialized", ErrUnknownDomain)
	}
	plans := make(map[Kind]*PushPlan)
	for _, kind := range UserKinds {
		c := s.user[kind]
		if !c.NeedsPush() {
			continue
		}
		plan, err := c.Push()
		if err != nil {
			if errors.Is(err, ErrNothingToPush) {
				continue
			}
			return nil, fmt.Errorf("configstore: %v push failed: %w", kind, err)
		}
		plans[kind] = plan
	}
	return plans, nil
}

// ConfirmUserPushed commits a successful push of a user level domain.
func (s *Store) ConfirmUserPushed(kind Kind, plan *PushPlan, result *PushResult) error {
	if plan == nil || result == nil {
		return nil
	}

	s.userMu.Lock()
	defer s.userMu.Unlock()

	c, err := s.userConfigLocked(kind)
	if err != nil {
		return err
	}
	c.ConfirmPushed(plan.SeqNo, result.Hash)
	s.saveLocked(UserScope, kind, c)
	return nil
}

// AddGroup installs the domains of a group the device has joined.
func (s *Store) AddGroup(id string, configs GroupConfigs) error {
	if id == "" {
		return errors.New("configstore: empty group id")
	}
	if configs.Info == nil || configs.Members == nil || configs.Keys == nil {
		return fmt.Errorf("%w: group %v is missing a domain", ErrUnknownDomain, id)
	}

	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if _, ok := s.groups[id]; ok {
		return fmt.Errorf("configstore: group %v already exists", id)
	}
	s.groups[id] = &groupScope{id: id, configs: configs}
	return nil
}

// RemoveGroup tears down a group's domains and announces the deletion.
// Confirmations still in flight for the group become no-ops.
func (s *Store) RemoveGroup(id string) error {
	s.groupsMu.Lock()
	g, ok := s.groups[id]
	delete(s.groups, id)
	s.groupsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownGroup, id)
	}

	// Mutations and confirmations that already hold g must not write it
	// back after this point.
	g.Lock()
	g.removed = true
	g.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteGroup(id); err != nil {
			s.log.Errorf("Failed to delete persisted configs of group %v: %v", id, err)
		}
	}
	s.bus.Publish(notify.Notification{Kind: notify.GroupConfigsDeleted, GroupID: id})
	return nil
}

// Groups returns the ids of all known groups, sorted.
func (s *Store) Groups() []string {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) group(id string) (*groupScope, error) {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownGroup, id)
	}
	return g, nil
}

// GroupConfig returns the GroupInfo or GroupMembers domain of a group.
func (s *Store) GroupConfig(id string, kind Kind) (Config, error) {
	g, err := s.group(id)
	if err != nil {
		return nil, err
	}
	g.Lock()
	defer g.Unlock()
	return g.config(kind)
}

// GroupKeys returns the key log of a group.
func (s *Store) GroupKeys(id string) (Keys, error) {
	g, err := s.group(id)
	if err != nil {
		return nil, err
	}
	g.Lock()
	defer g.Unlock()
	return g.configs.Keys, nil
}

// MutateGroup runs fn against a group's domains and announces the change.
// Nothing is announced if fn fails.
func (s *Store) MutateGroup(id string, fn func(*GroupConfigs) error) error {
	g, err := s.group(id)
	if err != nil {
		return err
	}

	g.Lock()
	if g.removed {
		err = fmt.Errorf("%w: %v", ErrUnknownGroup, id)
	} else {
		err = fn(&g.configs)
	}
	if err == nil {
		s.saveGroupLocked(g)
	}
	g.Unlock()
	if err != nil {
		return err
	}

	s.bus.Publish(notify.Notification{Kind: notify.GroupConfigsChanged, GroupID: id})
	return nil
}

// PendingGroupPushes returns an atomic snapshot of everything a group
// needs to send.
func (s *Store) PendingGroupPushes(id string) (*GroupPushSet, error) {
	g, err := s.group(id)
	if err != nil {
		return nil, err
	}

	g.Lock()
	defer g.Unlock()
	if g.removed {
		return nil, fmt.Errorf("%w: %v", ErrUnknownGroup, id)
	}

	set := &GroupPushSet{scope: g}
	if set.Members, err = pendingPlan(g.configs.Members); err != nil {
		return nil, fmt.Errorf("configstore: %v push failed: %w", GroupMembers, err)
	}
	if set.Info, err = pendingPlan(g.configs.Info); err != nil {
		return nil, fmt.Errorf("configstore: %v push failed: %w", GroupInfo, err)
	}
	set.Keys = g.configs.Keys.PendingConfig()
	return set, nil
}

func pendingPlan(c Config) (*PushPlan, error) {
	if !c.NeedsPush() {
		return nil, nil
	}
	plan, err := c.Push()
	if errors.Is(err, ErrNothingToPush) {
		return nil, nil
	}
	return plan, err
}

// ConfirmGroupPushed commits whichever parts of a group push succeeded.
// Confirming against a group that has since been removed is a no-op, even
// if a group with the same id was added again.
func (s *Store) ConfirmGroupPushed(id string, conf *GroupConfirmation) error {
	g, err := s.group(id)
	if errors.Is(err, ErrUnknownGroup) {
		s.log.Debugf("Dropping confirmation for removed group %v", id)
		return nil
	}
	if err != nil {
		return err
	}

	g.Lock()
	defer g.Unlock()
	if g.removed || conf.scope != g {
		s.log.Debugf("Dropping confirmation for a previous instance of group %v", id)
		return nil
	}

	if conf.Members.ok() {
		g.configs.Members.ConfirmPushed(conf.Members.Plan.SeqNo, conf.Members.Result.Hash)
	}
	if conf.Info.ok() {
		g.configs.Info.ConfirmPushed(conf.Info.Plan.SeqNo, conf.Info.Result.Hash)
	}
	if conf.Keys != nil && conf.KeysResult != nil {
		g.configs.Keys.ConfirmPushed(conf.Keys, conf.KeysResult)
	}
	s.saveGroupLocked(g)
	return nil
}

func (s *Store) saveGroupLocked(g *groupScope) {
	if g.removed {
		return
	}
	s.saveLocked(g.id, GroupInfo, g.configs.Info)
	s.saveLocked(g.id, GroupMembers, g.configs.Members)
	s.saveLocked(g.id, GroupKeys, g.configs.Keys)
}

type dumper interface {
	Dump() ([]byte, error)
}

func (s *Store) saveLocked(scope string, kind Kind, c dumper) {
	if s.persister == nil {
		return
	}
	dump, err := c.Dump()
	if err == nil {
		err = s.persister.SaveDump(scope, kind, dump)
	}
	if err != nil {
		// The in-memory state stays authoritative, the next save retries.
		s.log.Errorf("Failed to persist %v/%v: %v", scope, kind, err)
	}
}
