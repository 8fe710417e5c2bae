// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package syncd is the swarmsync daemon: it restores the local config
// domains and keeps them pushed to the swarm.
package syncd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/swarmsync/auth"
	"github.com/katzenpost/swarmsync/config"
	"github.com/katzenpost/swarmsync/configstore"
	"github.com/katzenpost/swarmsync/configsync"
	"github.com/katzenpost/swarmsync/core/log"
	"github.com/katzenpost/swarmsync/instrument"
	"github.com/katzenpost/swarmsync/notify"
	"github.com/katzenpost/swarmsync/pushnotify"
	"github.com/katzenpost/swarmsync/swarm"
	"github.com/katzenpost/swarmsync/swarm/memswarm"
)

// GroupIDPrefix prefixes the hex admin public key of a closed group id.
const GroupIDPrefix = "03"

// Server is a swarmsync daemon instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	db         *bolt.DB
	bus        *notify.Bus
	keyring    *auth.Keyring
	dumps      *configstore.DumpDB
	store      *configstore.Store
	notifyKeys *pushnotify.KeyStore
	client     swarm.Client

	coordinator *configsync.Coordinator
	metrics     *http.Server

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Account.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("syncd: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("syncd: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("syncd: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("syncd: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(s.cfg.Account.DataDir, p)
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("syncd")
	}
	return err
}

// LogBackend returns the server's log backend.
func (s *Server) LogBackend() *log.Backend {
	return s.logBackend
}

func domainLabel(scope string, kind configstore.Kind) string {
	return scope + "/" + kind.String()
}

func (s *Server) loadConfig(scope string, kind configstore.Kind, dump []byte) (*configstore.BlobConfig, error) {
	key := s.keyring.DomainKey(domainLabel(scope, kind))
	if dump == nil {
		return configstore.NewBlobConfig(kind, key), nil
	}
	return configstore.LoadBlobConfig(kind, key, dump)
}

func (s *Server) loadGroup(id string, dumps map[configstore.Kind][]byte) (configstore.GroupConfigs, error) {
	var (
		g   configstore.GroupConfigs
		err error
	)
	if g.Info, err = s.loadConfig(id, configstore.GroupInfo, dumps[configstore.GroupInfo]); err != nil {
		return g, err
	}
	if g.Members, err = s.loadConfig(id, configstore.GroupMembers, dumps[configstore.GroupMembers]); err != nil {
		return g, err
	}
	keysKey := s.keyring.DomainKey(domainLabel(id, configstore.GroupKeys))
	if b := dumps[configstore.GroupKeys]; b != nil {
		g.Keys, err = configstore.LoadBlobKeys(keysKey, b)
	} else {
		g.Keys = configstore.NewBlobKeys(keysKey)
	}
	return g, err
}

func (s *Server) initStore() error {
	s.store = configstore.New(s.logBackend.GetLogger("configstore"), s.bus, s.dumps)

	userDumps, err := s.dumps.LoadUser()
	if err != nil {
		return err
	}
	configs := make(map[configstore.Kind]configstore.Config, len(configstore.UserKinds))
	for _, kind := range configstore.UserKinds {
		if configs[kind], err = s.loadConfig(configstore.UserScope, kind, userDumps[kind]); err != nil {
			return err
		}
	}
	if err = s.store.InitUser(configs); err != nil {
		return err
	}

	groupDumps, err := s.dumps.LoadGroups()
	if err != nil {
		return err
	}
	for id, dumps := range groupDumps {
		g, err := s.loadGroup(id, dumps)
		if err != nil {
			return fmt.Errorf("syncd: failed to restore group %v: %w", id, err)
		}
		if err = s.store.AddGroup(id, g); err != nil {
			return err
		}
	}
	s.log.Noticef("Restored user configs and %d groups.", len(groupDumps))
	return nil
}

func (s *Server) initSwarm() {
	if s.cfg.Swarm.InMemory {
		s.log.Warning("Using an in-memory swarm, nothing will leave this process.")
		s.client = memswarm.New()
		return
	}
	nodes := make([]*swarm.Node, 0, len(s.cfg.Swarm.Nodes))
	for _, n := range s.cfg.Swarm.Nodes {
		nodes = append(nodes, &swarm.Node{Address: n.Address, PublicKey: n.PublicKey})
	}
	s.client = swarm.NewRPCClient(s.logBackend.GetLogger("swarm/rpc"), nodes, s.cfg.Swarm.Timeout())
}

// New returns a running Server parameterized with cfg.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		bus:      notify.NewBus(),
		haltedCh: make(chan interface{}),
	}

	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Starting swarmsync daemon")
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	var err error
	if s.db, err = bolt.Open(cfg.Account.StateDB, 0600, &bolt.Options{Timeout: 5 * time.Second}); err != nil {
		return nil, fmt.Errorf("syncd: failed to open state db: %w", err)
	}
	if s.keyring, err = auth.NewKeyring(s.db, cfg.Account.AccountID); err != nil {
		return nil, err
	}
	if err = s.keyring.EnsureIdentity(); err != nil {
		return nil, err
	}
	if s.dumps, err = configstore.NewDumpDB(s.db); err != nil {
		return nil, err
	}
	if s.notifyKeys, err = pushnotify.NewKeyStore(s.db); err != nil {
		return nil, err
	}
	if err = s.initStore(); err != nil {
		return nil, err
	}
	s.initSwarm()

	pusher := swarm.NewPusher(s.logBackend.GetLogger("swarm"), s.client, cfg.Swarm.TTL())
	s.coordinator = configsync.NewCoordinator(
		s.logBackend.GetLogger("configsync"),
		s.bus,
		configsync.NewUserPlanner(s.logBackend.GetLogger("configsync/user"), s.store, s.keyring, pusher),
		configsync.NewGroupPlanner(s.logBackend.GetLogger("configsync/group"), s.store, s.keyring, pusher),
	)
	s.coordinator.Start()

	if cfg.Metrics.Address != "" {
		s.metrics = instrument.StartPrometheusListener(s.logBackend.GetLogger("instrument"), cfg.Metrics.Address)
	}

	// Anything left dirty by the previous run goes out now.
	s.bus.Publish(notify.Notification{Kind: notify.UserConfigsChanged})
	for _, id := range s.store.Groups() {
		s.bus.Publish(notify.Notification{Kind: notify.GroupConfigsChanged, GroupID: id})
	}

	isOk = true
	return s, nil
}

// Store returns the config store.
func (s *Server) Store() *configstore.Store {
	return s.store
}

// Keyring returns the signing keys.
func (s *Server) Keyring() *auth.Keyring {
	return s.keyring
}

// Swarm returns the storage network client.
func (s *Server) Swarm() swarm.Client {
	return s.client
}

// NotificationDecoder returns a push notification decoder using the local
// notification key.
func (s *Server) NotificationDecoder() (*pushnotify.Decoder, error) {
	key, err := s.notifyKeys.Key()
	if err != nil {
		return nil, err
	}
	return pushnotify.NewDecoder(key), nil
}

// NotificationHandler returns a Handler that decodes push notifications
// with the local notification key and routes them into pipeline.
func (s *Server) NotificationHandler(groups pushnotify.GroupDecrypter, unwrap pushnotify.Unwrapper, pipeline pushnotify.Pipeline, notifier pushnotify.Notifier) (*pushnotify.Handler, error) {
	dec, err := s.NotificationDecoder()
	if err != nil {
		return nil, err
	}
	return pushnotify.NewHandler(s.logBackend.GetLogger("pushnotify"), dec, groups, unwrap, pipeline, notifier), nil
}

// CreateGroup creates a closed group administered by the local user and
// returns its id.
func (s *Server) CreateGroup() (string, error) {
	id, err := s.keyring.NewGroupAdmin(GroupIDPrefix)
	if err != nil {
		return "", err
	}
	if err = s.JoinGroup(id); err != nil {
		_ = s.keyring.RemoveGroupAdmin(id)
		return "", err
	}
	return id, nil
}

// JoinGroup starts tracking the configs of group id.
func (s *Server) JoinGroup(id string) error {
	g, err := s.loadGroup(id, nil)
	if err != nil {
		return err
	}
	return s.store.AddGroup(id, g)
}

// LeaveGroup stops tracking group id and forgets its admin key.
func (s *Server) LeaveGroup(id string) error {
	if err := s.store.RemoveGroup(id); err != nil {
		return err
	}
	return s.keyring.RemoveGroupAdmin(id)
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Shutdown(ctx); err != nil {
			s.log.Warningf("Failed to stop metrics listener: %v", err)
		}
		cancel()
	}

	// In-flight pushes are cancelled and their confirmations land before
	// the database goes away.
	if s.coordinator != nil {
		s.coordinator.Halt()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Failed to close state db: %v", err)
		}
	}

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.log.Errorf("Failed to rotate log file: %v", err)
	}
}
