// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the swarmsync daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel       = "NOTICE"
	defaultStateDB        = "state.db"
	defaultStoreTTL       = 30 * 24 * 60 * 60 * 1000 // 30 days, in ms.
	defaultRequestTimeout = 30 * 1000                // 30 sec.
	maxStoreTTL           = defaultStoreTTL
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Account is the local identity configuration.
type Account struct {
	// AccountID is the hex encoded account identifier used as the swarm key
	// for user level pushes.
	AccountID string

	// DataDir is the absolute path to the daemon's state files.
	DataDir string

	// StateDB is the path to the bolt database holding config dumps, keys
	// and the push notification key. If left empty it will use `state.db`
	// under the DataDir.
	StateDB string
}

func (aCfg *Account) applyDefaults() {
	if aCfg.StateDB == "" {
		aCfg.StateDB = filepath.Join(aCfg.DataDir, defaultStateDB)
	}
}

func (aCfg *Account) validate() error {
	if aCfg.AccountID == "" {
		return errors.New("config: Account: AccountID is not set")
	}
	if !filepath.IsAbs(aCfg.DataDir) {
		return fmt.Errorf("config: Account: DataDir '%v' is not an absolute path", aCfg.DataDir)
	}
	if !filepath.IsAbs(aCfg.StateDB) {
		return fmt.Errorf("config: Account: StateDB '%v' is not an absolute path", aCfg.StateDB)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Node is a storage node reachable over the JSON-RPC endpoint.
type Node struct {
	// Address is the base URL of the node, eg: https://203.0.113.7:22021
	Address string

	// PublicKey is the hex encoded Ed25519 key of the node.
	PublicKey string
}

// Swarm is the storage network configuration.
type Swarm struct {
	// InMemory replaces the network with a process local swarm.
	InMemory bool

	// Nodes is the static list of storage nodes to pick from.
	Nodes []*Node

	// StoreTTL is the time to live of pushed config messages in
	// milliseconds.
	StoreTTL int

	// RequestTimeout is the per request timeout in milliseconds.
	RequestTimeout int
}

func (sCfg *Swarm) applyDefaults() {
	if sCfg.StoreTTL <= 0 {
		sCfg.StoreTTL = defaultStoreTTL
	}
	if sCfg.RequestTimeout <= 0 {
		sCfg.RequestTimeout = defaultRequestTimeout
	}
}

func (sCfg *Swarm) validate() error {
	if sCfg.StoreTTL > maxStoreTTL {
		return fmt.Errorf("config: Swarm: StoreTTL %d exceeds %d", sCfg.StoreTTL, maxStoreTTL)
	}
	if sCfg.InMemory {
		return nil
	}
	if len(sCfg.Nodes) == 0 {
		return errors.New("config: Swarm: no Nodes configured")
	}
	for _, n := range sCfg.Nodes {
		u, err := url.Parse(n.Address)
		if err != nil {
			return fmt.Errorf("config: Swarm: Node address '%v' is invalid: %v", n.Address, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: Swarm: Node address '%v' has no http(s) scheme", n.Address)
		}
	}
	return nil
}

// TTL returns StoreTTL as a time.Duration.
func (sCfg *Swarm) TTL() time.Duration {
	return time.Duration(sCfg.StoreTTL) * time.Millisecond
}

// Timeout returns RequestTimeout as a time.Duration.
func (sCfg *Swarm) Timeout() time.Duration {
	return time.Duration(sCfg.RequestTimeout) * time.Millisecond
}

// Metrics is the prometheus listener configuration.
type Metrics struct {
	// Address is the host:port to expose /metrics on. Empty disables the
	// listener.
	Address string
}

// Config is the top level swarmsync configuration.
type Config struct {
	Account *Account
	Logging *Logging
	Swarm   *Swarm
	Metrics *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Account == nil {
		return errors.New("config: No Account block was present")
	}
	if cfg.Swarm == nil {
		return errors.New("config: No Swarm block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	cfg.Account.applyDefaults()
	if err := cfg.Account.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Swarm.applyDefaults()
	return cfg.Swarm.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
