// SPDX-FileCopyrightText: Copyright (C) 2025  Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/swarmsync/common"
	"github.com/katzenpost/swarmsync/config"
	"github.com/katzenpost/swarmsync/pushnotify"
	"github.com/katzenpost/swarmsync/syncd"
)

const defaultConfigFile = "swarmsync.toml"

// Config holds the command line configuration.
type Config struct {
	ConfigFile  string
	PayloadFile string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "swarmsyncd",
		Short: "Encrypted config synchronization daemon",
		Long: `swarmsyncd keeps a device's encrypted configuration replicated to a
storage swarm. User level configs (profile, contacts, conversation
metadata, group list) and the configs of every closed group the user
administers are pushed whenever they change, at most one push per scope
at a time, and superseded messages are deleted from the swarm.`,
	}
	cmd.PersistentFlags().StringVarP(&cfg.ConfigFile, "config", "f", defaultConfigFile,
		"path to the configuration file (TOML format)")

	cmd.AddCommand(newRunCommand(&cfg), newDecodeCommand(&cfg))
	return cmd
}

func newRunCommand(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization daemon",
		Example: `  # Start with the default configuration file
  swarmsyncd run

  # Start with a specific configuration file
  swarmsyncd run -f /etc/swarmsync/swarmsync.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cfg)
		},
	}
}

func newDecodeCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a push notification with the local notification key",
		Long: `decode reads the data fields of a push notification as a JSON object
of strings, decodes it with the notification key held in the state
database and prints the metadata and message. The daemon must not be
running, since it holds the state database open.`,
		Example: `  swarmsyncd decode -f swarmsync.toml -p notification.json
  echo '{"ENCRYPTED_DATA":"aGVsbG8="}' | swarmsyncd decode`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return decodeNotification(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&cfg.PayloadFile, "payload", "p", "",
		"file holding the notification JSON, stdin if omitted")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runDaemon(cfg *Config) error {
	if cfg.ConfigFile == "" {
		return errors.New("config file must be specified")
	}

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	syncCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := syncd.New(syncCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn daemon instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the daemon gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}

type decodeOutput struct {
	Format   string               `json:"format"`
	Metadata *pushnotify.Metadata `json:"metadata,omitempty"`
	Content  string               `json:"content,omitempty"`
}

func decodeNotification(cfg *Config, stdin io.Reader, stdout io.Writer) error {
	syncCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}

	in := stdin
	if cfg.PayloadFile != "" {
		f, err := os.Open(cfg.PayloadFile)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	payload := make(map[string]string)
	if err = json.NewDecoder(in).Decode(&payload); err != nil {
		return fmt.Errorf("payload must be a JSON object of strings: %v", err)
	}

	db, err := bolt.Open(syncCfg.Account.StateDB, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open state db '%v': %v", syncCfg.Account.StateDB, err)
	}
	defer db.Close()
	keys, err := pushnotify.NewKeyStore(db)
	if err != nil {
		return err
	}
	key, err := keys.Key()
	if err != nil {
		return err
	}

	n, err := pushnotify.NewDecoder(key).Decode(payload)
	if err != nil {
		return err
	}
	out := &decodeOutput{
		Format:   "encrypted",
		Metadata: n.Metadata,
	}
	if n.Legacy() {
		out.Format = "legacy"
	}
	if n.Content != nil {
		out.Content = base64.StdEncoding.EncodeToString(n.Content)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
