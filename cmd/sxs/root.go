package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/studaxis/studaxis-sync/internal/config"
	"github.com/studaxis/studaxis-sync/internal/sync/engine"
	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/state"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
	"github.com/studaxis/studaxis-sync/internal/sync/store/gcs"
	"github.com/studaxis/studaxis-sync/internal/sync/store/turso"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sxs",
	Short: "Studaxis offline-first sync service",
	Long: `sxs keeps local study progress durably queued and synchronized to the
cloud whenever connectivity allows.

Progress updates (quiz scores, streaks, sessions) append to a local
crash-safe queue and survive restarts and power loss. When online, the
sync engine merges them into compact delta payloads, uploads them to
cloud storage, and commits the authoritative sync record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file or directory (default ~/.studaxis)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection commands:"},
	)
}

// loadConfig reads the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openQueue opens the mutation log at the configured location.
func openQueue(cfg *config.Config) (*queue.Log, error) {
	return queue.Open(cfg.QueuePath())
}

// openStores connects the payload and metadata stores. The returned
// cleanup closes both.
func openStores(ctx context.Context, cfg *config.Config) (store.PayloadStore, store.MetadataStore, func(), error) {
	payloads, err := gcs.New(ctx, cfg.Payload.Bucket, cfg.Payload.CredentialsFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect payload store: %w", err)
	}

	metadata, err := turso.Open(ctx, turso.Config{
		URL:       cfg.Metadata.URL,
		AuthToken: cfg.Metadata.AuthToken,
		LocalPath: cfg.MetadataReplicaPath(),
	})
	if err != nil {
		_ = payloads.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect metadata store: %w", err)
	}

	cleanup := func() {
		_ = metadata.Close()
		_ = payloads.Close()
	}
	return payloads, metadata, cleanup, nil
}

// buildEngine assembles a sync engine from configuration.
func buildEngine(cfg *config.Config, mlog *queue.Log, payloads store.PayloadStore,
	metadata store.MetadataStore, logger *log.Logger, online func() bool, notify func(engine.Event)) (*engine.Engine, error) {

	snapshots, err := state.NewStore(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	ecfg := engine.DefaultConfig(cfg.UserID, cfg.DeviceID)
	ecfg.MaxClaimBytes = cfg.Sync.MaxClaimKB * 1024
	ecfg.PayloadRetry.MaxAttempts = cfg.Sync.PayloadAttempts
	ecfg.MetadataRetry.MaxAttempts = cfg.Sync.MetadataAttempts
	ecfg.Online = online
	ecfg.Notify = notify
	if logger != nil {
		ecfg.Logger = logger
	}

	return engine.New(mlog, snapshots, payloads, metadata, ecfg)
}

// stderrLogger returns a prefixed logger for CLI commands.
func stderrLogger(prefix string) *log.Logger {
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
}
