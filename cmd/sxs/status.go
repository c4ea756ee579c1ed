package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/sync/state"
	"github.com/studaxis/studaxis-sync/internal/sync/store"
	"github.com/studaxis/studaxis-sync/internal/ui"
)

var (
	statusOutput string
	statusRemote bool
)

// statusReport is the machine-readable status shape.
type statusReport struct {
	State *state.SyncState `json:"state,omitempty" yaml:"state,omitempty"`
	Queue map[string]int   `json:"queue" yaml:"queue"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show sync state and queue statistics",
	Long: `Show the local sync snapshot and mutation queue statistics.

With --remote, reads the authoritative record from the metadata store
instead of the local snapshot, which is useful to check what other
devices see.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()

		mlog, err := openQueue(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening mutation queue: %v\n", err)
			os.Exit(1)
		}
		defer mlog.Close()

		counts, err := mlog.Counts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		var syncState *state.SyncState
		if statusRemote {
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			_, metadata, cleanup, err := openStores(ctx, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer cleanup()

			syncState, err = metadata.GetState(ctx, cfg.UserID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "Error reading remote state: %v\n", err)
				os.Exit(1)
			}
		} else {
			snapshots, err := state.NewStore(cfg.DataDir, stderrLogger("state"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error opening snapshot store: %v\n", err)
				os.Exit(1)
			}
			syncState, err = snapshots.Load()
			if err != nil && !errors.Is(err, state.ErrNoSnapshot) {
				fmt.Fprintf(os.Stderr, "Error loading snapshot: %v\n", err)
				os.Exit(1)
			}
		}

		report := statusReport{
			State: syncState,
			Queue: map[string]int{
				"pending":   counts[queue.StatusPending],
				"in_flight": counts[queue.StatusInFlight],
				"committed": counts[queue.StatusCommitted],
				"failed":    counts[queue.StatusFailed],
			},
		}

		switch statusOutput {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
		case "yaml":
			if err := yaml.NewEncoder(os.Stdout).Encode(report); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding status: %v\n", err)
				os.Exit(1)
			}
		default:
			printStatus(report, statusRemote)
		}
	},
}

// printStatus renders the human-readable report.
func printStatus(report statusReport, remote bool) {
	source := "local snapshot"
	if remote {
		source = "remote record"
	}

	if report.State == nil {
		fmt.Printf("%s No sync state yet (%s)\n", ui.RenderMuted("·"), source)
	} else {
		s := report.State
		fmt.Printf("%s  %s\n", ui.Styles.Title.Render("Sync status"), ui.RenderMuted("("+source+")"))
		fmt.Printf("  user:            %s\n", ui.RenderAccent(s.UserID))
		if s.DeviceID != "" {
			fmt.Printf("  device:          %s\n", s.DeviceID)
		}
		fmt.Printf("  status:          %s\n", ui.StatusBadge(string(s.SyncStatus)))
		if !s.LastSyncTimestamp.IsZero() {
			fmt.Printf("  last sync:       %s\n", s.LastSyncTimestamp.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("  streak:          %d\n", s.CurrentStreak)
		fmt.Printf("  sessions:        %d\n", s.TotalSessions)
		fmt.Printf("  last quiz score: %d\n", s.LastQuizScore)
		if s.LastPayloadKey != "" {
			fmt.Printf("  last payload:    %s\n", ui.RenderMuted(s.LastPayloadKey))
		}
	}

	fmt.Printf("\n%s\n", ui.Styles.Title.Render("Queue"))
	fmt.Printf("  pending:   %d\n", report.Queue["pending"])
	fmt.Printf("  in flight: %d\n", report.Queue["in_flight"])
	fmt.Printf("  committed: %d\n", report.Queue["committed"])
	if n := report.Queue["failed"]; n > 0 {
		fmt.Printf("  failed:    %s\n", ui.RenderFail(fmt.Sprintf("%d", n)))
	}
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "", "output format: json or yaml")
	statusCmd.Flags().BoolVar(&statusRemote, "remote", false, "read the remote record instead of the local snapshot")
	rootCmd.AddCommand(statusCmd)
}
