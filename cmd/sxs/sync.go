package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/studaxis/studaxis-sync/internal/sync/engine"
	"github.com/studaxis/studaxis-sync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run sync cycles until the queue drains",
	Long: `Run sync cycles now, without waiting for the daemon's schedule.

Cycles run back to back until the queue is empty, the work is deferred
for connectivity, or a cycle fails. An unresolved cycle from a previous
run (crash, unacknowledged commit) is resumed first under its original
payload key.

The one-cycle-at-a-time guard is per process. Running this while the
daemon is mid-cycle can retry the same batch from both; deterministic
payload keys and the metadata store's last-writer-wins commit keep that
harmless, but stop the daemon first to avoid the wasted uploads.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()

		mlog, err := openQueue(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening mutation queue: %v\n", err)
			os.Exit(1)
		}
		defer mlog.Close()

		payloads, metadata, cleanup, err := openStores(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		eng, err := buildEngine(cfg, mlog, payloads, metadata, stderrLogger("engine"), nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building sync engine: %v\n", err)
			os.Exit(1)
		}

		cycles := 0
		for {
			outcome, err := eng.RunCycle(ctx)
			if errors.Is(err, engine.ErrCycleInProgress) {
				fmt.Fprintln(os.Stderr, "Error: another sync is already running")
				os.Exit(1)
			}

			switch outcome {
			case engine.OutcomeSynced:
				cycles++
				continue

			case engine.OutcomeNoWork:
				if cycles == 0 {
					fmt.Printf("%s Nothing to sync\n", ui.RenderMuted("·"))
				} else {
					fmt.Printf("%s Synced %d cycle(s)\n", ui.RenderPass("✓"), cycles)
				}
				return

			case engine.OutcomeDeferred:
				fmt.Printf("%s Offline; queued work will sync on the next connectivity window\n",
					ui.RenderWarn("⚠"))
				return

			case engine.OutcomePending:
				fmt.Printf("%s Payload uploaded; metadata commit pending retry: %v\n",
					ui.RenderWarn("⚠"), err)
				return

			default:
				fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
				os.Exit(1)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
