package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/studaxis/studaxis-sync/internal/dashboard"
	syncdaemon "github.com/studaxis/studaxis-sync/internal/sync/daemon"
	"github.com/studaxis/studaxis-sync/internal/sync/netmon"
	"github.com/studaxis/studaxis-sync/internal/ui"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync service",
	Long: `Run the sync daemon: watch for connectivity windows and spooled
artifacts, and drain the mutation queue whenever the endpoint is
reachable.

The daemon also serves the monitoring dashboard (WebSocket + HTTP) on
the configured port. Stop with SIGINT or SIGTERM; an in-progress cycle
resolves before shutdown.`,
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

		logger := daemonLogger(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

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

		monitor, err := netmon.New(&netmon.Config{
			Interval:       cfg.Connectivity.Interval(),
			ConfirmSamples: cfg.Connectivity.ConfirmSamples,
			Probe:          netmon.TCPProbe(cfg.Connectivity.ProbeAddr, cfg.Connectivity.Interval()/2),
			Logger:         logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating connectivity monitor: %v\n", err)
			os.Exit(1)
		}

		dash := dashboard.NewServer(mlog, metadata, &dashboard.Config{
			Port:   cfg.Dashboard.Port,
			UserID: cfg.UserID,
			Logger: logger,
		})
		if err := dash.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		defer dash.Stop()

		eng, err := buildEngine(cfg, mlog, payloads, metadata, logger,
			func() bool { return monitor.State() == netmon.Online },
			dash.PublishCycle,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building sync engine: %v\n", err)
			os.Exit(1)
		}

		dcfg := syncdaemon.DefaultConfig()
		dcfg.SyncInterval = cfg.Sync.Interval()
		dcfg.Logger = logger

		var d *syncdaemon.Daemon

		var spool *syncdaemon.SpoolWatcher
		if cfg.SpoolDir != "" {
			spool, err = syncdaemon.NewSpoolWatcher(mlog, cfg.UserID, cfg.SpoolDir,
				func() { d.TriggerSync() }, logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating spool watcher: %v\n", err)
				os.Exit(1)
			}
		}

		d, err = syncdaemon.New(eng, monitor, spool, dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		// Mirror connectivity transitions onto the dashboard.
		transitions := monitor.Subscribe()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case tr := <-transitions:
					dash.PublishConnectivity(tr)
				}
			}
		}()

		fmt.Printf("%s Sync daemon running (dashboard on %s)\n",
			ui.RenderPass("✓"), ui.RenderAccent(dash.GetAddr()))

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

// daemonLogger logs to the configured file with rotation, falling back to
// stderr. With --foreground, logs tee to both.
func daemonLogger(file string, maxSizeMB, maxBackups int) *log.Logger {
	if file == "" {
		return stderrLogger("daemon")
	}

	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}

	var w io.Writer = rotating
	if daemonForeground {
		w = io.MultiWriter(rotating, os.Stderr)
	}
	return log.New(w, "[daemon] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false,
		"also log to stderr when a log file is configured")
	rootCmd.AddCommand(daemonCmd)
}
