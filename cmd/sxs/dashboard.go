package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/studaxis/studaxis-sync/internal/dashboard"
	"github.com/studaxis/studaxis-sync/internal/ui"
)

var dashboardPort int

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "inspect",
	Short:   "Serve the monitoring dashboard without the daemon",
	Long: `Serve the monitoring dashboard standalone. Shows queue statistics and
the remote sync record; live cycle events only appear when the daemon
is running, since it owns the sync engine.`,
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

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mlog, err := openQueue(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening mutation queue: %v\n", err)
			os.Exit(1)
		}
		defer mlog.Close()

		_, metadata, cleanup, err := openStores(ctx, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		port := cfg.Dashboard.Port
		if dashboardPort != 0 {
			port = dashboardPort
		}

		srv := dashboard.NewServer(mlog, metadata, &dashboard.Config{
			Port:   port,
			UserID: cfg.UserID,
			Logger: stderrLogger("dashboard"),
		})
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Dashboard on %s (Ctrl+C to stop)\n",
			ui.RenderPass("✓"), ui.RenderAccent("http://"+srv.GetAddr()))

		<-ctx.Done()
		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardPort, "port", 0, "override the configured dashboard port")
	rootCmd.AddCommand(dashboardCmd)
}
