package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/studaxis/studaxis-sync/internal/ui"
)

var exportFile string

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "inspect",
	Short:   "Export the mutation log as JSONL",
	Long: `Dump every mutation (pending, in flight, committed, and failed)
as one JSON object per line, oldest first. A complete local audit trail
of what was queued and what happened to it.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}

		mlog, err := openQueue(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening mutation queue: %v\n", err)
			os.Exit(1)
		}
		defer mlog.Close()

		var out io.Writer = os.Stdout
		if exportFile != "" {
			f, err := os.Create(exportFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", exportFile, err)
				os.Exit(1)
			}
			defer f.Close()
			out = f
		}

		if err := mlog.ExportJSONL(context.Background(), out); err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
			os.Exit(1)
		}

		if exportFile != "" {
			fmt.Printf("%s Exported mutation log to %s\n", ui.RenderPass("✓"), exportFile)
		}
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFile, "output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
