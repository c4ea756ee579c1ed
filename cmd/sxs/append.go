package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/studaxis/studaxis-sync/internal/sync/queue"
	"github.com/studaxis/studaxis-sync/internal/ui"
)

var appendCmd = &cobra.Command{
	Use:     "append <kind> <fields-json>",
	GroupID: "sync",
	Short:   "Queue a progress mutation",
	Long: `Append a mutation to the durable local queue.

The mutation is safely on disk before the command returns; it syncs on
the next connectivity window. Kinds:

  score_update        {"last_quiz_score": 85}
  streak_increment    {"current_streak": 7}
  session_completed   {"total_sessions": 12}
  flashcard_reviewed  {"cards_reviewed": 30, "total_sessions": 13}
  payload_attached    {"artifact_key": "...", "local_path": "..."}

Example:

  sxs append score_update '{"last_quiz_score": 85}'`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
			os.Exit(1)
		}

		kind := queue.Kind(strings.TrimSpace(args[0]))

		var fields map[string]interface{}
		if err := json.Unmarshal([]byte(args[1]), &fields); err != nil {
			fmt.Fprintf(os.Stderr, "Error: fields must be a JSON object: %v\n", err)
			os.Exit(1)
		}

		mlog, err := openQueue(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening mutation queue: %v\n", err)
			os.Exit(1)
		}
		defer mlog.Close()

		m, err := mlog.Append(context.Background(), kind, fields)
		if err != nil {
			var verr *queue.ValidationError
			if errors.As(err, &verr) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", verr)
			} else {
				fmt.Fprintf(os.Stderr, "Error appending mutation: %v\n", err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Queued %s mutation #%d\n", ui.RenderPass("✓"), ui.RenderAccent(string(m.Kind)), m.ID)
	},
}

func init() {
	rootCmd.AddCommand(appendCmd)
}
