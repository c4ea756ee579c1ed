package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/studaxis/studaxis-sync/internal/config"
	"github.com/studaxis/studaxis-sync/internal/ui"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a configuration file",
	Long: `Walk through the required settings and write config.yaml to the
data directory (~/.studaxis by default, or the --config path).`,
	Run: func(cmd *cobra.Command, args []string) {
		dir := configPath
		if dir == "" {
			dir = config.DefaultDir()
		}

		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil && !initForce {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", path)
			os.Exit(1)
		}

		hostname, _ := os.Hostname()

		var (
			userID    string
			deviceID  = hostname
			bucket    string
			credsFile string
			tursoURL  string
			tursoTok  string
			spoolDir  string
		)

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Student user ID").
					Description("Lowercase letters, digits, hyphens, underscores (e.g. student-4821)").
					Value(&userID).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("user ID is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Device ID").
					Description("Identifies this device in the sync record").
					Value(&deviceID),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("GCS bucket").
					Description("Bucket receiving delta payloads and artifacts").
					Value(&bucket).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("bucket is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("GCS credentials file").
					Description("Service account JSON; empty uses application default credentials").
					Value(&credsFile),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Turso database URL").
					Description("libsql://... for the hosted metadata store; empty uses a local file").
					Value(&tursoURL),
				huh.NewInput().
					Title("Turso auth token").
					EchoMode(huh.EchoModePassword).
					Value(&tursoTok),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Artifact spool directory").
					Description("Watched for chat summaries and notes; empty disables the watcher").
					Value(&spoolDir),
			),
		)

		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		doc := map[string]interface{}{
			"user_id":   strings.TrimSpace(userID),
			"device_id": strings.TrimSpace(deviceID),
			"data_dir":  dir,
			"payload": map[string]interface{}{
				"bucket":           strings.TrimSpace(bucket),
				"credentials_file": strings.TrimSpace(credsFile),
			},
			"metadata": map[string]interface{}{
				"url":        strings.TrimSpace(tursoURL),
				"auth_token": strings.TrimSpace(tursoTok),
			},
		}
		if s := strings.TrimSpace(spoolDir); s != "" {
			doc["spool_dir"] = s
		}

		data, err := yaml.Marshal(doc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding configuration: %v\n", err)
			os.Exit(1)
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
		// The auth token lives in this file.
		if err := os.WriteFile(path, data, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", path, err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), ui.RenderAccent(path))
		fmt.Printf("%s Run %s to start syncing\n", ui.RenderMuted("·"), ui.RenderAccent("sxs daemon"))
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}
