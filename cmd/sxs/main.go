// Command sxs is the Studaxis sync service CLI.
//
// It manages the offline-first sync pipeline: a durable local mutation
// queue, delta payload uploads to cloud storage, and the authoritative
// per-user sync record in the metadata store.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
