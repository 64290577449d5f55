// laporboxd is the medication-compliance reporting daemon: it keeps the
// local prescription cache in sync with the remote document store and
// drains the pending-report upload queue.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "laporboxd",
	Short: "Offline-first medication compliance reporting client",
	Long: `laporboxd persists prescriptions and photographic compliance reports
locally, validates captured dispenser photos against the expected dosage,
uploads them, and reconciles the local cache with the remote store.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(enqueueCmd)
}
