package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pillbox/laporbox/internal/schema"
	"github.com/pillbox/laporbox/internal/upload"
)

var uploadAll bool

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Process the oldest pending report",
	Long: `Claim the single oldest pending report and drive it through
validation, image upload, and remote recording. With --all, keep going
until the queue is drained or a record needs a later retry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		for {
			res, err := a.worker.RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			switch res.Outcome {
			case upload.NoWork:
				fmt.Println("Queue is empty")
				return nil
			case upload.Done:
				fmt.Printf("Report %d uploaded\n", res.ReportID)
			case upload.Dropped:
				fmt.Printf("Report %d dropped: %s\n", res.ReportID, res.Reason)
			case upload.Retry:
				fmt.Printf("Report %d will retry later: %s\n", res.ReportID, res.Reason)
				return nil
			}

			if !uploadAll {
				return nil
			}
		}
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <prescription-id> <image-path>",
	Short: "Queue a captured image as a pending report",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("failed to resolve image path: %w", err)
		}

		id, err := a.store.EnqueueReport(cmd.Context(), &schema.PendingReport{
			PrescriptionID: args[0],
			ImagePath:      path,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Enqueued pending report %d\n", id)
		return nil
	},
}

func init() {
	uploadCmd.Flags().BoolVar(&uploadAll, "all", false, "drain the queue instead of processing one record")
}
