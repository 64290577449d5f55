package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pillbox/laporbox/internal/sched"
	"github.com/pillbox/laporbox/internal/spool"
)

// resubscribeDelay is the backoff before reopening a failed live
// subscription.
const resubscribeDelay = 15 * time.Second

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync and upload daemon",
	Long: `Run the background engine:
  1. Watches the capture spool and enqueues new photos
  2. Drains the pending-report queue (validate, upload, record, notify)
  3. Pushes dirty prescriptions on a fixed interval
  4. Mirrors remote changes into the local cache via a live subscription`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		scheduler := sched.New(sched.Config{
			Worker: a.worker,
			Sync: func(ctx context.Context) (bool, error) {
				return a.reconciler.SyncPendingDirty(ctx, a.cfg.UserID)
			},
			RetryDelay: a.cfg.RetryDelay,
			Logger:     componentLogger(a.logOut, "sched"),
		})
		defer scheduler.Stop()
		scheduler.SchedulePeriodicSync(a.cfg.SyncPeriod)

		watcher, err := spool.NewWatcher(a.store, a.cfg.SpoolDir,
			scheduler.ScheduleImmediateUpload, componentLogger(a.logOut, "spool"))
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()

		// Catch up on anything queued before this run.
		scheduler.ScheduleImmediateUpload()

		go runLiveMirror(ctx, a)

		logger := componentLogger(a.logOut, "daemon")
		logger.Printf("Daemon running (user %s)", a.cfg.UserID)
		<-ctx.Done()
		logger.Printf("Shutdown signal received")
		return nil
	},
}

// runLiveMirror keeps a live subscription open, resubscribing with a
// fixed backoff whenever the stream terminates with an error.
func runLiveMirror(ctx context.Context, a *app) {
	logger := componentLogger(a.logOut, "daemon")

	for ctx.Err() == nil {
		stream, err := a.reconciler.SubscribeLive(ctx, a.cfg.UserID)
		if err != nil {
			logger.Printf("Live subscription failed, retrying in %s: %v", resubscribeDelay, err)
		} else {
			for range stream.Updates() {
				// Mirroring happens inside the reconciler; the daemon
				// only keeps the stream drained.
			}
			if serr := stream.Err(); serr != nil {
				logger.Printf("Live subscription ended, retrying in %s: %v", resubscribeDelay, serr)
			}
			_ = stream.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull remote prescriptions and push dirty local ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.reconciler.PullAll(ctx, a.cfg.UserID); err != nil {
			return err
		}

		ok, err := a.reconciler.SyncPendingDirty(ctx, a.cfg.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("some dirty records failed to push; they remain queued for the next sync")
		}

		fmt.Println("Sync complete")
		return nil
	},
}
