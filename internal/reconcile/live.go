package reconcile

import (
	"context"
	"fmt"

	"github.com/pillbox/laporbox/internal/remote"
	"github.com/pillbox/laporbox/internal/schema"
)

// LiveStream is a live view of the user's prescriptions that also mirrors
// every remote change batch into the local cache (marking the incoming
// records clean).
//
// On a subscription error the stream terminates with that error; the
// caller must resubscribe.
type LiveStream struct {
	sub     remote.Subscription
	updates chan []*schema.Prescription
	err     error
}

// SubscribeLive opens a live subscription for the user and starts
// mirroring remote changes into the local store.
func (r *Reconciler) SubscribeLive(ctx context.Context, userID string) (*LiveStream, error) {
	sub, err := r.remote.Subscribe(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to remote changes: %w", err)
	}

	ls := &LiveStream{
		sub:     sub,
		updates: make(chan []*schema.Prescription, 1),
	}

	go func() {
		defer close(ls.updates)

		for snapshot := range sub.Updates() {
			for _, p := range snapshot {
				p.Dirty = false
				if err := r.store.UpsertPrescription(ctx, p); err != nil {
					r.logger.Printf("Failed to mirror prescription %s: %v", p.ID, err)
				}
			}

			select {
			case ls.updates <- snapshot:
			case <-ctx.Done():
				return
			}
		}
		ls.err = sub.Err()
	}()

	return ls, nil
}

// Updates returns the snapshot channel. It closes when the subscription
// terminates.
func (ls *LiveStream) Updates() <-chan []*schema.Prescription {
	return ls.updates
}

// Err returns the terminal subscription error after Updates is closed.
func (ls *LiveStream) Err() error {
	return ls.err
}

// Close tears the live stream down.
func (ls *LiveStream) Close() error {
	return ls.sub.Close()
}
